// Package ledgerclient is a small, retrying HTTP client over the ledger's
// tagged-data block API. It is not tied to a particular tangle
// implementation; it only assumes the four-endpoint surface in §6: a
// health check, node info, tagged-data block submission, and block
// metadata lookup.
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/aredgroup/edge-anchor/internal/anchordom"
	"github.com/cenkalti/backoff/v4"
)

// Config holds the connection, retry, and confirmation-polling parameters
// from the ledger.* configuration keys in §6.
type Config struct {
	URL                 string
	Network             string
	TagPrefix           string
	TagVersion          string
	RequestTimeout      time.Duration
	APITimeout          time.Duration
	RetryCount          int
	RetryDelay          time.Duration
	RetryMaxDelay       time.Duration
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	Enabled             bool
}

// Client submits anchor messages to the ledger and polls for inclusion.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *log.Logger
}

// New builds a ledger Client. The returned client's HTTP requests each
// respect cfg.RequestTimeout individually; PostAnchor separately bounds
// overall submission (including retries) by cfg.APITimeout when it is
// set. Confirmation polling is not covered by cfg.APITimeout.
func New(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		logger: log.New(log.Writer(), "[LedgerClient] ", log.LstdFlags),
	}
}

// Tag returns the configured "<PREFIX>_<VERSION>" tag.
func (c *Client) Tag() string {
	return c.cfg.TagPrefix + "_" + c.cfg.TagVersion
}

// ExplorerURL derives a human-facing explorer link for a submitted block,
// built from the configured network name. "mainnet", "testnet" and
// "shimmer-testnet" map to fixed explorer hosts; any other non-empty
// network gets a generic explorer.iota.org/<network> link. Returns an
// empty string if blockID or the network is empty.
func (c *Client) ExplorerURL(blockID string) string {
	if blockID == "" {
		return ""
	}
	switch c.cfg.Network {
	case "mainnet":
		return "https://explorer.iota.org/mainnet/block/" + blockID
	case "testnet", "shimmer-testnet":
		return "https://explorer.shimmer.network/testnet/block/" + blockID
	default:
		if c.cfg.Network == "" {
			return ""
		}
		return fmt.Sprintf("https://explorer.iota.org/%s/block/%s", c.cfg.Network, blockID)
	}
}

// Health checks the ledger node's /health endpoint.
func (c *Client) Health(ctx context.Context) error {
	if !c.cfg.Enabled {
		return anchordom.Coded(anchordom.TaxonomyLedgerUnavailable, anchordom.ErrLedgerUnavailable)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"/health", nil)
	if err != nil {
		return anchordom.Coded(anchordom.TaxonomyLedgerUnavailable, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return anchordom.Coded(anchordom.TaxonomyLedgerUnavailable, fmt.Errorf("%w: %v", anchordom.ErrConnectionFailure, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return anchordom.Coded(anchordom.TaxonomyLedgerUnavailable, fmt.Errorf("%w: health returned %d", anchordom.ErrConnectionFailure, resp.StatusCode))
	}
	return nil
}

type nodeInfoResponse struct {
	Protocol struct {
		NetworkName string `json:"networkName"`
	} `json:"protocol"`
	Version string `json:"version"`
}

// NodeInfo fetches /api/core/v2/info.
func (c *Client) NodeInfo(ctx context.Context) (networkName, version string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"/api/core/v2/info", nil)
	if err != nil {
		return "", "", anchordom.Coded(anchordom.TaxonomyLedgerUnavailable, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", anchordom.Coded(anchordom.TaxonomyLedgerUnavailable, fmt.Errorf("%w: %v", anchordom.ErrConnectionFailure, err))
	}
	defer resp.Body.Close()

	var info nodeInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", "", anchordom.Coded(anchordom.TaxonomyLedgerUnavailable, err)
	}
	return info.Protocol.NetworkName, info.Version, nil
}

type blockSubmitRequest struct {
	ProtocolVersion int            `json:"protocolVersion"`
	Payload         blockSubmitBody `json:"payload"`
}

type blockSubmitBody struct {
	Type int    `json:"type"`
	Tag  string `json:"tag"`
	Data string `json:"data"`
}

type blockSubmitResponse struct {
	BlockID string `json:"blockId"`
}

// PostAnchor submits the anchor message as a tagged data block, retrying
// transient failures with capped exponential backoff, and optionally
// blocks until the ledger reports inclusion.
func (c *Client) PostAnchor(ctx context.Context, msg AnchorMessage, waitForInclusion bool) (BlockMetadata, error) {
	if !c.cfg.Enabled {
		return BlockMetadata{}, anchordom.Coded(anchordom.TaxonomyLedgerUnavailable, anchordom.ErrLedgerUnavailable)
	}

	data, err := CanonicalJSON(msg)
	if err != nil {
		return BlockMetadata{}, anchordom.Coded(anchordom.TaxonomyInvalidInput, err)
	}

	apiCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.APITimeout > 0 {
		apiCtx, cancel = context.WithTimeout(ctx, c.cfg.APITimeout)
		defer cancel()
	}

	blockID, err := c.submitWithRetry(apiCtx, c.Tag(), data)
	if err != nil {
		return BlockMetadata{}, err
	}

	meta := BlockMetadata{BlockID: blockID, InclusionState: InclusionPending}
	if !waitForInclusion {
		return meta, nil
	}
	return c.waitForConfirmation(ctx, blockID)
}

func (c *Client) submitWithRetry(ctx context.Context, tag string, data []byte) (string, error) {
	body := blockSubmitRequest{
		ProtocolVersion: 2,
		Payload: blockSubmitBody{
			Type: 5,
			Tag:  hex.EncodeToString([]byte(tag)),
			Data: hex.EncodeToString(data),
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", anchordom.Coded(anchordom.TaxonomyInvalidInput, err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryDelay
	bo.MaxInterval = c.cfg.RetryMaxDelay
	bo.Multiplier = 2
	var bounded backoff.BackOff = backoff.WithMaxRetries(bo, uint64(c.cfg.RetryCount))
	bounded = backoff.WithContext(bounded, ctx)

	var blockID string
	attempts := 0
	operation := func() error {
		attempts++
		id, err := c.submitOnce(ctx, payload)
		if err != nil {
			c.logger.Printf("submission attempt %d failed: %v", attempts, err)
			return err
		}
		blockID = id
		return nil
	}

	if err := backoff.Retry(operation, bounded); err != nil {
		return "", anchordom.Coded(anchordom.TaxonomyLedgerSubmission, fmt.Errorf("%w: %v", anchordom.ErrSubmissionRejected, err))
	}
	return blockID, nil
}

func (c *Client) submitOnce(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/api/core/v2/blocks", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", anchordom.ErrConnectionFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("ledger returned %d (transient)", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", backoff.Permanent(fmt.Errorf("ledger rejected submission: %d", resp.StatusCode))
	}

	var out blockSubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding submission response: %w", err)
	}
	return out.BlockID, nil
}

type blockMetadataResponse struct {
	IsSolid               bool   `json:"isSolid"`
	ReferencedByMilestone *int64 `json:"referencedByMilestoneIndex,omitempty"`
	LedgerInclusionState  string `json:"ledgerInclusionState"`
}

// GetBlockMetadata fetches the ledger's current view of a submitted block.
func (c *Client) GetBlockMetadata(ctx context.Context, blockID string) (BlockMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"/api/core/v2/blocks/"+blockID+"/metadata", nil)
	if err != nil {
		return BlockMetadata{}, anchordom.Coded(anchordom.TaxonomyLedgerUnavailable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return BlockMetadata{}, anchordom.Coded(anchordom.TaxonomyLedgerUnavailable, fmt.Errorf("%w: %v", anchordom.ErrConnectionFailure, err))
	}
	defer resp.Body.Close()

	var out blockMetadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return BlockMetadata{}, anchordom.Coded(anchordom.TaxonomyLedgerUnavailable, err)
	}

	state := InclusionState(out.LedgerInclusionState)
	if state == "" {
		state = InclusionUnknown
	}
	return BlockMetadata{
		BlockID:               blockID,
		IsSolid:               out.IsSolid,
		ReferencedByMilestone: out.ReferencedByMilestone,
		InclusionState:        state,
	}, nil
}

// waitForConfirmation polls GetBlockMetadata every PollInterval until the
// ledger reports included (success), conflicting (ErrConflictingLedgerState),
// or ConfirmationTimeout elapses. Transient errors during polling do not
// consume the timeout faster than the poll interval: each failed poll
// still waits a full interval before the next attempt.
func (c *Client) waitForConfirmation(ctx context.Context, blockID string) (BlockMetadata, error) {
	deadline := time.Now().Add(c.cfg.ConfirmationTimeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		meta, err := c.GetBlockMetadata(ctx, blockID)
		if err == nil {
			switch meta.InclusionState {
			case InclusionIncluded:
				return meta, nil
			case InclusionConflicting:
				return meta, anchordom.Coded(anchordom.TaxonomyLedgerConflicting, anchordom.ErrConflictingLedgerState)
			}
		} else {
			c.logger.Printf("confirmation poll for block %s failed: %v", blockID, err)
		}

		if time.Now().After(deadline) {
			return BlockMetadata{BlockID: blockID, InclusionState: InclusionPending},
				anchordom.Coded(anchordom.TaxonomyLedgerConfirmationTimeout, anchordom.ErrConfirmationTimeout)
		}

		select {
		case <-ctx.Done():
			return BlockMetadata{BlockID: blockID, InclusionState: InclusionPending},
				anchordom.Coded(anchordom.TaxonomyCancelled, ctx.Err())
		case <-ticker.C:
		}
	}
}
