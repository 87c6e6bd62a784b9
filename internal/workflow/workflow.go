// Package workflow orchestrates one anchor job end to end: pull a window
// of events, build its Merkle tree, submit the root to the ledger, and
// persist the anchor and its per-event proofs. It is also where the
// public inclusion-verification surface lives, since verification needs
// exactly the same repository and Merkle-engine collaborators as Run.
package workflow

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/aredgroup/edge-anchor/internal/anchordom"
	"github.com/aredgroup/edge-anchor/internal/eventsource"
	"github.com/aredgroup/edge-anchor/internal/ledgerclient"
	"github.com/aredgroup/edge-anchor/internal/merkle"
	"github.com/aredgroup/edge-anchor/internal/repository"
	"github.com/google/uuid"
)

// EventSource is the subset of eventsource.Source the workflow needs.
type EventSource interface {
	FetchWindow(ctx context.Context, start, end time.Time, pallets ...string) (eventsource.Window, error)
	LastAnchorEnd(ctx context.Context) (*time.Time, error)
}

// LedgerClient is the subset of ledgerclient.Client the workflow needs.
type LedgerClient interface {
	PostAnchor(ctx context.Context, msg ledgerclient.AnchorMessage, waitForInclusion bool) (ledgerclient.BlockMetadata, error)
	ExplorerURL(blockID string) string
}

// Repo is the subset of repository.Repository the workflow needs.
type Repo interface {
	FindAnchorByWindow(ctx context.Context, digest string, start, end time.Time) (anchordom.Anchor, error)
	UpsertAnchor(ctx context.Context, a anchordom.Anchor) (uuid.UUID, bool, error)
	GetAnchor(ctx context.Context, id uuid.UUID) (anchordom.Anchor, error)
	SaveItem(ctx context.Context, item anchordom.AnchorItem) error
	ListItems(ctx context.Context, anchorID uuid.UUID, limit, offset int, deviceFilter *string) ([]anchordom.AnchorItem, error)
	FindItemByHash(ctx context.Context, eventHash string) (anchordom.AnchorItem, error)
}

// ResultKind distinguishes why Run succeeded, for callers that need to
// tell "nothing to anchor" or "already anchored" apart from "freshly
// posted".
type ResultKind string

const (
	ResultPosted    ResultKind = "posted"
	ResultEmpty     ResultKind = "empty"
	ResultDuplicate ResultKind = "duplicate"
)

// AnchorResult is the structured outcome of one Run call.
type AnchorResult struct {
	Success     bool
	Kind        ResultKind
	AnchorID    uuid.UUID
	Digest      string
	EventCount  int
	LedgerBlockID string
	Error       string
	Start       time.Time
	End         time.Time
	Duration    time.Duration
}

// Claims tracks anchors currently owned by an in-flight workflow run, so
// reconciliation can skip them rather than racing a concurrent retry.
type Claims interface {
	Claim(id uuid.UUID)
	Release(id uuid.UUID)
}

// Workflow wires the Merkle engine, event source, ledger client, and
// repository together to run one anchor job at a time.
type Workflow struct {
	events EventSource
	ledger LedgerClient
	repo   Repo
	claims Claims
	logger *log.Logger

	network   string
	tagPrefix string
	tagVer    string
}

// Config carries the parts of Workflow's wiring not already captured by
// its collaborator interfaces.
type Config struct {
	Network    string
	TagPrefix  string
	TagVersion string
}

// New builds a Workflow. claims may be nil, in which case claim-tracking
// is a no-op (acceptable for tests and for single-anchor manual triggers).
func New(events EventSource, ledger LedgerClient, repo Repo, claims Claims, cfg Config) *Workflow {
	return &Workflow{
		events:    events,
		ledger:    ledger,
		repo:      repo,
		claims:    claims,
		logger:    log.New(log.Writer(), "[Workflow] ", log.LstdFlags),
		network:   cfg.Network,
		tagPrefix: cfg.TagPrefix,
		tagVer:    cfg.TagVersion,
	}
}

// Run executes the seven-step anchor procedure for the window
// [start, end). If end is nil, the current UTC time is used; if start is
// nil, it is last_anchor_end() if available, else end-24h.
func (w *Workflow) Run(ctx context.Context, start, end *time.Time, waitForConfirmation bool) (AnchorResult, error) {
	began := time.Now()

	resolvedEnd := time.Now().UTC()
	if end != nil {
		resolvedEnd = end.UTC()
	}

	resolvedStart := resolvedEnd.Add(-24 * time.Hour)
	if start != nil {
		resolvedStart = start.UTC()
	} else if last, err := w.events.LastAnchorEnd(ctx); err == nil && last != nil {
		resolvedStart = last.UTC()
	}

	result := AnchorResult{Start: resolvedStart, End: resolvedEnd}

	// Step 1: fetch window.
	window, err := w.events.FetchWindow(ctx, resolvedStart, resolvedEnd)
	if err != nil {
		return w.fail(result, began, err)
	}
	if window.EventCount() == 0 {
		result.Success = true
		result.Kind = ResultEmpty
		result.Duration = time.Since(began)
		return result, nil
	}

	// Step 2: build tree, compute digest.
	tree, err := merkle.BuildFromRawHashes(window.Hashes())
	if err != nil {
		return w.fail(result, began, anchordom.Coded(anchordom.TaxonomyInvalidInput, err))
	}
	digest := tree.Root()
	result.Digest = digest
	result.EventCount = window.EventCount()

	// Step 3: an existing Anchor for this exact (digest, start, end) means
	// this window was already anchored; return it as a duplicate without
	// re-submitting to the ledger.
	if existing, err := w.repo.FindAnchorByWindow(ctx, digest, resolvedStart, resolvedEnd); err == nil {
		result.AnchorID = existing.ID
		result.Success = true
		result.Kind = ResultDuplicate
		if existing.LedgerBlockID != nil {
			result.LedgerBlockID = *existing.LedgerBlockID
		}
		result.Duration = time.Since(began)
		return result, nil
	} else if !isNotFound(err) {
		return w.fail(result, began, err)
	}

	anchor := anchordom.Anchor{
		Digest:      digest,
		Method:      anchordom.DefaultMethod,
		WindowStart: resolvedStart,
		WindowEnd:   resolvedEnd,
		ItemCount:   window.EventCount(),
		Status:      anchordom.StatusBuilding,
		CreatedAt:   time.Now().UTC(),
	}

	// Step 4: claim this anchor before submitting to the ledger so
	// reconciliation won't race a not-yet-visible row.
	anchor.Status = anchordom.StatusPosting
	anchor.ID = uuid.New()
	if w.claims != nil {
		w.claims.Claim(anchor.ID)
		defer w.claims.Release(anchor.ID)
	}

	msg := ledgerclient.AnchorMessage{
		Digest:    digest,
		Algorithm: "sha256",
		Type:      "merkle_root",
		Timestamp: time.Now().UTC(),
		Count:     window.EventCount(),
		Start:     resolvedStart,
		End:       resolvedEnd,
		Version:   "1.0",
	}

	// Step 5: submit to ledger.
	meta, submitErr := w.ledger.PostAnchor(ctx, msg, waitForConfirmation)
	if submitErr != nil {
		anchor.Status = anchordom.StatusFailed
		errMsg := submitErr.Error()
		anchor.ErrorMessage = &errMsg
		if _, _, err := w.repo.UpsertAnchor(ctx, anchor); err != nil {
			w.logger.Printf("failed to persist failed anchor: %v", err)
		}
		return w.fail(result, began, submitErr)
	}

	blockID := meta.BlockID
	anchor.LedgerBlockID = &blockID
	anchor.Network = w.network
	anchor.ExplorerURL = w.ledger.ExplorerURL(blockID)
	now := time.Now().UTC()
	anchor.PostedAt = &now
	if meta.Confirmed() {
		anchor.Status = anchordom.StatusConfirmed
		anchor.ConfirmedAt = &now
	} else {
		anchor.Status = anchordom.StatusPosted
	}

	// Persist the now-posted anchor. The step 3 check above already
	// short-circuits the common sequential-rerun case before any ledger
	// call; UpsertAnchor's inserted flag remains as a backstop against a
	// genuine concurrent race between two Run calls for the same window,
	// so the loser still skips writing items over the winner's row.
	persistedID, inserted, err := w.repo.UpsertAnchor(ctx, anchor)
	if err != nil {
		return w.fail(result, began, anchordom.Coded(anchordom.TaxonomyPersistence, err))
	}
	result.AnchorID = persistedID
	result.LedgerBlockID = blockID

	if !inserted {
		// Lost a concurrent race for this exact window; do not write
		// items twice.
		result.Success = true
		result.Kind = ResultDuplicate
		result.Duration = time.Since(began)
		return result, nil
	}

	// Step 6: persist items, one transaction per item tolerant of
	// cancellation (insert-if-absent on (anchor_id, position)).
	for i, ev := range window.Events {
		proof, err := tree.Prove(i)
		if err != nil {
			return w.fail(result, began, anchordom.Coded(anchordom.TaxonomyPersistence, err))
		}
		eventID := ev.ID
		item := anchordom.AnchorItem{
			AnchorID:     persistedID,
			EventID:      &eventID,
			EventHash:    ev.Hash,
			Position:     i,
			ProofCompact: merkle.ToCompact(proof.Path),
		}
		if err := w.repo.SaveItem(ctx, item); err != nil {
			return w.fail(result, began, anchordom.Coded(anchordom.TaxonomyPersistence, err))
		}
	}

	// Step 7: structured result.
	result.Success = true
	result.Kind = ResultPosted
	result.Duration = time.Since(began)
	return result, nil
}

func (w *Workflow) fail(result AnchorResult, began time.Time, err error) (AnchorResult, error) {
	result.Success = false
	result.Error = err.Error()
	result.Duration = time.Since(began)
	w.logger.Printf("anchor job failed: %v", err)
	return result, nil
}

// MarshalJSON implements the source's to_dict()-equivalent for the HTTP
// API's job-trigger endpoint.
func (r AnchorResult) MarshalJSON() ([]byte, error) {
	type alias struct {
		Success       bool    `json:"success"`
		Kind          string  `json:"kind"`
		AnchorID      string  `json:"anchor_id,omitempty"`
		Digest        string  `json:"digest,omitempty"`
		EventCount    int     `json:"event_count"`
		LedgerBlockID string  `json:"iota_block_id,omitempty"`
		Error         string  `json:"error,omitempty"`
		StartTime     int64   `json:"start_time"`
		EndTime       int64   `json:"end_time"`
		DurationSecs  float64 `json:"duration_seconds"`
	}
	a := alias{
		Success:      r.Success,
		Kind:         string(r.Kind),
		EventCount:   r.EventCount,
		Digest:       r.Digest,
		Error:        r.Error,
		StartTime:    r.Start.Unix(),
		EndTime:      r.End.Unix(),
		DurationSecs: r.Duration.Seconds(),
	}
	if r.AnchorID != uuid.Nil {
		a.AnchorID = r.AnchorID.String()
	}
	a.LedgerBlockID = r.LedgerBlockID
	return json.Marshal(a)
}
