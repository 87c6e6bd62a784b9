// Package reconcile scans non-terminal anchors on a fixed cadence,
// retrying stuck submissions with bounded exponential backoff, promoting
// exhausted anchors to a "needs review" failed state, and confirming
// already-posted anchors once the ledger reports inclusion.
package reconcile

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/aredgroup/edge-anchor/internal/anchordom"
	"github.com/aredgroup/edge-anchor/internal/ledgerclient"
	"github.com/google/uuid"
)

// Repo is the subset of repository.Repository the reconciler needs.
type Repo interface {
	ListAnchors(ctx context.Context, status *anchordom.AnchorStatus, limit, offset int) ([]anchordom.Anchor, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status anchordom.AnchorStatus, blockID, errMsg *string) error
	RecordRetry(ctx context.Context, anchorID uuid.UUID, at time.Time, errMsg *string) error
	RetryCount(ctx context.Context, anchorID uuid.UUID) (int, error)
	LastRetryAt(ctx context.Context, anchorID uuid.UUID) (*time.Time, error)
}

// LedgerClient is the subset of ledgerclient.Client the reconciler needs.
type LedgerClient interface {
	PostAnchor(ctx context.Context, msg ledgerclient.AnchorMessage, waitForInclusion bool) (ledgerclient.BlockMetadata, error)
	GetBlockMetadata(ctx context.Context, blockID string) (ledgerclient.BlockMetadata, error)
}

// Config holds the reconciliation policy from §6's reconciliation.* keys.
type Config struct {
	IntervalMinutes int
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	MinAge          time.Duration
	PageSize        int
}

// ClaimSet is an in-process advisory set of anchor IDs currently owned by
// an in-flight workflow run. The reconciler consults it before acting on
// any anchor and skips anything claimed.
type ClaimSet struct {
	mu      sync.Mutex
	claimed map[uuid.UUID]struct{}
}

// NewClaimSet builds an empty claim set.
func NewClaimSet() *ClaimSet {
	return &ClaimSet{claimed: make(map[uuid.UUID]struct{})}
}

// Claim marks id as owned by an in-flight workflow.
func (c *ClaimSet) Claim(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claimed[id] = struct{}{}
}

// Release removes id from the claim set once its workflow finishes.
func (c *ClaimSet) Release(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claimed, id)
}

func (c *ClaimSet) isClaimed(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.claimed[id]
	return ok
}

// Result tallies the outcome of one Sweep call.
type Result struct {
	Processed       int
	Retried         int
	Confirmed       int
	Failed          int
	MarkedForReview int
}

// Reconciler runs the three-scan reconciliation procedure on a ticker.
type Reconciler struct {
	repo   Repo
	ledger LedgerClient
	claims *ClaimSet
	cfg    Config
	logger *log.Logger

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Reconciler. Start must be called to begin the ticker loop.
func New(repo Repo, ledger LedgerClient, claims *ClaimSet, cfg Config) *Reconciler {
	if cfg.MinAge == 0 {
		cfg.MinAge = 2 * time.Minute
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 100
	}
	return &Reconciler{
		repo:   repo,
		ledger: ledger,
		claims: claims,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[Reconciler] ", log.LstdFlags),
		stopCh: make(chan struct{}),
	}
}

// backoffDelay implements backoff(n) = min(base * 2^n, cap).
func backoffDelay(base, cap time.Duration, n int) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// Start begins the ticker-driven reconciliation loop in a background
// goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.ticker = time.NewTicker(time.Duration(r.cfg.IntervalMinutes) * time.Minute)
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop halts the ticker loop and waits for the in-flight sweep to finish.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	if r.ticker != nil {
		r.ticker.Stop()
	}
	r.wg.Wait()
}

func (r *Reconciler) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ticker.C:
			result, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Printf("sweep failed: %v", err)
				continue
			}
			r.logger.Printf("sweep complete: processed=%d retried=%d confirmed=%d failed=%d review=%d",
				result.Processed, result.Retried, result.Confirmed, result.Failed, result.MarkedForReview)
		case <-r.stopCh:
			return
		}
	}
}

// Sweep runs the three scans once and returns their combined tally.
// Anchors currently claimed by an in-flight workflow are skipped in every
// scan.
func (r *Reconciler) Sweep(ctx context.Context) (Result, error) {
	var result Result

	if err := r.scanPending(ctx, &result); err != nil {
		return result, err
	}
	if err := r.scanPosted(ctx, &result); err != nil {
		return result, err
	}
	if err := r.scanFailed(ctx, &result); err != nil {
		return result, err
	}
	return result, nil
}

func (r *Reconciler) scanPending(ctx context.Context, result *Result) error {
	for _, status := range []anchordom.AnchorStatus{anchordom.StatusPending, anchordom.StatusBuilding, anchordom.StatusPosting} {
		status := status
		anchors, err := r.repo.ListAnchors(ctx, &status, r.cfg.PageSize, 0)
		if err != nil {
			return err
		}
		for _, a := range anchors {
			if r.claims != nil && r.claims.isClaimed(a.ID) {
				continue
			}
			if time.Since(a.CreatedAt) < r.cfg.MinAge {
				continue
			}
			result.Processed++
			if err := r.retryOrReview(ctx, a, result); err != nil {
				r.logger.Printf("pending scan: anchor %s: %v", a.ID, err)
			}
		}
	}
	return nil
}

func (r *Reconciler) scanPosted(ctx context.Context, result *Result) error {
	status := anchordom.StatusPosted
	anchors, err := r.repo.ListAnchors(ctx, &status, r.cfg.PageSize, 0)
	if err != nil {
		return err
	}
	for _, a := range anchors {
		if r.claims != nil && r.claims.isClaimed(a.ID) {
			continue
		}
		if a.LedgerBlockID == nil {
			continue
		}
		result.Processed++
		meta, err := r.ledger.GetBlockMetadata(ctx, *a.LedgerBlockID)
		if err != nil {
			r.logger.Printf("posted scan: anchor %s metadata lookup failed: %v", a.ID, err)
			continue
		}
		switch meta.InclusionState {
		case ledgerclient.InclusionIncluded:
			if err := r.repo.UpdateStatus(ctx, a.ID, anchordom.StatusConfirmed, nil, nil); err != nil {
				r.logger.Printf("posted scan: anchor %s confirm failed: %v", a.ID, err)
				continue
			}
			result.Confirmed++
		case ledgerclient.InclusionConflicting:
			msg := "conflicting ledger state"
			if err := r.repo.UpdateStatus(ctx, a.ID, anchordom.StatusFailed, nil, &msg); err != nil {
				r.logger.Printf("posted scan: anchor %s conflict transition failed: %v", a.ID, err)
				continue
			}
			result.Failed++
		}
	}
	return nil
}

func (r *Reconciler) scanFailed(ctx context.Context, result *Result) error {
	status := anchordom.StatusFailed
	anchors, err := r.repo.ListAnchors(ctx, &status, r.cfg.PageSize, 0)
	if err != nil {
		return err
	}
	for _, a := range anchors {
		if r.claims != nil && r.claims.isClaimed(a.ID) {
			continue
		}
		result.Processed++
		if err := r.retryOrReview(ctx, a, result); err != nil {
			r.logger.Printf("failed scan: anchor %s: %v", a.ID, err)
		}
	}
	return nil
}

// retryOrReview implements the shared retry-or-promote-to-review logic
// used by both the pending scan and the failed scan.
func (r *Reconciler) retryOrReview(ctx context.Context, a anchordom.Anchor, result *Result) error {
	n, err := r.repo.RetryCount(ctx, a.ID)
	if err != nil {
		return err
	}

	if n >= r.cfg.MaxRetries {
		msg := "exceeded retries; needs review"
		if err := r.repo.UpdateStatus(ctx, a.ID, anchordom.StatusFailed, nil, &msg); err != nil {
			return err
		}
		result.MarkedForReview++
		return nil
	}

	last, err := r.repo.LastRetryAt(ctx, a.ID)
	if err != nil {
		return err
	}
	delay := backoffDelay(r.cfg.BackoffBase, r.cfg.BackoffCap, n)
	if last != nil && time.Since(*last) < delay {
		return nil
	}

	if err := r.retrySubmission(ctx, a); err != nil {
		errMsg := err.Error()
		if recErr := r.repo.RecordRetry(ctx, a.ID, time.Now().UTC(), &errMsg); recErr != nil {
			return recErr
		}
		result.Retried++
		return nil
	}

	if recErr := r.repo.RecordRetry(ctx, a.ID, time.Now().UTC(), nil); recErr != nil {
		return recErr
	}
	result.Retried++
	return nil
}

func (r *Reconciler) retrySubmission(ctx context.Context, a anchordom.Anchor) error {
	msg := ledgerclient.AnchorMessage{
		Digest:    a.Digest,
		Algorithm: "sha256",
		Type:      "merkle_root",
		Timestamp: time.Now().UTC(),
		Count:     a.ItemCount,
		Start:     a.WindowStart,
		End:       a.WindowEnd,
		Version:   "1.0",
	}
	meta, err := r.ledger.PostAnchor(ctx, msg, false)
	if err != nil {
		return err
	}
	status := anchordom.StatusPosted
	if meta.Confirmed() {
		status = anchordom.StatusConfirmed
	}
	return r.repo.UpdateStatus(ctx, a.ID, status, &meta.BlockID, nil)
}
