package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aredgroup/edge-anchor/internal/anchordom"
	"github.com/google/uuid"
)

// Repository is the anchor persistence layer. All mutating methods
// commit before returning; readers may observe the previous state until
// then.
type Repository struct {
	db *sql.DB
}

// New wraps an already-open, already-migrated connection pool.
func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// UpsertAnchor inserts a over (digest, start_time, end_time), or on
// conflict updates the mutable fields. It reports whether this call won
// the insert (via Postgres's xmax = 0 trick) so the workflow knows
// whether it may safely persist AnchorItems.
func (r *Repository) UpsertAnchor(ctx context.Context, a anchordom.Anchor) (id uuid.UUID, inserted bool, err error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Method == "" {
		a.Method = anchordom.DefaultMethod
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO anchors (id, digest, method, start_time, end_time, item_count, status,
			iota_block_id, iota_network, explorer_url, error_message, created_at, posted_at, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (digest, start_time, end_time) DO UPDATE SET
			status = EXCLUDED.status,
			iota_block_id = EXCLUDED.iota_block_id,
			iota_network = EXCLUDED.iota_network,
			explorer_url = EXCLUDED.explorer_url,
			error_message = EXCLUDED.error_message,
			posted_at = EXCLUDED.posted_at,
			confirmed_at = EXCLUDED.confirmed_at
		RETURNING id, (xmax = 0) AS inserted`,
		a.ID, a.Digest, a.Method, a.WindowStart, a.WindowEnd, a.ItemCount, a.Status,
		nullableString(a.LedgerBlockID), nullableStringPtr(a.Network), nullableStringPtr(a.ExplorerURL),
		nullableString(a.ErrorMessage), timeOrNow(a.CreatedAt), nullableTime(a.PostedAt), nullableTime(a.ConfirmedAt))

	var persistedID uuid.UUID
	var wasInserted bool
	if scanErr := row.Scan(&persistedID, &wasInserted); scanErr != nil {
		return uuid.Nil, false, anchordom.Coded(anchordom.TaxonomyPersistence, scanErr)
	}
	return persistedID, wasInserted, nil
}

// GetAnchor returns a single Anchor by id.
func (r *Repository) GetAnchor(ctx context.Context, id uuid.UUID) (anchordom.Anchor, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, digest, method, start_time, end_time, item_count, status,
			iota_block_id, iota_network, explorer_url, error_message, created_at, posted_at, confirmed_at
		FROM anchors WHERE id = $1`, id)
	a, err := scanAnchor(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return anchordom.Anchor{}, anchordom.Coded(anchordom.TaxonomyNotFound, anchordom.ErrNotFound)
		}
		return anchordom.Anchor{}, anchordom.Coded(anchordom.TaxonomyPersistence, err)
	}
	return a, nil
}

// FindAnchorByWindow looks up the anchor already covering (digest, start,
// end), if one exists. The workflow calls this before submitting to the
// ledger so a rerun of an already-anchored window is detected up front,
// rather than only after a redundant ledger submission.
func (r *Repository) FindAnchorByWindow(ctx context.Context, digest string, start, end time.Time) (anchordom.Anchor, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, digest, method, start_time, end_time, item_count, status,
			iota_block_id, iota_network, explorer_url, error_message, created_at, posted_at, confirmed_at
		FROM anchors WHERE digest = $1 AND start_time = $2 AND end_time = $3`, digest, start, end)
	a, err := scanAnchor(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return anchordom.Anchor{}, anchordom.Coded(anchordom.TaxonomyNotFound, anchordom.ErrNotFound)
		}
		return anchordom.Anchor{}, anchordom.Coded(anchordom.TaxonomyPersistence, err)
	}
	return a, nil
}

// ListAnchors returns anchors, optionally filtered by status, newest
// first, paginated by limit/offset.
func (r *Repository) ListAnchors(ctx context.Context, status *anchordom.AnchorStatus, limit, offset int) ([]anchordom.Anchor, error) {
	var rows *sql.Rows
	var err error
	query := `
		SELECT id, digest, method, start_time, end_time, item_count, status,
			iota_block_id, iota_network, explorer_url, error_message, created_at, posted_at, confirmed_at
		FROM anchors`
	if status != nil {
		rows, err = r.db.QueryContext(ctx, query+" WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3",
			*status, limit, offset)
	} else {
		rows, err = r.db.QueryContext(ctx, query+" ORDER BY created_at DESC LIMIT $1 OFFSET $2", limit, offset)
	}
	if err != nil {
		return nil, anchordom.Coded(anchordom.TaxonomyPersistence, err)
	}
	defer rows.Close()

	out := make([]anchordom.Anchor, 0)
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, anchordom.Coded(anchordom.TaxonomyPersistence, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, anchordom.Coded(anchordom.TaxonomyPersistence, err)
	}
	return out, nil
}

// CountAnchors counts anchors, optionally filtered by status.
func (r *Repository) CountAnchors(ctx context.Context, status *anchordom.AnchorStatus) (int, error) {
	var count int
	var err error
	if status != nil {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM anchors WHERE status = $1`, *status).Scan(&count)
	} else {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM anchors`).Scan(&count)
	}
	if err != nil {
		return 0, anchordom.Coded(anchordom.TaxonomyPersistence, err)
	}
	return count, nil
}

// UpdateStatus atomically transitions an anchor's status, setting
// posted_at when transitioning to posted and confirmed_at when
// transitioning to confirmed.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status anchordom.AnchorStatus, blockID *string, errMsg *string) error {
	now := time.Now().UTC()

	var query string
	var args []interface{}
	switch status {
	case anchordom.StatusPosted:
		query = `UPDATE anchors SET status = $1, iota_block_id = $2, error_message = $3, posted_at = $4 WHERE id = $5`
		args = []interface{}{status, nullableString(blockID), nullableString(errMsg), now, id}
	case anchordom.StatusConfirmed:
		query = `UPDATE anchors SET status = $1, error_message = $2, confirmed_at = $3 WHERE id = $4`
		args = []interface{}{status, nullableString(errMsg), now, id}
	default:
		query = `UPDATE anchors SET status = $1, error_message = $2 WHERE id = $3`
		args = []interface{}{status, nullableString(errMsg), id}
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return anchordom.Coded(anchordom.TaxonomyPersistence, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return anchordom.Coded(anchordom.TaxonomyPersistence, err)
	}
	if rows == 0 {
		return anchordom.Coded(anchordom.TaxonomyNotFound, anchordom.ErrNotFound)
	}
	return nil
}

// SaveItem persists one AnchorItem, tolerating cancellation-induced
// duplicate attempts by inserting-if-absent on (anchor_id, position).
func (r *Repository) SaveItem(ctx context.Context, item anchordom.AnchorItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	proofJSON, err := json.Marshal(item.ProofCompact)
	if err != nil {
		return anchordom.Coded(anchordom.TaxonomyInvalidInput, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO anchor_items (id, anchor_id, event_id, event_hash, position_in_merkle, merkle_proof)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (anchor_id, position_in_merkle) DO NOTHING`,
		item.ID, item.AnchorID, nullableUUID(item.EventID), item.EventHash, item.Position, string(proofJSON))
	if err != nil {
		return anchordom.Coded(anchordom.TaxonomyPersistence, err)
	}
	return nil
}

// ListItems returns an anchor's items in ascending position order,
// optionally filtered to events from a specific device (joined through
// the upstream events table), paginated by limit/offset.
func (r *Repository) ListItems(ctx context.Context, anchorID uuid.UUID, limit, offset int, deviceFilter *string) ([]anchordom.AnchorItem, error) {
	var rows *sql.Rows
	var err error
	if deviceFilter != nil {
		rows, err = r.db.QueryContext(ctx, `
			SELECT ai.id, ai.anchor_id, ai.event_id, ai.event_hash, ai.position_in_merkle, ai.merkle_proof
			FROM anchor_items ai
			LEFT JOIN events e ON ai.event_id = e.id
			WHERE ai.anchor_id = $1 AND e.device_id = $2
			ORDER BY ai.position_in_merkle
			LIMIT $3 OFFSET $4`, anchorID, *deviceFilter, limit, offset)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, anchor_id, event_id, event_hash, position_in_merkle, merkle_proof
			FROM anchor_items WHERE anchor_id = $1
			ORDER BY position_in_merkle
			LIMIT $2 OFFSET $3`, anchorID, limit, offset)
	}
	if err != nil {
		return nil, anchordom.Coded(anchordom.TaxonomyPersistence, err)
	}
	defer rows.Close()

	out := make([]anchordom.AnchorItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, anchordom.Coded(anchordom.TaxonomyPersistence, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, anchordom.Coded(anchordom.TaxonomyPersistence, err)
	}
	return out, nil
}

// FindItemByHash searches all anchors for the first item with the given
// event hash.
func (r *Repository) FindItemByHash(ctx context.Context, eventHash string) (anchordom.AnchorItem, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, anchor_id, event_id, event_hash, position_in_merkle, merkle_proof
		FROM anchor_items WHERE event_hash = $1 LIMIT 1`, eventHash)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return anchordom.AnchorItem{}, anchordom.Coded(anchordom.TaxonomyNotFound, anchordom.ErrNotFound)
		}
		return anchordom.AnchorItem{}, anchordom.Coded(anchordom.TaxonomyPersistence, err)
	}
	return item, nil
}

// RecordRetry appends a retry-log entry for an anchor.
func (r *Repository) RecordRetry(ctx context.Context, anchorID uuid.UUID, at time.Time, errMsg *string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO anchor_retry_log (id, anchor_id, created_at, error_message)
		VALUES ($1, $2, $3, $4)`, uuid.New(), anchorID, at, nullableString(errMsg))
	if err != nil {
		return anchordom.Coded(anchordom.TaxonomyPersistence, err)
	}
	return nil
}

// RetryCount returns the number of retry-log entries for an anchor.
func (r *Repository) RetryCount(ctx context.Context, anchorID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM anchor_retry_log WHERE anchor_id = $1`, anchorID).Scan(&count)
	if err != nil {
		return 0, anchordom.Coded(anchordom.TaxonomyPersistence, err)
	}
	return count, nil
}

// LastRetryAt returns the most recent retry-log timestamp for an anchor,
// or nil if none exists.
func (r *Repository) LastRetryAt(ctx context.Context, anchorID uuid.UUID) (*time.Time, error) {
	var t sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM anchor_retry_log WHERE anchor_id = $1`, anchorID).Scan(&t)
	if err != nil {
		return nil, anchordom.Coded(anchordom.TaxonomyPersistence, err)
	}
	if !t.Valid {
		return nil, nil
	}
	ts := t.Time
	return &ts, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAnchor(row scanner) (anchordom.Anchor, error) {
	var (
		a                                      anchordom.Anchor
		blockID, network, explorerURL, errMsg sql.NullString
		postedAt, confirmedAt                  sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.Digest, &a.Method, &a.WindowStart, &a.WindowEnd, &a.ItemCount, &a.Status,
		&blockID, &network, &explorerURL, &errMsg, &a.CreatedAt, &postedAt, &confirmedAt); err != nil {
		return anchordom.Anchor{}, err
	}
	if blockID.Valid {
		a.LedgerBlockID = &blockID.String
	}
	a.Network = network.String
	a.ExplorerURL = explorerURL.String
	if errMsg.Valid {
		a.ErrorMessage = &errMsg.String
	}
	if postedAt.Valid {
		t := postedAt.Time
		a.PostedAt = &t
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		a.ConfirmedAt = &t
	}
	return a, nil
}

func scanItem(row scanner) (anchordom.AnchorItem, error) {
	var (
		item       anchordom.AnchorItem
		eventID    sql.NullString
		proofJSON  sql.NullString
	)
	if err := row.Scan(&item.ID, &item.AnchorID, &eventID, &item.EventHash, &item.Position, &proofJSON); err != nil {
		return anchordom.AnchorItem{}, err
	}
	if eventID.Valid {
		id, err := uuid.Parse(eventID.String)
		if err != nil {
			return anchordom.AnchorItem{}, fmt.Errorf("corrupt event_id: %w", err)
		}
		item.EventID = &id
	}
	if proofJSON.Valid && proofJSON.String != "" {
		if err := json.Unmarshal([]byte(proofJSON.String), &item.ProofCompact); err != nil {
			return anchordom.AnchorItem{}, fmt.Errorf("corrupt merkle_proof: %w", err)
		}
	}
	return item, nil
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableStringPtr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullableUUID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
