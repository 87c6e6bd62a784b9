// Package eventsource reads the upstream indexer's event table. The
// service does not own this table's schema or writes to it; it only
// reads ordered windows of already-indexed blockchain events.
package eventsource

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/aredgroup/edge-anchor/internal/anchordom"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Window is the unit of work the anchor workflow consumes: all events in
// [Start, End) in strict (block_number, event_index) order.
type Window struct {
	Start  time.Time
	End    time.Time
	Events []anchordom.Event
}

// EventCount returns the number of events in the window.
func (w Window) EventCount() int {
	return len(w.Events)
}

// Hashes returns the events' hashes in window order, the leaf input to
// the Merkle engine.
func (w Window) Hashes() []string {
	out := make([]string, len(w.Events))
	for i, e := range w.Events {
		out[i] = e.Hash
	}
	return out
}

// Source reads ordered events and anchor watermarks from the upstream
// indexer's Postgres database.
type Source struct {
	db *sql.DB
}

// New builds a Source over an already-open connection pool. The pool is
// shared with internal/repository; Source never opens its own.
func New(db *sql.DB) *Source {
	return &Source{db: db}
}

// FetchWindow returns events where event_time is in [start, end), ordered
// by (block_number, event_index). pallets, if non-empty, restricts the
// result to that set of event categories.
func (s *Source) FetchWindow(ctx context.Context, start, end time.Time, pallets ...string) (Window, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if len(pallets) == 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, block_number, event_index, event_hash, event_time, pallet
			FROM events
			WHERE event_time >= $1 AND event_time < $2
			ORDER BY block_number, event_index`, start, end)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, block_number, event_index, event_hash, event_time, pallet
			FROM events
			WHERE event_time >= $1 AND event_time < $2 AND pallet = ANY($3)
			ORDER BY block_number, event_index`, start, end, pq.Array(pallets))
	}
	if err != nil {
		return Window{}, anchordom.Coded(anchordom.TaxonomyPersistence, err)
	}
	defer rows.Close()

	events := make([]anchordom.Event, 0)
	for rows.Next() {
		var (
			e      anchordom.Event
			idText string
		)
		if err := rows.Scan(&idText, &e.BlockNumber, &e.EventIndex, &e.Hash, &e.Timestamp, &e.Pallet); err != nil {
			return Window{}, anchordom.Coded(anchordom.TaxonomyPersistence, err)
		}
		id, err := uuid.Parse(idText)
		if err != nil {
			return Window{}, anchordom.Coded(anchordom.TaxonomyPersistence, err)
		}
		e.ID = id
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return Window{}, anchordom.Coded(anchordom.TaxonomyPersistence, err)
	}

	return Window{Start: start, End: end, Events: events}, nil
}

// LastAnchorEnd returns the end of the most recent Anchor in posted or
// confirmed status, or nil if no such Anchor exists.
func (s *Source) LastAnchorEnd(ctx context.Context) (*time.Time, error) {
	var end sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(end_time) FROM anchors WHERE status IN ('posted', 'confirmed')`).Scan(&end)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, anchordom.Coded(anchordom.TaxonomyPersistence, err)
	}
	if !end.Valid {
		return nil, nil
	}
	t := end.Time
	return &t, nil
}

// EventCountSince returns the number of events with event_time >= t.
func (s *Source) EventCountSince(ctx context.Context, t time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events WHERE event_time >= $1`, t).Scan(&count)
	if err != nil {
		return 0, anchordom.Coded(anchordom.TaxonomyPersistence, err)
	}
	return count, nil
}
