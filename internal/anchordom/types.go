// Package anchordom holds the domain types and error taxonomy shared by
// every anchoring component: events read from the upstream indexer, the
// Anchor/AnchorItem/RetryLogEntry records this service owns, and the status
// lifecycle that governs how an Anchor moves from pending to confirmed.
package anchordom

import (
	"time"

	"github.com/google/uuid"
)

// AnchorStatus is a position in the anchor lifecycle DAG:
// pending -> building -> posting -> posted -> confirmed, with any state
// able to fall to failed, and failed able to return to pending via
// reconciliation. confirmed is terminal.
type AnchorStatus string

const (
	StatusPending   AnchorStatus = "pending"
	StatusBuilding  AnchorStatus = "building"
	StatusPosting   AnchorStatus = "posting"
	StatusPosted    AnchorStatus = "posted"
	StatusConfirmed AnchorStatus = "confirmed"
	StatusFailed    AnchorStatus = "failed"
)

// DefaultMethod is the digest method recorded on every Anchor this service
// produces; the field exists so a future hash function change is visible in
// stored data rather than silently reinterpreted.
const DefaultMethod = "merkle_sha256"

// Event is a read-only row from the upstream indexer's event table. The
// service never writes to it; internal/eventsource reads it, and
// repository.ListItems joins it for the device filter.
type Event struct {
	ID          uuid.UUID
	BlockNumber int64
	EventIndex  int64
	Hash        string // hex, 32 bytes
	Timestamp   time.Time
	Pallet      string
}

// Anchor is a persisted commitment of a window of event hashes, summarized
// as a single Merkle root and referenced on an external ledger.
type Anchor struct {
	ID           uuid.UUID
	Digest       string
	Method       string
	WindowStart  time.Time
	WindowEnd    time.Time
	ItemCount    int
	Status       AnchorStatus
	LedgerBlockID *string
	Network      string
	ExplorerURL  string
	ErrorMessage *string
	CreatedAt    time.Time
	PostedAt     *time.Time
	ConfirmedAt  *time.Time
	LastAttempt  *time.Time
}

// AnchorItem is one leaf of an Anchor's Merkle tree: the event hash at a
// given position, plus the compact inclusion proof for that position.
type AnchorItem struct {
	ID           uuid.UUID
	AnchorID     uuid.UUID
	EventID      *uuid.UUID
	EventHash    string
	Position     int
	ProofCompact []string
}

// RetryLogEntry records one reconciliation attempt against an Anchor. It
// exists only to count and rate-limit retries; it is never mutated.
type RetryLogEntry struct {
	ID           uuid.UUID
	AnchorID     uuid.UUID
	CreatedAt    time.Time
	ErrorMessage *string
}
