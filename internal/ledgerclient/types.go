package ledgerclient

import "time"

// InclusionState is the ledger's reported status for a submitted block.
type InclusionState string

const (
	InclusionIncluded   InclusionState = "included"
	InclusionConflicting InclusionState = "conflicting"
	InclusionPending     InclusionState = "pending"
	InclusionUnknown     InclusionState = "unknown"
)

// AnchorMessage is the payload committed to the ledger as a tagged data
// block: the Merkle root of a window of event hashes, plus enough metadata
// to let a later observer recompute and trust the window it covers.
type AnchorMessage struct {
	Digest    string
	Algorithm string // always "sha256"
	Type      string // always "merkle_root"
	Timestamp time.Time
	Count     int
	Start     time.Time
	End       time.Time
	Version   string // anchor message format version, e.g. "1.0"
	Meta      map[string]string
}

// BlockMetadata is the ledger's view of a previously submitted block.
type BlockMetadata struct {
	BlockID                 string
	IsSolid                 bool
	ReferencedByMilestone   *int64
	InclusionState          InclusionState
}

// Confirmed reports whether the ledger considers the block durably
// included.
func (m BlockMetadata) Confirmed() bool {
	return m.InclusionState == InclusionIncluded
}
