package workflow

import (
	"context"
	"errors"

	"github.com/aredgroup/edge-anchor/internal/anchordom"
	"github.com/aredgroup/edge-anchor/internal/merkle"
)

// VerifyResult is the §7 response shape for the verify endpoint.
type VerifyResult struct {
	Verified      bool     `json:"verified"`
	Message       string   `json:"message"`
	AnchorDigest  string   `json:"anchor_digest,omitempty"`
	LedgerBlockID string   `json:"ledger_block_id,omitempty"`
	ExplorerURL   string   `json:"explorer_url,omitempty"`
	ProofPath     []string `json:"proof_path,omitempty"`
}

// VerifyInclusion reconstructs the root from the stored proof path for
// the item with the given event hash and reports whether it matches the
// owning anchor's digest. It is a normal result, never an error, per §7:
// "Verification failures... are a normal result, not an error."
func (w *Workflow) VerifyInclusion(ctx context.Context, eventHash string) (VerifyResult, error) {
	item, err := w.repo.FindItemByHash(ctx, eventHash)
	if err != nil {
		if errors.Is(err, anchordom.ErrNotFound) || isNotFound(err) {
			return VerifyResult{Verified: false, Message: "Event hash not found in any anchor"}, nil
		}
		return VerifyResult{}, err
	}

	if len(item.ProofCompact) == 0 {
		// A zero-length path is a legitimate single-leaf proof, not a
		// missing one; distinguish by checking the anchor's item_count.
		anchor, aerr := w.repo.GetAnchor(ctx, item.AnchorID)
		if aerr != nil {
			return VerifyResult{}, aerr
		}
		if anchor.ItemCount > 1 {
			return VerifyResult{Verified: false, Message: "No Merkle proof available"}, nil
		}
	}

	anchor, err := w.repo.GetAnchor(ctx, item.AnchorID)
	if err != nil {
		return VerifyResult{}, err
	}

	path, err := merkle.FromCompact(item.ProofCompact)
	if err != nil {
		return VerifyResult{Verified: false, Message: "No Merkle proof available"}, nil
	}

	ok := merkle.VerifyAgainstRoot(item.EventHash, path, anchor.Digest)

	result := VerifyResult{
		Verified:     ok,
		AnchorDigest: anchor.Digest,
		ProofPath:    item.ProofCompact,
		ExplorerURL:  anchor.ExplorerURL,
	}
	if anchor.LedgerBlockID != nil {
		result.LedgerBlockID = *anchor.LedgerBlockID
	}
	if ok {
		result.Message = "verified"
	} else {
		result.Message = "proof does not reconstruct the anchor digest"
	}
	return result, nil
}

func isNotFound(err error) bool {
	code, ok := anchordom.CodeOf(err)
	return ok && code == anchordom.TaxonomyNotFound
}
