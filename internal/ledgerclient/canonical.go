package ledgerclient

import "encoding/json"

// canonicalPayload mirrors the exact sorted-key layout §6 requires. Its
// field order is the wire key order — encoding/json marshals struct
// fields in declaration order, so this struct IS the canonical ordering;
// building this from a map[string]interface{} would be wrong, since Go
// does not guarantee map key iteration order.
type canonicalPayload struct {
	Algorithm string            `json:"algorithm"`
	Count     int               `json:"count"`
	Digest    string            `json:"digest"`
	End       int64             `json:"end"`
	Meta      map[string]string `json:"meta,omitempty"`
	Start     int64             `json:"start"`
	Timestamp int64             `json:"ts"`
	Type      string            `json:"type"`
	Version   string            `json:"v"`
}

// CanonicalJSON serializes an AnchorMessage as sorted-key, whitespace-free
// JSON, byte-for-byte compatible with the source's
// json.dumps(data, separators=(",", ":")).
func CanonicalJSON(m AnchorMessage) ([]byte, error) {
	p := canonicalPayload{
		Algorithm: m.Algorithm,
		Count:     m.Count,
		Digest:    m.Digest,
		End:       m.End.Unix(),
		Meta:      m.Meta,
		Start:     m.Start.Unix(),
		Timestamp: m.Timestamp.Unix(),
		Type:      m.Type,
		Version:   m.Version,
	}
	return json.Marshal(p)
}
