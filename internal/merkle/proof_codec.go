package merkle

import (
	"fmt"
	"strings"
)

// ToCompact encodes a proof path as the on-disk/wire form: an ordered list
// of "L:"+hex / "R:"+hex strings, one per path element.
func ToCompact(path []ProofElement) []string {
	out := make([]string, len(path))
	for i, el := range path {
		out[i] = string(el.Direction) + ":" + el.Sibling
	}
	return out
}

// FromCompact decodes the compact wire form back into a path.
func FromCompact(compact []string) ([]ProofElement, error) {
	path := make([]ProofElement, len(compact))
	for i, s := range compact {
		parts := strings.SplitN(s, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("merkle: malformed compact proof element %q", s)
		}
		var dir ProofDirection
		switch parts[0] {
		case string(Left):
			dir = Left
		case string(Right):
			dir = Right
		default:
			return nil, fmt.Errorf("merkle: malformed compact proof side %q", parts[0])
		}
		path[i] = ProofElement{Sibling: parts[1], Direction: dir}
	}
	return path, nil
}
