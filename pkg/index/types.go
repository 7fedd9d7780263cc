// Package index implements the content index: the in-memory forest of
// Nodes, its tree invariants, and its canonical-CBOR persistence.
package index

import "fmt"

// NodeType distinguishes the four node kinds in the forest.
type NodeType uint8

const (
	TypeSRC NodeType = iota
	TypeFILE
	TypeDIR
	TypeCHUNK
)

func (t NodeType) String() string {
	switch t {
	case TypeSRC:
		return "SRC"
	case TypeFILE:
		return "FILE"
	case TypeDIR:
		return "DIR"
	case TypeCHUNK:
		return "CHUNK"
	default:
		return fmt.Sprintf("NodeType(%d)", t)
	}
}

// ChunkSize is the fixed byte size S a FILE's children are split into,
// except possibly the last.
const ChunkSize = 10_240

// Node is one entry of the forest. Hash, Parent, Type, Size, and TimeStamp
// are immutable after creation; Name may be changed; Children is mutated
// only by the index's own insert/remove operations; IsStored is a derived
// field recomputed by CheckIsStored.
type Node struct {
	Hash      string   `cbor:"hash"`
	Name      string   `cbor:"name"`
	TimeStamp int64    `cbor:"time_stamp"`
	Size      uint64   `cbor:"size"`
	Parent    string   `cbor:"parent"`
	Children  []string `cbor:"children"`
	Type      NodeType `cbor:"type"`
	IsStored  bool     `cbor:"is_stored"`
}

func (n *Node) dump() map[string]interface{} {
	return map[string]interface{}{
		"hash":       n.Hash,
		"name":       n.Name,
		"time_stamp": n.TimeStamp,
		"size":       n.Size,
		"parent":     n.Parent,
		"children":   n.Children,
		"type":       uint8(n.Type),
		"is_stored":  n.IsStored,
	}
}

func nodeFromDict(m map[string]interface{}) (*Node, error) {
	hash, ok := stringField(m, "hash")
	if !ok {
		return nil, fmt.Errorf("%w: missing key \"hash\"", ErrMalformed)
	}
	name, ok := stringField(m, "name")
	if !ok {
		return nil, fmt.Errorf("%w: missing key \"name\"", ErrMalformed)
	}
	parent, ok := stringField(m, "parent")
	if !ok {
		return nil, fmt.Errorf("%w: missing key \"parent\"", ErrMalformed)
	}
	typ, ok := intField(m, "type")
	if !ok {
		return nil, fmt.Errorf("%w: missing key \"type\"", ErrMalformed)
	}
	size, _ := intField(m, "size")
	ts, _ := intField(m, "time_stamp")
	children, _ := stringSliceField(m, "children")

	return &Node{
		Hash:      hash,
		Name:      name,
		TimeStamp: ts,
		Size:      uint64(size),
		Parent:    parent,
		Children:  children,
		Type:      NodeType(typ),
	}, nil
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func intField(m map[string]interface{}, key string) (int64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func stringSliceField(m map[string]interface{}, key string) ([]string, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
