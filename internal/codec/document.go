// Package codec parses and emits the configuration document formats the
// fleet understands: YAML, JSON, and Java-style ".properties" files.
//
// Every format is decoded into the same DocumentTree so the resolver and
// drift engine never need to know which wire format an instance's config
// file happens to use.
package codec

import "fmt"

// Kind identifies the shape of a DocumentTree node.
type Kind int

const (
	// KindScalar is a leaf value: string, int, float, bool, or null.
	KindScalar Kind = iota
	// KindMap is an ordered set of key/value pairs.
	KindMap
	// KindList is an ordered sequence of nodes.
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// ScalarType records how a scalar's literal was declared, so a value that
// round-trips through the codec keeps its lexical form (an IP address or a
// zero-padded string never becomes a number).
type ScalarType int

const (
	ScalarString ScalarType = iota
	ScalarInt
	ScalarFloat
	ScalarBool
	ScalarNull
)

// Pair is one entry of a Map node. Order of Pairs is the order keys appeared
// in the source document (or were inserted, for documents built in memory).
type Pair struct {
	Key   string
	Value *Node
}

// Node is one node of a DocumentTree: a scalar, an ordered map, or a list.
type Node struct {
	Kind Kind

	// Scalar fields, valid when Kind == KindScalar.
	ScalarType ScalarType
	Raw        string // lexical form exactly as read, e.g. "0.0.0.0" or "007"
	Bool       bool

	// Map fields, valid when Kind == KindMap. Pairs preserves source order;
	// index mirrors it for O(1) lookup.
	Pairs []Pair
	index map[string]int

	// List fields, valid when Kind == KindList.
	Items []*Node

	// Comment is the best-effort line comment attached to this node when the
	// source format carries one (YAML only). Empty otherwise.
	Comment string
}

// NewMap returns an empty, ready-to-use map node.
func NewMap() *Node {
	return &Node{Kind: KindMap, index: map[string]int{}}
}

// NewList returns an empty list node.
func NewList() *Node {
	return &Node{Kind: KindList}
}

// NewString returns a string scalar node.
func NewString(s string) *Node {
	return &Node{Kind: KindScalar, ScalarType: ScalarString, Raw: s}
}

// Get returns the child of a map node by key, or nil if absent or this node
// is not a map.
func (n *Node) Get(key string) *Node {
	if n == nil || n.Kind != KindMap {
		return nil
	}
	if n.index == nil {
		n.reindex()
	}
	if i, ok := n.index[key]; ok {
		return n.Pairs[i].Value
	}
	return nil
}

// Set inserts or replaces a key in a map node, preserving the position of an
// existing key and appending new keys at the end.
func (n *Node) Set(key string, value *Node) {
	if n.Kind != KindMap {
		panic("codec: Set called on non-map node")
	}
	if n.index == nil {
		n.index = map[string]int{}
	}
	if i, ok := n.index[key]; ok {
		n.Pairs[i].Value = value
		return
	}
	n.index[key] = len(n.Pairs)
	n.Pairs = append(n.Pairs, Pair{Key: key, Value: value})
}

func (n *Node) reindex() {
	n.index = make(map[string]int, len(n.Pairs))
	for i, p := range n.Pairs {
		n.index[p.Key] = i
	}
}

// Keys returns map keys in source order. Returns nil for non-map nodes.
func (n *Node) Keys() []string {
	if n == nil || n.Kind != KindMap {
		return nil
	}
	keys := make([]string, len(n.Pairs))
	for i, p := range n.Pairs {
		keys[i] = p.Key
	}
	return keys
}

// Descend walks a dotted key path ("database.host") through nested maps.
// It returns a *ShapeMismatchError if some prefix of the path is not a map, and a
// nil node with no error if the path is simply absent.
func (n *Node) Descend(dottedPath []string) (*Node, error) {
	cur := n
	for i, segment := range dottedPath {
		if cur == nil {
			return nil, nil
		}
		if cur.Kind != KindMap {
			return nil, &ShapeMismatchError{Path: dottedPath, FailedAt: i, ActualKind: cur.Kind}
		}
		cur = cur.Get(segment)
	}
	return cur, nil
}

// SetPath sets value at a dotted key path within a map node, creating any
// missing intermediate maps along the way. It returns a *ShapeMismatchError if an
// existing node along the path is a scalar or list rather than a map.
func (n *Node) SetPath(dottedPath []string, value *Node) error {
	if n.Kind != KindMap {
		return &ShapeMismatchError{Path: dottedPath, FailedAt: 0, ActualKind: n.Kind}
	}
	cur := n
	for i, segment := range dottedPath {
		last := i == len(dottedPath)-1
		if last {
			cur.Set(segment, value)
			return nil
		}
		next := cur.Get(segment)
		if next == nil {
			next = NewMap()
			cur.Set(segment, next)
		} else if next.Kind != KindMap {
			return &ShapeMismatchError{Path: dottedPath, FailedAt: i + 1, ActualKind: next.Kind}
		}
		cur = next
	}
	return nil
}

// ValueToNode converts a plain Go value (string, int64, float64, bool, nil,
// []any, map[string]any) into a Node, for callers constructing a document
// from a resolved expected value rather than from a parsed source file.
func ValueToNode(v any) *Node {
	switch t := v.(type) {
	case nil:
		return &Node{Kind: KindScalar, ScalarType: ScalarNull}
	case bool:
		return &Node{Kind: KindScalar, ScalarType: ScalarBool, Bool: t, Raw: boolRaw(t)}
	case int64:
		return &Node{Kind: KindScalar, ScalarType: ScalarInt, Raw: fmt.Sprintf("%d", t)}
	case int:
		return &Node{Kind: KindScalar, ScalarType: ScalarInt, Raw: fmt.Sprintf("%d", t)}
	case float64:
		return &Node{Kind: KindScalar, ScalarType: ScalarFloat, Raw: fmt.Sprintf("%v", t)}
	case string:
		return NewString(t)
	case []any:
		list := NewList()
		for _, item := range t {
			list.Items = append(list.Items, ValueToNode(item))
		}
		return list
	case map[string]any:
		m := NewMap()
		for k, v := range t {
			m.Set(k, ValueToNode(v))
		}
		return m
	default:
		return NewString(fmt.Sprintf("%v", t))
	}
}

func boolRaw(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// ShapeMismatchError is returned by Descend when a path expects a map at some
// prefix but finds a scalar or list instead - the drift engine turns this
// into a shape_mismatch drift item rather than aborting the scan.
type ShapeMismatchError struct {
	Path       []string
	FailedAt   int
	ActualKind Kind
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("codec: cannot descend into %q at segment %d: node is a %s, not a map",
		joinPath(e.Path), e.FailedAt, e.ActualKind)
}

func joinPath(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += "."
		}
		out += p
	}
	return out
}
