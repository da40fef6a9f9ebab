package core

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"
)

// NodeID indexes a node in a Tree.
type NodeID int32

// InvalidNode is returned by lookups that find nothing.
const InvalidNode NodeID = -1

// NodeKind is the type of a tree node.
type NodeKind uint8

const (
	NodeNull NodeKind = iota
	NodeBool
	NodeNumber
	NodeString
	NodeArray
	NodeObject
	// NodeRef is a "$ref" string. The target is looked up through Tree.Resolve
	// rather than linked directly, so recursive types never form cycles.
	// The HTTP API serves resolved targets as schema fragments.
	NodeRef
)

// Node is one entry in the node table.
type Node struct {
	Kind NodeKind

	// Value holds bool for NodeBool and the literal text for NodeNumber,
	// NodeString and NodeRef.
	Value any

	// Keys are the sorted member names of a NodeObject, parallel to Children.
	Keys []string

	// Children are member values of objects and elements of arrays.
	Children []NodeID
}

// Tree is a schema document stored as a flat node table.
type Tree struct {
	Nodes []Node
	Root  NodeID

	// Refs maps local references ("#/types/...") to the node they point at.
	// References that do not resolve inside the document are absent.
	Refs map[string]NodeID
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	return len(t.Nodes)
}

// Node returns the node with the given id.
func (t *Tree) Node(id NodeID) Node {
	return t.Nodes[id]
}

// Member returns the child of object id named key.
func (t *Tree) Member(id NodeID, key string) (NodeID, bool) {
	if id < 0 || int(id) >= len(t.Nodes) {
		return InvalidNode, false
	}
	n := t.Nodes[id]
	if n.Kind != NodeObject {
		return InvalidNode, false
	}
	i := sort.SearchStrings(n.Keys, key)
	if i < len(n.Keys) && n.Keys[i] == key {
		return n.Children[i], true
	}
	return InvalidNode, false
}

// String returns the string value of a string or ref node.
func (t *Tree) String(id NodeID) (string, bool) {
	if id < 0 || int(id) >= len(t.Nodes) {
		return "", false
	}
	n := t.Nodes[id]
	if n.Kind != NodeString && n.Kind != NodeRef {
		return "", false
	}
	s, ok := n.Value.(string)
	return s, ok
}

// Lookup resolves a JSON pointer ("#/types/x", "/resources/y") from the root.
// Tokens may be percent-encoded or use the "~1" and "~0" escapes.
func (t *Tree) Lookup(pointer string) (NodeID, bool) {
	pointer = strings.TrimPrefix(pointer, "#")
	if pointer == "" {
		return t.Root, len(t.Nodes) > 0
	}
	if !strings.HasPrefix(pointer, "/") {
		return InvalidNode, false
	}

	id := t.Root
	for _, tok := range strings.Split(pointer[1:], "/") {
		tok = unescapePointerToken(tok)
		n := t.Nodes[id]
		switch n.Kind {
		case NodeObject:
			next, ok := t.Member(id, tok)
			if !ok {
				return InvalidNode, false
			}
			id = next
		case NodeArray:
			idx, ok := arrayIndex(tok, len(n.Children))
			if !ok {
				return InvalidNode, false
			}
			id = n.Children[idx]
		default:
			return InvalidNode, false
		}
	}
	return id, true
}

// Resolve returns the target of a local reference.
func (t *Tree) Resolve(ref string) (NodeID, bool) {
	id, ok := t.Refs[ref]
	return id, ok
}

// Fragment returns the node a local reference or JSON pointer names. Indexed
// references are answered from Refs; anything else is walked from the root.
func (t *Tree) Fragment(ref string) (NodeID, bool) {
	if id, ok := t.Resolve(ref); ok {
		return id, true
	}
	return t.Lookup(ref)
}

// Value rebuilds the subtree at id as decoded JSON values. Numbers keep their
// literal text as json.Number and references stay "$ref" strings.
func (t *Tree) Value(id NodeID) any {
	n := t.Nodes[id]
	switch n.Kind {
	case NodeBool, NodeString, NodeRef:
		return n.Value
	case NodeNumber:
		return json.Number(n.Value.(string))
	case NodeArray:
		out := make([]any, len(n.Children))
		for i, c := range n.Children {
			out[i] = t.Value(c)
		}
		return out
	case NodeObject:
		out := make(map[string]any, len(n.Keys))
		for i, k := range n.Keys {
			out[k] = t.Value(n.Children[i])
		}
		return out
	default:
		return nil
	}
}

func unescapePointerToken(tok string) string {
	if u, err := url.PathUnescape(tok); err == nil {
		tok = u
	}
	tok = strings.ReplaceAll(tok, "~1", "/")
	return strings.ReplaceAll(tok, "~0", "~")
}

func arrayIndex(tok string, n int) (int, bool) {
	if tok == "" || (len(tok) > 1 && tok[0] == '0') {
		return 0, false
	}
	idx := 0
	for _, r := range tok {
		if r < '0' || r > '9' {
			return 0, false
		}
		idx = idx*10 + int(r-'0')
		if idx >= n {
			return 0, false
		}
	}
	return idx, true
}
