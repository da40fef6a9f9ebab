package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

// nodeOverhead approximates the in-memory cost of one tree node on top of the
// canonical bytes when accounting document size.
const nodeOverhead = 64

var documentJSON = jsoniter.Config{
	EscapeHTML:  false,
	SortMapKeys: true,
	UseNumber:   true,
}.Froze()

// ParseDocument turns a raw store payload into a SchemaDocument.
// Failures are reported as *MalformedError and never include the payload.
func ParseDocument(name, version string, raw *RawDocument) (*SchemaDocument, error) {
	if raw == nil || len(bytes.TrimSpace(raw.Data)) == 0 {
		return nil, &MalformedError{Name: name, Version: version, Reason: "empty document"}
	}

	format := raw.Format
	if format == "" {
		format = sniffFormat(raw.Data)
	}

	var decoded any
	switch format {
	case "json":
		if err := documentJSON.Unmarshal(raw.Data, &decoded); err != nil {
			return nil, &MalformedError{Name: name, Version: version, Reason: "invalid JSON"}
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(raw.Data, &decoded); err != nil {
			return nil, &MalformedError{Name: name, Version: version, Reason: "invalid YAML"}
		}
	default:
		return nil, &MalformedError{Name: name, Version: version, Reason: fmt.Sprintf("unsupported format %q", format)}
	}

	value, err := normalize(decoded)
	if err != nil {
		return nil, &MalformedError{Name: name, Version: version, Reason: err.Error()}
	}
	if _, ok := value.(map[string]any); !ok {
		return nil, &MalformedError{Name: name, Version: version, Reason: "top-level value must be an object"}
	}

	canonical, err := documentJSON.Marshal(value)
	if err != nil {
		return nil, &MalformedError{Name: name, Version: version, Reason: "cannot encode document"}
	}

	tree := BuildTree(value)

	return &SchemaDocument{
		Name:      name,
		Version:   version,
		Tree:      tree,
		Canonical: canonical,
		SizeBytes: int64(len(canonical)) + int64(tree.Len())*nodeOverhead,
		Digest:    fmt.Sprintf("%016x", xxhash.Sum64(canonical)),
	}, nil
}

// BuildTree converts a decoded value into a node table and indexes its local
// references.
func BuildTree(value any) *Tree {
	b := &treeBuilder{}
	root := b.add(value, false)

	t := &Tree{Nodes: b.nodes, Root: root, Refs: make(map[string]NodeID)}
	for _, n := range t.Nodes {
		if n.Kind != NodeRef {
			continue
		}
		ref := n.Value.(string)
		if len(ref) == 0 || ref[0] != '#' {
			continue
		}
		if _, seen := t.Refs[ref]; seen {
			continue
		}
		if target, ok := t.Lookup(ref); ok {
			t.Refs[ref] = target
		}
	}
	return t
}

type treeBuilder struct {
	nodes []Node
}

func (b *treeBuilder) add(v any, isRef bool) NodeID {
	id := NodeID(len(b.nodes))
	b.nodes = append(b.nodes, Node{})

	var n Node
	switch x := v.(type) {
	case nil:
		n.Kind = NodeNull
	case bool:
		n = Node{Kind: NodeBool, Value: x}
	case json.Number:
		n = Node{Kind: NodeNumber, Value: string(x)}
	case string:
		if isRef {
			n = Node{Kind: NodeRef, Value: x}
		} else {
			n = Node{Kind: NodeString, Value: x}
		}
	case []any:
		n.Kind = NodeArray
		n.Children = make([]NodeID, 0, len(x))
		for _, elem := range x {
			n.Children = append(n.Children, b.add(elem, false))
		}
	case map[string]any:
		n.Kind = NodeObject
		n.Keys = make([]string, 0, len(x))
		for k := range x {
			n.Keys = append(n.Keys, k)
		}
		sort.Strings(n.Keys)
		n.Children = make([]NodeID, 0, len(x))
		for _, k := range n.Keys {
			n.Children = append(n.Children, b.add(x[k], k == "$ref"))
		}
	}

	b.nodes[id] = n
	return id
}

// normalize maps decoder output from either JSON or YAML onto JSON types.
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, json.Number:
		return x, nil
	case int:
		return json.Number(strconv.Itoa(x)), nil
	case int64:
		return json.Number(strconv.FormatInt(x, 10)), nil
	case uint64:
		return json.Number(strconv.FormatUint(x, 10)), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("non-finite number")
		}
		return json.Number(strconv.FormatFloat(x, 'g', -1, 64)), nil
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	case []any:
		out := make([]any, len(x))
		for i, elem := range x {
			nv, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, elem := range x {
			nv, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, elem := range x {
			nv, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = nv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value of type %T", v)
	}
}

func sniffFormat(data []byte) string {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return "json"
	}
	return "yaml"
}
