package core

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

const widgetsSchema = `{
  "name": "widgets",
  "version": "0.9.0",
  "types": {
    "acme:index:Node": {
      "type": "object",
      "properties": {
        "next": {"$ref": "#/types/acme:index:Node"},
        "size": {"type": "integer", "default": 3}
      }
    }
  },
  "resources": {
    "acme:index/widget:Widget": {
      "properties": {"node": {"$ref": "#/types/acme:index:Node"}}
    }
  }
}`

func TestParseDocumentJSON(t *testing.T) {
	doc, err := ParseDocument("acme/widgets", "0.9.0", &RawDocument{Data: []byte(widgetsSchema)})
	if err != nil {
		t.Fatalf("ParseDocument failed: %v", err)
	}

	if doc.Name != "acme/widgets" || doc.Version != "0.9.0" {
		t.Errorf("unexpected key %s", doc.Key())
	}
	if len(doc.Digest) != 16 {
		t.Errorf("expected 16 hex digest chars, got %q", doc.Digest)
	}
	if doc.SizeBytes <= int64(len(doc.Canonical)) {
		t.Errorf("expected size %d to include tree overhead over %d canonical bytes", doc.SizeBytes, len(doc.Canonical))
	}
	if strings.Contains(string(doc.Canonical), "\n") {
		t.Errorf("canonical form should be compact, got %q", doc.Canonical)
	}
	if !strings.HasPrefix(string(doc.Canonical), `{"name":"widgets","resources":`) {
		t.Errorf("canonical form should have sorted keys, got %q", doc.Canonical)
	}
}

func TestParseDocumentYAMLMatchesJSON(t *testing.T) {
	yamlSchema := `
name: widgets
version: 0.9.0
types:
  acme:index:Node:
    type: object
    properties:
      next:
        $ref: "#/types/acme:index:Node"
      size:
        type: integer
        default: 3
resources:
  acme:index/widget:Widget:
    properties:
      node:
        $ref: "#/types/acme:index:Node"
`
	fromJSON, err := ParseDocument("acme/widgets", "0.9.0", &RawDocument{Data: []byte(widgetsSchema)})
	if err != nil {
		t.Fatalf("ParseDocument(json) failed: %v", err)
	}
	fromYAML, err := ParseDocument("acme/widgets", "0.9.0", &RawDocument{Data: []byte(yamlSchema), Format: "yaml"})
	if err != nil {
		t.Fatalf("ParseDocument(yaml) failed: %v", err)
	}

	if string(fromJSON.Canonical) != string(fromYAML.Canonical) {
		t.Errorf("canonical forms differ:\njson: %s\nyaml: %s", fromJSON.Canonical, fromYAML.Canonical)
	}
	if fromJSON.Digest != fromYAML.Digest {
		t.Errorf("expected equal digests, got %s and %s", fromJSON.Digest, fromYAML.Digest)
	}
}

func TestParseDocumentMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  *RawDocument
	}{
		{"nil", nil},
		{"empty", &RawDocument{Data: []byte("  \n")}},
		{"truncated json", &RawDocument{Data: []byte(`{"name": "secret-payload"`)}},
		{"trailing data", &RawDocument{Data: []byte(`{"name": "x"} {"name": "y"}`), Format: "json"}},
		{"top-level array", &RawDocument{Data: []byte(`[1, 2, 3]`)}},
		{"scalar yaml", &RawDocument{Data: []byte("just a string")}},
		{"unknown format", &RawDocument{Data: []byte(`{}`), Format: "toml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDocument("acme/widgets", "1.0.0", tt.raw)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
			if strings.Contains(err.Error(), "secret-payload") {
				t.Errorf("error leaks document content: %v", err)
			}
			if !strings.Contains(err.Error(), "acme/widgets@1.0.0") {
				t.Errorf("error should identify the package, got %v", err)
			}
		})
	}
}

func TestTreeRefsAreIndexedNotLinked(t *testing.T) {
	doc, err := ParseDocument("acme/widgets", "0.9.0", &RawDocument{Data: []byte(widgetsSchema)})
	if err != nil {
		t.Fatalf("ParseDocument failed: %v", err)
	}
	tree := doc.Tree

	target, ok := tree.Resolve("#/types/acme:index:Node")
	if !ok {
		t.Fatal("expected self reference to resolve")
	}
	typ, ok := tree.Member(target, "type")
	if !ok {
		t.Fatal("expected resolved node to be the type definition")
	}
	if s, _ := tree.String(typ); s != "object" {
		t.Errorf("expected type object, got %q", s)
	}

	next, ok := tree.Lookup("#/types/acme:index:Node/properties/next/$ref")
	if !ok {
		t.Fatal("expected pointer lookup to reach the $ref node")
	}
	if tree.Node(next).Kind != NodeRef {
		t.Errorf("expected NodeRef, got %v", tree.Node(next).Kind)
	}
	if len(tree.Refs) != 1 {
		t.Errorf("expected 1 indexed reference, got %d", len(tree.Refs))
	}
}

func TestTreeLookupEscapes(t *testing.T) {
	tree := BuildTree(map[string]any{
		"types": map[string]any{
			"aws:s3/bucket:Bucket": map[string]any{"type": "object"},
			"a~b":                  []any{"x", "y"},
		},
	})

	if _, ok := tree.Lookup("#/types/aws:s3%2Fbucket:Bucket/type"); !ok {
		t.Error("expected percent-encoded slash to resolve")
	}
	if _, ok := tree.Lookup("/types/aws:s3~1bucket:Bucket"); !ok {
		t.Error("expected ~1 escape to resolve")
	}
	id, ok := tree.Lookup("/types/a~0b/1")
	if !ok {
		t.Fatal("expected ~0 escape and array index to resolve")
	}
	if s, _ := tree.String(id); s != "y" {
		t.Errorf("expected y, got %q", s)
	}
	for _, ptr := range []string{"/types/a~0b/2", "/types/a~0b/01", "/missing", "types"} {
		if _, ok := tree.Lookup(ptr); ok {
			t.Errorf("expected %q not to resolve", ptr)
		}
	}
}

func TestTreeFragment(t *testing.T) {
	doc, err := ParseDocument("acme/widgets", "0.9.0", &RawDocument{Data: []byte(widgetsSchema)})
	if err != nil {
		t.Fatalf("ParseDocument failed: %v", err)
	}
	tree := doc.Tree

	id, ok := tree.Fragment("#/types/acme:index:Node")
	if !ok {
		t.Fatal("expected indexed reference to resolve")
	}
	want := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"next": map[string]any{"$ref": "#/types/acme:index:Node"},
			"size": map[string]any{"type": "integer", "default": json.Number("3")},
		},
	}
	if got := tree.Value(id); !reflect.DeepEqual(got, want) {
		t.Errorf("Value = %#v, want %#v", got, want)
	}

	id, ok = tree.Fragment("/resources/acme:index~1widget:Widget/properties/node")
	if !ok {
		t.Fatal("expected unindexed pointer to resolve")
	}
	if got := tree.Value(id); !reflect.DeepEqual(got, map[string]any{"$ref": "#/types/acme:index:Node"}) {
		t.Errorf("unexpected fragment %#v", got)
	}

	if _, ok := tree.Fragment("#/types/acme:index:Missing"); ok {
		t.Error("expected missing fragment not to resolve")
	}
}
