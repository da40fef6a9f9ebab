package schemaloader_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/git-pkgs/schemaloader"
	_ "github.com/git-pkgs/schemaloader/all"
	"github.com/git-pkgs/schemaloader/client"
)

func TestSupportedStores(t *testing.T) {
	kinds := schemaloader.SupportedStores()

	expected := []string{"file", "http", "memory"}
	sort.Strings(kinds)

	if len(kinds) != len(expected) {
		t.Fatalf("expected %d store kinds, got %d: %v", len(expected), len(kinds), kinds)
	}
	for i, kind := range expected {
		if kinds[i] != kind {
			t.Errorf("expected store kind %q at position %d, got %q", kind, i, kinds[i])
		}
	}
}

func TestOpenStore(t *testing.T) {
	tests := []struct {
		kind     string
		location string
		wantErr  bool
	}{
		{"memory", "", false},
		{"memory", filepath.Join(t.TempDir(), "missing.yaml"), true},
		{"file", t.TempDir(), false},
		{"file", "", true},
		{"http", "https://schemas.example.com", false},
		{"http", "", true},
		{"http", "ftp://schemas.example.com", true},
		{"unknown", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.kind+"/"+tt.location, func(t *testing.T) {
			store, err := schemaloader.OpenStore(tt.kind, tt.location)
			if (err != nil) != tt.wantErr {
				t.Fatalf("OpenStore(%q, %q) error = %v, wantErr %v", tt.kind, tt.location, err, tt.wantErr)
			}
			if err == nil && store.Kind() != tt.kind {
				t.Errorf("expected kind %q, got %q", tt.kind, store.Kind())
			}
		})
	}
}

func TestParseRef(t *testing.T) {
	ref, err := schemaloader.ParseRef("pkg:schema/acme/widgets@1.2.0")
	if err != nil {
		t.Fatalf("ParseRef failed: %v", err)
	}
	if ref.Name != "acme/widgets" || ref.Constraint != "1.2.0" {
		t.Errorf("unexpected ref %+v", ref)
	}
}

func TestLoaderFromSeedFile(t *testing.T) {
	seed := filepath.Join(t.TempDir(), "seed.yaml")
	err := os.WriteFile(seed, []byte(`
packages:
  acme/widgets:
    "1.0.0":
      name: acme/widgets
      version: 1.0.0
    "1.2.0":
      name: acme/widgets
      types:
        acme:widgets:Widget:
          type: object
    "2.0.0":
      name: acme/widgets
`), 0o644)
	if err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	store, err := schemaloader.OpenStore("memory", seed)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	loader := schemaloader.NewLoader(store)
	defer func() { _ = loader.Close() }()

	resp, err := loader.GetSchema(context.Background(), schemaloader.PackageRef{Name: "acme/widgets", Constraint: "^1.0.0"})
	if err != nil {
		t.Fatalf("GetSchema failed: %v", err)
	}
	defer resp.Release()

	if resp.Resolved.Version != "1.2.0" {
		t.Errorf("expected 1.2.0, got %s", resp.Resolved.Version)
	}
	want := `{"name":"acme/widgets","types":{"acme:widgets:Widget":{"type":"object"}}}`
	if string(resp.Schema) != want {
		t.Errorf("unexpected schema %s", resp.Schema)
	}
	if stats := loader.Stats(); stats.Entries != 1 {
		t.Errorf("expected 1 cache entry, got %d", stats.Entries)
	}
}

func TestLoaderFromDirectory(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "acme", "widgets", "0.9.0")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "schema.yaml"), []byte("name: acme/widgets\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	store, err := schemaloader.OpenStore("file", root)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	loader := schemaloader.NewLoader(store)
	defer func() { _ = loader.Close() }()

	resp, err := loader.GetSchema(context.Background(), schemaloader.PackageRef{Name: "acme/widgets"})
	if err != nil {
		t.Fatalf("GetSchema failed: %v", err)
	}
	defer resp.Release()
	if string(resp.Schema) != `{"name":"acme/widgets"}` {
		t.Errorf("unexpected schema %s", resp.Schema)
	}

	_, err = loader.GetSchema(context.Background(), schemaloader.PackageRef{Name: "acme/gadgets"})
	if schemaloader.KindOf(err) != schemaloader.KindNotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
	if !errors.Is(err, schemaloader.ErrNotFound) {
		t.Errorf("expected error to wrap ErrNotFound, got %v", err)
	}
}

func TestIntegration(t *testing.T) {
	var schemaRequests atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/acme/widgets/versions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`["1.0.0", "1.2.0", "2.0.0-beta.1"]`))
	})
	mux.HandleFunc("/acme/widgets/1.2.0/schema", func(w http.ResponseWriter, r *http.Request) {
		schemaRequests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version": "1.2.0", "name": "acme/widgets"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	store, err := schemaloader.OpenStore("http", server.URL)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	defer func() { _ = store.(io.Closer).Close() }()
	loader := schemaloader.NewLoader(store)
	defer func() { _ = loader.Close() }()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		resp, err := loader.GetSchema(ctx, schemaloader.PackageRef{Name: "acme/widgets", Constraint: "~1.2"})
		if err != nil {
			t.Fatalf("GetSchema failed: %v", err)
		}
		if resp.Resolved.Version != "1.2.0" {
			t.Errorf("expected 1.2.0, got %s", resp.Resolved.Version)
		}
		if string(resp.Schema) != `{"name":"acme/widgets","version":"1.2.0"}` {
			t.Errorf("unexpected schema %s", resp.Schema)
		}
		resp.Release()
	}
	if n := schemaRequests.Load(); n != 1 {
		t.Errorf("expected one schema request, got %d", n)
	}

	loader.Invalidate("acme/widgets", "1.2.0")
	resp, err := loader.GetSchema(ctx, schemaloader.PackageRef{Name: "acme/widgets", Constraint: "1.2.0"})
	if err != nil {
		t.Fatalf("GetSchema after invalidate failed: %v", err)
	}
	resp.Release()
	if n := schemaRequests.Load(); n != 2 {
		t.Errorf("expected invalidation to refetch, got %d requests", n)
	}

	urls := schemaloader.BuildURLs(client.RegistryURLs(server.URL), "acme/widgets", "1.2.0")
	if urls["schema"] != server.URL+"/acme/widgets/1.2.0/schema" {
		t.Errorf("unexpected schema URL: %q", urls["schema"])
	}
	if urls["purl"] != "pkg:schema/acme/widgets@1.2.0" {
		t.Errorf("unexpected PURL: %q", urls["purl"])
	}
}

func TestLoaderClosed(t *testing.T) {
	store, _ := schemaloader.OpenStore("memory", "")
	loader := schemaloader.NewLoader(store)
	if err := loader.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := loader.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestErrorKinds(t *testing.T) {
	store, _ := schemaloader.OpenStore("memory", "")
	loader := schemaloader.NewLoader(store)
	defer func() { _ = loader.Close() }()

	_, err := loader.GetSchema(context.Background(), schemaloader.PackageRef{Name: "acme widgets"})
	if schemaloader.KindOf(err) != schemaloader.KindInvalidArgument {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
	var e *schemaloader.Error
	if !errors.As(err, &e) || e.Message == "" {
		t.Errorf("expected *Error with a message, got %#v", err)
	}
}
