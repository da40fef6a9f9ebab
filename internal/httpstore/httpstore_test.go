package httpstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/git-pkgs/schemaloader/fetch"
	"github.com/git-pkgs/schemaloader/internal/core"
)

func newTestStore(t *testing.T, handler http.Handler, opts ...Option) (*Store, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	s, err := New(server.URL, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, server
}

func TestListVersions(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"object", `{"versions":[{"version":"0.9.0"},{"version":"1.0.0"}]}`},
		{"object of strings", `{"versions":["0.9.0","1.0.0"]}`},
		{"array", `["0.9.0", "1.0.0"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/acme/widgets/versions" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))

			versions, err := s.ListVersions(context.Background(), "acme/widgets")
			if err != nil {
				t.Fatalf("ListVersions failed: %v", err)
			}
			if len(versions) != 2 || versions[0] != "0.9.0" || versions[1] != "1.0.0" {
				t.Errorf("expected [0.9.0 1.0.0], got %v", versions)
			}
		})
	}
}

func TestFetchDocument(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/widgets/1.0.0/schema", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write([]byte("name: widgets\n"))
	})
	s, server := newTestStore(t, mux)

	raw, err := s.FetchDocument(context.Background(), "widgets", "1.0.0")
	if err != nil {
		t.Fatalf("FetchDocument failed: %v", err)
	}
	if raw.Format != "yaml" {
		t.Errorf("expected yaml format, got %q", raw.Format)
	}
	if raw.Source != server.URL+"/widgets/1.0.0/schema" {
		t.Errorf("unexpected source %q", raw.Source)
	}
	doc, err := core.ParseDocument("widgets", "1.0.0", raw)
	if err != nil {
		t.Fatalf("ParseDocument failed: %v", err)
	}
	if string(doc.Canonical) != `{"name":"widgets"}` {
		t.Errorf("unexpected canonical form %s", doc.Canonical)
	}
}

func TestSchemaURLOverride(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/widgets/versions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"versions":[{"version":"1.0.0","schema":"blobs/abc.json"}]}`))
	})
	mux.HandleFunc("/blobs/abc.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"widgets"}`))
	})
	s, server := newTestStore(t, mux)

	ctx := context.Background()
	if _, err := s.ListVersions(ctx, "widgets"); err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	raw, err := s.FetchDocument(ctx, "widgets", "1.0.0")
	if err != nil {
		t.Fatalf("FetchDocument failed: %v", err)
	}
	if raw.Source != server.URL+"/blobs/abc.json" {
		t.Errorf("expected override URL, got %q", raw.Source)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		target error
	}{
		{"not found", http.StatusNotFound, "", core.ErrNotFound},
		{"server error", http.StatusInternalServerError, "", core.ErrUnavailable},
		{"rate limited", http.StatusTooManyRequests, "", core.ErrUnavailable},
		{"forbidden", http.StatusForbidden, "denied", core.ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			ctx := context.Background()
			if _, err := s.ListVersions(ctx, "widgets"); !errors.Is(err, tt.target) {
				t.Errorf("ListVersions = %v, want %v", err, tt.target)
			}
			if _, err := s.FetchDocument(ctx, "widgets", "1.0.0"); !errors.Is(err, tt.target) {
				t.Errorf("FetchDocument = %v, want %v", err, tt.target)
			}
		})
	}
}

func TestEmptyAndInvalidVersionList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/empty/versions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"versions":[]}`))
	})
	mux.HandleFunc("/broken/versions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"versions": 12`))
	})
	s, _ := newTestStore(t, mux)

	if _, err := s.ListVersions(context.Background(), "empty"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound for empty list, got %v", err)
	}
	if _, err := s.ListVersions(context.Background(), "broken"); !errors.Is(err, core.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable for undecodable list, got %v", err)
	}
}

func TestOversizeDocumentIsMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"pad":"` + strings.Repeat("x", 512) + `"}`))
	}))
	defer server.Close()

	f := fetch.NewFetcher(fetch.WithMaxRetries(0), fetch.WithMaxBytes(128))
	defer f.Close()

	s, err := New(server.URL, WithFetcher(f))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := s.FetchDocument(context.Background(), "widgets", "1.0.0"); !errors.Is(err, core.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestDoesNotRetryOnItsOwn(t *testing.T) {
	var requests atomic.Int32
	s, _ := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	if _, err := s.FetchDocument(context.Background(), "widgets", "1.0.0"); !errors.Is(err, core.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("expected 1 request, got %d", n)
	}
}

func TestCancelledContext(t *testing.T) {
	s, _ := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}), WithRateLimit(1, 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.FetchDocument(ctx, "widgets", "1.0.0"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, location := range []string{"", "ftp://example.com", "://bad"} {
		if _, err := New(location); err == nil {
			t.Errorf("New(%q) succeeded, want error", location)
		}
	}

	s, err := core.New("http", "https://schemas.example.com")
	if err != nil {
		t.Fatalf("core.New failed: %v", err)
	}
	defer func() { _ = s.(*Store).Close() }()
	if s.Kind() != "http" {
		t.Errorf("expected kind http, got %q", s.Kind())
	}
}
