package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/git-pkgs/schemaloader/internal/cache"
	"github.com/git-pkgs/schemaloader/internal/core"
	"github.com/git-pkgs/schemaloader/internal/service"
)

// Response headers set on schema responses.
const (
	HeaderRequestID     = "X-Request-Id"
	HeaderSchemaPackage = "X-Schema-Package"
	HeaderSchemaVersion = "X-Schema-Version"
)

type httpHandler struct {
	svc      *service.Service
	cache    *cache.Cache
	gatherer prometheus.Gatherer
	logger   log.Logger
}

// HTTPOption configures the HTTP handler.
type HTTPOption func(*httpHandler)

// WithGatherer serves metrics from g on /metrics.
func WithGatherer(g prometheus.Gatherer) HTTPOption {
	return func(h *httpHandler) {
		h.gatherer = g
	}
}

// WithCache serves cache diagnostics on /debug/cache.
func WithCache(c *cache.Cache) HTTPOption {
	return func(h *httpHandler) {
		h.cache = c
	}
}

// WithHTTPLogger sets the request logger.
func WithHTTPLogger(l log.Logger) HTTPOption {
	return func(h *httpHandler) {
		h.logger = l
	}
}

// NewHTTPHandler returns the HTTP API:
//
//	GET /v1/schemas/{name}?version={constraint}[&ref={pointer}]
//	GET /healthz
//	GET /metrics
//	GET /debug/cache
func NewHTTPHandler(svc *service.Service, opts ...HTTPOption) http.Handler {
	h := &httpHandler{svc: svc, logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(h.requestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	if h.cache != nil {
		r.Get("/debug/cache", h.handleCache)
	}
	r.Get("/v1/schemas/*", h.handleGetSchema)
	return r
}

func (h *httpHandler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)

		start := time.Now()
		next.ServeHTTP(w, r)
		level.Debug(h.logger).Log("msg", "http request", "method", r.Method, "path", r.URL.Path,
			"request_id", id, "duration", time.Since(start))
	})
}

func (h *httpHandler) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	ref := core.PackageRef{
		Name:       strings.Trim(chi.URLParam(r, "*"), "/"),
		Constraint: r.URL.Query().Get("version"),
	}

	resp, err := h.svc.GetSchema(r.Context(), ref)
	if err != nil {
		writeError(w, err)
		return
	}
	defer resp.Release()

	w.Header().Set(HeaderSchemaPackage, resp.Resolved.Name)
	w.Header().Set(HeaderSchemaVersion, resp.Resolved.Version)
	if ptr := r.URL.Query().Get("ref"); ptr != "" {
		h.writeFragment(w, resp.Document, ptr)
		return
	}

	etag := `"` + resp.Document.Digest + `"`
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Schema)
}

// writeFragment serves the part of doc that a local reference or JSON pointer
// names.
func (h *httpHandler) writeFragment(w http.ResponseWriter, doc *core.SchemaDocument, ptr string) {
	id, ok := doc.Tree.Fragment(ptr)
	if !ok {
		writeError(w, core.Errorf(core.KindNotFound, "%s@%s has no node at %q", doc.Name, doc.Version, ptr))
		return
	}
	writeJSON(w, http.StatusOK, doc.Tree.Value(id))
}

type cacheReport struct {
	Stats   cache.Stats       `json:"stats"`
	Entries []cacheEntryState `json:"entries"`
}

type cacheEntryState struct {
	Package    string    `json:"package"`
	Version    string    `json:"version"`
	State      string    `json:"state"`
	SizeBytes  int64     `json:"size_bytes,omitempty"`
	LastAccess time.Time `json:"last_access,omitempty"`
	Leases     int       `json:"leases,omitempty"`
	Waiters    int       `json:"waiters,omitempty"`
}

func (h *httpHandler) handleCache(w http.ResponseWriter, _ *http.Request) {
	report := cacheReport{Stats: h.cache.Stats()}
	for _, e := range h.cache.Entries() {
		report.Entries = append(report.Entries, cacheEntryState{
			Package:    e.Key.Name,
			Version:    e.Key.Version,
			State:      e.State.String(),
			SizeBytes:  e.SizeBytes,
			LastAccess: e.LastAccess,
			Leases:     e.Leases,
			Waiters:    e.Waiters,
		})
	}
	writeJSON(w, http.StatusOK, report)
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	writeJSON(w, HTTPStatus(kind), errorBody{Kind: kind.String(), Message: message(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
