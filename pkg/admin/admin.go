// Package admin implements the HTTP admin endpoints of the proxy: health,
// Prometheus metrics, in-flight status, effective configuration, the CA
// certificate download and the recent request log.
package admin

import (
	"encoding/json"
	"html"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Options selects what the admin router exposes. Nil fields disable their routes.
type Options struct {
	Metrics  *Metrics
	Captures *CaptureStore

	// Vars is rendered as JSON by /varz.
	Vars any

	// CACertPEM is served by /cert for installation into client trust stores.
	CACertPEM []byte
}

// NewRouter builds the admin handler.
func NewRouter(o Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Cache-Control", "no-store"))

	r.Get("/healthz", HandleHealth)
	if o.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", o.Metrics.Handler())
		r.Get("/statusz", func(w http.ResponseWriter, _ *http.Request) {
			HandleStatusz(w, o.Metrics)
		})
	}
	if o.Vars != nil {
		r.Get("/varz", func(w http.ResponseWriter, _ *http.Request) {
			HandleVarz(w, o.Vars)
		})
	}
	if len(o.CACertPEM) > 0 {
		r.Get("/cert", func(w http.ResponseWriter, _ *http.Request) {
			HandleCert(w, o.CACertPEM)
		})
	}
	if o.Captures != nil {
		r.Get("/requests", func(w http.ResponseWriter, req *http.Request) {
			HandleRequests(w, req, o.Captures)
		})
		r.Delete("/requests", func(w http.ResponseWriter, _ *http.Request) {
			o.Captures.Clear()
			w.WriteHeader(http.StatusNoContent)
		})
	}
	return r
}

// HandleHealth is a simple healthz handler.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// HandleVarz writes v as JSON.
func HandleVarz(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// HandleRequests lists captured requests, newest first. Query parameters:
// outcome (e.g. MISS) filters, limit caps the count.
func HandleRequests(w http.ResponseWriter, r *http.Request, c *CaptureStore) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	HandleVarz(w, c.Query(r.URL.Query().Get("outcome"), limit))
}

// HandleCert serves the CA certificate.
func HandleCert(w http.ResponseWriter, certPEM []byte) {
	w.Header().Set("Content-Type", "application/x-x509-ca-cert")
	w.Header().Set("Content-Disposition", `attachment; filename="offlineweb-ca.crt"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(certPEM)))
	_, _ = w.Write(certPEM)
}

// HandleStatusz renders a small HTML page showing inflight requests, oldest first.
func HandleStatusz(w http.ResponseWriter, m *Metrics) {
	list := m.Inflight()
	ids := make([]string, 0, len(list))
	for id := range list {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return list[ids[i]].Before(list[ids[j]]) })

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><h1>Status</h1>"))
	_, _ = w.Write([]byte("<p>Inflight: " + strconv.Itoa(len(ids)) + "</p>"))
	_, _ = w.Write([]byte("<table border='1'><tr><th>Request</th><th>Start</th><th>Age(s)</th></tr>"))
	now := time.Now()
	for _, id := range ids {
		t := list[id]
		age := now.Sub(t).Seconds()
		_, _ = w.Write([]byte("<tr><td>" + html.EscapeString(id) + "</td><td>" + t.Format(time.RFC3339) + "</td><td>" + strconv.FormatFloat(age, 'f', 3, 64) + "</td></tr>"))
	}
	_, _ = w.Write([]byte("</table></body></html>"))
}
