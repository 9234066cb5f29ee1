// Package cacheproxy routes proxied requests between the response cache,
// the upstream origin and the policy rules.
package cacheproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/jnovack/offlineweb/pkg/cache"
	"github.com/jnovack/offlineweb/pkg/errdefs"
	"github.com/jnovack/offlineweb/pkg/upstream"
)

// fill results reported to Metrics.IncCacheFill.
const (
	FillStored    = "stored"
	FillCoalesced = "coalesced"
	FillError     = "error"
)

// Headers that must not reach the origin on a cache fill: a conditional or
// partial response would be stored as the full body.
var fillStripHeaders = []string{
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// Dispatcher is the http.Handler behind both the plain and the TLS listener.
type Dispatcher struct {
	cfg   Config
	fills singleflight.Group
}

// NewDispatcher returns a Dispatcher. A zero Timeout uses upstream.DefaultTimeout.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = upstream.DefaultTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	return &Dispatcher{cfg: cfg}
}

// SiteURL reconstructs the absolute URL of r. Requests arriving on a TLS
// listener are https; absolute-form proxy requests keep their own scheme.
func SiteURL(r *http.Request) string {
	if r.URL.IsAbs() {
		u := *r.URL
		u.User = nil
		u.Fragment = ""
		u.RawFragment = ""
		return u.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := uuid.Must(uuid.NewV7())

	logger := zerolog.Ctx(r.Context()).With().Str("request_id", reqID.String()).Logger()
	ctx := context.WithValue(r.Context(), RequestIDKey{}, reqID)
	ctx = logger.WithContext(ctx)
	r = r.WithContext(ctx)

	siteURL := SiteURL(r)
	rec := &recorder{ResponseWriter: w}

	d.cfg.Metrics.InflightAdd(reqID.String())
	defer d.cfg.Metrics.InflightRemove(reqID.String())

	outcome := d.dispatch(ctx, rec, r, siteURL)

	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	elapsed := time.Since(start)
	d.cfg.Metrics.ObserveRequest(outcome, status, elapsed.Seconds())

	logger.Info().
		Str("method", r.Method).
		Str("url", siteURL).
		Str("outcome", outcome).
		Int("status", status).
		Int64("bytes", rec.size).
		Dur("latency", elapsed).
		Msg("served")

	if d.cfg.AccessLog != nil {
		d.cfg.AccessLog.Info().
			Str("request_id", reqID.String()).
			Str("remote", r.RemoteAddr).
			Str("method", r.Method).
			Str("url", siteURL).
			Str("outcome", outcome).
			Int("status", status).
			Int64("bytes", rec.size).
			Float64("latency_secs", elapsed.Seconds()).
			Send()
	}

	var host, path string
	if u, err := url.Parse(siteURL); err == nil {
		host, path = u.Host, u.Path
	}
	NotifyObserver(d.cfg.RequestObserver, RequestRecord{
		Time:        start,
		RequestID:   reqID.String(),
		URL:         siteURL,
		Method:      r.Method,
		Host:        host,
		Path:        path,
		Outcome:     outcome,
		IsTLS:       r.TLS != nil,
		LatencySecs: elapsed.Seconds(),
		Size:        rec.size,
		Status:      status,
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, w *recorder, r *http.Request, siteURL string) string {
	logger := zerolog.Ctx(ctx)
	cls := d.cfg.Rules.Classify(siteURL)
	logger.Debug().
		Str("url", siteURL).
		Bool("include", cls.Include).
		Bool("exclude", cls.Exclude).
		Bool("nocache", cls.NoCache).
		Bool("direct", cls.Direct).
		Msg("classified")

	if cls.Exclude {
		refuse(w, StatusExcluded, OutcomeExcluded, "excluded by cache configuration")
		return OutcomeExcluded
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead && !cls.Direct {
		w.Header().Set("Allow", "GET, HEAD")
		refuse(w, http.StatusMethodNotAllowed, OutcomeMethod, "unsupported method "+r.Method)
		return OutcomeMethod
	}
	if cls.Direct || cls.NoCache || !cls.Include {
		return d.relay(ctx, w, r, siteURL, OutcomeDirect)
	}

	cached, err := d.cfg.Cache.IsCached(siteURL)
	if err != nil {
		return d.fail(ctx, w, err)
	}
	if cached {
		return d.serveCached(ctx, w, r, siteURL, OutcomeHit)
	}
	if !d.cfg.Probe.IsOnline(ctx) {
		refuse(w, StatusOffline, OutcomeOffline, "not cached, offline")
		return OutcomeOffline
	}
	if r.Method == http.MethodHead {
		return d.relay(ctx, w, r, siteURL, OutcomeHead)
	}
	if err := d.fill(ctx, r.Header, siteURL); err != nil {
		return d.fail(ctx, w, err)
	}
	return d.serveCached(ctx, w, r, siteURL, OutcomeMiss)
}

// fill stores siteURL in the cache. Concurrent fills for one URL share a
// single origin fetch that outlives any one caller's context.
func (d *Dispatcher) fill(ctx context.Context, header http.Header, siteURL string) error {
	h := header.Clone()
	for _, k := range fillStripHeaders {
		h.Del(k)
	}
	detached := context.WithoutCancel(ctx)
	ch := d.fills.DoChan(siteURL, func() (any, error) {
		err := d.cfg.Cache.Save(detached, siteURL, cache.FetchOptions{Header: h, Timeout: d.cfg.Timeout})
		if err != nil {
			d.cfg.Metrics.IncCacheFill(FillError)
			return nil, err
		}
		d.cfg.Metrics.IncCacheFill(FillStored)
		return nil, nil
	})
	select {
	case <-ctx.Done():
		return errdefs.Wrap(errdefs.ErrTimeout, "fill", ctx.Err())
	case res := <-ch:
		if res.Shared {
			d.cfg.Metrics.IncCacheFill(FillCoalesced)
		}
		return res.Err
	}
}

func (d *Dispatcher) serveCached(ctx context.Context, w *recorder, r *http.Request, siteURL, outcome string) string {
	w.Header().Set("X-Cache", outcome)
	var err error
	if r.Method == http.MethodHead {
		_, err = d.cfg.Cache.Head(siteURL, w)
	} else {
		_, err = d.cfg.Cache.Stream(siteURL, w)
	}
	if err != nil {
		return d.fail(ctx, w, err)
	}
	return outcome
}

// relay forwards r to the origin and copies the response back verbatim.
func (d *Dispatcher) relay(ctx context.Context, w *recorder, r *http.Request, siteURL, outcome string) string {
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	resp, err := d.cfg.Upstream.Fetch(ctx, upstream.Request{
		Method:  r.Method,
		URL:     siteURL,
		Header:  r.Header,
		Body:    body,
		Timeout: d.cfg.Timeout,
	})
	if err != nil {
		return d.fail(ctx, w, err)
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		if upstream.IsHopByHop(k) {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Cache", outcome)
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return outcome
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return d.fail(ctx, w, errdefs.Wrap(errdefs.ErrStream, "relay", err))
	}
	return outcome
}

// fail maps err to a response. Once headers are sent it only logs.
func (d *Dispatcher) fail(ctx context.Context, w *recorder, err error) string {
	logger := zerolog.Ctx(ctx)
	status, outcome, msg := http.StatusInternalServerError, OutcomeError, err.Error()
	if errdefs.IsTimeout(err) {
		status, outcome, msg = http.StatusGatewayTimeout, OutcomeTimeout, "timeout"
	}
	if outcome == OutcomeTimeout || errors.Is(err, errdefs.ErrFetch) {
		d.cfg.Metrics.IncOriginErrors()
	}

	if w.wroteHeader {
		logger.Warn().Err(err).Int("status", w.status).Msg("response aborted after headers were sent")
		return outcome
	}
	if outcome == OutcomeTimeout {
		logger.Warn().Err(err).Msg("request timed out")
	} else {
		logger.Error().Err(err).Msg("request failed")
	}
	refuse(w, status, outcome, msg)
	return outcome
}

func refuse(w http.ResponseWriter, status int, outcome, msg string) {
	h := w.Header()
	for k := range h {
		if k != "Allow" {
			h.Del(k)
		}
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Cache", outcome)
	w.WriteHeader(status)
	fmt.Fprintln(w, msg)
}

// recorder captures the status and byte count written through it.
type recorder struct {
	http.ResponseWriter
	status      int
	size        int64
	wroteHeader bool
}

func (r *recorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *recorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
