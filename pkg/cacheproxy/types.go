package cacheproxy

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/offlineweb/pkg/cache"
	"github.com/jnovack/offlineweb/pkg/rules"
	"github.com/jnovack/offlineweb/pkg/upstream"
)

// Non-standard status codes used by the dispatcher.
const (
	StatusOffline  = 521 // not cached and no connectivity
	StatusExcluded = 522 // refused by policy
)

// Outcomes reported in X-Cache, metrics, the access log and RequestRecords.
const (
	OutcomeHit      = "HIT"
	OutcomeMiss     = "MISS"
	OutcomeDirect   = "DIRECT"
	OutcomeHead     = "HEAD"
	OutcomeExcluded = "EXCLUDED"
	OutcomeOffline  = "OFFLINE"
	OutcomeMethod   = "METHOD"
	OutcomeError    = "ERROR"
	OutcomeTimeout  = "TIMEOUT"
)

// RequestRecord represents a completed request for in-memory inspection.
type RequestRecord struct {
	Time        time.Time `json:"time"`
	RequestID   string    `json:"request_id"`
	URL         string    `json:"url"`
	Method      string    `json:"method"`
	Host        string    `json:"host"`
	Path        string    `json:"path"`
	Outcome     string    `json:"outcome"`
	IsTLS       bool      `json:"is_tls"`
	LatencySecs float64   `json:"latency_secs"`
	Size        int64     `json:"size_bytes"`
	Status      int       `json:"status"`
}

type ConnectionIDKey struct{}
type RequestIDKey struct{}

// RequestObserver receives RequestRecords. NotifyObserver invokes them asynchronously.
type RequestObserver func(RequestRecord)

// Metrics is the sink the dispatcher reports into. *admin.Metrics implements it.
type Metrics interface {
	InflightAdd(id string)
	InflightRemove(id string)
	ObserveRequest(outcome string, status int, seconds float64)
	IncOriginErrors()
	IncCacheFill(result string)
}

// Classifier matches a site URL against the policy.
type Classifier interface {
	Classify(siteURL string) rules.Classification
}

// Probe reports connectivity.
type Probe interface {
	IsOnline(ctx context.Context) bool
}

// ResponseCache is the on-disk response store. *cache.Store implements it.
type ResponseCache interface {
	IsCached(siteURL string) (bool, error)
	Save(ctx context.Context, siteURL string, opts cache.FetchOptions) error
	Stream(siteURL string, dst cache.Sink) (int64, error)
	Head(siteURL string, dst cache.Sink) (int64, error)
}

// Upstream performs pass-through requests. *upstream.Client implements it.
type Upstream interface {
	Fetch(ctx context.Context, req upstream.Request) (*http.Response, error)
}

// Config wires the dispatcher's collaborators. Rules, Probe, Cache and Upstream are required.
type Config struct {
	Rules    Classifier
	Probe    Probe
	Cache    ResponseCache
	Upstream Upstream

	// Timeout bounds every upstream fetch and cache fill.
	Timeout time.Duration

	Metrics         Metrics
	RequestObserver RequestObserver
	AccessLog       *zerolog.Logger
}

type nopMetrics struct{}

func (nopMetrics) InflightAdd(string)                  {}
func (nopMetrics) InflightRemove(string)               {}
func (nopMetrics) ObserveRequest(string, int, float64) {}
func (nopMetrics) IncOriginErrors()                    {}
func (nopMetrics) IncCacheFill(string)                 {}

// NotifyObserver invokes an observer asynchronously and recovers from panics.
func NotifyObserver(obs RequestObserver, rec RequestRecord) {
	if obs == nil {
		return
	}
	go func(r RequestRecord) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("panic", err).
					Str("record_url", r.URL).
					Str("record_method", r.Method).
					Str("record_outcome", r.Outcome).
					Msg("observer panicked")
			}
		}()
		obs(r)
	}(rec)
}

// ChainObservers returns an observer calling each non-nil observer in order.
func ChainObservers(obs ...RequestObserver) RequestObserver {
	var list []RequestObserver
	for _, o := range obs {
		if o != nil {
			list = append(list, o)
		}
	}
	if len(list) == 0 {
		return nil
	}
	return func(r RequestRecord) {
		for _, o := range list {
			o(r)
		}
	}
}
