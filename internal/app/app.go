// Package app assembles the proxy from its configuration and runs its listeners.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/offlineweb/internal/config"
	"github.com/jnovack/offlineweb/pkg/admin"
	"github.com/jnovack/offlineweb/pkg/ca"
	"github.com/jnovack/offlineweb/pkg/cache"
	"github.com/jnovack/offlineweb/pkg/cacheproxy"
	"github.com/jnovack/offlineweb/pkg/certcache"
	"github.com/jnovack/offlineweb/pkg/errdefs"
	"github.com/jnovack/offlineweb/pkg/issuer"
	"github.com/jnovack/offlineweb/pkg/probe"
	"github.com/jnovack/offlineweb/pkg/rules"
	"github.com/jnovack/offlineweb/pkg/upstream"
)

// Options carries dependencies that are not part of the flag configuration.
type Options struct {
	AccessLog *zerolog.Logger
	// Transport is cloned by the upstream client; nil uses http.DefaultTransport.
	Transport *http.Transport
	// Probe overrides the DNS connectivity probe.
	Probe cacheproxy.Probe
}

// App is a wired proxy instance.
type App struct {
	Config     *config.Config
	Authority  *ca.Authority
	Issuer     *issuer.Coordinator
	Rules      *rules.Reloadable
	Cache      *cache.Store
	Metrics    *admin.Metrics
	Captures   *admin.CaptureStore
	Dispatcher *cacheproxy.Dispatcher

	servers []*http.Server
	bound   map[string]net.Addr
	errCh   chan error
}

// New loads the CA and the policy and builds every component.
func New(cfg *config.Config, o Options) (*App, error) {
	authority, err := LoadAuthority(cfg)
	if err != nil {
		return nil, err
	}
	policy, err := rules.NewReloadable(cfg.URLConfig)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.CertCache, cfg.ResponseCache} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errdefs.Wrap(errdefs.ErrConfig, "create "+dir, err)
		}
	}

	metrics := admin.NewMetrics()
	metrics.SetRuleCounts(policy.Rules().Len())
	captures := admin.NewCaptureStore(cfg.CaptureSize)

	coord := issuer.New(authority, certcache.New(cfg.CertCache), metrics)
	coord.DefaultHost = "localhost"

	client := upstream.NewClient(cfg.VirtualHosts, cfg.Timeout, o.Transport)
	store := cache.New(cfg.ResponseCache, client)

	var online cacheproxy.Probe = probe.New(cfg.ProbeHost, cfg.ProbeTimeout)
	if cfg.Offline {
		online = probe.Static(false)
	}
	if o.Probe != nil {
		online = o.Probe
	}

	d := cacheproxy.NewDispatcher(cacheproxy.Config{
		Rules:           policy,
		Probe:           online,
		Cache:           store,
		Upstream:        client,
		Timeout:         cfg.Timeout,
		Metrics:         metrics,
		RequestObserver: captures.Add,
		AccessLog:       o.AccessLog,
	})

	return &App{
		Config:     cfg,
		Authority:  authority,
		Issuer:     coord,
		Rules:      policy,
		Cache:      store,
		Metrics:    metrics,
		Captures:   captures,
		Dispatcher: d,
		bound:      make(map[string]net.Addr),
		errCh:      make(chan error, 3),
	}, nil
}

// LoadAuthority reads the CA files, generating them first when GenCA is set
// and they do not exist.
func LoadAuthority(cfg *config.Config) (*ca.Authority, error) {
	var (
		a   *ca.Authority
		err error
	)
	switch {
	case config.FileExists(cfg.CACert) && config.FileExists(cfg.CAKey):
		a, err = ca.NewAuthorityFromFiles(cfg.CACert, cfg.CAKey)
		if err != nil {
			return nil, err
		}
	case cfg.GenCA:
		name, perr := ca.ParseDN(cfg.CADN)
		if perr != nil {
			return nil, errdefs.Wrap(errdefs.ErrConfig, "ca-dn", perr)
		}
		a, err = ca.GenerateRootCASelfSigned(name)
		if err != nil {
			return nil, err
		}
		if err := a.SaveKey(cfg.CAKey); err != nil {
			return nil, err
		}
		if err := a.SaveCertificate(cfg.CACert); err != nil {
			return nil, err
		}
		log.Info().Str("cert", cfg.CACert).Str("key", cfg.CAKey).Str("subject", name.String()).Msg("generated CA")
	default:
		return nil, errdefs.Wrap(errdefs.ErrConfig, "load CA", errors.New("ca-cert and ca-key not found; use -gen-ca to create them"))
	}

	subject, err := ca.ParseSubject(cfg.LeafDN)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrConfig, "leaf-dn", err)
	}
	a.Subject = subject
	return a, nil
}

// ReloadRules re-reads the policy file, keeping the old policy on error.
func (a *App) ReloadRules() error {
	rs, err := a.Rules.Reload()
	if err != nil {
		log.Error().Err(err).Str("file", a.Config.URLConfig).Msg("policy reload failed")
		return err
	}
	a.Metrics.SetRuleCounts(rs.Len())
	log.Info().Str("file", a.Config.URLConfig).Interface("patterns", rs.Len()).Msg("policy reloaded")
	return nil
}

// Start binds every configured listener and serves in the background.
func (a *App) Start() error {
	cfg := a.Config
	connCtx := func(ctx context.Context, c net.Conn) context.Context {
		id := uuid.Must(uuid.NewV7())
		logger := log.With().
			Str("conn_id", id.String()).
			Str("remote", c.RemoteAddr().String()).
			Logger()
		ctx = context.WithValue(ctx, cacheproxy.ConnectionIDKey{}, id)
		return logger.WithContext(ctx)
	}

	if cfg.Addr != "" {
		srv := &http.Server{
			Handler:           a.Dispatcher,
			ReadHeaderTimeout: 15 * time.Second,
			ConnContext:       connCtx,
		}
		if err := a.serve("http", cfg.Addr, srv, false); err != nil {
			return err
		}
	}
	if cfg.TLSAddr != "" {
		srv := &http.Server{
			Handler:           a.Dispatcher,
			ReadHeaderTimeout: 15 * time.Second,
			ConnContext:       connCtx,
			TLSConfig: &tls.Config{
				GetCertificate: a.Issuer.GetCertificate,
				MinVersion:     tls.VersionTLS12,
			},
			ErrorLog: tlsErrorLog(),
		}
		if err := a.serve("tls", cfg.TLSAddr, srv, true); err != nil {
			return err
		}
	}
	if cfg.AdminAddr != "" {
		srv := &http.Server{
			Handler: admin.NewRouter(admin.Options{
				Metrics:   a.Metrics,
				Captures:  a.Captures,
				Vars:      cfg,
				CACertPEM: a.Authority.PEM(),
			}),
			ReadHeaderTimeout: 15 * time.Second,
		}
		if err := a.serve("admin", cfg.AdminAddr, srv, false); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) serve(name, addr string, srv *http.Server, withTLS bool) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = a.Shutdown(context.Background())
		return errdefs.Wrap(errdefs.ErrConfig, name+" listen "+addr, err)
	}
	a.servers = append(a.servers, srv)
	a.bound[name] = ln.Addr()
	log.Info().Str("listener", name).Str("addr", ln.Addr().String()).Msg("listening")

	go func() {
		var err error
		if withTLS {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.errCh <- errdefs.Wrap(errdefs.ErrConfig, name+" serve", err)
		}
	}()
	return nil
}

// Addr returns the bound address of the "http", "tls" or "admin" listener, or "" if it is not running.
func (a *App) Addr(name string) string {
	if addr, ok := a.bound[name]; ok {
		return addr.String()
	}
	return ""
}

// Err delivers listener failures after Start.
func (a *App) Err() <-chan error {
	return a.errCh
}

// Shutdown gracefully stops every server.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	for _, srv := range a.servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
