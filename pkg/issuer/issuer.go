// Package issuer coordinates leaf certificate issuance for the TLS listener.
//
// A Coordinator consults the on-disk certificate cache and falls back to the CA on a miss.
// Concurrent requests for the same hostname share one issuance sequence, so a hostname is
// never issued twice in parallel and every waiter observes the same certificate.
package issuer

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/idna"
	"golang.org/x/sync/singleflight"

	"github.com/jnovack/offlineweb/pkg/ca"
	"github.com/jnovack/offlineweb/pkg/errdefs"
)

// Authority issues leaf certificates. *ca.Authority satisfies it.
type Authority interface {
	Issue(commonName string) (*ca.HostCertificate, error)
	PEM() []byte
}

// Cache persists issued certificates. *certcache.Store satisfies it.
type Cache interface {
	Load(host string) (*ca.HostCertificate, error)
	Store(host string, cert *ca.HostCertificate, force bool) (bool, error)
}

// Metrics receives certificate outcomes: hit, issued, coalesced, error.
type Metrics interface {
	IncCertificate(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) IncCertificate(string) {}

// Coordinator is created once at startup and handed to the TLS listener.
type Coordinator struct {
	authority Authority
	cache     Cache
	metrics   Metrics

	// DefaultHost is used when a client sends no SNI and the local address is unusable.
	DefaultHost string

	group    singleflight.Group
	contexts sync.Map // host -> *tls.Certificate
}

// New returns a Coordinator. A nil metrics sink is allowed.
func New(authority Authority, cache Cache, metrics Metrics) *Coordinator {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Coordinator{authority: authority, cache: cache, metrics: metrics}
}

// GetOrCreate returns the cached certificate for host, issuing and storing one on a miss.
// It does not coalesce; callers at the TLS boundary use GetOrCreateCoalesced.
func (c *Coordinator) GetOrCreate(ctx context.Context, host string) (*ca.HostCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cert, err := c.cache.Load(host)
	if err == nil {
		c.metrics.IncCertificate("hit")
		return cert, nil
	}
	if !errdefs.IsMiss(err) {
		return nil, err
	}

	cert, err = c.authority.Issue(host)
	if err != nil {
		return nil, err
	}
	wrote, err := c.cache.Store(host, cert, false)
	if err != nil {
		return nil, err
	}
	if !wrote {
		// someone else persisted first; theirs is authoritative
		return c.cache.Load(host)
	}
	c.metrics.IncCertificate("issued")
	log.Ctx(ctx).Info().
		Str("host", host).
		Str("serial", cert.SerialNumber.String()).
		Time("not_after", cert.NotAfter).
		Msg("issued certificate")
	return cert, nil
}

// GetOrCreateCoalesced is GetOrCreate with at most one sequence in flight per hostname.
// The shared sequence runs to completion even if ctx is canceled; only this caller's wait ends.
func (c *Coordinator) GetOrCreateCoalesced(ctx context.Context, host string) (*ca.HostCertificate, error) {
	host = NormalizeHost(host)
	ch := c.group.DoChan(host, func() (any, error) {
		return c.GetOrCreate(context.WithoutCancel(ctx), host)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.metrics.IncCertificate("coalesced")
		}
		return res.Val.(*ca.HostCertificate), nil
	}
}

// ResolveServerContext returns a ready-to-serve TLS certificate for host, chained to the CA.
func (c *Coordinator) ResolveServerContext(ctx context.Context, host string) (*tls.Certificate, error) {
	host = NormalizeHost(host)
	if v, ok := c.contexts.Load(host); ok {
		return v.(*tls.Certificate), nil
	}
	hc, err := c.GetOrCreateCoalesced(ctx, host)
	if err != nil {
		return nil, err
	}
	tc, err := hc.TLSCertificate(c.authority.PEM())
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrIssuance, "build tls context "+host, err)
	}
	v, _ := c.contexts.LoadOrStore(host, tc)
	return v.(*tls.Certificate), nil
}

// GetCertificate implements tls.Config.GetCertificate. Any failure aborts the handshake.
func (c *Coordinator) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	ctx := hello.Context()
	name := hello.ServerName
	if name == "" && hello.Conn != nil {
		if h, _, err := net.SplitHostPort(hello.Conn.LocalAddr().String()); err == nil {
			if ip := net.ParseIP(h); ip != nil && !ip.IsUnspecified() {
				name = h
			}
		}
	}
	if name == "" {
		name = c.DefaultHost
	}
	if name == "" {
		err := errors.New("client sent no server name")
		c.metrics.IncCertificate("error")
		log.Ctx(ctx).Error().Err(err).Msg("tls handshake refused")
		return nil, err
	}

	cert, err := c.ResolveServerContext(ctx, name)
	if err != nil {
		c.metrics.IncCertificate("error")
		log.Ctx(ctx).Error().Err(err).Str("server_name", name).Msg("tls handshake refused")
		return nil, err
	}
	return cert, nil
}

// NormalizeHost lowercases host, drops a trailing dot and converts IDNs to punycode.
func NormalizeHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if net.ParseIP(host) != nil {
		return host
	}
	if a, err := idna.Lookup.ToASCII(host); err == nil {
		return a
	}
	return host
}
