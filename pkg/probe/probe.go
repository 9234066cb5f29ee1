// Package probe decides whether the proxy can reach the internet.
package probe

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultHost    = "www.google.com"
	DefaultTimeout = 2 * time.Second
)

// Resolver is the subset of *net.Resolver the probe needs.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DNS reports online when Host resolves within Timeout.
type DNS struct {
	Resolver Resolver
	Host     string
	Timeout  time.Duration
}

// New returns a DNS probe using the system resolver. Empty or zero values take defaults.
func New(host string, timeout time.Duration) *DNS {
	return &DNS{Resolver: net.DefaultResolver, Host: host, Timeout: timeout}
}

// IsOnline resolves the probe host. A timeout, a failure or an empty answer all mean offline.
func (p *DNS) IsOnline(ctx context.Context) bool {
	host, timeout := p.Host, p.Timeout
	if host == "" {
		host = DefaultHost
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var r Resolver = net.DefaultResolver
	if p.Resolver != nil {
		r = p.Resolver
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type answer struct {
		addrs []string
		err   error
	}
	ch := make(chan answer, 1)
	go func() {
		addrs, err := r.LookupHost(ctx, host)
		ch <- answer{addrs, err}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).Debug().Str("host", host).Dur("timeout", timeout).Msg("offline probe timed out")
		return false
	case a := <-ch:
		if a.err != nil {
			log.Ctx(ctx).Debug().Err(a.err).Str("host", host).Msg("offline probe failed")
			return false
		}
		return len(a.addrs) > 0
	}
}

// Static is a fixed answer, used when the network state is known.
type Static bool

// IsOnline returns the fixed answer.
func (s Static) IsOnline(context.Context) bool { return bool(s) }
