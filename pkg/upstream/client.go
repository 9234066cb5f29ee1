// Package upstream performs outbound requests on behalf of proxied clients.
//
// It strips hop-by-hop headers, bounds every call with a timeout, and can redirect
// virtual hosts to local backend ports while keeping the original Host and SNI.
package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jnovack/offlineweb/pkg/errdefs"
)

// DefaultTimeout bounds a fetch when neither the Client nor the Request sets one.
const DefaultTimeout = 30 * time.Second

// FillAcceptEncoding is advertised on cache fills. Setting it turns off the
// transport's transparent gzip so the cache receives the encoded bytes.
const FillAcceptEncoding = "br, zstd, gzip, deflate"

// hopByHopHeaders lists HTTP/1.x hop-by-hop headers that must not be forwarded.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"proxy-connection":    true,
	"proxy-authorization": true,
	"proxy-authenticate":  true,
	"keep-alive":          true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// Request describes one outbound call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   io.Reader

	// Timeout overrides Client.Timeout when non-zero.
	Timeout time.Duration

	// FollowRedirects resolves 3xx responses instead of returning them.
	FollowRedirects bool

	// AcceptEncoding replaces the negotiated Accept-Encoding when set.
	AcceptEncoding string
}

// Client is the outbound HTTP collaborator.
type Client struct {
	Ports   PortResolver
	Timeout time.Duration

	relay  *http.Client
	follow *http.Client
}

type dialTargetKey struct{}

// NewClient builds a Client whose transport honours virtual-host remapping.
// A nil transport clones http.DefaultTransport.
func NewClient(ports PortResolver, timeout time.Duration, transport *http.Transport) *Client {
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	next := transport.DialContext
	if next == nil {
		next = dialer.DialContext
	}
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if target, ok := ctx.Value(dialTargetKey{}).(string); ok && target != "" {
			addr = target
		}
		return next(ctx, network, addr)
	}
	return &Client{
		Ports:   ports,
		Timeout: timeout,
		relay: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		follow: &http.Client{Transport: transport},
	}
}

// Fetch sends req upstream. The returned body must be closed; closing it releases the timeout.
func (c *Client) Fetch(ctx context.Context, req Request) (*http.Response, error) {
	op := "fetch " + req.URL
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrFetch, op, err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	if target := c.dialTarget(u); target != "" {
		ctx = context.WithValue(ctx, dialTargetKey{}, target)
		log.Ctx(ctx).Debug().Str("host", u.Host).Str("target", target).Msg("virtual host remapped")
	}

	out, err := http.NewRequestWithContext(ctx, method, u.String(), req.Body)
	if err != nil {
		cancel()
		return nil, errdefs.Wrap(errdefs.ErrFetch, op, err)
	}
	out.Header = forwardHeaders(req.Header)
	if req.AcceptEncoding != "" {
		out.Header.Set("Accept-Encoding", req.AcceptEncoding)
	}
	out.Host = u.Host

	client := c.relay
	if req.FollowRedirects {
		client = c.follow
	}
	if client == nil {
		cancel()
		return nil, errdefs.Wrap(errdefs.ErrFetch, op, errors.New("client not initialised; use NewClient"))
	}
	resp, err := client.Do(out)
	if err != nil {
		cancel()
		if errdefs.IsTimeout(err) {
			return nil, errdefs.Wrap(errdefs.ErrTimeout, op, err)
		}
		return nil, errdefs.Wrap(errdefs.ErrFetch, op, err)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	log.Ctx(ctx).Debug().
		Str("url", req.URL).
		Str("method", method).
		Int("status", resp.StatusCode).
		Int64("length", resp.ContentLength).
		Msg("upstream responded")
	return resp, nil
}

// Get implements cache.Fetcher. The body is returned still content-encoded.
func (c *Client) Get(ctx context.Context, siteURL string, header http.Header) (*http.Response, error) {
	return c.Fetch(ctx, Request{
		Method:          http.MethodGet,
		URL:             siteURL,
		Header:          header,
		FollowRedirects: true,
		AcceptEncoding:  FillAcceptEncoding,
	})
}

func (c *Client) dialTarget(u *url.URL) string {
	if c.Ports == nil {
		return ""
	}
	p, ok := c.Ports.Resolve(u.Hostname())
	if !ok {
		return ""
	}
	port := p.HTTP
	if u.Scheme == "https" {
		port = p.HTTPS
	}
	if port == 0 {
		return ""
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// forwardHeaders copies client headers minus hop-by-hop ones, anything named in
// Connection, and Accept-Encoding. Relays let the transport negotiate gzip.
func forwardHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	drop := map[string]bool{}
	for _, v := range in.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			drop[strings.ToLower(strings.TrimSpace(f))] = true
		}
	}
	for k, vv := range in {
		lk := strings.ToLower(k)
		if hopByHopHeaders[lk] || drop[lk] || lk == "accept-encoding" {
			continue
		}
		for _, v := range vv {
			out.Add(k, v)
		}
	}
	return out
}

// IsHopByHop reports whether a response header must not be relayed to the client.
func IsHopByHop(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
