package issuer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/offlineweb/pkg/ca"
	"github.com/jnovack/offlineweb/pkg/certcache"
	"github.com/jnovack/offlineweb/pkg/errdefs"
)

// countingAuthority wraps a real CA, counts issuances and can hold them until released.
type countingAuthority struct {
	*ca.Authority
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	fail    error
}

func (c *countingAuthority) Issue(cn string) (*ca.HostCertificate, error) {
	c.calls.Add(1)
	if c.started != nil {
		c.started <- struct{}{}
	}
	if c.release != nil {
		<-c.release
	}
	if c.fail != nil {
		return nil, errdefs.Wrap(errdefs.ErrIssuance, "issue "+cn, c.fail)
	}
	return c.Authority.Issue(cn)
}

type recordingMetrics struct {
	mu   sync.Mutex
	seen map[string]int
}

func (r *recordingMetrics) IncCertificate(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = map[string]int{}
	}
	r.seen[outcome]++
}

func (r *recordingMetrics) count(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[outcome]
}

func newAuthority(t *testing.T) *countingAuthority {
	t.Helper()
	a, err := ca.GenerateRootCA(pkix.Name{CommonName: "issuer test root"}, 2048)
	require.NoError(t, err)
	return &countingAuthority{Authority: a}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	auth := newAuthority(t)
	m := &recordingMetrics{}
	c := New(auth, certcache.New(t.TempDir()), m)
	ctx := context.Background()

	first, err := c.GetOrCreate(ctx, "example.test")
	require.NoError(t, err)
	second, err := c.GetOrCreate(ctx, "example.test")
	require.NoError(t, err)

	assert.Equal(t, first.CertificatePEM, second.CertificatePEM)
	assert.Equal(t, first.PrivateKeyPEM, second.PrivateKeyPEM)
	assert.EqualValues(t, 1, auth.calls.Load(), "authority must not be re-invoked on a cache hit")
	assert.Equal(t, 1, m.count("issued"))
	assert.Equal(t, 1, m.count("hit"))
}

func TestGetOrCreateRecoversFromMissingKey(t *testing.T) {
	dir := t.TempDir()
	auth := newAuthority(t)
	stray, err := auth.Authority.Issue("example.test")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "example.test"), stray.CertificatePEM, 0o644))

	c := New(auth, certcache.New(dir), nil)
	got, err := c.GetOrCreate(context.Background(), "example.test")
	require.NoError(t, err)
	assert.NotEqual(t, stray.CertificatePEM, got.CertificatePEM)

	again, err := c.GetOrCreate(context.Background(), "example.test")
	require.NoError(t, err)
	assert.Equal(t, got.CertificatePEM, again.CertificatePEM)
	assert.EqualValues(t, 1, auth.calls.Load())
}

func TestGetOrCreateCoalescedConcurrent(t *testing.T) {
	auth := newAuthority(t)
	auth.started = make(chan struct{}, 8)
	auth.release = make(chan struct{})
	c := New(auth, certcache.New(t.TempDir()), nil)

	const callers = 3
	results := make([]*ca.HostCertificate, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCreateCoalesced(context.Background(), "example2.test")
		}(i)
	}

	<-auth.started
	time.Sleep(50 * time.Millisecond)
	close(auth.release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].CertificatePEM, results[i].CertificatePEM)
		assert.Equal(t, results[0].PrivateKeyPEM, results[i].PrivateKeyPEM)
	}
	assert.EqualValues(t, 1, auth.calls.Load(), "exactly one issuance per hostname")
}

func TestGetOrCreateCoalescedHonoursContext(t *testing.T) {
	auth := newAuthority(t)
	auth.started = make(chan struct{}, 1)
	auth.release = make(chan struct{})
	c := New(auth, certcache.New(t.TempDir()), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.GetOrCreateCoalesced(ctx, "slow.test")
	require.Error(t, err)
	assert.True(t, errdefs.IsTimeout(err))

	<-auth.started
	close(auth.release)

	// the detached issuance still completes and is cached
	require.Eventually(t, func() bool {
		_, err := c.cache.Load("slow.test")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestIssuanceErrorPropagates(t *testing.T) {
	auth := newAuthority(t)
	auth.fail = errors.New("entropy exhausted")
	c := New(auth, certcache.New(t.TempDir()), nil)

	_, err := c.GetOrCreateCoalesced(context.Background(), "broken.test")
	assert.ErrorIs(t, err, errdefs.ErrIssuance)

	// nothing is remembered after a failure
	auth.fail = nil
	_, err = c.GetOrCreateCoalesced(context.Background(), "broken.test")
	assert.NoError(t, err)
	assert.EqualValues(t, 2, auth.calls.Load())
}

func TestCacheWriteErrorPropagates(t *testing.T) {
	auth := newAuthority(t)
	c := New(auth, certcache.New(t.TempDir()+"/missing"), nil)
	_, err := c.GetOrCreate(context.Background(), "example.test")
	assert.ErrorIs(t, err, errdefs.ErrCacheWrite)
}

func TestNormalizeHost(t *testing.T) {
	assert.Equal(t, "example.test", NormalizeHost("Example.TEST."))
	assert.Equal(t, "xn--bcher-kva.example", NormalizeHost("bücher.example"))
	assert.Equal(t, "203.0.113.7", NormalizeHost("203.0.113.7"))
}

func handshake(t *testing.T, c *Coordinator, roots *x509.CertPool, serverName string) error {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{GetCertificate: c.GetCertificate})
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_ = conn.(*tls.Conn).Handshake()
		_ = conn.Close()
	}()

	d := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := tls.DialWithDialer(d, "tcp", ln.Addr().String(), &tls.Config{ServerName: serverName, RootCAs: roots})
	if err != nil {
		return err
	}
	return conn.Close()
}

func TestGetCertificateHandshake(t *testing.T) {
	auth := newAuthority(t)
	c := New(auth, certcache.New(t.TempDir()), nil)
	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(auth.PEM()))

	require.NoError(t, handshake(t, c, roots, "website.example.org"))
	require.NoError(t, handshake(t, c, roots, "website.example.org"))
	assert.EqualValues(t, 1, auth.calls.Load())
}

func TestGetCertificateFailsClosed(t *testing.T) {
	auth := newAuthority(t)
	auth.fail = errors.New("no key material")
	m := &recordingMetrics{}
	c := New(auth, certcache.New(t.TempDir()), m)
	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(auth.PEM()))

	err := handshake(t, c, roots, "website.example.org")
	assert.Error(t, err, "handshake must not complete without a certificate")
	assert.Equal(t, 1, m.count("error"))
}
