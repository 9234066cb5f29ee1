package app

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/offlineweb/internal/config"
	"github.com/jnovack/offlineweb/internal/helpers"
	"github.com/jnovack/offlineweb/pkg/cacheproxy"
	"github.com/jnovack/offlineweb/pkg/errdefs"
	"github.com/jnovack/offlineweb/pkg/probe"
	"github.com/jnovack/offlineweb/pkg/upstream"
)

const policy = `::includes
^https?://example\.com/inc/
^http://127\.0\.0\.1:\d+/inc/
::excludes
/inc/ads/
::directs
/api/
`

func baseConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	certPath, keyPath := helpers.WriteAuthority(t, helpers.NewAuthority(t), dir)
	return &config.Config{
		Addr:          "127.0.0.1:0",
		TLSAddr:       "127.0.0.1:0",
		AdminAddr:     "127.0.0.1:0",
		CACert:        certPath,
		CAKey:         keyPath,
		LeafDN:        "/C=US/O=offlineweb tests",
		CertCache:     filepath.Join(dir, "certs"),
		ResponseCache: filepath.Join(dir, "cache"),
		URLConfig:     helpers.WriteFile(t, dir, "url.config", policy),
		Timeout:       5 * time.Second,
		ProbeHost:     probe.DefaultHost,
		ProbeTimeout:  time.Second,
		CaptureSize:   10,
	}
}

func startApp(t *testing.T, cfg *config.Config, o Options) *App {
	t.Helper()
	a, err := New(cfg, o)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestInterceptedHTTPSMissThenHit(t *testing.T) {
	origin := helpers.NewOrigin(t, "secure ", true)
	_, port, err := net.SplitHostPort(origin.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	cfg := baseConfig(t, t.TempDir())
	cfg.VirtualHosts = upstream.StaticPorts{"example.com": {HTTPS: p}}
	online := probe.Static(true)
	a := startApp(t, cfg, Options{Transport: helpers.OriginTransport(origin), Probe: &online})

	client := helpers.InterceptingClient(t, a.Addr("tls"), a.Authority.PEM())
	resp, err := client.Get("https://example.com/inc/page")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, cacheproxy.OutcomeMiss, resp.Header.Get("X-Cache"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "secure /inc/page", helpers.ReadBody(t, resp))

	leaf := resp.TLS.PeerCertificates[0]
	assert.Equal(t, "example.com", leaf.Subject.CommonName)
	assert.Equal(t, []string{"offlineweb tests"}, leaf.Subject.Organization)

	origin.Close()
	online = false
	resp, err = client.Get("https://example.com/inc/page")
	require.NoError(t, err)
	assert.Equal(t, cacheproxy.OutcomeHit, resp.Header.Get("X-Cache"))
	assert.Equal(t, "secure /inc/page", helpers.ReadBody(t, resp))

	resp, err = client.Get("https://example.com/inc/other")
	require.NoError(t, err)
	assert.Equal(t, cacheproxy.StatusOffline, resp.StatusCode)
	helpers.ReadBody(t, resp)

	resp, err = client.Get("https://example.com/inc/ads/banner")
	require.NoError(t, err)
	assert.Equal(t, cacheproxy.StatusExcluded, resp.StatusCode)
	helpers.ReadBody(t, resp)
}

func TestForwardProxyHTTP(t *testing.T) {
	origin := helpers.NewOrigin(t, "plain ", false)
	cfg := baseConfig(t, t.TempDir())
	cfg.TLSAddr = ""
	cfg.AdminAddr = ""
	a := startApp(t, cfg, Options{Probe: probe.Static(true)})
	assert.Empty(t, a.Addr("tls"))

	client := helpers.ForwardProxyClient(a.Addr("http"))
	resp, err := client.Get(origin.URL + "/inc/a")
	require.NoError(t, err)
	assert.Equal(t, cacheproxy.OutcomeMiss, resp.Header.Get("X-Cache"))
	assert.Equal(t, "plain /inc/a", helpers.ReadBody(t, resp))

	resp, err = client.Get(origin.URL + "/api/v1")
	require.NoError(t, err)
	assert.Equal(t, cacheproxy.OutcomeDirect, resp.Header.Get("X-Cache"))
	assert.Equal(t, "plain /api/v1", helpers.ReadBody(t, resp))

	cached, err := a.Cache.IsCached(origin.URL + "/inc/a")
	require.NoError(t, err)
	assert.True(t, cached)
}

func TestAdminEndpoints(t *testing.T) {
	cfg := baseConfig(t, t.TempDir())
	cfg.Addr = ""
	cfg.TLSAddr = ""
	a := startApp(t, cfg, Options{Probe: probe.Static(false)})
	base := "http://" + a.Addr("admin")

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	helpers.ReadBody(t, resp)

	resp, err = http.Get(base + "/cert")
	require.NoError(t, err)
	block, _ := pem.Decode([]byte(helpers.ReadBody(t, resp)))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.True(t, cert.IsCA)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	assert.Contains(t, helpers.ReadBody(t, resp), `offlineweb_rules{section="includes"} 2`)

	resp, err = http.Get(base + "/varz")
	require.NoError(t, err)
	assert.Contains(t, helpers.ReadBody(t, resp), `"url_config"`)
}

func TestReloadRules(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(t, dir)
	a, err := New(cfg, Options{Probe: probe.Static(true)})
	require.NoError(t, err)
	assert.True(t, a.Rules.Classify("https://example.com/inc/x").Include)

	helpers.WriteFile(t, dir, "url.config", "::includes\nexample\\.org\n")
	require.NoError(t, a.ReloadRules())
	assert.False(t, a.Rules.Classify("https://example.com/inc/x").Include)
	assert.True(t, a.Rules.Classify("https://example.org/").Include)

	helpers.WriteFile(t, dir, "url.config", "(broken\n")
	assert.ErrorIs(t, a.ReloadRules(), errdefs.ErrConfig)
	assert.True(t, a.Rules.Classify("https://example.org/").Include)
}

func TestLoadAuthority(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		CACert: filepath.Join(dir, "ca.crt"),
		CAKey:  filepath.Join(dir, "ca.key"),
		CADN:   "/CN=Generated CA/O=offlineweb",
		LeafDN: "/O=Leaf Org",
	}
	_, err := LoadAuthority(cfg)
	assert.ErrorIs(t, err, errdefs.ErrConfig, "missing files without -gen-ca")

	existing := helpers.NewAuthority(t)
	helpers.WriteAuthority(t, existing, dir)
	a, err := LoadAuthority(cfg)
	require.NoError(t, err)
	assert.Equal(t, existing.Cert.SerialNumber, a.Cert.SerialNumber)
	assert.Equal(t, []string{"Leaf Org"}, a.Subject.Organization)
}

func TestStartFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := baseConfig(t, t.TempDir())
	cfg.TLSAddr = ""
	cfg.AdminAddr = ln.Addr().String()
	a, err := New(cfg, Options{Probe: probe.Static(true)})
	require.NoError(t, err)
	err = a.Start()
	assert.ErrorIs(t, err, errdefs.ErrConfig)
}
