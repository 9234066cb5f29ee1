//go:build integration

// End-to-end runs of the assembled proxy:
// 1. Parse flags the way the binary does, with file logging enabled
// 2. Fetch an intercepted HTTPS page from many clients at once
// 3. Assert one certificate issuance and one cached copy
// 4. Restart in -offline mode on the same directories and serve from cache
// 5. Check access.log, the certificate cache and the admin endpoints

package integrations

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/offlineweb/internal/app"
	"github.com/jnovack/offlineweb/internal/config"
	"github.com/jnovack/offlineweb/internal/helpers"
	"github.com/jnovack/offlineweb/pkg/cacheproxy"
	"github.com/jnovack/offlineweb/pkg/logging"
)

const policy = `# integration policy
::includes
^https://example\.com/
::nocaches
/live$
`

func loadConfig(t *testing.T, dir string, extra ...string) *config.Config {
	t.Helper()
	args := []string{
		"-addr", "127.0.0.1:0",
		"-tls-addr", "127.0.0.1:0",
		"-admin-addr", "127.0.0.1:0",
		"-ca-cert", filepath.Join(dir, "ca.crt"),
		"-ca-key", filepath.Join(dir, "ca.key"),
		"-cert-cache", filepath.Join(dir, "certs"),
		"-response-cache", filepath.Join(dir, "cache"),
		"-url-config", helpers.WriteFile(t, dir, "url.config", policy),
		"-log-dir", filepath.Join(dir, "logs"),
		"-timeout", "5s",
	}
	cfg, err := config.Load("offlineweb", append(args, extra...), io.Discard)
	require.NoError(t, err)
	return cfg
}

func start(t *testing.T, cfg *config.Config, o app.Options) *app.App {
	t.Helper()
	a, err := app.New(cfg, o)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestOnlineThenOffline(t *testing.T) {
	dir := t.TempDir()
	origin := helpers.NewOrigin(t, "origin ", true)
	_, port, err := net.SplitHostPort(origin.Listener.Addr().String())
	require.NoError(t, err)
	vhosts := "example.com=https:" + port

	cfg := loadConfig(t, dir, "-gen-ca", "-virtual-hosts", vhosts, "-probe-host", "localhost")
	logs, err := logging.Setup(logging.Options{Level: "debug", Dir: cfg.LogDir, Console: io.Discard})
	require.NoError(t, err)
	defer logs.Close()

	online := start(t, cfg, app.Options{AccessLog: &logs.Access, Transport: helpers.OriginTransport(origin)})
	caPEM := online.Authority.PEM()

	const clients = 8
	var wg sync.WaitGroup
	bodies := make([]string, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := helpers.InterceptingClient(t, online.Addr("tls"), caPEM)
			resp, err := c.Get("https://example.com/shared/page.html")
			if err != nil {
				t.Errorf("client %d: %v", i, err)
				return
			}
			bodies[i] = helpers.ReadBody(t, resp)
		}(i)
	}
	wg.Wait()
	for _, b := range bodies {
		assert.Equal(t, "origin /shared/page.html", b)
	}

	c := helpers.InterceptingClient(t, online.Addr("tls"), caPEM)
	resp, err := c.Get("https://example.com/live")
	require.NoError(t, err)
	assert.Equal(t, cacheproxy.OutcomeDirect, resp.Header.Get("X-Cache"))
	helpers.ReadBody(t, resp)

	certFiles, err := filepath.Glob(filepath.Join(cfg.CertCache, "example.com*"))
	require.NoError(t, err)
	assert.Len(t, certFiles, 2, "certificate and key for example.com")

	resp, err = http.Get("http://" + online.Addr("admin") + "/metrics")
	require.NoError(t, err)
	metrics := helpers.ReadBody(t, resp)
	assert.Contains(t, metrics, `offlineweb_certificates_total{outcome="issued"} 1`)
	assert.Contains(t, metrics, `offlineweb_cache_fills_total{result="stored"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	require.NoError(t, online.Shutdown(ctx))
	cancel()
	origin.Close()

	offCfg := loadConfig(t, dir, "-offline")
	offline := start(t, offCfg, app.Options{AccessLog: &logs.Access})
	assert.Equal(t, caPEM, offline.Authority.PEM(), "CA reloaded from disk")

	c = helpers.InterceptingClient(t, offline.Addr("tls"), caPEM)
	resp, err = c.Get("https://example.com/shared/page.html")
	require.NoError(t, err)
	assert.Equal(t, cacheproxy.OutcomeHit, resp.Header.Get("X-Cache"))
	assert.Equal(t, "origin /shared/page.html", helpers.ReadBody(t, resp))

	resp, err = c.Get("https://example.com/never-seen")
	require.NoError(t, err)
	assert.Equal(t, cacheproxy.StatusOffline, resp.StatusCode)
	helpers.ReadBody(t, resp)

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + offline.Addr("admin") + "/requests")
		if err != nil {
			return false
		}
		return strings.Contains(helpers.ReadBody(t, resp), `"outcome": "OFFLINE"`)
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, logs.Close())
	access, err := os.ReadFile(filepath.Join(cfg.LogDir, logging.AccessLogName))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(access)), "\n")
	assert.Len(t, lines, clients+3)
	assert.Contains(t, string(access), `"outcome":"HIT"`)
	assert.Contains(t, string(access), `"outcome":"OFFLINE"`)
}
