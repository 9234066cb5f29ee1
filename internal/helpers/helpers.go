// Package helpers holds test fixtures shared by package and integration tests.
package helpers

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jnovack/offlineweb/pkg/ca"
)

// ReservePort returns an available local TCP port by briefly listening and closing.
func ReservePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "reserve a local port")
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// NewAuthority creates a 2048-bit test CA.
func NewAuthority(t *testing.T) *ca.Authority {
	t.Helper()
	a, err := ca.GenerateRootCA(pkix.Name{CommonName: "Test Root CA", Organization: []string{"offlineweb tests"}}, 2048)
	require.NoError(t, err, "generate root CA")
	return a
}

// WriteAuthority saves a's certificate and key under dir and returns their paths.
func WriteAuthority(t *testing.T, a *ca.Authority, dir string) (certPath, keyPath string) {
	t.Helper()
	certPath = filepath.Join(dir, "ca.crt")
	keyPath = filepath.Join(dir, "ca.key")
	require.NoError(t, a.SaveCertificate(certPath))
	require.NoError(t, a.SaveKey(keyPath))
	return certPath, keyPath
}

// WriteFile writes content to dir/name and returns the path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// NewOrigin starts an HTTP or HTTPS test origin serving "<prefix><path>" as text/plain.
func NewOrigin(t *testing.T, prefix string, withTLS bool) *httptest.Server {
	t.Helper()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		_, _ = io.WriteString(w, prefix+r.URL.Path)
	})
	var srv *httptest.Server
	if withTLS {
		srv = httptest.NewTLSServer(handler)
	} else {
		srv = httptest.NewServer(handler)
	}
	t.Cleanup(srv.Close)
	return srv
}

// OriginTransport returns a transport trusting the certificate of a TLS test origin.
func OriginTransport(srv *httptest.Server) *http.Transport {
	cp := x509.NewCertPool()
	cp.AddCert(srv.Certificate())
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{RootCAs: cp}
	return tr
}

// InterceptingClient returns a client that sends every HTTPS request to the
// TLS listener at proxyAddr and trusts only caPEM.
func InterceptingClient(t *testing.T, proxyAddr string, caPEM []byte) *http.Client {
	t.Helper()
	cp := x509.NewCertPool()
	require.True(t, cp.AppendCertsFromPEM(caPEM), "append CA to pool")
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, proxyAddr)
			},
			TLSClientConfig: &tls.Config{RootCAs: cp, MinVersion: tls.VersionTLS12},
		},
		Timeout: 10 * time.Second,
	}
}

// ForwardProxyClient returns a client that sends plain HTTP requests through proxyAddr in absolute form.
func ForwardProxyClient(proxyAddr string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(&url.URL{Scheme: "http", Host: proxyAddr}),
		},
		Timeout: 10 * time.Second,
	}
}

// ReadBody reads and closes resp.Body.
func ReadBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}
