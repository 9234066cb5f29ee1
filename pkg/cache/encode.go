// Package cache stores upstream responses on disk, keyed by URL.
//
// Layout under the cache root:
//
//	<encoded host>/<encoded path+query>          body
//	<encoded host>/<encoded path+query>.headers  JSON header map
//
// The header file is written last and marks an entry as complete.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"

	"golang.org/x/net/idna"
)

// MaxFilenameLength is the longest encoded filename kept verbatim; longer ones are hashed.
const MaxFilenameLength = 128

const headerSuffix = ".headers"

// Location is where a URL lives inside the cache root.
type Location struct {
	Host     string
	Filename string
}

// BodyPath returns the body file path under root.
func (l Location) BodyPath(root string) string {
	return filepath.Join(root, l.Host, l.Filename)
}

// HeaderPath returns the header side file path under root.
func (l Location) HeaderPath(root string) string {
	return l.BodyPath(root) + headerSuffix
}

// EncodeURL maps a site URL to its cache location. Scheme, credentials and fragment do not
// take part; the host keeps its port.
func EncodeURL(siteURL string) (Location, error) {
	u, err := url.Parse(siteURL)
	if err != nil {
		return Location{}, fmt.Errorf("parse %q: %w", siteURL, err)
	}
	if u.Host == "" {
		return Location{}, fmt.Errorf("parse %q: missing host", siteURL)
	}
	name := EncodeComponent(u.RequestURI())
	if len(name) > MaxFilenameLength {
		sum := sha256.Sum256([]byte(name))
		name = hex.EncodeToString(sum[:])
	}
	return Location{Host: EncodeComponent(normalizeHost(u.Host)), Filename: name}, nil
}

func normalizeHost(hostport string) string {
	host, port := hostport, ""
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		host, port = h, p
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if net.ParseIP(host) == nil {
		if a, err := idna.Lookup.ToASCII(host); err == nil {
			host = a
		}
	}
	if port == "" {
		return host
	}
	return net.JoinHostPort(host, port)
}

// EncodeComponent percent-encodes every byte outside A-Z a-z 0-9 and -_.!~*'().
func EncodeComponent(s string) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()", c) >= 0
}
