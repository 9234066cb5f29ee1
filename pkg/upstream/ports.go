package upstream

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jnovack/offlineweb/pkg/errdefs"
)

// Ports are the local backend ports a virtual host is published on. Zero means unset.
type Ports struct {
	HTTP  int `json:"http_port,omitempty"`
	HTTPS int `json:"https_port,omitempty"`
}

// PortResolver maps a virtual hostname to local backend ports.
type PortResolver interface {
	Resolve(host string) (Ports, bool)
}

// StaticPorts is a fixed PortResolver keyed by lowercase hostname.
type StaticPorts map[string]Ports

// Resolve implements PortResolver.
func (s StaticPorts) Resolve(host string) (Ports, bool) {
	p, ok := s[strings.ToLower(host)]
	return p, ok
}

// String renders the table in the form accepted by ParseStaticPorts.
func (s StaticPorts) String() string {
	hosts := make([]string, 0, len(s))
	for h := range s {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	var parts []string
	for _, h := range hosts {
		p := s[h]
		if p.HTTP != 0 {
			parts = append(parts, h+"="+strconv.Itoa(p.HTTP))
		}
		if p.HTTPS != 0 {
			parts = append(parts, h+"=https:"+strconv.Itoa(p.HTTPS))
		}
	}
	return strings.Join(parts, ",")
}

// ParseStaticPorts parses "host=port,host=https:port,..." entries. A bare port or an
// "http:" prefix sets the HTTP port; "https:" sets the HTTPS port. Repeated hosts merge.
func ParseStaticPorts(spec string) (StaticPorts, error) {
	out := StaticPorts{}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		host, target, ok := strings.Cut(entry, "=")
		host = strings.ToLower(strings.TrimSpace(host))
		if !ok || host == "" {
			return nil, errdefs.Wrap(errdefs.ErrConfig, "virtual host "+entry, fmt.Errorf("expected host=port"))
		}
		proto, port, hasProto := strings.Cut(strings.TrimSpace(target), ":")
		if !hasProto {
			proto, port = "http", proto
		}
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return nil, errdefs.Wrap(errdefs.ErrConfig, "virtual host "+entry, fmt.Errorf("invalid port %q", port))
		}
		p := out[host]
		switch strings.ToLower(proto) {
		case "http":
			p.HTTP = n
		case "https":
			p.HTTPS = n
		default:
			return nil, errdefs.Wrap(errdefs.ErrConfig, "virtual host "+entry, fmt.Errorf("unknown protocol %q", proto))
		}
		out[host] = p
	}
	return out, nil
}
