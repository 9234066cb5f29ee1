// Package config parses the offlineweb command line. Every flag can also be
// set through an OFFLINEWEB_<NAME> environment variable or a -config file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jnovack/flag"

	"github.com/jnovack/offlineweb/pkg/ca"
	"github.com/jnovack/offlineweb/pkg/errdefs"
	"github.com/jnovack/offlineweb/pkg/probe"
	"github.com/jnovack/offlineweb/pkg/upstream"
)

// EnvPrefix is prepended to upper-cased flag names to form environment variables.
const EnvPrefix = "OFFLINEWEB"

// Config is the effective configuration, rendered as JSON by /varz.
type Config struct {
	Addr      string `json:"addr"`
	TLSAddr   string `json:"tls_addr"`
	AdminAddr string `json:"admin_addr"`

	CACert string `json:"ca_cert"`
	CAKey  string `json:"ca_key"`
	GenCA  bool   `json:"gen_ca"`
	CADN   string `json:"ca_dn"`
	LeafDN string `json:"leaf_dn"`

	CertCache     string `json:"cert_cache"`
	ResponseCache string `json:"response_cache"`
	URLConfig     string `json:"url_config"`

	Timeout      time.Duration        `json:"timeout"`
	ProbeHost    string               `json:"probe_host"`
	ProbeTimeout time.Duration        `json:"probe_timeout"`
	Offline      bool                 `json:"offline"`
	VirtualHosts upstream.StaticPorts `json:"virtual_hosts"`

	LogLevel string `json:"log_level"`
	LogDir   string `json:"log_dir"`

	CaptureSize int `json:"capture_size"`
}

// Load parses args (without the program name).
func Load(name string, args []string, stderr io.Writer) (*Config, error) {
	c := &Config{}
	fs := flag.NewFlagSetWithEnvPrefix(name, EnvPrefix, flag.ContinueOnError)
	if stderr != nil {
		fs.SetOutput(stderr)
	}
	var vhosts string

	fs.String(flag.DefaultConfigFlagname, "", "path to a config file of flag=value lines")
	fs.StringVar(&c.Addr, "addr", ":3129", "plain HTTP listen address")
	fs.StringVar(&c.TLSAddr, "tls-addr", ":3130", "TLS listen address for intercepted HTTPS")
	fs.StringVar(&c.AdminAddr, "admin-addr", ":8080", "admin HTTP listen address (empty disables)")
	fs.StringVar(&c.CACert, "ca-cert", "ca.crt", "CA certificate PEM")
	fs.StringVar(&c.CAKey, "ca-key", "ca.key", "CA private key PEM")
	fs.BoolVar(&c.GenCA, "gen-ca", false, "generate the CA files when they do not exist")
	fs.StringVar(&c.CADN, "ca-dn", "/CN=offlineweb CA/O=offlineweb", "subject of a generated CA")
	fs.StringVar(&c.LeafDN, "leaf-dn", ca.DefaultLeafDN, "subject fields of issued host certificates")
	fs.StringVar(&c.CertCache, "cert-cache", "./certs", "host certificate cache directory")
	fs.StringVar(&c.ResponseCache, "response-cache", "./cache", "response cache directory")
	fs.StringVar(&c.URLConfig, "url-config", "url.config", "policy file of includes, excludes, nocaches and directs")
	fs.DurationVar(&c.Timeout, "timeout", upstream.DefaultTimeout, "upstream fetch timeout")
	fs.StringVar(&c.ProbeHost, "probe-host", probe.DefaultHost, "hostname resolved to detect connectivity")
	fs.DurationVar(&c.ProbeTimeout, "probe-timeout", probe.DefaultTimeout, "connectivity probe timeout")
	fs.BoolVar(&c.Offline, "offline", false, "never contact origins for cacheable URLs")
	fs.StringVar(&vhosts, "virtual-hosts", "", "local port remaps: host=port,host=https:port")
	fs.StringVar(&c.LogLevel, "log-level", "info", "log level: trace|debug|info|warn|error")
	fs.StringVar(&c.LogDir, "log-dir", "", "directory for error.log and access.log (empty disables)")
	fs.IntVar(&c.CaptureSize, "capture-size", 1000, "recent requests kept for /requests")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, err
		}
		return nil, errdefs.Wrap(errdefs.ErrConfig, "parse flags", err)
	}
	if fs.NArg() > 0 {
		return nil, errdefs.Wrap(errdefs.ErrConfig, "parse flags", fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " ")))
	}

	ports, err := upstream.ParseStaticPorts(vhosts)
	if err != nil {
		return nil, err
	}
	c.VirtualHosts = ports
	return c, c.Validate()
}

// Validate checks required values.
func (c *Config) Validate() error {
	var problems []string
	if c.Addr == "" && c.TLSAddr == "" {
		problems = append(problems, "at least one of addr and tls-addr is required")
	}
	if c.CACert == "" || c.CAKey == "" {
		problems = append(problems, "ca-cert and ca-key are required")
	}
	if c.CertCache == "" {
		problems = append(problems, "cert-cache is required")
	}
	if c.ResponseCache == "" {
		problems = append(problems, "response-cache is required")
	}
	if c.URLConfig == "" {
		problems = append(problems, "url-config is required")
	}
	if c.Timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}
	if c.ProbeTimeout <= 0 {
		problems = append(problems, "probe-timeout must be positive")
	}
	if _, err := ca.ParseSubject(c.LeafDN); err != nil {
		problems = append(problems, "leaf-dn: "+err.Error())
	}
	if c.GenCA {
		if _, err := ca.ParseDN(c.CADN); err != nil {
			problems = append(problems, "ca-dn: "+err.Error())
		}
	}
	if len(problems) > 0 {
		return errdefs.Wrap(errdefs.ErrConfig, "validate", errors.New(strings.Join(problems, "; ")))
	}
	return nil
}

// FileExists reports whether path names an existing regular file.
func FileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
