// Package certcache persists issued leaf certificates on disk, one pair of files per hostname:
//
//	<root>/<hostname>      certificate PEM
//	<root>/<hostname>.key  private key PEM
//
// The cache root must already exist. Entries are append-only unless a forced store is requested.
package certcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jnovack/offlineweb/pkg/ca"
	"github.com/jnovack/offlineweb/pkg/errdefs"
)

const keySuffix = ".key"

// Store is a filesystem-backed certificate cache rooted at Root.
type Store struct {
	Root string
}

// New returns a Store rooted at root.
func New(root string) *Store {
	return &Store{Root: root}
}

func (s *Store) paths(host string) (string, string, error) {
	if host == "" || host == "." || host == ".." || strings.ContainsAny(host, `/\`) || strings.Contains(host, "..") {
		return "", "", fmt.Errorf("invalid hostname %q", host)
	}
	p := filepath.Join(s.Root, host)
	return p, p + keySuffix, nil
}

// Load reads the certificate for host. A missing entry yields errdefs.ErrCacheMiss.
func (s *Store) Load(host string) (*ca.HostCertificate, error) {
	op := "load certificate " + host
	certPath, keyPath, err := s.paths(host)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrCacheRead, op, err)
	}
	certPEM, err := os.ReadFile(certPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errdefs.Wrap(errdefs.ErrCacheMiss, op, nil)
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrCacheRead, op, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errdefs.Wrap(errdefs.ErrCacheMiss, op, nil)
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrCacheRead, op, err)
	}
	h, err := ca.ParseHostCertificate(certPEM, keyPEM)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrCacheRead, op, err)
	}
	h.Hostname = host
	return h, nil
}

// Store writes cert under host. An existing entry is left alone unless force is set;
// the returned bool reports whether anything was written.
// An entry counts as existing only when both files are present; a certificate left
// without its key is overwritten.
func (s *Store) Store(host string, cert *ca.HostCertificate, force bool) (bool, error) {
	op := "store certificate " + host
	if cert == nil {
		return false, errdefs.Wrap(errdefs.ErrCacheWrite, op, errors.New("nil certificate"))
	}
	fi, err := os.Stat(s.Root)
	if err != nil {
		return false, errdefs.Wrap(errdefs.ErrCacheWrite, op, err)
	}
	if !fi.IsDir() {
		return false, errdefs.Wrap(errdefs.ErrCacheWrite, op, fmt.Errorf("%s is not a directory", s.Root))
	}
	certPath, keyPath, err := s.paths(host)
	if err != nil {
		return false, errdefs.Wrap(errdefs.ErrCacheWrite, op, err)
	}
	if !force && exists(certPath) && exists(keyPath) {
		return false, nil
	}
	if err := writeAtomic(keyPath, cert.PrivateKeyPEM, 0o600); err != nil {
		return false, errdefs.Wrap(errdefs.ErrCacheWrite, op, err)
	}
	if err := writeAtomic(certPath, cert.CertificatePEM, 0o644); err != nil {
		return false, errdefs.Wrap(errdefs.ErrCacheWrite, op, err)
	}
	return true, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeAtomic(path string, b []byte, mode os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write tmp %s: %w", tmp, err)
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("chmod tmp %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close tmp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename tmp %s -> %s: %w", tmp, path, err)
	}
	return nil
}
