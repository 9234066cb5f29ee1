package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jnovack/offlineweb/pkg/errdefs"
)

// Fetcher performs the outbound GET used to fill the cache.
type Fetcher interface {
	Get(ctx context.Context, siteURL string, header http.Header) (*http.Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, siteURL string, header http.Header) (*http.Response, error)

// Get calls f.
func (f FetcherFunc) Get(ctx context.Context, siteURL string, header http.Header) (*http.Response, error) {
	return f(ctx, siteURL, header)
}

// FetchOptions are the per-fill parameters forwarded to the Fetcher.
type FetchOptions struct {
	Header  http.Header
	Timeout time.Duration
}

// Sink receives a cached response. http.ResponseWriter satisfies it.
type Sink interface {
	Header() http.Header
	Write([]byte) (int, error)
}

// Store is a filesystem response cache rooted at Root.
type Store struct {
	Root    string
	Fetcher Fetcher
}

// New returns a Store rooted at root that fills through f.
func New(root string, f Fetcher) *Store {
	return &Store{Root: root, Fetcher: f}
}

// skipHeaders are never persisted.
var skipHeaders = map[string]bool{
	"Connection":        true,
	"Proxy-Connection":  true,
	"Keep-Alive":        true,
	"Te":                true,
	"Trailer":           true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Content-Length":    true,
}

// streamedHeaders are copied from the header file onto a streamed response.
var streamedHeaders = []string{"Content-Type", "Access-Control-Allow-Origin"}

// IsCached reports whether a complete entry exists for siteURL.
func (s *Store) IsCached(siteURL string) (bool, error) {
	loc, err := EncodeURL(siteURL)
	if err != nil {
		return false, errdefs.Wrap(errdefs.ErrCacheRead, "is cached", err)
	}
	for _, p := range []string{loc.HeaderPath(s.Root), loc.BodyPath(s.Root)} {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return false, nil
			}
			return false, errdefs.Wrap(errdefs.ErrCacheRead, "is cached "+siteURL, err)
		}
	}
	return true, nil
}

// Save fetches siteURL and stores body and headers. The header file is committed only
// after the body is fully on disk.
func (s *Store) Save(ctx context.Context, siteURL string, opts FetchOptions) error {
	op := "save " + siteURL
	loc, err := EncodeURL(siteURL)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrCacheWrite, op, err)
	}
	if s.Fetcher == nil {
		return errdefs.Wrap(errdefs.ErrFetch, op, errors.New("no fetcher configured"))
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	if err := os.MkdirAll(filepath.Join(s.Root, loc.Host), 0o755); err != nil {
		return errdefs.Wrap(errdefs.ErrCacheWrite, op, err)
	}

	start := time.Now()
	resp, err := s.Fetcher.Get(ctx, siteURL, opts.Header)
	if err != nil {
		return fetchError(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errdefs.Wrap(errdefs.ErrFetch, op, fmt.Errorf("upstream status %d", resp.StatusCode))
	}

	tracked := &readTracker{r: resp.Body}
	decodedReader, closers, decoded, err := decodedBody(resp.Header, tracked)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrFetch, op, err)
	}
	defer closeAll(closers)
	body := &readTracker{r: decodedReader}

	if err := WriteFileAtomic(loc.BodyPath(s.Root), body); err != nil {
		if tracked.err != nil {
			return fetchError(op, tracked.err)
		}
		if body.err != nil {
			return fetchError(op, body.err)
		}
		if errdefs.IsTimeout(err) {
			return errdefs.Wrap(errdefs.ErrTimeout, op, err)
		}
		return errdefs.Wrap(errdefs.ErrCacheWrite, op, err)
	}

	headers := flattenHeaders(resp.Header, decoded)
	if err := writeJSONAtomic(loc.HeaderPath(s.Root), headers); err != nil {
		return errdefs.Wrap(errdefs.ErrCacheWrite, op, err)
	}
	log.Ctx(ctx).Debug().
		Str("url", siteURL).
		Str("file", loc.BodyPath(s.Root)).
		Bool("decoded", decoded).
		Dur("latency", time.Since(start)).
		Msg("cached response")
	return nil
}

func fetchError(op string, err error) error {
	if errdefs.IsTimeout(err) {
		return errdefs.Wrap(errdefs.ErrTimeout, op, err)
	}
	if errors.Is(err, errdefs.ErrFetch) {
		return err
	}
	return errdefs.Wrap(errdefs.ErrFetch, op, err)
}

// readTracker remembers the first read error so upstream and decoding failures are told apart
// from disk failures.
type readTracker struct {
	r   io.Reader
	err error
}

func (t *readTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}

func flattenHeaders(h http.Header, decoded bool) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		ck := http.CanonicalHeaderKey(k)
		if skipHeaders[ck] || (decoded && ck == "Content-Encoding") {
			continue
		}
		out[ck] = strings.Join(vv, ", ")
	}
	return out
}

// ReadHeaders returns the stored header map for siteURL.
func (s *Store) ReadHeaders(siteURL string) (map[string]string, error) {
	loc, err := EncodeURL(siteURL)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrCacheRead, "read headers", err)
	}
	return readHeaderFile(loc.HeaderPath(s.Root), "read headers "+siteURL)
}

func readHeaderFile(path, op string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errdefs.Wrap(errdefs.ErrCacheMiss, op, nil)
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrCacheRead, op, err)
	}
	var h map[string]string
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrCacheRead, op, err)
	}
	return h, nil
}

// Stream copies the cached entry for siteURL onto dst and returns the body size.
func (s *Store) Stream(siteURL string, dst Sink) (int64, error) {
	return s.stream(siteURL, dst, true)
}

// Head sets the cached headers for siteURL on dst without writing the body.
func (s *Store) Head(siteURL string, dst Sink) (int64, error) {
	return s.stream(siteURL, dst, false)
}

func (s *Store) stream(siteURL string, dst Sink, withBody bool) (int64, error) {
	op := "stream " + siteURL
	loc, err := EncodeURL(siteURL)
	if err != nil {
		return 0, errdefs.Wrap(errdefs.ErrCacheRead, op, err)
	}
	headers, err := readHeaderFile(loc.HeaderPath(s.Root), op)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(loc.BodyPath(s.Root))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, errdefs.Wrap(errdefs.ErrCacheMiss, op, nil)
	}
	if err != nil {
		return 0, errdefs.Wrap(errdefs.ErrCacheRead, op, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return 0, errdefs.Wrap(errdefs.ErrCacheRead, op, err)
	}

	for _, k := range streamedHeaders {
		if v, ok := lookupHeader(headers, k); ok {
			dst.Header().Set(k, v)
		}
	}
	dst.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	if !withBody {
		return fi.Size(), nil
	}
	n, err := io.Copy(dst, f)
	if err != nil {
		return n, errdefs.Wrap(errdefs.ErrStream, op, err)
	}
	return n, nil
}

func lookupHeader(h map[string]string, key string) (string, bool) {
	if v, ok := h[key]; ok {
		return v, true
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, key) {
			return h[k], true
		}
	}
	return "", false
}

// WriteFileAtomic streams r into dst via a temp file and rename.
func WriteFileAtomic(dst string, r io.Reader) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdirall %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create tmp for %s: %w", dst, err)
	}
	tmp := f.Name()
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("copy tmp %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close tmp %s: %w", tmp, err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("chmod tmp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename tmp %s -> %s: %w", tmp, dst, err)
	}
	return nil
}

func writeJSONAtomic(dst string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(dst, bytes.NewReader(b))
}
