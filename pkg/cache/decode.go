package cache

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// decodedBody unwraps every Content-Encoding layer of body so the cache holds identity bytes.
// When an encoding is unknown the body is returned untouched and decoded is false.
func decodedBody(h http.Header, body io.Reader) (r io.Reader, closers []io.Closer, decoded bool, err error) {
	encodings := contentEncodings(h)
	if len(encodings) == 0 {
		return body, nil, false, nil
	}
	for _, enc := range encodings {
		if _, ok := decoders[enc]; !ok {
			return body, nil, false, nil
		}
	}
	r = body
	for i := len(encodings) - 1; i >= 0; i-- {
		rc, err := decoders[encodings[i]](r)
		if err != nil {
			closeAll(closers)
			return nil, nil, false, err
		}
		closers = append(closers, rc)
		r = rc
	}
	return r, closers, true, nil
}

func contentEncodings(h http.Header) []string {
	var out []string
	for _, v := range h.Values("Content-Encoding") {
		for _, p := range strings.Split(v, ",") {
			p = strings.ToLower(strings.TrimSpace(p))
			if p != "" && p != "identity" {
				out = append(out, p)
			}
		}
	}
	return out
}

var decoders = map[string]func(io.Reader) (io.ReadCloser, error){
	"gzip": func(r io.Reader) (io.ReadCloser, error) {
		return gzip.NewReader(r)
	},
	"x-gzip": func(r io.Reader) (io.ReadCloser, error) {
		return gzip.NewReader(r)
	},
	"deflate": zlib.NewReader,
	"br": func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(brotli.NewReader(r)), nil
	},
	"zstd": func(r io.Reader) (io.ReadCloser, error) {
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	},
}

func closeAll(cs []io.Closer) {
	for i := len(cs) - 1; i >= 0; i-- {
		_ = cs[i].Close()
	}
}
