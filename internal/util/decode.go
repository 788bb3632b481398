package util

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// DecodeResponseBody wraps a response body with the decompressor named by its
// Content-Encoding header. Amazon's endpoints answer gzip or brotli when the
// request advertises them. The caller closes the returned reader; closing it
// closes the underlying body as well.
func DecodeResponseBody(resp *http.Response) (io.ReadCloser, error) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &wrappedBody{Reader: gz, closers: []io.Closer{gz, resp.Body}}, nil
	case "br":
		return &wrappedBody{Reader: brotli.NewReader(resp.Body), closers: []io.Closer{resp.Body}}, nil
	default:
		return resp.Body, nil
	}
}

type wrappedBody struct {
	io.Reader
	closers []io.Closer
}

func (w *wrappedBody) Close() error {
	var first error
	for _, c := range w.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
