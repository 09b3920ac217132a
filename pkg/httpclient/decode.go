package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

const (
	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"
)

// decoders maps a Content-Encoding to a reader that undoes it.
var decoders = map[string]func(io.Reader) (io.Reader, error){
	EncodingGzip: func(r io.Reader) (io.Reader, error) {
		return gzip.NewReader(r)
	},
	EncodingDeflate: func(r io.Reader) (io.Reader, error) {
		return flate.NewReader(r), nil
	},
	EncodingBrotli: func(r io.Reader) (io.Reader, error) {
		return brotli.NewReader(r), nil
	},
}

// wrapBody decodes the body and applies the size ceiling. The ceiling is
// applied to decoded bytes so a small compressed body cannot expand unbounded.
func (c *Client) wrapBody(resp *http.Response) *http.Response {
	if c.config.EnableDecompression {
		resp.Body = c.decode(resp)
	}
	if c.config.MaxResponseSize > 0 {
		resp.Body = &limitedBody{ReadCloser: resp.Body, remaining: c.config.MaxResponseSize}
	}
	return resp
}

func (c *Client) decode(resp *http.Response) io.ReadCloser {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get(HeaderContentEncoding)))
	if encoding == "" || encoding == "identity" {
		return resp.Body
	}
	newReader, ok := decoders[encoding]
	if !ok {
		c.logger.Debug("unknown content encoding, returning raw body", slog.String("encoding", encoding))
		return resp.Body
	}
	r, err := newReader(resp.Body)
	if err != nil {
		c.logger.Warn("failed to decode response body, returning raw body",
			slog.String("encoding", encoding),
			slog.Any("error", err))
		return resp.Body
	}
	// The decoded length is unknown.
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	return &decodedBody{Reader: r, body: resp.Body}
}

// decodedBody reads decoded bytes and closes both the decoder and the body.
type decodedBody struct {
	io.Reader
	body io.Closer
}

func (d *decodedBody) Close() error {
	if c, ok := d.Reader.(io.Closer); ok {
		c.Close()
	}
	return d.body.Close()
}

// limitedBody fails with ErrResponseTooLarge once more than the limit is read.
type limitedBody struct {
	io.ReadCloser
	remaining int64
	exceeded  bool
}

func (l *limitedBody) Read(p []byte) (int, error) {
	if l.exceeded {
		return 0, ErrResponseTooLarge
	}
	n, err := l.ReadCloser.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		l.exceeded = true
		return n, ErrResponseTooLarge
	}
	return n, err
}
