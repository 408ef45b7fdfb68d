package api

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var errBodyTooLarge = errors.New("decompressed body too large")

// GzipRequestMiddleware decompresses gzip-encoded request bodies so handlers
// can work with plain payloads, and caps the decompressed size so a tiny
// compressed body cannot expand past maxDecompressed. Invalid gzip payloads
// are rejected with a 400 response; an oversized expansion surfaces to the
// handler as a body read error.
func GzipRequestMiddleware(maxDecompressed int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			// One sentinel byte past the cap distinguishes "exactly at
			// the cap" from "over it".
			req.Body = &gzipBody{zr: gr, body: body, remaining: maxDecompressed + 1}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	if header == "" {
		return false
	}
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipBody struct {
	zr        *gzip.Reader
	body      io.Closer
	remaining int64
}

func (g *gzipBody) Read(p []byte) (int, error) {
	if g.remaining <= 0 {
		return 0, errBodyTooLarge
	}
	if int64(len(p)) > g.remaining {
		p = p[:g.remaining]
	}
	n, err := g.zr.Read(p)
	g.remaining -= int64(n)
	if err == nil && g.remaining <= 0 {
		err = errBodyTooLarge
	}
	return n, err
}

func (g *gzipBody) Close() error {
	var err error
	if g.zr != nil {
		err = g.zr.Close()
	}
	if g.body != nil {
		if cerr := g.body.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
