// Package delivery streams a durable artifact with single-range support.
package delivery

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"livecast/internal/platform/httpx"
)

var (
	ErrMalformedRange      = errors.New("malformed range")
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)

// Range is an inclusive byte window.
type Range struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in r.
func (r Range) Len() int64 { return r.End - r.Start + 1 }

// ContentRange formats r for the Content-Range header.
func (r Range) ContentRange(length int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, length)
}

// ParseRange parses a single "bytes=<start>-[<end>]" header against a
// resource of length bytes. A missing end means the last byte and an end
// past the resource is clamped. Suffix and multi-range forms are rejected
// as malformed.
func ParseRange(header string, length int64) (Range, error) {
	set, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(set, ",") {
		return Range{}, ErrMalformedRange
	}
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(set), "-")
	if !ok || startStr == "" {
		return Range{}, ErrMalformedRange
	}
	start, err := parseOffset(startStr)
	if err != nil {
		return Range{}, err
	}

	end := length - 1
	if endStr != "" {
		if end, err = parseOffset(endStr); err != nil {
			return Range{}, err
		}
		if end < start {
			return Range{}, ErrMalformedRange
		}
	}

	if start < 0 || start >= length {
		return Range{}, ErrRangeNotSatisfiable
	}
	if end >= length {
		end = length - 1
	}
	return Range{Start: start, End: end}, nil
}

func parseOffset(s string) (int64, error) {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, ErrMalformedRange
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ErrMalformedRange
	}
	return n, nil
}

// Serve writes content, a resource of length bytes, honouring a Range
// header. The body never exceeds the requested window even if content holds
// more. HEAD requests receive headers only. The returned error reports a
// failure to read or send the body after the status line was written.
func Serve(w http.ResponseWriter, r *http.Request, content io.ReadSeeker, length int64, contentType string) error {
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", "no-cache")

	header := r.Header.Get("Range")
	if header == "" {
		h.Set("Content-Type", contentType)
		h.Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusOK)
		return copyWindow(w, r, content, 0, length)
	}

	rng, err := ParseRange(header, length)
	switch {
	case errors.Is(err, ErrRangeNotSatisfiable):
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", length))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return nil
	case err != nil:
		httpx.WriteError(w, http.StatusBadRequest, httpx.ReasonMalformedRange)
		return nil
	}

	h.Set("Content-Type", contentType)
	h.Set("Content-Range", rng.ContentRange(length))
	h.Set("Content-Length", strconv.FormatInt(rng.Len(), 10))
	w.WriteHeader(http.StatusPartialContent)
	return copyWindow(w, r, content, rng.Start, rng.Len())
}

func copyWindow(w io.Writer, r *http.Request, content io.ReadSeeker, start, n int64) error {
	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := content.Seek(start, io.SeekStart); err != nil {
		return fmt.Errorf("seek to %d: %w", start, err)
	}
	if _, err := io.Copy(w, io.LimitReader(content, n)); err != nil {
		return fmt.Errorf("send body: %w", err)
	}
	return nil
}
