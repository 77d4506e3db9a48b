package delivery

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func artifact(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func serve(t *testing.T, method, rangeHeader string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/file", nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	rec := httptest.NewRecorder()
	if err := Serve(rec, req, bytes.NewReader(content), int64(len(content)), "video/webm"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	return rec
}

func TestServe_ranges(t *testing.T) {
	data := artifact(1000)

	tests := []struct {
		name          string
		header        string
		wantStatus    int
		wantRange     string
		wantLength    string
		wantBody      []byte
		wantEmptyBody bool
	}{
		{
			name:       "first hundred bytes",
			header:     "bytes=0-99",
			wantStatus: http.StatusPartialContent,
			wantRange:  "bytes 0-99/1000",
			wantLength: "100",
			wantBody:   data[:100],
		},
		{
			name:       "end clamped",
			header:     "bytes=950-2000",
			wantStatus: http.StatusPartialContent,
			wantRange:  "bytes 950-999/1000",
			wantLength: "50",
			wantBody:   data[950:],
		},
		{
			name:       "open ended",
			header:     "bytes=990-",
			wantStatus: http.StatusPartialContent,
			wantRange:  "bytes 990-999/1000",
			wantLength: "10",
			wantBody:   data[990:],
		},
		{
			name:          "start past end",
			header:        "bytes=1000-1010",
			wantStatus:    http.StatusRequestedRangeNotSatisfiable,
			wantRange:     "bytes */1000",
			wantEmptyBody: true,
		},
		{
			name:       "no range",
			wantStatus: http.StatusOK,
			wantLength: "1000",
			wantBody:   data,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, http.MethodGet, tt.header, data)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Content-Range"); got != tt.wantRange {
				t.Errorf("Content-Range = %q, want %q", got, tt.wantRange)
			}
			if tt.wantLength != "" {
				if got := rec.Header().Get("Content-Length"); got != tt.wantLength {
					t.Errorf("Content-Length = %q, want %q", got, tt.wantLength)
				}
			}
			if tt.wantEmptyBody && rec.Body.Len() != 0 {
				t.Errorf("body has %d bytes, want none", rec.Body.Len())
			}
			if tt.wantBody != nil && !bytes.Equal(rec.Body.Bytes(), tt.wantBody) {
				t.Errorf("body mismatch: got %d bytes, want %d", rec.Body.Len(), len(tt.wantBody))
			}
			if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
				t.Errorf("Accept-Ranges = %q", got)
			}
		})
	}
}

func TestServe_malformedRange(t *testing.T) {
	for _, h := range []string{"bytes=abc-10", "items=0-1", "bytes=-100", "bytes=0-1,5-6", "bytes=10-5"} {
		rec := serve(t, http.MethodGet, h, artifact(100))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Range %q: status = %d, want 400", h, rec.Code)
		}
	}
}

func TestServe_headSendsNoBody(t *testing.T) {
	rec := serve(t, http.MethodHead, "bytes=0-9", artifact(100))
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("HEAD body has %d bytes", rec.Body.Len())
	}
	if got := rec.Header().Get("Content-Length"); got != "10" {
		t.Fatalf("Content-Length = %q", got)
	}
}

// The reader holds more bytes than the declared length.
func TestServe_truncatesToDeclaredLength(t *testing.T) {
	data := artifact(200)
	req := httptest.NewRequest(http.MethodGet, "/file", nil)
	rec := httptest.NewRecorder()
	if err := Serve(rec, req, bytes.NewReader(data), 150, "video/webm"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if rec.Body.Len() != 150 {
		t.Fatalf("body = %d bytes, want 150", rec.Body.Len())
	}
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange("bytes=5-", 10)
	if err != nil || r != (Range{Start: 5, End: 9}) {
		t.Fatalf("ParseRange = %+v, %v", r, err)
	}
	if _, err := ParseRange("bytes=0-0", 0); !errors.Is(err, ErrRangeNotSatisfiable) {
		t.Fatalf("empty resource: err = %v", err)
	}
	if _, err := ParseRange("bytes=", 10); !errors.Is(err, ErrMalformedRange) {
		t.Fatalf("empty range: err = %v", err)
	}
}
