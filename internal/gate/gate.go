// Package gate authorizes requests before they reach recorded content.
//
// Playback guards the recorded-stream file path with record-scoped playback
// tokens; Session resolves the caller of general API routes from a session
// token.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"livecast/internal/platform/httpx"
	"livecast/internal/platform/metrics"
	"livecast/internal/token"
)

const (
	// DefaultPrefix is the recorded-stream namespace.
	DefaultPrefix = "/api/recorded-streams/"
	// FileResource is the path element after {recordId} that the playback
	// gate protects.
	FileResource = "file"
	// TokenParam is the query parameter carrying a playback token.
	TokenParam = "token"
)

// Validator validates one class of token.
type Validator interface {
	Validate(tok string) (token.Claims, error)
}

// Viewer is the only authority a playback token grants: viewing RecordID.
type Viewer struct {
	RecordID  int64
	SubjectID string
}

// Principal is a caller authenticated with a session token.
type Principal struct {
	SubjectID string
}

type ctxKey int

const (
	viewerKey ctxKey = iota
	principalKey
)

// ViewerFrom returns the Viewer attached by the playback gate.
func ViewerFrom(ctx context.Context) (Viewer, bool) {
	v, ok := ctx.Value(viewerKey).(Viewer)
	return v, ok
}

// PrincipalFrom returns the session principal attached by Session.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// Playback returns middleware that guards prefix/{recordId}/file. Requests
// for any other path pass through untouched, so it can be mounted on the
// root router.
func Playback(prefix string, v Validator, log *slog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "playback_gate"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawID, ok := matchFile(prefix, r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			reject := func(status int, reason string) {
				m.IncGateRejections(reason)
				log.Info("playback request rejected",
					slog.String("path", r.URL.Path), slog.String("reason", reason))
				httpx.WriteError(w, status, reason)
			}

			recordID, err := strconv.ParseInt(rawID, 10, 64)
			if err != nil || recordID <= 0 {
				reject(http.StatusNotFound, httpx.ReasonNotFound)
				return
			}
			tok := r.URL.Query().Get(TokenParam)
			if tok == "" {
				reject(http.StatusUnauthorized, httpx.ReasonTokenMissing)
				return
			}
			claims, err := v.Validate(tok)
			if err != nil {
				if errors.Is(err, token.ErrExpired) {
					reject(http.StatusUnauthorized, httpx.ReasonTokenExpired)
				} else {
					reject(http.StatusUnauthorized, httpx.ReasonTokenInvalid)
				}
				return
			}
			if claims.RecordID != recordID {
				reject(http.StatusForbidden, httpx.ReasonTokenScopeMismatch)
				return
			}

			ctx := context.WithValue(r.Context(), viewerKey, Viewer{RecordID: recordID, SubjectID: claims.SubjectID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// matchFile reports whether path is prefix + {id} + "/file" and returns id.
func matchFile(prefix, path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok {
		return "", false
	}
	id, resource, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return "", false
	}
	if strings.TrimSuffix(resource, "/") != FileResource {
		return "", false
	}
	return id, true
}

// Session returns middleware that resolves a Principal from a bearer token
// or, for WebSocket clients that cannot set headers, the access_token query
// parameter. With required set, requests without a valid token get 401.
// A token that is present but invalid is always rejected.
func Session(v Validator, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := bearer(r)
			if tok == "" {
				if required {
					httpx.WriteError(w, http.StatusUnauthorized, httpx.ReasonUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			claims, err := v.Validate(tok)
			if err != nil {
				reason := httpx.ReasonUnauthorized
				if errors.Is(err, token.ErrExpired) {
					reason = httpx.ReasonTokenExpired
				}
				httpx.WriteError(w, http.StatusUnauthorized, reason)
				return
			}
			ctx := WithPrincipal(r.Context(), Principal{SubjectID: claims.SubjectID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if scheme, tok, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(tok)
	}
	return r.URL.Query().Get("access_token")
}
