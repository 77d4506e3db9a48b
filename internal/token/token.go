// Package token issues and validates the two signed token classes used by
// the service: short-lived playback tokens scoped to one recording, and
// general session tokens. Each class is held by its own Issuer with its own
// key, so rotating one key never affects the other class.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// AudiencePlayback marks tokens that authorize viewing one recording.
	AudiencePlayback = "playback"
	// AudienceSession marks general session tokens.
	AudienceSession = "session"

	issuerName = "livecast"
)

var (
	ErrExpired      = errors.New("token expired")
	ErrMalformed    = errors.New("token malformed")
	ErrBadSignature = errors.New("token signature invalid")
	ErrNoKey        = errors.New("token signing key is empty")
)

// Claims is the validated content of a token.
type Claims struct {
	// RecordID is the recording a playback token is scoped to. Zero for
	// session tokens.
	RecordID  int64
	SubjectID string
	ExpiresAt time.Time
	Audience  string
}

type jwtClaims struct {
	RecordID string `json:"rid,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and validates one class of token with one key.
type Issuer struct {
	key      []byte
	audience string
	scoped   bool
	now      func() time.Time
}

// NewPlaybackIssuer returns the key holder for record-scoped playback tokens.
func NewPlaybackIssuer(secret []byte) (*Issuer, error) {
	return newIssuer(secret, AudiencePlayback, true)
}

// NewSessionIssuer returns the key holder for session tokens.
func NewSessionIssuer(secret []byte) (*Issuer, error) {
	return newIssuer(secret, AudienceSession, false)
}

func newIssuer(secret []byte, audience string, scoped bool) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%s issuer: %w", audience, ErrNoKey)
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Issuer{key: key, audience: audience, scoped: scoped, now: time.Now}, nil
}

// WithClock returns a copy of i that reads the current time from now.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	c := *i
	c.now = now
	return &c
}

// Audience returns the token class this Issuer handles.
func (i *Issuer) Audience() string { return i.audience }

// Issue signs a token for subjectID that expires ttl from now. Playback
// tokens embed recordID; session tokens ignore it.
func (i *Issuer) Issue(recordID int64, subjectID string, ttl time.Duration) (string, error) {
	if subjectID == "" {
		return "", errors.New("issue token: empty subject")
	}
	if ttl <= 0 {
		return "", errors.New("issue token: ttl must be positive")
	}
	if i.scoped && recordID <= 0 {
		return "", fmt.Errorf("issue token: invalid record id %d", recordID)
	}

	now := i.now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Subject:   subjectID,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	if i.scoped {
		claims.RecordID = strconv.FormatInt(recordID, 10)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate verifies tok and returns its claims. Failures are ErrExpired,
// ErrMalformed or ErrBadSignature; a token of the other class fails with
// ErrBadSignature.
func (i *Issuer) Validate(tok string) (Claims, error) {
	var c jwtClaims
	_, err := jwt.ParseWithClaims(tok, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(issuerName),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return Claims{}, classify(err)
	}
	if c.Subject == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrMalformed)
	}

	out := Claims{
		SubjectID: c.Subject,
		ExpiresAt: c.ExpiresAt.Time,
		Audience:  i.audience,
	}
	if i.scoped {
		id, err := strconv.ParseInt(c.RecordID, 10, 64)
		if err != nil || id <= 0 {
			return Claims{}, fmt.Errorf("%w: bad record id", ErrMalformed)
		}
		out.RecordID = id
	}
	return out, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: %w", ErrBadSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrExpired, err)
	default:
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
}
