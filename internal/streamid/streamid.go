// Package streamid validates the caller-supplied identifier of a live
// stream. An ID is used as a filesystem path segment, a pub/sub topic
// suffix and a subprocess output name, so it is checked exactly once when it
// enters the system and passed around as an opaque ID afterwards.
package streamid

import (
	"errors"
	"fmt"
)

// MaxLength bounds the length of a stream ID.
const MaxLength = 128

var (
	// ErrInvalid is returned by Parse for empty, oversized or unsafe IDs.
	ErrInvalid = errors.New("invalid stream id")
	// ErrUsed reports that an ID already names a finished or recorded
	// session. An ID identifies exactly one live session.
	ErrUsed = errors.New("stream id already used")
)

// ID is a validated stream identifier. Parse is the only way to build a
// non-zero ID; the zero value is not a valid ID. ID is comparable and can be
// used as a map key.
type ID struct{ s string }

// Parse validates raw and returns it as an ID. Only [A-Za-z0-9_-] is
// accepted; nothing is silently rewritten.
func Parse(raw string) (ID, error) {
	if raw == "" {
		return ID{}, fmt.Errorf("%w: empty", ErrInvalid)
	}
	if len(raw) > MaxLength {
		return ID{}, fmt.Errorf("%w: longer than %d characters", ErrInvalid, MaxLength)
	}
	for i := 0; i < len(raw); i++ {
		if !allowed(raw[i]) {
			return ID{}, fmt.Errorf("%w: unexpected character %q at %d", ErrInvalid, raw[i], i)
		}
	}
	return ID{s: raw}, nil
}

// MustParse is Parse for constants and tests; it panics on invalid input.
func MustParse(raw string) ID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func allowed(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == '-':
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (id ID) String() string { return id.s }

// IsZero reports whether id is the zero ID.
func (id ID) IsZero() bool { return id.s == "" }

// Topic returns the pub/sub channel name for the stream.
func (id ID) Topic(prefix string) string { return prefix + id.s }

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) { return []byte(id.s), nil }

// UnmarshalText implements encoding.TextUnmarshaler. The input is validated
// the same way Parse validates it.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
