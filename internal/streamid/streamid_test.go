package streamid

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"simple", "stream1", false},
		{"dashes_and_underscores", "abc-DEF_123", false},
		{"empty", "", true},
		{"slash", "a/b", true},
		{"dot_dot", "..", true},
		{"space", "a b", true},
		{"colon", "raw_frames:x", true},
		{"unicode", "strém", true},
		{"max_length", strings.Repeat("a", MaxLength), false},
		{"too_long", strings.Repeat("a", MaxLength+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := Parse(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("Parse(%q): expected ErrInvalid, got %v", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.raw, err)
			}
			if id.String() != tt.raw {
				t.Errorf("String() = %q, want %q", id.String(), tt.raw)
			}
		})
	}
}

func TestID_Topic(t *testing.T) {
	id := MustParse("s1")
	if got := id.Topic("raw_frames:"); got != "raw_frames:s1" {
		t.Errorf("Topic = %q", got)
	}
}

func TestMustParse_panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for invalid id")
		}
	}()
	MustParse("../etc")
}

func TestID_zeroValue(t *testing.T) {
	var id ID
	if !id.IsZero() {
		t.Error("zero ID reports IsZero = false")
	}
	if MustParse("s1").IsZero() {
		t.Error("parsed ID reports IsZero = true")
	}
	if MustParse("s1") != MustParse("s1") {
		t.Error("equal IDs compare unequal")
	}
}

func TestID_JSON(t *testing.T) {
	type doc struct {
		StreamID ID `json:"streamId"`
	}
	b, err := json.Marshal(doc{StreamID: MustParse("cam-1")})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"streamId":"cam-1"}` {
		t.Errorf("Marshal = %s", b)
	}

	var got doc
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.StreamID != MustParse("cam-1") {
		t.Errorf("StreamID = %v", got.StreamID)
	}

	// Decoding goes through the same validation as Parse.
	err = json.Unmarshal([]byte(`{"streamId":"../etc"}`), &got)
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Unmarshal unsafe id: err = %v", err)
	}
}
