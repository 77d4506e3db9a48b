package recording

import (
	"strings"
	"testing"
)

func TestBuildEndedPlaylist(t *testing.T) {
	got := BuildEndedPlaylist(4)
	if !strings.HasPrefix(got, "#EXTM3U\n") {
		t.Error("playlist should start with #EXTM3U")
	}
	if !strings.Contains(got, "#EXT-X-TARGETDURATION:4\n") {
		t.Error("expected target duration 4")
	}
	if !strings.HasSuffix(got, "#EXT-X-ENDLIST\n") {
		t.Error("playlist should end with #EXT-X-ENDLIST")
	}
	if strings.Contains(BuildEndedPlaylist(0), "TARGETDURATION:0") {
		t.Error("target duration must be at least 1")
	}
}

func TestLiveContentType(t *testing.T) {
	tests := []struct {
		name   string
		want   string
		wantOK bool
	}{
		{"index.m3u8", playlistContentType, true},
		{"segment_12.ts", segmentContentType, true},
		{"other.m3u8", "", false},
		{"../secret.ts", "", false},
		{"seg.ts.bak", "", false},
	}
	for _, tt := range tests {
		got, ok := liveContentType(tt.name)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("liveContentType(%q) = %q, %v; want %q, %v", tt.name, got, ok, tt.want, tt.wantOK)
		}
	}
}
