package recording

import (
	"fmt"
	"regexp"
	"strings"

	"livecast/internal/transcoder"
)

const (
	playlistContentType  = "application/vnd.apple.mpegurl"
	segmentContentType   = "video/mp2t"
	recordingContentType = "video/webm"
)

var segmentName = regexp.MustCompile(`^[A-Za-z0-9_-]+\.ts$`)

// liveContentType validates a live file name and returns its MIME type. Only
// the playlist and plain segment names are served, which also rules out
// path traversal.
func liveContentType(name string) (string, bool) {
	switch {
	case name == transcoder.PlaylistName:
		return playlistContentType, true
	case segmentName.MatchString(name):
		return segmentContentType, true
	default:
		return "", false
	}
}

// BuildEndedPlaylist returns a minimal HLS playlist with no segments and
// #EXT-X-ENDLIST, served once a stream has ended so players stop polling
// instead of erroring on a missing playlist.
func BuildEndedPlaylist(targetDuration int) string {
	if targetDuration <= 0 {
		targetDuration = 1
	}
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}
