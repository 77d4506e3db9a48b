package transcoder

import (
	"path/filepath"
	"strconv"
	"strings"

	"livecast/internal/streamid"
)

const (
	// PlaylistName is the live playlist written into every stream directory.
	PlaylistName = "index.m3u8"
	// SegmentPattern is the printf-style name of live segments.
	SegmentPattern = "segment_%d.ts"

	recordingSuffix = "_original.webm"
)

// RecordingName returns the file name of the durable recording for id.
func RecordingName(id streamid.ID) string {
	return id.String() + recordingSuffix
}

// OutputDir returns the per-stream output directory under root.
func OutputDir(root string, id streamid.ID) string {
	return filepath.Join(root, id.String())
}

// ArgTemplate describes the transcoder command line as data. Each argument
// may contain placeholders:
//
//	{id}               stream id
//	{dir}              host output directory
//	{out}              output directory as seen by the process (OutputMount or {dir})
//	{playlist}         {out}/index.m3u8
//	{segments}         {out}/segment_%d.ts
//	{recording}        {out}/{id}_original.webm
//	{segment_seconds}  live segment duration
//	{list_size}        live playlist window
type ArgTemplate struct {
	Executable string
	// Prefix runs before Input, e.g. a container runtime invocation.
	Prefix    []string
	Input     []string
	Live      []string
	Recording []string
	// OutputMount is the output directory inside a container, if any.
	OutputMount string
}

// TemplateVars are the per-stream values substituted into an ArgTemplate.
type TemplateVars struct {
	StreamID       streamid.ID
	OutputDir      string
	SegmentSeconds int
	ListSize       int
}

// DefaultTemplate returns the ffmpeg contract: WebM on stdin, a rolling HLS
// playlist and a stream-copied WebM recording.
func DefaultTemplate() ArgTemplate {
	return ArgTemplate{
		Executable: "ffmpeg",
		Input: []string{
			"-hide_banner", "-nostats", "-loglevel", "warning",
			"-use_wallclock_as_timestamps", "1",
			"-f", "webm", "-probesize", "10M", "-analyzeduration", "10M",
			"-i", "pipe:0",
		},
		Live: []string{
			"-map", "0:v", "-map", "0:a",
			"-c:v", "libx264", "-preset", "veryfast", "-tune", "zerolatency",
			"-g", "48", "-keyint_min", "24", "-sc_threshold", "0", "-pix_fmt", "yuv420p",
			"-c:a", "aac", "-b:a", "128k", "-ac", "1",
			"-f", "hls",
			"-hls_time", "{segment_seconds}",
			"-hls_list_size", "{list_size}",
			"-hls_flags", "delete_segments+append_list",
			"-hls_segment_filename", "{segments}",
			"{playlist}",
		},
		Recording: []string{
			"-map", "0:v", "-map", "0:a",
			"-c:v", "copy", "-c:a", "copy",
			"-f", "webm",
			"{recording}",
		},
	}
}

// DockerPrefix builds a Prefix that runs image with the stream directory
// mounted at mount. Executable must then be the container runtime.
func DockerPrefix(image, mount string) []string {
	return []string{"run", "-i", "--rm", "-v", "{dir}:" + mount, image}
}

// Expand substitutes vars into the template.
func (t ArgTemplate) Expand(vars TemplateVars) Invocation {
	out := vars.OutputDir
	if t.OutputMount != "" {
		out = t.OutputMount
	}
	join := func(name string) string {
		if t.OutputMount != "" {
			return strings.TrimSuffix(out, "/") + "/" + name
		}
		return filepath.Join(out, name)
	}
	r := strings.NewReplacer(
		"{id}", vars.StreamID.String(),
		"{dir}", vars.OutputDir,
		"{out}", out,
		"{playlist}", join(PlaylistName),
		"{segments}", join(SegmentPattern),
		"{recording}", join(RecordingName(vars.StreamID)),
		"{segment_seconds}", strconv.Itoa(vars.SegmentSeconds),
		"{list_size}", strconv.Itoa(vars.ListSize),
	)

	groups := [][]string{t.Prefix, t.Input, t.Live, t.Recording}
	n := 0
	for _, g := range groups {
		n += len(g)
	}
	args := make([]string, 0, n)
	for _, g := range groups {
		for _, a := range g {
			args = append(args, r.Replace(a))
		}
	}
	return Invocation{Path: t.Executable, Args: args}
}
