// Package transcoder supervises one external transcoding process per live
// stream: it spawns the process, feeds it raw frames in arrival order, keeps
// its output pipes drained, stops it gracefully or forcibly, and removes the
// transient live output once the process has exited.
package transcoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"livecast/internal/platform/metrics"
	"livecast/internal/streamid"
)

const (
	DefaultStopTimeout    = 10 * time.Second
	DefaultKillTimeout    = 5 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultSegmentSeconds = 2
	DefaultListSize       = 3

	maxLogLine = 64 * 1024
)

var (
	// ErrSpawn wraps every failure to start a transcoder.
	ErrSpawn = errors.New("transcoder spawn failed")
	// ErrStalled is returned by a write that exceeded the write timeout.
	ErrStalled = errors.New("transcoder input stalled")
	// ErrNotRunning is returned by writes to a process that is gone.
	ErrNotRunning = errors.New("transcoder not running")
)

// ExitEvent describes a transcoder that has exited and been cleaned up.
type ExitEvent struct {
	StreamID streamid.ID
	// Deliberate is true when the exit was requested through Stop.
	Deliberate bool
	// Err is the process exit error, nil for a clean exit.
	Err error
	// ArtifactPath is the durable recording, empty if none was produced.
	ArtifactPath string
}

// Config configures a Supervisor. Zero durations select the defaults.
type Config struct {
	// Root is the storage directory; each stream writes to Root/<id>.
	Root           string
	Template       ArgTemplate
	Spawner        Spawner
	SegmentSeconds int
	ListSize       int
	StopTimeout    time.Duration
	KillTimeout    time.Duration
	WriteTimeout   time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	// OnExit is called once per process after cleanup, from a
	// supervisor goroutine.
	OnExit func(ExitEvent)
}

// Supervisor owns the registry of running transcoders. Operations on
// different stream IDs never share a lock.
type Supervisor struct {
	cfg   Config
	log   *slog.Logger
	procs sync.Map // streamid.ID -> *process
}

// NewSupervisor returns a Supervisor for cfg.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.Spawner == nil {
		cfg.Spawner = ExecSpawner{}
	}
	if cfg.Template.Executable == "" {
		cfg.Template = DefaultTemplate()
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = DefaultSegmentSeconds
	}
	if cfg.ListSize <= 0 {
		cfg.ListSize = DefaultListSize
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = DefaultKillTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{cfg: cfg, log: log.With(slog.String("component", "transcoder"))}
}

// process is one registry entry. The entry is published before the spawn
// completes so racing starters find it; ready is closed once spawn has
// either succeeded or failed (err).
type process struct {
	id    streamid.ID
	dir   string
	ready chan struct{}
	err   error

	proc    Process
	stdin   io.WriteCloser
	done    chan struct{} // closed after the process exited and both drains ended
	exitErr error

	writeMu   sync.Mutex
	closeOnce sync.Once
	stopping  atomic.Bool
	stalled   atomic.Bool
	writeTO   time.Duration
}

// Write feeds p to the process stdin. It implements io.Writer so Start can
// hand out the same handle to every caller.
func (p *process) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	select {
	case <-p.done:
		return 0, ErrNotRunning
	default:
	}

	// A write that cannot complete within the timeout means the process
	// stopped reading; killing it turns the blocked write into EPIPE.
	timer := time.AfterFunc(p.writeTO, func() {
		p.stalled.Store(true)
		_ = p.proc.Kill()
	})
	n, err := p.stdin.Write(b)
	timer.Stop()
	if err != nil && p.stalled.Load() {
		return n, fmt.Errorf("%w: %w", ErrStalled, err)
	}
	return n, err
}

func (p *process) waitReady(d time.Duration) bool {
	select {
	case <-p.ready:
		return true
	default:
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.ready:
		return true
	case <-t.C:
		return false
	}
}

func (p *process) closeStdin() error {
	var err error
	p.closeOnce.Do(func() { err = p.stdin.Close() })
	return err
}

// Start returns the input handle of the transcoder for id, spawning it if
// none is running. Concurrent calls for the same id spawn at most once and
// all receive the same handle.
func (s *Supervisor) Start(ctx context.Context, id streamid.ID) (io.Writer, error) {
	p := &process{
		id:      id,
		dir:     OutputDir(s.cfg.Root, id),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		writeTO: s.cfg.WriteTimeout,
	}
	v, loaded := s.procs.LoadOrStore(id, p)
	if loaded {
		existing := v.(*process)
		select {
		case <-existing.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if existing.err != nil {
			return nil, existing.err
		}
		s.log.Debug("transcoder already running", slog.String("stream_id", id.String()))
		return existing, nil
	}

	err := checkUnused(p)
	if err == nil {
		err = s.spawn(ctx, p)
	}
	if err != nil {
		p.err = err
		s.procs.CompareAndDelete(id, p)
		close(p.ready)
		s.log.Error("transcoder start failed", slog.String("stream_id", id.String()), slog.String("error", err.Error()))
		return nil, err
	}
	close(p.ready)
	return p, nil
}

// checkUnused refuses a stream whose recording from an earlier session is
// still on disk; the transcoder would fail on it or overwrite it.
func checkUnused(p *process) error {
	name := RecordingName(p.id)
	if _, err := os.Stat(filepath.Join(p.dir, name)); err == nil {
		return fmt.Errorf("%s exists: %w", name, streamid.ErrUsed)
	}
	return nil
}

func (s *Supervisor) spawn(ctx context.Context, p *process) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("%w: create output dir: %w", ErrSpawn, err)
	}

	inv := s.cfg.Template.Expand(TemplateVars{
		StreamID:       p.id,
		OutputDir:      p.dir,
		SegmentSeconds: s.cfg.SegmentSeconds,
		ListSize:       s.cfg.ListSize,
	})
	proc, err := s.cfg.Spawner.Spawn(ctx, inv)
	if err != nil {
		// Leave no trace of the attempt; a non-empty dir holds an older recording.
		_ = os.Remove(p.dir)
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	p.proc = proc
	p.stdin = proc.Stdin()

	log := s.log.With(slog.String("stream_id", p.id.String()), slog.Int("pid", proc.Pid()))
	var drains errgroup.Group
	drains.Go(func() error { return drain(proc.Stdout(), log, "stdout", slog.LevelDebug) })
	drains.Go(func() error { return drain(proc.Stderr(), log, "stderr", slog.LevelInfo) })
	go s.await(p, &drains, log)

	s.cfg.Metrics.IncTranscoderStarts()
	log.Info("transcoder started", slog.String("executable", inv.Path), slog.String("output_dir", p.dir))
	return nil
}

// drain consumes r until EOF so the process never blocks on a full pipe.
func drain(r io.Reader, log *slog.Logger, stream string, level slog.Level) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLogLine)
	for sc.Scan() {
		log.Log(context.Background(), level, "transcoder output",
			slog.String("pipe", stream), slog.String("line", sc.Text()))
	}
	if err := sc.Err(); err != nil {
		// An oversized line stops the scanner; keep the pipe empty anyway.
		_, _ = io.Copy(io.Discard, r)
		if !errors.Is(err, os.ErrClosed) {
			log.Debug("transcoder output drain ended", slog.String("pipe", stream), slog.String("error", err.Error()))
		}
	}
	return nil
}

// await observes the process exit. If nobody has claimed the entry yet the
// exit was spontaneous and this goroutine performs the cleanup.
func (s *Supervisor) await(p *process, drains *errgroup.Group, log *slog.Logger) {
	_ = drains.Wait()
	p.exitErr = p.proc.Wait()
	close(p.done)

	if !s.procs.CompareAndDelete(p.id, p) {
		return
	}
	_ = p.closeStdin()
	reason := "crashed"
	if p.stalled.Load() {
		reason = "killed"
	}
	if p.exitErr != nil {
		log.Error("transcoder exited unexpectedly", slog.String("reason", reason), slog.String("error", p.exitErr.Error()))
	} else {
		log.Warn("transcoder exited before stop was requested")
	}
	s.finish(p, false, reason)
}

// Feed writes one frame to the transcoder for id. Failures are logged and
// end the stream; they are never returned.
func (s *Supervisor) Feed(id streamid.ID, frame []byte) {
	v, ok := s.procs.Load(id)
	if !ok {
		s.log.Warn("frame for stream without transcoder dropped", slog.String("stream_id", id.String()), slog.Int("bytes", len(frame)))
		return
	}
	p := v.(*process)
	if !p.waitReady(s.cfg.WriteTimeout) {
		s.log.Warn("transcoder not ready, frame dropped", slog.String("stream_id", id.String()))
		return
	}
	if p.err != nil {
		return
	}

	if _, err := p.Write(frame); err != nil {
		if p.stopping.Load() {
			s.log.Debug("frame after stop dropped", slog.String("stream_id", id.String()))
			return
		}
		s.cfg.Metrics.IncFeedFailures()
		s.log.Error("write to transcoder failed, stopping stream",
			slog.String("stream_id", id.String()), slog.String("error", err.Error()))
		if s.procs.CompareAndDelete(id, p) {
			go s.stop(p)
		}
	}
}

// Stop ends the transcoder for id: stdin is closed, the process gets
// StopTimeout to exit and is killed otherwise. Stop on an unknown id, or a
// second Stop, is a no-op.
func (s *Supervisor) Stop(id streamid.ID) {
	v, ok := s.procs.LoadAndDelete(id)
	if !ok {
		s.log.Debug("stop for stream without transcoder", slog.String("stream_id", id.String()))
		return
	}
	s.stop(v.(*process))
}

// stop runs after the caller removed p from the registry, which makes it the
// only owner of p's cleanup.
func (s *Supervisor) stop(p *process) {
	log := s.log.With(slog.String("stream_id", p.id.String()))
	if !p.waitReady(s.cfg.StopTimeout) {
		log.Warn("transcoder spawn still in progress, stopping once it completes")
		go func() {
			<-p.ready
			s.stop(p)
		}()
		return
	}
	if p.err != nil {
		return
	}

	p.stopping.Store(true)
	if err := p.closeStdin(); err != nil {
		log.Debug("close transcoder stdin", slog.String("error", err.Error()))
	}

	grace := time.NewTimer(s.cfg.StopTimeout)
	defer grace.Stop()
	select {
	case <-p.done:
		log.Info("transcoder stopped")
		s.finish(p, true, "stopped")
		return
	case <-grace.C:
	}

	log.Warn("transcoder ignored end of input, killing", slog.Duration("timeout", s.cfg.StopTimeout))
	if err := p.proc.Kill(); err != nil {
		log.Error("kill transcoder", slog.String("error", err.Error()))
	}
	select {
	case <-p.done:
		s.finish(p, true, "killed")
	case <-time.After(s.cfg.KillTimeout):
		log.Error("transcoder still running after kill, cleanup deferred until exit")
		go func() {
			<-p.done
			s.finish(p, true, "killed")
		}()
	}
}

func (s *Supervisor) finish(p *process, deliberate bool, reason string) {
	log := s.log.With(slog.String("stream_id", p.id.String()))
	artifact, err := cleanupOutput(p.dir, RecordingName(p.id))
	if err != nil {
		log.Error("transcoder output cleanup incomplete", slog.String("error", err.Error()))
	}
	s.cfg.Metrics.IncTranscoderExits(reason)
	if s.cfg.OnExit != nil {
		s.cfg.OnExit(ExitEvent{
			StreamID:     p.id,
			Deliberate:   deliberate,
			Err:          p.exitErr,
			ArtifactPath: artifact,
		})
	}
}

// Active returns the number of running transcoders.
func (s *Supervisor) Active() int {
	n := 0
	s.procs.Range(func(_, v any) bool {
		p := v.(*process)
		select {
		case <-p.ready:
			if p.err == nil {
				n++
			}
		default:
		}
		return true
	})
	return n
}

// Running reports whether a transcoder for id is registered.
func (s *Supervisor) Running(id streamid.ID) bool {
	_, ok := s.procs.Load(id)
	return ok
}

// Shutdown stops every transcoder concurrently and waits until they are
// done or ctx expires.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	s.procs.Range(func(k, _ any) bool {
		id := k.(streamid.ID)
		g.Go(func() error {
			s.Stop(id)
			return nil
		})
		return true
	})

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transcoder shutdown: %w", ctx.Err())
	}
}
