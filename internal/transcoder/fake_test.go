package transcoder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMode selects how a fakeProcess behaves.
type fakeMode int

const (
	// modeNormal reads stdin to EOF, writes the recording and exits cleanly.
	modeNormal fakeMode = iota
	// modeIgnoreEOF reads stdin to EOF and then waits to be killed.
	modeIgnoreEOF
	// modeStall never reads stdin.
	modeStall
)

var errKilled = errors.New("signal: killed")

// fakeProcess is an in-process transcoder backed by pipes. It writes live
// output into its directory on start and the recording on clean exit.
type fakeProcess struct {
	pid  int
	dir  string
	id   string
	mode fakeMode

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu       sync.Mutex
	received bytes.Buffer

	exited   chan struct{}
	exitOnce sync.Once
	exitErr  error
	killed   atomic.Bool
	crash    chan struct{}
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader     { return p.stderrR }
func (p *fakeProcess) Pid() int              { return p.pid }

func (p *fakeProcess) Wait() error {
	<-p.exited
	return p.exitErr
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit(errKilled)
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.exitOnce.Do(func() {
		p.exitErr = err
		_ = p.stdinR.CloseWithError(io.ErrClosedPipe)
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		close(p.exited)
	})
}

// Crash makes the process exit with an error as if it failed on its own.
func (p *fakeProcess) Crash() { close(p.crash) }

func (p *fakeProcess) Received() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.received.Bytes()...)
}

func (p *fakeProcess) waitReceived(t *testing.T, n int) []byte {
	t.Helper()
	require.Eventually(t, func() bool { return len(p.Received()) >= n }, 5*time.Second, 5*time.Millisecond,
		"timed out waiting for %d bytes", n)
	return p.Received()
}

func (p *fakeProcess) run() {
	_, _ = io.WriteString(p.stderrW, "fake transcoder started\n")
	_ = os.WriteFile(filepath.Join(p.dir, "segment_0.ts"), []byte("ts"), 0o644)
	_ = os.WriteFile(filepath.Join(p.dir, PlaylistName), []byte("#EXTM3U\n"), 0o644)

	go func() {
		select {
		case <-p.crash:
			p.exit(errors.New("exit status 1"))
		case <-p.exited:
		}
	}()

	if p.mode == modeStall {
		<-p.exited
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := p.stdinR.Read(buf)
		if n > 0 {
			p.mu.Lock()
			p.received.Write(buf[:n])
			p.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return
			}
			break
		}
	}
	if p.mode == modeIgnoreEOF {
		<-p.exited
		return
	}
	_ = os.WriteFile(filepath.Join(p.dir, p.id+recordingSuffix), p.Received(), 0o644)
	_ = os.WriteFile(filepath.Join(p.dir, "segment_1.ts"), []byte("ts"), 0o644)
	p.exit(nil)
}

// fakeSpawner creates fakeProcesses. Its template passes the output
// directory and stream id as the first two arguments.
type fakeSpawner struct {
	mode  fakeMode
	delay time.Duration
	err   error

	spawns atomic.Int32
	mu     sync.Mutex
	procs  map[string]*fakeProcess
}

func newFakeSpawner(mode fakeMode) *fakeSpawner {
	return &fakeSpawner{mode: mode, procs: make(map[string]*fakeProcess)}
}

func fakeTemplate() ArgTemplate {
	return ArgTemplate{Executable: "fake-transcoder", Input: []string{"{dir}", "{id}"}}
}

func (s *fakeSpawner) Spawn(_ context.Context, inv Invocation) (Process, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	n := s.spawns.Add(1)

	p := &fakeProcess{
		pid:    1000 + int(n),
		dir:    inv.Args[0],
		id:     inv.Args[1],
		mode:   s.mode,
		exited: make(chan struct{}),
		crash:  make(chan struct{}),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	go p.run()

	s.mu.Lock()
	s.procs[p.id] = p
	s.mu.Unlock()
	return p, nil
}

func (s *fakeSpawner) proc(t *testing.T, id string) *fakeProcess {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	require.True(t, ok, "no process spawned for %q", id)
	return p
}

// exitRecorder collects OnExit events.
type exitRecorder struct {
	mu     sync.Mutex
	events []ExitEvent
	ch     chan ExitEvent
}

func newExitRecorder() *exitRecorder {
	return &exitRecorder{ch: make(chan ExitEvent, 64)}
}

func (r *exitRecorder) record(ev ExitEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *exitRecorder) wait(t *testing.T) ExitEvent {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for transcoder exit")
		return ExitEvent{}
	}
}

func (r *exitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestSupervisor(t *testing.T, sp Spawner, exits *exitRecorder, tune func(*Config)) (*Supervisor, string) {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		Root:         root,
		Template:     fakeTemplate(),
		Spawner:      sp,
		StopTimeout:  2 * time.Second,
		KillTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		Logger:       quietLogger(),
	}
	if exits != nil {
		cfg.OnExit = exits.record
	}
	if tune != nil {
		tune(&cfg)
	}
	return NewSupervisor(cfg), root
}
