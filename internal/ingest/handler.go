// Package ingest accepts live media over WebSocket and publishes each binary
// frame onto the frame bus under the connection's stream id.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"livecast/internal/gate"
	"livecast/internal/platform/metrics"
	"livecast/internal/recording"
	"livecast/internal/streamid"
)

// StreamParam is the chi URL parameter holding the stream id.
const StreamParam = "streamId"

// MaxFrameBytes is the default per-message read limit.
const MaxFrameBytes = 4 << 20

const (
	writeWait = 5 * time.Second
	pongWait  = 60 * time.Second
)

// Close reasons sent to the client.
const (
	ReasonBadStreamID = "missing or malformed streamId"
	ReasonAlreadyLive = "stream already live"
	ReasonStreamUsed  = "stream id already used"
	ReasonBackend     = "backend unavailable"
	ReasonBinaryOnly  = "binary frames only"
	ReasonTransport   = "transport error"
)

// Pipeline makes sure a consumer is subscribed to a stream's frames before the
// first one is published, and tears it down when the stream ends.
type Pipeline interface {
	Attach(ctx context.Context, id streamid.ID) error
	Detach(id streamid.ID)
}

// Publisher is the publishing half of framebus.Bus.
type Publisher interface {
	Publish(ctx context.Context, id streamid.ID, payload []byte) error
}

// Recorder tracks recording metadata for authenticated streams.
type Recorder interface {
	CreateForStream(ctx context.Context, id streamid.ID, ownerID string) (recording.Record, error)
	MarkFinished(ctx context.Context, id streamid.ID, artifactPath string, at time.Time) error
}

// Config wires a Handler.
type Config struct {
	Pipeline Pipeline
	Bus      Publisher
	// Recorder is optional. When set, connections carrying a session
	// principal get a recording record owned by that principal.
	Recorder      Recorder
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	MaxFrameBytes int64
	// PingInterval defaults to 90% of the read deadline.
	PingInterval time.Duration
	PongWait     time.Duration
	CheckOrigin  func(r *http.Request) bool
}

// Handler serves GET /raw-media-ingest/{streamId}.
type Handler struct {
	pipeline Pipeline
	bus      Publisher
	recorder Recorder
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	maxFrame int64
	pongWait time.Duration
	pingInt  time.Duration

	// stream id -> *session
	active sync.Map
}

type session struct {
	id       string
	streamID streamid.ID
	ownerID  string
	conn     *websocket.Conn
	started  time.Time
	log      *slog.Logger
}

// NewHandler returns an ingest handler.
func NewHandler(cfg Config) *Handler {
	h := &Handler{
		pipeline: cfg.Pipeline,
		bus:      cfg.Bus,
		recorder: cfg.Recorder,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		maxFrame: cfg.MaxFrameBytes,
		pongWait: cfg.PongWait,
		pingInt:  cfg.PingInterval,
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	h.log = h.log.With(slog.String("component", "ingest"))
	if h.maxFrame <= 0 {
		h.maxFrame = MaxFrameBytes
	}
	if h.pongWait <= 0 {
		h.pongWait = pongWait
	}
	if h.pingInt <= 0 || h.pingInt >= h.pongWait {
		h.pingInt = h.pongWait * 9 / 10
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 << 10,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
	return h
}

// Active reports the number of open ingest sessions.
func (h *Handler) Active() int {
	n := 0
	h.active.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// ServeHTTP upgrades the connection and runs the session until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, StreamParam)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	id, err := streamid.Parse(raw)
	if err != nil {
		h.log.Warn("ingest rejected", slog.String("reason", ReasonBadStreamID))
		closeWith(conn, websocket.CloseInvalidFramePayloadData, ReasonBadStreamID)
		return
	}

	s := &session{
		id:       uuid.NewString(),
		streamID: id,
		conn:     conn,
		started:  time.Now(),
	}
	if p, ok := gate.PrincipalFrom(r.Context()); ok {
		s.ownerID = p.SubjectID
	}
	s.log = h.log.With(slog.String("stream_id", id.String()), slog.String("session_id", s.id))

	if _, loaded := h.active.LoadOrStore(id, s); loaded {
		s.log.Warn("ingest rejected", slog.String("reason", ReasonAlreadyLive))
		closeWith(conn, websocket.ClosePolicyViolation, ReasonAlreadyLive)
		return
	}
	defer h.active.CompareAndDelete(id, s)

	h.run(r.Context(), s)
}

func (h *Handler) run(ctx context.Context, s *session) {
	h.metrics.IngestOpened()
	defer h.metrics.IngestClosed()

	if err := h.open(ctx, s); err != nil {
		if errors.Is(err, streamid.ErrUsed) {
			s.log.Warn("ingest rejected", slog.String("reason", ReasonStreamUsed), slog.String("error", err.Error()))
			closeWith(s.conn, websocket.ClosePolicyViolation, ReasonStreamUsed)
			return
		}
		s.log.Error("ingest setup failed", slog.String("error", err.Error()))
		closeWith(s.conn, websocket.CloseInternalServerErr, ReasonBackend)
		return
	}
	s.log.Info("ingest session opened", slog.String("owner_id", s.ownerID))

	var frames, bytes int64
	defer func() {
		h.pipeline.Detach(s.streamID)
		s.log.Info("ingest session closed",
			slog.Int64("frames", frames),
			slog.Int64("bytes", bytes),
			slog.Int("duration_ms", int(time.Since(s.started).Milliseconds())),
		)
	}()

	done := make(chan struct{})
	defer close(done)
	go h.keepalive(s, done)

	s.conn.SetReadLimit(h.maxFrame)
	_ = s.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			h.readFailed(s, err)
			return
		}
		if mt != websocket.BinaryMessage {
			s.log.Warn("non-binary frame", slog.Int("message_type", mt))
			closeWith(s.conn, websocket.CloseUnsupportedData, ReasonBinaryOnly)
			return
		}
		if err := h.bus.Publish(ctx, s.streamID, data); err != nil {
			h.metrics.IncPublishFailures()
			s.log.Error("publish frame", slog.String("error", err.Error()))
			closeWith(s.conn, websocket.CloseInternalServerErr, ReasonBackend)
			return
		}
		h.metrics.ObserveFramePublished(len(data))
		frames++
		bytes += int64(len(data))
	}
}

// open creates the recording record, if any, and attaches the pipeline so a
// subscriber exists before the first frame is read.
func (h *Handler) open(ctx context.Context, s *session) error {
	recorded := false
	if h.recorder != nil && s.ownerID != "" {
		if _, err := h.recorder.CreateForStream(ctx, s.streamID, s.ownerID); err != nil {
			return err
		}
		recorded = true
	}
	if err := h.pipeline.Attach(ctx, s.streamID); err != nil {
		h.pipeline.Detach(s.streamID)
		if recorded {
			if ferr := h.recorder.MarkFinished(context.WithoutCancel(ctx), s.streamID, "", time.Now()); ferr != nil {
				return errors.Join(err, ferr)
			}
		}
		return err
	}
	return nil
}

func (h *Handler) readFailed(s *session, err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		s.log.Debug("peer closed", slog.String("reason", err.Error()))
		_ = s.conn.Close()
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		s.log.Warn("peer closed abnormally", slog.Int("code", ce.Code), slog.String("text", ce.Text))
		_ = s.conn.Close()
		return
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		s.log.Warn("frame too large", slog.Int64("limit", h.maxFrame))
		closeWith(s.conn, websocket.CloseMessageTooBig, "frame too large")
		return
	}
	s.log.Error("ingest transport error", slog.String("error", err.Error()))
	closeWith(s.conn, websocket.CloseInternalServerErr, ReasonTransport)
}

func (h *Handler) keepalive(s *session, done <-chan struct{}) {
	t := time.NewTicker(h.pingInt)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// closeWith sends a close frame with code and reason, then drops the
// connection. WriteControl is safe to call concurrently with the pinger.
func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}
