package recording

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"livecast/internal/platform/metrics"
	"livecast/internal/streamid"
	"livecast/internal/transcoder"
)

const (
	// DefaultLinkTTL bounds the lifetime of a playback link.
	DefaultLinkTTL = 15 * time.Minute
	// DefaultBasePath is where recorded streams are served.
	DefaultBasePath = "/api/recorded-streams"
)

var (
	// ErrForbidden is returned when the caller does not own the record.
	ErrForbidden = errors.New("recording belongs to another user")
	// ErrNotReady is returned for a record whose recording is not playable yet.
	ErrNotReady = errors.New("recording not ready")
)

// LinkIssuer signs record-scoped playback tokens.
type LinkIssuer interface {
	Issue(recordID int64, subjectID string, ttl time.Duration) (string, error)
}

// Config configures a Service.
type Config struct {
	// Root is the storage directory holding one directory per stream.
	Root     string
	Links    LinkIssuer
	LinkTTL  time.Duration
	BasePath string
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Service applies ownership and readiness rules on top of a Repository and
// maps records to files under the storage root.
type Service struct {
	repo     Repository
	root     string
	links    LinkIssuer
	linkTTL  time.Duration
	basePath string
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewService returns a Service over repo.
func NewService(repo Repository, cfg Config) *Service {
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = DefaultLinkTTL
	}
	if cfg.BasePath == "" {
		cfg.BasePath = DefaultBasePath
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:     repo,
		root:     cfg.Root,
		links:    cfg.Links,
		linkTTL:  cfg.LinkTTL,
		basePath: strings.TrimSuffix(cfg.BasePath, "/"),
		log:      log.With(slog.String("component", "recording")),
		metrics:  cfg.Metrics,
	}
}

// CreateForStream records a new live stream for ownerID. A stream id is
// used for one session only: an id that already has a record, or whose
// recording is still on disk, is refused with streamid.ErrUsed.
func (s *Service) CreateForStream(ctx context.Context, id streamid.ID, ownerID string) (Record, error) {
	rel := filepath.Join(id.String(), transcoder.RecordingName(id))
	if _, err := os.Stat(filepath.Join(s.root, rel)); err == nil {
		return Record{}, fmt.Errorf("create record for %s: recording exists: %w", id, streamid.ErrUsed)
	}
	rec, err := s.repo.CreateForStream(ctx, id, ownerID, rel)
	if err != nil {
		return Record{}, fmt.Errorf("create record for %s: %w", id, err)
	}
	s.log.Info("recording created", slog.Int64("record_id", rec.ID),
		slog.String("stream_id", id.String()), slog.String("owner_id", ownerID))
	return rec, nil
}

// MarkFinished marks the stream's newest record as finished. artifactPath is
// relative to the storage root and empty when no recording was produced.
func (s *Service) MarkFinished(ctx context.Context, id streamid.ID, artifactPath string, at time.Time) error {
	rec, changed, err := s.repo.Finish(ctx, id, artifactPath, at)
	if err != nil {
		return fmt.Errorf("finish record for %s: %w", id, err)
	}
	if changed {
		s.log.Info("recording finished", slog.Int64("record_id", rec.ID),
			slog.String("stream_id", id.String()), slog.Bool("has_artifact", artifactPath != ""))
	}
	return nil
}

// HandleExit is the transcoder exit hook: it finishes the stream's record
// with the artifact the process left behind.
func (s *Service) HandleExit(ev transcoder.ExitEvent) {
	rel := ""
	if ev.ArtifactPath != "" {
		r, err := filepath.Rel(s.root, ev.ArtifactPath)
		if err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.MarkFinished(ctx, ev.StreamID, rel, time.Now()); err != nil {
		s.log.Error("mark recording finished", slog.String("stream_id", ev.StreamID.String()), slog.String("error", err.Error()))
	}
}

// owned loads a record and checks that subjectID owns it.
func (s *Service) owned(ctx context.Context, subjectID string, recordID int64) (Record, error) {
	rec, err := s.repo.Get(ctx, recordID)
	if err != nil {
		return Record{}, err
	}
	if rec.OwnerID != subjectID {
		return Record{}, ErrForbidden
	}
	return rec, nil
}

func (s *Service) details(rec Record) Details {
	return Details{Record: rec, Playable: rec.Ready() && s.artifactExists(rec)}
}

// Details returns a record owned by subjectID.
func (s *Service) Details(ctx context.Context, subjectID string, recordID int64) (Details, error) {
	rec, err := s.owned(ctx, subjectID, recordID)
	if err != nil {
		return Details{}, err
	}
	return s.details(rec), nil
}

// ListMine returns every record owned by subjectID.
func (s *Service) ListMine(ctx context.Context, subjectID string) ([]Details, error) {
	recs, err := s.repo.ListByOwner(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	out := make([]Details, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.details(rec))
	}
	return out, nil
}

// Delete removes a finished record and its recording file.
func (s *Service) Delete(ctx context.Context, subjectID string, recordID int64) error {
	rec, err := s.owned(ctx, subjectID, recordID)
	if err != nil {
		return err
	}
	if !rec.Finished() {
		return ErrNotReady
	}
	if rec.ArtifactPath != "" {
		path := s.artifactPath(rec)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove recording: %w", err)
		}
		// Only succeeds once the stream directory is empty.
		_ = os.Remove(filepath.Dir(path))
	}
	if err := s.repo.Delete(ctx, recordID); err != nil {
		return err
	}
	s.log.Info("recording deleted", slog.Int64("record_id", recordID), slog.String("stream_id", rec.StreamID.String()))
	return nil
}

// IssuePlaybackLink returns a short-lived URL for the recording of recordID.
// It fails with ErrNotFound, ErrForbidden or ErrNotReady.
func (s *Service) IssuePlaybackLink(ctx context.Context, subjectID string, recordID int64) (StreamURL, error) {
	rec, err := s.owned(ctx, subjectID, recordID)
	if err != nil {
		return StreamURL{}, err
	}
	if !rec.Ready() || !s.artifactExists(rec) {
		return StreamURL{}, ErrNotReady
	}

	tok, err := s.links.Issue(recordID, subjectID, s.linkTTL)
	if err != nil {
		return StreamURL{}, fmt.Errorf("issue playback token: %w", err)
	}
	s.metrics.IncPlaybackLinks()
	return StreamURL{
		URL:       fmt.Sprintf("%s/%d/file?token=%s", s.basePath, recordID, url.QueryEscape(tok)),
		ExpiresAt: time.Now().Add(s.linkTTL).UTC(),
	}, nil
}

// OpenArtifact opens the recording of recordID for a viewer authorized as
// subjectID. The caller closes the file.
func (s *Service) OpenArtifact(ctx context.Context, recordID int64, subjectID string) (*os.File, fs.FileInfo, error) {
	rec, err := s.owned(ctx, subjectID, recordID)
	if err != nil {
		return nil, nil, err
	}
	if !rec.Ready() {
		return nil, nil, ErrNotReady
	}
	f, err := os.Open(s.artifactPath(rec))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open recording: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("stat recording: %w", err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, nil, ErrNotFound
	}
	return f, info, nil
}

// StreamEnded reports whether the newest record of id has finished.
func (s *Service) StreamEnded(ctx context.Context, id streamid.ID) bool {
	rec, err := s.repo.Latest(ctx, id)
	return err == nil && rec.Finished()
}

// LiveRecordings returns the number of streams still being recorded.
func (s *Service) LiveRecordings() int { return s.repo.ActiveCount() }

// Root returns the storage root.
func (s *Service) Root() string { return s.root }

// artifactPath resolves a stored relative path strictly inside the root.
func (s *Service) artifactPath(rec Record) string {
	return filepath.Join(s.root, filepath.Clean("/"+rec.ArtifactPath))
}

func (s *Service) artifactExists(rec Record) bool {
	if rec.ArtifactPath == "" {
		return false
	}
	info, err := os.Stat(s.artifactPath(rec))
	return err == nil && info.Mode().IsRegular()
}
