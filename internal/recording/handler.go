package recording

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"livecast/internal/delivery"
	"livecast/internal/gate"
	"livecast/internal/platform/httpx"
	"livecast/internal/platform/metrics"
	"livecast/internal/streamid"
	"livecast/internal/transcoder"
)

// Handler exposes recorded-stream and live-output HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

func recordIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "recordId"), 10, 64)
	return id, err == nil && id > 0
}

// writeServiceError maps Service errors to JSON error responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, recordID int64, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, httpx.ReasonNotFound)
	case errors.Is(err, ErrForbidden):
		h.log.Warn(op+" denied", slog.Int64("record_id", recordID))
		httpx.WriteError(w, http.StatusForbidden, httpx.ReasonForbidden)
	case errors.Is(err, ErrNotReady):
		httpx.WriteError(w, http.StatusLocked, httpx.ReasonNotReady)
	default:
		h.log.Error(op+" failed", slog.Int64("record_id", recordID), slog.String("error", err.Error()))
		httpx.WriteError(w, http.StatusInternalServerError, httpx.ReasonInternal)
	}
}

// principal returns the session subject or writes 401.
func principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	p, ok := gate.PrincipalFrom(r.Context())
	if !ok || p.SubjectID == "" {
		httpx.WriteError(w, http.StatusUnauthorized, httpx.ReasonUnauthorized)
		return "", false
	}
	return p.SubjectID, true
}

// ListMine handles GET /api/recorded-streams/my-records.
func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	subject, ok := principal(w, r)
	if !ok {
		return
	}
	recs, err := h.svc.ListMine(r.Context(), subject)
	if err != nil {
		h.writeServiceError(w, "list recordings", 0, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, recs)
}

// GetDetails handles GET /api/recorded-streams/{recordId}.
func (h *Handler) GetDetails(w http.ResponseWriter, r *http.Request) {
	subject, ok := principal(w, r)
	if !ok {
		return
	}
	recordID, ok := recordIDParam(r)
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, httpx.ReasonNotFound)
		return
	}
	d, err := h.svc.Details(r.Context(), subject, recordID)
	if err != nil {
		h.writeServiceError(w, "get recording", recordID, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, d)
}

// Delete handles DELETE /api/recorded-streams/{recordId}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	subject, ok := principal(w, r)
	if !ok {
		return
	}
	recordID, ok := recordIDParam(r)
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, httpx.ReasonNotFound)
		return
	}
	if err := h.svc.Delete(r.Context(), subject, recordID); err != nil {
		h.writeServiceError(w, "delete recording", recordID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StreamURL handles GET /api/recorded-streams/{recordId}/stream-url.
func (h *Handler) StreamURL(w http.ResponseWriter, r *http.Request) {
	subject, ok := principal(w, r)
	if !ok {
		return
	}
	recordID, ok := recordIDParam(r)
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, httpx.ReasonNotFound)
		return
	}
	link, err := h.svc.IssuePlaybackLink(r.Context(), subject, recordID)
	if err != nil {
		h.writeServiceError(w, "issue playback link", recordID, err)
		return
	}
	h.log.Info("playback link issued", slog.Int64("record_id", recordID), slog.String("subject_id", subject))
	httpx.WriteJSON(w, http.StatusOK, link)
}

// File handles GET and HEAD /api/recorded-streams/{recordId}/file. The
// playback gate has already checked the token; the Viewer it attached is
// the only authority used here.
func (h *Handler) File(w http.ResponseWriter, r *http.Request) {
	viewer, ok := gate.ViewerFrom(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, httpx.ReasonTokenMissing)
		return
	}
	recordID, ok := recordIDParam(r)
	if !ok || recordID != viewer.RecordID {
		httpx.WriteError(w, http.StatusForbidden, httpx.ReasonTokenScopeMismatch)
		return
	}

	f, info, err := h.svc.OpenArtifact(r.Context(), recordID, viewer.SubjectID)
	if err != nil {
		h.writeServiceError(w, "open recording", recordID, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filepath.Base(f.Name())))
	if err := delivery.Serve(w, r, f, info.Size(), recordingContentType); err != nil {
		h.log.Debug("recording delivery interrupted", slog.Int64("record_id", recordID), slog.String("error", err.Error()))
	}
}

// LiveFile handles GET /hls/{streamId}/{file}: the live playlist and its
// segments while the stream runs.
func (h *Handler) LiveFile(w http.ResponseWriter, r *http.Request) {
	id, err := streamid.Parse(chi.URLParam(r, "streamId"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	name := chi.URLParam(r, "file")
	contentType, ok := liveContentType(name)
	if !ok {
		h.log.Warn("invalid live file name requested", slog.String("stream_id", id.String()), slog.String("file", name))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")

	path := filepath.Join(transcoder.OutputDir(h.svc.Root(), id), name)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		if name == transcoder.PlaylistName && h.svc.StreamEnded(r.Context(), id) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(BuildEndedPlaylist(transcoder.DefaultSegmentSeconds)))
			return
		}
		w.Header().Del("Content-Type")
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("open live file", slog.String("stream_id", id.String()), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		w.Header().Del("Content-Type")
		w.WriteHeader(http.StatusNotFound)
		return
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}
