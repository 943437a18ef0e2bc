// Package api provides the HTTP server and handlers in front of the storage
// manager.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pentaract/pentaract/internal/channel"
	"github.com/pentaract/pentaract/internal/chunk"
	"github.com/pentaract/pentaract/internal/events"
	"github.com/pentaract/pentaract/internal/logging"
	"github.com/pentaract/pentaract/internal/manager"
	"github.com/pentaract/pentaract/internal/metadata"
	"github.com/pentaract/pentaract/internal/metrics"
	"github.com/pentaract/pentaract/internal/transfer"
	"github.com/pentaract/pentaract/internal/transport"
)

// Storage runs file commands. *manager.Manager implements it.
type Storage interface {
	Upload(ctx context.Context, meta metadata.FileMeta, src io.Reader) (manager.Result, error)
	Download(ctx context.Context, fileID string, offset int64, w io.Writer) (manager.Result, error)
	Delete(ctx context.Context, fileID string) (manager.Result, error)
}

// Files answers metadata lookups.
type Files interface {
	GetFile(ctx context.Context, fileID string) (*metadata.File, error)
	ListFiles(ctx context.Context, folder string) ([]metadata.File, error)
}

// Channels reports the loaded channels and registers new ones.
type Channels interface {
	Snapshot() []channel.Status
	Add(ctx context.Context, ch channel.Channel) (channel.Channel, error)
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Server is the HTTP server.
type Server struct {
	storage     Storage
	files       Files
	channels    Channels
	broadcaster *events.Broadcaster
}

// NewServer creates a new server. broadcaster may be nil, in which case the
// event stream is not served.
func NewServer(storage Storage, files Files, channels Channels, broadcaster *events.Broadcaster) *Server {
	return &Server{
		storage:     storage,
		files:       files,
		channels:    channels,
		broadcaster: broadcaster,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/files", s.handleUpload)
	mux.HandleFunc("GET /api/files", s.handleList)
	mux.HandleFunc("GET /api/files/{id}/meta", s.handleMeta)
	mux.HandleFunc("GET /api/files/{id}", s.handleDownload)
	mux.HandleFunc("DELETE /api/files/{id}", s.handleDelete)

	mux.HandleFunc("GET /api/channels", s.handleChannels)
	mux.HandleFunc("POST /api/channels", s.handleCreateChannel)

	if s.broadcaster != nil {
		mux.HandleFunc("GET /api/events", s.handleEvents)
	}

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleUpload accepts the file either as the raw request body or as the
// "file" field of a multipart form.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	meta := metadata.FileMeta{
		Folder: r.URL.Query().Get("folder"),
		Name:   r.URL.Query().Get("name"),
	}

	var body io.Reader = r.Body
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "multipart/form-data" {
		mr, err := r.MultipartReader()
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
			return
		}
		for {
			part, err := mr.NextPart()
			if err != nil {
				s.sendError(w, http.StatusBadRequest, "multipart body has no file field")
				return
			}
			if part.FormName() == "file" {
				if meta.Name == "" {
					meta.Name = part.FileName()
				}
				body = part
				break
			}
			part.Close()
		}
	}

	if meta.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}

	res, err := s.storage.Upload(r.Context(), meta, body)
	if err != nil {
		logging.WithContext(r.Context()).Warn("upload failed",
			zap.String("file_id", res.FileID), zap.Error(err))
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, res.File)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	files, err := s.files.ListFiles(r.Context(), r.URL.Query().Get("folder"))
	if err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	if files == nil {
		files = []metadata.File{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	f, err := s.files.GetFile(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	f, err := s.files.GetFile(r.Context(), id)
	if err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	if f.Status != metadata.StatusComplete {
		s.sendError(w, http.StatusNotFound, fmt.Sprintf("file %s is %s", id, f.Status))
		return
	}

	offset, length, hasRange := parseRangeHeader(r.Header.Get("Range"), f.Size)
	if hasRange && offset >= f.Size {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", f.Size))
		s.sendError(w, http.StatusRequestedRangeNotSatisfiable, "range starts beyond the end of the file")
		return
	}

	h := w.Header()
	h.Set("Content-Type", f.ContentType)
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.Name}))
	status := http.StatusOK
	if hasRange {
		status = http.StatusPartialContent
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, f.Size))
		h.Set("Content-Length", strconv.FormatInt(length, 10))
	} else {
		h.Set("Content-Length", strconv.FormatInt(f.Size, 10))
		h.Set("X-Content-SHA256", f.Hash)
	}

	out := &lazyWriter{w: w, status: status, remaining: -1}
	if hasRange {
		out.remaining = length
	}
	_, err = s.storage.Download(r.Context(), id, offset, out)
	if err == nil {
		if !out.started {
			w.WriteHeader(status)
		}
		return
	}

	logging.WithContext(r.Context()).Error("download failed",
		zap.String("file_id", id), zap.Int64("written", out.written), zap.Error(err))
	if !out.started {
		h.Del("Content-Length")
		h.Del("Content-Range")
		h.Del("Content-Disposition")
		h.Del("X-Content-SHA256")
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	// Headers are gone; the client sees a truncated body.
	panic(http.ErrAbortHandler)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if _, err := s.storage.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.channels.Snapshot())
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name              string          `json:"name"`
		Kind              string          `json:"kind"`
		Config            json.RawMessage `json:"config"`
		MaxObjectSize     int64           `json:"max_object_size"`
		RequestsPerMinute int             `json:"requests_per_minute"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Kind == "" {
		s.sendError(w, http.StatusBadRequest, "kind is required")
		return
	}
	if req.MaxObjectSize < 0 || req.RequestsPerMinute < 0 {
		s.sendError(w, http.StatusBadRequest, "limits must not be negative")
		return
	}
	if len(req.Config) == 0 {
		req.Config = json.RawMessage("{}")
	}

	created, err := s.channels.Add(r.Context(), channel.Channel{
		Name:              req.Name,
		Kind:              req.Kind,
		Config:            req.Config,
		MaxObjectSize:     req.MaxObjectSize,
		RequestsPerMinute: req.RequestsPerMinute,
	})
	if err != nil {
		code := statusFor(err)
		if errors.Is(err, channel.ErrInvalidChannel) {
			code = http.StatusBadRequest
		}
		s.sendError(w, code, err.Error())
		return
	}

	logging.Info("channel created",
		zap.Int("id", created.ID),
		zap.String("name", created.Name),
		zap.String("kind", created.Kind))

	// The stored config carries credentials; reply with the redacted status.
	writeJSON(w, http.StatusCreated, channel.Status{
		ID:                created.ID,
		Name:              created.Name,
		Kind:              created.Kind,
		MaxObjectSize:     created.MaxObjectSize,
		RequestsPerMinute: created.RequestsPerMinute,
	})
}

// handleEvents streams file events as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// lazyWriter delays the response header until the first byte of content so
// failures before that can still be reported with a proper status.
type lazyWriter struct {
	w         http.ResponseWriter
	status    int
	started   bool
	written   int64
	remaining int64 // -1 when unbounded
}

func (lw *lazyWriter) Write(p []byte) (int, error) {
	if !lw.started {
		lw.w.WriteHeader(lw.status)
		lw.started = true
	}
	if lw.remaining < 0 {
		n, err := lw.w.Write(p)
		lw.written += int64(n)
		return n, err
	}

	if int64(len(p)) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	lw.remaining -= int64(n)
	if err != nil {
		return n, err
	}
	if lw.remaining == 0 {
		return n, manager.ErrSinkDone
	}
	return n, nil
}

var rangePattern = regexp.MustCompile(`^bytes=(\d+)-(\d*)$`)

// parseRangeHeader supports single "bytes=N-" and "bytes=N-M" ranges. Other
// forms are ignored and the whole file is served.
func parseRangeHeader(header string, totalSize int64) (offset, length int64, hasRange bool) {
	if header == "" {
		return 0, totalSize, false
	}
	m := rangePattern.FindStringSubmatch(header)
	if m == nil {
		return 0, totalSize, false
	}

	offset, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, totalSize, false
	}
	length = totalSize - offset
	if m[2] != "" {
		end, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil || end < offset {
			return 0, totalSize, false
		}
		if end < totalSize {
			length = end - offset + 1
		}
	}
	return offset, length, true
}

// statusFor maps storage errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, channel.ErrNoCapacity):
		return http.StatusInsufficientStorage
	case errors.Is(err, chunk.ErrIntegrity),
		errors.Is(err, transfer.ErrTransferFailed),
		errors.Is(err, channel.ErrUnknownChannel):
		return http.StatusBadGateway
	case errors.Is(err, metadata.ErrUnavailable),
		errors.Is(err, manager.ErrQueueFull),
		errors.Is(err, manager.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	var terr *transport.Error
	if errors.As(err, &terr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, ErrorResponse{Error: message, Code: code})
}
