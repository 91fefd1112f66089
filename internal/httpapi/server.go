// Package httpapi exposes the sync operations over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stellarlinkco/chatsync/internal/bus"
	"github.com/stellarlinkco/chatsync/internal/ui"
)

// Syncer is the subset of syncer.Syncer served over HTTP.
type Syncer interface {
	Poll(ctx context.Context, contact string, updateAnchor bool) ([]bus.MessageEvent, error)
	OpenChat(ctx context.Context, contact string) error
	ReadDirect(ctx context.Context, contact string) ([]bus.MessageEvent, error)
	SendMessage(ctx context.Context, contact, text string) error
	SendFile(ctx context.Context, contact, path string) error
	AnchorHash(contact string) (string, bool)
	BootstrapFailed(contact string) bool
	ResetAnchor(contact string) error
}

// DeliverFunc receives events read through the API so bridges see them too.
type DeliverFunc func(ctx context.Context, events []bus.MessageEvent)

type Server struct {
	sync    Syncer
	deliver DeliverFunc
	logger  *slog.Logger
}

func New(s Syncer, deliver DeliverFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sync: s, deliver: deliver, logger: logger.With("component", "http")}
}

type eventsResponse struct {
	Events []bus.MessageEvent `json:"events"`
}

type anchorResponse struct {
	Contact string `json:"contact"`
	Anchor  string `json:"anchor"`
}

type textRequest struct {
	Text string `json:"text"`
}

type fileRequest struct {
	Path string `json:"path"`
}

type errorResponse struct {
	Error string `json:"error"`
	// BootstrapFailed is set on a missing anchor that only a reset can
	// recover.
	BootstrapFailed bool `json:"bootstrap_failed,omitempty"`
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/contacts/{contact}", func(r chi.Router) {
		r.Get("/anchor", s.handleGetAnchor)
		r.Delete("/anchor", s.handleResetAnchor)
		r.Post("/poll", s.handlePoll)
		r.Post("/read-direct", s.handleReadDirect)
		r.Post("/messages", s.handleSendMessage)
		r.Post("/files", s.handleSendFile)
	})
	return r
}

func contactParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "contact"))
}

func (s *Server) handleGetAnchor(w http.ResponseWriter, r *http.Request) {
	contact := contactParam(r)
	h, ok := s.sync.AnchorHash(contact)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error:           "no anchor for contact",
			BootstrapFailed: s.sync.BootstrapFailed(contact),
		})
		return
	}
	writeJSON(w, http.StatusOK, anchorResponse{Contact: contact, Anchor: h})
}

func (s *Server) handleResetAnchor(w http.ResponseWriter, r *http.Request) {
	if err := s.sync.ResetAnchor(contactParam(r)); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePoll runs an incremental read. update_anchor defaults to true.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	update := true
	if v := r.URL.Query().Get("update_anchor"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "update_anchor must be a boolean"})
			return
		}
		update = parsed
	}

	contact := contactParam(r)
	events, err := s.sync.Poll(r.Context(), contact, update)
	if err != nil {
		s.fail(w, err)
		return
	}
	if update {
		s.publish(r.Context(), events)
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: nonNil(events)})
}

func (s *Server) handleReadDirect(w http.ResponseWriter, r *http.Request) {
	contact := contactParam(r)
	if err := s.sync.OpenChat(r.Context(), contact); err != nil {
		s.fail(w, err)
		return
	}
	events, err := s.sync.ReadDirect(r.Context(), contact)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.publish(r.Context(), events)
	writeJSON(w, http.StatusOK, eventsResponse{Events: nonNil(events)})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text required"})
		return
	}
	if err := s.sync.SendMessage(r.Context(), contactParam(r), req.Text); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendFile(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Path) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "path required"})
		return
	}
	if err := s.sync.SendFile(r.Context(), contactParam(r), req.Path); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) publish(ctx context.Context, events []bus.MessageEvent) {
	if s.deliver != nil && len(events) > 0 {
		s.deliver(ctx, events)
	}
}

// fail maps engine errors to status codes: a lost window is 503, a chat
// that cannot be opened is 409.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ui.ErrWindowNotFound):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ui.ErrChatNotOpened):
		status = http.StatusConflict
	}
	s.logger.Warn("request failed", "status", status, "error", err)
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func nonNil(events []bus.MessageEvent) []bus.MessageEvent {
	if events == nil {
		return []bus.MessageEvent{}
	}
	return events
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
