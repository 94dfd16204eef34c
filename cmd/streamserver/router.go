package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/virtdisplay/sessionstream/internal/apierr"
	"github.com/virtdisplay/sessionstream/internal/manager"
	"github.com/virtdisplay/sessionstream/internal/wsrelay"
)

// newRouter wires the manager and wsrelay behind the minimal REST-ish
// session CRUD the front-end boundary expects: create, list, get,
// delete, plus the WebSocket stream endpoint. Status-code mapping from
// the core's typed errors lives here, not in the core.
func newRouter(mgr *manager.Manager, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			createSession(mgr, logger, w, r)
		case http.MethodGet:
			listSessions(mgr, w)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/sessions/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/sessions/")
		id, isStream := strings.CutSuffix(id, "/stream")

		switch {
		case isStream && r.Method == http.MethodGet:
			streamSession(mgr, logger, w, r, id)
		case r.Method == http.MethodGet:
			getSession(mgr, w, id)
		case r.Method == http.MethodDelete:
			deleteSession(mgr, logger, w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return mux
}

type createRequest struct {
	SessionID string `json:"session_id"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Framerate int    `json:"framerate"`
	Bitrate   int    `json:"bitrate"`
	GOPSize   int    `json:"gop_size"`
	URL       string `json:"url"`
}

func createSession(mgr *manager.Manager, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sess, err := mgr.Create(r.Context(), manager.Spec{
		SessionID: req.SessionID,
		Width:     req.Width, Height: req.Height, Framerate: req.Framerate,
		Bitrate: req.Bitrate, GOPSize: req.GOPSize,
		URL:   req.URL,
		Build: encoderCommand,
	})
	switch {
	case err == nil:
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(sessionView(sess))
	case errors.Is(err, apierr.ErrAlreadyExists):
		w.WriteHeader(http.StatusConflict)
	case errors.Is(err, apierr.ErrInfrastructure), errors.Is(err, apierr.ErrCapacityExceeded):
		logger.Error("create session failed", "error", err)
		w.WriteHeader(http.StatusBadGateway)
	default:
		logger.Error("create session failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func listSessions(mgr *manager.Manager, w http.ResponseWriter) {
	sessions := mgr.List()
	views := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView(s))
	}
	_ = json.NewEncoder(w).Encode(views)
}

func getSession(mgr *manager.Manager, w http.ResponseWriter, id string) {
	sess, ok := mgr.Get(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(sessionView(sess))
}

func deleteSession(mgr *manager.Manager, logger *slog.Logger, w http.ResponseWriter, r *http.Request, id string) {
	err := mgr.Destroy(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, apierr.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
	default:
		logger.Error("destroy session failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func streamSession(mgr *manager.Manager, logger *slog.Logger, w http.ResponseWriter, r *http.Request, id string) {
	sess, ok := mgr.Get(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	wsrelay.Serve(w, r, sess, logger)
}

func sessionView(s interface {
	ID() string
	URL() string
	Display() string
	Resolution() (int, int)
	SubscriberCount() int
}) map[string]any {
	width, height := s.Resolution()
	return map[string]any{
		"session_id":       s.ID(),
		"url":              s.URL(),
		"display":          s.Display(),
		"width":            width,
		"height":           height,
		"subscriber_count": s.SubscriberCount(),
	}
}
