package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"Xinyu/server/internal/engine"
	"Xinyu/server/internal/events"
	"Xinyu/server/internal/infra"
	"Xinyu/server/internal/logging"
	"Xinyu/server/internal/snapshot"
	"Xinyu/server/internal/storage"
	"Xinyu/server/internal/synchronizer"
)

// Services are what the HTTP surface reads and drives.
type Services struct {
	Engine     *engine.NarrativeEngine
	Characters *storage.CharacterStore
	Players    *storage.PlayerStore
	Requests   storage.RequestStore
	Snapshots  *snapshot.Cache
	Sync       *synchronizer.Synchronizer
	Hub        *EventHub
	Bus        *events.Bus
	Queue      *infra.TaskQueue
}

type Handlers struct {
	svc    Services
	logger *slog.Logger
}

func NewHandlers(svc Services, logger *slog.Logger) *Handlers {
	return &Handlers{svc: svc, logger: logging.OrDiscard(logger).With("component", "http")}
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeEngineError maps engine and storage errors to HTTP statuses.
func (h *Handlers) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var genErr *engine.GenerationError
	switch {
	case errors.As(err, &genErr):
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Error:     genErr.Error(),
			Kind:      string(genErr.Kind),
			Retryable: genErr.Retryable(),
		})
	case errors.Is(err, engine.ErrCharacterNotFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrGenerationInProgress),
		errors.Is(err, engine.ErrRequestNotPending),
		errors.Is(err, storage.ErrRequestResolved):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrEmptyInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "ok",
		"service": "xinyu",
	}
	if h.svc.Queue != nil {
		resp["queue"] = h.svc.Queue.Stats()
	}
	if h.svc.Bus != nil {
		resp["bus"] = h.svc.Bus.Stats()
	}
	if h.svc.Snapshots != nil {
		resp["scene_cache"] = h.svc.Snapshots.Stats()
	}
	if h.svc.Hub != nil {
		resp["ws_clients"] = h.svc.Hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// CORS middleware
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "300")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		})
	}
}

func NewRouter(svc Services, logger *slog.Logger) *chi.Mux {
	h := NewHandlers(svc, logger)

	r := chi.NewRouter()
	r.Use(requestLogger(h.logger))
	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/characters", func(r chi.Router) {
			r.Get("/", h.ListCharacters)
			r.Post("/", h.PutCharacter)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetCharacter)
				r.Delete("/", h.DeleteCharacter)

				r.Get("/turns", h.ListTurns)
				r.Post("/turns", h.SubmitTurn)
				r.Delete("/turns", h.ClearTurns)
				r.Post("/regenerate", h.Regenerate)

				r.Get("/favor", h.GetFavor)
				r.Get("/scene", h.GetScene)
				r.Get("/messages", h.GetMessages)
			})
		})

		r.Get("/player", h.GetPlayer)
		r.Put("/player", h.PutPlayer)

		r.Route("/requests", func(r chi.Router) {
			r.Get("/", h.ListRequests)
			r.Post("/", h.CreateRequest)
			r.Post("/{id}/respond", h.RespondToRequest)
		})

		r.Get("/contacts", h.ListContacts)

		if svc.Hub != nil {
			r.Get("/events", svc.Hub.ServeWS)
		}
	})

	return r
}
