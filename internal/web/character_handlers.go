package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"Xinyu/server/internal/models"
	"Xinyu/server/internal/storage"
)

func (h *Handlers) ListCharacters(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Characters.List(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// PutCharacter creates or replaces a character. A missing id is assigned.
func (h *Handlers) PutCharacter(w http.ResponseWriter, r *http.Request) {
	var c models.Character
	if err := decode(r, &c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(c.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if c.ID == "" {
		c.ID = storage.NewID()
	}
	if err := h.svc.Characters.Put(r.Context(), &c); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) GetCharacter(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Characters.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) DeleteCharacter(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Engine.DeleteCharacter(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitTurnRequest struct {
	Input string `json:"input"`
}

func (h *Handlers) SubmitTurn(w http.ResponseWriter, r *http.Request) {
	var req submitTurnRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := h.svc.Engine.SubmitTurn(r.Context(), chi.URLParam(r, "id"), req.Input)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) Regenerate(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Engine.Regenerate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) ListTurns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	turns, err := h.svc.Engine.Transcript(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"turns":      turns,
		"generating": h.svc.Engine.IsGenerating(id),
	})
}

func (h *Handlers) ClearTurns(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Engine.ClearHistory(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) GetFavor(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Engine.Favor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) GetScene(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Snapshots.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handlers) GetMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.svc.Characters.Get(r.Context(), id); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	msgs, err := h.svc.Sync.Messages(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handlers) GetPlayer(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Players.Get(r.Context())
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusOK, models.PlayerIdentity{})
		return
	}
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) PutPlayer(w http.ResponseWriter, r *http.Request) {
	var p models.PlayerIdentity
	if err := decode(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.svc.Players.Put(r.Context(), &p); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
