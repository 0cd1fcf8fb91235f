package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"Xinyu/server/internal/models"
	"Xinyu/server/internal/storage"
)

type createRequestBody struct {
	CharacterID string                   `json:"character_id"`
	Greeting    string                   `json:"greeting"`
	MaskedName  string                   `json:"masked_name"`
	Remark      string                   `json:"remark"`
	Visibility  models.RequestVisibility `json:"visibility"`
	Tags        []string                 `json:"tags"`
}

// CreateRequest records a contact request sent by the player.
func (h *Handlers) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.CharacterID == "" {
		writeError(w, http.StatusBadRequest, "character_id is required")
		return
	}
	if _, err := h.svc.Characters.Get(r.Context(), body.CharacterID); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	req := &models.SocialActionRequest{
		CharacterID: body.CharacterID,
		Greeting:    body.Greeting,
		MaskedName:  body.MaskedName,
		Remark:      body.Remark,
		Visibility:  body.Visibility,
		Tags:        body.Tags,
	}
	if err := h.svc.Requests.Create(r.Context(), req); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handlers) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.RequestFilter{
		CharacterID: q.Get("character_id"),
		Status:      models.RequestStatus(q.Get("status")),
	}
	switch filter.Status {
	case "", models.RequestPending, models.RequestAccepted, models.RequestRejected:
	default:
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	list, err := h.svc.Requests.List(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// RespondToRequest makes the character react to a pending request.
func (h *Handlers) RespondToRequest(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Engine.RespondToRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) ListContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := h.svc.Sync.Contacts(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}
