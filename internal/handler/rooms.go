package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatchat/internal/auth"
	"github.com/chatchat/internal/config"
	"github.com/chatchat/internal/model"
	"github.com/chatchat/internal/session"
	"github.com/chatchat/internal/ws"
)

type RoomsHandler struct {
	catalog  []config.Room
	rooms    *session.Manager
	identity auth.Provider
}

func NewRoomsHandler(catalog []config.Room, rooms *session.Manager, identity auth.Provider) *RoomsHandler {
	return &RoomsHandler{catalog: catalog, rooms: rooms, identity: identity}
}

type roomResponse struct {
	config.Room
	Entered bool `json:"entered"`
}

type SendMessageRequest struct {
	Text string `json:"text"`
}

// List returns the catalog plus any entered room outside it.
func (h *RoomsHandler) List(w http.ResponseWriter, r *http.Request) {
	ids := h.rooms.Rooms()
	entered := make(map[string]bool, len(ids))
	for _, id := range ids {
		entered[id] = true
	}
	out := make([]roomResponse, 0, len(h.catalog)+len(entered))
	for _, room := range h.catalog {
		out = append(out, roomResponse{Room: room, Entered: entered[room.ID]})
		delete(entered, room.ID)
	}
	for _, id := range ids {
		if entered[id] {
			out = append(out, roomResponse{Room: config.Room{ID: id, Name: id}, Entered: true})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *RoomsHandler) Enter(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identity.Current(); !ok {
		writeError(w, http.StatusUnauthorized, "not signed in")
		return
	}
	s, err := h.rooms.Enter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	h.writeState(w, http.StatusOK, s)
}

func (h *RoomsHandler) Leave(w http.ResponseWriter, r *http.Request) {
	if err := h.rooms.Leave(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomsHandler) State(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.writeState(w, http.StatusOK, s)
}

// SendMessage queues a message; the outcome shows up in the room state.
func (h *RoomsHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	text, ok := model.NormalizeText(req.Text)
	if !ok {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}
	s.Send(r.Context(), text)
	w.WriteHeader(http.StatusAccepted)
}

// Refresh re-checks access and presence, then returns the resulting state.
func (h *RoomsHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	select {
	case <-s.Refresh(r.Context()):
	case <-r.Context().Done():
		return
	}
	h.writeState(w, http.StatusOK, s)
}

func (h *RoomsHandler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, ok := h.rooms.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "room not entered")
		return nil, false
	}
	return s, true
}

func (h *RoomsHandler) writeState(w http.ResponseWriter, status int, s *session.Session) {
	st, err := s.State()
	if err != nil {
		writeError(w, http.StatusGone, err.Error())
		return
	}
	uid := ""
	if id, ok := h.identity.Current(); ok {
		uid = id.UID
	}
	writeJSON(w, status, ws.NewRoomState(st, uid))
}
