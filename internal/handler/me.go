package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chatchat/internal/auth"
	"github.com/chatchat/internal/model"
)

// MeHandler mirrors the identity the client is signed in as.
type MeHandler struct {
	auth *auth.Manager
}

func NewMeHandler(a *auth.Manager) *MeHandler {
	return &MeHandler{auth: a}
}

type meResponse struct {
	SignedIn bool            `json:"signed_in"`
	Identity *model.Identity `json:"identity,omitempty"`
}

func (h *MeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.auth.Current()
	if !ok {
		writeJSON(w, http.StatusOK, meResponse{})
		return
	}
	writeJSON(w, http.StatusOK, meResponse{SignedIn: true, Identity: &id})
}

// SignIn accepts the identity the external provider authenticated.
func (h *MeHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req model.Identity
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.auth.SignIn(req); err != nil {
		if errors.Is(err, auth.ErrInvalidIdentity) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "sign in failed")
		return
	}
	id, _ := h.auth.Current()
	writeJSON(w, http.StatusOK, meResponse{SignedIn: true, Identity: &id})
}

// SignOut clears the identity; entered rooms are closed by the session manager binding.
func (h *MeHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	h.auth.SignOut()
	w.WriteHeader(http.StatusNoContent)
}
