package handler

import (
	"log/slog"
	"net/http"

	"github.com/pavelanni/grader/internal/model"
)

func (h *Handler) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "userID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if id == model.UserFromContext(r.Context()).ID {
		h.writeError(w, r, &model.ValidationError{Field: "userID", Reason: "cannot deactivate yourself"})
		return
	}

	if err := h.store.ToggleUserActive(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	u, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if u == nil {
		h.writeError(w, r, &model.NotFoundError{Kind: "user", ID: id})
		return
	}
	slog.Info("toggled user active", "id", id, "active", u.Active)
	writeJSON(w, http.StatusOK, u)
}
