// internal/membership/handler.go
package membership

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"libracirc/internal/web"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the member directory endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/members", h.HandleListMembers)
	r.Post("/members", h.HandleRegisterMember)
	r.Get("/members/{memberID}", h.HandleGetMember)
}

func (h *Handler) HandleListMembers(w http.ResponseWriter, r *http.Request) {
	if libraryID := r.URL.Query().Get("library_id"); libraryID != "" {
		member, err := h.service.GetByLibraryID(r.Context(), libraryID)
		if err != nil {
			web.Error(w, r, err)
			return
		}
		web.JSON(w, http.StatusOK, []*Member{member})
		return
	}

	members, err := h.service.List(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}

	web.JSON(w, http.StatusOK, members)
}

func (h *Handler) HandleRegisterMember(w http.ResponseWriter, r *http.Request) {
	var req NewMember
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, r, err)
		return
	}

	member, err := h.service.Register(r.Context(), req)
	if err != nil {
		web.Error(w, r, err)
		return
	}

	web.JSON(w, http.StatusCreated, member)
}

func (h *Handler) HandleGetMember(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathID(r, "memberID")
	if err != nil {
		web.Error(w, r, err)
		return
	}

	member, err := h.service.Get(r.Context(), id)
	if err != nil {
		web.Error(w, r, err)
		return
	}

	web.JSON(w, http.StatusOK, member)
}
