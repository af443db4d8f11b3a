// internal/circulation/handler.go
package circulation

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

type loanRequest struct {
	LibraryID string `json:"library_id" validate:"required"`
	BookID    int64  `json:"book_id" validate:"required,gt=0"`
}

// Routes mounts the loan and reservation endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/loans", h.HandleListLoans)
	r.Post("/loans/checkout", h.HandleCheckout)
	r.Post("/loans/return", h.HandleReturn)

	r.Get("/reservations", h.HandleListReservations)
	r.Post("/reservations", h.HandleReserve)
	r.Post("/reservations/{reservationID}/cancel", h.HandleCancelReservation)
}

func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	var req loanRequest
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, r, err)
		return
	}

	loan, err := h.service.Checkout(r.Context(), req.LibraryID, req.BookID)
	if err != nil {
		web.Error(w, r, err)
		return
	}

	web.JSON(w, http.StatusCreated, loan)
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	var req loanRequest
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, r, err)
		return
	}

	result, err := h.service.Return(r.Context(), req.LibraryID, req.BookID)
	if err != nil {
		web.Error(w, r, err)
		return
	}

	web.JSON(w, http.StatusOK, result)
}

func (h *Handler) HandleListLoans(w http.ResponseWriter, r *http.Request) {
	memberID, err := web.QueryID(r, "member_id")
	if err != nil {
		web.Error(w, r, err)
		return
	}

	loans, err := h.service.ListLoans(r.Context(), memberID)
	if err != nil {
		web.Error(w, r, err)
		return
	}

	web.JSON(w, http.StatusOK, loans)
}

func (h *Handler) HandleReserve(w http.ResponseWriter, r *http.Request) {
	var req loanRequest
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, r, err)
		return
	}

	res, err := h.service.Reserve(r.Context(), req.BookID, req.LibraryID)
	if err != nil {
		web.Error(w, r, err)
		return
	}

	web.JSON(w, http.StatusCreated, res)
}

func (h *Handler) HandleListReservations(w http.ResponseWriter, r *http.Request) {
	memberID, err := web.QueryID(r, "member_id")
	if err != nil {
		web.Error(w, r, err)
		return
	}

	reservations, err := h.service.ListReservations(r.Context(), memberID)
	if err != nil {
		web.Error(w, r, err)
		return
	}

	web.JSON(w, http.StatusOK, reservations)
}

func (h *Handler) HandleCancelReservation(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathID(r, "reservationID")
	if err != nil {
		web.Error(w, r, err)
		return
	}

	res, err := h.service.CancelReservation(r.Context(), id)
	if err != nil {
		web.Error(w, r, err)
		return
	}

	web.JSON(w, http.StatusOK, res)
}
