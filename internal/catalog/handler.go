// internal/catalog/handler.go
package catalog

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

// Routes mounts the book and copy endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/books", h.HandleListBooks)
	r.Post("/books", h.HandleAddBook)
	r.Get("/books/{bookID}/copies", h.HandleListCopies)
	r.Post("/books/{bookID}/copies", h.HandleAddCopies)
}

func (h *Handler) HandleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.ListBooks(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}

	web.JSON(w, http.StatusOK, books)
}

func (h *Handler) HandleAddBook(w http.ResponseWriter, r *http.Request) {
	var req NewBook
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, r, err)
		return
	}

	book, err := h.service.AddBook(r.Context(), req)
	if err != nil {
		web.Error(w, r, err)
		return
	}

	web.JSON(w, http.StatusCreated, book)
}

func (h *Handler) HandleListCopies(w http.ResponseWriter, r *http.Request) {
	bookID, err := web.PathID(r, "bookID")
	if err != nil {
		web.Error(w, r, err)
		return
	}

	copies, err := h.service.ListCopies(r.Context(), bookID)
	if err != nil {
		web.Error(w, r, err)
		return
	}

	web.JSON(w, http.StatusOK, copies)
}

func (h *Handler) HandleAddCopies(w http.ResponseWriter, r *http.Request) {
	bookID, err := web.PathID(r, "bookID")
	if err != nil {
		web.Error(w, r, err)
		return
	}

	req := struct {
		Count int `json:"count" validate:"omitempty,min=1,max=100"`
	}{}
	if r.ContentLength != 0 {
		if err := web.Decode(r, &req); err != nil {
			web.Error(w, r, err)
			return
		}
	}
	if req.Count == 0 {
		req.Count = 1
	}

	copies, err := h.service.AddCopies(r.Context(), bookID, req.Count)
	if err != nil {
		web.Error(w, r, err)
		return
	}

	web.JSON(w, http.StatusCreated, copies)
}
