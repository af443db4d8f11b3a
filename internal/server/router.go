package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"libracirc/internal/apperr"
	"libracirc/internal/catalog"
	"libracirc/internal/circulation"
	"libracirc/internal/journal"
	"libracirc/internal/membership"
	"libracirc/internal/web"
)

const (
	defaultEventPage = 100
	maxEventPage     = 1000
)

// Deps are the components the router serves.
type Deps struct {
	Catalog catalog.Service
	Members membership.Service
	Engine  circulation.Service
	Journal journal.Store // optional
	Logger  *slog.Logger
	Limiter *rate.Limiter // optional
}

// NewRouter mounts every endpoint behind the shared middleware.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Logger))
	r.Use(middleware.Recoverer)
	if d.Limiter != nil {
		r.Use(rateLimit(d.Limiter))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		web.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	catalog.NewHandler(d.Catalog).Routes(r)
	membership.NewHandler(d.Members).Routes(r)
	circulation.NewHandler(d.Engine).Routes(r)

	if d.Journal != nil {
		r.Get("/events", handleEvents(d.Journal))
	}
	return r
}

func handleEvents(store journal.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		after, err := web.QueryInt(r, "after", 0)
		if err != nil {
			web.Error(w, r, err)
			return
		}
		limit, err := web.QueryInt(r, "limit", defaultEventPage)
		if err != nil {
			web.Error(w, r, err)
			return
		}
		if limit == 0 || limit > maxEventPage {
			limit = maxEventPage
		}

		events, err := store.Stream(r.Context(), int64(after), limit)
		if err != nil {
			web.Error(w, r, fmt.Errorf("stream journal: %w", err))
			return
		}
		if events == nil {
			events = []journal.Event{}
		}
		web.JSON(w, http.StatusOK, events)
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.InfoContext(r.Context(), "request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"took", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func rateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				web.Error(w, r, fmt.Errorf("%s %s: %w", r.Method, r.URL.Path, apperr.ErrRateLimited))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
