// Package web holds the JSON plumbing shared by the HTTP handlers.
package web

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"

	"libracirc/internal/apperr"
)

const maxBodyBytes = 1 << 20

var (
	json     = jsoniter.ConfigCompatibleWithStandardLibrary
	validate = validator.New(validator.WithRequiredStructEnabled())
)

// ErrorBody is the payload of every failed request.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Decode reads a JSON request body into v and validates its struct tags.
func Decode(r *http.Request, v any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty request body: %w", apperr.ErrValidation)
		}
		return fmt.Errorf("malformed request body: %v: %w", err, apperr.ErrValidation)
	}

	if err := validate.StructCtx(r.Context(), v); err != nil {
		return ValidationError("request", err)
	}
	return nil
}

// ValidationError reports a validator failure on subject as
// apperr.ErrValidation, naming each failing field and its rule.
func ValidationError(subject string, err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		names := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			names = append(names, strings.ToLower(fe.Field())+" "+fe.Tag())
		}
		return fmt.Errorf("invalid %s: %s: %w", subject, strings.Join(names, ", "), apperr.ErrValidation)
	}
	return fmt.Errorf("invalid %s: %v: %w", subject, err, apperr.ErrValidation)
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// Error writes err with the status its kind maps to. Unclassified errors are
// logged and reported without their detail.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = http.StatusText(status)
	}
	JSON(w, status, ErrorBody{Error: msg, Code: apperr.Code(err)})
}

// PathID parses a numeric chi URL parameter.
func PathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, apperr.ErrValidation)
	}
	return id, nil
}

// QueryID parses an optional numeric query parameter. It returns 0 when the
// parameter is absent.
func QueryID(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, apperr.ErrValidation)
	}
	return id, nil
}

// QueryInt parses an optional integer query parameter with a default.
func QueryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, apperr.ErrValidation)
	}
	return n, nil
}
