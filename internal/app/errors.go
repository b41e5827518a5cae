package app

import (
	"errors"
	"fmt"
	"net/http"

	"reposcout/api/internal/auth"
	"reposcout/api/internal/links"
	"reposcout/api/internal/queue"
	"reposcout/api/internal/render"
	"reposcout/api/internal/results"
	"reposcout/api/internal/search"
	"reposcout/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	errUnauthenticated = domainError(http.StatusForbidden, "UNAUTHENTICATED", "Client not authenticated", nil)
	errInvalidClientID = domainError(http.StatusBadRequest, "INVALID_KEY", "Invalid client id", nil)
)

// mapError turns a component error into the response the client sees.
// Order matters where errors wrap one another.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, search.ErrProvider):
		return http.StatusInternalServerError, "PROVIDER_ERROR", "Error searching repositories", nil
	case errors.Is(err, queue.ErrEmptySnapshot):
		return http.StatusInternalServerError, "EMPTY_SNAPSHOT", "No repositories to send, run a search first", nil
	case errors.Is(err, queue.ErrUnavailable):
		return http.StatusInternalServerError, "QUEUE_UNAVAILABLE", "Message queue unavailable", nil
	case errors.Is(err, links.ErrInvalidFormat):
		return http.StatusBadRequest, "INVALID_FORMAT", "The link is not a valid GitHub repository link", nil
	case errors.Is(err, links.ErrNotFound):
		return http.StatusBadRequest, "NOT_FOUND", "The repository does not exist on GitHub", nil
	case errors.Is(err, store.ErrInvalidKey):
		return http.StatusBadRequest, "INVALID_KEY", "Invalid client id or result name", nil
	case errors.Is(err, results.ErrStorage):
		return http.StatusInternalServerError, "STORAGE_ERROR", "Failed to store analysis result", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrCorrupt), errors.Is(err, render.ErrInvalidPayload):
		return http.StatusInternalServerError, "CORRUPT", "Stored record could not be decoded", nil
	case errors.Is(err, render.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF rendering is not available", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusForbidden, "UNAUTHENTICATED", "Client not authenticated", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
