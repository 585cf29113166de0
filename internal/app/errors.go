package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"classbridge/api/internal/auth"
	"classbridge/api/internal/rbac"
	"classbridge/api/internal/realtime"
	"classbridge/api/internal/store"
)

const (
	codeForbidden            = "FORBIDDEN"
	codeValidation           = "VALIDATION_ERROR"
	codeUnauthorized         = "UNAUTHORIZED"
	codeTokenExpired         = "TOKEN_EXPIRED"
	codeThreadNotFound       = "THREAD_NOT_FOUND"
	codeRecipientNotFound    = "RECIPIENT_NOT_FOUND"
	codeNotificationNotFound = "NOTIFICATION_NOT_FOUND"
	codeNoScope              = "NO_SCOPE"
	codeSessionClosed        = "SESSION_CLOSED"
	codeTimeout              = "TIMEOUT"
	codeServerError          = "SERVER_ERROR"
)

// DomainError is an error the gateway reports to the client as is.
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

func forbidden(role rbac.Role, action rbac.Action) *DomainError {
	return &DomainError{
		Status:  http.StatusForbidden,
		Code:    codeForbidden,
		Message: "Forbidden",
		Details: map[string]any{"role": role, "action": action},
	}
}

func invalidField(field, message string) *DomainError {
	return &DomainError{
		Status:  http.StatusUnprocessableEntity,
		Code:    codeValidation,
		Message: message,
		Details: map[string]any{"field": field},
	}
}

// mapError translates service errors into the HTTP status, code and message
// of the JSON error body.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, codeTokenExpired, "Token expired", nil
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, codeUnauthorized, "Unauthorized", nil
	case errors.Is(err, realtime.ErrUnknownThread), errors.Is(err, store.ErrNotParticipant):
		return http.StatusNotFound, codeThreadNotFound, "Thread not found", nil
	case errors.Is(err, store.ErrUnknownRecipient):
		return http.StatusNotFound, codeRecipientNotFound, "Recipient not found", nil
	case errors.Is(err, store.ErrNotificationNotFound):
		return http.StatusNotFound, codeNotificationNotFound, "Notification not found", nil
	case errors.Is(err, realtime.ErrNoScope):
		return http.StatusForbidden, codeNoScope, "No organization selected", nil
	case errors.Is(err, realtime.ErrSessionClosed):
		return http.StatusServiceUnavailable, codeSessionClosed, "Session closed", nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, codeTimeout, "Timed out", nil
	}
	return http.StatusInternalServerError, codeServerError, "Server error", nil
}
