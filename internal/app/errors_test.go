package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"classbridge/api/internal/auth"
	"classbridge/api/internal/rbac"
	"classbridge/api/internal/realtime"
	"classbridge/api/internal/store"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"domain", invalidField("body", "body is required"), http.StatusUnprocessableEntity, codeValidation},
		{"forbidden", forbidden(rbac.RoleGuardian, rbac.ActionStartThread), http.StatusForbidden, codeForbidden},
		{"expired", fmt.Errorf("parse: %w", auth.ErrExpiredToken), http.StatusUnauthorized, codeTokenExpired},
		{"invalid token", auth.ErrInvalidToken, http.StatusUnauthorized, codeUnauthorized},
		{"unknown thread", realtime.ErrUnknownThread, http.StatusNotFound, codeThreadNotFound},
		{"not participant", fmt.Errorf("send message: %w", store.ErrNotParticipant), http.StatusNotFound, codeThreadNotFound},
		{"unknown recipient", fmt.Errorf("create thread: %w", store.ErrUnknownRecipient), http.StatusNotFound, codeRecipientNotFound},
		{"unknown notification", fmt.Errorf("mark notification read: %w", store.ErrNotificationNotFound), http.StatusNotFound, codeNotificationNotFound},
		{"no scope", realtime.ErrNoScope, http.StatusForbidden, codeNoScope},
		{"closed", realtime.ErrSessionClosed, http.StatusServiceUnavailable, codeSessionClosed},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, codeTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError, codeServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, code, _, _ := mapError(tc.err)
			if status != tc.status || code != tc.code {
				t.Fatalf("mapError(%v) = %d %s, want %d %s", tc.err, status, code, tc.status, tc.code)
			}
		})
	}
}

func TestForbiddenCarriesAction(t *testing.T) {
	_, _, _, details := mapError(forbidden(rbac.RoleGuardian, rbac.ActionMessage))
	fields, ok := details.(map[string]any)
	if !ok || fields["action"] != rbac.ActionMessage || fields["role"] != rbac.RoleGuardian {
		t.Fatalf("unexpected details: %#v", details)
	}
}
