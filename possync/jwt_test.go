// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tillware/go-possync/internal/auth"
)

func TestJWTRoundTrip(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	token, err := jwtAuth.GenerateToken("org-42", "register-7", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := jwtAuth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "org-42", claims.Subject)
	require.Equal(t, "register-7", claims.RegisterID)
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTAuth("secret-a").GenerateToken("org-1", "reg-1", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTAuth("secret-b").ValidateToken(token)
	require.Error(t, err)
}

func TestJWTRejectsExpiredToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("org-1", "reg-1", -time.Minute)
	require.NoError(t, err)

	_, err = jwtAuth.ValidateToken(token)
	require.Error(t, err)
}

func TestJWTRequestExtraction(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("org-1", "reg-3", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/sync/push", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	org, err := jwtAuth.GetOrganizationID(r)
	require.NoError(t, err)
	require.Equal(t, "org-1", org)

	reg, err := jwtAuth.GetRegisterID(r)
	require.NoError(t, err)
	require.Equal(t, "reg-3", reg)

	// Missing and malformed headers fail closed.
	bare := httptest.NewRequest(http.MethodPost, "/sync/push", nil)
	_, err = jwtAuth.GetOrganizationID(bare)
	require.Error(t, err)

	bad := httptest.NewRequest(http.MethodPost, "/sync/push", nil)
	bad.Header.Set("Authorization", token) // no Bearer prefix
	_, err = jwtAuth.GetOrganizationID(bad)
	require.Error(t, err)
}

func TestJWTMiddleware(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("org-9", "reg-2", time.Hour)
	require.NoError(t, err)

	var gotOrg, gotReg string
	handler := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOrg, _ = auth.GetOrganizationID(r.Context())
		gotReg, _ = auth.GetRegisterID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodPost, "/sync/push", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "org-9", gotOrg)
	require.Equal(t, "reg-2", gotReg)

	// Unauthenticated requests never reach the handler.
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sync/push", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
