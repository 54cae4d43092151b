package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/ridebook/internal/auth"
)

const secret = "test-secret"

func protected(t *testing.T) http.Handler {
	t.Helper()
	return auth.Middleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, ok := auth.ContextProvider{}.CurrentUID(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(uid))
	}))
}

func TestMiddlewareAcceptsIssuedToken(t *testing.T) {
	token, err := auth.IssueToken(secret, "user-1", "ann@example.com", time.Hour, time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	protected(t).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "user-1", rec.Body.String())
}

func TestMiddlewareRejects(t *testing.T) {
	expired, err := auth.IssueToken(secret, "user-1", "", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	wrongKey, err := auth.IssueToken("other", "user-1", "", time.Hour, time.Now())
	require.NoError(t, err)
	noSubject, err := auth.IssueToken(secret, "", "", time.Hour, time.Now())
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":    "",
		"not bearer": "Basic abc",
		"expired":    "Bearer " + expired,
		"wrong key":  "Bearer " + wrongKey,
		"no subject": "Bearer " + noSubject,
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		protected(t).ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, name)
		require.Contains(t, rec.Body.String(), "unauthenticated", name)
	}
}

func TestContextProviderWithoutClaims(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := auth.ContextProvider{}.CurrentUID(req.Context())
	require.False(t, ok)
}
