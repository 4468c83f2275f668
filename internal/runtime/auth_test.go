package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func TestRunTokenRoundTrip(t *testing.T) {
	tok, err := IssueRunToken("run-1", testSecret, time.Minute)
	require.NoError(t, err)
	assert.NoError(t, VerifyRunToken(tok, testSecret, "run-1"))
	assert.ErrorIs(t, VerifyRunToken(tok, testSecret, "run-2"), ErrWrongRun)
	assert.ErrorIs(t, VerifyRunToken(tok, []byte("other"), "run-1"), ErrInvalidToken)
}

func TestRunTokenExpired(t *testing.T) {
	tok, err := IssueRunToken("run-1", testSecret, -time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, VerifyRunToken(tok, testSecret, "run-1"), ErrInvalidToken)
}

func TestUserTokenIsNotARunToken(t *testing.T) {
	tok, err := SignJWT("run-1", testSecret, time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, VerifyRunToken(tok, testSecret, "run-1"), ErrWrongRun)
}

func serveRun(t *testing.T, target, header string) int {
	t.Helper()
	e := echo.New()
	e.GET("/runs/:run_id", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, RunTokenMiddleware(testSecret))
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if header != "" {
		req.Header.Set("Authorization", "Bearer "+header)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec.Code
}

func TestRunTokenMiddleware(t *testing.T) {
	tok, err := IssueRunToken("run-1", testSecret, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, serveRun(t, "/runs/run-1", tok))
	assert.Equal(t, http.StatusOK, serveRun(t, "/runs/run-1?access_token="+tok, ""))
	assert.Equal(t, http.StatusForbidden, serveRun(t, "/runs/run-2", tok))
	assert.Equal(t, http.StatusUnauthorized, serveRun(t, "/runs/run-1", ""))
	assert.Equal(t, http.StatusUnauthorized, serveRun(t, "/runs/run-1", "garbage"))
}

func TestEchoAuthMiddlewareSetsSubject(t *testing.T) {
	e := echo.New()
	var seen string
	e.GET("/me", func(c echo.Context) error {
		seen, _ = SubjectFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	}, EchoAuthMiddleware(testSecret))

	userTok, err := SignJWT("user-7", testSecret, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+userTok)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-7", seen)

	runTok, err := IssueRunToken("run-1", testSecret, time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+runTok)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
