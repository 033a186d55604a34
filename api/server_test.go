package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/auth"
	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/config"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := &config.Config{}
	cfg.Service.Name = "quarry"
	cfg.Server.Port = 0

	return New(Deps{
		Config: cfg,
		Tokens: auth.NewTokenService("test-secret", time.Hour),
		Log:    log,
	})
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := testServer(t)
	rec := do(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "quarry", body.Service)
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	s := testServer(t)
	rec := do(s, httptest.NewRequest(http.MethodGet, "/knowledge/knowledges", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRouteRejectsGarbageToken(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/knowledge/knowledges", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer not-a-jwt")
	rec := do(s, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(common.KindAuthInvalid), body.Kind)
}

func TestErrorHandlerMapsKinds(t *testing.T) {
	s := testServer(t)
	s.Echo().GET("/kind", func(c echo.Context) error {
		return common.E(common.KindNotFound, "no such row")
	})
	s.Echo().GET("/opaque", func(c echo.Context) error {
		return assertableErr{}
	})

	rec := do(s, httptest.NewRequest(http.MethodGet, "/kind", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "no such row", body.Error)
	assert.Equal(t, string(common.KindNotFound), body.Kind)

	// Kindless errors become opaque 500s.
	rec = do(s, httptest.NewRequest(http.MethodGet, "/opaque", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal error", body.Error)
}

type assertableErr struct{}

func (assertableErr) Error() string { return "database column exploded" }

func TestUnknownRouteIs404(t *testing.T) {
	s := testServer(t)
	rec := do(s, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParamID(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("42")

	id, err := paramID(c, "id")
	require.NoError(t, err)
	assert.Equal(t, uint(42), id)

	c.SetParamValues("banana")
	_, err = paramID(c, "id")
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindNotFound))
}
