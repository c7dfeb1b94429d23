package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestIngressThrottle_AllowsUnderLimit(t *testing.T) {
	s := &Server{ingressLimiter: rate.NewLimiter(rate.Limit(100), 10)}
	called := false
	next := func(c *echo.Context) error {
		called = true
		return c.NoContent(http.StatusOK)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhook/acme", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := s.ingressThrottle(next)(c)

	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngressThrottle_RejectsOverBurst(t *testing.T) {
	s := &Server{ingressLimiter: rate.NewLimiter(rate.Limit(1), 1)}
	next := func(c *echo.Context) error { return c.NoContent(http.StatusOK) }

	e := echo.New()

	req1 := httptest.NewRequest(http.MethodPost, "/webhook/acme", nil)
	rec1 := httptest.NewRecorder()
	require.NoError(t, s.ingressThrottle(next)(e.NewContext(req1, rec1)))
	assert.Equal(t, http.StatusOK, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/webhook/acme", nil)
	rec2 := httptest.NewRecorder()
	require.NoError(t, s.ingressThrottle(next)(e.NewContext(req2, rec2)))
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
}
