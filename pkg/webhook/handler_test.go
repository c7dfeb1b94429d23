package webhook

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubParser struct {
	update *Update
	err    error
}

func (p *stubParser) Parse(body []byte) (*Update, error) { return p.update, p.err }

func TestStartEventID_DeterministicPerDay(t *testing.T) {
	at := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "st:acme:100:20260731", startEventID("acme", 100, at))
}

func TestHandle_InvalidSlugReturns404(t *testing.T) {
	h := &Handler{parser: &stubParser{update: &Update{}}}
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhook/Bad_Slug!", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("slug")
	c.SetParamValues("Bad_Slug!")

	require.NoError(t, h.handle(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandle_WrongSecretReturns401(t *testing.T) {
	h := &Handler{parser: &stubParser{update: &Update{}}, secret: "right-secret"}
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhook/acme", strings.NewReader("{}"))
	req.Header.Set("X-Webhook-Secret", "wrong-secret")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("slug")
	c.SetParamValues("acme")

	require.NoError(t, h.handle(c))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandle_NonStartUpdateAcksImmediately(t *testing.T) {
	h := &Handler{parser: &stubParser{update: &Update{RecipientID: 1, IsStart: false}}}
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhook/acme", strings.NewReader(`{"text":"hello"}`))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("slug")
	c.SetParamValues("acme")

	require.NoError(t, h.handle(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}
