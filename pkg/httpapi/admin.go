package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"

	echo "github.com/labstack/echo/v5"

	"github.com/sendgate/gateway/pkg/store"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,63}$`)

type createTenantRequest struct {
	Slug           string          `json:"slug"`
	DisplayName    string          `json:"display_name"`
	Provider       string          `json:"provider"`
	WelcomeMessage json.RawMessage `json:"welcome_message"`
}

func (s *Server) createTenantHandler(c *echo.Context) error {
	var req createTenantRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err))
	}
	if !slugPattern.MatchString(req.Slug) {
		return c.JSON(http.StatusBadRequest, errBody(errInvalidSlug))
	}

	t, err := s.store.CreateTenant(c.Request().Context(), req.Slug, req.DisplayName, req.Provider, req.WelcomeMessage)
	if err != nil {
		return c.JSON(http.StatusConflict, errBody(err))
	}
	return c.JSON(http.StatusCreated, t)
}

func (s *Server) getTenantHandler(c *echo.Context) error {
	t, err := s.store.GetTenant(c.Request().Context(), c.Param("slug"))
	if errors.Is(err, store.ErrNotFound) {
		return c.NoContent(http.StatusNotFound)
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err))
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) deleteTenantHandler(c *echo.Context) error {
	err := s.store.SoftDeleteTenant(c.Request().Context(), c.Param("slug"))
	if errors.Is(err, store.ErrNotFound) {
		return c.NoContent(http.StatusNotFound)
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err))
	}
	return c.NoContent(http.StatusNoContent)
}

type setCredentialRequest struct {
	Token string `json:"token"`
}

func (s *Server) setCredentialHandler(c *echo.Context) error {
	var req setCredentialRequest
	if err := c.Bind(&req); err != nil || req.Token == "" {
		return c.JSON(http.StatusBadRequest, errBody(errMissingToken))
	}
	if err := s.vault.Store(c.Request().Context(), c.Param("slug"), req.Token); err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err))
	}
	return c.NoContent(http.StatusNoContent)
}

type createBroadcastRequest struct {
	Title            string          `json:"title"`
	Content          json.RawMessage `json:"content"`
	AudienceSelector string          `json:"audience_selector"`
}

func (s *Server) createBroadcastHandler(c *echo.Context) error {
	var req createBroadcastRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err))
	}
	b, err := s.broadcast.Create(c.Request().Context(), c.Param("slug"), req.Title, req.Content, req.AudienceSelector)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err))
	}
	return c.JSON(http.StatusCreated, b)
}

func (s *Server) populateBroadcastHandler(c *echo.Context) error {
	b, err := s.store.GetBroadcast(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return c.NoContent(http.StatusNotFound)
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err))
	}
	if err := s.broadcast.Populate(c.Request().Context(), b); err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err))
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) startBroadcastHandler(c *echo.Context) error {
	return s.broadcastAction(c, s.broadcast.Start)
}

func (s *Server) pauseBroadcastHandler(c *echo.Context) error {
	return s.broadcastAction(c, s.broadcast.Pause)
}

func (s *Server) cancelBroadcastHandler(c *echo.Context) error {
	return s.broadcastAction(c, s.broadcast.Cancel)
}

func (s *Server) broadcastAction(c *echo.Context, action func(ctx context.Context, id string) error) error {
	if err := action(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.NoContent(http.StatusNotFound)
		}
		return c.JSON(http.StatusInternalServerError, errBody(err))
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getBroadcastHandler(c *echo.Context) error {
	b, err := s.store.GetBroadcast(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return c.NoContent(http.StatusNotFound)
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err))
	}
	return c.JSON(http.StatusOK, b)
}

func (s *Server) metricsSnapshotHandler(c *echo.Context) error {
	if s.sink == nil {
		return c.JSON(http.StatusOK, []any{})
	}
	return c.JSON(http.StatusOK, s.sink.SnapshotAll())
}

func errBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

var (
	errInvalidSlug  = errors.New("httpapi: invalid tenant slug")
	errMissingToken = errors.New("httpapi: token is required")
)
