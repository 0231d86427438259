package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/primal-host/pushbridge/internal/push"
)

type registerRequest struct {
	DID         string `json:"did"`
	DeviceToken string `json:"deviceToken"`
}

// POST /register
func (s *Server) handleRegister(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.DID == "" || req.DeviceToken == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "did and deviceToken are required"})
	}

	dev, err := s.devices.Register(c.Request().Context(), req.DID, req.DeviceToken)
	if err != nil {
		s.log.Errorw("device registration failed", "did", req.DID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "registration failed"})
	}

	return c.JSON(http.StatusOK, map[string]string{"deviceId": dev.ID.String()})
}

type preferencesPayload struct {
	Mentions bool `json:"mentions"`
	Replies  bool `json:"replies"`
	Likes    bool `json:"likes"`
	Reposts  bool `json:"reposts"`
	Quotes   bool `json:"quotes"`
	Follows  bool `json:"follows"`
}

// GET /preferences?deviceId=...
func (s *Server) handleGetPreferences(c echo.Context) error {
	deviceID, err := uuid.Parse(c.QueryParam("deviceId"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "deviceId must be a valid uuid"})
	}

	prefs, err := s.devices.GetPreferences(c.Request().Context(), deviceID)
	if err != nil {
		if err == push.ErrNotFound {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "device not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load preferences"})
	}

	return c.JSON(http.StatusOK, preferencesPayload(prefs))
}

type putPreferencesRequest struct {
	DeviceID string `json:"deviceId"`
	preferencesPayload
}

// PUT /preferences
func (s *Server) handlePutPreferences(c echo.Context) error {
	var req putPreferencesRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	deviceID, err := uuid.Parse(req.DeviceID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "deviceId must be a valid uuid"})
	}

	p := push.Preferences(req.preferencesPayload)
	if err := s.devices.UpdatePreferences(c.Request().Context(), deviceID, p); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to update preferences"})
	}

	return c.NoContent(http.StatusNoContent)
}

type relationshipsRequest struct {
	DID    string   `json:"did"`
	Mutes  []string `json:"mutes"`
	Blocks []string `json:"blocks"`
}

// POST /relationships
func (s *Server) handlePostRelationships(c echo.Context) error {
	var req relationshipsRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.DID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "did is required"})
	}

	if err := s.relationships.UpdateBatch(c.Request().Context(), req.DID, req.Mutes, req.Blocks); err != nil {
		s.log.Errorw("relationship sync failed", "did", req.DID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "relationship sync failed"})
	}

	return c.NoContent(http.StatusNoContent)
}
