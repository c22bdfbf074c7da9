package server

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/resonate-fm/pulse/src/presence"
)

const localUserID = "userID"

func (s *Server) registerRoutes() {
	s.app.Get("/ws/info", s.handleInfo)

	api := s.app.Group("/api", s.requireAuth)
	api.Get("/presence/:userID", s.handleGetPresence)
	api.Patch("/presence", s.handlePatchPresence)
}

func (s *Server) handleInfo(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"websocket": true,
		"endpoint":  "/ws",
		"url":       s.cfg.Server.WebsocketURL,
		"clients":   s.reg.ConnectionCount(),
		"users":     len(s.reg.OnlineUserIDs()),
	})
}

// requireAuth resolves the session token from the Authorization header or
// the token query parameter and stores the caller's user id on the request.
func (s *Server) requireAuth(c fiber.Ctx) error {
	token := c.Query("token")
	if h := c.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "unauthenticated",
		})
	}
	userID, err := s.auth.Authenticate(context.Background(), token)
	if err != nil || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "unauthenticated",
		})
	}
	c.Locals(localUserID, userID)
	return c.Next()
}

// presenceResponse is the REST view of a presence record. LastSeen is null
// for users that have never been seen.
type presenceResponse struct {
	UserID          string          `json:"userId"`
	Status          presence.Status `json:"status"`
	LastSeen        *time.Time      `json:"lastSeen"`
	CurrentActivity string          `json:"currentActivity,omitempty"`
}

func (s *Server) handleGetPresence(c fiber.Ctx) error {
	userID := c.Params("userID")
	rec, err := s.store.Get(context.Background(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("presence get failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "presence_unavailable",
		})
	}

	resp := presenceResponse{
		UserID:          userID,
		Status:          rec.Status(time.Now()),
		CurrentActivity: rec.CurrentActivity,
	}
	if !rec.LastSeen.IsZero() {
		resp.LastSeen = &rec.LastSeen
	}
	return c.JSON(resp)
}

type patchPresenceRequest struct {
	CurrentActivity string `json:"currentActivity"`
}

// handlePatchPresence updates the caller's own record; the subject user is
// always the authenticated caller, never a request parameter.
func (s *Server) handlePatchPresence(c fiber.Ctx) error {
	userID, _ := c.Locals(localUserID).(string)

	var req patchPresenceRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "malformed_body",
		})
	}

	if err := s.store.Touch(context.Background(), userID, req.CurrentActivity); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("presence touch failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "presence_unavailable",
		})
	}

	rec, err := s.store.Get(context.Background(), userID)
	if err != nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	resp := presenceResponse{
		UserID:          userID,
		Status:          rec.Status(time.Now()),
		CurrentActivity: rec.CurrentActivity,
	}
	if !rec.LastSeen.IsZero() {
		resp.LastSeen = &rec.LastSeen
	}
	return c.JSON(resp)
}
