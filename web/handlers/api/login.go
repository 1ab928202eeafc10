package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/ottermq/ottermon/internal/core/models"
	"github.com/ottermq/ottermon/web/middleware"
	"github.com/rs/zerolog/log"
)

// Login checks the credentials and returns a token, also set as a cookie so
// plain page navigation stays authenticated.
func Login(c *fiber.Ctx, users *middleware.Users, secret string, ttl time.Duration) error {
	var req models.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{Error: "Invalid request body: " + err.Error()})
	}
	role, err := users.Authenticate(req.Username, req.Password)
	if err != nil {
		log.Warn().Str("user", req.Username).Msg("Rejected login")
		return c.Status(fiber.StatusUnauthorized).JSON(models.ErrorResponse{Error: err.Error()})
	}
	token, err := middleware.IssueToken(secret, req.Username, role, ttl)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{Error: "Failed to issue token: " + err.Error()})
	}
	c.Cookie(&fiber.Cookie{
		Name:     middleware.TokenCookie,
		Value:    token,
		Expires:  time.Now().Add(ttl),
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteStrictMode,
	})
	log.Info().Str("user", req.Username).Str("role", role).Msg("User logged in")
	return c.Status(fiber.StatusOK).JSON(models.LoginResponse{Token: token})
}
