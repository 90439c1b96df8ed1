package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/knowyourmechanic/kym-api/internal/auth"
)

// RegisterAuthRoutes wires login endpoints. Code requests and code guesses
// are limited per phone.
func RegisterAuthRoutes(r fiber.Router, h *auth.Handler, sendLimiter, verifyLimiter, guard fiber.Handler) {
	group := r.Group("/auth")
	group.Post("/send-otp", sendLimiter, h.SendOTP)
	group.Post("/verify-otp", verifyLimiter, h.VerifyOTP)
	group.Post("/federated-login", h.FederatedLogin)
	group.Get("/me", guard, h.Me)
}
