package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/knowyourmechanic/kym-api/internal/ledger"
	"github.com/knowyourmechanic/kym-api/internal/middleware"
)

// RegisterServiceRoutes wires the service record workflow. Mutations accept an
// Idempotency-Key so a retried request replays the first answer.
// Consent code guesses are limited per record.
func RegisterServiceRoutes(r fiber.Router, h *ledger.Handler, guard, idempotency, verifyLimiter fiber.Handler) {
	group := r.Group("/services", guard)
	garageOnly := middleware.GarageOnly()

	group.Post("/initiate", garageOnly, idempotency, h.Initiate)
	group.Post("/:id/verify", garageOnly, verifyLimiter, idempotency, h.Verify)
	group.Post("/:id/complete-payment", garageOnly, idempotency, h.CompletePayment)
	group.Get("/portfolio", garageOnly, h.Portfolio)
	group.Get("/pending", garageOnly, h.Pending)
	group.Get("/my-services", middleware.CustomerOnly(), h.MyServices)
}
