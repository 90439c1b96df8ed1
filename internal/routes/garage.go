package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/knowyourmechanic/kym-api/internal/garage"
	"github.com/knowyourmechanic/kym-api/internal/middleware"
)

// RegisterGarageRoutes wires the garage dashboard and the public directory.
func RegisterGarageRoutes(r fiber.Router, h *garage.Handler, guard fiber.Handler) {
	group := r.Group("/garage")
	group.Get("/list", h.List)
	group.Get("/:id/public", h.Public)

	group.Put("/profile", guard, middleware.GarageOnly(), h.UpdateProfile)
	group.Get("/stats", guard, middleware.GarageOnly(), h.Stats)
}
