package garage

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/knowyourmechanic/kym-api/internal/auth"
	"github.com/knowyourmechanic/kym-api/internal/identity"
	"github.com/knowyourmechanic/kym-api/internal/ledger"
	"github.com/knowyourmechanic/kym-api/internal/stats"
	"github.com/knowyourmechanic/kym-api/internal/validation"
)

// Handler exposes garage profile, stats and directory endpoints.
type Handler struct {
	users   *identity.Service
	records *ledger.Service
	stats   *stats.Aggregator
}

// NewHandler constructs a garage handler.
func NewHandler(users *identity.Service, records *ledger.Service, agg *stats.Aggregator) *Handler {
	return &Handler{users: users, records: records, stats: agg}
}

type profileRequest struct {
	Name            string             `json:"name" validate:"max=100"`
	Role            string             `json:"role"`
	GarageName      string             `json:"garageName" validate:"max=120"`
	Address         string             `json:"address" validate:"max=300"`
	ServicesOffered []string           `json:"servicesOffered" validate:"max=50,dive,max=60"`
	Location        *identity.Location `json:"location"`
	PhotoURL        string             `json:"photoUrl" validate:"omitempty,url"`
}

type portfolioEntry struct {
	Description string     `json:"description"`
	Amount      int64      `json:"amount"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// UpdateProfile merges the garage's profile fields. The role is fixed here.
func (h *Handler) UpdateProfile(c *fiber.Ctx) error {
	current, err := auth.CurrentUser(c)
	if err != nil {
		return err
	}
	var req profileRequest
	if err := c.BodyParser(&req); err != nil {
		return validation.MalformedBody(err)
	}
	if err := validation.Struct(req); err != nil {
		return err
	}
	patch := identity.ProfilePatch{
		Name:            req.Name,
		GarageName:      req.GarageName,
		Address:         req.Address,
		ServicesOffered: req.ServicesOffered,
		Location:        req.Location,
		PhotoURL:        req.PhotoURL,
	}
	if req.Role != "" {
		if patch.Role, err = identity.ParseRole(req.Role); err != nil {
			return err
		}
	}
	user, err := h.users.MergeProfile(c.UserContext(), current.ID, patch, identity.RoleChangeDenied)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"success": true, "user": identity.NewUserResponse(user)})
}

// Stats returns the garage's dashboard rollup.
func (h *Handler) Stats(c *fiber.Ctx) error {
	current, err := auth.CurrentUser(c)
	if err != nil {
		return err
	}
	s, err := h.stats.ComputeGarageStats(c.UserContext(), current.ID)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"success": true, "stats": s})
}

// List returns the public garage directory.
func (h *Handler) List(c *fiber.Ctx) error {
	garages, err := h.users.ListGarages(c.UserContext())
	if err != nil {
		return err
	}
	out := make([]identity.GarageResponse, 0, len(garages))
	for _, g := range garages {
		out = append(out, identity.NewGarageResponse(g))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"success": true, "count": len(out), "garages": out})
}

// Public returns a garage's public page with its latest completed work.
func (h *Handler) Public(c *fiber.Ctx) error {
	garage, err := h.users.PublicGarage(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	records, err := h.records.PublicPortfolio(c.UserContext(), garage.ID)
	if err != nil {
		return err
	}
	portfolio := make([]portfolioEntry, 0, len(records))
	for _, r := range records {
		portfolio = append(portfolio, portfolioEntry{Description: r.Description, Amount: r.Amount, CompletedAt: r.CompletedAt})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"success":   true,
		"garage":    identity.NewGarageResponse(garage),
		"portfolio": portfolio,
	})
}
