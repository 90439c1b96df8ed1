package auth

import (
	"github.com/gofiber/fiber/v2"

	"github.com/knowyourmechanic/kym-api/internal/apperr"
	"github.com/knowyourmechanic/kym-api/internal/identity"
)

// Locals keys set by the bearer guard.
const (
	LocalsUser   = "user"
	LocalsUserID = "user_id"
	LocalsRole   = "role"
)

// SetCurrentUser stores the authenticated identity on the request.
func SetCurrentUser(c *fiber.Ctx, user identity.User) {
	c.Locals(LocalsUser, user)
	c.Locals(LocalsUserID, user.ID)
	c.Locals(LocalsRole, string(user.Role))
}

// CurrentUser returns the identity stored by the guard.
func CurrentUser(c *fiber.Ctx) (identity.User, error) {
	user, ok := c.Locals(LocalsUser).(identity.User)
	if !ok || user.ID == "" {
		return identity.User{}, apperr.New(apperr.KindUnauthorized, "not authorized, no token")
	}
	return user, nil
}
