package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/knowyourmechanic/kym-api/internal/apperr"
	"github.com/knowyourmechanic/kym-api/internal/auth"
	"github.com/knowyourmechanic/kym-api/internal/identity"
)

// UserLookup resolves the subject of a verified token.
type UserLookup interface {
	Get(ctx context.Context, id string) (identity.User, error)
}

var (
	errNoToken      = apperr.New(apperr.KindUnauthorized, "not authorized, no token")
	errTokenFailed  = apperr.New(apperr.KindUnauthorized, "not authorized, token failed")
	errUnknownOwner = apperr.New(apperr.KindUnauthorized, "not authorized, user not found")
)

// Guard resolves the bearer token to a stored identity. The role used by
// downstream gates is the stored one, not the one in the token.
func Guard(tokens *auth.TokenManager, users UserLookup) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if len(authz) < len("Bearer ") || !strings.EqualFold(authz[:len("Bearer ")], "bearer ") {
			return errNoToken
		}
		tokenStr := strings.TrimSpace(authz[len("Bearer "):])
		if tokenStr == "" {
			return errNoToken
		}
		claims, err := tokens.Parse(tokenStr)
		if err != nil {
			return errTokenFailed
		}
		user, err := users.Get(c.UserContext(), claims.Subject)
		if errors.Is(err, identity.ErrUserNotFound) {
			return errUnknownOwner
		}
		if err != nil {
			return err
		}
		auth.SetCurrentUser(c, user)
		return c.Next()
	}
}

// GarageOnly rejects callers whose role is not garage.
func GarageOnly() fiber.Handler {
	return requireRole(identity.RoleGarage, "access denied, garage account required")
}

// CustomerOnly rejects callers whose role is not customer.
func CustomerOnly() fiber.Handler {
	return requireRole(identity.RoleCustomer, "access denied, customer account required")
}

func requireRole(role identity.Role, message string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, err := auth.CurrentUser(c)
		if err != nil {
			return err
		}
		if user.Role != role {
			return apperr.New(apperr.KindForbidden, "%s", message)
		}
		return c.Next()
	}
}
