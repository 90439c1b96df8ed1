package auth

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/knowyourmechanic/kym-api/internal/identity"
	"github.com/knowyourmechanic/kym-api/internal/validation"
)

// Handler exposes login endpoints.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type sendOTPRequest struct {
	Phone string `json:"phone" validate:"required,phone10"`
	Role  string `json:"role"`
}

type profileFields struct {
	Name       string `json:"name" validate:"max=100"`
	Role       string `json:"role"`
	GarageName string `json:"garageName" validate:"max=120"`
	Address    string `json:"address" validate:"max=300"`
}

type verifyOTPRequest struct {
	Phone string `json:"phone" validate:"required"`
	OTP   string `json:"otp" validate:"required"`
	profileFields
}

type federatedLoginRequest struct {
	Phone string `json:"phone" validate:"required"`
	UID   string `json:"uid" validate:"required"`
	profileFields
}

type loginResponse struct {
	Success   bool                  `json:"success"`
	Message   string                `json:"message"`
	Token     string                `json:"token"`
	IsNewUser *bool                 `json:"isNewUser,omitempty"`
	User      identity.UserResponse `json:"user"`
}

// SendOTP issues a login code for a phone.
func (h *Handler) SendOTP(c *fiber.Ctx) error {
	var req sendOTPRequest
	if err := c.BodyParser(&req); err != nil {
		return validation.MalformedBody(err)
	}
	if err := validation.Struct(req); err != nil {
		return err
	}
	role, err := optionalRole(req.Role)
	if err != nil {
		return err
	}
	res, err := h.svc.SendLoginOTP(c.UserContext(), req.Phone, role)
	if err != nil {
		return err
	}
	body := fiber.Map{"success": true, "message": "OTP sent successfully", "isNewUser": res.IsNewUser}
	if res.DevOTP != "" {
		body["devOtp"] = res.DevOTP
	}
	return c.Status(http.StatusOK).JSON(body)
}

// VerifyOTP exchanges a login code for a token.
func (h *Handler) VerifyOTP(c *fiber.Ctx) error {
	var req verifyOTPRequest
	if err := c.BodyParser(&req); err != nil {
		return validation.MalformedBody(err)
	}
	if err := validation.Struct(req); err != nil {
		return err
	}
	patch, err := req.patch()
	if err != nil {
		return err
	}
	res, err := h.svc.VerifyLoginOTP(c.UserContext(), VerifyInput{Phone: req.Phone, Code: req.OTP, Patch: patch})
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(loginResponse{
		Success: true,
		Message: "Login successful",
		Token:   res.Token,
		User:    identity.NewUserResponse(res.User),
	})
}

// FederatedLogin trusts a phone verified by the external identity provider.
func (h *Handler) FederatedLogin(c *fiber.Ctx) error {
	var req federatedLoginRequest
	if err := c.BodyParser(&req); err != nil {
		return validation.MalformedBody(err)
	}
	if err := validation.Struct(req); err != nil {
		return err
	}
	patch, err := req.patch()
	if err != nil {
		return err
	}
	res, err := h.svc.FederatedLogin(c.UserContext(), FederatedInput{Phone: req.Phone, UID: req.UID, Role: patch.Role, Patch: patch})
	if err != nil {
		return err
	}
	isNew := res.IsNewUser
	return c.Status(http.StatusOK).JSON(loginResponse{
		Success:   true,
		Message:   "Login successful",
		Token:     res.Token,
		IsNewUser: &isNew,
		User:      identity.NewUserResponse(res.User),
	})
}

// Me returns the authenticated account.
func (h *Handler) Me(c *fiber.Ctx) error {
	current, err := CurrentUser(c)
	if err != nil {
		return err
	}
	user, err := h.svc.Me(c.UserContext(), current.ID)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"success": true, "user": identity.NewUserResponse(user)})
}

func (p profileFields) patch() (identity.ProfilePatch, error) {
	role, err := optionalRole(p.Role)
	if err != nil {
		return identity.ProfilePatch{}, err
	}
	return identity.ProfilePatch{Name: p.Name, Role: role, GarageName: p.GarageName, Address: p.Address}, nil
}

func optionalRole(s string) (identity.Role, error) {
	if s == "" {
		return "", nil
	}
	return identity.ParseRole(s)
}
