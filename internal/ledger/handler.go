package ledger

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/knowyourmechanic/kym-api/internal/apperr"
	"github.com/knowyourmechanic/kym-api/internal/auth"
	"github.com/knowyourmechanic/kym-api/internal/validation"
)

// Handler exposes the service record endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a service record handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RecordResponse is the JSON view of a Record. OTP material is never included.
type RecordResponse struct {
	ID            string     `json:"id"`
	GarageID      string     `json:"garageId"`
	CustomerID    string     `json:"customerId,omitempty"`
	CustomerPhone string     `json:"customerPhone"`
	Description   string     `json:"description"`
	Amount        int64      `json:"amount"`
	Status        Status     `json:"status"`
	PaymentRef    string     `json:"paymentRef,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	VerifiedAt    *time.Time `json:"verifiedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// NewRecordResponse renders r.
func NewRecordResponse(r Record) RecordResponse {
	return RecordResponse{
		ID:            r.ID,
		GarageID:      r.GarageID,
		CustomerID:    r.CustomerID,
		CustomerPhone: r.CustomerPhone,
		Description:   r.Description,
		Amount:        r.Amount,
		Status:        r.Status,
		PaymentRef:    r.PaymentRef,
		CreatedAt:     r.CreatedAt,
		VerifiedAt:    r.VerifiedAt,
		CompletedAt:   r.CompletedAt,
	}
}

// NewRecordList renders records.
func NewRecordList(records []Record) []RecordResponse {
	out := make([]RecordResponse, 0, len(records))
	for _, r := range records {
		out = append(out, NewRecordResponse(r))
	}
	return out
}

type initiateRequest struct {
	CustomerPhone string `json:"customerPhone"`
	Description   string `json:"description"`
	Amount        int64  `json:"amount"`
}

type verifyRequest struct {
	OTP string `json:"otp"`
}

// Initiate starts a service record and sends the consent code.
func (h *Handler) Initiate(c *fiber.Ctx) error {
	garage, err := auth.CurrentUser(c)
	if err != nil {
		return err
	}
	var req initiateRequest
	if err := c.BodyParser(&req); err != nil {
		return validation.MalformedBody(err)
	}
	res, err := h.service.Initiate(c.UserContext(), InitiateInput{
		GarageID:      garage.ID,
		CustomerPhone: req.CustomerPhone,
		Description:   req.Description,
		Amount:        req.Amount,
	})
	if IsDeliveryFailure(err) && res.Record.ID != "" {
		// The record exists; tell the garage which one so it can retry or cancel.
		return c.Status(apperr.HTTPStatus(apperr.KindDeliveryFailed)).JSON(fiber.Map{
			"success":   false,
			"error":     apperr.KindDeliveryFailed,
			"message":   apperr.PublicMessage(err),
			"serviceId": res.Record.ID,
		})
	}
	if err != nil {
		return err
	}
	body := fiber.Map{"success": true, "message": "OTP sent to customer", "serviceId": res.Record.ID}
	if res.DevOTP != "" {
		body["devOtp"] = res.DevOTP
	}
	return c.Status(http.StatusCreated).JSON(body)
}

// Verify checks the customer's consent code.
func (h *Handler) Verify(c *fiber.Ctx) error {
	garage, err := auth.CurrentUser(c)
	if err != nil {
		return err
	}
	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return validation.MalformedBody(err)
	}
	if req.OTP == "" {
		return apperr.New(apperr.KindValidation, "otp is required")
	}
	res, err := h.service.VerifyCustomerCode(c.UserContext(), c.Params("id"), garage.ID, req.OTP)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"success":    true,
		"message":    "OTP verified. Proceed to payment.",
		"service":    NewRecordResponse(res.Record),
		"paymentUrl": res.PaymentURL,
	})
}

// CompletePayment settles a verified record.
func (h *Handler) CompletePayment(c *fiber.Ctx) error {
	garage, err := auth.CurrentUser(c)
	if err != nil {
		return err
	}
	res, err := h.service.CompletePayment(c.UserContext(), c.Params("id"), garage.ID)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"success":         true,
		"message":         "Payment completed. Service added to portfolio.",
		"service":         NewRecordResponse(res.Record),
		"notifyUrl":       res.NotifyURL,
		"customerCreated": res.CustomerCreated,
	})
}

// Portfolio lists the garage's completed records.
func (h *Handler) Portfolio(c *fiber.Ctx) error {
	garage, err := auth.CurrentUser(c)
	if err != nil {
		return err
	}
	records, err := h.service.Portfolio(c.UserContext(), garage.ID)
	if err != nil {
		return err
	}
	return listResponse(c, records)
}

// Pending lists the garage's open records.
func (h *Handler) Pending(c *fiber.Ctx) error {
	garage, err := auth.CurrentUser(c)
	if err != nil {
		return err
	}
	records, err := h.service.Pending(c.UserContext(), garage.ID)
	if err != nil {
		return err
	}
	return listResponse(c, records)
}

// MyServices lists records billed to the customer's phone.
func (h *Handler) MyServices(c *fiber.Ctx) error {
	customer, err := auth.CurrentUser(c)
	if err != nil {
		return err
	}
	records, err := h.service.ForCustomer(c.UserContext(), customer.Phone)
	if err != nil {
		return err
	}
	return listResponse(c, records)
}

func listResponse(c *fiber.Ctx, records []Record) error {
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"success":  true,
		"count":    len(records),
		"services": NewRecordList(records),
	})
}
