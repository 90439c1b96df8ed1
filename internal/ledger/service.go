package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/knowyourmechanic/kym-api/internal/apperr"
	"github.com/knowyourmechanic/kym-api/internal/identity"
	"github.com/knowyourmechanic/kym-api/internal/notification"
	"github.com/knowyourmechanic/kym-api/internal/otp"
	"github.com/knowyourmechanic/kym-api/internal/payments"
	"github.com/knowyourmechanic/kym-api/internal/validation"
)

const (
	portfolioLimit       = 50
	publicPortfolioLimit = 20
)

// Identities is the slice of the identity service the ledger depends on.
type Identities interface {
	Get(ctx context.Context, id string) (identity.User, error)
	ResolveOrCreate(ctx context.Context, phone string, defaultRole identity.Role) (identity.User, bool, error)
}

// Options tunes the service flow.
type Options struct {
	AppName       string
	ServiceWindow time.Duration
	// Diagnostic returns plaintext codes to the caller. Never enable in production.
	Diagnostic  bool
	CountryCode string
	Now         func() time.Time
}

// Service runs the initiate, verify and complete flow over a Store.
type Service struct {
	store      Store
	users      Identities
	codes      *otp.Issuer
	gateway    payments.Gateway
	dispatcher *notification.Dispatcher
	logger     *slog.Logger
	opts       Options
}

// NewService wires the ledger flow.
func NewService(store Store, users Identities, codes *otp.Issuer, gateway payments.Gateway,
	dispatcher *notification.Dispatcher, logger *slog.Logger, opts Options) *Service {
	if opts.ServiceWindow <= 0 {
		opts.ServiceWindow = otp.ServiceWindow
	}
	if opts.AppName == "" {
		opts.AppName = "KnowyourMechanic"
	}
	if opts.CountryCode == "" {
		opts.CountryCode = "91"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, users: users, codes: codes, gateway: gateway, dispatcher: dispatcher, logger: logger, opts: opts}
}

// InitiateInput is a garage's request to bill a customer.
type InitiateInput struct {
	GarageID      string `json:"garageId" validate:"required"`
	CustomerPhone string `json:"customerPhone" validate:"required,phone10"`
	Description   string `json:"description" validate:"required,max=500"`
	Amount        int64  `json:"amount" validate:"gt=0"`
}

// InitiateResult carries the new record and, in diagnostic mode, its code.
type InitiateResult struct {
	Record Record
	DevOTP string
}

// Initiate creates a record in pending_otp and sends the consent code to the
// customer. The record is stored before delivery; a delivery failure is
// returned alongside the stored record.
func (s *Service) Initiate(ctx context.Context, in InitiateInput) (InitiateResult, error) {
	in.Description = strings.TrimSpace(in.Description)
	if err := validation.Struct(in); err != nil {
		return InitiateResult{}, err
	}
	garage, err := s.users.Get(ctx, in.GarageID)
	if err != nil {
		return InitiateResult{}, err
	}
	if !garage.IsGarage() {
		return InitiateResult{}, apperr.New(apperr.KindForbidden, "only garages can add services")
	}

	code, err := s.codes.Issue(otp.PurposeService, s.opts.ServiceWindow)
	if err != nil {
		return InitiateResult{}, apperr.Wrap(apperr.KindInternal, err, "issue service otp")
	}
	record := Record{
		ID:            uuid.New().String(),
		GarageID:      garage.ID,
		CustomerPhone: in.CustomerPhone,
		Description:   in.Description,
		Amount:        in.Amount,
		Status:        StatusPendingOTP,
		OTP:           code.Slot(),
		CreatedAt:     s.opts.Now().UTC(),
	}
	if err := s.store.Create(ctx, record); err != nil {
		return InitiateResult{}, err
	}

	res := InitiateResult{Record: record}
	if s.opts.Diagnostic {
		res.DevOTP = code.Plain
	}
	msg := notification.Message{
		Kind:        notification.KindServiceOTP,
		Destination: record.CustomerPhone,
		Body: fmt.Sprintf("%s: %s has added a service for you.\n\nService: %s\nAmount: Rs.%d\n\n"+
			"If correct, share this OTP with your mechanic: %s\n\nDo NOT share if incorrect.",
			s.opts.AppName, garage.DisplayName(), record.Description, record.Amount, code.Plain),
	}
	if err := s.dispatcher.Deliver(ctx, msg); err != nil {
		return res, err
	}
	return res, nil
}

// VerifyResult is returned once the customer's code is accepted.
type VerifyResult struct {
	Record     Record
	PaymentURL string
}

// VerifyCustomerCode checks the consent code for a record owned by garageID.
// An expired code moves the record to expired permanently.
func (s *Service) VerifyCustomerCode(ctx context.Context, recordID, garageID, code string) (VerifyResult, error) {
	record, err := s.owned(ctx, recordID, garageID)
	if err != nil {
		return VerifyResult{}, err
	}
	if record.Status != StatusPendingOTP {
		return VerifyResult{}, invalidState(record.Status)
	}

	if s.codes.Expired(record.OTP) {
		if _, err := s.store.Apply(ctx, Transition{RecordID: record.ID, From: StatusPendingOTP, To: StatusExpired, At: s.opts.Now()}); err != nil {
			return VerifyResult{}, err
		}
		return VerifyResult{}, apperr.New(apperr.KindExpired, "OTP has expired, please initiate again")
	}
	if err := s.codes.Verify(code, record.OTP); err != nil {
		return VerifyResult{}, err
	}

	record, err = s.store.Apply(ctx, Transition{RecordID: record.ID, From: StatusPendingOTP, To: StatusPendingPayment, At: s.opts.Now()})
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{Record: record, PaymentURL: s.gateway.PaymentURL(charge(record))}, nil
}

// CompleteResult is returned once payment is recorded.
type CompleteResult struct {
	Record    Record
	NotifyURL string
	// CustomerCreated is true when the customer has no profile yet.
	CustomerCreated bool
}

// CompletePayment settles a pending_payment record owned by garageID,
// credits the garage and links the customer identity.
func (s *Service) CompletePayment(ctx context.Context, recordID, garageID string) (CompleteResult, error) {
	record, err := s.owned(ctx, recordID, garageID)
	if err != nil {
		return CompleteResult{}, err
	}
	if record.Status != StatusPendingPayment {
		return CompleteResult{}, invalidState(record.Status)
	}
	garage, err := s.users.Get(ctx, record.GarageID)
	if err != nil {
		return CompleteResult{}, err
	}

	// Resolving is idempotent, so a caller that loses the transition below
	// leaves nothing behind except an identity that had to exist anyway.
	customer, _, err := s.users.ResolveOrCreate(ctx, record.CustomerPhone, identity.RoleCustomer)
	if err != nil {
		return CompleteResult{}, err
	}
	ref, err := s.gateway.Reference(ctx, charge(record))
	if err != nil {
		return CompleteResult{}, apperr.Wrap(apperr.KindInternal, err, "build payment reference")
	}

	record, err = s.store.Apply(ctx, Transition{
		RecordID:   record.ID,
		From:       StatusPendingPayment,
		To:         StatusCompleted,
		At:         s.opts.Now(),
		CustomerID: customer.ID,
		PaymentRef: ref,
	})
	if err != nil {
		return CompleteResult{}, err
	}

	text := completionText(garage, record)
	if err := s.dispatcher.Deliver(ctx, notification.Message{
		Kind:        notification.KindServiceCompleted,
		Destination: record.CustomerPhone,
		Body:        text,
	}); err != nil {
		// Settlement is final; the garage can still share the link below.
		s.logger.Warn("completion notice not delivered", slog.String("service_id", record.ID), slog.Any("error", err))
	}

	return CompleteResult{
		Record:          record,
		NotifyURL:       notification.WhatsAppLink(s.opts.CountryCode, record.CustomerPhone, text),
		CustomerCreated: !customer.ProfileComplete(),
	}, nil
}

// Pending lists the garage's records awaiting consent or payment, newest first.
func (s *Service) Pending(ctx context.Context, garageID string) ([]Record, error) {
	return s.store.List(ctx, Query{GarageID: garageID, Statuses: PendingStatuses})
}

// Portfolio lists the garage's latest completed records.
func (s *Service) Portfolio(ctx context.Context, garageID string) ([]Record, error) {
	return s.store.List(ctx, Query{GarageID: garageID, Statuses: []Status{StatusCompleted}, ByCompletion: true, Limit: portfolioLimit})
}

// PublicPortfolio is the shorter portfolio shown on a garage's public page.
func (s *Service) PublicPortfolio(ctx context.Context, garageID string) ([]Record, error) {
	return s.store.List(ctx, Query{GarageID: garageID, Statuses: []Status{StatusCompleted}, ByCompletion: true, Limit: publicPortfolioLimit})
}

// ForCustomer lists every record billed to phone, newest first.
func (s *Service) ForCustomer(ctx context.Context, phone string) ([]Record, error) {
	return s.store.List(ctx, Query{CustomerPhone: phone})
}

// Totals returns the stored aggregates used by garage stats.
func (s *Service) Totals(ctx context.Context, garageID string) (Totals, error) {
	return s.store.GarageTotals(ctx, garageID)
}

func (s *Service) owned(ctx context.Context, recordID, garageID string) (Record, error) {
	record, err := s.store.Get(ctx, recordID)
	if err != nil {
		return Record{}, err
	}
	if record.GarageID != garageID {
		return Record{}, apperr.New(apperr.KindForbidden, "not authorized for this service")
	}
	return record, nil
}

func charge(r Record) payments.Charge {
	return payments.Charge{ServiceID: r.ID, Amount: r.Amount, Description: r.Description}
}

func completionText(garage identity.User, r Record) string {
	return fmt.Sprintf("Service Verified\n\nGarage: %s\nService: %s\nAmount: Rs.%d\n\n"+
		"Your account has been created. Login anytime to find verified garages.",
		garage.DisplayName(), r.Description, r.Amount)
}

// IsDeliveryFailure reports whether err only signals a failed notification.
func IsDeliveryFailure(err error) bool {
	return errors.Is(err, apperr.ErrDeliveryFailed)
}
