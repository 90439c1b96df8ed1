// Package ledger tracks garage service records from the customer's OTP
// consent through payment. Every status change goes through one guarded
// compare-and-set so concurrent callers cannot apply a transition twice.
package ledger

import (
	"context"
	"time"

	"github.com/knowyourmechanic/kym-api/internal/apperr"
	"github.com/knowyourmechanic/kym-api/internal/otp"
)

// Status is the lifecycle stage of a Record.
type Status string

const (
	StatusPendingOTP     Status = "pending_otp"
	StatusPendingPayment Status = "pending_payment"
	StatusCompleted      Status = "completed"
	StatusExpired        Status = "expired"
	// StatusReported is reserved for disputes; nothing moves into it yet.
	StatusReported Status = "reported"
)

// PendingStatuses are the stages that still need garage action.
var PendingStatuses = []Status{StatusPendingOTP, StatusPendingPayment}

// transitions is the only place legal moves are defined.
var transitions = map[Status][]Status{
	StatusPendingOTP:     {StatusPendingPayment, StatusExpired},
	StatusPendingPayment: {StatusCompleted},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrRecordNotFound is returned when no record has the requested id.
var ErrRecordNotFound = apperr.New(apperr.KindNotFound, "service not found")

// Record is one garage-to-customer service transaction.
type Record struct {
	ID            string
	GarageID      string
	CustomerID    string
	CustomerPhone string
	Description   string
	Amount        int64
	Status        Status
	OTP           otp.Slot
	PaymentRef    string
	CreatedAt     time.Time
	VerifiedAt    *time.Time
	CompletedAt   *time.Time
}

// Transition is a guarded status change. Store.Apply performs it only when
// the record is still in From, together with the side effects of To.
type Transition struct {
	RecordID string
	From     Status
	To       Status
	At       time.Time
	// CustomerID and PaymentRef are recorded on completion.
	CustomerID string
	PaymentRef string
}

// Query selects records for the read-only listings.
type Query struct {
	GarageID      string
	CustomerPhone string
	Statuses      []Status
	// ByCompletion orders by completion time instead of creation time.
	ByCompletion bool
	Limit        int
}

// Totals are the stored aggregates over one garage's records.
type Totals struct {
	Completed int64
	Earnings  int64
	Pending   int64
}

// Store persists records. Apply must be atomic: the status check, the
// record update and, on completion, the garage counter increment happen as
// one unit or not at all.
type Store interface {
	Create(ctx context.Context, record Record) error
	Get(ctx context.Context, id string) (Record, error)
	Apply(ctx context.Context, t Transition) (Record, error)
	List(ctx context.Context, q Query) ([]Record, error)
	GarageTotals(ctx context.Context, garageID string) (Totals, error)
}

// invalidState reports the current status of a record that cannot move.
func invalidState(current Status) error {
	return apperr.New(apperr.KindInvalidState, "service is already %s", current)
}

// applyTo mutates r for t. The caller has checked that r.Status == t.From.
func applyTo(r *Record, t Transition) {
	at := t.At.UTC()
	r.Status = t.To
	switch t.To {
	case StatusPendingPayment:
		r.OTP = otp.Slot{}
		r.VerifiedAt = &at
	case StatusExpired:
		r.OTP = otp.Slot{}
	case StatusCompleted:
		r.CompletedAt = &at
		r.CustomerID = t.CustomerID
		r.PaymentRef = t.PaymentRef
	}
}

func matches(r Record, q Query) bool {
	if q.GarageID != "" && r.GarageID != q.GarageID {
		return false
	}
	if q.CustomerPhone != "" && r.CustomerPhone != q.CustomerPhone {
		return false
	}
	if len(q.Statuses) == 0 {
		return true
	}
	for _, s := range q.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}
