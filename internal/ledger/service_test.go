package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/knowyourmechanic/kym-api/internal/apperr"
	"github.com/knowyourmechanic/kym-api/internal/identity"
	"github.com/knowyourmechanic/kym-api/internal/logging"
	"github.com/knowyourmechanic/kym-api/internal/notification"
	"github.com/knowyourmechanic/kym-api/internal/otp"
	"github.com/knowyourmechanic/kym-api/internal/payments"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification.Message
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, msg notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *recordingNotifier) last() notification.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return notification.Message{}
	}
	return n.sent[len(n.sent)-1]
}

type harness struct {
	svc      *Service
	store    Store
	users    *identity.Service
	repo     *identity.MemoryRepository
	clock    *fakeClock
	notifier *recordingNotifier
	garage   identity.User
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:     identity.NewMemoryRepository(),
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
	}
	h.users = identity.NewService(h.repo)
	h.store = NewInMemory(h.repo)
	codes := otp.NewIssuer(otp.Options{HashCost: bcrypt.MinCost, Now: h.clock.Now})
	dispatcher := notification.NewDispatcher(h.notifier, time.Second, logging.Discard())
	h.svc = NewService(h.store, h.users, codes, payments.NewUPIGateway("merchant@upi", "KnowyourMechanic"),
		dispatcher, logging.Discard(), Options{Diagnostic: true, Now: h.clock.Now})

	ctx := context.Background()
	garage, _, err := h.users.ResolveOrCreate(ctx, "9123456789", identity.RoleGarage)
	if err != nil {
		t.Fatalf("create garage: %v", err)
	}
	h.garage, err = h.users.MergeProfile(ctx, garage.ID, identity.ProfilePatch{Name: "Ravi", GarageName: "Ravi Motors"}, identity.RoleChangeDenied)
	if err != nil {
		t.Fatalf("garage profile: %v", err)
	}
	return h
}

func (h *harness) initiate(t *testing.T, phone, description string, amount int64) InitiateResult {
	t.Helper()
	res, err := h.svc.Initiate(context.Background(), InitiateInput{
		GarageID: h.garage.ID, CustomerPhone: phone, Description: description, Amount: amount,
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return res
}

func (h *harness) verified(t *testing.T, phone string, amount int64) Record {
	t.Helper()
	res := h.initiate(t, phone, "Brake pads", amount)
	out, err := h.svc.VerifyCustomerCode(context.Background(), res.Record.ID, h.garage.ID, res.DevOTP)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	return out.Record
}

func wrongCode(code string) string {
	if code == "0000" {
		return "1111"
	}
	return "0000"
}

func TestInitiateCreatesPendingRecord(t *testing.T) {
	h := newHarness(t)
	res := h.initiate(t, "9876543210", "Oil change", 500)

	stored, err := h.store.Get(context.Background(), res.Record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusPendingOTP || stored.VerifiedAt != nil || stored.CompletedAt != nil {
		t.Fatalf("unexpected record %+v", stored)
	}
	if want := h.clock.Now().Add(15 * time.Minute); !stored.OTP.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s got %s", want, stored.OTP.ExpiresAt)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(stored.OTP.Hash), []byte(res.DevOTP)); err != nil {
		t.Fatalf("diagnostic code does not match stored hash: %v", err)
	}

	msg := h.notifier.last()
	if msg.Kind != notification.KindServiceOTP || msg.Destination != "9876543210" {
		t.Fatalf("unexpected message %+v", msg)
	}
	for _, want := range []string{"Ravi Motors", "Oil change", "500", res.DevOTP} {
		if !strings.Contains(msg.Body, want) {
			t.Fatalf("message %q missing %q", msg.Body, want)
		}
	}
}

func TestInitiateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cases := map[string]InitiateInput{
		"short phone":    {GarageID: h.garage.ID, CustomerPhone: "98765", Description: "Oil change", Amount: 500},
		"alpha phone":    {GarageID: h.garage.ID, CustomerPhone: "98765abcde", Description: "Oil change", Amount: 500},
		"no description": {GarageID: h.garage.ID, CustomerPhone: "9876543210", Description: "   ", Amount: 500},
		"zero amount":    {GarageID: h.garage.ID, CustomerPhone: "9876543210", Description: "Oil change", Amount: 0},
		"negative":       {GarageID: h.garage.ID, CustomerPhone: "9876543210", Description: "Oil change", Amount: -5},
	}
	for name, in := range cases {
		if _, err := h.svc.Initiate(ctx, in); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}

	customer, _, _ := h.users.ResolveOrCreate(ctx, "9000000000", identity.RoleCustomer)
	_, err := h.svc.Initiate(ctx, InitiateInput{GarageID: customer.ID, CustomerPhone: "9876543210", Description: "Oil change", Amount: 500})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden for customer, got %v", err)
	}
}

func TestInitiateDeliveryFailureKeepsRecord(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("sms gateway down")

	res, err := h.svc.Initiate(context.Background(), InitiateInput{
		GarageID: h.garage.ID, CustomerPhone: "9876543210", Description: "Oil change", Amount: 500,
	})
	if !IsDeliveryFailure(err) {
		t.Fatalf("expected delivery failure, got %v", err)
	}
	stored, err := h.store.Get(context.Background(), res.Record.ID)
	if err != nil || stored.Status != StatusPendingOTP {
		t.Fatalf("record should persist after delivery failure: %+v %v", stored, err)
	}
}

func TestVerifyTransitionsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.initiate(t, "9876543210", "Oil change", 500)

	out, err := h.svc.VerifyCustomerCode(ctx, res.Record.ID, h.garage.ID, res.DevOTP)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if out.Record.Status != StatusPendingPayment || out.Record.VerifiedAt == nil || !out.Record.OTP.Empty() {
		t.Fatalf("unexpected record %+v", out.Record)
	}
	if !strings.HasPrefix(out.PaymentURL, "upi://pay?") || !strings.Contains(out.PaymentURL, "am=500") {
		t.Fatalf("unexpected payment url %s", out.PaymentURL)
	}

	_, err = h.svc.VerifyCustomerCode(ctx, res.Record.ID, h.garage.ID, res.DevOTP)
	if !errors.Is(err, apperr.ErrInvalidState) || !strings.Contains(err.Error(), string(StatusPendingPayment)) {
		t.Fatalf("expected invalid state naming pending_payment, got %v", err)
	}
}

func TestVerifyWrongCodeKeepsPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.initiate(t, "9876543210", "Oil change", 500)

	for i := 0; i < 2; i++ {
		if _, err := h.svc.VerifyCustomerCode(ctx, res.Record.ID, h.garage.ID, wrongCode(res.DevOTP)); !errors.Is(err, apperr.ErrInvalidCode) {
			t.Fatalf("attempt %d: expected invalid code, got %v", i, err)
		}
	}
	stored, _ := h.store.Get(ctx, res.Record.ID)
	if stored.Status != StatusPendingOTP || stored.OTP.Empty() {
		t.Fatalf("wrong codes must not change the record: %+v", stored)
	}
}

func TestVerifyAfterExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.initiate(t, "9876543210", "Oil change", 500)

	h.clock.Advance(15*time.Minute + time.Second)
	if _, err := h.svc.VerifyCustomerCode(ctx, res.Record.ID, h.garage.ID, res.DevOTP); !errors.Is(err, apperr.ErrExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	stored, _ := h.store.Get(ctx, res.Record.ID)
	if stored.Status != StatusExpired || stored.VerifiedAt != nil {
		t.Fatalf("expected expired record, got %+v", stored)
	}
	if _, err := h.svc.VerifyCustomerCode(ctx, res.Record.ID, h.garage.ID, res.DevOTP); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state after expiry, got %v", err)
	}
	if _, err := h.svc.CompletePayment(ctx, res.Record.ID, h.garage.ID); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state completing expired record, got %v", err)
	}
}

func TestVerifyAtExactExpiryIsExpired(t *testing.T) {
	h := newHarness(t)
	res := h.initiate(t, "9876543210", "Oil change", 500)

	h.clock.Advance(15 * time.Minute)
	if _, err := h.svc.VerifyCustomerCode(context.Background(), res.Record.ID, h.garage.ID, res.DevOTP); !errors.Is(err, apperr.ErrExpired) {
		t.Fatalf("expected expired at the boundary, got %v", err)
	}
}

func TestOwnershipAndNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.initiate(t, "9876543210", "Oil change", 500)

	other, _, _ := h.users.ResolveOrCreate(ctx, "9111111111", identity.RoleGarage)
	if _, err := h.svc.VerifyCustomerCode(ctx, res.Record.ID, other.ID, res.DevOTP); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := h.svc.CompletePayment(ctx, res.Record.ID, other.ID); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden on complete, got %v", err)
	}
	if _, err := h.svc.VerifyCustomerCode(ctx, "missing", h.garage.ID, res.DevOTP); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	stored, _ := h.store.Get(ctx, res.Record.ID)
	if stored.Status != StatusPendingOTP {
		t.Fatalf("foreign garage changed the record: %s", stored.Status)
	}
}

func TestCompleteBeforeVerifyFails(t *testing.T) {
	h := newHarness(t)
	res := h.initiate(t, "9876543210", "Oil change", 500)

	_, err := h.svc.CompletePayment(context.Background(), res.Record.ID, h.garage.ID)
	if !errors.Is(err, apperr.ErrInvalidState) || !strings.Contains(err.Error(), string(StatusPendingOTP)) {
		t.Fatalf("expected invalid state naming pending_otp, got %v", err)
	}
}

func TestOilChangeScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.initiate(t, "9876543210", "Oil change", 500)
	if _, err := h.svc.VerifyCustomerCode(ctx, res.Record.ID, h.garage.ID, res.DevOTP); err != nil {
		t.Fatalf("verify: %v", err)
	}
	h.clock.Advance(time.Minute)
	done, err := h.svc.CompletePayment(ctx, res.Record.ID, h.garage.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	r := done.Record
	if r.Status != StatusCompleted || r.CompletedAt == nil || r.VerifiedAt == nil || !r.CompletedAt.Equal(h.clock.Now()) {
		t.Fatalf("unexpected completed record %+v", r)
	}
	if !strings.HasPrefix(r.PaymentRef, "mock_payment_") {
		t.Fatalf("unexpected payment reference %q", r.PaymentRef)
	}

	garage, _ := h.users.Get(ctx, h.garage.ID)
	if garage.Stats.TotalServices != 1 || garage.Stats.TotalEarnings != 500 {
		t.Fatalf("unexpected garage stats %+v", garage.Stats)
	}
	customer, err := h.users.FindByPhone(ctx, "9876543210")
	if err != nil {
		t.Fatalf("customer identity missing: %v", err)
	}
	if customer.Role != identity.RoleCustomer || r.CustomerID != customer.ID {
		t.Fatalf("record not linked to customer: %+v %+v", r, customer)
	}
	if !done.CustomerCreated {
		t.Fatalf("expected new customer flag")
	}
	if !strings.HasPrefix(done.NotifyURL, "https://wa.me/919876543210?text=") {
		t.Fatalf("unexpected notify url %s", done.NotifyURL)
	}
	if h.notifier.last().Kind != notification.KindServiceCompleted {
		t.Fatalf("expected completion notice, got %+v", h.notifier.last())
	}
}

func TestCompleteLinksExistingCustomer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	existing, _, _ := h.users.ResolveOrCreate(ctx, "9876543210", identity.RoleCustomer)
	_, _ = h.users.MergeProfile(ctx, existing.ID, identity.ProfilePatch{Name: "Asha"}, identity.RoleChangeDenied)

	record := h.verified(t, "9876543210", 750)
	done, err := h.svc.CompletePayment(ctx, record.ID, h.garage.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Record.CustomerID != existing.ID || done.CustomerCreated {
		t.Fatalf("expected link to existing profiled customer, got %+v", done)
	}
}

func TestConcurrentCompletePaymentSucceedsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	record := h.verified(t, "9876543210", 500)

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.CompletePayment(ctx, record.ID, h.garage.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, apperr.ErrInvalidState):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || conflicts != callers-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d and %d", callers-1, successes, conflicts)
	}
	garage, _ := h.users.Get(ctx, h.garage.ID)
	if garage.Stats.TotalServices != 1 || garage.Stats.TotalEarnings != 500 {
		t.Fatalf("counters applied more than once: %+v", garage.Stats)
	}
}

func TestConcurrentVerifySucceedsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.initiate(t, "9876543210", "Oil change", 500)

	const callers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.VerifyCustomerCode(ctx, res.Record.ID, h.garage.ID, res.DevOTP); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else if !errors.Is(err, apperr.ErrInvalidState) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if successes != 1 {
		t.Fatalf("expected exactly one verification, got %d", successes)
	}
}

func TestListings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pending := h.initiate(t, "9000000001", "Wash", 100)
	h.clock.Advance(time.Minute)
	awaitingPayment := h.verified(t, "9000000002", 200)
	h.clock.Advance(time.Minute)
	first := h.verified(t, "9000000003", 300)
	second := h.verified(t, "9000000003", 400)
	if _, err := h.svc.CompletePayment(ctx, second.ID, h.garage.ID); err != nil {
		t.Fatalf("complete second: %v", err)
	}
	h.clock.Advance(time.Minute)
	if _, err := h.svc.CompletePayment(ctx, first.ID, h.garage.ID); err != nil {
		t.Fatalf("complete first: %v", err)
	}

	open, err := h.svc.Pending(ctx, h.garage.ID)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(open) != 2 || open[0].ID != awaitingPayment.ID || open[1].ID != pending.Record.ID {
		t.Fatalf("unexpected pending order %+v", open)
	}

	portfolio, err := h.svc.Portfolio(ctx, h.garage.ID)
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if len(portfolio) != 2 || portfolio[0].ID != first.ID || portfolio[1].ID != second.ID {
		t.Fatalf("portfolio should be newest completion first: %+v", portfolio)
	}

	mine, err := h.svc.ForCustomer(ctx, "9000000003")
	if err != nil {
		t.Fatalf("for customer: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 customer records, got %d", len(mine))
	}

	totals, err := h.svc.Totals(ctx, h.garage.ID)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.Completed != 2 || totals.Earnings != 700 || totals.Pending != 2 {
		t.Fatalf("unexpected totals %+v", totals)
	}
}

func TestPortfolioIsBounded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < portfolioLimit+3; i++ {
		r := h.verified(t, "9876543210", int64(i+1))
		if _, err := h.svc.CompletePayment(ctx, r.ID, h.garage.ID); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}
	portfolio, _ := h.svc.Portfolio(ctx, h.garage.ID)
	public, _ := h.svc.PublicPortfolio(ctx, h.garage.ID)
	if len(portfolio) != portfolioLimit || len(public) != publicPortfolioLimit {
		t.Fatalf("expected %d and %d records, got %d and %d", portfolioLimit, publicPortfolioLimit, len(portfolio), len(public))
	}
}

func TestTransitionTable(t *testing.T) {
	legal := map[[2]Status]bool{
		{StatusPendingOTP, StatusPendingPayment}: true,
		{StatusPendingOTP, StatusExpired}:        true,
		{StatusPendingPayment, StatusCompleted}:  true,
	}
	all := []Status{StatusPendingOTP, StatusPendingPayment, StatusCompleted, StatusExpired, StatusReported}
	for _, from := range all {
		for _, to := range all {
			if got := CanTransition(from, to); got != legal[[2]Status{from, to}] {
				t.Fatalf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}

	h := newHarness(t)
	res := h.initiate(t, "9876543210", "Oil change", 500)
	_, err := h.store.Apply(context.Background(), Transition{RecordID: res.Record.ID, From: StatusPendingOTP, To: StatusCompleted, At: h.clock.Now()})
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected illegal transition to be rejected, got %v", err)
	}
}
