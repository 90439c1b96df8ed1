package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/knowyourmechanic/kym-api/internal/config"
	"github.com/knowyourmechanic/kym-api/internal/logging"
	"github.com/knowyourmechanic/kym-api/internal/routes"
)

func testConfig() config.Config {
	return config.Config{
		AppName:           "KnowyourMechanic",
		AppEnv:            "test",
		Port:              "0",
		JWTSecret:         "server-test-secret",
		TokenTTL:          time.Hour,
		LoginOTPTTL:       10 * time.Minute,
		ServiceOTPTTL:     15 * time.Minute,
		OTPLength:         4,
		OTPHashCost:       bcrypt.MinCost,
		OTPDelivery:       config.DeliveryLog,
		DiagnosticOTP:     true,
		DeliveryTimeout:   time.Second,
		OTPRateLimit:      5,
		OTPVerifyAttempts: 5,
		IdempotencyTTL:    time.Hour,
		PaymentVPA:        "merchant@upi",
		PaymentPayee:      "KnowyourMechanic",
		NotifyCountryCode: "91",
	}
}

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cache.Close() })

	srv, err := New(routes.Deps{Cfg: testConfig(), Cache: cache, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	return srv.App()
}

type call struct {
	method, path, token, idempotencyKey string
	body                                any
}

func do(t *testing.T, app *fiber.App, c call) (int, map[string]any, http.Header) {
	t.Helper()
	var reader io.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(c.method, c.path, reader)
	if c.body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if c.token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+c.token)
	}
	if c.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", c.idempotencyKey)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", c.method, c.path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", c.method, c.path, raw, err)
		}
	}
	return resp.StatusCode, out, resp.Header
}

func login(t *testing.T, app *fiber.App, phone string, profile map[string]any) (string, map[string]any) {
	t.Helper()
	send := map[string]any{"phone": phone}
	if role, ok := profile["role"]; ok {
		send["role"] = role
	}
	status, body, _ := do(t, app, call{method: fiber.MethodPost, path: "/api/auth/send-otp", body: send})
	if status != http.StatusOK {
		t.Fatalf("send-otp %s: status %d body %v", phone, status, body)
	}
	code, _ := body["devOtp"].(string)
	if len(code) != 4 {
		t.Fatalf("expected a 4 digit dev otp, got %v", body["devOtp"])
	}

	verify := map[string]any{"phone": phone, "otp": code}
	for k, v := range profile {
		verify[k] = v
	}
	status, body, _ = do(t, app, call{method: fiber.MethodPost, path: "/api/auth/verify-otp", body: verify})
	if status != http.StatusOK {
		t.Fatalf("verify-otp %s: status %d body %v", phone, status, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("missing token in %v", body)
	}
	user, _ := body["user"].(map[string]any)
	return token, user
}

func TestServiceLifecycleOverHTTP(t *testing.T) {
	app := newTestApp(t)
	garageToken, garageUser := login(t, app, "9000000001", map[string]any{
		"role": "garage", "name": "Ravi", "garageName": "Ravi Motors",
	})
	if garageUser["role"] != "garage" || garageUser["isProfileComplete"] != true {
		t.Fatalf("unexpected garage user %v", garageUser)
	}

	status, body, _ := do(t, app, call{
		method: fiber.MethodPost, path: "/api/services/initiate", token: garageToken,
		body: map[string]any{"customerPhone": "9876543210", "description": "Oil change", "amount": 500},
	})
	if status != http.StatusCreated {
		t.Fatalf("initiate: status %d body %v", status, body)
	}
	serviceID, _ := body["serviceId"].(string)
	code, _ := body["devOtp"].(string)
	if serviceID == "" || code == "" {
		t.Fatalf("initiate returned %v", body)
	}

	status, body, _ = do(t, app, call{
		method: fiber.MethodPost, path: "/api/services/" + serviceID + "/verify", token: garageToken,
		body: map[string]any{"otp": code},
	})
	if status != http.StatusOK {
		t.Fatalf("verify: status %d body %v", status, body)
	}
	if url, _ := body["paymentUrl"].(string); !strings.HasPrefix(url, "upi://pay?") || !strings.Contains(url, "am=500") {
		t.Fatalf("unexpected payment url %q", url)
	}

	completePath := "/api/services/" + serviceID + "/complete-payment"
	status, body, _ = do(t, app, call{method: fiber.MethodPost, path: completePath, token: garageToken, idempotencyKey: "settle-1"})
	if status != http.StatusOK {
		t.Fatalf("complete: status %d body %v", status, body)
	}
	if body["customerCreated"] != true {
		t.Fatalf("expected customerCreated, got %v", body)
	}
	if url, _ := body["notifyUrl"].(string); !strings.HasPrefix(url, "https://wa.me/919876543210?text=") {
		t.Fatalf("unexpected notify url %q", url)
	}
	service, _ := body["service"].(map[string]any)
	if id, _ := service["customerId"].(string); service["status"] != "completed" || id == "" {
		t.Fatalf("unexpected service %v", service)
	}

	status, _, header := do(t, app, call{method: fiber.MethodPost, path: completePath, token: garageToken, idempotencyKey: "settle-1"})
	if status != http.StatusOK || header.Get("Idempotent-Replay") != "true" {
		t.Fatalf("expected replayed completion, got %d replay=%q", status, header.Get("Idempotent-Replay"))
	}

	status, body, _ = do(t, app, call{method: fiber.MethodPost, path: completePath, token: garageToken})
	if status != http.StatusConflict || body["error"] != "invalid_state" || body["success"] != false {
		t.Fatalf("expected invalid_state on second completion, got %d %v", status, body)
	}
	if msg, _ := body["message"].(string); !strings.Contains(msg, "completed") {
		t.Fatalf("message should name the current status: %q", msg)
	}

	status, body, _ = do(t, app, call{method: fiber.MethodGet, path: "/api/garage/stats", token: garageToken})
	if status != http.StatusOK {
		t.Fatalf("stats: status %d body %v", status, body)
	}
	stats, _ := body["stats"].(map[string]any)
	if stats["totalServices"] != float64(1) || stats["totalEarnings"] != float64(500) || stats["pendingCount"] != float64(0) {
		t.Fatalf("unexpected stats %v", stats)
	}

	status, body, _ = do(t, app, call{method: fiber.MethodGet, path: "/api/services/portfolio", token: garageToken})
	if status != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("portfolio: status %d body %v", status, body)
	}

	status, body, _ = do(t, app, call{method: fiber.MethodGet, path: "/api/garage/list"})
	if status != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("list: status %d body %v", status, body)
	}
	garageID, _ := garageUser["id"].(string)
	status, body, _ = do(t, app, call{method: fiber.MethodGet, path: "/api/garage/" + garageID + "/public"})
	if status != http.StatusOK {
		t.Fatalf("public: status %d body %v", status, body)
	}
	if portfolio, _ := body["portfolio"].([]any); len(portfolio) != 1 {
		t.Fatalf("expected one public portfolio entry, got %v", body["portfolio"])
	}

	customerToken, customer := login(t, app, "9876543210", nil)
	if customer["role"] != "customer" || customer["isProfileComplete"] != false {
		t.Fatalf("unexpected customer %v", customer)
	}
	status, body, _ = do(t, app, call{method: fiber.MethodGet, path: "/api/services/my-services", token: customerToken})
	if status != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("my-services: status %d body %v", status, body)
	}
	status, body, _ = do(t, app, call{method: fiber.MethodGet, path: "/api/services/pending", token: customerToken})
	if status != http.StatusForbidden || body["error"] != "forbidden" {
		t.Fatalf("customer reached garage route: %d %v", status, body)
	}
}

func TestGuardedRoutesRequireToken(t *testing.T) {
	app := newTestApp(t)
	status, body, _ := do(t, app, call{method: fiber.MethodGet, path: "/api/auth/me"})
	if status != http.StatusUnauthorized || body["error"] != "unauthorized" {
		t.Fatalf("expected unauthorized, got %d %v", status, body)
	}
	status, body, _ = do(t, app, call{method: fiber.MethodPost, path: "/api/services/initiate", token: "garbage"})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for bad token, got %d %v", status, body)
	}
}

func TestInitiateValidation(t *testing.T) {
	app := newTestApp(t)
	token, _ := login(t, app, "9000000001", map[string]any{"role": "garage"})
	status, body, _ := do(t, app, call{
		method: fiber.MethodPost, path: "/api/services/initiate", token: token,
		body: map[string]any{"customerPhone": "12345", "description": "Oil change", "amount": 500},
	})
	if status != http.StatusBadRequest || body["error"] != "validation_error" {
		t.Fatalf("expected validation error, got %d %v", status, body)
	}
}

func TestSendOTPRateLimited(t *testing.T) {
	app := newTestApp(t)
	var status int
	for i := 0; i < 6; i++ {
		status, _, _ = do(t, app, call{method: fiber.MethodPost, path: "/api/auth/send-otp", body: map[string]any{"phone": "9000000009"}})
	}
	if status != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on the sixth request, got %d", status)
	}
}

func TestHealth(t *testing.T) {
	app := newTestApp(t)
	for _, path := range []string{"/healthz", "/api/health"} {
		status, body, _ := do(t, app, call{method: fiber.MethodGet, path: path})
		if status != http.StatusOK {
			t.Fatalf("%s: status %d body %v", path, status, body)
		}
		deps, _ := body["status"].(map[string]any)
		if deps["postgres"] != "disabled" || deps["redis"] != "ok" {
			t.Fatalf("%s: unexpected dependency status %v", path, deps)
		}
	}
}

func TestSetupRequiresStoresOutsideDev(t *testing.T) {
	cfg := testConfig()
	cfg.AppEnv = "production"
	if _, err := New(routes.Deps{Cfg: cfg, Logger: logging.Discard()}); err == nil {
		t.Fatalf("expected production setup without a database to fail")
	}
}

func TestServiceVerifyGuessesAreLimited(t *testing.T) {
	app := newTestApp(t)
	token, _ := login(t, app, "9000000001", map[string]any{"role": "garage"})
	status, body, _ := do(t, app, call{
		method: fiber.MethodPost, path: "/api/services/initiate", token: token,
		body: map[string]any{"customerPhone": "9876543210", "description": "Oil change", "amount": 500},
	})
	if status != http.StatusCreated {
		t.Fatalf("initiate: status %d body %v", status, body)
	}
	serviceID, _ := body["serviceId"].(string)
	code, _ := body["devOtp"].(string)
	wrong := "0000"
	if code == wrong {
		wrong = "1111"
	}

	verifyPath := "/api/services/" + serviceID + "/verify"
	for i := 0; i < 5; i++ {
		status, body, _ = do(t, app, call{method: fiber.MethodPost, path: verifyPath, token: token, body: map[string]any{"otp": wrong}})
		if status != http.StatusBadRequest || body["error"] != "invalid_code" {
			t.Fatalf("guess %d: expected invalid_code, got %d %v", i, status, body)
		}
	}
	status, body, _ = do(t, app, call{method: fiber.MethodPost, path: verifyPath, token: token, body: map[string]any{"otp": code}})
	if status != http.StatusTooManyRequests || body["error"] != "rate_limited" {
		t.Fatalf("expected rate_limited after 5 guesses, got %d %v", status, body)
	}

	status, body, _ = do(t, app, call{method: fiber.MethodGet, path: "/api/services/pending", token: token})
	services, _ := body["services"].([]any)
	if status != http.StatusOK || len(services) != 1 {
		t.Fatalf("pending: status %d body %v", status, body)
	}
	if first, _ := services[0].(map[string]any); first["status"] != "pending_otp" {
		t.Fatalf("limited guess must not move the record: %v", first)
	}
}

func TestLoginVerifyGuessesAreLimited(t *testing.T) {
	app := newTestApp(t)
	status, body, _ := do(t, app, call{method: fiber.MethodPost, path: "/api/auth/send-otp", body: map[string]any{"phone": "9000000003"}})
	if status != http.StatusOK {
		t.Fatalf("send-otp: status %d body %v", status, body)
	}
	code, _ := body["devOtp"].(string)
	wrong := "0000"
	if code == wrong {
		wrong = "1111"
	}
	for i := 0; i < 5; i++ {
		do(t, app, call{method: fiber.MethodPost, path: "/api/auth/verify-otp", body: map[string]any{"phone": "9000000003", "otp": wrong}})
	}
	status, body, _ = do(t, app, call{method: fiber.MethodPost, path: "/api/auth/verify-otp", body: map[string]any{"phone": "9000000003", "otp": code}})
	if status != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after 5 wrong codes, got %d %v", status, body)
	}
}

func TestMalformedBodyIsValidationError(t *testing.T) {
	app := newTestApp(t)
	token, _ := login(t, app, "9000000001", map[string]any{"role": "garage"})
	status, body, _ := do(t, app, call{
		method: fiber.MethodPost, path: "/api/services/initiate", token: token,
		body: map[string]any{"customerPhone": "9876543210", "description": "Oil change", "amount": 499.5},
	})
	if status != http.StatusBadRequest || body["error"] != "validation_error" {
		t.Fatalf("expected validation_error, got %d %v", status, body)
	}
	msg, _ := body["message"].(string)
	if msg != "invalid request body" {
		t.Fatalf("decoder detail leaked to client: %q", msg)
	}
}
