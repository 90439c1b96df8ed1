package routes

import (
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/knowyourmechanic/kym-api/internal/auth"
	"github.com/knowyourmechanic/kym-api/internal/config"
	"github.com/knowyourmechanic/kym-api/internal/garage"
	"github.com/knowyourmechanic/kym-api/internal/identity"
	"github.com/knowyourmechanic/kym-api/internal/ledger"
	"github.com/knowyourmechanic/kym-api/internal/middleware"
	"github.com/knowyourmechanic/kym-api/internal/notification"
	"github.com/knowyourmechanic/kym-api/internal/otp"
	"github.com/knowyourmechanic/kym-api/internal/payments"
	"github.com/knowyourmechanic/kym-api/internal/stats"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
	// Notifier delivers outbound messages. Nil logs them instead.
	Notifier notification.Notifier
}

// Setup configures middlewares and all application routes. Without a
// database, development builds fall back to in-memory stores.
func Setup(app *fiber.App, d Deps) error {
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	app.Use(recover.New(recover.Config{EnableStackTrace: d.Cfg.IsDev()}))
	app.Use(middleware.RequestID())
	if d.Cfg.IsDev() {
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	}
	app.Use(middleware.Audit(d.Logger))

	var (
		identityRepo identity.Repository
		records      ledger.Store
	)
	if d.DB != nil {
		identityRepo = identity.NewPostgresRepository(d.DB)
		records = ledger.NewPostgresStore(d.DB)
	} else {
		d.Logger.Warn("DATABASE_URL not set, using in-memory stores")
		memory := identity.NewMemoryRepository()
		identityRepo = memory
		records = ledger.NewInMemory(memory)
	}

	notifier := d.Notifier
	if notifier == nil {
		notifier = notification.NewLoggerNotifier(d.Logger)
	}
	dispatcher := notification.NewDispatcher(notifier, d.Cfg.DeliveryTimeout, d.Logger)
	codes := otp.NewIssuer(otp.Options{Length: d.Cfg.OTPLength, HashCost: d.Cfg.OTPHashCost})
	tokens := auth.NewTokenManager(d.Cfg.JWTSecret, d.Cfg.AppName, d.Cfg.TokenTTL)
	gateway := payments.NewUPIGateway(d.Cfg.PaymentVPA, d.Cfg.PaymentPayee)

	identitySvc := identity.NewService(identityRepo)
	authSvc := auth.NewService(identitySvc, tokens, codes, dispatcher, auth.Options{
		AppName:     d.Cfg.AppName,
		LoginWindow: d.Cfg.LoginOTPTTL,
		Diagnostic:  d.Cfg.DiagnosticOTP,
	})
	ledgerSvc := ledger.NewService(records, identitySvc, codes, gateway, dispatcher, d.Logger, ledger.Options{
		AppName:       d.Cfg.AppName,
		ServiceWindow: d.Cfg.ServiceOTPTTL,
		Diagnostic:    d.Cfg.DiagnosticOTP,
		CountryCode:   d.Cfg.NotifyCountryCode,
	})
	aggregator := stats.NewAggregator(ledgerSvc, identitySvc)

	guard := middleware.Guard(tokens, identitySvc)
	idempotency := middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger)
	otpLimiter := middleware.OTPRateLimit(d.Cache, d.Cfg.OTPRateLimit, d.Logger)
	loginVerifyLimiter := middleware.LoginVerifyLimit(d.Cache, d.Cfg.OTPVerifyAttempts, d.Cfg.LoginOTPTTL, d.Logger)
	serviceVerifyLimiter := middleware.ServiceVerifyLimit(d.Cache, d.Cfg.OTPVerifyAttempts, d.Cfg.ServiceOTPTTL, d.Logger)

	api := app.Group("/api")
	RegisterHealthRoutes(app, api, d)
	RegisterAuthRoutes(api, auth.NewHandler(authSvc), otpLimiter, loginVerifyLimiter, guard)
	RegisterServiceRoutes(api, ledger.NewHandler(ledgerSvc), guard, idempotency, serviceVerifyLimiter)
	RegisterGarageRoutes(api, garage.NewHandler(identitySvc, ledgerSvc, aggregator), guard)

	return nil
}
