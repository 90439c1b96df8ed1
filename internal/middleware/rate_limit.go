package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// RateLimitRule describes one fixed-window counter.
type RateLimitRule struct {
	// Prefix namespaces the Redis key, e.g. "rl:otp:".
	Prefix string
	Max    int
	Window time.Duration
	// Key picks the subject being limited. An empty result falls back to the client IP.
	Key     func(c *fiber.Ctx) string
	Message string
}

// RateLimit counts requests per subject inside rule.Window and answers 429
// once rule.Max is exceeded. It is a no-op without Redis and fails open on
// cache errors.
func RateLimit(cache *redis.Client, rule RateLimitRule, logger *slog.Logger) fiber.Handler {
	if rule.Max <= 0 {
		rule.Max = 5
	}
	if rule.Window <= 0 {
		rule.Window = time.Minute
	}
	if rule.Message == "" {
		rule.Message = "too many requests, try again later"
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		subject := ""
		if rule.Key != nil {
			subject = strings.TrimSpace(rule.Key(c))
		}
		if subject == "" {
			subject = c.IP()
		}

		ctx := c.UserContext()
		key := rule.Prefix + subject
		count, err := cache.Incr(ctx, key).Result()
		if err == nil && count == 1 {
			err = cache.Expire(ctx, key, rule.Window).Err()
		}
		if err != nil {
			logger.Warn("rate limit unavailable", slog.String("prefix", rule.Prefix), slog.Any("error", err))
			return c.Next()
		}
		if count > int64(rule.Max) {
			return fiber.NewError(http.StatusTooManyRequests, rule.Message)
		}
		return c.Next()
	}
}

// OTPRateLimit caps login code requests per phone (or client IP when the body
// has none) per minute.
func OTPRateLimit(cache *redis.Client, maxPerMin int, logger *slog.Logger) fiber.Handler {
	return RateLimit(cache, RateLimitRule{
		Prefix:  "rl:otp:",
		Max:     maxPerMin,
		Window:  time.Minute,
		Key:     bodyPhone,
		Message: "too many OTP requests, try again later",
	}, logger)
}

// LoginVerifyLimit caps login code guesses per phone over one code window.
func LoginVerifyLimit(cache *redis.Client, attempts int, window time.Duration, logger *slog.Logger) fiber.Handler {
	return RateLimit(cache, RateLimitRule{
		Prefix:  "rl:verify:login:",
		Max:     attempts,
		Window:  window,
		Key:     bodyPhone,
		Message: "too many OTP attempts, request a new code",
	}, logger)
}

// ServiceVerifyLimit caps consent code guesses per service record over one
// code window, whoever is guessing.
func ServiceVerifyLimit(cache *redis.Client, attempts int, window time.Duration, logger *slog.Logger) fiber.Handler {
	return RateLimit(cache, RateLimitRule{
		Prefix:  "rl:verify:service:",
		Max:     attempts,
		Window:  window,
		Key:     func(c *fiber.Ctx) string { return c.Params("id") },
		Message: "too many OTP attempts for this service",
	}, logger)
}

func bodyPhone(c *fiber.Ctx) string {
	var req struct {
		Phone string `json:"phone"`
	}
	_ = c.BodyParser(&req)
	return req.Phone
}
