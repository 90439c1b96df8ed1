package notification

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/knowyourmechanic/kym-api/internal/apperr"
)

const (
	// KindLoginOTP carries a login code to a phone.
	KindLoginOTP = "login_otp"
	// KindServiceOTP asks a customer to approve a garage service.
	KindServiceOTP = "service_otp"
	// KindServiceCompleted tells a customer their service was recorded.
	KindServiceCompleted = "service_completed"
)

// backgroundLimit bounds a delivery that outlived the caller's wait.
const backgroundLimit = 30 * time.Second

// Message describes a notification payload.
type Message struct {
	Kind        string `json:"kind"`
	Destination string `json:"destination"`
	Body        string `json:"body"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger. It is the delivery
// strategy for diagnostic environments and never fails.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification", "kind", message.Kind, "phone", message.Destination, "body", message.Body)
	return nil
}

// Dispatcher waits a short, bounded time for a Notifier. Failures inside the
// bound surface as delivery_failed; slower sends continue in the background.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	logger   *slog.Logger
}

// NewDispatcher wraps notifier. A non-positive timeout defaults to 3s.
func NewDispatcher(notifier Notifier, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Dispatcher{notifier: notifier, timeout: timeout, logger: logger}
}

// Deliver hands message to the notifier and waits at most the configured bound.
func (d *Dispatcher) Deliver(ctx context.Context, message Message) error {
	if d == nil || d.notifier == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), backgroundLimit)
		defer cancel()
		done <- d.notifier.Send(sendCtx, message)
	}()

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			d.log().Error("notification delivery failed", "kind", message.Kind, "phone", message.Destination, "error", err)
			return apperr.Wrap(apperr.KindDeliveryFailed, err, "message delivery failed")
		}
		return nil
	case <-timer.C:
		d.log().Warn("notification delivery still in flight", "kind", message.Kind, "phone", message.Destination)
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (d *Dispatcher) log() *slog.Logger {
	if d.logger == nil {
		return slog.Default()
	}
	return d.logger
}

// WhatsAppLink builds a click-to-chat URL for phone prefixed by countryCode.
func WhatsAppLink(countryCode, phone, text string) string {
	escaped := strings.ReplaceAll(url.QueryEscape(text), "+", "%20")
	return "https://wa.me/" + countryCode + phone + "?text=" + escaped
}
