package dooray

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/logging"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/ratelimit"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/redact"
)

// ErrCircuitOpen is returned while the breaker fast-fails sends.
var ErrCircuitOpen = errors.New("circuit_open")

// ErrBusinessFailure marks a 2xx response whose body explicitly reported
// isSuccessful=false. Non-retriable: the payload reached Dooray and was
// rejected, so retrying would duplicate nothing and fix nothing.
var ErrBusinessFailure = errors.New("webhook_business_failure")

// StatusError is a non-2xx webhook response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("webhook status %d", e.Code) }

// Retriable reports whether the status is worth another attempt: server
// errors are, client errors are configuration or payload bugs.
func (e *StatusError) Retriable() bool { return e.Code >= 500 }

// Options configures a Notifier.
type Options struct {
	WebhookURL string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Limiter    *ratelimit.Limiter

	BreakerEnabled  bool
	BreakerFailures int
	BreakerOpenFor  time.Duration

	Logger   *slog.Logger
	Redactor *redact.Redactor
}

// Notifier sends webhook payloads with retries, a global send rate limit,
// and an optional circuit breaker. All breaker counters live inside
// gobreaker behind its own mutex; no lock is held across network I/O or
// backoff sleeps.
type Notifier struct {
	opts    Options
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// New builds a notifier.
func New(opts Options) *Notifier {
	n := &Notifier{
		opts: opts,
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: &http.Transport{},
		},
	}
	if opts.BreakerEnabled {
		n.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "dooray-webhook",
			MaxRequests: 1,
			Timeout:     opts.BreakerOpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= uint32(opts.BreakerFailures)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				switch to {
				case gobreaker.StateOpen:
					logging.Error(opts.Logger, "notification.circuit.opened",
						"from", from.String(), "open_for_sec", opts.BreakerOpenFor.Seconds())
				case gobreaker.StateClosed:
					logging.Info(opts.Logger, "notification.circuit.closed",
						"from", from.String())
				default:
					logging.Info(opts.Logger, "notification.circuit.half_open",
						"from", from.String())
				}
			},
			IsSuccessful: func(err error) bool {
				// A cancelled send says nothing about webhook health.
				return err == nil || errors.Is(err, context.Canceled)
			},
		})
	}
	return n
}

// Close releases pooled connections.
func (n *Notifier) Close() {
	n.client.CloseIdleConnections()
}

// Send delivers one payload. It returns the number of attempts performed
// along with the final outcome. Zero attempts with ErrCircuitOpen means the
// circuit was open; zero attempts with another error means the rate limiter
// wait failed before the first request.
func (n *Notifier) Send(ctx context.Context, msg Message) (int, error) {
	if n.breaker == nil {
		return n.sendWithRetry(ctx, msg)
	}

	attempts := 0
	_, err := n.breaker.Execute(func() (any, error) {
		var sendErr error
		attempts, sendErr = n.sendWithRetry(ctx, msg)
		return nil, sendErr
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		logging.Warn(n.opts.Logger, "notification.circuit.blocked")
		return 0, ErrCircuitOpen
	}
	return attempts, err
}

// sendWithRetry drives the exponential-backoff retry ladder. The rate
// limiter is re-acquired before every attempt so retries are paced like
// first sends.
func (n *Notifier) sendWithRetry(ctx context.Context, msg Message) (int, error) {
	attempts := 0

	op := func() error {
		if err := n.opts.Limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		err := n.sendOnce(ctx, msg)
		if err == nil {
			return nil
		}
		if !sendRetriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		logging.Warn(n.opts.Logger, "notification.retry",
			"attempt", attempts,
			"backoff_sec", wait.Seconds(),
			"error", n.opts.Redactor.Error(err),
		)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.opts.RetryDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(n.opts.MaxRetries)), ctx),
		notify)
	return attempts, err
}

// sendOnce performs a single webhook POST and judges the response.
func (n *Notifier) sendOnce(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.opts.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		// A 2xx with an explicit isSuccessful=false is a business
		// rejection. An unparseable or flagless body stays a success so
		// a cosmetic response change never causes duplicate sends.
		var body struct {
			IsSuccessful *bool `json:"isSuccessful"`
		}
		if json.Unmarshal(raw, &body) == nil && body.IsSuccessful != nil && !*body.IsSuccessful {
			return ErrBusinessFailure
		}
		return nil
	}
	return &StatusError{Code: resp.StatusCode}
}

// sendRetriable classifies a single-attempt failure.
func sendRetriable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retriable()
	}
	if errors.Is(err, ErrBusinessFailure) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
