// Package polling waits for push confirmations on the validation server.
package polling

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/al-bashkir/otp-credential-auth/internal/config"
	"github.com/al-bashkir/otp-credential-auth/internal/logsanitize"
	"github.com/al-bashkir/otp-credential-auth/internal/transport"
)

var (
	// ErrNotConfirmed is returned when the push was not confirmed within
	// the configured polling duration.
	ErrNotConfirmed = errors.New("polling: push not confirmed")
	// ErrServer is returned when the server reports an error for the
	// transaction. Polling stops immediately.
	ErrServer = errors.New("polling: server rejected transaction")
	// ErrFinalize is returned when a confirmed push could not be finalized.
	ErrFinalize = errors.New("polling: finalizing transaction failed")
)

// Options bound the poll loop.
type Options struct {
	Interval    time.Duration
	MaxInterval time.Duration
	MaxDuration time.Duration
}

// OptionsFromConfig converts the polling section of the config.
func OptionsFromConfig(cfg *config.PollingConfig) Options {
	return Options{
		Interval:    time.Duration(cfg.IntervalMS) * time.Millisecond,
		MaxInterval: time.Duration(cfg.MaxIntervalMS) * time.Millisecond,
		MaxDuration: time.Duration(cfg.MaxDuration) * time.Second,
	}
}

// Coordinator polls transactions through an Endpoint.
type Coordinator struct {
	endpoint transport.Endpoint
	opts     Options
}

// New returns a Coordinator.
func New(endpoint transport.Endpoint, opts Options) *Coordinator {
	return &Coordinator{endpoint: endpoint, opts: opts}
}

// PollOnce asks the server a single time. StatusNotSet means "not yet".
func (c *Coordinator) PollOnce(ctx context.Context, transactionID string) transport.Status {
	return c.endpoint.PollTransaction(ctx, transactionID)
}

// PollLoop polls with exponential backoff until the push is confirmed, the
// server reports an error, MaxDuration elapses or ctx is done. Network
// failures are retried like a pending confirmation.
func (c *Coordinator) PollLoop(ctx context.Context, transactionID string) (transport.Status, error) {
	last := transport.StatusNotSet

	op := func() error {
		last = c.PollOnce(ctx, transactionID)
		switch last {
		case transport.StatusAuthOK:
			return nil
		case transport.StatusError:
			return backoff.Permanent(ErrServer)
		default:
			return ErrNotConfirmed
		}
	}

	err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx),
		func(err error, next time.Duration) {
			slog.Debug("push not confirmed, polling again",
				"transaction_id", logsanitize.Mask(transactionID),
				"status", last.String(),
				"next", next,
			)
		})
	if err != nil {
		return last, err
	}
	return transport.StatusAuthOK, nil
}

// Finalize completes a confirmed push transaction and returns the server's
// answer along with its status.
func (c *Coordinator) Finalize(ctx context.Context, username, transactionID string) (transport.Status, []byte) {
	return c.endpoint.FinalizePolling(ctx, username, transactionID)
}

// Run polls until confirmation and finalizes. It returns StatusAuthOK and a
// nil error only when the server accepted the finalize request; body is the
// accepted finalize answer.
func (c *Coordinator) Run(ctx context.Context, username, transactionID string) (status transport.Status, body []byte, err error) {
	status, err = c.PollLoop(ctx, transactionID)
	if err != nil {
		return status, nil, err
	}

	status, body = c.Finalize(ctx, username, transactionID)
	if status != transport.StatusAuthOK {
		return status, nil, ErrFinalize
	}

	slog.Info("push authentication confirmed",
		"username", logsanitize.Sanitize(username),
		"transaction_id", logsanitize.Mask(transactionID),
	)
	return status, body, nil
}

// Start runs Run in the background. The returned Handle cancels and joins it.
func (c *Coordinator) Start(ctx context.Context, username, transactionID string) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		defer cancel()
		h.status, h.body, h.err = c.Run(ctx, username, transactionID)
	}()

	return h
}

func (c *Coordinator) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.opts.Interval,
		RandomizationFactor: 0.2,
		Multiplier:          1.5,
		MaxInterval:         c.opts.MaxInterval,
		MaxElapsedTime:      c.opts.MaxDuration,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Handle tracks a background poll started by Start.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	// written before done is closed
	status transport.Status
	body   []byte
	err    error
}

// Cancel stops the poll. It does not wait; use Wait or Done to join.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed when the poll has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the outcome. It is only meaningful after Done is closed;
// before that it reports StatusNotSet.
func (h *Handle) Result() (transport.Status, error) {
	select {
	case <-h.done:
		return h.status, h.err
	default:
		return transport.StatusNotSet, nil
	}
}

// Body returns the finalize answer of a succeeded poll, nil otherwise.
func (h *Handle) Body() []byte {
	select {
	case <-h.done:
		return h.body
	default:
		return nil
	}
}

// Succeeded reports whether the poll finished with a finalized push.
func (h *Handle) Succeeded() bool {
	status, err := h.Result()
	return err == nil && status == transport.StatusAuthOK
}

// Wait blocks until the poll finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (transport.Status, error) {
	select {
	case <-h.done:
		return h.status, h.err
	case <-ctx.Done():
		return transport.StatusNotSet, ctx.Err()
	}
}
