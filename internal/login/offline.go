package login

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/al-bashkir/otp-credential-auth/internal/logsanitize"
	"github.com/al-bashkir/otp-credential-auth/internal/offline"
	"github.com/al-bashkir/otp-credential-auth/internal/session"
	"github.com/al-bashkir/otp-credential-auth/internal/transport"
)

// verifyOffline checks the OTP against the local store and, on success,
// tries to refill the store with the same OTP.
func (e *Engine) verifyOffline(ctx context.Context, sess *session.Session) {
	user := sess.Credentials.Username

	if e.limiter != nil && !e.limiter.Allow(user) {
		slog.Warn("offline verification rate limited",
			"session_id", sess.ID,
			"username", logsanitize.Sanitize(user),
		)
		sess.Status = transport.StatusAuthFail
		return
	}

	counter, err := e.store.VerifyOTP(sess.Credentials.OTP, user)
	if err != nil {
		slog.Info("offline verification failed",
			"session_id", sess.ID,
			"username", logsanitize.Sanitize(user),
			"error", err,
		)
		sess.Status = transport.StatusAuthFail
		return
	}

	slog.Info("offline verification succeeded",
		"session_id", sess.ID,
		"username", logsanitize.Sanitize(user),
		"counter", counter,
		"remaining", e.store.RemainingCount(user),
	)
	sess.Status = transport.StatusAuthOK

	e.refill(ctx, user, sess.Credentials.OTP)
}

// refill exchanges the refill token for new offline OTPs. Failures are
// logged and otherwise ignored; the user is already authenticated.
func (e *Engine) refill(ctx context.Context, user, otp string) {
	creds, err := e.store.RefillCredentials(user)
	if err != nil {
		slog.Debug("no refill possible", "username", logsanitize.Sanitize(user), "error", err)
		return
	}

	body, err := e.endpoint.Connect(ctx, transport.PathOfflineRefill, transport.Params{
		"serial":      creds.Serial,
		"refilltoken": creds.RefillToken,
		"pass":        otp,
	}, http.MethodPost)
	if err != nil {
		slog.Debug("offline refill skipped, server unavailable",
			"username", logsanitize.Sanitize(user),
			"error", err,
		)
		return
	}

	if err := e.store.IngestRefillResponse(body, user); err != nil {
		slog.Warn("offline refill response rejected",
			"username", logsanitize.Sanitize(user),
			"serial", logsanitize.Sanitize(creds.Serial),
			"refilltoken", logsanitize.Mask(creds.RefillToken),
			"error", err,
		)
	}
}

// ingest stores offline data carried by a successful online authentication.
func (e *Engine) ingest(sess *session.Session, body []byte) {
	err := e.store.IngestAuthResponse(body)
	if err == nil || errors.Is(err, offline.ErrNoOfflineData) {
		return
	}
	slog.Warn("could not read offline data from authentication response",
		"session_id", sess.ID,
		"error", err,
	)
}
