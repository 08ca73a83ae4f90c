// Package login implements the two factor login state machine: first step,
// challenge handling, push polling, OTP verification online or offline and
// the final decision handed back to the login shell.
package login

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/al-bashkir/otp-credential-auth/internal/config"
	"github.com/al-bashkir/otp-credential-auth/internal/logsanitize"
	"github.com/al-bashkir/otp-credential-auth/internal/offline"
	"github.com/al-bashkir/otp-credential-auth/internal/polling"
	"github.com/al-bashkir/otp-credential-auth/internal/ratelimit"
	"github.com/al-bashkir/otp-credential-auth/internal/session"
	"github.com/al-bashkir/otp-credential-auth/internal/transport"
)

// Engine drives login attempts. One Engine serves the whole daemon; the
// per-attempt state lives in session.Session.
type Engine struct {
	endpoint transport.Endpoint
	store    *offline.Store
	poller   *polling.Coordinator
	limiter  *ratelimit.Keyed

	twoStep        config.TwoStepConfig
	realm          config.RealmConfig
	preferOffline  bool
	otpFailureText string
}

// NewEngine wires an Engine. limiter bounds offline attempts per user and
// may be nil to disable the limit.
func NewEngine(cfg *config.Config, endpoint transport.Endpoint, store *offline.Store, limiter *ratelimit.Keyed) *Engine {
	text := cfg.Auth.OTPFailureText
	if text == "" {
		text = DefaultOTPFailureText
	}

	return &Engine{
		endpoint:       endpoint,
		store:          store,
		poller:         polling.New(endpoint, polling.OptionsFromConfig(&cfg.Polling)),
		limiter:        limiter,
		twoStep:        cfg.TwoStep,
		realm:          cfg.Realm,
		preferOffline:  cfg.Offline.PreferOffline,
		otpFailureText: text,
	}
}

// Connect performs the network part of one submit: either the first step of
// the hidden-OTP mode or the OTP verification. The result is left in
// sess.Status for Decide. It blocks while a push-only challenge is waiting
// for confirmation; cancelling the session or ctx ends the wait.
//
// The returned error is only non-nil when ctx ended before Connect finished.
func (e *Engine) Connect(ctx context.Context, sess *session.Session) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sess.Context(), cancel)
	defer stop()

	sess.Lock()
	defer sess.Unlock()

	if sess.Cancelled() {
		return nil
	}

	if sess.PasswordChanged {
		sess.BypassEndpoint = true
	}
	if sess.BypassEndpoint && !sess.PushSucceeded {
		slog.Debug("endpoint bypassed", "session_id", sess.ID)
		return nil
	}

	if e.twoStep.HideOTP && sess.Step == session.StepFirst {
		e.firstStep(ctx, sess)
	} else {
		e.verifyOTP(ctx, sess)
	}

	slog.Debug("connect finished",
		"session_id", sess.ID,
		"step", sess.Step.String(),
		"status", sess.Status.String(),
		"challenge", sess.Challenge.Mode.String(),
	)

	if sess.Cancelled() {
		return nil
	}
	return ctx.Err()
}

func (e *Engine) firstStep(ctx context.Context, sess *session.Session) {
	creds := sess.Credentials

	switch e.twoStep.Mode() {
	case config.SendNothing:
		delay := time.Duration(e.twoStep.FirstStepDelayMS) * time.Millisecond
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		e.enterSecondStep(sess)

	case config.SendEmptyPassword:
		if _, err := e.check(ctx, creds, ""); err != nil {
			slog.Warn("first step request failed", "session_id", sess.ID, "error", err)
		}
		e.enterSecondStep(sess)

	case config.SendPassword:
		body, err := e.check(ctx, creds, creds.Password)
		if err != nil {
			slog.Warn("first step request failed", "session_id", sess.ID, "error", err)
		}
		sess.Challenge = transport.ParseTriggerResponse(body)
		e.enterSecondStep(sess)

		switch sess.Challenge.Mode {
		case transport.ChallengePushOrOTP:
			// The user may either confirm on the phone or type an OTP;
			// whichever completes first wins.
			sess.SetPoll(e.poller.Start(sess.Context(), creds.Username, sess.Challenge.TransactionID))

		case transport.ChallengePush:
			slog.Info(PushPrompt,
				"session_id", sess.ID,
				"username", logsanitize.Sanitize(creds.Username),
			)
			status, body, err := e.poller.Run(ctx, creds.Username, sess.Challenge.TransactionID)
			if err != nil {
				slog.Warn("push authentication not completed",
					"session_id", sess.ID,
					"status", status.String(),
					"error", err,
				)
				if !sess.Cancelled() {
					sess.Status = transport.StatusError
				}
				return
			}
			sess.Status = transport.StatusAuthOK
			sess.PushSucceeded = true
			e.ingest(sess, body)
		}
	}
}

func (e *Engine) enterSecondStep(sess *session.Session) {
	sess.Step = session.StepSecond
	sess.Status = transport.StatusAuthContinue
}

func (e *Engine) verifyOTP(ctx context.Context, sess *session.Session) {
	creds := sess.Credentials

	if h := sess.Poll(); h != nil {
		if sess.StopPoll() && e.adoptPush(sess, h) {
			slog.Info("push confirmed before OTP was checked", "session_id", sess.ID)
			return
		}
	}

	if (sess.UseOffline || e.preferOffline) && e.store.DataAvailable(creds.Username) == nil {
		e.verifyOffline(ctx, sess)
		return
	}

	params := transport.Params{
		"user": creds.Username,
		"pass": creds.OTP,
	}
	e.addRealm(params, creds.Domain)
	if sess.Challenge.TransactionID != "" {
		params["transaction_id"] = sess.Challenge.TransactionID
	}

	body, err := e.endpoint.Connect(ctx, transport.PathValidateCheck, params, http.MethodPost)
	if err != nil {
		if e.store.DataAvailable(creds.Username) == nil {
			slog.Warn("validation server unavailable, falling back to offline verification",
				"session_id", sess.ID,
				"error", err,
			)
			e.verifyOffline(ctx, sess)
			return
		}
		sess.Status = transport.StatusNotConnected
		return
	}

	sess.Status = transport.ParseAuthenticationResponse(body)

	switch sess.Status {
	case transport.StatusAuthOK:
		e.ingest(sess, body)
	case transport.StatusAuthContinue:
		sess.Challenge = transport.ParseTriggerResponse(body)
		sess.Step = session.StepSecond
		if sess.Challenge.Mode.UsesPush() {
			sess.SetPoll(e.poller.Start(sess.Context(), creds.Username, sess.Challenge.TransactionID))
		}
	}
}

// adoptPush makes a finished background poll the result of the attempt. It
// reports whether the push was confirmed.
func (e *Engine) adoptPush(sess *session.Session, h *polling.Handle) bool {
	if !h.Succeeded() {
		return false
	}
	sess.Status = transport.StatusAuthOK
	sess.PushSucceeded = true
	e.ingest(sess, h.Body())
	return true
}

// WaitPush blocks until the background push poll of sess finishes or ctx is
// done and reports whether the push was confirmed. Without a running poll it
// returns false at once. The session lock is not taken, so Cancel and a new
// Connect still get through while a shell waits here.
func (e *Engine) WaitPush(ctx context.Context, sess *session.Session) (bool, error) {
	h := sess.Poll()
	if h == nil {
		return false, nil
	}
	if _, err := h.Wait(ctx); err != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	return h.Succeeded(), nil
}

// check sends user and pass to /validate/check with the resolved realm.
func (e *Engine) check(ctx context.Context, creds session.Credentials, pass string) ([]byte, error) {
	params := transport.Params{
		"user": creds.Username,
		"pass": pass,
	}
	e.addRealm(params, creds.Domain)
	return e.endpoint.Connect(ctx, transport.PathValidateCheck, params, http.MethodPost)
}

func (e *Engine) addRealm(params transport.Params, domain string) {
	if realm := e.realm.Resolve(domain); realm != "" {
		params["realm"] = realm
	}
}
