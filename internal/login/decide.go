package login

import (
	"log/slog"

	"github.com/al-bashkir/otp-credential-auth/internal/session"
	"github.com/al-bashkir/otp-credential-auth/internal/transport"
)

// Decide turns the state left by Connect into a Result for the shell. The
// transport status is always reset afterwards, so every Decide needs a fresh
// Connect.
func (e *Engine) Decide(sess *session.Session) Result {
	sess.Lock()
	defer sess.Unlock()
	defer func() { sess.Status = transport.StatusNotSet }()

	if sess.PasswordChanged {
		sess.BypassEndpoint = true
	}

	if sess.Cancelled() {
		sess.StopPoll()
		return Result{Decision: DecisionCancelled, Message: CancelledText, Icon: IconCancelled}
	}

	// A push confirmed in the background wins over anything typed since.
	if h := sess.TakeFinishedPoll(); h != nil && e.adoptPush(sess, h) {
		slog.Info("push confirmed in the background", "session_id", sess.ID)
	}

	switch {
	case sess.Status == transport.StatusAuthContinue && !sess.PushSucceeded:
		msg := sess.Challenge.Message
		if msg == "" {
			msg = SecondFactorPrompt
		}
		return Result{Decision: DecisionContinue, Message: msg, PushPending: sess.PollRunning()}

	case sess.Status == transport.StatusAuthOK || sess.BypassEndpoint || sess.PushSucceeded:
		if sess.Status == transport.StatusAuthOK {
			// A wrong OS password afterwards starts over as a new logon.
			sess.Step = session.StepFirst
		}
		sess.StopPoll()
		slog.Info("login decision: success",
			"session_id", sess.ID,
			"push", sess.PushSucceeded,
			"bypass", sess.BypassEndpoint,
		)
		return Result{Decision: DecisionSuccess}

	case sess.Status == transport.StatusAuthFail:
		return Result{Decision: DecisionFailed, Message: e.otpFailureText, Icon: IconWrongOTP}

	default:
		slog.Warn("login decision: endpoint call failed",
			"session_id", sess.ID,
			"status", sess.Status.String(),
		)
		sess.ResetScenario()
		return Result{Decision: DecisionRetry, Message: EndpointFailedText, Icon: IconError}
	}
}

// ReportResult records how the OS logon went after a Success decision.
func (e *Engine) ReportResult(sess *session.Session, outcome Outcome) Action {
	sess.Lock()
	defer sess.Unlock()

	sess.PasswordMustChange = outcome.Status == LogonPasswordMustChange ||
		outcome.SubStatus == LogonPasswordExpired
	if sess.PasswordMustChange {
		slog.Info("password must change", "session_id", sess.ID)
		return ActionChangePassword
	}

	// The new password violates policy, or the old password was wrong.
	notUpdated := outcome.Status == LogonPasswordRestriction ||
		outcome.SubStatus == LogonIllFormedPassword ||
		(outcome.Status == LogonFailure && outcome.SubStatus == LogonInternalError)
	if notUpdated {
		slog.Info("password was not updated", "session_id", sess.ID)
		sess.PasswordMustChange = true
		sess.PasswordChanged = false
		return ActionChangePassword
	}

	if outcome.Status == LogonFailure {
		sess.ResetScenario()
		return ActionRestart
	}

	if outcome.Status == LogonSuccess {
		sess.PasswordChanged = false
	}
	return ActionNone
}

// PasswordChanged records a successful password change. The following
// Connect skips the validation server so the user is logged on with the new
// password without a second OTP.
func (e *Engine) PasswordChanged(sess *session.Session, newPassword string) {
	sess.Lock()
	defer sess.Unlock()

	sess.Credentials.Password = newPassword
	sess.PasswordChanged = true
	sess.PasswordMustChange = false
	sess.BypassEndpoint = true
}
