package login

// Decision is what the login shell should do after a Connect.
type Decision int

const (
	// DecisionSuccess: log the user on with the collected credentials.
	DecisionSuccess Decision = iota
	// DecisionContinue: prompt for the second factor and call Connect again.
	DecisionContinue
	// DecisionFailed: show the message and let the user retry the OTP.
	DecisionFailed
	// DecisionRetry: something went wrong; start over at the first step.
	DecisionRetry
	// DecisionCancelled: the attempt was cancelled.
	DecisionCancelled
)

func (d Decision) String() string {
	switch d {
	case DecisionSuccess:
		return "success"
	case DecisionContinue:
		return "continue"
	case DecisionFailed:
		return "failed"
	case DecisionRetry:
		return "retry"
	case DecisionCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Icon hints which status icon the shell should display.
type Icon string

const (
	IconNone      Icon = ""
	IconError     Icon = "error"
	IconWrongOTP  Icon = "wrong_otp"
	IconCancelled Icon = "cancelled"
)

// Result is the outcome of Decide.
type Result struct {
	Decision Decision
	Message  string
	Icon     Icon

	// PushPending is set with DecisionContinue while a push confirmation
	// is still possible; the shell may wait for it instead of the OTP.
	PushPending bool
}

// Default user facing texts. The shell may localize them.
const (
	DefaultOTPFailureText = "Wrong One-Time-Password!"
	SecondFactorPrompt    = "Please enter your second factor:"
	PushPrompt            = "Please confirm the authentication on your mobile device!"
	CancelledText         = "Logon cancelled"
	EndpointFailedText    = "The authentication server could not be reached. Please try again."
)

// LogonStatus is the OS logon result reported back by the shell.
type LogonStatus string

const (
	LogonSuccess             LogonStatus = "success"
	LogonFailure             LogonStatus = "logon_failure"
	LogonPasswordMustChange  LogonStatus = "password_must_change"
	LogonPasswordExpired     LogonStatus = "password_expired"
	LogonPasswordRestriction LogonStatus = "password_restriction"
	LogonIllFormedPassword   LogonStatus = "ill_formed_password"
	LogonInternalError       LogonStatus = "internal_error"
)

// Outcome is a status/sub-status pair as reported by the OS logon.
type Outcome struct {
	Status    LogonStatus
	SubStatus LogonStatus
}

// Action tells the shell how to continue after ReportResult.
type Action string

const (
	ActionNone           Action = "none"
	ActionChangePassword Action = "change_password"
	ActionRestart        Action = "restart"
)
