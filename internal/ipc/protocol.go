// Package ipc implements the newline delimited JSON protocol spoken between
// the login shell and the daemon over a unix socket. Every connection carries
// exactly one request and one response.
package ipc

// MessageType represents the type of IPC message
type MessageType string

const (
	// MessageTypeBegin starts a login attempt for a user.
	MessageTypeBegin MessageType = "begin"
	// MessageTypeConnect submits the typed credentials. It may block while a
	// push confirmation is pending.
	MessageTypeConnect MessageType = "connect"
	// MessageTypeDecide asks what the shell should do next.
	MessageTypeDecide MessageType = "decide"
	// MessageTypeWait blocks until a pending push confirmation finishes.
	MessageTypeWait MessageType = "wait"
	// MessageTypeReport hands back the result of the OS logon.
	MessageTypeReport MessageType = "report"
	// MessageTypePasswordChanged records a completed password change.
	MessageTypePasswordChanged MessageType = "password_changed"
	// MessageTypeCancel aborts the attempt, including a pending push wait.
	MessageTypeCancel MessageType = "cancel"
	// MessageTypeEnd releases the attempt.
	MessageTypeEnd MessageType = "end"
	// MessageTypeResponse is sent from the daemon back to the shell.
	MessageTypeResponse MessageType = "response"
)

// Request is sent from the login shell to the daemon. Which fields are used
// depends on Type.
type Request struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`

	// begin
	Username string `json:"username,omitempty"`
	Domain   string `json:"domain,omitempty"`

	// connect
	Password   string `json:"password,omitempty"`
	OTP        string `json:"otp,omitempty"`
	UseOffline bool   `json:"use_offline,omitempty"`

	// report
	LogonStatus    string `json:"logon_status,omitempty"`
	LogonSubStatus string `json:"logon_sub_status,omitempty"`

	// password_changed
	NewPassword string `json:"new_password,omitempty"`
}

// Response is sent from the daemon back to the login shell
type Response struct {
	Type      MessageType `json:"type"`
	Status    string      `json:"status"` // "ok" or "error"
	SessionID string      `json:"session_id,omitempty"`

	// decide
	Decision string `json:"decision,omitempty"`
	Message  string `json:"message,omitempty"`
	Icon     string `json:"icon,omitempty"`

	// PushPending is set on a continue decision while a push can still be
	// confirmed.
	PushPending bool `json:"push_pending,omitempty"`

	// wait
	Confirmed bool `json:"confirmed,omitempty"`

	// report
	Action string `json:"action,omitempty"`

	Error string `json:"error,omitempty"`
}

// ResponseStatus constants
const (
	StatusOK    = "ok"
	StatusError = "error"
)
