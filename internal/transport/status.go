// Package transport talks to a privacyIDEA compatible validation server.
package transport

import "errors"

// Endpoint paths on the validation server.
const (
	PathValidateCheck   = "/validate/check"
	PathPollTransaction = "/validate/polltransaction"
	PathOfflineRefill   = "/validate/offlinerefill"
)

var (
	// ErrNotConnected means the server could not be reached at all.
	ErrNotConnected = errors.New("transport: server not reachable")
	// ErrServer means the server answered with an error status and no body.
	ErrServer = errors.New("transport: server error")
)

// Status is the outcome of one exchange with the validation server.
type Status int

const (
	StatusNotSet Status = iota
	StatusAuthOK
	StatusAuthFail
	StatusAuthContinue
	StatusNotConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusNotSet:
		return "not_set"
	case StatusAuthOK:
		return "auth_ok"
	case StatusAuthFail:
		return "auth_fail"
	case StatusAuthContinue:
		return "auth_continue"
	case StatusNotConnected:
		return "not_connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ChallengeMode says which second factors a triggered challenge accepts.
type ChallengeMode int

const (
	ChallengeNone ChallengeMode = iota
	ChallengeOTP
	ChallengePush
	ChallengePushOrOTP
)

func (m ChallengeMode) String() string {
	switch m {
	case ChallengeOTP:
		return "otp"
	case ChallengePush:
		return "push"
	case ChallengePushOrOTP:
		return "push_or_otp"
	default:
		return "none"
	}
}

// UsesPush reports whether a push confirmation can complete the challenge.
func (m ChallengeMode) UsesPush() bool {
	return m == ChallengePush || m == ChallengePushOrOTP
}

// Challenge is what the first step triggered on the server.
type Challenge struct {
	Mode          ChallengeMode
	TransactionID string
	Message       string
}
