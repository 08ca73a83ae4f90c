// Package session tracks the login attempt currently in progress.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/al-bashkir/otp-credential-auth/internal/polling"
	"github.com/al-bashkir/otp-credential-auth/internal/transport"
)

// Step is the position of an attempt in the two step flow.
type Step int

const (
	StepFirst Step = iota
	StepSecond
)

func (s Step) String() string {
	if s == StepSecond {
		return "second"
	}
	return "first"
}

// Credentials are the values the user typed into the login shell.
type Credentials struct {
	Username string
	Domain   string
	Password string
	OTP      string
}

// Session is one login attempt. Fields are guarded by the session lock
// (Lock/Unlock) except for cancellation and the poll handle, which may be
// touched at any time from another goroutine.
type Session struct {
	mu sync.Mutex

	// ID is a random UUID handed to the shell
	ID string

	Step      Step
	Status    transport.Status
	Challenge transport.Challenge

	// PushSucceeded is set once a push transaction was confirmed and
	// finalized; the next decision logs the user on.
	PushSucceeded bool

	Credentials Credentials

	PasswordMustChange bool
	PasswordChanged    bool

	// BypassEndpoint skips the validation server, used for the automatic
	// logon after a successful password change.
	BypassEndpoint bool

	// UseOffline asks for local verification first, regardless of the
	// prefer_offline setting.
	UseOffline bool

	CreatedAt time.Time
	ExpiresAt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	poll      atomic.Pointer[polling.Handle]
}

func newSession(id string, timeout time.Duration) *Session {
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:        id,
		Step:      StepFirst,
		Status:    transport.StatusNotSet,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Lock serializes operations on the session.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// Context is cancelled when the attempt is cancelled, ended or expired.
// Blocking calls made on behalf of the attempt should use it.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Cancel aborts the attempt. It does not take the session lock, so it can
// interrupt a Connect that is blocked on push polling.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
	s.cancel()
}

// Cancelled reports whether Cancel was called.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// Expired reports whether the attempt outlived its timeout.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// SetPoll records the background push poll of the attempt.
func (s *Session) SetPoll(h *polling.Handle) {
	if old := s.poll.Swap(h); old != nil {
		old.Cancel()
	}
}

// PollRunning reports whether a background poll is recorded.
func (s *Session) PollRunning() bool {
	return s.poll.Load() != nil
}

// Poll returns the recorded background poll, or nil.
func (s *Session) Poll() *polling.Handle {
	return s.poll.Load()
}

// TakeFinishedPoll removes and returns the recorded poll once it has
// finished. A poll that is still running stays recorded and nil is returned.
func (s *Session) TakeFinishedPoll() *polling.Handle {
	h := s.poll.Load()
	if h == nil {
		return nil
	}
	select {
	case <-h.Done():
	default:
		return nil
	}
	if !s.poll.CompareAndSwap(h, nil) {
		return nil
	}
	return h
}

// StopPoll cancels the background poll and waits for it to exit. It returns
// true when the poll had already finished with a confirmed push.
func (s *Session) StopPoll() bool {
	h := s.poll.Swap(nil)
	if h == nil {
		return false
	}

	select {
	case <-h.Done():
		return h.Succeeded()
	default:
	}

	h.Cancel()
	<-h.Done()
	return h.Succeeded()
}

// ResetScenario returns the attempt to the first step, keeping the user's
// identity but dropping everything the previous round established.
func (s *Session) ResetScenario() {
	s.StopPoll()
	s.Step = StepFirst
	s.Status = transport.StatusNotSet
	s.Challenge = transport.Challenge{}
	s.PushSucceeded = false
	s.Credentials.Password = ""
	s.Credentials.OTP = ""
}

// release cancels the attempt context and any poll without waiting.
func (s *Session) release() {
	s.cancel()
	if h := s.poll.Load(); h != nil {
		h.Cancel()
	}
}
