package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAttemptInProgress is returned by Begin while another attempt is live.
	ErrAttemptInProgress = errors.New("session: login attempt already in progress")
	ErrNotFound          = errors.New("session: not found")
	ErrExpired           = errors.New("session: expired")
)

// Manager holds the single live login attempt of the daemon with TTL-based
// cleanup. It is safe for concurrent use.
type Manager struct {
	mu             sync.RWMutex
	current        *Session
	sessionTimeout time.Duration
	cleanupTicker  *time.Ticker
	stopCleanup    chan struct{}
	stopOnce       sync.Once
}

// NewManager creates a manager with the given attempt timeout.
// It starts a background cleanup goroutine that runs every minute.
func NewManager(sessionTimeout time.Duration) *Manager {
	m := &Manager{
		sessionTimeout: sessionTimeout,
		cleanupTicker:  time.NewTicker(1 * time.Minute),
		stopCleanup:    make(chan struct{}),
	}

	go m.cleanupLoop()

	return m
}

// Stop stops the cleanup goroutine and releases the live attempt.
// Call this when shutting down the daemon.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cleanupTicker.Stop()
		close(m.stopCleanup)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.release()
		m.current = nil
	}
}

// Begin starts a new attempt for username. An expired attempt is replaced;
// a live one makes Begin fail with ErrAttemptInProgress.
func (m *Manager) Begin(username, domain string) (*Session, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.current; cur != nil {
		if !cur.Expired(time.Now()) {
			return nil, ErrAttemptInProgress
		}
		cur.release()
	}

	s := newSession(id.String(), m.sessionTimeout)
	s.Credentials.Username = username
	s.Credentials.Domain = domain
	m.current = s

	return s, nil
}

// Get returns the attempt with the given ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.current
	if s == nil || s.ID != id {
		return nil, ErrNotFound
	}
	if s.Expired(time.Now()) {
		return nil, ErrExpired
	}
	return s, nil
}

// End removes the attempt, cancelling anything still running for it.
// Unknown IDs are ignored.
func (m *Manager) End(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.ID != id {
		return
	}
	m.current.release()
	m.current = nil
}

// Count returns 1 while an attempt is held, 0 otherwise.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return 0
	}
	return 1
}
