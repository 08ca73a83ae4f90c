package session

import (
	"log/slog"
	"time"

	"github.com/al-bashkir/otp-credential-auth/internal/logsanitize"
)

// cleanupLoop runs in a background goroutine and periodically drops the
// attempt once it expired. It stops when stopCleanup is closed.
func (m *Manager) cleanupLoop() {
	for {
		select {
		case <-m.cleanupTicker.C:
			m.cleanup(time.Now())
		case <-m.stopCleanup:
			return
		}
	}
}

// cleanup removes an expired attempt and cancels its context and poll, so a
// blocked push wait returns and the shell gets a decision.
func (m *Manager) cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	if s == nil || !s.Expired(now) {
		return
	}

	slog.Warn("login attempt expired",
		"session_id", s.ID,
		"username", logsanitize.Sanitize(s.Credentials.Username),
		"age", now.Sub(s.CreatedAt).Round(time.Second),
	)

	s.release()
	m.current = nil
}
