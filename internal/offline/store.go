package offline

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/al-bashkir/otp-credential-auth/internal/logsanitize"
)

var (
	ErrUserNotFound  = errors.New("offline: user not found")
	ErrNoOTPsLeft    = errors.New("offline: no OTPs left")
	ErrOTPMismatch   = errors.New("offline: OTP does not match")
	ErrNoOfflineData = errors.New("offline: no offline data")
	ErrParse         = errors.New("offline: JSON parse error")
	ErrFormat        = errors.New("offline: unexpected JSON format")
	ErrFileNotExist  = errors.New("offline: file does not exist")
	ErrFileEmpty     = errors.New("offline: file is empty")
)

// RefillCredentials are sent to /validate/offlinerefill together with the
// OTP that was just used.
type RefillCredentials struct {
	Serial      string
	RefillToken string
}

// Store is an ordered collection of offline entries backed by a JSON file.
// It is safe for concurrent use within one process. The file is only read by
// Load and written by Save; nothing is persisted implicitly.
type Store struct {
	path      string
	tryWindow int

	mu      sync.Mutex
	entries []*Entry
}

// NewStore returns an empty store. tryWindow is the number of counters tried
// starting at the lowest unused one; values below 1 are treated as 1.
func NewStore(path string, tryWindow int) *Store {
	if tryWindow < 1 {
		tryWindow = 1
	}
	return &Store{
		path:      path,
		tryWindow: tryWindow,
	}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Len returns the number of entries, including entries with no OTPs left.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries returns a copy of all entries.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.clone())
	}
	return out
}

// Put adds e, replacing an entry with the same serial and identity. It is
// used to provision offline data without a server response.
func (s *Store) Put(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := e.clone()
	s.add([]*Entry{&c})
}

// VerifyOTP checks otp against the entries of username. For each matching
// entry the counters [lowest, lowest+tryWindow) are tried in order. On the
// first match every counter from lowest through the match is consumed, so an
// OTP can never be used twice and skipped OTPs become invalid.
func (s *Store) VerifyOTP(otp, username string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	hasOTPs := false

	for _, e := range s.entries {
		if !e.Matches(username) {
			continue
		}
		found = true

		lowest, ok := e.LowestCounter()
		if !ok {
			continue
		}
		hasOTPs = true

		i, ok := e.match(otp, lowest, window(lowest, s.tryWindow))
		if ok {
			e.consume(lowest, i)

			slog.Debug("offline OTP verified",
				"username", logsanitize.Sanitize(username),
				"serial", logsanitize.Sanitize(e.Serial),
				"counter", i,
				"skipped", i-lowest,
				"remaining", len(e.OTPs),
			)
			return i, nil
		}
	}

	switch {
	case !found:
		return 0, ErrUserNotFound
	case !hasOTPs:
		return 0, ErrNoOTPsLeft
	default:
		return 0, ErrOTPMismatch
	}
}

// RemainingCount returns the number of OTPs left in the first entry of
// username, or -1 when the store is empty or the user has no entry.
func (s *Store) RemainingCount(username string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.Matches(username) {
			return e.Remaining()
		}
	}
	return -1
}

// DataAvailable reports whether username can authenticate offline. Only the
// first matching entry is considered.
func (s *Store) DataAvailable(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.Matches(username) {
			if len(e.OTPs) == 0 {
				return ErrNoOTPsLeft
			}
			return nil
		}
	}
	return ErrUserNotFound
}

// RefillCredentials returns the serial and refill token of the first entry
// of username.
func (s *Store) RefillCredentials(username string) (RefillCredentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return RefillCredentials{}, ErrNoOfflineData
	}

	for _, e := range s.entries {
		if e.Matches(username) {
			if e.Serial == "" || e.RefillToken == "" {
				return RefillCredentials{}, ErrNoOfflineData
			}
			return RefillCredentials{Serial: e.Serial, RefillToken: e.RefillToken}, nil
		}
	}
	return RefillCredentials{}, ErrUserNotFound
}

// add inserts entries, replacing an existing entry with the same serial and
// identity fields. Callers hold s.mu.
func (s *Store) add(entries []*Entry) {
	for _, n := range entries {
		replaced := false
		for i, e := range s.entries {
			if e.Serial == n.Serial && e.User == n.User && e.Username == n.Username {
				s.entries[i] = n
				replaced = true
				break
			}
		}
		if !replaced {
			s.entries = append(s.entries, n)
		}
	}
}
