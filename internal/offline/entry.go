// Package offline keeps a local cache of pre-shared OTP hashes so users can
// log in while the validation server is unreachable.
package offline

import (
	"math"
	"strconv"

	"github.com/al-bashkir/otp-credential-auth/internal/passlib"
)

// Entry is the offline data issued for one user and one token.
//
// OTPs maps a counter (decimal string) to a passlib PBKDF2 record of the OTP
// value for that counter. Consumed counters are removed; the entry itself is
// kept even when no OTPs are left so a refill can still find it.
type Entry struct {
	User        string            `json:"user"`
	Username    string            `json:"username"`
	Serial      string            `json:"serial"`
	RefillToken string            `json:"refilltoken"`
	OTPs        map[string]string `json:"response"`
}

// Matches reports whether the entry belongs to name. Both identity fields are
// checked because the server has used either one depending on the version.
func (e *Entry) Matches(name string) bool {
	return e.User == name || e.Username == name
}

// LowestCounter returns the lowest parseable counter. Keys that are not
// non-negative integers are ignored. ok is false when nothing parses.
func (e *Entry) LowestCounter() (counter int, ok bool) {
	for key := range e.OTPs {
		n, err := strconv.Atoi(key)
		if err != nil || n < 0 {
			continue
		}
		if !ok || n < counter {
			counter = n
			ok = true
		}
	}
	return counter, ok
}

// window returns the last counter of a window of size counters starting at
// first, clamped to math.MaxInt.
func window(first, size int) int {
	if first > math.MaxInt-(size-1) {
		return math.MaxInt
	}
	return first + size - 1
}

// match returns the first counter in [first, last] whose record verifies otp.
func (e *Entry) match(otp string, first, last int) (int, bool) {
	for c := first; ; c++ {
		if record, ok := e.OTPs[strconv.Itoa(c)]; ok && passlib.Verify(otp, record) {
			return c, true
		}
		if c == last {
			return 0, false
		}
	}
}

// consume removes every counter in [first, last].
func (e *Entry) consume(first, last int) {
	for c := first; ; c++ {
		delete(e.OTPs, strconv.Itoa(c))
		if c == last {
			return
		}
	}
}

// Remaining returns how many OTP hashes are left.
func (e *Entry) Remaining() int {
	return len(e.OTPs)
}

func (e *Entry) clone() Entry {
	c := *e
	c.OTPs = make(map[string]string, len(e.OTPs))
	for k, v := range e.OTPs {
		c.OTPs[k] = v
	}
	return c
}
