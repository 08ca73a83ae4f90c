// Package passlib verifies secrets against passlib style PBKDF2 records.
//
// A record has the form
//
//	$<algorithm>$<iterations>$<salt>$<checksum>
//
// where salt and checksum use passlib's adapted base64 alphabet ("." instead
// of "+", no padding).
package passlib

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultIterations is used when a record's iteration field cannot be parsed.
const DefaultIterations = 1000

// AlgorithmSHA512 is the identifier written by Hash.
const AlgorithmSHA512 = "pbkdf2-sha512"

// Verify reports whether secret matches the encoded record. Malformed
// records never match; the cause is not reported.
func Verify(secret, record string) bool {
	algorithm, iterations, salt, checksum, ok := parse(record)
	if !ok || len(checksum) == 0 {
		return false
	}

	derived := pbkdf2.Key([]byte(secret), salt, iterations, len(checksum), digest(algorithm))

	return subtle.ConstantTimeCompare(derived, checksum) == 1
}

// Hash encodes secret as a pbkdf2-sha512 record with a 64 byte checksum.
func Hash(secret string, salt []byte, iterations int) string {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	checksum := pbkdf2.Key([]byte(secret), salt, iterations, sha512.Size, sha512.New)
	return fmt.Sprintf("$%s$%d$%s$%s", AlgorithmSHA512, iterations, encode(salt), encode(checksum))
}

func parse(record string) (algorithm string, iterations int, salt, checksum []byte, ok bool) {
	parts := strings.Split(record, "$")
	if len(parts) < 5 {
		return "", 0, nil, nil, false
	}
	n := len(parts)
	algorithm = parts[n-4]

	iterations, err := strconv.Atoi(parts[n-3])
	if err != nil || iterations <= 0 {
		iterations = DefaultIterations
	}

	salt, err = decode(parts[n-2])
	if err != nil {
		return "", 0, nil, nil, false
	}
	checksum, err = decode(parts[n-1])
	if err != nil {
		return "", 0, nil, nil, false
	}

	return algorithm, iterations, salt, checksum, true
}

// digest picks the HMAC hash. Unknown identifiers fall back to SHA-512,
// which is what offline records are issued with.
func digest(algorithm string) func() hash.Hash {
	switch algorithm {
	case "pbkdf2-sha256":
		return sha256.New
	case "pbkdf2", "pbkdf2-sha1":
		return sha1.New
	default:
		return sha512.New
	}
}

func decode(s string) ([]byte, error) {
	s = strings.ReplaceAll(s, ".", "+")
	s = strings.TrimRight(s, "=")
	return base64.RawStdEncoding.DecodeString(s)
}

func encode(b []byte) string {
	return strings.ReplaceAll(base64.RawStdEncoding.EncodeToString(b), "+", ".")
}
