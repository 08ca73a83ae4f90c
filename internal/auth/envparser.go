// Package auth implements the login shell side: it reads the typed
// credentials and drives one login attempt against the daemon.
package auth

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ShellEnv contains the settings the login shell passes through the
// environment.
type ShellEnv struct {
	// Domain is the login domain, mapped to a validation realm by the
	// daemon. A domain in the username (DOMAIN\user or user@domain) wins.
	Domain string

	// UseOffline asks the daemon to verify against the offline store first.
	UseOffline bool
}

// ParseEnv reads OTPCA_DOMAIN and OTPCA_USE_OFFLINE.
func ParseEnv() (*ShellEnv, error) {
	env := &ShellEnv{
		Domain: strings.TrimSpace(os.Getenv("OTPCA_DOMAIN")),
	}

	if v := os.Getenv("OTPCA_USE_OFFLINE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("OTPCA_USE_OFFLINE: %w", err)
		}
		env.UseOffline = b
	}

	return env, nil
}

// splitDomain separates DOMAIN\user and user@domain forms. Other usernames
// are returned unchanged with an empty domain.
func splitDomain(username string) (user, domain string) {
	if i := strings.Index(username, `\`); i > 0 && i < len(username)-1 {
		return username[i+1:], username[:i]
	}
	if i := strings.LastIndex(username, "@"); i > 0 && i < len(username)-1 {
		return username[:i], username[i+1:]
	}
	return username, ""
}
