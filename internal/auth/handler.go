package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/al-bashkir/otp-credential-auth/internal/ipc"
	"github.com/al-bashkir/otp-credential-auth/internal/login"
	"github.com/al-bashkir/otp-credential-auth/internal/logsanitize"
)

// Exit codes of the login command
const (
	ExitSuccess  = 0 // User may be logged on
	ExitFailure  = 1 // Login failed or could not be performed
	ExitContinue = 2 // A second factor is required but no prompt is available
)

// maxRounds bounds the number of connect/decide rounds of one attempt.
const maxRounds = 5

// Prompter asks the user for the next factor. message is the text the daemon
// wants shown.
type Prompter func(message string) (string, error)

// Credentials are the values read from the credentials file.
type Credentials struct {
	Username string
	Password string
	OTP      string
}

// Handler drives a login attempt over IPC.
type Handler struct {
	client         *ipc.Client
	prompt         Prompter
	out            io.Writer
	connectTimeout time.Duration
}

// NewHandler creates a new login handler. prompt may be nil for
// non-interactive use; the handler then stops with ExitContinue when a
// second factor is needed. connectTimeout bounds a connect request and must
// exceed the push polling duration.
func NewHandler(socketPath string, prompt Prompter, connectTimeout time.Duration) *Handler {
	return &Handler{
		client:         ipc.NewClient(socketPath),
		prompt:         prompt,
		out:            os.Stderr,
		connectTimeout: connectTimeout,
	}
}

// SetOutput sets where user facing messages are written.
func (h *Handler) SetOutput(w io.Writer) {
	h.out = w
}

// Run executes one login attempt and returns the exit code.
func (h *Handler) Run(ctx context.Context, credentialsFile string) int {
	env, err := ParseEnv()
	if err != nil {
		slog.Error("failed to parse environment", "error", err)
		fmt.Fprintf(h.out, "Error: %v\n", err)
		return ExitFailure
	}

	creds, err := readCredentialsFile(credentialsFile)
	if err != nil {
		slog.Error("failed to read credentials file", "error", err, "file", credentialsFile)
		fmt.Fprintf(h.out, "Error reading credentials: %v\n", err)
		return ExitFailure
	}

	username, domain := splitDomain(creds.Username)
	if domain == "" {
		domain = env.Domain
	}

	id, err := h.client.Begin(ctx, username, domain)
	if err != nil {
		slog.Error("failed to communicate with daemon", "error", err)
		fmt.Fprintf(h.out, "Error: daemon communication failed: %v\n", err)
		fmt.Fprintf(h.out, "Is the daemon running? Check: systemctl status otp-credential-auth\n")
		return ExitFailure
	}
	defer h.end(id)

	slog.Debug("login attempt started",
		"session_id", id,
		"username", logsanitize.Sanitize(username),
		"domain", logsanitize.Sanitize(domain),
	)

	otp := creds.OTP
	pushed := false
	for round := 0; round < maxRounds; round++ {
		// A confirmed push is collected by decide alone.
		if !pushed {
			if err := h.connect(ctx, id, creds.Password, otp, env.UseOffline); err != nil {
				if ctx.Err() != nil {
					h.cancel(id)
				}
				slog.Error("connect failed", "session_id", id, "error", err)
				fmt.Fprintf(h.out, "Error: %v\n", err)
				return ExitFailure
			}
		}

		resp, err := h.client.Decide(ctx, id)
		if err != nil {
			slog.Error("decide failed", "session_id", id, "error", err)
			fmt.Fprintf(h.out, "Error: %v\n", err)
			return ExitFailure
		}

		slog.Debug("decision", "session_id", id, "decision", resp.Decision)

		switch resp.Decision {
		case login.DecisionSuccess.String():
			return ExitSuccess

		case login.DecisionContinue.String():
			if h.prompt == nil {
				fmt.Fprintln(h.out, resp.Message)
				return ExitContinue
			}
			if resp.PushPending {
				otp, pushed, err = h.promptOrPush(ctx, id, resp.Message)
			} else {
				pushed = false
				otp, err = h.prompt(resp.Message)
			}

		case login.DecisionFailed.String():
			fmt.Fprintln(h.out, resp.Message)
			if h.prompt == nil {
				return ExitFailure
			}
			pushed = false
			otp, err = h.prompt(login.SecondFactorPrompt)

		default:
			// retry, cancelled
			if resp.Message != "" {
				fmt.Fprintln(h.out, resp.Message)
			}
			return ExitFailure
		}

		if err != nil {
			h.cancel(id)
			fmt.Fprintf(h.out, "Error: %v\n", err)
			return ExitFailure
		}
	}

	fmt.Fprintln(h.out, "Error: too many attempts")
	return ExitFailure
}

// promptOrPush asks for the OTP while the daemon waits for the pending push.
// Whichever finishes first wins; pushed reports a confirmed push. A push that
// fails or times out leaves the prompt as the only way forward.
func (h *Handler) promptOrPush(ctx context.Context, id, message string) (otp string, pushed bool, err error) {
	type answer struct {
		otp string
		err error
	}

	// The prompt goroutine stays blocked on input when the push wins; the
	// process exits right after the attempt anyway.
	answers := make(chan answer, 1)
	go func() {
		otp, err := h.prompt(message)
		answers <- answer{otp, err}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, h.connectTimeout)
	defer cancel()
	confirmed := make(chan bool, 1)
	go func() {
		ok, err := h.client.Wait(waitCtx, id)
		if err != nil {
			slog.Debug("waiting for push failed", "session_id", id, "error", err)
		}
		confirmed <- ok
	}()

	select {
	case a := <-answers:
		return a.otp, false, a.err
	case ok := <-confirmed:
		if ok {
			slog.Debug("push confirmed while prompting", "session_id", id)
			return "", true, nil
		}
	}

	a := <-answers
	return a.otp, false, a.err
}

func (h *Handler) connect(ctx context.Context, id, password, otp string, useOffline bool) error {
	ctx, cancel := context.WithTimeout(ctx, h.connectTimeout)
	defer cancel()
	return h.client.Connect(ctx, id, password, otp, useOffline)
}

// cancel and end use their own context; ctx may already be done.
func (h *Handler) cancel(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.client.Cancel(ctx, id); err != nil {
		slog.Warn("failed to cancel login attempt", "session_id", id, "error", err)
	}
}

func (h *Handler) end(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.client.End(ctx, id); err != nil {
		slog.Warn("failed to end login attempt", "session_id", id, "error", err)
	}
}

// errNoUsername is returned for a credentials file without a username.
var errNoUsername = errors.New("username is empty in credentials file")

// readCredentialsFile reads the credentials file written by the login shell:
//
//	Line 1: username, optionally DOMAIN\user or user@domain
//	Line 2: password (may be empty when the OTP field is used alone)
//	Line 3: OTP (optional; omitted in the hidden-OTP two step mode)
func readCredentialsFile(path string) (Credentials, error) {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 -- path chosen by the local shell
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read file: %w", err)
	}

	lines := strings.Split(string(data), "\n")

	var creds Credentials
	creds.Username = strings.TrimSpace(lines[0])
	if len(lines) >= 2 {
		creds.Password = strings.TrimRight(lines[1], "\r")
	}
	if len(lines) >= 3 {
		creds.OTP = strings.TrimSpace(lines[2])
	}

	if creds.Username == "" {
		return Credentials{}, errNoUsername
	}

	return creds, nil
}
