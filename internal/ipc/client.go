package ipc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/goccy/go-json"
)

// Client is the IPC client used by the login shell to talk to the daemon
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new IPC client
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    5 * time.Second,
	}
}

// Send sends one request to the daemon and waits for the response. The
// context deadline, when set, bounds the whole exchange; connect requests
// waiting for a push confirmation need a deadline longer than the default
// timeout.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer func() { _ = conn.Close() }()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set connection deadline: %w", err)
	}
	// a cancelled ctx unblocks the read below
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var resp Response
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.Type != MessageTypeResponse {
		return nil, fmt.Errorf("invalid response type: %s", resp.Type)
	}

	return &resp, nil
}

// Begin starts a login attempt and returns its session id.
func (c *Client) Begin(ctx context.Context, username, domain string) (string, error) {
	resp, err := c.call(ctx, &Request{Type: MessageTypeBegin, Username: username, Domain: domain})
	if err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

// Connect submits credentials for the attempt.
func (c *Client) Connect(ctx context.Context, sessionID, password, otp string, useOffline bool) error {
	_, err := c.call(ctx, &Request{
		Type:       MessageTypeConnect,
		SessionID:  sessionID,
		Password:   password,
		OTP:        otp,
		UseOffline: useOffline,
	})
	return err
}

// Decide asks the daemon for the next step.
func (c *Client) Decide(ctx context.Context, sessionID string) (*Response, error) {
	return c.call(ctx, &Request{Type: MessageTypeDecide, SessionID: sessionID})
}

// Wait blocks until the pending push of the attempt finishes and reports
// whether it was confirmed. ctx needs a deadline longer than the push
// polling duration.
func (c *Client) Wait(ctx context.Context, sessionID string) (bool, error) {
	resp, err := c.call(ctx, &Request{Type: MessageTypeWait, SessionID: sessionID})
	if err != nil {
		return false, err
	}
	return resp.Confirmed, nil
}

// Report hands back the OS logon result and returns the action to take.
func (c *Client) Report(ctx context.Context, sessionID, status, subStatus string) (string, error) {
	resp, err := c.call(ctx, &Request{
		Type:           MessageTypeReport,
		SessionID:      sessionID,
		LogonStatus:    status,
		LogonSubStatus: subStatus,
	})
	if err != nil {
		return "", err
	}
	return resp.Action, nil
}

// PasswordChanged records a completed password change.
func (c *Client) PasswordChanged(ctx context.Context, sessionID, newPassword string) error {
	_, err := c.call(ctx, &Request{Type: MessageTypePasswordChanged, SessionID: sessionID, NewPassword: newPassword})
	return err
}

// Cancel aborts the attempt.
func (c *Client) Cancel(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, &Request{Type: MessageTypeCancel, SessionID: sessionID})
	return err
}

// End releases the attempt.
func (c *Client) End(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, &Request{Type: MessageTypeEnd, SessionID: sessionID})
	return err
}

// call sends req and turns an error response into an error.
func (c *Client) call(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Status == StatusError {
		return nil, fmt.Errorf("daemon: %s", resp.Error)
	}
	return resp, nil
}

// SetTimeout sets the connection timeout
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}
