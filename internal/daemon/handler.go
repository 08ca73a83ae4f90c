package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/al-bashkir/otp-credential-auth/internal/ipc"
	"github.com/al-bashkir/otp-credential-auth/internal/login"
	"github.com/al-bashkir/otp-credential-auth/internal/logsanitize"
)

// errUsernameRequired is returned to the shell for a begin without username.
var errUsernameRequired = errors.New("username is required")

// handleRequest dispatches one IPC request to the session manager and the
// login engine.
func (d *Daemon) handleRequest(ctx context.Context, req *ipc.Request) (*ipc.Response, error) {
	switch req.Type {
	case ipc.MessageTypeBegin:
		if req.Username == "" {
			return nil, errUsernameRequired
		}
		sess, err := d.sessionMgr.Begin(req.Username, req.Domain)
		if err != nil {
			return nil, err
		}
		slog.Info("login attempt started",
			"session_id", sess.ID,
			"username", logsanitize.Sanitize(req.Username),
			"domain", logsanitize.Sanitize(req.Domain),
		)
		return &ipc.Response{SessionID: sess.ID}, nil

	case ipc.MessageTypeEnd:
		d.sessionMgr.End(req.SessionID)
		d.saveStore()
		return &ipc.Response{SessionID: req.SessionID}, nil
	}

	sess, err := d.sessionMgr.Get(req.SessionID)
	if err != nil {
		return nil, err
	}

	switch req.Type {
	case ipc.MessageTypeConnect:
		sess.Lock()
		if req.Password != "" {
			sess.Credentials.Password = req.Password
		}
		sess.Credentials.OTP = req.OTP
		sess.UseOffline = req.UseOffline
		sess.Unlock()

		err := d.engine.Connect(ctx, sess)
		d.saveStore()
		if err != nil {
			return nil, fmt.Errorf("connect interrupted: %w", err)
		}
		return &ipc.Response{SessionID: sess.ID}, nil

	case ipc.MessageTypeDecide:
		res := d.engine.Decide(sess)
		return &ipc.Response{
			SessionID:   sess.ID,
			Decision:    res.Decision.String(),
			Message:     res.Message,
			Icon:        string(res.Icon),
			PushPending: res.PushPending,
		}, nil

	case ipc.MessageTypeWait:
		confirmed, err := d.engine.WaitPush(ctx, sess)
		if err != nil {
			return nil, fmt.Errorf("wait interrupted: %w", err)
		}
		return &ipc.Response{SessionID: sess.ID, Confirmed: confirmed}, nil

	case ipc.MessageTypeReport:
		action := d.engine.ReportResult(sess, login.Outcome{
			Status:    login.LogonStatus(req.LogonStatus),
			SubStatus: login.LogonStatus(req.LogonSubStatus),
		})
		return &ipc.Response{SessionID: sess.ID, Action: string(action)}, nil

	case ipc.MessageTypePasswordChanged:
		d.engine.PasswordChanged(sess, req.NewPassword)
		return &ipc.Response{SessionID: sess.ID}, nil

	case ipc.MessageTypeCancel:
		sess.Cancel()
		slog.Info("login attempt cancelled", "session_id", sess.ID)
		return &ipc.Response{SessionID: sess.ID}, nil
	}

	return nil, fmt.Errorf("unsupported request type %q", req.Type)
}
