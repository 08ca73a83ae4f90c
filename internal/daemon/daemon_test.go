package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/al-bashkir/otp-credential-auth/internal/config"
	"github.com/al-bashkir/otp-credential-auth/internal/ipc"
	"github.com/al-bashkir/otp-credential-auth/internal/offline"
	"github.com/al-bashkir/otp-credential-auth/internal/session"
)

const acceptWithOffline = `{
	"result": {"status": true, "value": true},
	"detail": {"serial": "OATH0001"},
	"auth_items": {"offline": [{
		"user": "alice",
		"username": "alice",
		"refilltoken": "refill-token-0001",
		"response": {"1": "$pbkdf2-sha512$10$c2FsdA$aGFzaA", "2": "$pbkdf2-sha512$10$c2FsdA$aGFzaA"}
	}]}
}`

const rejectBody = `{"result": {"status": true, "value": false}, "detail": {"message": "wrong otp"}}`

// newValidationServer accepts the OTP 123456 and rejects everything else.
func newValidationServer(t *testing.T) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/validate/check" && r.PostForm.Get("pass") == "123456" {
			_, _ = w.Write([]byte(acceptWithOffline))
			return
		}
		_, _ = w.Write([]byte(rejectBody))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestConfig(t *testing.T, endpointURL string) *config.Config {
	t.Helper()

	// unix socket paths are short; t.TempDir can exceed the limit
	sockDir, err := os.MkdirTemp("", "otpca-daemon-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(sockDir) })

	cfg := config.DefaultConfig()
	cfg.Endpoint.URL = endpointURL
	cfg.Listen.HTTP = ""
	cfg.Listen.Socket = filepath.Join(sockDir, "auth.sock")
	cfg.Offline.FilePath = filepath.Join(t.TempDir(), "offline.json")
	cfg.Offline.PreferOffline = false
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()

	d, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() {
		d.sessionMgr.Stop()
		d.limiter.Stop()
	})
	return d
}

func TestNewRequiresEndpointURL(t *testing.T) {
	cfg := newTestConfig(t, "")
	if _, err := New(cfg, "test"); err == nil {
		t.Fatal("expected error for empty endpoint URL")
	}
}

func TestNewLoadsOfflineStore(t *testing.T) {
	cfg := newTestConfig(t, "http://127.0.0.1:1")

	seed := offline.NewStore(cfg.Offline.FilePath, 10)
	if err := seed.IngestAuthResponse([]byte(acceptWithOffline)); err != nil {
		t.Fatal(err)
	}
	if err := seed.Save(); err != nil {
		t.Fatal(err)
	}

	d := newTestDaemon(t, cfg)
	if d.store.Len() != 1 {
		t.Errorf("expected 1 entry loaded, got %d", d.store.Len())
	}
}

func TestNewToleratesBadStoreFiles(t *testing.T) {
	tests := []struct {
		name    string
		content *string
	}{
		{"missing file", nil},
		{"empty file", strPtr("")},
		{"corrupt file", strPtr("{not json")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig(t, "http://127.0.0.1:1")
			if tt.content != nil {
				if err := os.WriteFile(cfg.Offline.FilePath, []byte(*tt.content), 0600); err != nil {
					t.Fatal(err)
				}
			}

			d := newTestDaemon(t, cfg)
			if d.store.Len() != 0 {
				t.Errorf("expected empty store, got %d entries", d.store.Len())
			}
		})
	}
}

func strPtr(s string) *string { return &s }

func TestHandleRequestLoginFlow(t *testing.T) {
	ts := newValidationServer(t)
	cfg := newTestConfig(t, ts.URL)
	d := newTestDaemon(t, cfg)
	ctx := context.Background()

	resp, err := d.handleRequest(ctx, &ipc.Request{Type: ipc.MessageTypeBegin, Username: "alice", Domain: "CORP"})
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	id := resp.SessionID
	if id == "" {
		t.Fatal("expected a session id")
	}

	// A wrong OTP first
	if _, err := d.handleRequest(ctx, &ipc.Request{Type: ipc.MessageTypeConnect, SessionID: id, Password: "pw", OTP: "000000"}); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	resp, err = d.handleRequest(ctx, &ipc.Request{Type: ipc.MessageTypeDecide, SessionID: id})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if resp.Decision != "failed" || resp.Icon != "wrong_otp" {
		t.Errorf("unexpected decision %+v", resp)
	}

	// Then the right one
	if _, err := d.handleRequest(ctx, &ipc.Request{Type: ipc.MessageTypeConnect, SessionID: id, OTP: "123456"}); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	resp, err = d.handleRequest(ctx, &ipc.Request{Type: ipc.MessageTypeDecide, SessionID: id})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if resp.Decision != "success" {
		t.Errorf("expected success, got %+v", resp)
	}

	sess, err := d.sessionMgr.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Credentials.Password != "pw" {
		t.Error("password from the first connect must be kept")
	}

	resp, err = d.handleRequest(ctx, &ipc.Request{Type: ipc.MessageTypeReport, SessionID: id, LogonStatus: "password_must_change"})
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if resp.Action != "change_password" {
		t.Errorf("expected change_password, got %q", resp.Action)
	}

	if _, err := d.handleRequest(ctx, &ipc.Request{Type: ipc.MessageTypePasswordChanged, SessionID: id, NewPassword: "new-pw"}); err != nil {
		t.Fatalf("password_changed failed: %v", err)
	}
	if !sess.BypassEndpoint {
		t.Error("password change must bypass the validation server")
	}

	if _, err := d.handleRequest(ctx, &ipc.Request{Type: ipc.MessageTypeEnd, SessionID: id}); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if d.sessionMgr.Count() != 0 {
		t.Error("session should be released")
	}

	// The offline data from the successful check was persisted
	saved := offline.NewStore(cfg.Offline.FilePath, 10)
	if err := saved.Load(); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if saved.RemainingCount("alice") != 2 {
		t.Errorf("expected 2 offline OTPs on disk, got %d", saved.RemainingCount("alice"))
	}
}

func TestHandleRequestErrors(t *testing.T) {
	cfg := newTestConfig(t, "http://127.0.0.1:1")
	d := newTestDaemon(t, cfg)
	ctx := context.Background()

	if _, err := d.handleRequest(ctx, &ipc.Request{Type: ipc.MessageTypeBegin}); !errors.Is(err, errUsernameRequired) {
		t.Errorf("expected errUsernameRequired, got %v", err)
	}

	if _, err := d.handleRequest(ctx, &ipc.Request{Type: ipc.MessageTypeBegin, Username: "alice"}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.handleRequest(ctx, &ipc.Request{Type: ipc.MessageTypeBegin, Username: "bob"}); !errors.Is(err, session.ErrAttemptInProgress) {
		t.Errorf("expected ErrAttemptInProgress, got %v", err)
	}

	for _, typ := range []ipc.MessageType{
		ipc.MessageTypeConnect, ipc.MessageTypeDecide, ipc.MessageTypeWait,
		ipc.MessageTypeReport, ipc.MessageTypePasswordChanged, ipc.MessageTypeCancel,
	} {
		if _, err := d.handleRequest(ctx, &ipc.Request{Type: typ, SessionID: "unknown"}); !errors.Is(err, session.ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", typ, err)
		}
	}
}

func TestHandleRequestCancel(t *testing.T) {
	cfg := newTestConfig(t, "http://127.0.0.1:1")
	d := newTestDaemon(t, cfg)
	ctx := context.Background()

	resp, err := d.handleRequest(ctx, &ipc.Request{Type: ipc.MessageTypeBegin, Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.handleRequest(ctx, &ipc.Request{Type: ipc.MessageTypeCancel, SessionID: resp.SessionID}); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	resp, err = d.handleRequest(ctx, &ipc.Request{Type: ipc.MessageTypeDecide, SessionID: resp.SessionID})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != "cancelled" {
		t.Errorf("expected cancelled, got %q", resp.Decision)
	}
}

func TestHandleRequestWaitWithoutPush(t *testing.T) {
	cfg := newTestConfig(t, "http://127.0.0.1:1")
	d := newTestDaemon(t, cfg)
	ctx := context.Background()

	resp, err := d.handleRequest(ctx, &ipc.Request{Type: ipc.MessageTypeBegin, Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err = d.handleRequest(ctx, &ipc.Request{Type: ipc.MessageTypeWait, SessionID: resp.SessionID})
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if resp.Confirmed {
		t.Error("no push was started, wait must not confirm")
	}
}

func TestRunOverIPCAndShutdown(t *testing.T) {
	ts := newValidationServer(t)
	cfg := newTestConfig(t, ts.URL)
	d := newTestDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx)
	}()

	client := ipc.NewClient(cfg.Listen.Socket)
	var id string
	deadline := time.Now().Add(2 * time.Second)
	for {
		var err error
		id, err = client.Begin(context.Background(), "alice", "")
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon did not accept connections: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := client.Connect(context.Background(), id, "pw", "123456", false); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	resp, err := client.Decide(context.Background(), id)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if resp.Decision != "success" {
		t.Errorf("expected success, got %+v", resp)
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to return")
	}

	if _, err := os.Stat(cfg.Listen.Socket); !os.IsNotExist(err) {
		t.Error("socket should be removed after shutdown")
	}
	if _, err := os.Stat(cfg.Offline.FilePath); err != nil {
		t.Errorf("offline file should be written at shutdown: %v", err)
	}
}

func TestRunHTTPServerStartFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()

	cfg := newTestConfig(t, "http://127.0.0.1:1")
	cfg.Listen.HTTP = ln.Addr().String()
	d := newTestDaemon(t, cfg)

	done := make(chan error, 1)
	go func() {
		done <- d.Run(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Run to fail, got nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to return")
	}

	if _, err := os.Stat(cfg.Listen.Socket); !os.IsNotExist(err) {
		t.Error("socket should be removed after a failed start")
	}
}
