package polling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/al-bashkir/otp-credential-auth/internal/config"
	"github.com/al-bashkir/otp-credential-auth/internal/transport"
)

// fakeEndpoint answers polls from a script; the last entry repeats.
type fakeEndpoint struct {
	mu        sync.Mutex
	polls     []transport.Status
	pollCount int
	finalize  transport.Status
	body      string
	finalized []string
}

func (f *fakeEndpoint) Connect(context.Context, string, transport.Params, string) ([]byte, error) {
	return nil, errors.New("not used")
}

func (f *fakeEndpoint) PollTransaction(ctx context.Context, transactionID string) transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.pollCount
	if i >= len(f.polls) {
		i = len(f.polls) - 1
	}
	f.pollCount++
	return f.polls[i]
}

func (f *fakeEndpoint) FinalizePolling(ctx context.Context, user, transactionID string) (transport.Status, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, user+"/"+transactionID)
	return f.finalize, []byte(f.body)
}

func (f *fakeEndpoint) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCount
}

func fastOptions() Options {
	return Options{
		Interval:    time.Millisecond,
		MaxInterval: 5 * time.Millisecond,
		MaxDuration: 200 * time.Millisecond,
	}
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(&config.PollingConfig{IntervalMS: 500, MaxIntervalMS: 3000, MaxDuration: 120})

	if opts.Interval != 500*time.Millisecond {
		t.Errorf("Interval = %v", opts.Interval)
	}
	if opts.MaxInterval != 3*time.Second {
		t.Errorf("MaxInterval = %v", opts.MaxInterval)
	}
	if opts.MaxDuration != 2*time.Minute {
		t.Errorf("MaxDuration = %v", opts.MaxDuration)
	}
}

func TestPollLoop(t *testing.T) {
	tests := []struct {
		name       string
		polls      []transport.Status
		wantStatus transport.Status
		wantErr    error
		minPolls   int
	}{
		{
			name:       "confirmed after retries",
			polls:      []transport.Status{transport.StatusNotSet, transport.StatusNotConnected, transport.StatusAuthOK},
			wantStatus: transport.StatusAuthOK,
			minPolls:   3,
		},
		{
			name:       "server error is permanent",
			polls:      []transport.Status{transport.StatusNotSet, transport.StatusError, transport.StatusAuthOK},
			wantStatus: transport.StatusError,
			wantErr:    ErrServer,
			minPolls:   2,
		},
		{
			name:       "never confirmed",
			polls:      []transport.Status{transport.StatusNotSet},
			wantStatus: transport.StatusNotSet,
			wantErr:    ErrNotConfirmed,
			minPolls:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := &fakeEndpoint{polls: tt.polls}
			c := New(ep, fastOptions())

			status, err := c.PollLoop(context.Background(), "tx")
			if status != tt.wantStatus {
				t.Errorf("status = %v, want %v", status, tt.wantStatus)
			}
			if !errors.Is(err, tt.wantErr) && !(err == nil && tt.wantErr == nil) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if ep.count() < tt.minPolls {
				t.Errorf("expected at least %d polls, got %d", tt.minPolls, ep.count())
			}
		})
	}
}

func TestPollLoopCancelled(t *testing.T) {
	ep := &fakeEndpoint{polls: []transport.Status{transport.StatusNotSet}}
	c := New(ep, Options{Interval: 10 * time.Millisecond, MaxInterval: 10 * time.Millisecond, MaxDuration: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.PollLoop(ctx, "tx")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestStartFinalizes(t *testing.T) {
	ep := &fakeEndpoint{
		polls:    []transport.Status{transport.StatusNotSet, transport.StatusAuthOK},
		finalize: transport.StatusAuthOK,
		body:     `{"result":{"status":true,"value":true}}`,
	}
	h := New(ep, fastOptions()).Start(context.Background(), "alice", "tx-1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	status, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if status != transport.StatusAuthOK {
		t.Errorf("status = %v, want auth_ok", status)
	}
	if !h.Succeeded() {
		t.Error("Succeeded() = false, want true")
	}
	if string(h.Body()) != ep.body {
		t.Errorf("Body() = %q, want the finalize answer", h.Body())
	}
	if len(ep.finalized) != 1 || ep.finalized[0] != "alice/tx-1" {
		t.Errorf("unexpected finalize calls %v", ep.finalized)
	}
}

func TestStartFinalizeRejected(t *testing.T) {
	ep := &fakeEndpoint{
		polls:    []transport.Status{transport.StatusAuthOK},
		finalize: transport.StatusAuthFail,
	}
	h := New(ep, fastOptions()).Start(context.Background(), "alice", "tx-1")
	<-h.Done()

	status, err := h.Result()
	if !errors.Is(err, ErrFinalize) {
		t.Errorf("err = %v, want ErrFinalize", err)
	}
	if status != transport.StatusAuthFail {
		t.Errorf("status = %v, want auth_fail", status)
	}
	if h.Succeeded() {
		t.Error("Succeeded() = true, want false")
	}
	if h.Body() != nil {
		t.Errorf("Body() = %q, want nil for a rejected finalize", h.Body())
	}
}

func TestHandleCancel(t *testing.T) {
	ep := &fakeEndpoint{polls: []transport.Status{transport.StatusNotSet}}
	h := New(ep, Options{Interval: 5 * time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxDuration: time.Minute}).
		Start(context.Background(), "alice", "tx-1")

	if status, err := h.Result(); status != transport.StatusNotSet || err != nil {
		t.Errorf("Result() before done = (%v, %v)", status, err)
	}

	h.Cancel()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("poll did not stop after Cancel")
	}

	if _, err := h.Result(); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(ep.finalized) != 0 {
		t.Error("cancelled poll must not finalize")
	}
}

func TestWaitContextDone(t *testing.T) {
	ep := &fakeEndpoint{polls: []transport.Status{transport.StatusNotSet}}
	h := New(ep, Options{Interval: 5 * time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxDuration: time.Minute}).
		Start(context.Background(), "alice", "tx-1")
	defer func() {
		h.Cancel()
		<-h.Done()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want context.DeadlineExceeded", err)
	}
}
