package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// script is a worker that records the events it receives.
type script struct {
	name        string
	skipWaiting bool
	ignoreSkip  bool
	installErr  error
	release     chan struct{}

	installs  atomic.Int32
	activates atomic.Int32
	messages  atomic.Int32
}

func (s *script) Install(ctx context.Context, g Global) error {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.installs.Add(1)
	if s.installErr != nil {
		return s.installErr
	}
	if s.skipWaiting {
		g.SkipWaiting()
	}
	return nil
}

func (s *script) Activate(ctx context.Context, g Global) error {
	s.activates.Add(1)
	return g.Claim(ctx)
}

func (s *script) HandleMessage(ctx context.Context, g Global, msg Message) {
	s.messages.Add(1)
	if msg.Type == MessageSkipWaiting && !s.ignoreSkip {
		g.SkipWaiting()
	}
}

func (s *script) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(s.name))
}

func (s *script) Close(ctx context.Context) error {
	return nil
}

func newTestRegistration(t *testing.T, opts Options) *Registration {
	t.Helper()
	logger := zerolog.Nop()
	opts.Logger = &logger
	return NewRegistration(url.URL{Scheme: "http", Host: "example.com"}, opts)
}

// activate registers a version that takes over immediately.
func activate(t *testing.T, reg *Registration, version string) *Instance {
	t.Helper()
	inst := reg.Register(context.Background(), version, &script{name: version, skipWaiting: true})
	require.Eventually(t, func() bool {
		return inst.State() == WorkerActivated
	}, waitFor, tick)
	return inst
}

func TestFirstVersionActivates(t *testing.T) {
	reg := newTestRegistration(t, Options{})
	s := &script{name: "v1"}
	inst := reg.Register(context.Background(), "v1", s)

	select {
	case <-reg.Ready():
	case <-time.After(waitFor):
		t.Fatal("registration never became ready")
	}
	assert.Equal(t, inst, reg.Active())
	assert.Eventually(t, func() bool { return inst.State() == WorkerActivated }, waitFor, tick)
	assert.Equal(t, int32(1), s.installs.Load())
	assert.Equal(t, int32(1), s.activates.Load())
	assert.Nil(t, reg.Waiting())
	assert.Nil(t, reg.Installing())
}

func TestInstanceStatesInOrder(t *testing.T) {
	reg := newTestRegistration(t, Options{})
	release := make(chan struct{})
	inst := reg.Register(context.Background(), "v1", &script{release: release})

	states, cancel := inst.StateChanges()
	defer cancel()
	close(release)

	expected := []WorkerState{WorkerInstalled, WorkerActivating, WorkerActivated}
	for _, want := range expected {
		select {
		case got := <-states:
			assert.Equal(t, want, got)
		case <-time.After(waitFor):
			t.Fatalf("no %s state", want)
		}
	}
}

func TestActivateClaimsOpenPages(t *testing.T) {
	reg := newTestRegistration(t, Options{})
	client := reg.Connect()
	changes, cancel := client.ControllerChanges()
	defer cancel()
	assert.Nil(t, client.Controller())

	inst := activate(t, reg, "v1")

	select {
	case got := <-changes:
		assert.Equal(t, inst, got)
	case <-time.After(waitFor):
		t.Fatal("no controller change")
	}
	assert.Equal(t, inst, client.Controller())
}

func TestSecondVersionWaitsForControlledPages(t *testing.T) {
	reg := newTestRegistration(t, Options{})
	v1 := activate(t, reg, "v1")
	client := reg.Connect()
	assert.Equal(t, v1, client.Controller())

	v2 := reg.Register(context.Background(), "v2", &script{name: "v2"})
	require.Eventually(t, func() bool { return reg.Waiting() == v2 }, waitFor, tick)
	assert.Equal(t, WorkerInstalled, v2.State())
	assert.Equal(t, v1, reg.Active())

	client.Close()
	require.Eventually(t, func() bool { return v2.State() == WorkerActivated }, waitFor, tick)
	assert.Equal(t, v2, reg.Active())
	assert.Equal(t, WorkerRedundant, v1.State())
}

func TestSkipWaitingMessageActivates(t *testing.T) {
	reg := newTestRegistration(t, Options{})
	v1 := activate(t, reg, "v1")
	client := reg.Connect()
	changes, cancel := client.ControllerChanges()
	defer cancel()

	v2 := reg.Register(context.Background(), "v2", &script{name: "v2"})
	require.Eventually(t, func() bool { return reg.Waiting() == v2 }, waitFor, tick)

	require.NoError(t, v2.PostMessage(Message{Type: MessageSkipWaiting}))
	select {
	case got := <-changes:
		assert.Equal(t, v2, got)
	case <-time.After(waitFor):
		t.Fatal("no controller change")
	}
	assert.Equal(t, v2, client.Controller())
	assert.Eventually(t, func() bool { return v1.State() == WorkerRedundant }, waitFor, tick)
	assert.ErrorIs(t, v1.PostMessage(Message{Type: MessageSkipWaiting}), ErrRedundant)
}

func TestNewerWaitingVersionReplacesOlder(t *testing.T) {
	reg := newTestRegistration(t, Options{})
	activate(t, reg, "v1")
	client := reg.Connect()
	defer client.Close()

	v2 := reg.Register(context.Background(), "v2", &script{name: "v2"})
	require.Eventually(t, func() bool { return reg.Waiting() == v2 }, waitFor, tick)
	v3 := reg.Register(context.Background(), "v3", &script{name: "v3"})
	require.Eventually(t, func() bool { return reg.Waiting() == v3 }, waitFor, tick)
	assert.Equal(t, WorkerRedundant, v2.State())
}

func TestSupersededInstallIsRedundant(t *testing.T) {
	reg := newTestRegistration(t, Options{})
	release := make(chan struct{})
	v1 := reg.Register(context.Background(), "v1", &script{release: release})
	v2 := reg.Register(context.Background(), "v2", &script{skipWaiting: true})

	assert.Equal(t, WorkerRedundant, v1.State())
	require.Eventually(t, func() bool { return reg.Active() == v2 }, waitFor, tick)
	close(release)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, v2, reg.Active())
	assert.Equal(t, WorkerRedundant, v1.State())
}

func TestFailedInstallIsRedundant(t *testing.T) {
	reg := newTestRegistration(t, Options{})
	v1 := activate(t, reg, "v1")

	v2 := reg.Register(context.Background(), "v2", &script{installErr: errors.New("boom")})
	require.Eventually(t, func() bool { return v2.State() == WorkerRedundant }, waitFor, tick)
	assert.Nil(t, reg.Installing())
	assert.Nil(t, reg.Waiting())
	assert.Equal(t, v1, reg.Active())
}

func TestClaimRequiresActive(t *testing.T) {
	reg := newTestRegistration(t, Options{})
	activate(t, reg, "v1")
	client := reg.Connect()
	defer client.Close()

	v2 := reg.Register(context.Background(), "v2", &script{})
	require.Eventually(t, func() bool { return reg.Waiting() == v2 }, waitFor, tick)
	assert.ErrorIs(t, v2.global().Claim(context.Background()), ErrNotActive)
}

func TestServeHTTPDispatchesToActive(t *testing.T) {
	network := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("network"))
	})

	reg := newTestRegistration(t, Options{})
	rr := httptest.NewRecorder()
	reg.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	reg = newTestRegistration(t, Options{Network: network})
	rr = httptest.NewRecorder()
	reg.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, "network", rr.Body.String())

	activate(t, reg, "v1")
	rr = httptest.NewRecorder()
	reg.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, "v1", rr.Body.String())
}

func TestFeedUnsubscribeUnblocksSend(t *testing.T) {
	var f feed[int]
	_, cancel := f.subscribe()
	assert.Equal(t, 1, f.len())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			f.send(i)
		}
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	cancel()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("send blocked after unsubscribe")
	}
	assert.Equal(t, 0, f.len())
}
