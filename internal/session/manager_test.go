package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/diagnosis/wa-relay/internal/domain"
)

type fakeDriver struct {
	mu       sync.Mutex
	sink     EventSink
	starts   atomic.Int32
	stops    atomic.Int32
	startErr error
	sendErr  error
	sent     []sentMessage
	started  chan struct{}
}

type sentMessage struct {
	phone, text string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{started: make(chan struct{}, 8)}
}

func (f *fakeDriver) Start(ctx context.Context, sink EventSink) error {
	f.starts.Add(1)
	f.mu.Lock()
	f.sink = sink
	err := f.startErr
	f.mu.Unlock()
	f.started <- struct{}{}
	return err
}

func (f *fakeDriver) Send(ctx context.Context, phone, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{phone, text})
	return nil
}

func (f *fakeDriver) Stop() { f.stops.Add(1) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fakeQR(payload string) (string, error) {
	return "data:image/png;base64," + payload, nil
}

func newTestManager(d Driver, repair bool) *Manager {
	return NewManager(d, Options{
		SendTimeout:    time.Second,
		RepairOnLogout: repair,
		EncodeQR:       fakeQR,
		Logger:         quietLogger(),
	})
}

func TestInitializeIsIdempotent(t *testing.T) {
	d := newFakeDriver()
	m := newTestManager(d, false)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Initialize(context.Background()); err != nil {
				t.Errorf("Initialize: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := d.starts.Load(); got != 1 {
		t.Fatalf("driver started %d times, want 1", got)
	}
	if st := m.Status().State; st != StateInitializing {
		t.Fatalf("state = %s, want %s", st, StateInitializing)
	}
}

func TestInitializeFailureIsRecorded(t *testing.T) {
	d := newFakeDriver()
	d.startErr = errors.New("store locked")
	m := newTestManager(d, false)

	if err := m.Initialize(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	st := m.Status()
	if st.State != StateFailed || st.Ready {
		t.Fatalf("status = %+v", st)
	}
	if !strings.Contains(st.LastError, "store locked") {
		t.Fatalf("lastError = %q", st.LastError)
	}

	d.startErr = nil
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := d.starts.Load(); got != 2 {
		t.Fatalf("starts = %d, want 2", got)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	d := newFakeDriver()
	m := newTestManager(d, false)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	d.sink.OnPairingChallenge("2@abc")
	qr, ok := m.QRCode()
	if !ok || qr != "data:image/png;base64,2@abc" {
		t.Fatalf("qr = %q, %v", qr, ok)
	}
	if m.IsReady() || m.Status().State != StatePairing {
		t.Fatalf("unexpected status after challenge: %+v", m.Status())
	}

	d.sink.OnAuthenticated()
	if _, ok := m.QRCode(); ok {
		t.Fatal("artifact should be cleared once authenticated")
	}

	d.sink.OnReady()
	if !m.IsReady() || m.Status().State != StateReady {
		t.Fatalf("status = %+v", m.Status())
	}

	d.sink.OnPairingChallenge("late")
	if _, ok := m.QRCode(); ok {
		t.Fatal("challenge while ready must be ignored")
	}

	d.sink.OnDisconnected("connection lost", false)
	if m.IsReady() || m.Status().State != StateDisconnected {
		t.Fatalf("status = %+v", m.Status())
	}

	d.sink.OnReady()
	if !m.IsReady() {
		t.Fatal("reconnect should restore readiness")
	}
}

func TestAuthFailureKeepsNotReady(t *testing.T) {
	d := newFakeDriver()
	m := newTestManager(d, false)
	_ = m.Initialize(context.Background())

	d.sink.OnAuthFailure(errors.New("client outdated"))
	st := m.Status()
	if st.Ready || st.State != StateFailed || st.LastError != "client outdated" {
		t.Fatalf("status = %+v", st)
	}
}

func TestLogoutClearsStateWithoutRepair(t *testing.T) {
	d := newFakeDriver()
	m := newTestManager(d, false)
	_ = m.Initialize(context.Background())
	<-d.started

	d.sink.OnPairingChallenge("payload")
	d.sink.OnDisconnected("logged out", true)

	if _, ok := m.QRCode(); ok {
		t.Fatal("logout must clear the artifact")
	}
	if m.Status().State != StateLoggedOut {
		t.Fatalf("state = %s", m.Status().State)
	}

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := d.starts.Load(); got != 2 {
		t.Fatalf("logout should reset the initialized flag, starts = %d", got)
	}
}

func TestLogoutRepairsSession(t *testing.T) {
	d := newFakeDriver()
	m := newTestManager(d, true)
	_ = m.Initialize(context.Background())
	<-d.started

	d.sink.OnReady()
	d.sink.OnDisconnected("logged out", true)

	select {
	case <-d.started:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fresh pairing after logout")
	}
}

func TestSendRequiresReady(t *testing.T) {
	d := newFakeDriver()
	m := newTestManager(d, false)
	_ = m.Initialize(context.Background())

	err := m.Send(context.Background(), "+6281234567890", "hi")
	if !errors.Is(err, domain.ErrServiceUnavailable) {
		t.Fatalf("err = %v, want ErrServiceUnavailable", err)
	}
	if len(d.sent) != 0 {
		t.Fatal("nothing should reach the driver")
	}

	d.sink.OnReady()
	if err := m.Send(context.Background(), "+6281234567890", "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(d.sent) != 1 || d.sent[0].phone != "+6281234567890" {
		t.Fatalf("sent = %+v", d.sent)
	}
}

func TestSendWrapsDriverError(t *testing.T) {
	d := newFakeDriver()
	d.sendErr = errors.New("socket closed")
	m := newTestManager(d, false)
	_ = m.Initialize(context.Background())
	d.sink.OnReady()

	err := m.Send(context.Background(), "+6281234567890", "hi")
	if !errors.Is(err, domain.ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", err)
	}
	if !strings.Contains(err.Error(), "socket closed") {
		t.Fatalf("err = %v should carry the driver error", err)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	d := newFakeDriver()
	m := newTestManager(d, false)
	_ = m.Initialize(context.Background())
	d.sink.OnReady()

	var hookRuns atomic.Int32
	m.OnDestroy(func(context.Context) { hookRuns.Add(1) })

	m.Destroy(context.Background())
	m.Destroy(context.Background())

	if d.stops.Load() != 1 || hookRuns.Load() != 1 {
		t.Fatalf("stops = %d, hooks = %d", d.stops.Load(), hookRuns.Load())
	}
	if m.IsReady() || m.Status().State != StateDestroyed {
		t.Fatalf("status = %+v", m.Status())
	}

	d.sink.OnReady()
	if m.IsReady() {
		t.Fatal("events after destroy must be ignored")
	}
	if err := m.Initialize(context.Background()); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("err = %v, want ErrDestroyed", err)
	}
}
