package protocol

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"psu-service/internal/link"
	"psu-service/internal/model"
)

// fakeTransport runs posted functions inline so the test goroutine plays the link loop
type fakeTransport struct {
	handler    link.Handler
	recorder   *fakeRecorder
	open       bool
	port       string
	writes     []string
	writeErr   error
	flushErr   error
	holdFlush  bool
	flushDone  func(error)
	discards   int
	armed      bool
	deadline   time.Duration
	reconnects []error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{recorder: &fakeRecorder{}, port: "ttyACM0"}
}

func (f *fakeTransport) Post(fn func()) error {
	fn()
	return nil
}

func (f *fakeTransport) SetHandler(h link.Handler) { f.handler = h }
func (f *fakeTransport) Recorder() link.Recorder   { return f.recorder }
func (f *fakeTransport) IsOpen() bool              { return f.open }
func (f *fakeTransport) PortName() string          { return f.port }

func (f *fakeTransport) Write(data []byte) error {
	if !f.open {
		return link.ErrNotOpen
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, string(data))
	return nil
}

// Flush completes at once unless holdFlush is set, in which case the test
// finishes it through flushDone.
func (f *fakeTransport) Flush(_ time.Duration, done func(error)) error {
	if !f.open {
		return link.ErrNotOpen
	}
	if f.holdFlush {
		f.flushDone = done
		return nil
	}
	done(f.flushErr)
	return nil
}

func (f *fakeTransport) DiscardInput() error {
	f.discards++
	return nil
}

func (f *fakeTransport) SetDeadline(d time.Duration) error {
	if !f.open {
		return link.ErrNotOpen
	}
	f.armed = true
	f.deadline = d
	return nil
}

func (f *fakeTransport) CancelDeadline() {
	f.armed = false
	f.deadline = 0
}

func (f *fakeTransport) Reconnect(reason error) {
	f.reconnects = append(f.reconnects, reason)
	f.open = false
	f.armed = false
	f.handler.PortClosed(f.port)
}

// fire simulates the armed deadline elapsing
func (f *fakeTransport) fire() {
	if !f.armed {
		return
	}
	f.armed = false
	f.handler.DeadlineExpired()
}

type recordedFrame struct {
	data string
	dir  model.Direction
}

type fakeRecorder struct {
	mu       sync.Mutex
	messages []string
	frames   []recordedFrame
}

func (r *fakeRecorder) Record(_ time.Time, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *fakeRecorder) RecordData(_ time.Time, data []byte, length int, dir model.Direction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, recordedFrame{data: string(data[:length]), dir: dir})
}

func testEngineConfig() Config {
	cfg := DefaultConfig()
	cfg.SettleDelay = 0
	return cfg
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	e := NewEngine(tr, cfg, zap.NewNop())
	require.Same(t, e, tr.handler)
	return e, tr
}

// openPort raises opened and consumes the resulting event
func openPort(t *testing.T, e *Engine, tr *fakeTransport) {
	t.Helper()
	tr.open = true
	tr.handler.PortOpened(tr.port)
	ev := nextEvent(t, e)
	require.Equal(t, EventOpened, ev.Type)
	require.Equal(t, tr.port, ev.Port)
}

// verifyDevice opens the port and completes a successful identity exchange
func verifyDevice(t *testing.T, e *Engine, tr *fakeTransport) {
	t.Helper()
	openPort(t, e, tr)
	require.Equal(t, []string{"*IDN?"}, tr.writes)

	tr.handler.DataArrived([]byte("KORAD KA3005P V4.2 SN:00000001"))
	tr.fire()

	ev := nextEvent(t, e)
	require.Equal(t, EventAnswer, ev.Type)
	require.Equal(t, KindIdentity, ev.Kind)
	ev = nextEvent(t, e)
	require.Equal(t, EventIdentityConfirmed, ev.Type)
	require.True(t, e.Verified())

	tr.writes = nil
}

func nextEvent(t *testing.T, e *Engine) Event {
	t.Helper()
	select {
	case ev := <-e.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func requireNoEvent(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case ev := <-e.Events():
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}
}
