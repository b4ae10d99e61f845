package link

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"go.bug.st/serial"

	"psu-service/internal/model"
)

var errPortGone = errors.New("port gone")

// fakePort is a scripted serial port. Read blocks until bytes are fed, an error is
// injected or the port is closed.
type fakePort struct {
	name   string
	rx     chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	written  bytes.Buffer
	writeErr error
	resets   int
	drains   int
	drainFor time.Duration
}

func newFakePort(name string) *fakePort {
	return &fakePort{
		name:   name,
		rx:     make(chan []byte, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case data := <-p.rx:
		return copy(b, data), nil
	case err := <-p.errs:
		return 0, err
	case <-p.closed:
		return 0, errPortGone
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) Drain() error {
	p.mu.Lock()
	p.drains++
	d := p.drainFor
	p.mu.Unlock()
	time.Sleep(d)
	return nil
}

func (p *fakePort) drainCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drains
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	return nil
}

func (p *fakePort) feed(data string) {
	p.rx <- []byte(data)
}

func (p *fakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *fakePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// fakeOpener hands out fake ports and records which names were opened
type fakeOpener struct {
	mu     sync.Mutex
	err    error
	busy   map[string]error
	tried  []string
	opened []string
	ports  []*fakePort
}

func (o *fakeOpener) Open(name string, _ *serial.Mode) (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tried = append(o.tried, name)
	if o.err != nil {
		return nil, o.err
	}
	if err := o.busy[name]; err != nil {
		return nil, err
	}
	p := newFakePort(name)
	o.opened = append(o.opened, name)
	o.ports = append(o.ports, p)
	return p, nil
}

func (o *fakeOpener) setErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func (o *fakeOpener) Opened() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opened...)
}

func (o *fakeOpener) Tried() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.tried...)
}

func (o *fakeOpener) last() *fakePort {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.ports) == 0 {
		return nil
	}
	return o.ports[len(o.ports)-1]
}

type fakeEnumerator struct {
	mu    sync.Mutex
	ports []*model.SerialPort
	calls int
}

func (e *fakeEnumerator) Ports() ([]*model.SerialPort, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return e.ports, nil
}

func (e *fakeEnumerator) set(ports ...*model.SerialPort) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ports = ports
}

// recordingHandler turns link callbacks into strings on a channel
type recordingHandler struct {
	events chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{events: make(chan string, 256)}
}

func (h *recordingHandler) PortOpened(name string) { h.events <- "opened:" + name }
func (h *recordingHandler) PortClosed(name string) { h.events <- "closed:" + name }
func (h *recordingHandler) DataArrived(b []byte)   { h.events <- "data:" + string(b) }
func (h *recordingHandler) DeadlineExpired()       { h.events <- "deadline" }

func (h *recordingHandler) next(timeout time.Duration) string {
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(timeout):
		return ""
	}
}

type scheduleObserver struct {
	nopObserver
	mu        sync.Mutex
	intervals []time.Duration
}

func (o *scheduleObserver) OnReconnectScheduled(_ int, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.intervals = append(o.intervals, d)
}

func (o *scheduleObserver) Intervals() []time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]time.Duration(nil), o.intervals...)
}

func korad(name string) *model.SerialPort {
	return &model.SerialPort{
		Name:      name,
		IsUSB:     true,
		HasUSBIDs: true,
		VendorID:  0x0416,
		ProductID: 0x5011,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Match = []model.VidPid{{VendorID: 0x0416, ProductID: 0x5011}}
	cfg.FastInterval = 10 * time.Millisecond
	cfg.SlowInterval = 20 * time.Millisecond
	return cfg
}
