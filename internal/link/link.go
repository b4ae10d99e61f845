// internal/link/link.go
package link

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"psu-service/internal/model"
)

// Stats holds link counters
type Stats struct {
	State        model.ConnectionState `json:"state"`
	Port         string                `json:"port,omitempty"`
	Attempts     int                   `json:"attempts"`
	Reconnects   int64                 `json:"reconnects"`
	BytesRead    int64                 `json:"bytes_read"`
	BytesWritten int64                 `json:"bytes_written"`
	ErrorCount   int64                 `json:"error_count"`
	LastError    string                `json:"last_error,omitempty"`
	LastActivity time.Time             `json:"last_activity"`
}

type readResult struct {
	gen  uint64
	data []byte
	err  error
}

// Link keeps one serial device connected. It searches for the device, opens it,
// forwards received bytes to its Handler and reconnects after failures.
//
// Everything except Start, Post, Close, Stats, State and Done must be called from
// the loop goroutine, i.e. from Handler callbacks or functions passed to Post.
type Link struct {
	cfg      Config
	mode     string
	logger   *zap.Logger
	opener   Opener
	ports    Enumerator
	recorder Recorder
	observer Observer
	handler  Handler

	cmds    chan func()
	reads   chan readResult
	results chan func()
	done    chan struct{}
	started atomic.Bool
	stopped atomic.Bool

	// loop-owned
	port       Port
	portName   string
	gen        uint64
	attempts   int
	lastErr    string
	timer      armedTimer
	stopReader chan struct{}
	deferred   []func()

	statsMu sync.RWMutex
	stats   Stats
}

// Option configures a Link
type Option func(*Link)

// WithOpener replaces the serial opener, mainly for tests
func WithOpener(o Opener) Option {
	return func(l *Link) { l.opener = o }
}

// WithEnumerator sets the port enumerator used for USB matching
func WithEnumerator(e Enumerator) Option {
	return func(l *Link) { l.ports = e }
}

// WithRecorder sets the traffic log sink
func WithRecorder(r Recorder) Option {
	return func(l *Link) { l.recorder = r }
}

// WithObserver sets the lifecycle observer
func WithObserver(o Observer) Option {
	return func(l *Link) { l.observer = o }
}

// New creates a link. The link does nothing until Start is called.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Link, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid link config: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	cfg.Match = append([]model.VidPid(nil), cfg.Match...)

	l := &Link{
		cfg:      cfg,
		mode:     cfg.Parameters(),
		logger:   logger.With(zap.String("component", "link")),
		opener:   SerialOpener,
		recorder: nopRecorder{},
		observer: nopObserver{},
		handler:  nopHandler{},
		cmds:     make(chan func(), cfg.QueueSize),
		reads:    make(chan readResult, cfg.QueueSize),
		results:  make(chan func()),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if cfg.PortName == "" && l.ports == nil {
		return nil, ErrNoEnumerator
	}

	l.stats.State = model.ConnectionStateDisconnected
	return l, nil
}

// SetHandler attaches the layer that consumes link callbacks. Must be called before Start.
func (l *Link) SetHandler(h Handler) {
	if h == nil {
		h = nopHandler{}
	}
	l.handler = h
}

// Recorder returns the traffic log sink shared with the protocol layer
func (l *Link) Recorder() Recorder {
	return l.recorder
}

// Start runs the loop until ctx is cancelled
func (l *Link) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	l.logger.Info("Starting link",
		zap.String("port_name", l.cfg.PortName),
		zap.String("match", matchString(l.cfg.Match)),
		zap.String("mode", l.mode),
	)

	go l.run(ctx)
	return nil
}

// Done is closed once the loop has exited and the port is closed
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Post queues fn for execution on the loop goroutine without blocking
func (l *Link) Post(fn func()) error {
	if l.stopped.Load() {
		return ErrStopped
	}
	select {
	case l.cmds <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close tears the current port down and restarts discovery from the first attempt
func (l *Link) Close() error {
	return l.Post(func() { l.closeAndReconnect(nil) })
}

// State returns the current connection state
func (l *Link) State() model.ConnectionState {
	l.statsMu.RLock()
	defer l.statsMu.RUnlock()
	return l.stats.State
}

// Stats returns a copy of the link counters
func (l *Link) Stats() Stats {
	l.statsMu.RLock()
	defer l.statsMu.RUnlock()
	return l.stats
}

// IsOpen reports whether a port is open. Loop only.
func (l *Link) IsOpen() bool {
	return l.port != nil
}

// PortName returns the name of the open port. Loop only.
func (l *Link) PortName() string {
	return l.portName
}

// Write transmits data on the open port. Loop only. A write failure tears the
// port down once the current callback returns.
func (l *Link) Write(data []byte) error {
	if l.port == nil {
		return ErrNotOpen
	}

	n, err := l.port.Write(data)
	if err == nil && n != len(data) {
		err = fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
	}
	if err != nil {
		l.updateStats(func(s *Stats) { s.ErrorCount++ })
		gen := l.gen
		l.later(func() {
			if gen == l.gen {
				l.fail(err)
			}
		})
		return fmt.Errorf("failed to write to serial port: %w", err)
	}

	l.updateStats(func(s *Stats) {
		s.BytesWritten += int64(n)
		s.LastActivity = time.Now()
	})
	return nil
}

// Flush waits in the background until written bytes have left the transmit
// buffer, at most timeout, and then calls done on the loop with the drain error
// or ErrFlushTimeout. done is dropped if the port closes first. Loop only.
func (l *Link) Flush(timeout time.Duration, done func(error)) error {
	if l.port == nil {
		return ErrNotOpen
	}

	port, gen := l.port, l.gen
	go func() {
		drained := make(chan error, 1)
		go func() { drained <- port.Drain() }()

		t := time.NewTimer(timeout)
		defer t.Stop()

		var err error
		select {
		case err = <-drained:
			if err != nil {
				err = fmt.Errorf("failed to drain serial port: %w", err)
			}
		case <-t.C:
			err = ErrFlushTimeout
		}

		l.deliver(func() {
			if gen == l.gen {
				done(err)
			}
		})
	}()
	return nil
}

// DiscardInput drops bytes the driver buffered but nobody read yet. Loop only.
func (l *Link) DiscardInput() error {
	if l.port == nil {
		return ErrNotOpen
	}
	return l.port.ResetInputBuffer()
}

// SetDeadline arms the protocol deadline on the loop's timer slot. Loop only.
func (l *Link) SetDeadline(d time.Duration) error {
	if l.port == nil {
		return ErrNotOpen
	}
	l.timer.arm(TimerDeadline, d)
	return nil
}

// CancelDeadline disarms the protocol deadline if it is armed. Loop only.
func (l *Link) CancelDeadline() {
	if l.timer.is(TimerDeadline) {
		l.timer.disarm()
	}
}

// DeadlineArmed reports whether the protocol deadline is pending. Loop only.
func (l *Link) DeadlineArmed() bool {
	return l.timer.is(TimerDeadline)
}

// Reconnect closes the port and restarts discovery. Loop only.
func (l *Link) Reconnect(reason error) {
	l.closeAndReconnect(reason)
}

func (l *Link) run(ctx context.Context) {
	defer close(l.done)
	defer l.shutdown()

	l.setState(model.ConnectionStateDisconnected)
	l.scheduleDiscovery()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.cmds:
			fn()
		case r := <-l.reads:
			l.handleRead(r)
		case fn := <-l.results:
			fn()
		case <-l.timer.C():
			switch l.timer.fired() {
			case TimerReconnect:
				l.discover()
			case TimerDeadline:
				l.handler.DeadlineExpired()
			}
		}
		l.runDeferred()
	}
}

func (l *Link) shutdown() {
	l.stopped.Store(true)
	l.timer.disarm()
	l.closePort(nil, false)
	l.logger.Info("Link stopped")
}

// deliver hands the result of background work to the loop. It gives up once the
// loop has exited.
func (l *Link) deliver(fn func()) {
	select {
	case l.results <- fn:
	case <-l.done:
	}
}

func (l *Link) later(fn func()) {
	l.deferred = append(l.deferred, fn)
}

func (l *Link) runDeferred() {
	for len(l.deferred) > 0 {
		fn := l.deferred[0]
		l.deferred = l.deferred[1:]
		fn()
	}
}

// scheduleDiscovery arms the reconnect timer for the current attempt count
func (l *Link) scheduleDiscovery() {
	interval := l.cfg.Interval(l.attempts)
	l.timer.arm(TimerReconnect, interval)
	l.observer.OnReconnectScheduled(l.attempts, interval)
}

func (l *Link) backoff() {
	if l.attempts < l.cfg.FastAttempts {
		l.attempts++
	}
	l.updateStats(func(s *Stats) { s.Attempts = l.attempts })
	l.scheduleDiscovery()
}

func (l *Link) discover() {
	l.setState(model.ConnectionStateSearching)

	// a port held by another process fails to open, so fall through to the next match
	for _, name := range l.candidates() {
		if err := l.open(name); err == nil {
			return
		}
	}
	l.backoff()
}

// candidates lists the ports to try, in enumeration order
func (l *Link) candidates() []string {
	if l.cfg.PortName != "" {
		return []string{l.cfg.PortName}
	}

	ports, err := l.ports.Ports()
	if err != nil {
		l.logOnce("Failed to enumerate serial ports", "", err)
		return nil
	}

	var names []string
	for _, p := range ports {
		if p.Busy || !p.HasUSBIDs {
			continue
		}
		for _, id := range l.cfg.Match {
			if p.Matches(id) {
				l.logger.Debug("Found matching serial port",
					zap.String("port", p.Name),
					zap.Stringer("usb_id", id),
				)
				names = append(names, p.Name)
				break
			}
		}
	}
	return names
}

func (l *Link) open(name string) error {
	mode, _ := l.cfg.Mode()

	port, err := l.opener.Open(name, mode)
	if err != nil {
		l.logOnce("Failed to open serial port", name, err)
		l.observer.OnOpenError(name, err)
		l.updateStats(func(s *Stats) { s.ErrorCount++ })
		return err
	}

	l.port = port
	l.portName = name
	l.gen++
	l.attempts = 0
	if l.timer.is(TimerReconnect) {
		l.timer.disarm()
	}
	l.startReader(port, l.gen)

	l.updateStats(func(s *Stats) {
		s.State = model.ConnectionStateOpen
		s.Port = name
		s.Attempts = 0
		s.LastActivity = time.Now()
	})

	l.logger.Info("Serial port opened", zap.String("port", name), zap.String("mode", l.mode))
	l.recorder.Record(time.Now(), fmt.Sprintf("opened %s @ %s", name, l.mode))
	l.observer.OnOpen(name)

	l.handler.PortOpened(name)
	return nil
}

func (l *Link) startReader(port Port, gen uint64) {
	stop := make(chan struct{})
	l.stopReader = stop
	size := l.cfg.ReadBufferSize

	go func() {
		buf := make([]byte, size)
		for {
			n, err := port.Read(buf)
			if n == 0 && err == nil {
				continue
			}

			var data []byte
			if n > 0 {
				data = append([]byte(nil), buf[:n]...)
			}

			select {
			case l.reads <- readResult{gen: gen, data: data, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

func (l *Link) handleRead(r readResult) {
	if r.gen != l.gen || l.port == nil {
		return
	}

	if len(r.data) > 0 {
		l.updateStats(func(s *Stats) {
			s.BytesRead += int64(len(r.data))
			s.LastActivity = time.Now()
		})
		l.handler.DataArrived(r.data)
	}

	// the handler may have closed the port in the meantime
	if r.err != nil && r.gen == l.gen {
		l.updateStats(func(s *Stats) { s.ErrorCount++ })
		l.fail(fmt.Errorf("failed to read from serial port: %w", r.err))
	}
}

func (l *Link) fail(err error) {
	l.logOnce("Serial port failure", l.portName, err)
	l.closeAndReconnect(err)
}

func (l *Link) closeAndReconnect(cause error) {
	l.closePort(cause, true)
	l.attempts = 0
	l.updateStats(func(s *Stats) {
		s.Attempts = 0
		s.Reconnects++
	})
	l.scheduleDiscovery()
}

func (l *Link) closePort(cause error, notify bool) {
	if l.port == nil {
		l.setState(model.ConnectionStateDisconnected)
		return
	}

	name := l.portName
	close(l.stopReader)
	if err := l.port.Close(); err != nil {
		l.logger.Warn("Failed to close serial port", zap.String("port", name), zap.Error(err))
	}

	l.port = nil
	l.portName = ""
	l.stopReader = nil
	l.gen++
	if l.timer.is(TimerDeadline) {
		l.timer.disarm()
	}

	l.updateStats(func(s *Stats) {
		s.State = model.ConnectionStateDisconnected
		s.Port = ""
	})

	if cause != nil {
		l.logger.Info("Serial port closed", zap.String("port", name), zap.Error(cause))
	} else {
		l.logger.Info("Serial port closed", zap.String("port", name))
	}
	l.recorder.Record(time.Now(), "closed "+name)
	l.observer.OnClose(name, cause)

	if notify {
		l.handler.PortClosed(name)
	}
}

// logOnce logs err unless it has the same cause as the previous failure
func (l *Link) logOnce(msg, port string, err error) {
	code := errorCode(err)
	if code == l.lastErr {
		l.logger.Debug(msg, zap.String("port", port), zap.Error(err))
		return
	}
	l.lastErr = code
	l.updateStats(func(s *Stats) { s.LastError = err.Error() })
	l.logger.Error(msg, zap.String("port", port), zap.Error(err))
	l.recorder.Record(time.Now(), fmt.Sprintf("%s %s: %v", msg, port, err))
}

func (l *Link) setState(state model.ConnectionState) {
	l.updateStats(func(s *Stats) { s.State = state })
}

func (l *Link) updateStats(fn func(*Stats)) {
	l.statsMu.Lock()
	fn(&l.stats)
	l.statsMu.Unlock()
}

func matchString(ids []model.VidPid) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}
