// internal/protocol/engine.go
package protocol

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"psu-service/internal/link"
	"psu-service/internal/model"
)

// Default exchange timing
const (
	DefaultIdentityTimeout = 250 * time.Millisecond
	DefaultAnswerTimeout   = 150 * time.Millisecond
	DefaultFlushTimeout    = 100 * time.Millisecond
	DefaultSettleDelay     = 500 * time.Millisecond
	DefaultEventBuffer     = 64
)

// Config holds the engine timing
type Config struct {
	IdentityTimeout time.Duration
	AnswerTimeout   time.Duration
	FlushTimeout    time.Duration
	// SettleDelay is waited after a port opens before the identity query goes out
	SettleDelay time.Duration
	EventBuffer int
}

// DefaultConfig returns the standard KA3005P timing
func DefaultConfig() Config {
	return Config{
		IdentityTimeout: DefaultIdentityTimeout,
		AnswerTimeout:   DefaultAnswerTimeout,
		FlushTimeout:    DefaultFlushTimeout,
		SettleDelay:     DefaultSettleDelay,
		EventBuffer:     DefaultEventBuffer,
	}
}

// Transport is the part of *link.Link the engine runs on. Apart from Post and
// SetHandler every method is called on the link loop.
type Transport interface {
	Post(fn func()) error
	SetHandler(h link.Handler)
	Recorder() link.Recorder
	IsOpen() bool
	PortName() string
	Write(data []byte) error
	Flush(timeout time.Duration, done func(error)) error
	DiscardInput() error
	SetDeadline(d time.Duration) error
	CancelDeadline()
	Reconnect(reason error)
}

// Observer receives exchange outcomes, typically for metrics
type Observer interface {
	OnAnswer(kind Kind, latency time.Duration)
	OnTimeout(kind Kind)
	OnIdentity(verified bool)
}

type phase int

const (
	phaseIdle phase = iota
	phaseSettling
	phaseAwaiting
	phaseFlushing
)

// Engine runs the request/answer exchange on top of a link. It allows one
// outstanding request and refuses everything but the identity query until the
// device has identified itself.
type Engine struct {
	link     Transport
	cfg      Config
	logger   *zap.Logger
	recorder link.Recorder
	observer Observer

	events   chan Event
	quit     chan struct{}
	quitOnce sync.Once
	stopped  atomic.Bool
	verified atomic.Bool
	identity atomic.Pointer[Identity]

	// loop-owned
	phase    phase
	pending  Kind
	expected int
	rx       []byte
	sentAt   time.Time
	port     string
	flushSeq uint64
	held     []heldRequest
}

// heldRequest waits for the transmit flush of a set command to finish
type heldRequest struct {
	kind  Kind
	value decimal.Decimal
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithObserver sets the exchange observer
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) { e.observer = o }
}

// NewEngine creates an engine and attaches it to t. Attach before starting the link.
func NewEngine(t Transport, cfg Config, logger *zap.Logger, opts ...EngineOption) *Engine {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}

	e := &Engine{
		link:     t,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "protocol")),
		recorder: t.Recorder(),
		observer: nopObserver{},
		events:   make(chan Event, cfg.EventBuffer),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	t.SetHandler(e)
	return e
}

// Events returns the channel the engine reports on, in the order things happened
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Verified reports whether the connected device passed the identity check
func (e *Engine) Verified() bool {
	return e.verified.Load()
}

// Identity returns the last confirmed identity, if any
func (e *Engine) Identity() (Identity, bool) {
	id := e.identity.Load()
	if id == nil {
		return Identity{}, false
	}
	return *id, true
}

// Request queues a query or value-less command
func (e *Engine) Request(kind Kind) error {
	return e.RequestValue(kind, decimal.Zero)
}

// RequestValue queues a command with a value, e.g. VSET1:12.00.
// Requests made before identity is verified, or while the same kind is in
// flight, are dropped on the loop without error.
func (e *Engine) RequestValue(kind Kind, value decimal.Decimal) error {
	if !kind.Encodable() {
		return fmt.Errorf("%s: %w", kind, ErrNotEncodable)
	}
	if !kind.IsQuery() && value.IsNegative() {
		return fmt.Errorf("%s %s: %w", kind, value, ErrInvalidValue)
	}
	if e.stopped.Load() {
		return ErrStopped
	}
	if err := e.link.Post(func() { e.request(kind, value) }); err != nil {
		return fmt.Errorf("failed to queue %s: %w", kind, err)
	}
	return nil
}

// Stop abandons any exchange and disarms the deadline. The port itself stays
// open until the link loop exits.
func (e *Engine) Stop() error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	e.quitOnce.Do(func() { close(e.quit) })

	err := e.link.Post(func() {
		e.clearExchange()
		e.held = nil
		e.logger.Info("Protocol engine stopped")
	})
	if errors.Is(err, link.ErrStopped) {
		return nil
	}
	return err
}

// PortOpened implements link.Handler
func (e *Engine) PortOpened(portName string) {
	e.port = portName
	e.setVerified(nil)
	e.clearExchange()
	e.held = nil
	e.emit(Event{Type: EventOpened, Port: portName})

	if e.stopped.Load() {
		return
	}
	if e.cfg.SettleDelay <= 0 {
		e.send(KindIdentity, decimal.Zero)
		return
	}
	if err := e.link.SetDeadline(e.cfg.SettleDelay); err == nil {
		e.phase = phaseSettling
	}
}

// PortClosed implements link.Handler
func (e *Engine) PortClosed(portName string) {
	e.setVerified(nil)
	e.clearExchange()
	e.held = nil
	e.port = ""
	e.emit(Event{Type: EventClosed, Port: portName})
}

// DataArrived implements link.Handler
func (e *Engine) DataArrived(data []byte) {
	if e.phase != phaseAwaiting {
		e.logger.Debug("Discarding unsolicited data", zap.Int("bytes", len(data)))
		e.recorder.RecordData(time.Now(), data, len(data), model.DirectionRX)
		return
	}

	e.rx = append(e.rx, data...)
	if e.expected > 0 && len(e.rx) >= e.expected {
		e.complete()
	}
}

// DeadlineExpired implements link.Handler
func (e *Engine) DeadlineExpired() {
	switch e.phase {
	case phaseSettling:
		e.phase = phaseIdle
		e.send(KindIdentity, decimal.Zero)

	case phaseAwaiting:
		if !e.link.IsOpen() {
			e.clearExchange()
			return
		}
		if e.pending == KindIdentity {
			e.complete()
			return
		}

		kind := e.pending
		e.logger.Warn("Answer timeout",
			zap.Stringer("kind", kind),
			zap.Int("received", len(e.rx)),
			zap.Int("expected", e.expected),
		)
		e.recorder.Record(time.Now(), "Timeout")
		e.clearExchange()
		e.observer.OnTimeout(kind)
		e.emit(Event{Type: EventAnswerTimeout, Port: e.port, Kind: kind})
	}
}

func (e *Engine) request(kind Kind, value decimal.Decimal) {
	if e.stopped.Load() {
		return
	}
	if !e.verified.Load() && kind != KindIdentity {
		e.logger.Debug("Ignoring request before identity is verified", zap.Stringer("kind", kind))
		return
	}
	if e.phase == phaseFlushing {
		e.hold(kind, value)
		return
	}
	if e.phase == phaseAwaiting && kind == e.pending {
		return
	}
	if !e.link.IsOpen() {
		e.clearExchange()
		return
	}
	if e.phase == phaseAwaiting {
		e.logger.Warn("Abandoning in-flight exchange",
			zap.Stringer("pending", e.pending),
			zap.Stringer("kind", kind),
		)
	}
	e.send(kind, value)
}

func (e *Engine) send(kind Kind, value decimal.Decimal) {
	payload, err := Encode(kind, value)
	if err != nil {
		e.logger.Error("Failed to encode request", zap.Error(err))
		return
	}

	e.clearExchange()
	if kind.IsQuery() {
		if err := e.link.DiscardInput(); err != nil {
			e.logger.Debug("Failed to discard stale input", zap.Error(err))
		}
	}

	now := time.Now()
	e.recorder.RecordData(now, payload, len(payload), model.DirectionTX)
	if err := e.link.Write(payload); err != nil {
		e.logger.Error("Failed to send request", zap.Stringer("kind", kind), zap.Error(err))
		return
	}

	if !kind.IsQuery() {
		e.flushSeq++
		seq := e.flushSeq
		e.phase = phaseFlushing
		e.pending = kind
		e.sentAt = now
		if err := e.link.Flush(e.cfg.FlushTimeout, func(err error) { e.flushed(seq, err) }); err != nil {
			e.flushed(seq, err)
		}
		return
	}

	timeout := e.cfg.AnswerTimeout
	if kind == KindIdentity {
		timeout = e.cfg.IdentityTimeout
	}
	if err := e.link.SetDeadline(timeout); err != nil {
		return
	}
	e.phase = phaseAwaiting
	e.pending = kind
	e.expected = kind.AnswerLen()
	e.sentAt = now
}

// flushed finishes a set command once its bytes left the transmit buffer or the
// flush deadline passed. There is no answer to wait for.
func (e *Engine) flushed(seq uint64, err error) {
	if e.phase != phaseFlushing || seq != e.flushSeq {
		return
	}

	kind := e.pending
	if err != nil {
		e.logger.Warn("Request TX timeout", zap.Stringer("kind", kind), zap.Error(err))
	}
	e.clearExchange()
	e.emit(Event{Type: EventAnswer, Port: e.port, Kind: kind, Data: []byte{}})

	held := e.held
	e.held = nil
	for _, r := range held {
		e.request(r.kind, r.value)
	}
}

// hold parks a request until the running flush finishes. A repeated kind
// replaces its earlier value.
func (e *Engine) hold(kind Kind, value decimal.Decimal) {
	for i := range e.held {
		if e.held[i].kind == kind {
			e.held[i].value = value
			return
		}
	}
	e.held = append(e.held, heldRequest{kind: kind, value: value})
}

func (e *Engine) complete() {
	kind, answer, latency := e.pending, e.rx, time.Since(e.sentAt)

	e.recorder.RecordData(time.Now(), answer, len(answer), model.DirectionRX)
	e.clearExchange()
	e.observer.OnAnswer(kind, latency)
	e.emit(Event{Type: EventAnswer, Port: e.port, Kind: kind, Data: answer})

	if kind != KindIdentity {
		return
	}

	id, ok := ParseIdentity(answer)
	e.observer.OnIdentity(ok)
	if !ok {
		e.logger.Warn("Unrecognized device, closing port",
			zap.String("port", e.port),
			zap.ByteString("identity", answer),
		)
		e.link.Reconnect(ErrUnrecognizedDevice)
		return
	}

	e.setVerified(&id)
	e.logger.Info("Device identified",
		zap.String("port", e.port),
		zap.String("model", id.Model),
		zap.String("version", id.Version),
		zap.String("serial", id.Serial),
	)
	e.emit(Event{Type: EventIdentityConfirmed, Port: e.port, Identity: id})
}

// clearExchange drops the pending exchange, its buffer and its deadline
func (e *Engine) clearExchange() {
	e.phase = phaseIdle
	e.pending = KindNone
	e.expected = 0
	e.rx = nil
	e.sentAt = time.Time{}
	e.link.CancelDeadline()
}

func (e *Engine) setVerified(id *Identity) {
	e.identity.Store(id)
	e.verified.Store(id != nil)
}

// emit blocks until the consumer takes the event or the engine is stopped
func (e *Engine) emit(ev Event) {
	ev.Time = time.Now()
	select {
	case e.events <- ev:
	case <-e.quit:
	}
}

type nopObserver struct{}

func (nopObserver) OnAnswer(Kind, time.Duration) {}
func (nopObserver) OnTimeout(Kind)               {}
func (nopObserver) OnIdentity(bool)              {}
