// internal/service/monitor_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"psu-service/internal/config"
	"psu-service/internal/link"
	"psu-service/internal/model"
	"psu-service/internal/protocol"
	"psu-service/internal/repository"
	"psu-service/internal/utils"
)

var (
	ErrNotReady          = errors.New("power supply not connected or not identified")
	ErrVoltageOutOfRange = errors.New("voltage out of range")
	ErrHistoryDisabled   = errors.New("reading history is disabled")
)

// pollSequence is issued in order, one exchange at a time
var pollSequence = []protocol.Kind{
	protocol.KindVoltageSetQuery,
	protocol.KindCurrentSetQuery,
	protocol.KindVoltageOutQuery,
	protocol.KindCurrentOutQuery,
	protocol.KindStatus,
}

// Engine is the part of *protocol.Engine the monitor drives
type Engine interface {
	Events() <-chan protocol.Event
	RequestValue(kind protocol.Kind, value decimal.Decimal) error
}

// LinkController is the part of *link.Link the monitor exposes
type LinkController interface {
	Close() error
	Stats() link.Stats
}

// EventPublisher receives monitor events for live clients
type EventPublisher interface {
	Publish(event model.DeviceEvent)
}

// ReadingObserver is notified of every completed cycle
type ReadingObserver interface {
	ObserveReading(r *model.Reading)
}

// MonitorService consumes engine events, polls the supply once it has been
// identified and keeps the latest snapshot
type MonitorService struct {
	engine     Engine
	link       LinkController
	repo       repository.ReadingRepository
	publisher  EventPublisher
	readings   ReadingObserver
	cfg        config.MonitorConfig
	maxVoltage decimal.Decimal
	logger     *utils.ServiceLogger

	setCh     chan decimal.Decimal
	persistCh chan model.Reading
	done      chan struct{}

	mu       sync.RWMutex
	snapshot model.Snapshot

	// owned by Run
	polling    bool
	step       int
	inFlight   protocol.Kind
	pendingSet *decimal.Decimal
	cycle      model.Reading
	wake       *time.Timer
	wakeC      <-chan time.Time
}

// MonitorOption configures a MonitorService
type MonitorOption func(*MonitorService)

// WithReadingObserver sets the observer notified of completed cycles
func WithReadingObserver(o ReadingObserver) MonitorOption {
	return func(s *MonitorService) { s.readings = o }
}

// NewMonitorService creates the monitor. repo and publisher may be nil.
func NewMonitorService(
	engine Engine,
	linkCtl LinkController,
	repo repository.ReadingRepository,
	publisher EventPublisher,
	cfg *config.MonitorConfig,
	logger *zap.Logger,
	opts ...MonitorOption,
) (*MonitorService, error) {
	maxVoltage, err := cfg.MaxVoltageValue()
	if err != nil {
		return nil, fmt.Errorf("invalid max voltage: %w", err)
	}

	s := &MonitorService{
		engine:     engine,
		link:       linkCtl,
		repo:       repo,
		publisher:  publisher,
		readings:   nopReadingObserver{},
		cfg:        *cfg,
		maxVoltage: maxVoltage,
		logger:     utils.NewServiceLogger(logger, "monitor-service"),
		setCh:      make(chan decimal.Decimal, 1),
		persistCh:  make(chan model.Reading, 32),
		done:       make(chan struct{}),
		snapshot:   model.Snapshot{State: model.ConnectionStateDisconnected},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run consumes engine events until ctx is cancelled or the event channel closes
func (s *MonitorService) Run(ctx context.Context) {
	defer close(s.done)

	var wg sync.WaitGroup
	quit := make(chan struct{})
	if s.repo != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.persistLoop(quit)
		}()
	}
	defer wg.Wait()
	defer close(quit)
	defer s.stopWake()

	events := s.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		case v := <-s.setCh:
			s.pendingSet = &v
			s.issueNext()
		case <-s.wakeC:
			s.wakeC = nil
			s.issueNext()
		}
	}
}

// Done is closed when Run returns
func (s *MonitorService) Done() <-chan struct{} {
	return s.done
}

// GetSnapshot returns the latest known state of the supply
func (s *MonitorService) GetSnapshot() model.Snapshot {
	s.mu.RLock()
	snap := s.snapshot
	s.mu.RUnlock()

	stats := s.link.Stats()
	snap.State = stats.State
	snap.Port = stats.Port
	snap.Reconnects = stats.Reconnects
	return snap
}

// SetVoltage queues a VSET1 command. It goes out between polling exchanges;
// a newer value replaces one that has not been sent yet.
func (s *MonitorService) SetVoltage(v decimal.Decimal) error {
	if v.IsNegative() || v.GreaterThan(s.maxVoltage) {
		return fmt.Errorf("%w: %s not in [0, %s]", ErrVoltageOutOfRange, v, s.maxVoltage)
	}

	s.mu.RLock()
	ready := s.snapshot.Verified
	s.mu.RUnlock()
	if !ready {
		return ErrNotReady
	}

	for {
		select {
		case s.setCh <- v:
			s.logger.Info("Set voltage queued", zap.String("voltage", v.StringFixed(2)))
			return nil
		default:
		}
		// drop the unsent older value
		select {
		case <-s.setCh:
		default:
		}
	}
}

// Reconnect closes the port; the link rediscovers the device
func (s *MonitorService) Reconnect() error {
	s.logger.Info("Reconnect requested")
	return s.link.Close()
}

// ListReadings returns stored readings
func (s *MonitorService) ListReadings(ctx context.Context, filter *model.ReadingFilter) ([]*model.Reading, error) {
	if s.repo == nil {
		return nil, ErrHistoryDisabled
	}
	return s.repo.List(ctx, filter)
}

// MaxVoltage returns the highest accepted set voltage
func (s *MonitorService) MaxVoltage() decimal.Decimal {
	return s.maxVoltage
}

func (s *MonitorService) handleEvent(ev protocol.Event) {
	switch ev.Type {
	case protocol.EventOpened:
		s.reset()
		s.updateSnapshot(func(snap *model.Snapshot) {
			snap.State = model.ConnectionStateOpen
			snap.Port = ev.Port
		})
		s.publish(model.EventPortOpened, ev.Port, "INFO", nil)

	case protocol.EventClosed:
		if s.pendingSet != nil || s.inFlight == protocol.KindVoltageSet {
			s.logger.Warn("Port closed, pending set voltage dropped")
		}
		s.reset()
		s.updateSnapshot(func(snap *model.Snapshot) {
			*snap = model.Snapshot{
				State:    model.ConnectionStateDisconnected,
				Timeouts: snap.Timeouts,
			}
		})
		s.publish(model.EventPortClosed, ev.Port, "WARNING", nil)

	case protocol.EventIdentityConfirmed:
		s.updateSnapshot(func(snap *model.Snapshot) {
			snap.Identity = ev.Identity.Raw
			snap.Verified = true
		})
		s.publish(model.EventIdentityConfirmed, ev.Port, "INFO", model.JSONObject{
			"model":   ev.Identity.Model,
			"version": ev.Identity.Version,
			"serial":  ev.Identity.Serial,
		})
		if !s.cfg.Enabled {
			return
		}
		s.polling = true
		s.step = 0
		s.cycle = model.Reading{Port: ev.Port, Identity: ev.Identity.Raw}
		s.issueNext()

	case protocol.EventAnswer:
		if ev.Kind != s.inFlight {
			return
		}
		s.inFlight = protocol.KindNone
		if ev.Kind == protocol.KindVoltageSet {
			s.publish(model.EventAnswer, ev.Port, "INFO", model.JSONObject{"kind": ev.Kind.String()})
			s.issueNext()
			return
		}
		if err := s.applyAnswer(ev.Kind, ev.Data); err != nil {
			s.logger.Warn("Malformed answer", zap.Stringer("kind", ev.Kind), zap.ByteString("data", ev.Data), zap.Error(err))
			s.scheduleWake(s.cfg.RetryDelay)
			return
		}
		s.advance()

	case protocol.EventAnswerTimeout:
		if ev.Kind != s.inFlight {
			return
		}
		s.inFlight = protocol.KindNone
		s.updateSnapshot(func(snap *model.Snapshot) { snap.Timeouts++ })
		s.publish(model.EventAnswerTimeout, ev.Port, "WARNING", model.JSONObject{"kind": ev.Kind.String()})
		s.scheduleWake(s.cfg.RetryDelay)
	}
}

// issueNext sends a queued set command or the current polling query when no
// exchange is outstanding
func (s *MonitorService) issueNext() {
	if s.inFlight != protocol.KindNone {
		return
	}
	if s.pendingSet != nil {
		v := *s.pendingSet
		s.pendingSet = nil
		if !s.send(protocol.KindVoltageSet, v) {
			s.pendingSet = &v
		}
		return
	}
	if !s.polling || s.wakeC != nil {
		return
	}
	s.send(pollSequence[s.step], decimal.Zero)
}

func (s *MonitorService) send(kind protocol.Kind, value decimal.Decimal) bool {
	if err := s.engine.RequestValue(kind, value); err != nil {
		s.logger.Warn("Failed to queue request", zap.Stringer("kind", kind), zap.Error(err))
		s.scheduleWake(s.cfg.RetryDelay)
		return false
	}
	s.inFlight = kind
	return true
}

func (s *MonitorService) applyAnswer(kind protocol.Kind, data []byte) error {
	if kind == protocol.KindStatus {
		status, err := protocol.ParseStatus(data)
		if err != nil {
			return err
		}
		raw := int16(status.Raw)
		s.cycle.Status = &raw

		var previous *model.DeviceStatus
		s.updateSnapshot(func(snap *model.Snapshot) {
			previous = snap.Status
			snap.Status = &status
		})
		if previous != nil && (previous.Mode != status.Mode || previous.OutputEnabled != status.OutputEnabled) {
			s.publish(model.EventStatusChange, s.cycle.Port, "INFO", model.JSONObject{
				"mode":           string(status.Mode),
				"output_enabled": status.OutputEnabled,
			})
		}
		return nil
	}

	value, err := protocol.ParseValue(data)
	if err != nil {
		return err
	}
	switch kind {
	case protocol.KindVoltageSetQuery:
		s.cycle.VoltageSet = value
	case protocol.KindCurrentSetQuery:
		s.cycle.CurrentSet = value
	case protocol.KindVoltageOutQuery:
		s.cycle.VoltageOut = value
	case protocol.KindCurrentOutQuery:
		s.cycle.CurrentOut = value
	}
	return nil
}

func (s *MonitorService) advance() {
	s.step++
	if s.step < len(pollSequence) {
		s.issueNext()
		return
	}

	s.step = 0
	s.finishCycle()
	if s.cfg.PollInterval > 0 {
		s.scheduleWake(s.cfg.PollInterval)
	}
	s.issueNext()
}

func (s *MonitorService) finishCycle() {
	reading := s.cycle
	reading.ID = uuid.New()
	reading.RecordedAt = time.Now()
	s.cycle = model.Reading{Port: reading.Port, Identity: reading.Identity}

	s.updateSnapshot(func(snap *model.Snapshot) { snap.Reading = &reading })
	s.readings.ObserveReading(&reading)
	s.publish(model.EventReading, reading.Port, "INFO", model.JSONObject{
		"voltage_set": reading.VoltageSet.StringFixed(2),
		"current_set": reading.CurrentSet.StringFixed(3),
		"voltage_out": reading.VoltageOut.StringFixed(2),
		"current_out": reading.CurrentOut.StringFixed(3),
		"power":       reading.Power().String(),
	})

	if s.repo == nil || !s.cfg.Persist {
		return
	}
	select {
	case s.persistCh <- reading:
	default:
		s.logger.Warn("Persist queue full, reading dropped", zap.String("id", reading.ID.String()))
	}
}

func (s *MonitorService) persistLoop(quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case reading := <-s.persistCh:
			writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.repo.Create(writeCtx, &reading); err != nil {
				s.logger.Error("Failed to persist reading", zap.Error(err))
			}
			cancel()
		}
	}
}

func (s *MonitorService) reset() {
	s.polling = false
	s.step = 0
	s.inFlight = protocol.KindNone
	s.pendingSet = nil
	s.cycle = model.Reading{}
	s.stopWake()
}

func (s *MonitorService) scheduleWake(d time.Duration) {
	s.stopWake()
	if d <= 0 {
		d = time.Millisecond
	}
	s.wake = time.NewTimer(d)
	s.wakeC = s.wake.C
}

func (s *MonitorService) stopWake() {
	if s.wake != nil {
		s.wake.Stop()
	}
	s.wake = nil
	s.wakeC = nil
}

func (s *MonitorService) updateSnapshot(fn func(*model.Snapshot)) {
	s.mu.Lock()
	fn(&s.snapshot)
	s.snapshot.UpdatedAt = time.Now()
	s.mu.Unlock()
}

func (s *MonitorService) publish(eventType model.EventType, port, severity string, data model.JSONObject) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(model.DeviceEvent{
		EventType: eventType,
		Port:      port,
		Data:      data,
		Timestamp: time.Now(),
		Source:    "monitor",
		Severity:  severity,
	})
}

type nopReadingObserver struct{}

func (nopReadingObserver) ObserveReading(*model.Reading) {}
