package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"psu-service/internal/config"
	"psu-service/internal/link"
	"psu-service/internal/model"
	"psu-service/internal/protocol"
)

type sentRequest struct {
	kind  protocol.Kind
	value decimal.Decimal
}

type fakeEngine struct {
	events   chan protocol.Event
	requests chan sentRequest

	mu  sync.Mutex
	err error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		events:   make(chan protocol.Event, 16),
		requests: make(chan sentRequest, 16),
	}
}

func (e *fakeEngine) Events() <-chan protocol.Event { return e.events }

func (e *fakeEngine) RequestValue(kind protocol.Kind, value decimal.Decimal) error {
	e.mu.Lock()
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.requests <- sentRequest{kind, value}
	return nil
}

func (e *fakeEngine) failWith(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func (e *fakeEngine) expect(t *testing.T, kind protocol.Kind) sentRequest {
	t.Helper()
	select {
	case r := <-e.requests:
		require.Equal(t, kind, r.kind, "got %s, want %s", r.kind, kind)
		return r
	case <-time.After(time.Second):
		t.Fatalf("no %s request", kind)
		return sentRequest{}
	}
}

func (e *fakeEngine) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case r := <-e.requests:
		t.Fatalf("unexpected %s request", r.kind)
	case <-time.After(wait):
	}
}

func (e *fakeEngine) answer(kind protocol.Kind, data string) {
	e.events <- protocol.Event{Type: protocol.EventAnswer, Port: "ttyACM0", Kind: kind, Data: []byte(data)}
}

type fakeLink struct {
	mu     sync.Mutex
	closes int
	stats  link.Stats
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	return nil
}

func (l *fakeLink) Stats() link.Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

type fakeRepo struct {
	created chan model.Reading
}

func (r *fakeRepo) Create(_ context.Context, reading *model.Reading) error {
	r.created <- *reading
	return nil
}

func (r *fakeRepo) List(context.Context, *model.ReadingFilter) ([]*model.Reading, error) {
	return nil, nil
}

func (r *fakeRepo) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []model.DeviceEvent
}

func (p *fakePublisher) Publish(ev model.DeviceEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *fakePublisher) types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.EventType
	for _, ev := range p.events {
		out = append(out, ev.EventType)
	}
	return out
}

type monitorBench struct {
	svc    *MonitorService
	engine *fakeEngine
	link   *fakeLink
	repo   *fakeRepo
	pub    *fakePublisher
}

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		Enabled:    true,
		RetryDelay: 20 * time.Millisecond,
		MaxVoltage: "30",
		Persist:    true,
	}
}

func newMonitorBench(t *testing.T, cfg config.MonitorConfig) *monitorBench {
	t.Helper()
	b := &monitorBench{
		engine: newFakeEngine(),
		link:   &fakeLink{stats: link.Stats{State: model.ConnectionStateOpen, Port: "ttyACM0", Reconnects: 2}},
		repo:   &fakeRepo{created: make(chan model.Reading, 4)},
		pub:    &fakePublisher{},
	}
	svc, err := NewMonitorService(b.engine, b.link, b.repo, b.pub, &cfg, zap.NewNop())
	require.NoError(t, err)
	b.svc = svc

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-svc.Done()
	})
	return b
}

func (b *monitorBench) identify(t *testing.T) {
	t.Helper()
	b.engine.events <- protocol.Event{Type: protocol.EventOpened, Port: "ttyACM0"}
	b.engine.events <- protocol.Event{
		Type:     protocol.EventIdentityConfirmed,
		Port:     "ttyACM0",
		Identity: protocol.Identity{Raw: "KORAD KA3005P V5.8 SN:03379314", Model: "KA3005P"},
	}
}

// runCycle answers one full polling cycle
func (b *monitorBench) runCycle(t *testing.T) {
	t.Helper()
	b.engine.expect(t, protocol.KindVoltageSetQuery)
	b.engine.answer(protocol.KindVoltageSetQuery, "12.00")
	b.engine.expect(t, protocol.KindCurrentSetQuery)
	b.engine.answer(protocol.KindCurrentSetQuery, "1.500")
	b.engine.expect(t, protocol.KindVoltageOutQuery)
	b.engine.answer(protocol.KindVoltageOutQuery, "11.98")
	b.engine.expect(t, protocol.KindCurrentOutQuery)
	b.engine.answer(protocol.KindCurrentOutQuery, "0.250")
	b.engine.expect(t, protocol.KindStatus)
	b.engine.answer(protocol.KindStatus, "\x41")
}

func TestMonitor_PollingCycle(t *testing.T) {
	b := newMonitorBench(t, testMonitorConfig())
	b.identify(t)
	b.runCycle(t)

	select {
	case r := <-b.repo.created:
		assert.Equal(t, "12", r.VoltageSet.String())
		assert.Equal(t, "1.5", r.CurrentSet.String())
		assert.Equal(t, "11.98", r.VoltageOut.String())
		assert.Equal(t, "0.25", r.CurrentOut.String())
		require.NotNil(t, r.Status)
		assert.Equal(t, int16(0x41), *r.Status)
		assert.Equal(t, "ttyACM0", r.Port)
		assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", r.ID.String())
	case <-time.After(time.Second):
		t.Fatal("reading not persisted")
	}

	// next cycle starts immediately
	b.engine.expect(t, protocol.KindVoltageSetQuery)

	snap := b.svc.GetSnapshot()
	assert.True(t, snap.Verified)
	assert.True(t, snap.IsOnline())
	assert.Equal(t, int64(2), snap.Reconnects)
	require.NotNil(t, snap.Reading)
	assert.Equal(t, "11.98", snap.Reading.VoltageOut.String())
	require.NotNil(t, snap.Status)
	assert.Equal(t, model.OutputModeCV, snap.Status.Mode)
	assert.True(t, snap.Status.OutputEnabled)

	assert.Contains(t, b.pub.types(), model.EventReading)
	assert.Contains(t, b.pub.types(), model.EventIdentityConfirmed)
}

func TestMonitor_TimeoutRetriesSameQuery(t *testing.T) {
	b := newMonitorBench(t, testMonitorConfig())
	b.identify(t)

	b.engine.expect(t, protocol.KindVoltageSetQuery)
	b.engine.answer(protocol.KindVoltageSetQuery, "12.00")
	b.engine.expect(t, protocol.KindCurrentSetQuery)
	b.engine.events <- protocol.Event{Type: protocol.EventAnswerTimeout, Port: "ttyACM0", Kind: protocol.KindCurrentSetQuery}

	b.engine.expect(t, protocol.KindCurrentSetQuery)
	assert.Equal(t, int64(1), b.svc.GetSnapshot().Timeouts)
	assert.Contains(t, b.pub.types(), model.EventAnswerTimeout)
}

func TestMonitor_MalformedAnswerRetries(t *testing.T) {
	b := newMonitorBench(t, testMonitorConfig())
	b.identify(t)

	b.engine.expect(t, protocol.KindVoltageSetQuery)
	b.engine.answer(protocol.KindVoltageSetQuery, "1?.0x")
	b.engine.expect(t, protocol.KindVoltageSetQuery)
}

func TestMonitor_SetVoltageBetweenExchanges(t *testing.T) {
	b := newMonitorBench(t, testMonitorConfig())
	b.identify(t)

	b.engine.expect(t, protocol.KindVoltageSetQuery)
	require.Eventually(t, func() bool { return b.svc.GetSnapshot().Verified }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.svc.SetVoltage(decimal.RequireFromString("5")))
	b.engine.expectNone(t, 30*time.Millisecond)

	b.engine.answer(protocol.KindVoltageSetQuery, "12.00")
	set := b.engine.expect(t, protocol.KindVoltageSet)
	assert.Equal(t, "5.00", set.value.StringFixed(2))

	b.engine.answer(protocol.KindVoltageSet, "")
	b.engine.expect(t, protocol.KindCurrentSetQuery)
}

func TestMonitor_SetVoltageValidation(t *testing.T) {
	b := newMonitorBench(t, testMonitorConfig())

	err := b.svc.SetVoltage(decimal.RequireFromString("5"))
	assert.ErrorIs(t, err, ErrNotReady)

	err = b.svc.SetVoltage(decimal.RequireFromString("30.01"))
	assert.ErrorIs(t, err, ErrVoltageOutOfRange)

	err = b.svc.SetVoltage(decimal.RequireFromString("-1"))
	assert.ErrorIs(t, err, ErrVoltageOutOfRange)
}

func TestMonitor_ClosedResets(t *testing.T) {
	b := newMonitorBench(t, testMonitorConfig())
	b.identify(t)
	b.engine.expect(t, protocol.KindVoltageSetQuery)

	b.engine.events <- protocol.Event{Type: protocol.EventClosed, Port: "ttyACM0"}
	require.Eventually(t, func() bool { return !b.svc.GetSnapshot().Verified }, time.Second, 5*time.Millisecond)

	// a late answer for the abandoned exchange is ignored
	b.engine.answer(protocol.KindVoltageSetQuery, "12.00")
	b.engine.expectNone(t, 50*time.Millisecond)

	snap := b.svc.GetSnapshot()
	assert.Nil(t, snap.Reading)
	assert.Empty(t, snap.Identity)
	assert.ErrorIs(t, b.svc.SetVoltage(decimal.NewFromInt(1)), ErrNotReady)
}

func TestMonitor_PollIntervalWaits(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.PollInterval = 80 * time.Millisecond
	b := newMonitorBench(t, cfg)
	b.identify(t)
	b.runCycle(t)

	b.engine.expectNone(t, 40*time.Millisecond)
	b.engine.expect(t, protocol.KindVoltageSetQuery)
}

func TestMonitor_DisabledOnlyTracksState(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.Enabled = false
	b := newMonitorBench(t, cfg)
	b.identify(t)

	b.engine.expectNone(t, 50*time.Millisecond)
	assert.True(t, b.svc.GetSnapshot().Verified)
}

func TestMonitor_QueueErrorRetries(t *testing.T) {
	b := newMonitorBench(t, testMonitorConfig())
	b.engine.failWith(link.ErrQueueFull)
	b.identify(t)

	b.engine.expectNone(t, 10*time.Millisecond)
	b.engine.failWith(nil)
	b.engine.expect(t, protocol.KindVoltageSetQuery)
}

func TestMonitor_ReconnectAndHistory(t *testing.T) {
	b := newMonitorBench(t, testMonitorConfig())
	require.NoError(t, b.svc.Reconnect())
	assert.Equal(t, 1, b.link.closes)

	_, err := b.svc.ListReadings(context.Background(), &model.ReadingFilter{})
	require.NoError(t, err)

	noRepo, err := NewMonitorService(newFakeEngine(), b.link, nil, nil, &config.MonitorConfig{MaxVoltage: "30"}, zap.NewNop())
	require.NoError(t, err)
	_, err = noRepo.ListReadings(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrHistoryDisabled))
}

func TestNewMonitorService_InvalidMaxVoltage(t *testing.T) {
	_, err := NewMonitorService(newFakeEngine(), &fakeLink{}, nil, nil, &config.MonitorConfig{MaxVoltage: "abc"}, zap.NewNop())
	assert.Error(t, err)
}
