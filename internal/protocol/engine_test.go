package protocol

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"psu-service/internal/model"
)

func TestEngine_SettleDelayBeforeIdentity(t *testing.T) {
	cfg := DefaultConfig()
	e, tr := newTestEngine(t, cfg)

	openPort(t, e, tr)
	assert.Empty(t, tr.writes)
	assert.True(t, tr.armed)
	assert.Equal(t, cfg.SettleDelay, tr.deadline)

	tr.fire()
	assert.Equal(t, []string{"*IDN?"}, tr.writes)
	assert.True(t, tr.armed)
	assert.Equal(t, cfg.IdentityTimeout, tr.deadline)
}

func TestEngine_IdentityConfirmed(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	verifyDevice(t, e, tr)

	id, ok := e.Identity()
	require.True(t, ok)
	assert.Equal(t, "KA3005P", id.Model)
	assert.Equal(t, "00000001", id.Serial)
	assert.Empty(t, tr.reconnects)
}

func TestEngine_IdentityWaitsForDeadline(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	openPort(t, e, tr)

	tr.handler.DataArrived([]byte("KORAD KA30"))
	tr.handler.DataArrived([]byte("05P V4.2 SN:00000001"))
	requireNoEvent(t, e)
	assert.True(t, tr.armed)

	tr.fire()
	ev := nextEvent(t, e)
	assert.Equal(t, EventAnswer, ev.Type)
	assert.Equal(t, "KORAD KA3005P V4.2 SN:00000001", string(ev.Data))
	assert.Equal(t, EventIdentityConfirmed, nextEvent(t, e).Type)
}

func TestEngine_UnrecognizedIdentityCloses(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	openPort(t, e, tr)

	tr.handler.DataArrived([]byte("TENMA 72-2540 V2.1"))
	tr.fire()

	ev := nextEvent(t, e)
	assert.Equal(t, EventAnswer, ev.Type)
	assert.Equal(t, EventClosed, nextEvent(t, e).Type)
	require.Len(t, tr.reconnects, 1)
	assert.ErrorIs(t, tr.reconnects[0], ErrUnrecognizedDevice)
	assert.False(t, e.Verified())
}

func TestEngine_SilentDeviceCloses(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	openPort(t, e, tr)

	tr.fire()

	ev := nextEvent(t, e)
	assert.Equal(t, EventAnswer, ev.Type)
	assert.Empty(t, ev.Data)
	assert.Equal(t, EventClosed, nextEvent(t, e).Type)
	assert.Len(t, tr.reconnects, 1)
}

func TestEngine_RequestBeforeVerifiedIgnored(t *testing.T) {
	e, tr := newTestEngine(t, DefaultConfig())
	openPort(t, e, tr)

	for _, kind := range []Kind{KindStatus, KindVoltageOutQuery, KindVoltageSet} {
		require.NoError(t, e.Request(kind))
	}
	assert.Empty(t, tr.writes)
	assert.Equal(t, DefaultSettleDelay, tr.deadline)
	requireNoEvent(t, e)
}

func TestEngine_KnownLengthAnswer(t *testing.T) {
	kinds := []Kind{KindVoltageSetQuery, KindVoltageOutQuery, KindCurrentSetQuery, KindCurrentOutQuery}

	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			e, tr := newTestEngine(t, testEngineConfig())
			verifyDevice(t, e, tr)

			require.NoError(t, e.Request(kind))
			wire, _ := Encode(kind, decimal.Zero)
			assert.Equal(t, []string{string(wire)}, tr.writes)
			assert.Equal(t, DefaultAnswerTimeout, tr.deadline)

			tr.handler.DataArrived([]byte("12."))
			requireNoEvent(t, e)
			tr.handler.DataArrived([]byte("34"))

			ev := nextEvent(t, e)
			assert.Equal(t, EventAnswer, ev.Type)
			assert.Equal(t, kind, ev.Kind)
			assert.Equal(t, "12.34", string(ev.Data))
			assert.False(t, tr.armed)

			tr.fire()
			requireNoEvent(t, e)
		})
	}
}

func TestEngine_StatusAnswer(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	verifyDevice(t, e, tr)

	require.NoError(t, e.Request(KindStatus))
	tr.handler.DataArrived([]byte{0x41})

	ev := nextEvent(t, e)
	assert.Equal(t, KindStatus, ev.Kind)
	assert.Equal(t, []byte{0x41}, ev.Data)
}

func TestEngine_ShortAnswerTimesOut(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	verifyDevice(t, e, tr)

	require.NoError(t, e.Request(KindVoltageOutQuery))
	tr.handler.DataArrived([]byte("12.3"))
	tr.fire()

	ev := nextEvent(t, e)
	assert.Equal(t, EventAnswerTimeout, ev.Type)
	assert.Equal(t, KindVoltageOutQuery, ev.Kind)
	requireNoEvent(t, e)

	// the late byte belongs to nobody
	tr.handler.DataArrived([]byte("4"))
	requireNoEvent(t, e)
	assert.Contains(t, tr.recorder.messages, "Timeout")
}

func TestEngine_SameKindIsNoOp(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	verifyDevice(t, e, tr)

	require.NoError(t, e.Request(KindCurrentOutQuery))
	tr.handler.DataArrived([]byte("0.1"))
	discards := tr.discards

	require.NoError(t, e.Request(KindCurrentOutQuery))
	assert.Len(t, tr.writes, 1)
	assert.Equal(t, discards, tr.discards)
	assert.True(t, tr.armed)

	tr.handler.DataArrived([]byte("23"))
	ev := nextEvent(t, e)
	assert.Equal(t, "0.123", string(ev.Data))
}

func TestEngine_DifferentKindReplacesTracking(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	verifyDevice(t, e, tr)

	require.NoError(t, e.Request(KindVoltageOutQuery))
	tr.handler.DataArrived([]byte("12"))
	require.NoError(t, e.Request(KindCurrentOutQuery))
	assert.Equal(t, []string{"VOUT1?", "IOUT1?"}, tr.writes)

	tr.handler.DataArrived([]byte("1.500"))
	ev := nextEvent(t, e)
	assert.Equal(t, KindCurrentOutQuery, ev.Kind)
	assert.Equal(t, "1.500", string(ev.Data))
}

func TestEngine_SetVoltage(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	verifyDevice(t, e, tr)

	require.NoError(t, e.RequestValue(KindVoltageSet, decimal.RequireFromString("12.5")))
	assert.Equal(t, []string{"VSET1:12.50"}, tr.writes)
	assert.False(t, tr.armed)

	ev := nextEvent(t, e)
	assert.Equal(t, EventAnswer, ev.Type)
	assert.Equal(t, KindVoltageSet, ev.Kind)
	assert.Empty(t, ev.Data)

	// idle again, so the next query goes out
	require.NoError(t, e.Request(KindVoltageSetQuery))
	assert.Len(t, tr.writes, 2)
}

func TestEngine_SetVoltageFlushTimeoutStillAnswers(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	verifyDevice(t, e, tr)
	tr.flushErr = errors.New("flush timeout")

	require.NoError(t, e.RequestValue(KindVoltageSet, decimal.NewFromInt(5)))
	ev := nextEvent(t, e)
	assert.Equal(t, EventAnswer, ev.Type)
	assert.Equal(t, KindVoltageSet, ev.Kind)
}

func TestEngine_RequestsWaitForFlush(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	verifyDevice(t, e, tr)
	tr.holdFlush = true

	require.NoError(t, e.RequestValue(KindVoltageSet, decimal.NewFromInt(5)))
	require.NotNil(t, tr.flushDone)

	// nothing else goes out while the set command is still leaving the port
	require.NoError(t, e.Request(KindVoltageOutQuery))
	require.NoError(t, e.RequestValue(KindVoltageSet, decimal.NewFromInt(6)))
	require.NoError(t, e.RequestValue(KindVoltageSet, decimal.NewFromInt(7)))
	assert.Equal(t, []string{"VSET1:5.00"}, tr.writes)
	requireNoEvent(t, e)

	done := tr.flushDone
	tr.flushDone = nil
	done(nil)

	ev := nextEvent(t, e)
	assert.Equal(t, KindVoltageSet, ev.Kind)
	assert.Empty(t, ev.Data)
	// held requests go out in arrival order and a repeated kind keeps its last value
	assert.Equal(t, []string{"VSET1:5.00", "VOUT1?", "VSET1:7.00"}, tr.writes)
}

func TestEngine_StaleFlushIgnored(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	verifyDevice(t, e, tr)
	tr.holdFlush = true

	require.NoError(t, e.RequestValue(KindVoltageSet, decimal.NewFromInt(5)))
	stale := tr.flushDone

	tr.open = false
	tr.handler.PortClosed(tr.port)
	assert.Equal(t, EventClosed, nextEvent(t, e).Type)

	stale(nil)
	requireNoEvent(t, e)
}

func TestEngine_InertKindsRejected(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	verifyDevice(t, e, tr)

	for _, kind := range []Kind{KindOutputOn, KindOVPOn, KindCurrentSet, KindRecall} {
		err := e.RequestValue(kind, decimal.NewFromInt(1))
		assert.ErrorIs(t, err, ErrNotEncodable)
	}
	assert.Empty(t, tr.writes)

	err := e.RequestValue(KindVoltageSet, decimal.NewFromInt(-3))
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestEngine_ClosedClearsState(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	verifyDevice(t, e, tr)

	require.NoError(t, e.Request(KindVoltageOutQuery))
	tr.handler.DataArrived([]byte("1"))

	tr.open = false
	tr.CancelDeadline()
	tr.handler.PortClosed(tr.port)

	ev := nextEvent(t, e)
	assert.Equal(t, EventClosed, ev.Type)
	assert.False(t, e.Verified())
	_, ok := e.Identity()
	assert.False(t, ok)

	tr.handler.DataArrived([]byte("2.345"))
	requireNoEvent(t, e)
}

func TestEngine_RequestWhileClosedClears(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	verifyDevice(t, e, tr)

	tr.open = false
	require.NoError(t, e.Request(KindVoltageOutQuery))
	assert.Empty(t, tr.writes)
	requireNoEvent(t, e)
}

func TestEngine_WriteFailureLeavesIdle(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	verifyDevice(t, e, tr)

	tr.writeErr = errors.New("i/o error")
	require.NoError(t, e.Request(KindVoltageOutQuery))
	assert.False(t, tr.armed)

	tr.writeErr = nil
	require.NoError(t, e.Request(KindVoltageOutQuery))
	assert.Equal(t, []string{"VOUT1?"}, tr.writes)
}

func TestEngine_UnsolicitedDataDiscarded(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	verifyDevice(t, e, tr)

	tr.handler.DataArrived([]byte("garbage"))
	requireNoEvent(t, e)

	require.NoError(t, e.Request(KindVoltageOutQuery))
	tr.handler.DataArrived([]byte("05.00"))
	assert.Equal(t, "05.00", string(nextEvent(t, e).Data))
}

func TestEngine_Stop(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	verifyDevice(t, e, tr)

	require.NoError(t, e.Request(KindVoltageOutQuery))
	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())

	assert.False(t, tr.armed)
	assert.ErrorIs(t, e.Request(KindStatus), ErrStopped)
	assert.Len(t, tr.writes, 1)
}

func TestEngine_TrafficRecorded(t *testing.T) {
	e, tr := newTestEngine(t, testEngineConfig())
	verifyDevice(t, e, tr)

	require.NoError(t, e.Request(KindVoltageOutQuery))
	tr.handler.DataArrived([]byte("12.34"))
	nextEvent(t, e)

	frames := tr.recorder.frames
	require.Len(t, frames, 4)
	assert.Equal(t, recordedFrame{"*IDN?", model.DirectionTX}, frames[0])
	assert.Equal(t, recordedFrame{"KORAD KA3005P V4.2 SN:00000001", model.DirectionRX}, frames[1])
	assert.Equal(t, recordedFrame{"VOUT1?", model.DirectionTX}, frames[2])
	assert.Equal(t, recordedFrame{"12.34", model.DirectionRX}, frames[3])
}
