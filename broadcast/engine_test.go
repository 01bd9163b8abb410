package broadcast

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicegate/arbiter"
	"github.com/c360/devicegate/connection"
	"github.com/c360/devicegate/errors"
	"github.com/c360/devicegate/message"
	"github.com/c360/devicegate/metric"
	"github.com/c360/devicegate/pkg/timestamp"
	"github.com/c360/devicegate/state"
	tu "github.com/c360/devicegate/testutil"
)

type recordingSink struct {
	mu     sync.Mutex
	types  []message.Type
	frames [][]byte
}

func (s *recordingSink) Mirror(t message.Type, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = append(s.types, t)
	s.frames = append(s.frames, frame)
}

type fixture struct {
	registry *connection.Registry
	arbiter  *arbiter.Arbiter
	engine   *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg := connection.NewRegistry()
	arb := arbiter.New(reg, state.NewStore())
	opts = append([]Option{WithClock(timestamp.Fixed(1000))}, opts...)
	return &fixture{registry: reg, arbiter: arb, engine: New(reg, arb, opts...)}
}

func (f *fixture) open() (*connection.Connection, *tu.RecordingTransport) {
	tr := tu.NewRecordingTransport()
	return f.registry.Open(tr), tr
}

func (f *fixture) bindDevice(t *testing.T) (*connection.Connection, *tu.RecordingTransport) {
	t.Helper()
	c, tr := f.open()
	_, err := f.arbiter.Bind(c.ID(), "esp-1")
	require.NoError(t, err)
	return c, tr
}

var thresholdMsg = message.Outbound{Type: message.TypeThresholdUpdated, Data: message.ThresholdUpdated{Threshold: 22.5}}

func TestToMonitors_ExcludesDevice(t *testing.T) {
	f := newFixture(t)
	_, deviceTr := f.bindDevice(t)
	_, m1 := f.open()
	_, m2 := f.open()

	sent := f.engine.ToMonitors(thresholdMsg)

	assert.Equal(t, 2, sent)
	assert.Empty(t, deviceTr.Frames(), "device never receives monitor broadcasts")
	for _, tr := range []*tu.RecordingTransport{m1, m2} {
		frame, ok := tr.Last()
		require.True(t, ok)
		assert.Equal(t, "threshold_updated", frame.Type)
		assert.Equal(t, int64(1000), frame.Timestamp)
		assert.JSONEq(t, `{"threshold":22.5}`, string(frame.Data))
	}
}

func TestToMonitors_NoDeviceBoundReachesEveryone(t *testing.T) {
	f := newFixture(t)
	_, a := f.open()
	_, b := f.open()

	assert.Equal(t, 2, f.engine.ToMonitors(thresholdMsg))
	assert.Len(t, a.Frames(), 1)
	assert.Len(t, b.Frames(), 1)
}

func TestToMonitors_PrunesFailedAndContinues(t *testing.T) {
	f := newFixture(t)
	_, first := f.open()
	broken, brokenTr := f.open()
	_, last := f.open()

	brokenTr.FailSends(errors.ErrSendBufferFull)

	var cause error
	f.registry.OnUnregister(func(_ *connection.Connection, c error) { cause = c })

	sent := f.engine.ToMonitors(thresholdMsg)

	assert.Equal(t, 2, sent)
	assert.Len(t, first.Frames(), 1)
	assert.Len(t, last.Frames(), 1, "delivery continues past a failed peer")
	_, ok := f.registry.Get(broken.ID())
	assert.False(t, ok)
	assert.True(t, brokenTr.Closed())
	assert.ErrorIs(t, cause, errors.ErrTransport)
}

func TestToMonitors_SkipsClosedTransports(t *testing.T) {
	f := newFixture(t)
	gone, goneTr := f.open()
	_, ok := f.open()
	goneTr.Drop()

	assert.Equal(t, 1, f.engine.ToMonitors(thresholdMsg))
	_, present := f.registry.Get(gone.ID())
	assert.False(t, present)
	assert.Len(t, ok.Frames(), 1)
}

func TestToDevice(t *testing.T) {
	f := newFixture(t)
	_, monitor := f.open()

	cmd := message.Outbound{Type: message.TypeFanControl, Data: message.FanControl{State: true, Mode: "manual"}}
	assert.False(t, f.engine.ToDevice(cmd), "no device bound is a no-op")
	assert.Empty(t, monitor.Frames())

	_, deviceTr := f.bindDevice(t)
	assert.True(t, f.engine.ToDevice(cmd))
	assert.Equal(t, []string{"fan_control"}, deviceTr.Types())
	assert.Empty(t, monitor.Frames())
}

func TestToDevice_FailurePrunesAndReleasesSlot(t *testing.T) {
	f := newFixture(t)
	device, deviceTr := f.bindDevice(t)
	deviceTr.FailSends(errors.ErrSendBufferFull)

	var released []arbiter.Release
	f.arbiter.OnRelease(func(r arbiter.Release) { released = append(released, r) })

	assert.False(t, f.engine.ToDevice(thresholdMsg))
	assert.False(t, f.arbiter.IsBoundConnection(device.ID()))
	require.Len(t, released, 1)
	assert.ErrorIs(t, released[0].Cause, errors.ErrTransport)
}

func TestToAll(t *testing.T) {
	f := newFixture(t)
	_, deviceTr := f.bindDevice(t)
	_, monitor := f.open()

	assert.Equal(t, 2, f.engine.ToAll(thresholdMsg))
	assert.Len(t, deviceTr.Frames(), 1)
	assert.Len(t, monitor.Frames(), 1)
}

func TestToOne(t *testing.T) {
	f := newFixture(t)
	a, aTr := f.open()
	_, bTr := f.open()

	require.NoError(t, f.engine.ToOne(a.ID(), thresholdMsg))
	assert.Len(t, aTr.Frames(), 1)
	assert.Empty(t, bTr.Frames())

	err := f.engine.ToOne(connection.ID(999), thresholdMsg)
	assert.ErrorIs(t, err, errors.ErrUnknownConnection)

	aTr.FailSends(errors.ErrSendBufferFull)
	err = f.engine.ToOne(a.ID(), thresholdMsg)
	assert.ErrorIs(t, err, errors.ErrTransport)
	_, ok := f.registry.Get(a.ID())
	assert.False(t, ok)
}

func TestSink_MirrorsMonitorAudienceOnly(t *testing.T) {
	sink := &recordingSink{}
	f := newFixture(t, WithSink(sink))
	f.open()
	f.bindDevice(t)

	f.engine.ToMonitors(thresholdMsg)
	f.engine.ToDevice(message.Outbound{Type: message.TypeThresholdUpdate, Data: message.ThresholdUpdate{Threshold: 22.5}})
	_ = f.engine.ToOne(1, thresholdMsg)
	f.engine.ToAll(message.Outbound{Type: message.TypeDeviceStatus, Data: message.DeviceStatus{Status: state.StatusOnline}})

	assert.Equal(t, []message.Type{message.TypeThresholdUpdated, message.TypeDeviceStatus}, sink.types)
}

func TestSink_MirrorsWithoutRecipients(t *testing.T) {
	sink := &recordingSink{}
	f := newFixture(t)
	f.engine.AddSink(sink)

	assert.Equal(t, 0, f.engine.ToMonitors(thresholdMsg))
	assert.Len(t, sink.types, 1)
}

func TestEngine_Metrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	f := newFixture(t, WithMetrics(reg))
	_, m := f.open()
	_, broken := f.open()
	broken.FailSends(errors.ErrSendBufferFull)

	f.engine.ToMonitors(thresholdMsg)
	f.engine.ToDevice(thresholdMsg)

	em := f.engine.metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(em.sent.WithLabelValues(AudienceMonitors)))
	assert.Equal(t, 1.0, testutil.ToFloat64(em.pruned))
	assert.Equal(t, 1.0, testutil.ToFloat64(em.dropped))
	assert.Equal(t, float64(len(m.Raw()[0])), testutil.ToFloat64(em.bytes))
}
