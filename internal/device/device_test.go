package device

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/capability"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/simulator"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/transport"
)

func testLogger() *log.Logger {
	return log.New(&bytes.Buffer{}, "", 0)
}

type fakeDriver struct {
	caps        capability.Set
	verifyErr   error
	verifyBlock bool
	attachErr   error
	attachBlock bool

	mu       sync.Mutex
	emit     transport.Sink
	detached int
}

func (f *fakeDriver) Capabilities() capability.Set {
	return f.caps
}

func (f *fakeDriver) Verify(ctx context.Context, link bt.Link, services bt.ServiceSet) error {
	if f.verifyBlock {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.verifyErr
}

func (f *fakeDriver) Attach(ctx context.Context, link bt.Link, services bt.ServiceSet, emit transport.Sink) error {
	if f.attachBlock {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.attachErr != nil {
		return f.attachErr
	}
	f.mu.Lock()
	f.emit = emit
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) Detach(ctx context.Context, link bt.Link) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached++
	return nil
}

func (f *fakeDriver) Controller() transport.Controller {
	return nil
}

func (f *fakeDriver) send(c capability.Capability, v float64) {
	f.mu.Lock()
	emit := f.emit
	f.mu.Unlock()
	if emit != nil {
		emit(transport.Sample{Capability: c, Value: v, At: time.Now()})
	}
}

func (f *fakeDriver) detachCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detached
}

type fakeRig struct {
	peripheral *bt.MockPeripheral
	radio      *bt.MockRadio
	drivers    []*fakeDriver
	device     *PhysicalDevice
}

func newFakeRig(t *testing.T, cfg Config, drivers ...*fakeDriver) *fakeRig {
	t.Helper()
	logger := testLogger()
	p := bt.NewMockPeripheral(logger, "dev-1", "Combo")
	radio := bt.NewMockRadio(logger, p)
	var transports []*transport.Transport
	for i, d := range drivers {
		transports = append(transports, transport.New(string(rune('a'+i)), "dev-1", d, logger))
	}
	return &fakeRig{
		peripheral: p,
		radio:      radio,
		drivers:    drivers,
		device:     NewWithTransports("dev-1", "Combo", radio, cfg, logger, transports...),
	}
}

func simDevice(t *testing.T, fleet *simulator.Fleet, address string) *PhysicalDevice {
	t.Helper()
	logger := testLogger()
	p := fleet.Peripheral(address)
	require.NotNil(t, p)
	cfg := transport.DefaultDriverConfig()
	cfg.RefreshInterval = 0
	registry := transport.NewDefaultRegistry(logger, cfg)
	return New(p.Mock().Advertisement(), registry, fleet.Radio(), DefaultConfig(), logger)
}

func reading(t *testing.T, d *PhysicalDevice, c capability.Capability) Reading {
	t.Helper()
	stream, ok := d.Stream(c)
	require.True(t, ok, "no %s stream", c)
	return stream.Get()
}

func TestConnect_TrainerWithPowerService(t *testing.T) {
	fleet := simulator.DefaultFleet(testLogger())
	d := simDevice(t, fleet, "SIM:TR:00:00:00:01")

	require.NoError(t, d.Connect(context.Background()))
	defer d.Close(context.Background())

	assert.Equal(t, Connected, d.State())
	require.Len(t, d.Transports(), 2)
	assert.Equal(t, transport.FitnessMachine, d.Transports()[0].Name())
	assert.Equal(t, transport.CyclingPower, d.Transports()[1].Name())
	assert.Equal(t, capability.Of(capability.Power, capability.Cadence, capability.Speed,
		capability.ErgControl, capability.SimulationControl), d.Capabilities())

	for _, c := range []capability.Capability{capability.Power, capability.Cadence} {
		src, ok := d.Source(c)
		require.True(t, ok)
		assert.Equal(t, transport.FitnessMachine, src.Name(), c.String())
	}
	_, ok := d.Stream(capability.HeartRate)
	assert.False(t, ok)
	assert.Equal(t, 1, fleet.Peripheral("SIM:TR:00:00:00:01").Mock().ConnectCount())

	fleet.Tick(time.Now())
	assert.Eventually(t, func() bool {
		r := reading(t, d, capability.Power)
		return r.Valid && r.Value == 100
	}, time.Second, 10*time.Millisecond)
}

func TestConnect_RegistryOrderWinsOverAttachTiming(t *testing.T) {
	fleet := simulator.DefaultFleet(testLogger())
	mock := fleet.Peripheral("SIM:TR:00:00:00:01").Mock()
	mock.SetSubscribeDelay(bt.ServiceUUIDFTMS, bt.CharUUIDIndoorBikeData, 200*time.Millisecond)
	d := simDevice(t, fleet, "SIM:TR:00:00:00:01")

	connected := make(chan error, 1)
	go func() { connected <- d.Connect(context.Background()) }()

	// cycling power is attached while the fitness machine is still subscribing
	require.Eventually(t, func() bool {
		return mock.Subscribed(bt.ServiceUUIDCyclingPower, bt.CharUUIDCyclingPowerMeasurement) &&
			!mock.Subscribed(bt.ServiceUUIDFTMS, bt.CharUUIDIndoorBikeData)
	}, time.Second, 5*time.Millisecond)

	select {
	case err := <-connected:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not finish")
	}
	defer d.Close(context.Background())

	for _, c := range []capability.Capability{capability.Power, capability.Cadence} {
		src, ok := d.Source(c)
		require.True(t, ok)
		assert.Equal(t, transport.FitnessMachine, src.Name(), c.String())
	}
	assert.Equal(t, transport.FitnessMachine, d.Transports()[0].Name())
}

func TestConnect_TrainerWithHeartRateService(t *testing.T) {
	fleet, err := simulator.NewFleet(testLogger(), simulator.PeripheralConfig{
		Address:    "combo",
		Name:       "Trainer with HR",
		Profiles:   []string{transport.FitnessMachine, transport.HeartRate},
		Handshake:  ftms.HandshakeStrict,
		PowerRange: ftms.PowerRange{Max: 1500, Increment: 1},
	})
	require.NoError(t, err)
	d := simDevice(t, fleet, "combo")

	require.NoError(t, d.Connect(context.Background()))
	defer d.Close(context.Background())

	require.Len(t, d.Transports(), 2)
	assert.Equal(t, capability.Of(capability.Power, capability.Cadence, capability.Speed,
		capability.ErgControl, capability.SimulationControl, capability.HeartRate), d.Capabilities())
	src, ok := d.Source(capability.HeartRate)
	require.True(t, ok)
	assert.Equal(t, transport.HeartRate, src.Name())
}

func TestConnect_FeatureUnreadableFallsBackToPowerService(t *testing.T) {
	fleet := simulator.DefaultFleet(testLogger())
	trainer := fleet.Peripheral("SIM:TR:00:00:00:01")
	trainer.Mock().SetReadError(bt.ServiceUUIDFTMS, bt.CharUUIDFTMSFeature, errors.New("gatt error"))
	d := simDevice(t, fleet, trainer.Address())

	require.NoError(t, d.Connect(context.Background()))
	defer d.Close(context.Background())

	require.Len(t, d.Transports(), 1)
	assert.Equal(t, transport.CyclingPower, d.Transports()[0].Name())
	assert.True(t, d.Capabilities().Has(capability.Power))
	assert.False(t, d.Capabilities().Has(capability.ErgControl))

	err := d.SetTargetPower(context.Background(), 200)
	assert.ErrorIs(t, err, ErrControlUnsupported)
	_, ok := d.ControlSession()
	assert.False(t, ok)
}

func TestConnect_AllCandidatesFail(t *testing.T) {
	rig := newFakeRig(t, DefaultConfig(),
		&fakeDriver{caps: capability.Of(capability.Power), verifyErr: errors.New("nope")},
		&fakeDriver{caps: capability.Of(capability.HeartRate), attachErr: errors.New("subscribe failed")},
	)

	err := rig.device.Connect(context.Background())
	var noCompat *NoCompatibleTransportError
	require.ErrorAs(t, err, &noCompat)
	assert.Equal(t, "dev-1", noCompat.DeviceID)
	assert.Len(t, noCompat.Failures, 2)

	var verifyErr *transport.VerificationError
	assert.ErrorAs(t, err, &verifyErr)
	var attachErr *transport.AttachError
	assert.ErrorAs(t, err, &attachErr)

	assert.Equal(t, Disconnected, rig.device.State())
	assert.False(t, rig.peripheral.IsConnected())
	assert.True(t, rig.device.Capabilities().IsEmpty())
}

func TestConnect_NoCandidates(t *testing.T) {
	rig := newFakeRig(t, DefaultConfig())
	var noCompat *NoCompatibleTransportError
	assert.ErrorAs(t, rig.device.Connect(context.Background()), &noCompat)
	assert.Equal(t, 0, rig.peripheral.ConnectCount())
}

func TestConnect_SlowVerifyDoesNotBlockOthers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VerifyTimeout = 50 * time.Millisecond
	rig := newFakeRig(t, cfg,
		&fakeDriver{caps: capability.Of(capability.Power), verifyBlock: true},
		&fakeDriver{caps: capability.Of(capability.HeartRate)},
	)

	start := time.Now()
	require.NoError(t, rig.device.Connect(context.Background()))
	defer rig.device.Close(context.Background())

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, capability.Of(capability.HeartRate), rig.device.Capabilities())
	assert.Eventually(t, func() bool {
		return rig.device.candidates()[0].State() == transport.Rejected
	}, time.Second, 10*time.Millisecond)
}

func TestConnect_CancelTearsDownLink(t *testing.T) {
	rig := newFakeRig(t, DefaultConfig(),
		&fakeDriver{caps: capability.Of(capability.Power)},
		&fakeDriver{caps: capability.Of(capability.HeartRate), attachBlock: true},
	)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := rig.device.Connect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Disconnected, rig.device.State())
	assert.False(t, rig.peripheral.IsConnected())
	assert.Equal(t, 1, rig.drivers[0].detachCount())
	assert.True(t, rig.device.Capabilities().IsEmpty())
}

func TestConnect_RadioFailure(t *testing.T) {
	rig := newFakeRig(t, DefaultConfig(), &fakeDriver{caps: capability.Of(capability.Power)})
	rig.peripheral.SetConnectError(errors.New("out of range"))

	err := rig.device.Connect(context.Background())
	var discovery *bt.DiscoveryError
	assert.ErrorAs(t, err, &discovery)
	assert.Equal(t, Disconnected, rig.device.State())
}

func TestConflictResolution_LaterTransportSuppressed(t *testing.T) {
	first := &fakeDriver{caps: capability.Of(capability.Power, capability.Cadence)}
	second := &fakeDriver{caps: capability.Of(capability.Power, capability.Speed)}
	rig := newFakeRig(t, DefaultConfig(), first, second)
	require.NoError(t, rig.device.Connect(context.Background()))
	defer rig.device.Close(context.Background())

	second.send(capability.Power, 999)
	assert.False(t, reading(t, rig.device, capability.Power).Valid)

	first.send(capability.Power, 250)
	second.send(capability.Speed, 31)
	assert.Equal(t, 250.0, reading(t, rig.device, capability.Power).Value)
	assert.Equal(t, 31.0, reading(t, rig.device, capability.Speed).Value)

	// undeclared capability
	first.send(capability.HeartRate, 120)
	_, ok := rig.device.Stream(capability.HeartRate)
	assert.False(t, ok)
}

func TestDetachTransport_PromotesNextSource(t *testing.T) {
	first := &fakeDriver{caps: capability.Of(capability.Power, capability.Cadence)}
	second := &fakeDriver{caps: capability.Of(capability.Power)}
	rig := newFakeRig(t, DefaultConfig(), first, second)
	require.NoError(t, rig.device.Connect(context.Background()))
	defer rig.device.Close(context.Background())

	first.send(capability.Cadence, 90)
	require.NoError(t, rig.device.DetachTransport(context.Background(), "a"))
	assert.Equal(t, 1, first.detachCount())
	assert.Equal(t, capability.Of(capability.Power), rig.device.Capabilities())

	second.send(capability.Power, 180)
	assert.Equal(t, 180.0, reading(t, rig.device, capability.Power).Value)
	_, ok := rig.device.Stream(capability.Cadence)
	assert.False(t, ok)

	assert.ErrorIs(t, rig.device.DetachTransport(context.Background(), "a"), ErrUnknownTransport)

	require.NoError(t, rig.device.DetachTransport(context.Background(), "b"))
	assert.Equal(t, Disconnected, rig.device.State())
	assert.False(t, rig.peripheral.IsConnected())
}

func TestLinkLoss_DisconnectsAndInvalidates(t *testing.T) {
	drv := &fakeDriver{caps: capability.Of(capability.HeartRate)}
	rig := newFakeRig(t, DefaultConfig(), drv)
	require.NoError(t, rig.device.Connect(context.Background()))

	states := make(chan ConnectionState, 4)
	rig.device.StateObservable().Listen(func(s ConnectionState) { states <- s })
	<-states

	drv.send(capability.HeartRate, 140)
	require.True(t, reading(t, rig.device, capability.HeartRate).Valid)
	hr, _ := rig.device.Stream(capability.HeartRate)

	rig.peripheral.DropLink()
	select {
	case s := <-states:
		assert.Equal(t, Disconnected, s)
	case <-time.After(time.Second):
		t.Fatal("no disconnect after link loss")
	}
	assert.False(t, hr.Get().Valid)
	assert.Equal(t, 1, drv.detachCount())
	assert.Equal(t, transport.Unattached, rig.device.candidates()[0].State())
	assert.True(t, rig.device.Capabilities().IsEmpty())
	require.NoError(t, rig.device.Close(context.Background()))
}

func TestReconnect_ReusesSameDevice(t *testing.T) {
	drv := &fakeDriver{caps: capability.Of(capability.Power)}
	rig := newFakeRig(t, DefaultConfig(), drv)
	require.NoError(t, rig.device.Connect(context.Background()))
	require.NoError(t, rig.device.Disconnect(context.Background()))
	assert.False(t, rig.peripheral.IsConnected())
	assert.NoError(t, rig.device.Disconnect(context.Background()))

	require.NoError(t, rig.device.Connect(context.Background()))
	defer rig.device.Close(context.Background())
	assert.Equal(t, 2, rig.peripheral.ConnectCount())
	assert.Equal(t, Connected, rig.device.State())
}

func TestStaleness_InvalidatesQuietStreams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SensorStaleAfter = 50 * time.Millisecond
	drv := &fakeDriver{caps: capability.Of(capability.Cadence)}
	rig := newFakeRig(t, cfg, drv)
	require.NoError(t, rig.device.Connect(context.Background()))
	defer rig.device.Close(context.Background())

	drv.send(capability.Cadence, 85)
	require.True(t, reading(t, rig.device, capability.Cadence).Valid)
	assert.Eventually(t, func() bool {
		return !reading(t, rig.device, capability.Cadence).Valid
	}, time.Second, 10*time.Millisecond)
}

func TestControl_ErgAndSimulationThroughTrainer(t *testing.T) {
	fleet := simulator.DefaultFleet(testLogger())
	trainer := fleet.Peripheral("SIM:TR:00:00:00:01")
	d := simDevice(t, fleet, trainer.Address())

	assert.ErrorIs(t, d.SetTargetPower(context.Background(), 100), ErrNotConnected)

	require.NoError(t, d.Connect(context.Background()))
	defer d.Close(context.Background())

	require.NoError(t, d.SetTargetPower(context.Background(), 180))
	assert.Equal(t, int16(180), trainer.Metrics().Power)
	session, ok := d.ControlSession()
	require.True(t, ok)
	assert.Equal(t, ftms.Active, session.State)
	assert.Equal(t, ftms.ModeERG, session.Mode)

	require.NoError(t, d.SetSimulationParameters(context.Background(), ftms.SimulationParameters{Grade: 4, Crr: 0.004, Cw: 0.51}))
	assert.Equal(t, ftms.ModeSimulation, trainer.Session().Mode)

	require.NoError(t, d.ReleaseControl(context.Background()))
	assert.False(t, trainer.Session().HasTarget)
	session, ok = d.ControlSession()
	require.True(t, ok)
	assert.Equal(t, ftms.Idle, session.State)
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Connected", Connected.String())
}
