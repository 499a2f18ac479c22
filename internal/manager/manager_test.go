package manager

import (
	"bytes"
	"context"
	"errors"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/capability"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/device"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/scanner"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/simulator"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/store"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/transport"
)

const (
	trainerID = "SIM:TR:00:00:00:01"
	meterID   = "SIM:PM:00:00:00:02"
	hrmID     = "SIM:HR:00:00:00:04"
)

func testLogger() *log.Logger {
	return log.New(&bytes.Buffer{}, "", 0)
}

type memoryStore struct {
	mu      sync.Mutex
	records []store.Record
	loadErr error
	saves   int
}

func (s *memoryStore) Load() ([]store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records, s.loadErr
}

func (s *memoryStore) Save(records []store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append([]store.Record(nil), records...)
	s.saves++
	return nil
}

type rig struct {
	fleet   *simulator.Fleet
	scanner *scanner.Scanner
	store   *memoryStore
	manager *Manager
}

func newRig(t *testing.T, persisted ...store.Record) *rig {
	t.Helper()
	logger := testLogger()
	fleet := simulator.DefaultFleet(logger)
	fleet.Radio().SetScanInterval(10 * time.Millisecond)
	s := scanner.New(logger, fleet.Radio(), scanner.DefaultConfig())

	driverCfg := transport.DefaultDriverConfig()
	driverCfg.RefreshInterval = 0
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 2 * time.Second

	mem := &memoryStore{records: persisted}
	m := New(logger, transport.NewDefaultRegistry(logger, driverCfg), fleet.Radio(), s, mem, cfg)
	t.Cleanup(func() {
		m.Close(context.Background())
		s.Close()
	})
	return &rig{fleet: fleet, scanner: s, store: mem, manager: m}
}

func (r *rig) connect(t *testing.T, id string) *device.PhysicalDevice {
	t.Helper()
	d, err := r.manager.Connect(context.Background(), r.fleet.Peripheral(id).Mock().Advertisement())
	require.NoError(t, err)
	return d
}

func TestDecide(t *testing.T) {
	present := map[string]bool{"a": true}
	manual := map[string]bool{"c": true}
	isPresent := func(id string) bool { return present[id] }
	isManual := func(id string) bool { return manual[id] }

	assert.False(t, Decide(nil, isPresent, isManual).Scan)
	assert.False(t, Decide([]string{"a"}, isPresent, isManual).Scan)

	d := Decide([]string{"a", "b", "c"}, isPresent, isManual)
	assert.True(t, d.Scan)
	assert.Equal(t, []string{"b"}, d.Wanted)
	assert.Equal(t, []string{"c"}, d.Suppressed)
	assert.True(t, d.ScanFor("b"))
	assert.False(t, d.ScanFor("c"))

	d = Decide([]string{"a", "c"}, isPresent, isManual)
	assert.False(t, d.Scan)
	assert.False(t, d.ScanFor("c"))
}

func TestParseRole(t *testing.T) {
	for _, in := range []string{"PowerSource", "power_source", "POWERSOURCE"} {
		r, err := ParseRole(in)
		require.NoError(t, err, in)
		assert.Equal(t, PowerSource, r)
	}
	_, err := ParseRole("brake")
	assert.Error(t, err)
	assert.Equal(t, capability.ErgControl, PrimaryTrainer.Capability())
	assert.Equal(t, capability.HeartRate, HeartRateSource.Capability())
}

func TestScanDecision_AssignedAbsentDeviceWantsScan(t *testing.T) {
	r := newRig(t)
	assert.False(t, r.manager.ScanDecision().Scan)

	require.NoError(t, r.manager.AssignID(PowerSource, meterID, "SIM Power Meter"))
	d := r.manager.ScanDecision()
	assert.True(t, d.Scan)
	assert.True(t, d.ScanFor(meterID))
}

func TestRoleExclusivity(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.manager.AssignID(PowerSource, meterID, "meter"))
	require.NoError(t, r.manager.AssignID(PowerSource, trainerID, "trainer"))
	require.NoError(t, r.manager.AssignID(PrimaryTrainer, trainerID, "trainer"))

	assignments := r.manager.Assignments()
	require.Len(t, assignments, 2)
	assert.Equal(t, PrimaryTrainer, assignments[0].Role)
	assert.Equal(t, PowerSource, assignments[1].Role)
	assert.Equal(t, trainerID, assignments[1].DeviceID)

	assert.Len(t, r.store.records, 2)
	removed, err := r.manager.Unassign(PowerSource)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, _ = r.manager.Unassign(PowerSource)
	assert.False(t, removed)
	assert.Len(t, r.store.records, 1)
}

func TestAssign_RequiresCapability(t *testing.T) {
	r := newRig(t)
	hrm := r.connect(t, hrmID)

	err := r.manager.Assign(PowerSource, hrm)
	assert.ErrorIs(t, err, ErrRoleUnsupported)
	require.NoError(t, r.manager.Assign(HeartRateSource, hrm))

	d, ok := r.manager.DeviceFor(HeartRateSource)
	require.True(t, ok)
	assert.Same(t, hrm, d)
}

func TestRestore_FromPersistence(t *testing.T) {
	at := time.Now().Add(-time.Hour)
	r := newRig(t,
		store.Record{DeviceID: trainerID, DeviceName: "Trainer", Role: "PrimaryTrainer", AssignedAt: at},
		store.Record{DeviceID: hrmID, DeviceName: "HRM", Role: "heart_rate_source", AssignedAt: at},
		store.Record{DeviceID: "zz", DeviceName: "?", Role: "Coach", AssignedAt: at},
	)
	assignments := r.manager.Assignments()
	require.Len(t, assignments, 2)
	assert.Equal(t, trainerID, assignments[0].DeviceID)
	assert.Equal(t, HeartRateSource, assignments[1].Role)
}

func TestRestore_UnreadablePersistenceIsEmpty(t *testing.T) {
	logger := testLogger()
	fleet := simulator.DefaultFleet(logger)
	s := scanner.New(logger, fleet.Radio(), scanner.DefaultConfig())
	defer s.Close()
	mem := &memoryStore{loadErr: store.ErrCorrupt}
	m := New(logger, transport.NewDefaultRegistry(logger, transport.DefaultDriverConfig()), fleet.Radio(), s, mem, DefaultConfig())
	defer m.Close(context.Background())
	assert.Empty(t, m.Assignments())
}

func TestRestore_JSONStoreRoundTrip(t *testing.T) {
	logger := testLogger()
	fleet := simulator.DefaultFleet(logger)
	s := scanner.New(logger, fleet.Radio(), scanner.DefaultConfig())
	defer s.Close()
	js := store.NewJSONStore(logger, filepath.Join(t.TempDir(), "roles.json"))
	registry := transport.NewDefaultRegistry(logger, transport.DefaultDriverConfig())

	m := New(logger, registry, fleet.Radio(), s, js, DefaultConfig())
	require.NoError(t, m.AssignID(CadenceSource, "cs-1", "Cadence"))
	m.Close(context.Background())

	m = New(logger, registry, fleet.Radio(), s, js, DefaultConfig())
	defer m.Close(context.Background())
	a, ok := m.Assignment(CadenceSource)
	require.True(t, ok)
	assert.Equal(t, "cs-1", a.DeviceID)
}

func TestManualDisconnect_SuppressesReconnect(t *testing.T) {
	r := newRig(t)
	meter := r.connect(t, meterID)
	require.NoError(t, r.manager.Assign(PowerSource, meter))
	r.manager.Start()

	require.NoError(t, r.manager.Disconnect(context.Background(), meterID))
	assert.True(t, r.manager.IsManuallyDisconnected(meterID))

	d := r.manager.ScanDecision()
	assert.False(t, d.Scan)
	assert.Equal(t, []string{meterID}, d.Suppressed)
	assert.False(t, d.ScanFor(meterID))

	// the meter keeps advertising while a manual scan runs
	token := r.scanner.Acquire("manual")
	defer r.scanner.Release(token)
	assert.Eventually(t, func() bool {
		_, ok := r.scanner.Latest(meterID)
		return ok
	}, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, r.fleet.Peripheral(meterID).Mock().ConnectCount())
	assert.Equal(t, device.Disconnected, meter.State())

	// a user connect clears the marker
	r.connect(t, meterID)
	assert.False(t, r.manager.IsManuallyDisconnected(meterID))
}

func (r *rig) reconnecting(id string) bool {
	r.manager.mu.Lock()
	defer r.manager.mu.Unlock()
	_, ok := r.manager.reconnecting[id]
	return ok
}

func TestDisconnectDuringAutoReconnect_StaysDisconnected(t *testing.T) {
	r := newRig(t)
	trainer := r.connect(t, trainerID)
	require.NoError(t, r.manager.Assign(PrimaryTrainer, trainer))
	r.manager.Start()

	mock := r.fleet.Peripheral(trainerID).Mock()
	mock.SetConnectDelay(300 * time.Millisecond)
	mock.DropLink()
	require.Eventually(t, func() bool { return r.reconnecting(trainerID) }, 2*time.Second, 5*time.Millisecond)
	// let the reconnect reach the radio connect
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, r.manager.Disconnect(context.Background(), trainerID))
	assert.True(t, r.manager.IsManuallyDisconnected(trainerID))
	assert.Eventually(t, func() bool { return !r.reconnecting(trainerID) }, time.Second, 5*time.Millisecond)

	d, ok := r.manager.DeviceFor(PrimaryTrainer)
	require.True(t, ok)
	assert.Same(t, trainer, d)
	assert.Equal(t, device.Disconnected, d.State())
	assert.Eventually(t, func() bool { return !mock.IsConnected() }, time.Second, 10*time.Millisecond)

	// the trainer keeps advertising but is not connected again
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, mock.ConnectCount())
	assert.False(t, mock.IsConnected())
	assert.Equal(t, []string{trainerID}, r.manager.ScanDecision().Suppressed)
	_, ok = r.manager.Assignment(PrimaryTrainer)
	assert.True(t, ok)
}

func TestLinkLoss_AutoReconnects(t *testing.T) {
	r := newRig(t)
	trainer := r.connect(t, trainerID)
	require.NoError(t, r.manager.Assign(PrimaryTrainer, trainer))

	evts := make(chan Event, 32)
	r.manager.Listen(evts)
	r.manager.Start()
	assert.Eventually(t, func() bool { return !r.manager.IsScanning() }, time.Second, 10*time.Millisecond)

	r.fleet.Peripheral(trainerID).Mock().DropLink()

	assert.Eventually(t, func() bool {
		d, ok := r.manager.DeviceFor(PrimaryTrainer)
		return ok && d != trainer && d.State() == device.Connected
	}, 3*time.Second, 10*time.Millisecond)
	assert.False(t, r.manager.IsManuallyDisconnected(trainerID))
	assert.Equal(t, 2, r.fleet.Peripheral(trainerID).Mock().ConnectCount())
	assert.Eventually(t, func() bool { return !r.manager.IsScanning() }, time.Second, 10*time.Millisecond)

	kinds := map[EventKind]bool{}
	for len(evts) > 0 {
		kinds[(<-evts).Kind] = true
	}
	assert.True(t, kinds[EventDisconnected])
	assert.True(t, kinds[EventConnected])

	require.NoError(t, r.manager.SetTargetPower(context.Background(), 210))
	assert.Equal(t, int16(210), r.fleet.Peripheral(trainerID).Metrics().Power)
}

func TestControl_RequiresTrainer(t *testing.T) {
	r := newRig(t)
	assert.ErrorIs(t, r.manager.SetTargetPower(context.Background(), 200), ErrNoTrainer)
	assert.ErrorIs(t, r.manager.ReleaseControl(context.Background()), ErrNoTrainer)

	meter := r.connect(t, meterID)
	require.NoError(t, r.manager.AssignID(PrimaryTrainer, meterID, meter.Name()))
	assert.ErrorIs(t, r.manager.SetTargetPower(context.Background(), 200), device.ErrControlUnsupported)
}

func TestReading_FollowsRoleDevice(t *testing.T) {
	r := newRig(t)
	hrm := r.connect(t, hrmID)
	require.NoError(t, r.manager.Assign(HeartRateSource, hrm))

	hr := uint8(133)
	r.fleet.Peripheral(hrmID).SetRiderInput(simulator.Metrics{HeartRate: hr})
	r.fleet.Tick(time.Now())

	assert.Eventually(t, func() bool {
		reading, ok := r.manager.Reading(HeartRateSource)
		return ok && reading.Valid && reading.Value == 133
	}, time.Second, 10*time.Millisecond)
	_, ok := r.manager.Reading(PowerSource)
	assert.False(t, ok)
}

func TestDisconnect_UnknownDevice(t *testing.T) {
	r := newRig(t)
	err := r.manager.Disconnect(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrUnknownDevice))
	assert.True(t, r.manager.IsManuallyDisconnected("nope"))
}

func TestRemove_ForgetsInstanceKeepsAssignment(t *testing.T) {
	r := newRig(t)
	hrm := r.connect(t, hrmID)
	require.NoError(t, r.manager.Assign(HeartRateSource, hrm))

	require.NoError(t, r.manager.Remove(context.Background(), hrmID))
	_, ok := r.manager.Device(hrmID)
	assert.False(t, ok)
	_, ok = r.manager.Assignment(HeartRateSource)
	assert.True(t, ok)
}
