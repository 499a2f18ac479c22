// Package manager binds logical roles to physical devices and keeps
// assigned devices connected.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/device"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/events"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/safe_map"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/scanner"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/store"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/transport"
)

var (
	ErrRoleUnsupported = errors.New("manager: device lacks the capability the role needs")
	ErrUnknownDevice   = errors.New("manager: unknown device")
	ErrNoTrainer       = errors.New("manager: no trainer assigned")
)

// Persistence loads and saves role assignments
type Persistence interface {
	Load() ([]store.Record, error)
	Save(records []store.Record) error
}

// Discovery is the shared scan session
type Discovery interface {
	Acquire(purpose string) scanner.Token
	Release(token scanner.Token) bool
	Listen(ch chan<- bt.Advertisement) func()
}

type Config struct {
	// ConnectTimeout bounds one auto-reconnect attempt
	ConnectTimeout time.Duration
	Device         device.Config
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 15 * time.Second,
		Device:         device.DefaultConfig(),
	}
}

type EventKind uint8

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventReconnectFailed
	EventAssignmentsChanged
	EventScanChanged
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnectFailed:
		return "reconnect_failed"
	case EventAssignmentsChanged:
		return "assignments_changed"
	case EventScanChanged:
		return "scan_changed"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind     EventKind
	DeviceID string
	Err      error
}

type Manager struct {
	logger    *log.Logger
	registry  *transport.Registry
	radio     bt.Radio
	discovery Discovery
	persist   Persistence
	cfg       Config
	now       func() time.Time

	mu           sync.Mutex
	assignments  map[Role]Assignment
	devices      map[string]*device.PhysicalDevice
	unlisten     map[string]func()
	manual       map[string]struct{}
	reconnecting map[string]struct{}
	scanToken    scanner.Token

	// deviceLocks serializes user actions and reconnects per device
	deviceLocks *safe_map.SafeMap[string, *sync.Mutex]
	events      *events.ChannelEvent[Event]
	changed     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New restores persisted assignments. Unreadable persistence degrades to
// no assignments.
func New(logger *log.Logger, registry *transport.Registry, radio bt.Radio, discovery Discovery, persist Persistence, cfg Config) *Manager {
	if logger == nil {
		panic("Manager: logger cannot be nil")
	}
	if registry == nil || radio == nil || discovery == nil {
		panic("Manager: registry, radio and discovery are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:       logger,
		registry:     registry,
		radio:        radio,
		discovery:    discovery,
		persist:      persist,
		cfg:          cfg,
		now:          time.Now,
		assignments:  make(map[Role]Assignment),
		devices:      make(map[string]*device.PhysicalDevice),
		unlisten:     make(map[string]func()),
		manual:       make(map[string]struct{}),
		reconnecting: make(map[string]struct{}),
		deviceLocks:  safe_map.NewSafeMap[string, *sync.Mutex](),
		events:       events.NewChannelEvent[Event](false),
		changed:      make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
	m.restore()
	return m
}

func (m *Manager) restore() {
	if m.persist == nil {
		return
	}
	records, err := m.persist.Load()
	if err != nil {
		m.logger.Printf("Manager: ignoring persisted assignments: %v", err)
		return
	}
	for _, r := range records {
		role, err := ParseRole(r.Role)
		if err != nil {
			m.logger.Printf("Manager: skipping persisted assignment: %v", err)
			continue
		}
		m.assignments[role] = Assignment{Role: role, DeviceID: r.DeviceID, DeviceName: r.DeviceName, AssignedAt: r.AssignedAt}
	}
	m.logger.Printf("Manager: restored %d role assignments", len(m.assignments))
}

// Start begins listening for advertisements and evaluating the scan policy
func (m *Manager) Start() {
	advertisements := make(chan bt.Advertisement, 64)
	unlisten := m.discovery.Listen(advertisements)
	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		defer unlisten()
		m.reevaluate()
		for {
			select {
			case <-m.ctx.Done():
				return
			case adv := <-advertisements:
				m.onAdvertisement(adv)
			case <-m.changed:
				m.reevaluate()
			}
		}
	})
}

// Close stops reconnecting, releases the scan and disconnects every device
func (m *Manager) Close(ctx context.Context) {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	if m.scanToken != "" {
		m.discovery.Release(m.scanToken)
		m.scanToken = ""
	}
	devices := make([]*device.PhysicalDevice, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	for _, unlisten := range m.unlisten {
		unlisten()
	}
	m.unlisten = make(map[string]func())
	m.mu.Unlock()

	for _, d := range devices {
		if err := d.Close(ctx); err != nil {
			m.logger.Printf("Manager: closing %s: %v", d.ID(), err)
		}
	}
	m.logger.Printf("Manager: closed")
}

// Listen registers ch for manager events
func (m *Manager) Listen(ch chan<- Event) func() {
	return m.events.Listen(ch)
}

func (m *Manager) notify(e Event) {
	m.events.Notify(e)
}

// kick asks the loop to reevaluate the scan policy
func (m *Manager) kick() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

func (m *Manager) lockDevice(id string) *sync.Mutex {
	lock, _ := m.deviceLocks.LoadOrStore(id, func() *sync.Mutex { return &sync.Mutex{} })
	return lock
}

// ScanDecision evaluates the scan policy against the current state
func (m *Manager) ScanDecision() ScanDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decideLocked()
}

func (m *Manager) decideLocked() ScanDecision {
	return Decide(m.assignedIDsLocked(),
		func(id string) bool {
			if _, busy := m.reconnecting[id]; busy {
				return true
			}
			d, ok := m.devices[id]
			return ok && d.State() != device.Disconnected
		},
		func(id string) bool {
			_, ok := m.manual[id]
			return ok
		})
}

func (m *Manager) assignedIDsLocked() []string {
	var ids []string
	seen := make(map[string]bool)
	for _, r := range Roles {
		a, ok := m.assignments[r]
		if !ok || seen[a.DeviceID] {
			continue
		}
		seen[a.DeviceID] = true
		ids = append(ids, a.DeviceID)
	}
	return ids
}

// reevaluate holds a scan token exactly while the policy wants scanning
func (m *Manager) reevaluate() {
	m.mu.Lock()
	decision := m.decideLocked()
	changed := false
	switch {
	case decision.Scan && m.scanToken == "":
		m.scanToken = m.discovery.Acquire("auto-reconnect")
		changed = true
		m.logger.Printf("Manager: scanning for %v", decision.Wanted)
	case !decision.Scan && m.scanToken != "":
		m.discovery.Release(m.scanToken)
		m.scanToken = ""
		changed = true
		m.logger.Printf("Manager: scan not needed (suppressed %v)", decision.Suppressed)
	}
	m.mu.Unlock()
	if changed {
		m.notify(Event{Kind: EventScanChanged})
	}
}

// IsScanning reports whether the manager holds a scan token
func (m *Manager) IsScanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanToken != ""
}

func (m *Manager) onAdvertisement(adv bt.Advertisement) {
	m.mu.Lock()
	if !m.decideLocked().ScanFor(adv.Address) {
		m.mu.Unlock()
		return
	}
	m.reconnecting[adv.Address] = struct{}{}
	m.mu.Unlock()

	go_func_utils.SafeGoWG(m.logger, &m.wg, func() { m.reconnect(adv) })
}

// reconnect builds a fresh device for an assigned device that reappeared
// and relinks it to its assignments. The manual marker is left alone.
func (m *Manager) reconnect(adv bt.Advertisement) {
	id := adv.Address
	defer func() {
		m.mu.Lock()
		delete(m.reconnecting, id)
		m.mu.Unlock()
		m.kick()
	}()

	lock := m.lockDevice(id)
	lock.Lock()
	defer lock.Unlock()

	if m.isManual(id) {
		return
	}
	m.logger.Printf("Manager: auto-reconnecting %s (%s)", adv.DisplayName(), id)
	d := device.New(adv, m.registry, m.radio, m.cfg.Device, m.logger)
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if err := d.Connect(ctx); err != nil {
		m.logger.Printf("Manager: auto-reconnect of %s failed: %v", id, err)
		m.notify(Event{Kind: EventReconnectFailed, DeviceID: id, Err: err})
		return
	}
	if m.isManual(id) {
		m.logger.Printf("Manager: %s disconnected by user during reconnect", id)
		_ = d.Close(context.Background())
		return
	}
	m.adopt(d)
	m.warnMissingCapabilities(d)
	m.notify(Event{Kind: EventConnected, DeviceID: id})
}

// warnMissingCapabilities logs roles the reconnected device can no longer
// serve. Assignments are kept.
func (m *Manager) warnMissingCapabilities(d *device.PhysicalDevice) {
	caps := d.Capabilities()
	for _, a := range m.Assignments() {
		if a.DeviceID == d.ID() && !caps.Has(a.Role.Capability()) {
			m.logger.Printf("Manager: WARNING %s reconnected without %s needed for %s", d.ID(), a.Role.Capability(), a.Role)
		}
	}
}

func (m *Manager) isManual(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.manual[id]
	return ok
}

// IsManuallyDisconnected reports whether auto-reconnect is suppressed for id
func (m *Manager) IsManuallyDisconnected(id string) bool {
	return m.isManual(id)
}

// adopt makes d the instance for its identifier and watches its state
func (m *Manager) adopt(d *device.PhysicalDevice) {
	id := d.ID()
	m.mu.Lock()
	old := m.devices[id]
	if unlisten, ok := m.unlisten[id]; ok {
		unlisten()
	}
	m.devices[id] = d
	m.unlisten[id] = d.StateObservable().Listen(func(s device.ConnectionState) {
		if s == device.Disconnected {
			m.notify(Event{Kind: EventDisconnected, DeviceID: id})
		}
		m.kick()
	})
	for role, a := range m.assignments {
		if a.DeviceID == id && a.DeviceName != d.Name() && d.Name() != "" {
			a.DeviceName = d.Name()
			m.assignments[role] = a
		}
	}
	m.mu.Unlock()

	if old != nil && old != d {
		go_func_utils.SafeGoWG(m.logger, &m.wg, func() { _ = old.Close(context.Background()) })
	}
}

// Connect is a user initiated connect. It clears the manual disconnect
// marker and replaces any previous instance for the device.
func (m *Manager) Connect(ctx context.Context, adv bt.Advertisement) (*device.PhysicalDevice, error) {
	id := adv.Address
	m.mu.Lock()
	delete(m.manual, id)
	m.mu.Unlock()
	defer m.kick()

	lock := m.lockDevice(id)
	lock.Lock()
	defer lock.Unlock()

	if d, ok := m.Device(id); ok && d.State() == device.Connected {
		return d, nil
	}
	d := device.New(adv, m.registry, m.radio, m.cfg.Device, m.logger)
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}
	m.adopt(d)
	m.notify(Event{Kind: EventConnected, DeviceID: id})
	return d, nil
}

// Disconnect is a user initiated disconnect. The device will not be
// auto-reconnected until the user connects it again.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	m.mu.Lock()
	m.manual[id] = struct{}{}
	d, ok := m.devices[id]
	m.mu.Unlock()
	defer m.kick()

	lock := m.lockDevice(id)
	lock.Lock()
	defer lock.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	m.logger.Printf("Manager: user disconnect of %s", id)
	return d.Disconnect(ctx)
}

// Remove disconnects a device and forgets the instance. Assignments stay.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if err := m.Disconnect(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	d := m.devices[id]
	delete(m.devices, id)
	if unlisten, ok := m.unlisten[id]; ok {
		unlisten()
		delete(m.unlisten, id)
	}
	m.mu.Unlock()
	if d != nil {
		return d.Close(ctx)
	}
	return nil
}

// ConnectTimeout bounds one connect attempt
func (m *Manager) ConnectTimeout() time.Duration {
	return m.cfg.ConnectTimeout
}

func (m *Manager) Device(id string) (*device.PhysicalDevice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	return d, ok
}

// Devices returns every owned instance ordered by id
func (m *Manager) Devices() []*device.PhysicalDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	devices := make([]*device.PhysicalDevice, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	slices.SortFunc(devices, func(a, b *device.PhysicalDevice) int {
		return strings.Compare(a.ID(), b.ID())
	})
	return devices
}

// Assign gives role to a connected device, replacing the previous holder.
// The device must provide the role's capability.
func (m *Manager) Assign(role Role, d *device.PhysicalDevice) error {
	if !d.Capabilities().Has(role.Capability()) {
		return fmt.Errorf("%w: %s has no %s for %s", ErrRoleUnsupported, d.ID(), role.Capability(), role)
	}
	m.mu.Lock()
	_, known := m.devices[d.ID()]
	m.mu.Unlock()
	if !known {
		m.adopt(d)
	}
	return m.AssignID(role, d.ID(), d.Name())
}

// AssignID records an assignment without checking the device
func (m *Manager) AssignID(role Role, id, name string) error {
	m.mu.Lock()
	if prev, ok := m.assignments[role]; ok && prev.DeviceID != id {
		m.logger.Printf("Manager: %s moves from %s to %s", role, prev.DeviceID, id)
	}
	m.assignments[role] = Assignment{Role: role, DeviceID: id, DeviceName: name, AssignedAt: m.now()}
	err := m.persistLocked()
	m.mu.Unlock()

	m.notify(Event{Kind: EventAssignmentsChanged, DeviceID: id})
	m.kick()
	return err
}

// Unassign clears role and reports whether it was assigned
func (m *Manager) Unassign(role Role) (bool, error) {
	m.mu.Lock()
	a, ok := m.assignments[role]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	delete(m.assignments, role)
	err := m.persistLocked()
	m.mu.Unlock()

	m.notify(Event{Kind: EventAssignmentsChanged, DeviceID: a.DeviceID})
	m.kick()
	return true, err
}

func (m *Manager) persistLocked() error {
	if m.persist == nil {
		return nil
	}
	records := make([]store.Record, 0, len(m.assignments))
	for _, r := range Roles {
		if a, ok := m.assignments[r]; ok {
			records = append(records, store.Record{
				DeviceID:   a.DeviceID,
				DeviceName: a.DeviceName,
				Role:       r.String(),
				AssignedAt: a.AssignedAt,
			})
		}
	}
	if err := m.persist.Save(records); err != nil {
		m.logger.Printf("Manager: saving assignments failed: %v", err)
		return fmt.Errorf("manager: save assignments: %w", err)
	}
	return nil
}

// Assignments returns the current assignments in role order
func (m *Manager) Assignments() []Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []Assignment
	for _, r := range Roles {
		if a, ok := m.assignments[r]; ok {
			result = append(result, a)
		}
	}
	return result
}

func (m *Manager) Assignment(role Role) (Assignment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[role]
	return a, ok
}

// DeviceFor returns the device instance holding role
func (m *Manager) DeviceFor(role Role) (*device.PhysicalDevice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[role]
	if !ok {
		return nil, false
	}
	d, ok := m.devices[a.DeviceID]
	return d, ok
}

// Reading returns the latest value of a data role
func (m *Manager) Reading(role Role) (device.Reading, bool) {
	d, ok := m.DeviceFor(role)
	if !ok {
		return device.Reading{}, false
	}
	stream, ok := d.Stream(role.Capability())
	if !ok {
		return device.Reading{}, false
	}
	return stream.Get(), true
}

func (m *Manager) trainer() (*device.PhysicalDevice, error) {
	d, ok := m.DeviceFor(PrimaryTrainer)
	if !ok {
		return nil, ErrNoTrainer
	}
	return d, nil
}

// SetTargetPower forwards an ERG target to the primary trainer
func (m *Manager) SetTargetPower(ctx context.Context, watts int16) error {
	d, err := m.trainer()
	if err != nil {
		return err
	}
	return d.SetTargetPower(ctx, watts)
}

// SetSimulationParameters forwards road conditions to the primary trainer
func (m *Manager) SetSimulationParameters(ctx context.Context, params ftms.SimulationParameters) error {
	d, err := m.trainer()
	if err != nil {
		return err
	}
	return d.SetSimulationParameters(ctx, params)
}

func (m *Manager) ReleaseControl(ctx context.Context) error {
	d, err := m.trainer()
	if err != nil {
		return err
	}
	return d.ReleaseControl(ctx)
}
