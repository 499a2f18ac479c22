package console

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/device"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/events"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/manager"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/scanner"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/transport"
)

const maxLogLines = 1000

// ScanRow is one advertising peripheral
type ScanRow struct {
	Address    string
	Name       string
	RSSI       int16
	Transports []string
}

// RoleRow is one role with the device holding it
type RoleRow struct {
	Role       manager.Role
	Assigned   bool
	DeviceID   string
	DeviceName string
	State      device.ConnectionState
	Manual     bool
	Reading    device.Reading
}

// DeviceRow is one device instance the manager owns
type DeviceRow struct {
	ID         string
	Name       string
	State      device.ConnectionState
	Transports []string
}

type ControlRow struct {
	Available bool
	Session   ftms.Session
}

// Snapshot is everything the view shows apart from the logs
type Snapshot struct {
	Scanning bool
	Scan     []ScanRow
	Devices  []DeviceRow
	Roles    []RoleRow
	Control  ControlRow
}

// Model turns manager and scanner state into view snapshots and keeps the
// tail of the log
type Model struct {
	logger   *log.Logger
	manager  *manager.Manager
	scanner  *scanner.Scanner
	registry *transport.Registry

	logEvent     *events.ChannelEvent[string]
	changeEvent  *events.ChannelEvent[struct{}]
	closeEvent   *events.ChannelEvent[struct{}]
	logLines     []string
	logMu        sync.RWMutex
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	refreshEvery time.Duration
}

// NewModel starts following the manager, the scanner and the log channel.
// refreshEvery also repaints readings that change without an event.
func NewModel(logger *log.Logger, mgr *manager.Manager, scan *scanner.Scanner, registry *transport.Registry, logLines <-chan string, refreshEvery time.Duration) *Model {
	if logger == nil {
		panic("Model: logger cannot be nil")
	}
	if mgr == nil || scan == nil || registry == nil {
		panic("Model: manager, scanner and registry are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Model{
		logger:       logger,
		manager:      mgr,
		scanner:      scan,
		registry:     registry,
		logEvent:     events.NewChannelEvent[string](false),
		changeEvent:  events.NewChannelEvent[struct{}](false),
		closeEvent:   events.NewChannelEvent[struct{}](false),
		logLines:     make([]string, 0, maxLogLines),
		ctx:          ctx,
		cancel:       cancel,
		refreshEvery: refreshEvery,
	}

	m.wg.Add(2)
	go_func_utils.SafeGo(logger, func() { m.followSources(ctx) })
	go_func_utils.SafeGo(logger, func() { m.readFromLogChannel(ctx, logLines) })
	return m
}

func (m *Model) Shutdown() {
	m.logger.Println("Model: Shutting down")
	m.cancel()
	m.wg.Wait()
	m.logger.Println("Model: Shutdown complete")
}

// ListenToChanges fires whenever a new Snapshot may differ from the last
func (m *Model) ListenToChanges(ch chan<- struct{}) func() {
	return m.changeEvent.Listen(ch)
}

// ListenToLog receives every new log line
func (m *Model) ListenToLog(ch chan<- string) func() {
	return m.logEvent.Listen(ch)
}

func (m *Model) ListenToCloseApplication(ch chan<- struct{}) func() {
	return m.closeEvent.Listen(ch)
}

func (m *Model) RequestCloseApplication() {
	m.closeEvent.Notify(struct{}{})
}

func (m *Model) followSources(ctx context.Context) {
	defer m.wg.Done()

	managerCh := make(chan manager.Event, 8)
	unlistenManager := m.manager.Listen(managerCh)
	defer unlistenManager()

	advCh := make(chan bt.Advertisement, 8)
	unlistenScan := m.scanner.Listen(advCh)
	defer unlistenScan()

	var tick <-chan time.Time
	if m.refreshEvery > 0 {
		ticker := time.NewTicker(m.refreshEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-managerCh:
		case <-advCh:
		case <-tick:
		}
		m.changeEvent.Notify(struct{}{})
	}
}

func (m *Model) readFromLogChannel(ctx context.Context, logLines <-chan string) {
	defer m.wg.Done()
	if logLines == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-logLines:
			if !ok {
				return
			}
			m.logMu.Lock()
			m.logLines = append(m.logLines, line)
			if len(m.logLines) > maxLogLines {
				m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
			}
			m.logMu.Unlock()
			m.logEvent.Notify(line)
		}
	}
}

// GetLogTail returns the last n log lines
func (m *Model) GetLogTail(n int) []string {
	m.logMu.RLock()
	defer m.logMu.RUnlock()

	if n <= 0 {
		return []string{}
	}
	if n > len(m.logLines) {
		n = len(m.logLines)
	}
	result := make([]string, n)
	copy(result, m.logLines[len(m.logLines)-n:])
	return result
}

// Snapshot reads the current state. Peripherals that are already connected
// stop advertising, so the scan list only holds devices that can be picked.
func (m *Model) Snapshot() Snapshot {
	s := Snapshot{Scanning: m.scanner.IsScanning()}

	for _, adv := range m.scanner.Results() {
		s.Scan = append(s.Scan, ScanRow{
			Address:    adv.Address,
			Name:       adv.DisplayName(),
			RSSI:       adv.RSSI,
			Transports: m.registry.Matching(adv),
		})
	}

	for _, d := range m.manager.Devices() {
		row := DeviceRow{ID: d.ID(), Name: d.Name(), State: d.State()}
		for _, tr := range d.Transports() {
			row.Transports = append(row.Transports, tr.Name())
		}
		s.Devices = append(s.Devices, row)
	}

	for _, role := range manager.Roles {
		row := RoleRow{Role: role}
		if a, ok := m.manager.Assignment(role); ok {
			row.Assigned = true
			row.DeviceID = a.DeviceID
			row.DeviceName = a.DeviceName
			row.Manual = m.manager.IsManuallyDisconnected(a.DeviceID)
			if d, ok := m.manager.DeviceFor(role); ok {
				row.State = d.State()
			}
			if role != manager.PrimaryTrainer {
				row.Reading, _ = m.manager.Reading(role)
			}
		}
		s.Roles = append(s.Roles, row)
	}

	if d, ok := m.manager.DeviceFor(manager.PrimaryTrainer); ok {
		s.Control.Session, s.Control.Available = d.ControlSession()
	}
	return s
}
