package console

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/manager"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/scanner"
)

const (
	PowerStep    = 10
	MaxPower     = 2000
	GradeStep    = 0.5
	MaxGrade     = 20.0
	defaultPower = 150
)

// Controller turns key presses into manager and scanner calls. Anything
// that talks to a device runs off the UI goroutine.
type Controller struct {
	model         *Model
	manager       *manager.Manager
	scanner       *scanner.Scanner
	logger        *log.Logger
	actionTimeout time.Duration

	mu          sync.Mutex
	scanToken   scanner.Token
	targetPower int16
	grade       float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewController(logger *log.Logger, model *Model, mgr *manager.Manager, scan *scanner.Scanner, actionTimeout time.Duration) *Controller {
	if logger == nil {
		panic("Controller: logger cannot be nil")
	}
	if model == nil || mgr == nil || scan == nil {
		panic("Controller: model, manager and scanner are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		model:         model,
		manager:       mgr,
		scanner:       scan,
		logger:        logger,
		actionTimeout: actionTimeout,
		targetPower:   defaultPower,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Shutdown drops the console's scan request and waits for pending actions
func (c *Controller) Shutdown() {
	c.cancel()
	c.wg.Wait()
	c.mu.Lock()
	token := c.scanToken
	c.scanToken = ""
	c.mu.Unlock()
	if token != "" {
		c.scanner.Release(token)
	}
}

func (c *Controller) async(name string, timeout time.Duration, fn func(ctx context.Context) error) {
	c.wg.Add(1)
	go_func_utils.SafeGo(c.logger, func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.logger.Printf("Console: %s failed: %v", name, err)
		}
	})
}

// ToggleDeviceScan holds or drops the console's own scan request. The
// manager may keep scanning for its roles either way.
func (c *Controller) ToggleDeviceScan() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scanToken == "" {
		c.scanToken = c.scanner.Acquire("console")
		c.logger.Println("Console: scan requested")
		return
	}
	c.scanner.Release(c.scanToken)
	c.scanToken = ""
	c.logger.Println("Console: scan request dropped")
}

func (c *Controller) IsScanRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanToken != ""
}

// ScanDeviceSelected connects a peripheral picked from the scan list
func (c *Controller) ScanDeviceSelected(address string) {
	adv, ok := c.scanner.Latest(address)
	if !ok {
		c.logger.Printf("Console: %s is no longer advertising", address)
		return
	}
	c.Connect(adv)
}

func (c *Controller) Connect(adv bt.Advertisement) {
	c.logger.Printf("Console: connecting %s (%s)", adv.DisplayName(), adv.Address)
	c.async("connect "+adv.Address, c.manager.ConnectTimeout(), func(ctx context.Context) error {
		d, err := c.manager.Connect(ctx, adv)
		if err != nil {
			return err
		}
		c.logger.Printf("Console: %s connected with %s", d.ID(), d.Capabilities())
		return nil
	})
}

// AssignDevice gives role to a device picked from the device list
func (c *Controller) AssignDevice(id string, role manager.Role) {
	d, ok := c.manager.Device(id)
	if !ok {
		c.logger.Printf("Console: unknown device %s", id)
		return
	}
	if err := c.manager.Assign(role, d); err != nil {
		c.logger.Printf("Console: assign %s failed: %v", role, err)
		return
	}
	c.logger.Printf("Console: %s assigned to %s", role, d.ID())
}

func (c *Controller) ClearRole(role manager.Role) {
	cleared, err := c.manager.Unassign(role)
	if err != nil {
		c.logger.Printf("Console: clear %s failed: %v", role, err)
		return
	}
	if cleared {
		c.logger.Printf("Console: %s cleared", role)
	}
}

// ClearRolesOf unassigns every role the device holds
func (c *Controller) ClearRolesOf(id string) {
	for _, a := range c.manager.Assignments() {
		if a.DeviceID == id {
			c.ClearRole(a.Role)
		}
	}
}

// DisconnectDevice disconnects a device picked from the device list. It
// stays disconnected until connected again from the scan list.
func (c *Controller) DisconnectDevice(id string) {
	c.async("disconnect "+id, c.actionTimeout, func(ctx context.Context) error {
		return c.manager.Disconnect(ctx, id)
	})
}

// TargetPower is the ERG target the next power change starts from
func (c *Controller) TargetPower() int16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetPower
}

func (c *Controller) Grade() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grade
}

func (c *Controller) IncreaseTargetPower() {
	c.adjustTargetPower(PowerStep)
}

func (c *Controller) DecreaseTargetPower() {
	c.adjustTargetPower(-PowerStep)
}

func (c *Controller) adjustTargetPower(delta int16) {
	c.mu.Lock()
	watts := min(max(c.targetPower+delta, 0), MaxPower)
	c.targetPower = watts
	c.mu.Unlock()

	c.async("set target power", c.actionTimeout, func(ctx context.Context) error {
		return c.manager.SetTargetPower(ctx, watts)
	})
}

func (c *Controller) IncreaseGrade() {
	c.adjustGrade(GradeStep)
}

func (c *Controller) DecreaseGrade() {
	c.adjustGrade(-GradeStep)
}

func (c *Controller) adjustGrade(delta float64) {
	c.mu.Lock()
	grade := min(max(c.grade+delta, -MaxGrade), MaxGrade)
	c.grade = grade
	c.mu.Unlock()

	params := ftms.DefaultSimulation
	params.Grade = grade
	c.async("set grade", c.actionTimeout, func(ctx context.Context) error {
		return c.manager.SetSimulationParameters(ctx, params)
	})
}

func (c *Controller) ReleaseControl() {
	c.async("release control", c.actionTimeout, func(ctx context.Context) error {
		return c.manager.ReleaseControl(ctx)
	})
}

func (c *Controller) OnEscapeKey() {
	c.model.RequestCloseApplication()
}
