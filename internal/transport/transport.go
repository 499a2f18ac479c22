// Package transport holds the per-protocol drivers that bind one BLE
// service of a physical device to data and control capabilities.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/capability"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/go_func_utils"
)

// State of a transport's attachment
type State uint8

const (
	Unattached State = iota
	Verifying
	Attaching
	Attached
	Rejected
)

func (s State) String() string {
	switch s {
	case Unattached:
		return "Unattached"
	case Verifying:
		return "Verifying"
	case Attaching:
		return "Attaching"
	case Attached:
		return "Attached"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

var ErrIllegalTransition = errors.New("transport: illegal state transition")

// VerificationError is a failed deep compatibility check
type VerificationError struct {
	Transport string
	Err       error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("transport %s: verify: %v", e.Transport, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// AttachError is a failed characteristic subscription
type AttachError struct {
	Transport string
	Err       error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("transport %s: attach: %v", e.Transport, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// Sample is one measurement produced by a transport
type Sample struct {
	Capability capability.Capability
	Value      float64
	At         time.Time
}

// Sink receives samples. It is called from BLE notification context and
// must not block.
type Sink func(Sample)

// Driver is the protocol specific part of a transport
type Driver interface {
	Capabilities() capability.Set
	// Verify may read characteristics but must not change device state
	Verify(ctx context.Context, link bt.Link, services bt.ServiceSet) error
	Attach(ctx context.Context, link bt.Link, services bt.ServiceSet, emit Sink) error
	// Detach unsubscribes without closing the link
	Detach(ctx context.Context, link bt.Link) error
	// Controller returns nil for drivers without control capabilities
	Controller() Controller
}

// Controller drives a trainer's resistance
type Controller interface {
	SetTargetPower(ctx context.Context, watts int16) error
	SetSimulation(ctx context.Context, params ftms.SimulationParameters) error
	Release(ctx context.Context) error
	Session() ftms.Session
}

// baseDriver provides the optional parts of Driver
type baseDriver struct{}

func (baseDriver) Verify(ctx context.Context, link bt.Link, services bt.ServiceSet) error {
	return nil
}

func (baseDriver) Controller() Controller {
	return nil
}

// Transport is one driver instance bound to one physical device
type Transport struct {
	name     string
	deviceID string
	driver   Driver
	logger   *log.Logger

	mu    sync.Mutex
	state State
	link  bt.Link
}

func New(name, deviceID string, driver Driver, logger *log.Logger) *Transport {
	if logger == nil {
		panic("Transport: logger cannot be nil")
	}
	if driver == nil {
		panic("Transport: driver cannot be nil")
	}
	return &Transport{
		name:     name,
		deviceID: deviceID,
		driver:   driver,
		logger:   logger,
	}
}

func (t *Transport) Name() string {
	return t.name
}

func (t *Transport) DeviceID() string {
	return t.deviceID
}

func (t *Transport) Capabilities() capability.Set {
	return t.driver.Capabilities()
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Controller returns the control surface when the transport declares a
// control capability
func (t *Transport) Controller() Controller {
	caps := t.Capabilities()
	if !caps.Has(capability.ErgControl) && !caps.Has(capability.SimulationControl) {
		return nil
	}
	return t.driver.Controller()
}

func (t *Transport) transition(from, to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != from {
		return fmt.Errorf("%w: %s: %s -> %s (currently %s)", ErrIllegalTransition, t.name, from, to, t.state)
	}
	t.state = to
	return nil
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// Verify runs the deep compatibility check. Success leaves the transport
// ready to attach; failure rejects it for good.
func (t *Transport) Verify(ctx context.Context, link bt.Link, services bt.ServiceSet) error {
	if err := t.transition(Unattached, Verifying); err != nil {
		return err
	}
	err := go_func_utils.Recover(t.logger, func() error {
		return t.driver.Verify(ctx, link, services)
	})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		t.setState(Rejected)
		return &VerificationError{Transport: t.name, Err: err}
	}
	t.setState(Attaching)
	return nil
}

// Attach subscribes the driver's characteristics. Samples outside the
// declared capabilities are dropped.
func (t *Transport) Attach(ctx context.Context, link bt.Link, services bt.ServiceSet, sink Sink) error {
	if err := t.transition(Attaching, Attaching); err != nil {
		return err
	}
	caps := t.Capabilities()
	emit := func(s Sample) {
		if caps.Has(s.Capability) && sink != nil {
			sink(s)
		}
	}
	err := go_func_utils.Recover(t.logger, func() error {
		return t.driver.Attach(ctx, link, services, emit)
	})
	if err != nil {
		t.setState(Rejected)
		return &AttachError{Transport: t.name, Err: err}
	}

	t.mu.Lock()
	t.state = Attached
	t.link = link
	t.mu.Unlock()
	t.logger.Printf("Transport: %s attached to %s", t.name, t.deviceID)
	return nil
}

// Detach unsubscribes and returns the transport to Unattached. The state
// changes even if the driver reports an error.
func (t *Transport) Detach(ctx context.Context) error {
	t.mu.Lock()
	if t.state != Attached {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: %s: detach while %s", ErrIllegalTransition, t.name, state)
	}
	link := t.link
	t.state = Unattached
	t.link = nil
	t.mu.Unlock()

	return go_func_utils.Recover(t.logger, func() error {
		return t.driver.Detach(ctx, link)
	})
}

// LinkLost marks an attached transport Unattached after the radio link
// dropped, without touching the link
func (t *Transport) LinkLost() {
	t.mu.Lock()
	wasAttached := t.state == Attached
	if wasAttached {
		t.state = Unattached
		t.link = nil
	}
	t.mu.Unlock()
	if wasAttached {
		// the driver still has to stop its own goroutines
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = go_func_utils.Recover(t.logger, func() error {
			return t.driver.Detach(ctx, nil)
		})
	}
}

func (t *Transport) String() string {
	return fmt.Sprintf("%s[%s]", t.name, t.State())
}
