package ftms

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// State of a control session
type State uint8

const (
	Idle State = iota
	Controlled
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Controlled:
		return "Controlled"
	case Active:
		return "Active"
	default:
		return "Unknown"
	}
}

// Mode is the sub-mode held while Active
type Mode uint8

const (
	ModeNone Mode = iota
	ModeERG
	ModeSimulation
)

func (m Mode) String() string {
	switch m {
	case ModeERG:
		return "ERG"
	case ModeSimulation:
		return "Simulation"
	default:
		return "None"
	}
}

// HandshakePolicy decides whether a target for a different sub-mode must be
// preceded by request_control, reset, start
type HandshakePolicy uint8

const (
	// HandshakeStrict answers ControlNotPermitted to a bare mode switch
	HandshakeStrict HandshakePolicy = iota
	// HandshakeLenient switches sub-mode on any target command
	HandshakeLenient
)

func (p HandshakePolicy) String() string {
	if p == HandshakeLenient {
		return "lenient"
	}
	return "strict"
}

func ParseHandshakePolicy(s string) (HandshakePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return HandshakeStrict, nil
	case "lenient":
		return HandshakeLenient, nil
	default:
		return HandshakeStrict, fmt.Errorf("unknown handshake policy %q", s)
	}
}

// StalePolicy decides what happens to a session nobody refreshes
type StalePolicy uint8

const (
	// StaleDropToIdle ends the session and releases the target
	StaleDropToIdle StalePolicy = iota
	// StaleHoldLast keeps the last target applied
	StaleHoldLast
)

func (p StalePolicy) String() string {
	if p == StaleHoldLast {
		return "hold_last"
	}
	return "drop_to_idle"
}

func ParseStalePolicy(s string) (StalePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_to_idle":
		return StaleDropToIdle, nil
	case "hold_last":
		return StaleHoldLast, nil
	default:
		return StaleDropToIdle, fmt.Errorf("unknown stale policy %q", s)
	}
}

// Session is a snapshot of whose command is in effect
type Session struct {
	State         State
	Mode          Mode
	TargetPower   int16
	Simulation    SimulationParameters
	HasTarget     bool
	LastCommandAt time.Time
}

func (s Session) String() string {
	if s.State == Active && s.Mode != ModeNone {
		return fmt.Sprintf("%s/%s", s.State, s.Mode)
	}
	return s.State.String()
}

// Applier drives the resistance unit. A returned error is reported to the
// controlling peer as OperationFailed.
type Applier interface {
	ApplyTargetPower(watts int16) error
	ApplySimulation(params SimulationParameters) error
	Release() error
}

type ControlPointConfig struct {
	Handshake   HandshakePolicy
	StalePolicy StalePolicy
	// StaleAfter is the window without any accepted command after which a
	// session is stale. Zero disables staleness.
	StaleAfter time.Duration
	// PowerRange rejects out of range targets when set
	PowerRange *PowerRange
	Applier    Applier
}

// ControlPoint is the control point state machine. It is safe for
// concurrent use; commands are handled in arrival order.
type ControlPoint struct {
	mu      sync.Mutex
	cfg     ControlPointConfig
	session Session

	// resetSeen records a reset since the last request_control
	resetSeen bool
}

func NewControlPoint(cfg ControlPointConfig) *ControlPoint {
	return &ControlPoint{cfg: cfg}
}

func (c *ControlPoint) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// HandleWrite decodes a raw write, handles it and returns the indication
// to send back. Every write yields exactly one response.
func (c *ControlPoint) HandleWrite(buf []byte, now time.Time) Response {
	cmd, err := DecodeCommand(buf)
	if err != nil {
		result := InvalidParameter
		switch {
		case errors.Is(err, ErrUnsupportedOpCode):
			result = OpCodeNotSupported
		case cmd.OpCode != OpRequestControl && c.Session().State == Idle:
			result = ControlNotPermitted
		}
		return Response{RequestOpCode: cmd.OpCode, Result: result}
	}
	return Response{RequestOpCode: cmd.OpCode, Result: c.Handle(cmd, now)}
}

// Handle applies one command and returns its outcome
func (c *ControlPoint) Handle(cmd Command, now time.Time) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := c.handleLocked(cmd)
	if result == Success {
		c.session.LastCommandAt = now
	}
	return result
}

func (c *ControlPoint) handleLocked(cmd Command) Result {
	s := &c.session
	switch cmd.OpCode {
	case OpRequestControl:
		s.State = Controlled
		s.Mode = ModeNone
		c.resetSeen = false
		return Success

	case OpReset:
		if s.State == Idle {
			return ControlNotPermitted
		}
		if s.HasTarget && c.cfg.Applier != nil {
			if err := c.cfg.Applier.Release(); err != nil {
				return OperationFailed
			}
		}
		s.State = Controlled
		s.Mode = ModeNone
		s.HasTarget = false
		s.TargetPower = 0
		s.Simulation = SimulationParameters{}
		c.resetSeen = true
		return Success

	case OpStartOrResume:
		switch s.State {
		case Idle:
			return ControlNotPermitted
		case Controlled:
			s.State = Active
			s.Mode = ModeNone
		}
		return Success

	case OpSetTargetPower:
		if result := c.admitTarget(ModeERG); result != Success {
			return result
		}
		if cmd.TargetPower < 0 || (c.cfg.PowerRange != nil && !c.cfg.PowerRange.Contains(cmd.TargetPower)) {
			return InvalidParameter
		}
		if c.cfg.Applier != nil {
			if err := c.cfg.Applier.ApplyTargetPower(cmd.TargetPower); err != nil {
				return OperationFailed
			}
		}
		s.State = Active
		s.Mode = ModeERG
		s.TargetPower = cmd.TargetPower
		s.HasTarget = true
		return Success

	case OpSetSimulation:
		if result := c.admitTarget(ModeSimulation); result != Success {
			return result
		}
		if err := cmd.Simulation.Validate(); err != nil {
			return InvalidParameter
		}
		if c.cfg.Applier != nil {
			if err := c.cfg.Applier.ApplySimulation(cmd.Simulation); err != nil {
				return OperationFailed
			}
		}
		s.State = Active
		s.Mode = ModeSimulation
		s.Simulation = cmd.Simulation
		s.HasTarget = true
		return Success

	default:
		return OpCodeNotSupported
	}
}

// admitTarget checks whether a target for mode may be applied now
func (c *ControlPoint) admitTarget(mode Mode) Result {
	s := c.session
	switch s.State {
	case Idle:
		return ControlNotPermitted
	case Controlled:
		if c.cfg.Handshake == HandshakeStrict {
			return ControlNotPermitted
		}
		return Success
	}
	// Active: the same sub-mode is a refresh. A new sub-mode needs a start
	// that followed request_control and reset.
	if s.Mode == mode {
		return Success
	}
	if c.cfg.Handshake == HandshakeStrict && (s.Mode != ModeNone || !c.resetSeen) {
		return ControlNotPermitted
	}
	return Success
}

// IsStale reports whether no command was accepted within StaleAfter
func (c *ControlPoint) IsStale(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staleLocked(now)
}

func (c *ControlPoint) staleLocked(now time.Time) bool {
	if c.cfg.StaleAfter <= 0 || c.session.State == Idle {
		return false
	}
	return now.Sub(c.session.LastCommandAt) > c.cfg.StaleAfter
}

// Expire applies the stale policy. It returns true if the session was
// dropped to Idle.
func (c *ControlPoint) Expire(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.staleLocked(now) || c.cfg.StalePolicy == StaleHoldLast {
		return false
	}
	c.dropLocked()
	return true
}

// Relinquish ends the session: explicit release or lost link
func (c *ControlPoint) Relinquish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
}

func (c *ControlPoint) dropLocked() {
	if c.session.HasTarget && c.cfg.Applier != nil {
		// best effort, the session ends either way
		_ = c.cfg.Applier.Release()
	}
	c.session = Session{}
	c.resetSeen = false
}
