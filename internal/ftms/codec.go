// Package ftms implements the fitness machine control point: its wire
// encoding and the request_control / reset / start / target state machine.
package ftms

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// OpCode is the first byte of a control point write
type OpCode byte

// Control point op codes (Fitness Machine Service 1.0)
const (
	OpRequestControl    OpCode = 0x00
	OpReset             OpCode = 0x01
	OpSetTargetPower    OpCode = 0x05
	OpStartOrResume     OpCode = 0x07
	OpSetSimulation     OpCode = 0x11
	OpResponseCode      OpCode = 0x80
	opSetTargetSpeed    OpCode = 0x02
	opSetTargetResist   OpCode = 0x04
	opStopOrPause       OpCode = 0x08
)

const (
	setTargetPowerLen = 3
	setSimulationLen  = 7
	responseLen       = 3
)

func (o OpCode) String() string {
	switch o {
	case OpRequestControl:
		return "request_control"
	case OpReset:
		return "reset"
	case OpSetTargetPower:
		return "set_target_power"
	case OpStartOrResume:
		return "start_or_resume"
	case OpSetSimulation:
		return "set_simulation_parameters"
	case OpResponseCode:
		return "response"
	case opSetTargetSpeed:
		return "set_target_speed"
	case opSetTargetResist:
		return "set_target_resistance"
	case opStopOrPause:
		return "stop_or_pause"
	default:
		return fmt.Sprintf("opcode(0x%02X)", byte(o))
	}
}

// Result is the outcome reported for every control point command
type Result byte

const (
	Success             Result = 0x01
	OpCodeNotSupported  Result = 0x02
	InvalidParameter    Result = 0x03
	OperationFailed     Result = 0x04
	ControlNotPermitted Result = 0x05
)

func (r Result) String() string {
	switch r {
	case Success:
		return "Success"
	case OpCodeNotSupported:
		return "OpCodeNotSupported"
	case InvalidParameter:
		return "InvalidParameter"
	case OperationFailed:
		return "OperationFailed"
	case ControlNotPermitted:
		return "ControlNotPermitted"
	default:
		return fmt.Sprintf("Result(0x%02X)", byte(r))
	}
}

var (
	ErrUnsupportedOpCode = errors.New("ftms: op code not supported")
	ErrInvalidParameter  = errors.New("ftms: invalid parameter")
)

// SimulationParameters are the indoor bike simulation values in natural units
type SimulationParameters struct {
	WindSpeed float64 // m/s, resolution 0.001
	Grade     float64 // percent, resolution 0.01
	Crr       float64 // rolling resistance coefficient, resolution 0.0001
	Cw        float64 // wind resistance coefficient kg/m, resolution 0.01
}

// DefaultSimulation is flat road, no wind, typical road tyres and rider
var DefaultSimulation = SimulationParameters{Crr: 0.004, Cw: 0.51}

type rawSimulation struct {
	wind  int16
	grade int16
	crr   uint8
	cw    uint8
}

func (p SimulationParameters) raw() (rawSimulation, error) {
	wind := math.Round(p.WindSpeed * 1000)
	grade := math.Round(p.Grade * 100)
	crr := math.Round(p.Crr * 10000)
	cw := math.Round(p.Cw * 100)
	switch {
	case wind < math.MinInt16 || wind > math.MaxInt16:
		return rawSimulation{}, fmt.Errorf("%w: wind speed %.3f m/s out of range", ErrInvalidParameter, p.WindSpeed)
	case grade < math.MinInt16 || grade > math.MaxInt16:
		return rawSimulation{}, fmt.Errorf("%w: grade %.2f%% out of range", ErrInvalidParameter, p.Grade)
	case crr < 0 || crr > math.MaxUint8:
		return rawSimulation{}, fmt.Errorf("%w: crr %.4f out of range", ErrInvalidParameter, p.Crr)
	case cw < 0 || cw > math.MaxUint8:
		return rawSimulation{}, fmt.Errorf("%w: cw %.2f out of range", ErrInvalidParameter, p.Cw)
	}
	return rawSimulation{wind: int16(wind), grade: int16(grade), crr: uint8(crr), cw: uint8(cw)}, nil
}

func (r rawSimulation) params() SimulationParameters {
	return SimulationParameters{
		WindSpeed: float64(r.wind) / 1000,
		Grade:     float64(r.grade) / 100,
		Crr:       float64(r.crr) / 10000,
		Cw:        float64(r.cw) / 100,
	}
}

// Validate reports whether the parameters fit the wire encoding
func (p SimulationParameters) Validate() error {
	_, err := p.raw()
	return err
}

// Quantize returns the parameters as they will read back after encoding
func (p SimulationParameters) Quantize() SimulationParameters {
	r, err := p.raw()
	if err != nil {
		return p
	}
	return r.params()
}

func (p SimulationParameters) String() string {
	return fmt.Sprintf("grade=%.2f%% wind=%.3fm/s crr=%.4f cw=%.2f", p.Grade, p.WindSpeed, p.Crr, p.Cw)
}

// Command is one decoded control point write
type Command struct {
	OpCode      OpCode
	TargetPower int16
	Simulation  SimulationParameters
}

func RequestControl() Command { return Command{OpCode: OpRequestControl} }
func Reset() Command          { return Command{OpCode: OpReset} }
func Start() Command          { return Command{OpCode: OpStartOrResume} }

func SetTargetPower(watts int16) Command {
	return Command{OpCode: OpSetTargetPower, TargetPower: watts}
}

func SetSimulation(params SimulationParameters) Command {
	return Command{OpCode: OpSetSimulation, Simulation: params}
}

func (c Command) String() string {
	switch c.OpCode {
	case OpSetTargetPower:
		return fmt.Sprintf("%s(%dW)", c.OpCode, c.TargetPower)
	case OpSetSimulation:
		return fmt.Sprintf("%s(%s)", c.OpCode, c.Simulation)
	default:
		return c.OpCode.String()
	}
}

// Encode returns the wire bytes of the command
func (c Command) Encode() ([]byte, error) {
	switch c.OpCode {
	case OpRequestControl, OpReset, OpStartOrResume:
		return []byte{byte(c.OpCode)}, nil
	case OpSetTargetPower:
		buf := make([]byte, setTargetPowerLen)
		buf[0] = byte(c.OpCode)
		binary.LittleEndian.PutUint16(buf[1:], uint16(c.TargetPower))
		return buf, nil
	case OpSetSimulation:
		r, err := c.Simulation.raw()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, setSimulationLen)
		buf[0] = byte(c.OpCode)
		binary.LittleEndian.PutUint16(buf[1:], uint16(r.wind))
		binary.LittleEndian.PutUint16(buf[3:], uint16(r.grade))
		buf[5] = r.crr
		buf[6] = r.cw
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOpCode, c.OpCode)
	}
}

// DecodeCommand parses a control point write. The returned error wraps
// ErrUnsupportedOpCode or ErrInvalidParameter.
func DecodeCommand(buf []byte) (Command, error) {
	if len(buf) == 0 {
		return Command{}, fmt.Errorf("%w: empty command", ErrInvalidParameter)
	}
	cmd := Command{OpCode: OpCode(buf[0])}
	switch cmd.OpCode {
	case OpRequestControl, OpReset, OpStartOrResume:
		if len(buf) != 1 {
			return cmd, fmt.Errorf("%w: %s takes no parameters", ErrInvalidParameter, cmd.OpCode)
		}
	case OpSetTargetPower:
		if len(buf) != setTargetPowerLen {
			return cmd, fmt.Errorf("%w: %s length %d", ErrInvalidParameter, cmd.OpCode, len(buf))
		}
		cmd.TargetPower = int16(binary.LittleEndian.Uint16(buf[1:]))
	case OpSetSimulation:
		if len(buf) != setSimulationLen {
			return cmd, fmt.Errorf("%w: %s length %d", ErrInvalidParameter, cmd.OpCode, len(buf))
		}
		cmd.Simulation = rawSimulation{
			wind:  int16(binary.LittleEndian.Uint16(buf[1:])),
			grade: int16(binary.LittleEndian.Uint16(buf[3:])),
			crr:   buf[5],
			cw:    buf[6],
		}.params()
	default:
		return cmd, fmt.Errorf("%w: %s", ErrUnsupportedOpCode, cmd.OpCode)
	}
	return cmd, nil
}

// Response is the indication answering a command
type Response struct {
	RequestOpCode OpCode
	Result        Result
}

func (r Response) Encode() []byte {
	return []byte{byte(OpResponseCode), byte(r.RequestOpCode), byte(r.Result)}
}

func (r Response) String() string {
	return fmt.Sprintf("%s -> %s", r.RequestOpCode, r.Result)
}

func DecodeResponse(buf []byte) (Response, error) {
	if len(buf) < responseLen {
		return Response{}, fmt.Errorf("ftms: response too short: %d bytes", len(buf))
	}
	if OpCode(buf[0]) != OpResponseCode {
		return Response{}, fmt.Errorf("ftms: unexpected response op code 0x%02X", buf[0])
	}
	return Response{RequestOpCode: OpCode(buf[1]), Result: Result(buf[2])}, nil
}

// ControlError is what the controlling side sees when a command is not
// acknowledged with Success. Err is set when no acknowledgment arrived.
type ControlError struct {
	Command Command
	Result  Result
	Err     error
}

func (e *ControlError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ftms: %s: %s: %v", e.Command, e.Result, e.Err)
	}
	return fmt.Sprintf("ftms: %s: %s", e.Command, e.Result)
}

func (e *ControlError) Unwrap() error {
	return e.Err
}

// IsResult reports whether err is a ControlError carrying result
func IsResult(err error, result Result) bool {
	var ce *ControlError
	return errors.As(err, &ce) && ce.Result == result
}
