// Package simulator provides simulated BLE fitness peripherals on top of the
// mock radio: a smart trainer that answers the control point, a heart rate
// strap, a power meter and a cadence sensor.
package simulator

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/transport"
)

const (
	riderMassKg = 85.0
	gravity     = 9.81
	airDensity  = 1.225
)

// Metrics is what the simulated rider and machine are producing
type Metrics struct {
	Power     int16   `json:"power"`
	Cadence   float64 `json:"cadence"`
	SpeedKmh  float64 `json:"speedKmh"`
	HeartRate uint8   `json:"heartRate"`
}

type PeripheralConfig struct {
	Address string
	Name    string
	// Profiles are transport names: fitness_machine, cycling_power,
	// cycling_speed_cadence, heart_rate
	Profiles    []string
	Handshake   ftms.HandshakePolicy
	StalePolicy ftms.StalePolicy
	StaleAfter  time.Duration
	PowerRange  ftms.PowerRange
	// Features overrides the fitness machine feature bits when non zero
	Features ftms.Features
}

// Trainer returns the configuration of a smart trainer that also carries a
// cycling power service
func Trainer(address, name string) PeripheralConfig {
	return PeripheralConfig{
		Address:     address,
		Name:        name,
		Profiles:    []string{transport.FitnessMachine, transport.CyclingPower},
		Handshake:   ftms.HandshakeStrict,
		StalePolicy: ftms.StaleDropToIdle,
		PowerRange:  ftms.PowerRange{Min: 0, Max: 2000, Increment: 1},
	}
}

func HeartRateStrap(address, name string) PeripheralConfig {
	return PeripheralConfig{Address: address, Name: name, Profiles: []string{transport.HeartRate}}
}

func PowerMeter(address, name string) PeripheralConfig {
	return PeripheralConfig{Address: address, Name: name, Profiles: []string{transport.CyclingPower}}
}

func CadenceSensor(address, name string) PeripheralConfig {
	return PeripheralConfig{Address: address, Name: name, Profiles: []string{transport.CyclingSpeedCadence}}
}

// Peripheral is a simulated device. Control point writes are answered by
// an ftms.ControlPoint whose applier moves the simulated power.
type Peripheral struct {
	logger  *log.Logger
	cfg     PeripheralConfig
	mock    *bt.MockPeripheral
	control *ftms.ControlPoint

	mu      sync.Mutex
	metrics Metrics
	// power the rider produces without resistance control
	freePower int16
	sim       *ftms.SimulationParameters

	crankRevs      uint16
	crankEventTime uint16
	crankRemainder float64
	lastCrank      time.Time
}

var serviceByProfile = map[string]string{
	transport.FitnessMachine:      bt.ServiceUUIDFTMS,
	transport.CyclingPower:        bt.ServiceUUIDCyclingPower,
	transport.CyclingSpeedCadence: bt.ServiceUUIDCyclingSpeedCadence,
	transport.HeartRate:           bt.ServiceUUIDHeartRate,
}

func NewPeripheral(logger *log.Logger, cfg PeripheralConfig) (*Peripheral, error) {
	if logger == nil {
		panic("Peripheral: logger cannot be nil")
	}
	services := []string{bt.ServiceUUIDDeviceInformation}
	for _, profile := range cfg.Profiles {
		svc, ok := serviceByProfile[profile]
		if !ok {
			return nil, fmt.Errorf("simulator: unknown profile %q", profile)
		}
		services = append(services, svc)
	}

	p := &Peripheral{
		logger: logger,
		cfg:    cfg,
		mock:   bt.NewMockPeripheral(logger, cfg.Address, cfg.Name, services...),
		metrics: Metrics{
			Power:     100,
			Cadence:   80,
			SpeedKmh:  25,
			HeartRate: 70,
		},
		freePower: 100,
	}
	p.mock.SetRead(bt.ServiceUUIDDeviceInformation, bt.CharUUIDFirmwareRevision, []byte("sim-1.0"))

	if p.has(transport.FitnessMachine) {
		features := cfg.Features
		if features == (ftms.Features{}) {
			features = ftms.Features{
				Machine:       ftms.CadenceSupported | ftms.PowerMeasurementSupported,
				TargetSetting: ftms.TargetPowerSupported | ftms.IndoorBikeSimulationSupported,
			}
		}
		powerRange := cfg.PowerRange
		p.control = ftms.NewControlPoint(ftms.ControlPointConfig{
			Handshake:   cfg.Handshake,
			StalePolicy: cfg.StalePolicy,
			StaleAfter:  cfg.StaleAfter,
			PowerRange:  &powerRange,
			Applier:     p,
		})
		p.mock.SetRead(bt.ServiceUUIDFTMS, bt.CharUUIDFTMSFeature, features.Encode())
		p.mock.SetRead(bt.ServiceUUIDFTMS, bt.CharUUIDSupportedPowerRange, powerRange.Encode())
		p.mock.OnWrite(bt.ServiceUUIDFTMS, bt.CharUUIDFTMSControlPoint, p.handleControlWrite)
	}
	return p, nil
}

func (p *Peripheral) has(profile string) bool {
	for _, pr := range p.cfg.Profiles {
		if pr == profile {
			return true
		}
	}
	return false
}

func (p *Peripheral) Address() string {
	return p.cfg.Address
}

func (p *Peripheral) Name() string {
	return p.cfg.Name
}

// Mock exposes the underlying mock peripheral for fault injection
func (p *Peripheral) Mock() *bt.MockPeripheral {
	return p.mock
}

// Session returns the trainer's control session, Idle for sensors
func (p *Peripheral) Session() ftms.Session {
	if p.control == nil {
		return ftms.Session{}
	}
	return p.control.Session()
}

func (p *Peripheral) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// SetRiderInput sets what the rider is doing. Power only takes effect
// while the trainer is not holding a target.
func (p *Peripheral) SetRiderInput(m Metrics) {
	holding := p.Session().HasTarget
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freePower = m.Power
	p.metrics.Cadence = m.Cadence
	p.metrics.SpeedKmh = m.SpeedKmh
	p.metrics.HeartRate = m.HeartRate
	if p.sim == nil && !holding {
		p.metrics.Power = m.Power
	}
}

func (p *Peripheral) handleControlWrite(data []byte) error {
	resp := p.control.HandleWrite(data, time.Now())
	p.logger.Printf("Simulator: %s control point %x -> %s", p.cfg.Name, data, resp)
	p.mock.Notify(bt.ServiceUUIDFTMS, bt.CharUUIDFTMSControlPoint, resp.Encode())
	return nil
}

// ApplyTargetPower holds the simulated power at watts
func (p *Peripheral) ApplyTargetPower(watts int16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sim = nil
	p.metrics.Power = watts
	return nil
}

// ApplySimulation derives power from the road model at the current speed
func (p *Peripheral) ApplySimulation(params ftms.SimulationParameters) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sim = &params
	p.metrics.Power = roadPower(params, p.metrics.SpeedKmh)
	return nil
}

func (p *Peripheral) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sim = nil
	p.metrics.Power = p.freePower
	return nil
}

// roadPower is the power needed to hold speedKmh under params
func roadPower(params ftms.SimulationParameters, speedKmh float64) int16 {
	v := speedKmh / 3.6
	air := v + params.WindSpeed
	rolling := params.Crr * riderMassKg * gravity
	climbing := riderMassKg * gravity * params.Grade / 100
	drag := 0.5 * airDensity * params.Cw * air * math.Abs(air)
	watts := (rolling + climbing + drag) * v
	return int16(math.Max(0, math.Min(watts, math.MaxInt16)))
}

// Tick applies the control stale policy, ends sessions whose link dropped
// and sends one notification per subscribed profile
func (p *Peripheral) Tick(now time.Time) {
	if p.control != nil {
		if !p.mock.IsConnected() && p.control.Session().State != ftms.Idle {
			p.logger.Printf("Simulator: %s link gone, control released", p.cfg.Name)
			p.control.Relinquish()
		} else if p.control.Expire(now) {
			p.logger.Printf("Simulator: %s control session expired", p.cfg.Name)
		}
	}

	p.mu.Lock()
	if p.sim != nil {
		p.metrics.Power = roadPower(*p.sim, p.metrics.SpeedKmh)
	}
	m := p.metrics
	csc := p.advanceCrankLocked(now)
	p.mu.Unlock()

	for _, profile := range p.cfg.Profiles {
		switch profile {
		case transport.FitnessMachine:
			p.mock.Notify(bt.ServiceUUIDFTMS, bt.CharUUIDIndoorBikeData,
				ftms.EncodeIndoorBikeData(m.SpeedKmh, m.Cadence, m.Power, 0))
		case transport.CyclingPower:
			p.mock.Notify(bt.ServiceUUIDCyclingPower, bt.CharUUIDCyclingPowerMeasurement, encodeCyclingPower(m.Power))
		case transport.CyclingSpeedCadence:
			p.mock.Notify(bt.ServiceUUIDCyclingSpeedCadence, bt.CharUUIDCSCMeasurement, csc)
		case transport.HeartRate:
			p.mock.Notify(bt.ServiceUUIDHeartRate, bt.CharUUIDHeartRateMeasurement, []byte{0x00, m.HeartRate})
		}
	}
}

// advanceCrankLocked accumulates crank revolutions for the elapsed time at
// the current cadence and encodes a CSC measurement
func (p *Peripheral) advanceCrankLocked(now time.Time) []byte {
	if !p.lastCrank.IsZero() {
		elapsed := now.Sub(p.lastCrank).Seconds()
		if elapsed > 0 && p.metrics.Cadence > 0 {
			revs := p.metrics.Cadence/60*elapsed + p.crankRemainder
			whole := math.Floor(revs)
			p.crankRemainder = revs - whole
			p.crankRevs += uint16(whole)
			p.crankEventTime += uint16(elapsed * 1024)
		}
	}
	p.lastCrank = now

	buf := make([]byte, 5)
	buf[0] = 0x02
	binary.LittleEndian.PutUint16(buf[1:], p.crankRevs)
	binary.LittleEndian.PutUint16(buf[3:], p.crankEventTime)
	return buf
}

func encodeCyclingPower(watts int16) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[2:], uint16(watts))
	return buf
}
