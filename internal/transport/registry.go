package transport

import (
	"fmt"
	"log"
	"strings"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/bt"
)

// Registered transport names
const (
	FitnessMachine      = "fitness_machine"
	CyclingPower        = "cycling_power"
	CyclingSpeedCadence = "cycling_speed_cadence"
	HeartRate           = "heart_rate"
)

// DefaultOrder is the registration order, which is also the tie-break
// order when two transports of a device provide the same capability
var DefaultOrder = []string{FitnessMachine, CyclingPower, CyclingSpeedCadence, HeartRate}

// Factory pairs a fast compatibility check with a driver constructor
type Factory struct {
	Name string
	// Matches looks at advertising data only; it must not touch the radio
	Matches func(adv bt.Advertisement) bool
	New     func(logger *log.Logger) Driver
}

func advertisesService(uuid string) func(bt.Advertisement) bool {
	return func(adv bt.Advertisement) bool {
		return adv.HasServiceUUID(uuid)
	}
}

// FactoryByName returns the factory registered under name
func FactoryByName(name string, cfg DriverConfig) (Factory, error) {
	switch name {
	case FitnessMachine:
		return Factory{
			Name:    FitnessMachine,
			Matches: advertisesService(bt.ServiceUUIDFTMS),
			New:     func(logger *log.Logger) Driver { return NewFitnessMachineDriver(logger, cfg) },
		}, nil
	case CyclingPower:
		return Factory{
			Name:    CyclingPower,
			Matches: advertisesService(bt.ServiceUUIDCyclingPower),
			New:     NewCyclingPowerDriver,
		}, nil
	case CyclingSpeedCadence:
		return Factory{
			Name:    CyclingSpeedCadence,
			Matches: advertisesService(bt.ServiceUUIDCyclingSpeedCadence),
			New: func(logger *log.Logger) Driver {
				return NewCyclingSpeedCadenceDriver(logger, cfg.WheelCircumference)
			},
		}, nil
	case HeartRate:
		return Factory{
			Name:    HeartRate,
			Matches: advertisesService(bt.ServiceUUIDHeartRate),
			New:     NewHeartRateDriver,
		}, nil
	default:
		return Factory{}, fmt.Errorf("unknown transport %q", name)
	}
}

// FactoriesByName builds factories in the given order
func FactoriesByName(names []string, cfg DriverConfig) ([]Factory, error) {
	factories := make([]Factory, 0, len(names))
	seen := make(map[string]bool)
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		f, err := FactoryByName(name, cfg)
		if err != nil {
			return nil, err
		}
		factories = append(factories, f)
	}
	return factories, nil
}

// Registry holds the known transport kinds in registration order. It is
// built once at startup and passed to whoever needs it.
type Registry struct {
	logger    *log.Logger
	factories []Factory
}

func NewRegistry(logger *log.Logger, factories ...Factory) *Registry {
	if logger == nil {
		panic("Registry: logger cannot be nil")
	}
	return &Registry{logger: logger, factories: factories}
}

// NewDefaultRegistry registers every built in transport in DefaultOrder
func NewDefaultRegistry(logger *log.Logger, cfg DriverConfig) *Registry {
	factories, err := FactoriesByName(DefaultOrder, cfg)
	if err != nil {
		panic(err)
	}
	return NewRegistry(logger, factories...)
}

// Register appends a factory; it ranks after every earlier one
func (r *Registry) Register(f Factory) {
	r.factories = append(r.factories, f)
}

func (r *Registry) Names() []string {
	names := make([]string, len(r.factories))
	for i, f := range r.factories {
		names[i] = f.Name
	}
	return names
}

// Rank returns the registration position of name, or -1
func (r *Registry) Rank(name string) int {
	for i, f := range r.factories {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Matching returns the names of the factories whose fast check accepts adv
func (r *Registry) Matching(adv bt.Advertisement) []string {
	var names []string
	for _, f := range r.factories {
		if f.Matches(adv) {
			names = append(names, f.Name)
		}
	}
	return names
}

// Candidates returns fresh unattached transports for every factory whose
// fast check accepts adv, in registration order
func (r *Registry) Candidates(adv bt.Advertisement) []*Transport {
	var transports []*Transport
	for _, f := range r.factories {
		if !f.Matches(adv) {
			continue
		}
		transports = append(transports, New(f.Name, adv.Address, f.New(r.logger), r.logger))
	}
	return transports
}
