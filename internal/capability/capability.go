package capability

import "strings"

// Capability is a data or control feature a transport can provide
type Capability uint8

const (
	Power Capability = iota
	Cadence
	Speed
	HeartRate
	ErgControl
	SimulationControl
	count
)

// All lists every capability in declaration order
var All = []Capability{Power, Cadence, Speed, HeartRate, ErgControl, SimulationControl}

// Data lists the capabilities that carry a measurement stream
var Data = []Capability{Power, Cadence, Speed, HeartRate}

func (c Capability) String() string {
	switch c {
	case Power:
		return "Power"
	case Cadence:
		return "Cadence"
	case Speed:
		return "Speed"
	case HeartRate:
		return "HeartRate"
	case ErgControl:
		return "ErgControl"
	case SimulationControl:
		return "SimulationControl"
	default:
		return "Unknown"
	}
}

// IsData returns true if the capability produces measurement samples
func (c Capability) IsData() bool {
	return c <= HeartRate
}

// Set is a bitset of capabilities
type Set uint8

// Of builds a set from the given capabilities
func Of(caps ...Capability) Set {
	var s Set
	for _, c := range caps {
		s = s.With(c)
	}
	return s
}

func (s Set) With(c Capability) Set {
	if c >= count {
		return s
	}
	return s | 1<<c
}

func (s Set) Has(c Capability) bool {
	return c < count && s&(1<<c) != 0
}

func (s Set) Union(other Set) Set {
	return s | other
}

func (s Set) IsEmpty() bool {
	return s == 0
}

// Slice returns the members in declaration order
func (s Set) Slice() []Capability {
	result := make([]Capability, 0, count)
	for _, c := range All {
		if s.Has(c) {
			result = append(result, c)
		}
	}
	return result
}

func (s Set) String() string {
	names := make([]string, 0, count)
	for _, c := range s.Slice() {
		names = append(names, c.String())
	}
	return "{" + strings.Join(names, ", ") + "}"
}
