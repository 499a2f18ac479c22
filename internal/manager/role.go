package manager

import (
	"fmt"
	"strings"
	"time"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/capability"
)

// Role is a logical job a device does in a session
type Role uint8

const (
	PrimaryTrainer Role = iota
	PowerSource
	CadenceSource
	SpeedSource
	HeartRateSource
)

// Roles lists every role in display order
var Roles = []Role{PrimaryTrainer, PowerSource, CadenceSource, SpeedSource, HeartRateSource}

func (r Role) String() string {
	switch r {
	case PrimaryTrainer:
		return "PrimaryTrainer"
	case PowerSource:
		return "PowerSource"
	case CadenceSource:
		return "CadenceSource"
	case SpeedSource:
		return "SpeedSource"
	case HeartRateSource:
		return "HeartRateSource"
	default:
		return "Unknown"
	}
}

// Capability is what a device must provide to hold the role
func (r Role) Capability() capability.Capability {
	switch r {
	case PowerSource:
		return capability.Power
	case CadenceSource:
		return capability.Cadence
	case SpeedSource:
		return capability.Speed
	case HeartRateSource:
		return capability.HeartRate
	default:
		return capability.ErgControl
	}
}

// ParseRole accepts the role name in any case, with or without
// underscores ("power_source", "PowerSource")
func ParseRole(s string) (Role, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "")
	for _, r := range Roles {
		if strings.ToLower(r.String()) == normalized {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// Assignment binds a role to a device identifier
type Assignment struct {
	Role       Role
	DeviceID   string
	DeviceName string
	AssignedAt time.Time
}

func (a Assignment) String() string {
	return fmt.Sprintf("%s -> %s (%s)", a.Role, a.DeviceName, a.DeviceID)
}
