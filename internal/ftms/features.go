package ftms

import (
	"encoding/binary"
	"fmt"
)

// Target setting feature bits of the Fitness Machine Feature characteristic
const (
	TargetPowerSupported          uint32 = 1 << 3
	IndoorBikeSimulationSupported uint32 = 1 << 13
)

// Fitness machine feature bits
const (
	CadenceSupported          uint32 = 1 << 1
	HeartRateSupported        uint32 = 1 << 10
	PowerMeasurementSupported uint32 = 1 << 14
)

const featuresLen = 8

// Features is the Fitness Machine Feature characteristic
type Features struct {
	Machine       uint32
	TargetSetting uint32
}

func ParseFeatures(buf []byte) (Features, error) {
	if len(buf) < featuresLen {
		return Features{}, fmt.Errorf("ftms: feature data too short: %d bytes", len(buf))
	}
	return Features{
		Machine:       binary.LittleEndian.Uint32(buf[0:4]),
		TargetSetting: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

func (f Features) Encode() []byte {
	buf := make([]byte, featuresLen)
	binary.LittleEndian.PutUint32(buf[0:4], f.Machine)
	binary.LittleEndian.PutUint32(buf[4:8], f.TargetSetting)
	return buf
}

func (f Features) SupportsPowerTarget() bool {
	return f.TargetSetting&TargetPowerSupported != 0
}

func (f Features) SupportsSimulation() bool {
	return f.TargetSetting&IndoorBikeSimulationSupported != 0
}

// PowerRange is the Supported Power Range characteristic
type PowerRange struct {
	Min       int16
	Max       int16
	Increment uint16
}

func ParsePowerRange(buf []byte) (PowerRange, error) {
	if len(buf) < 6 {
		return PowerRange{}, fmt.Errorf("ftms: power range data too short: %d bytes", len(buf))
	}
	r := PowerRange{
		Min:       int16(binary.LittleEndian.Uint16(buf[0:2])),
		Max:       int16(binary.LittleEndian.Uint16(buf[2:4])),
		Increment: binary.LittleEndian.Uint16(buf[4:6]),
	}
	if r.Min > r.Max {
		return PowerRange{}, fmt.Errorf("ftms: power range min %d above max %d", r.Min, r.Max)
	}
	return r, nil
}

func (r PowerRange) Encode() []byte {
	buf := make([]byte, 6)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(r.Min))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(r.Max))
	binary.LittleEndian.PutUint16(buf[4:6], r.Increment)
	return buf
}

func (r PowerRange) Contains(watts int16) bool {
	return watts >= r.Min && watts <= r.Max
}

func (r PowerRange) Clamp(watts int16) int16 {
	if watts < r.Min {
		return r.Min
	}
	if watts > r.Max {
		return r.Max
	}
	return watts
}
