package transport

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// DefaultWheelCircumference is a 700x25c road wheel in metres
const DefaultWheelCircumference = 2.105

const (
	maxCadenceRpm = 300
	maxSpeedKmh   = 150
)

// ParseHeartRate parses a Heart Rate Measurement notification
func ParseHeartRate(buf []byte) (uint16, error) {
	if len(buf) < 2 {
		return 0, fmt.Errorf("heart rate data too short: %d bytes", len(buf))
	}
	// bit 0 selects a uint16 value
	if buf[0]&0x01 != 0 {
		if len(buf) < 3 {
			return 0, fmt.Errorf("heart rate UINT16 data too short: %d bytes", len(buf))
		}
		return binary.LittleEndian.Uint16(buf[1:]), nil
	}
	return uint16(buf[1]), nil
}

// RevolutionData is a cumulative revolution count with its event time
type RevolutionData struct {
	Revolutions uint32
	EventTime   uint16
}

// CyclingPowerMeasurement is the part of the Cycling Power Measurement
// characteristic the power driver uses
type CyclingPowerMeasurement struct {
	PowerWatts int16
	Crank      *RevolutionData
}

// Cycling power measurement flag bits
const (
	cpFlagPedalPowerBalance = 1 << 0
	cpFlagAccumulatedTorque = 1 << 2
	cpFlagWheelRevolution   = 1 << 4
	cpFlagCrankRevolution   = 1 << 5
)

func ParseCyclingPower(buf []byte) (CyclingPowerMeasurement, error) {
	if len(buf) < 4 {
		return CyclingPowerMeasurement{}, fmt.Errorf("cycling power data too short: %d bytes", len(buf))
	}
	flags := binary.LittleEndian.Uint16(buf)
	m := CyclingPowerMeasurement{PowerWatts: int16(binary.LittleEndian.Uint16(buf[2:]))}

	offset := 4
	if flags&cpFlagPedalPowerBalance != 0 {
		offset++
	}
	if flags&cpFlagAccumulatedTorque != 0 {
		offset += 2
	}
	if flags&cpFlagWheelRevolution != 0 {
		offset += 6
	}
	if flags&cpFlagCrankRevolution != 0 {
		if offset+4 > len(buf) {
			return m, fmt.Errorf("cycling power data too short for crank data at offset %d", offset)
		}
		m.Crank = &RevolutionData{
			Revolutions: uint32(binary.LittleEndian.Uint16(buf[offset:])),
			EventTime:   binary.LittleEndian.Uint16(buf[offset+2:]),
		}
	}
	return m, nil
}

// CSCMeasurement is a Cycling Speed and Cadence Measurement notification
type CSCMeasurement struct {
	Wheel *RevolutionData
	Crank *RevolutionData
}

func ParseCSC(buf []byte) (CSCMeasurement, error) {
	if len(buf) < 1 {
		return CSCMeasurement{}, fmt.Errorf("CSC data too short: %d bytes", len(buf))
	}
	flags := buf[0]
	offset := 1
	var m CSCMeasurement

	// bit 0: wheel revolution data (uint32 revolutions, uint16 time)
	if flags&0x01 != 0 {
		if offset+6 > len(buf) {
			return m, fmt.Errorf("CSC data too short for wheel data at offset %d", offset)
		}
		m.Wheel = &RevolutionData{
			Revolutions: binary.LittleEndian.Uint32(buf[offset:]),
			EventTime:   binary.LittleEndian.Uint16(buf[offset+4:]),
		}
		offset += 6
	}
	// bit 1: crank revolution data (uint16 revolutions, uint16 time)
	if flags&0x02 != 0 {
		if offset+4 > len(buf) {
			return m, fmt.Errorf("CSC data too short for crank data at offset %d", offset)
		}
		m.Crank = &RevolutionData{
			Revolutions: uint32(binary.LittleEndian.Uint16(buf[offset:])),
			EventTime:   binary.LittleEndian.Uint16(buf[offset+2:]),
		}
	}
	return m, nil
}

// revolutionCounter turns successive cumulative readings into a rate.
// Counters and event times roll over; mask is the counter width.
type revolutionCounter struct {
	mu       sync.Mutex
	mask     uint32
	has      bool
	lastRevs uint32
	lastTime uint16
}

func newCrankCounter() *revolutionCounter {
	return &revolutionCounter{mask: 0xFFFF}
}

func newWheelCounter() *revolutionCounter {
	return &revolutionCounter{mask: 0xFFFFFFFF}
}

// update returns revolutions per minute since the previous reading, with
// event times in 1/1024 s. ok is false for the first reading and when no
// time has passed.
func (c *revolutionCounter) update(d RevolutionData) (rpm float64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.has {
		c.has = true
		c.lastRevs, c.lastTime = d.Revolutions, d.EventTime
		return 0, false
	}
	revDiff := (d.Revolutions - c.lastRevs) & c.mask
	timeDiff := d.EventTime - c.lastTime
	c.lastRevs, c.lastTime = d.Revolutions, d.EventTime
	if timeDiff == 0 {
		return 0, false
	}
	return float64(revDiff) * 60.0 * 1024.0 / float64(timeDiff), true
}

func (c *revolutionCounter) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.has = false
}

// cadenceFrom returns a plausible crank cadence
func cadenceFrom(c *revolutionCounter, d RevolutionData) (float64, bool) {
	rpm, ok := c.update(d)
	if !ok || rpm < 0 || rpm > maxCadenceRpm {
		return 0, false
	}
	return rpm, true
}

// speedFrom returns a plausible speed in km/h
func speedFrom(c *revolutionCounter, d RevolutionData, circumference float64) (float64, bool) {
	rpm, ok := c.update(d)
	if !ok {
		return 0, false
	}
	kmh := rpm * circumference * 60 / 1000
	if kmh < 0 || kmh > maxSpeedKmh {
		return 0, false
	}
	return kmh, true
}
