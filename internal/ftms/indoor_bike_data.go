package ftms

import (
	"encoding/binary"
	"fmt"
)

// IndoorBikeData holds the fields of the Indoor Bike Data characteristic,
// scaled to natural units. A nil field was not present in the notification.
type IndoorBikeData struct {
	InstantaneousSpeedKmh   *float64
	AverageSpeedKmh         *float64
	InstantaneousCadenceRpm *float64
	AverageCadenceRpm       *float64
	TotalDistanceMeters     *uint32
	ResistanceLevel         *int16
	InstantaneousPowerWatts *int16
	AveragePowerWatts       *int16
	TotalEnergyKJ           *uint16
	EnergyPerHourKJ         *uint16
	EnergyPerMinuteKJ       *uint8
	HeartRateBpm            *uint8
	MetabolicEquivalent     *float64
	ElapsedTimeSeconds      *uint16
	RemainingTimeSeconds    *uint16
}

// Indoor Bike Data flag bits
const (
	ibdFlagMoreData             = 1 << 0 // inverted: clear means instantaneous speed present
	ibdFlagAverageSpeed         = 1 << 1
	ibdFlagInstantaneousCadence = 1 << 2
	ibdFlagAverageCadence       = 1 << 3
	ibdFlagTotalDistance        = 1 << 4
	ibdFlagResistanceLevel      = 1 << 5
	ibdFlagInstantaneousPower   = 1 << 6
	ibdFlagAveragePower         = 1 << 7
	ibdFlagExpendedEnergy       = 1 << 8
	ibdFlagHeartRate            = 1 << 9
	ibdFlagMetabolicEquivalent  = 1 << 10
	ibdFlagElapsedTime          = 1 << 11
	ibdFlagRemainingTime        = 1 << 12
)

type ibdReader struct {
	buf    []byte
	offset int
	err    error
}

func (r *ibdReader) take(n int, field string) []byte {
	if r.err != nil {
		return nil
	}
	if r.offset+n > len(r.buf) {
		r.err = fmt.Errorf("indoor bike data too short for %s at offset %d", field, r.offset)
		return nil
	}
	b := r.buf[r.offset : r.offset+n]
	r.offset += n
	return b
}

func (r *ibdReader) uint16(field string) (uint16, bool) {
	b := r.take(2, field)
	if b == nil {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

func (r *ibdReader) uint8(field string) (uint8, bool) {
	b := r.take(1, field)
	if b == nil {
		return 0, false
	}
	return b[0], true
}

func scaled(v uint16, ok bool, factor float64) *float64 {
	if !ok {
		return nil
	}
	f := float64(v) * factor
	return &f
}

func signed(v uint16, ok bool) *int16 {
	if !ok {
		return nil
	}
	s := int16(v)
	return &s
}

func plain[T any](v T, ok bool) *T {
	if !ok {
		return nil
	}
	return &v
}

// ParseIndoorBikeData parses every flag gated field in characteristic order
func ParseIndoorBikeData(buf []byte) (*IndoorBikeData, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("indoor bike data too short: %d bytes", len(buf))
	}
	flags := binary.LittleEndian.Uint16(buf)
	r := &ibdReader{buf: buf, offset: 2}
	data := &IndoorBikeData{}

	if flags&ibdFlagMoreData == 0 {
		v, ok := r.uint16("instantaneous speed")
		data.InstantaneousSpeedKmh = scaled(v, ok, 0.01)
	}
	if flags&ibdFlagAverageSpeed != 0 {
		v, ok := r.uint16("average speed")
		data.AverageSpeedKmh = scaled(v, ok, 0.01)
	}
	if flags&ibdFlagInstantaneousCadence != 0 {
		v, ok := r.uint16("instantaneous cadence")
		data.InstantaneousCadenceRpm = scaled(v, ok, 0.5)
	}
	if flags&ibdFlagAverageCadence != 0 {
		v, ok := r.uint16("average cadence")
		data.AverageCadenceRpm = scaled(v, ok, 0.5)
	}
	if flags&ibdFlagTotalDistance != 0 {
		if b := r.take(3, "total distance"); b != nil {
			d := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
			data.TotalDistanceMeters = &d
		}
	}
	if flags&ibdFlagResistanceLevel != 0 {
		data.ResistanceLevel = signed(r.uint16("resistance level"))
	}
	if flags&ibdFlagInstantaneousPower != 0 {
		data.InstantaneousPowerWatts = signed(r.uint16("instantaneous power"))
	}
	if flags&ibdFlagAveragePower != 0 {
		data.AveragePowerWatts = signed(r.uint16("average power"))
	}
	if flags&ibdFlagExpendedEnergy != 0 {
		data.TotalEnergyKJ = plain[uint16](r.uint16("total energy"))
		data.EnergyPerHourKJ = plain[uint16](r.uint16("energy per hour"))
		data.EnergyPerMinuteKJ = plain[uint8](r.uint8("energy per minute"))
	}
	if flags&ibdFlagHeartRate != 0 {
		data.HeartRateBpm = plain[uint8](r.uint8("heart rate"))
	}
	if flags&ibdFlagMetabolicEquivalent != 0 {
		v, ok := r.uint8("metabolic equivalent")
		data.MetabolicEquivalent = scaled(uint16(v), ok, 0.1)
	}
	if flags&ibdFlagElapsedTime != 0 {
		data.ElapsedTimeSeconds = plain[uint16](r.uint16("elapsed time"))
	}
	if flags&ibdFlagRemainingTime != 0 {
		data.RemainingTimeSeconds = plain[uint16](r.uint16("remaining time"))
	}

	if r.err != nil {
		return nil, r.err
	}
	return data, nil
}

// EncodeIndoorBikeData builds a notification with instantaneous speed,
// cadence and power, plus heart rate when hr is non zero
func EncodeIndoorBikeData(speedKmh, cadenceRpm float64, powerWatts int16, hr uint8) []byte {
	flags := uint16(ibdFlagInstantaneousCadence | ibdFlagInstantaneousPower)
	if hr != 0 {
		flags |= ibdFlagHeartRate
	}
	buf := make([]byte, 8, 9)
	binary.LittleEndian.PutUint16(buf[0:], flags)
	binary.LittleEndian.PutUint16(buf[2:], uint16(speedKmh*100))
	binary.LittleEndian.PutUint16(buf[4:], uint16(cadenceRpm*2))
	binary.LittleEndian.PutUint16(buf[6:], uint16(powerWatts))
	if hr != 0 {
		buf = append(buf, hr)
	}
	return buf
}
