package transport

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/capability"
)

func requireService(services bt.ServiceSet, uuid string) error {
	if !services.Has(uuid) {
		return fmt.Errorf("service %s not present on device", uuid)
	}
	return nil
}

type heartRateDriver struct {
	baseDriver
	logger *log.Logger
}

func NewHeartRateDriver(logger *log.Logger) Driver {
	return &heartRateDriver{logger: logger}
}

func (d *heartRateDriver) Capabilities() capability.Set {
	return capability.Of(capability.HeartRate)
}

func (d *heartRateDriver) Attach(ctx context.Context, link bt.Link, services bt.ServiceSet, emit Sink) error {
	if err := requireService(services, bt.ServiceUUIDHeartRate); err != nil {
		return err
	}
	return link.EnableNotifications(ctx, bt.ServiceUUIDHeartRate, bt.CharUUIDHeartRateMeasurement, func(buf []byte) {
		hr, err := ParseHeartRate(buf)
		if err != nil {
			d.logger.Printf("HeartRate: error parsing measurement: %v", err)
			return
		}
		emit(Sample{Capability: capability.HeartRate, Value: float64(hr), At: time.Now()})
	})
}

func (d *heartRateDriver) Detach(ctx context.Context, link bt.Link) error {
	if link == nil {
		return nil
	}
	return link.DisableNotifications(ctx, bt.ServiceUUIDHeartRate, bt.CharUUIDHeartRateMeasurement)
}

type cyclingPowerDriver struct {
	baseDriver
	logger *log.Logger
	crank  *revolutionCounter
}

func NewCyclingPowerDriver(logger *log.Logger) Driver {
	return &cyclingPowerDriver{logger: logger, crank: newCrankCounter()}
}

func (d *cyclingPowerDriver) Capabilities() capability.Set {
	return capability.Of(capability.Power, capability.Cadence)
}

func (d *cyclingPowerDriver) Attach(ctx context.Context, link bt.Link, services bt.ServiceSet, emit Sink) error {
	if err := requireService(services, bt.ServiceUUIDCyclingPower); err != nil {
		return err
	}
	d.crank.reset()
	return link.EnableNotifications(ctx, bt.ServiceUUIDCyclingPower, bt.CharUUIDCyclingPowerMeasurement, func(buf []byte) {
		m, err := ParseCyclingPower(buf)
		if err != nil {
			d.logger.Printf("CyclingPower: error parsing measurement: %v", err)
			return
		}
		now := time.Now()
		emit(Sample{Capability: capability.Power, Value: float64(m.PowerWatts), At: now})
		if m.Crank != nil {
			if rpm, ok := cadenceFrom(d.crank, *m.Crank); ok {
				emit(Sample{Capability: capability.Cadence, Value: rpm, At: now})
			}
		}
	})
}

func (d *cyclingPowerDriver) Detach(ctx context.Context, link bt.Link) error {
	if link == nil {
		return nil
	}
	return link.DisableNotifications(ctx, bt.ServiceUUIDCyclingPower, bt.CharUUIDCyclingPowerMeasurement)
}

type cscDriver struct {
	baseDriver
	logger        *log.Logger
	circumference float64
	crank         *revolutionCounter
	wheel         *revolutionCounter
}

func NewCyclingSpeedCadenceDriver(logger *log.Logger, wheelCircumference float64) Driver {
	if wheelCircumference <= 0 {
		wheelCircumference = DefaultWheelCircumference
	}
	return &cscDriver{
		logger:        logger,
		circumference: wheelCircumference,
		crank:         newCrankCounter(),
		wheel:         newWheelCounter(),
	}
}

func (d *cscDriver) Capabilities() capability.Set {
	return capability.Of(capability.Cadence, capability.Speed)
}

func (d *cscDriver) Attach(ctx context.Context, link bt.Link, services bt.ServiceSet, emit Sink) error {
	if err := requireService(services, bt.ServiceUUIDCyclingSpeedCadence); err != nil {
		return err
	}
	d.crank.reset()
	d.wheel.reset()
	return link.EnableNotifications(ctx, bt.ServiceUUIDCyclingSpeedCadence, bt.CharUUIDCSCMeasurement, func(buf []byte) {
		m, err := ParseCSC(buf)
		if err != nil {
			d.logger.Printf("CSC: error parsing measurement: %v", err)
			return
		}
		now := time.Now()
		if m.Crank != nil {
			if rpm, ok := cadenceFrom(d.crank, *m.Crank); ok {
				emit(Sample{Capability: capability.Cadence, Value: rpm, At: now})
			}
		}
		if m.Wheel != nil {
			if kmh, ok := speedFrom(d.wheel, *m.Wheel, d.circumference); ok {
				emit(Sample{Capability: capability.Speed, Value: kmh, At: now})
			}
		}
	})
}

func (d *cscDriver) Detach(ctx context.Context, link bt.Link) error {
	if link == nil {
		return nil
	}
	return link.DisableNotifications(ctx, bt.ServiceUUIDCyclingSpeedCadence, bt.CharUUIDCSCMeasurement)
}
