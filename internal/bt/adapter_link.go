package bt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/safe_map"
	"tinygo.org/x/bluetooth"
)

type adapterLink struct {
	address                string
	device                 bluetooth.Device
	logger                 *log.Logger
	bleMu                  sync.Mutex // Serializes BLE operations (discovery, notifications, reads, writes)
	serviceByUuid          *safe_map.SafeMap[string, *bluetooth.DeviceService]
	characteristicByUuid   *safe_map.SafeMap[string, *bluetooth.DeviceCharacteristic]
	serviceCharsDiscovered *safe_map.SafeMap[string, bool]
	allServicesDiscovered  bool
	done                   chan struct{}
	doneOnce               sync.Once
}

func newAdapterLink(logger *log.Logger, address string, device bluetooth.Device) *adapterLink {
	return &adapterLink{
		address:                address,
		device:                 device,
		logger:                 logger,
		serviceByUuid:          safe_map.NewSafeMap[string, *bluetooth.DeviceService](),
		characteristicByUuid:   safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic](),
		serviceCharsDiscovered: safe_map.NewSafeMap[string, bool](),
		done:                   make(chan struct{}),
	}
}

func (l *adapterLink) Address() string {
	return l.address
}

func (l *adapterLink) Done() <-chan struct{} {
	return l.done
}

func (l *adapterLink) markDisconnected() {
	l.doneOnce.Do(func() { close(l.done) })
}

func (l *adapterLink) connected() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

func (l *adapterLink) Disconnect() error {
	defer l.markDisconnected()
	if !l.connected() {
		return nil
	}
	return l.device.Disconnect()
}

func (l *adapterLink) DiscoverServices(ctx context.Context) (ServiceSet, error) {
	var result ServiceSet
	err := runWithContext(ctx, func() error {
		l.bleMu.Lock()
		defer l.bleMu.Unlock()
		if err := l.discoverAllServices(); err != nil {
			return err
		}
		for _, svc := range l.serviceByUuid.Values() {
			result = append(result, svc.UUID().String())
		}
		return nil
	})
	return result, err
}

// discoverAllServices discovers every service in one go. Discovering single
// services repeatedly interrupts notifications already enabled on others.
// Must be called with bleMu held.
func (l *adapterLink) discoverAllServices() error {
	if l.allServicesDiscovered {
		return nil
	}
	if !l.connected() {
		return ErrNotConnected
	}
	l.logger.Printf("BTLink: discovering all services for %s", l.address)
	services, err := l.device.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("error discovering services: %w", err)
	}
	for i := range services {
		svc := &services[i]
		l.serviceByUuid.Store(svc.UUID().String(), svc)
		l.logger.Printf("BTLink: cached service %s", svc.UUID().String())
	}
	l.allServicesDiscovered = true
	return nil
}

// Must be called with bleMu held
func (l *adapterLink) characteristic(serviceUuidStr, charUuidStr string) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}
	charUuid, err := bluetooth.ParseUUID(charUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", charUuidStr, err)
	}
	serviceKey := serviceUuid.String()
	comboKey := serviceKey + "_" + charUuid.String()

	if characteristic, ok := l.characteristicByUuid.Load(comboKey); ok {
		return characteristic, nil
	}

	if discovered, _ := l.serviceCharsDiscovered.Load(serviceKey); !discovered {
		if err := l.discoverAllServices(); err != nil {
			return nil, err
		}
		service, ok := l.serviceByUuid.Load(serviceKey)
		if !ok {
			return nil, fmt.Errorf("service %v not found on device", serviceKey)
		}
		l.logger.Printf("BTLink: discovering all characteristics for service %s", serviceKey)
		chars, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %v: %w", serviceKey, err)
		}
		for i := range chars {
			char := &chars[i]
			l.characteristicByUuid.Store(serviceKey+"_"+char.UUID().String(), char)
		}
		l.serviceCharsDiscovered.Store(serviceKey, true)
	}

	characteristic, ok := l.characteristicByUuid.Load(comboKey)
	if !ok {
		return nil, fmt.Errorf("characteristic %v not found in service %v", charUuid.String(), serviceKey)
	}
	return characteristic, nil
}

func (l *adapterLink) ReadCharacteristic(ctx context.Context, serviceUUID, charUUID string) ([]byte, error) {
	var data []byte
	err := runWithContext(ctx, func() error {
		l.bleMu.Lock()
		defer l.bleMu.Unlock()
		characteristic, err := l.characteristic(serviceUUID, charUUID)
		if err != nil {
			return err
		}
		buf := make([]byte, 512)
		n, err := characteristic.Read(buf)
		if err != nil {
			return fmt.Errorf("failed to read characteristic: %w", err)
		}
		data = buf[:n]
		return nil
	})
	return data, err
}

func (l *adapterLink) WriteCharacteristic(ctx context.Context, serviceUUID, charUUID string, data []byte) error {
	return runWithContext(ctx, func() error {
		l.bleMu.Lock()
		defer l.bleMu.Unlock()
		characteristic, err := l.characteristic(serviceUUID, charUUID)
		if err != nil {
			return err
		}
		if _, err := characteristic.Write(data); err != nil {
			return fmt.Errorf("failed to write characteristic: %w", err)
		}
		return nil
	})
}

func (l *adapterLink) EnableNotifications(ctx context.Context, serviceUUID, charUUID string, callback func(buf []byte)) error {
	if callback == nil {
		return errors.New("callback cannot be nil")
	}
	return runWithContext(ctx, func() error {
		l.bleMu.Lock()
		defer l.bleMu.Unlock()
		characteristic, err := l.characteristic(serviceUUID, charUUID)
		if err != nil {
			return err
		}
		if err := characteristic.EnableNotifications(callback); err != nil {
			return fmt.Errorf("failed to enable notifications: %w", err)
		}
		l.logger.Printf("BTLink: notifications enabled for %s", charUUID)
		return nil
	})
}

func (l *adapterLink) DisableNotifications(ctx context.Context, serviceUUID, charUUID string) error {
	return runWithContext(ctx, func() error {
		l.bleMu.Lock()
		defer l.bleMu.Unlock()
		characteristic, err := l.characteristic(serviceUUID, charUUID)
		if err != nil {
			return err
		}
		// a nil callback disables notifications
		if err := characteristic.EnableNotifications(nil); err != nil {
			return fmt.Errorf("failed to disable notifications: %w", err)
		}
		return nil
	})
}
