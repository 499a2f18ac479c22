package bt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/safe_map"
	"tinygo.org/x/bluetooth"
)

// AdapterRadio is the Radio backed by the host Bluetooth adapter
type AdapterRadio struct {
	adapter  *bluetooth.Adapter
	logger   *log.Logger
	seen     *safe_map.SafeMap[string, bluetooth.Address]
	links    *safe_map.SafeMap[string, *adapterLink]
	mu       sync.Mutex
	scanning bool
}

// Verify AdapterRadio implements Radio
var _ Radio = (*AdapterRadio)(nil)

func NewAdapterRadio(adapter *bluetooth.Adapter, logger *log.Logger) *AdapterRadio {
	if adapter == nil {
		panic("AdapterRadio: adapter cannot be nil")
	}
	if logger == nil {
		panic("AdapterRadio: logger cannot be nil")
	}
	return &AdapterRadio{
		adapter: adapter,
		logger:  logger,
		seen:    safe_map.NewSafeMap[string, bluetooth.Address](),
		links:   safe_map.NewSafeMap[string, *adapterLink](),
	}
}

func (r *AdapterRadio) Enable() error {
	// Connection drops are reported adapter-wide; route them to the owning link
	r.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := device.Address.String()
		if connected {
			r.logger.Printf("AdapterRadio: device connected: %s", addressStr)
			return
		}
		r.logger.Printf("AdapterRadio: device disconnected: %s", addressStr)
		if link, ok := r.links.Load(addressStr); ok {
			link.markDisconnected()
			r.links.Delete(addressStr)
		}
	})

	if err := r.adapter.Enable(); err != nil {
		return &DiscoveryError{Op: "enable adapter", Err: err}
	}
	return nil
}

func (r *AdapterRadio) Scan(ctx context.Context, handle func(Advertisement)) error {
	r.mu.Lock()
	if r.scanning {
		r.mu.Unlock()
		return &DiscoveryError{Op: "scan", Err: errors.New("scan already running")}
	}
	r.scanning = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.scanning = false
		r.mu.Unlock()
	}()

	result := make(chan error, 1)
	go func() {
		result <- r.adapter.Scan(func(adapter *bluetooth.Adapter, device bluetooth.ScanResult) {
			select {
			case <-ctx.Done():
				// still need StopScan on the adapter, ignore the result
				return
			default:
			}
			r.seen.Store(device.Address.String(), device.Address)
			handle(advertisementFromScanResult(device, time.Now()))
		})
	}()

	select {
	case err := <-result:
		if err != nil {
			return &DiscoveryError{Op: "scan", Err: err}
		}
		return nil
	case <-ctx.Done():
		if err := r.adapter.StopScan(); err != nil {
			r.logger.Printf("AdapterRadio: error stopping scan: %v", err)
		}
		if err := <-result; err != nil {
			r.logger.Printf("AdapterRadio: scan ended with: %v", err)
		}
		return nil
	}
}

// Connect opens a link to an address previously reported by Scan.
// If ctx ends first, a connection that completes later is torn down.
func (r *AdapterRadio) Connect(ctx context.Context, address string) (Link, error) {
	addr, ok := r.seen.Load(address)
	if !ok {
		return nil, &DiscoveryError{Op: "connect", Err: fmt.Errorf("address %s has not been seen by a scan", address)}
	}

	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	result := make(chan connectResult, 1)
	go func() {
		device, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
		result <- connectResult{device: device, err: err}
	}()

	select {
	case res := <-result:
		if res.err != nil {
			return nil, &DiscoveryError{Op: "connect", Err: res.err}
		}
		link := newAdapterLink(r.logger, address, res.device)
		r.links.Store(address, link)
		return link, nil
	case <-ctx.Done():
		go func() {
			res := <-result
			if res.err != nil {
				return
			}
			r.logger.Printf("AdapterRadio: connect to %s completed after cancel, disconnecting", address)
			if err := res.device.Disconnect(); err != nil {
				r.logger.Printf("AdapterRadio: error dropping abandoned link %s: %v", address, err)
			}
		}()
		return nil, ctx.Err()
	}
}

func advertisementFromScanResult(result bluetooth.ScanResult, now time.Time) Advertisement {
	adv := Advertisement{
		Address: result.Address.String(),
		Name:    result.LocalName(),
		RSSI:    result.RSSI,
		SeenAt:  now,
	}
	for _, uuid := range result.ServiceUUIDs() {
		adv.ServiceUUIDs = append(adv.ServiceUUIDs, uuid.String())
	}
	for _, element := range result.ManufacturerData() {
		adv.ManufacturerData = append(adv.ManufacturerData, ManufacturerData{
			CompanyID: element.CompanyID,
			Data:      append([]byte(nil), element.Data...),
		})
	}
	return adv
}
