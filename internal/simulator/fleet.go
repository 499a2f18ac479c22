package simulator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/go_func_utils"
)

// Fleet is a set of simulated peripherals reachable through one mock radio
type Fleet struct {
	logger *log.Logger
	radio  *bt.MockRadio

	mu          sync.RWMutex
	peripherals []*Peripheral

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewFleet(logger *log.Logger, configs ...PeripheralConfig) (*Fleet, error) {
	if logger == nil {
		panic("Fleet: logger cannot be nil")
	}
	f := &Fleet{
		logger: logger,
		radio:  bt.NewMockRadio(logger),
	}
	for _, cfg := range configs {
		if _, err := f.Add(cfg); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// DefaultFleet is a trainer with a power service, a separate power meter,
// a cadence sensor and a heart rate strap
func DefaultFleet(logger *log.Logger) *Fleet {
	f, err := NewFleet(logger,
		Trainer("SIM:TR:00:00:00:01", "SIM Smart Trainer"),
		PowerMeter("SIM:PM:00:00:00:02", "SIM Power Meter"),
		CadenceSensor("SIM:CS:00:00:00:03", "SIM Cadence"),
		HeartRateStrap("SIM:HR:00:00:00:04", "SIM HRM"),
	)
	if err != nil {
		// the built in configurations are always valid
		panic(err)
	}
	return f
}

// Radio is the radio the simulated peripherals are reachable through
func (f *Fleet) Radio() *bt.MockRadio {
	return f.radio
}

func (f *Fleet) Add(cfg PeripheralConfig) (*Peripheral, error) {
	if f.Peripheral(cfg.Address) != nil {
		return nil, fmt.Errorf("simulator: duplicate address %s", cfg.Address)
	}
	p, err := NewPeripheral(f.logger, cfg)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.peripherals = append(f.peripherals, p)
	f.mu.Unlock()
	f.radio.AddPeripheral(p.Mock())
	return p, nil
}

func (f *Fleet) Peripheral(address string) *Peripheral {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, p := range f.peripherals {
		if p.Address() == address {
			return p
		}
	}
	return nil
}

func (f *Fleet) Peripherals() []*Peripheral {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]*Peripheral(nil), f.peripherals...)
}

// Tick advances every peripheral once
func (f *Fleet) Tick(now time.Time) {
	for _, p := range f.Peripherals() {
		p.Tick(now)
	}
}

// Start ticks the fleet every interval until Stop
func (f *Fleet) Start(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.logger.Printf("Simulator: starting %d peripherals, notify every %s", len(f.Peripherals()), interval)
	go_func_utils.SafeGoWG(f.logger, &f.wg, func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				f.Tick(now)
			}
		}
	})
}

func (f *Fleet) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
	f.logger.Printf("Simulator: stopped")
}
