package main

import (
	"context"
	"io"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/config"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/logging"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/manager"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/scanner"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/simulator"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/store"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/transport"
)

const simulatorTick = 250 * time.Millisecond

// hub is the wired process: radio, registry, scanner, persistence and the
// device manager
type hub struct {
	settings config.Settings
	logger   *logging.Logger
	radio    bt.Radio
	fleet    *simulator.Fleet
	server   *simulator.Server
	registry *transport.Registry
	scanner  *scanner.Scanner
	backend  store.Backend
	manager  *manager.Manager
}

// openHub builds everything the run and scan commands need. Log output goes
// to the configured file and to every sink.
func openHub(settings config.Settings, sinks ...io.Writer) (*hub, error) {
	logger, err := logging.New(settings.Logging(), sinks...)
	if err != nil {
		return nil, err
	}
	h := &hub{settings: settings, logger: logger}
	if settings.ConfigFile != "" {
		logger.Printf("Hub: using config file %s", settings.ConfigFile)
	}

	factories, err := settings.Factories()
	if err != nil {
		h.Close()
		return nil, err
	}
	h.registry = transport.NewRegistry(logger.Logger, factories...)
	logger.Printf("Hub: transports in priority order: %v", h.registry.Names())

	if settings.BLE.Mock {
		if err := h.startSimulator(); err != nil {
			h.Close()
			return nil, err
		}
	} else {
		h.radio = bt.NewAdapterRadio(bluetooth.DefaultAdapter, logger.Logger)
	}
	if err := h.radio.Enable(); err != nil {
		h.Close()
		return nil, err
	}

	h.scanner = scanner.New(logger.Logger, h.radio, settings.Scanner())
	return h, nil
}

func (h *hub) startSimulator() error {
	cp := h.settings.ControlPoint()
	trainer := simulator.Trainer("SIM:TR:00:00:00:01", "SIM Smart Trainer")
	trainer.Handshake = cp.Handshake
	trainer.StalePolicy = cp.StalePolicy
	trainer.StaleAfter = cp.StaleAfter

	fleet, err := simulator.NewFleet(h.logger.Logger,
		trainer,
		simulator.PowerMeter("SIM:PM:00:00:00:02", "SIM Power Meter"),
		simulator.CadenceSensor("SIM:CS:00:00:00:03", "SIM Cadence"),
		simulator.HeartRateStrap("SIM:HR:00:00:00:04", "SIM HRM"),
	)
	if err != nil {
		return err
	}
	h.fleet = fleet
	h.radio = fleet.Radio()
	fleet.Start(simulatorTick)

	if port := h.settings.BLE.MockHTTPPort; port > 0 {
		h.server = simulator.NewServer(h.logger.Logger, fleet, port)
		if err := h.server.Start(); err != nil {
			return err
		}
	}
	return nil
}

// openManager adds persistence and the device manager to the hub
func (h *hub) openManager() error {
	backend, err := store.Open(h.logger.Logger, h.settings.Store.Backend, h.settings.Store.Path)
	if err != nil {
		return err
	}
	h.backend = backend
	h.manager = manager.New(h.logger.Logger, h.registry, h.radio, h.scanner, backend, h.settings.Manager())
	return nil
}

// Close tears down in reverse order of construction
func (h *hub) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), h.settings.Connect.Timeout)
	defer cancel()

	if h.manager != nil {
		h.manager.Close(ctx)
	}
	if h.scanner != nil {
		h.scanner.Close()
	}
	if h.backend != nil {
		if err := h.backend.Close(); err != nil {
			h.logger.Printf("Hub: error closing store: %v", err)
		}
	}
	if h.server != nil {
		h.server.Shutdown(ctx)
	}
	if h.fleet != nil {
		h.fleet.Stop()
	}
	h.logger.Println("Hub: closed")
	_ = h.logger.Close()
}
