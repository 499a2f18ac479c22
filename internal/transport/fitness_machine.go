package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/capability"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/go_func_utils"
)

// DriverConfig tunes the drivers built by the registry factories
type DriverConfig struct {
	CommandTimeout     time.Duration
	RefreshInterval    time.Duration
	WheelCircumference float64
}

func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		CommandTimeout:     time.Second,
		RefreshInterval:    2 * time.Second,
		WheelCircumference: DefaultWheelCircumference,
	}
}

type fitnessMachineDriver struct {
	logger *log.Logger
	cfg    DriverConfig

	// session mirrors what the trainer acknowledged
	session *ftms.ControlPoint

	// opMu serializes whole control sequences (handshake plus target)
	opMu sync.Mutex
	// sendMu keeps a single command outstanding on the control point
	sendMu sync.Mutex

	mu         sync.Mutex
	link       bt.Link
	pending    chan ftms.Response
	powerRange *ftms.PowerRange
	features   ftms.Features
	lastTarget *ftms.Command
	stop       context.CancelFunc
	wg         sync.WaitGroup
}

func NewFitnessMachineDriver(logger *log.Logger, cfg DriverConfig) Driver {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = time.Second
	}
	return &fitnessMachineDriver{
		logger: logger,
		cfg:    cfg,
		// lenient: the mirror must follow whatever the trainer accepted
		session: ftms.NewControlPoint(ftms.ControlPointConfig{Handshake: ftms.HandshakeLenient}),
	}
}

func (d *fitnessMachineDriver) Capabilities() capability.Set {
	return capability.Of(
		capability.Power,
		capability.Cadence,
		capability.Speed,
		capability.ErgControl,
		capability.SimulationControl,
	)
}

func (d *fitnessMachineDriver) Controller() Controller {
	return d
}

// Verify rules out machines that cannot take a power target or simulation
// parameters, judged from the Fitness Machine Feature characteristic
func (d *fitnessMachineDriver) Verify(ctx context.Context, link bt.Link, services bt.ServiceSet) error {
	if err := requireService(services, bt.ServiceUUIDFTMS); err != nil {
		return err
	}
	data, err := link.ReadCharacteristic(ctx, bt.ServiceUUIDFTMS, bt.CharUUIDFTMSFeature)
	if err != nil {
		return fmt.Errorf("feature characteristic unreadable: %w", err)
	}
	features, err := ftms.ParseFeatures(data)
	if err != nil {
		return err
	}
	if !features.SupportsPowerTarget() && !features.SupportsSimulation() {
		return errors.New("machine supports neither power target nor simulation")
	}
	d.mu.Lock()
	d.features = features
	d.mu.Unlock()
	return nil
}

func (d *fitnessMachineDriver) Attach(ctx context.Context, link bt.Link, services bt.ServiceSet, emit Sink) error {
	if err := requireService(services, bt.ServiceUUIDFTMS); err != nil {
		return err
	}

	if data, err := link.ReadCharacteristic(ctx, bt.ServiceUUIDFTMS, bt.CharUUIDSupportedPowerRange); err != nil {
		d.logger.Printf("FitnessMachine: no supported power range: %v", err)
	} else if r, err := ftms.ParsePowerRange(data); err != nil {
		d.logger.Printf("FitnessMachine: %v", err)
	} else {
		d.mu.Lock()
		d.powerRange = &r
		d.mu.Unlock()
		d.logger.Printf("FitnessMachine: supported power range %d-%d W", r.Min, r.Max)
	}

	if err := link.EnableNotifications(ctx, bt.ServiceUUIDFTMS, bt.CharUUIDFTMSControlPoint, d.onControlPointIndication); err != nil {
		return fmt.Errorf("control point indications: %w", err)
	}
	if err := link.EnableNotifications(ctx, bt.ServiceUUIDFTMS, bt.CharUUIDIndoorBikeData, d.indoorBikeDataHandler(emit)); err != nil {
		_ = link.DisableNotifications(context.Background(), bt.ServiceUUIDFTMS, bt.CharUUIDFTMSControlPoint)
		return fmt.Errorf("indoor bike data notifications: %w", err)
	}

	refreshCtx, stop := context.WithCancel(context.Background())
	d.mu.Lock()
	d.link = link
	d.stop = stop
	d.mu.Unlock()
	if d.cfg.RefreshInterval > 0 {
		go_func_utils.SafeGoWG(d.logger, &d.wg, func() { d.refreshLoop(refreshCtx) })
	}
	return nil
}

func (d *fitnessMachineDriver) Detach(ctx context.Context, link bt.Link) error {
	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.link = nil
	d.lastTarget = nil
	d.mu.Unlock()
	if stop != nil {
		stop()
	}
	d.wg.Wait()
	d.session.Relinquish()

	if link == nil {
		return nil
	}
	return errors.Join(
		link.DisableNotifications(ctx, bt.ServiceUUIDFTMS, bt.CharUUIDIndoorBikeData),
		link.DisableNotifications(ctx, bt.ServiceUUIDFTMS, bt.CharUUIDFTMSControlPoint),
	)
}

func (d *fitnessMachineDriver) indoorBikeDataHandler(emit Sink) func([]byte) {
	return func(buf []byte) {
		data, err := ftms.ParseIndoorBikeData(buf)
		if err != nil {
			d.logger.Printf("FitnessMachine: error parsing indoor bike data: %v", err)
			return
		}
		now := time.Now()
		if data.InstantaneousPowerWatts != nil {
			emit(Sample{Capability: capability.Power, Value: float64(*data.InstantaneousPowerWatts), At: now})
		}
		if data.InstantaneousCadenceRpm != nil {
			emit(Sample{Capability: capability.Cadence, Value: *data.InstantaneousCadenceRpm, At: now})
		}
		if data.InstantaneousSpeedKmh != nil {
			emit(Sample{Capability: capability.Speed, Value: *data.InstantaneousSpeedKmh, At: now})
		}
	}
}

func (d *fitnessMachineDriver) onControlPointIndication(buf []byte) {
	resp, err := ftms.DecodeResponse(buf)
	if err != nil {
		d.logger.Printf("FTMS Control Point: %v", err)
		return
	}
	d.logger.Printf("FTMS Control Point: %s", resp)

	d.mu.Lock()
	pending := d.pending
	d.mu.Unlock()
	if pending == nil {
		return
	}
	select {
	case pending <- resp:
	default:
	}
}

// send writes one command and waits for its acknowledgment. A missing
// acknowledgment counts as OperationFailed.
func (d *fitnessMachineDriver) send(ctx context.Context, cmd ftms.Command) error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	data, err := cmd.Encode()
	if err != nil {
		return &ftms.ControlError{Command: cmd, Result: ftms.InvalidParameter, Err: err}
	}

	responses := make(chan ftms.Response, 1)
	d.mu.Lock()
	link := d.link
	d.pending = responses
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.pending = nil
		d.mu.Unlock()
	}()
	if link == nil {
		return &ftms.ControlError{Command: cmd, Result: ftms.OperationFailed, Err: bt.ErrNotConnected}
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.CommandTimeout)
	defer cancel()

	if err := link.WriteCharacteristic(ctx, bt.ServiceUUIDFTMS, bt.CharUUIDFTMSControlPoint, data); err != nil {
		return &ftms.ControlError{Command: cmd, Result: ftms.OperationFailed, Err: err}
	}
	for {
		select {
		case resp := <-responses:
			if resp.RequestOpCode != cmd.OpCode {
				d.logger.Printf("FitnessMachine: ignoring response for %s while waiting for %s", resp.RequestOpCode, cmd.OpCode)
				continue
			}
			if resp.Result != ftms.Success {
				return &ftms.ControlError{Command: cmd, Result: resp.Result}
			}
			d.session.Handle(cmd, time.Now())
			return nil
		case <-ctx.Done():
			return &ftms.ControlError{Command: cmd, Result: ftms.OperationFailed, Err: ctx.Err()}
		}
	}
}

// handshake runs the request_control, reset, start sequence trainers
// expect before every mode switch
func (d *fitnessMachineDriver) handshake(ctx context.Context) error {
	for _, cmd := range []ftms.Command{ftms.RequestControl(), ftms.Reset(), ftms.Start()} {
		if err := d.send(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func modeOf(cmd ftms.Command) ftms.Mode {
	if cmd.OpCode == ftms.OpSetSimulation {
		return ftms.ModeSimulation
	}
	return ftms.ModeERG
}

func (d *fitnessMachineDriver) apply(ctx context.Context, cmd ftms.Command) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	return d.applyLocked(ctx, cmd)
}

// refresh re-applies whatever target is current once opMu is held, so a
// command that finished while the refresh waited is the one re-sent
func (d *fitnessMachineDriver) refresh(ctx context.Context) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.mu.Lock()
	last := d.lastTarget
	d.mu.Unlock()
	if last == nil {
		return
	}
	if err := d.applyLocked(ctx, *last); err != nil && ctx.Err() == nil {
		d.logger.Printf("FitnessMachine: refresh of %s failed: %v", last, err)
	}
}

func (d *fitnessMachineDriver) applyLocked(ctx context.Context, cmd ftms.Command) error {
	mode := modeOf(cmd)
	s := d.session.Session()
	if s.State != ftms.Active || (s.Mode != ftms.ModeNone && s.Mode != mode) {
		if err := d.handshake(ctx); err != nil {
			return err
		}
	}
	err := d.send(ctx, cmd)
	if ftms.IsResult(err, ftms.ControlNotPermitted) {
		// the trainer dropped our control, take it again once
		d.logger.Printf("FitnessMachine: control lost, repeating handshake")
		d.session.Relinquish()
		if err = d.handshake(ctx); err == nil {
			err = d.send(ctx, cmd)
		}
	}
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.lastTarget = &cmd
	d.mu.Unlock()
	return nil
}

func (d *fitnessMachineDriver) SetTargetPower(ctx context.Context, watts int16) error {
	d.mu.Lock()
	if d.powerRange != nil {
		clamped := d.powerRange.Clamp(watts)
		if clamped != watts {
			d.logger.Printf("FitnessMachine: target %d W clamped to %d W", watts, clamped)
		}
		watts = clamped
	}
	d.mu.Unlock()
	return d.apply(ctx, ftms.SetTargetPower(watts))
}

func (d *fitnessMachineDriver) SetSimulation(ctx context.Context, params ftms.SimulationParameters) error {
	if err := params.Validate(); err != nil {
		return &ftms.ControlError{Command: ftms.SetSimulation(params), Result: ftms.InvalidParameter, Err: err}
	}
	return d.apply(ctx, ftms.SetSimulation(params))
}

// Release hands control back: the target is dropped and the session ends
func (d *fitnessMachineDriver) Release(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.mu.Lock()
	d.lastTarget = nil
	d.mu.Unlock()

	var err error
	if d.session.Session().State != ftms.Idle {
		err = d.send(ctx, ftms.Reset())
	}
	d.session.Relinquish()
	return err
}

func (d *fitnessMachineDriver) Session() ftms.Session {
	return d.session.Session()
}

func (d *fitnessMachineDriver) PowerRange() (ftms.PowerRange, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.powerRange == nil {
		return ftms.PowerRange{}, false
	}
	return *d.powerRange, true
}

// refreshLoop re-sends the last target so the trainer keeps holding it
func (d *fitnessMachineDriver) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refresh(ctx)
		}
	}
}
