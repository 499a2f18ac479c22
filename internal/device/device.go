// Package device aggregates the transports of one physical BLE device
// behind a single connection lifecycle and data/control surface.
package device

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/capability"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/events"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/transport"
)

// ConnectionState is the unified state of a physical device
type ConnectionState uint8

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

var (
	ErrNotConnected       = errors.New("device: not connected")
	ErrControlUnsupported = errors.New("device: control capability not available")
	ErrUnknownTransport   = errors.New("device: transport not attached")
)

// NoCompatibleTransportError fails a connect where every candidate
// transport failed to verify or attach
type NoCompatibleTransportError struct {
	DeviceID string
	Failures []error
}

func (e *NoCompatibleTransportError) Error() string {
	return fmt.Sprintf("device %s: no compatible transport attached (%d candidates failed)", e.DeviceID, len(e.Failures))
}

func (e *NoCompatibleTransportError) Unwrap() []error {
	return e.Failures
}

// Reading is the latest value of a data stream. Valid is false when there
// is no fresh data.
type Reading struct {
	Value float64
	Valid bool
	At    time.Time
}

type Config struct {
	// VerifyTimeout bounds each transport's deep compatibility check
	VerifyTimeout time.Duration
	// SensorStaleAfter invalidates a stream that received no sample
	SensorStaleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		VerifyTimeout:    500 * time.Millisecond,
		SensorStaleAfter: 5 * time.Second,
	}
}

// snapshot is the published transport set. It is replaced as a whole so
// readers never see a half built set.
type snapshot struct {
	transports []*transport.Transport
	winners    map[capability.Capability]*transport.Transport
	caps       capability.Set
}

func buildSnapshot(attached []*transport.Transport) *snapshot {
	s := &snapshot{
		transports: attached,
		winners:    make(map[capability.Capability]*transport.Transport),
	}
	for _, tr := range attached {
		caps := tr.Capabilities()
		for _, c := range caps.Slice() {
			if _, taken := s.winners[c]; !taken {
				s.winners[c] = tr
			}
		}
		s.caps = s.caps.Union(caps)
	}
	return s
}

var emptySnapshot = &snapshot{winners: map[capability.Capability]*transport.Transport{}}

// PhysicalDevice is one BLE peripheral and the transports attached to it.
// Transport order is registration order and decides which transport feeds
// a capability two of them provide.
type PhysicalDevice struct {
	id         string
	name       string
	radio      bt.Radio
	cfg        Config
	logger     *log.Logger
	candidates func() []*transport.Transport

	// mu serializes connect, disconnect and link loss handling
	mu       sync.Mutex
	link     bt.Link
	stopWork context.CancelFunc
	wg       sync.WaitGroup

	snap    atomic.Pointer[snapshot]
	state   *events.Observable[ConnectionState]
	streams map[capability.Capability]*events.Observable[Reading]
}

// New builds a device for adv with fresh candidate transports from registry
// on every connect
func New(adv bt.Advertisement, registry *transport.Registry, radio bt.Radio, cfg Config, logger *log.Logger) *PhysicalDevice {
	if registry == nil {
		panic("PhysicalDevice: registry cannot be nil")
	}
	return newDevice(adv.Address, adv.DisplayName(), radio, cfg, logger, func() []*transport.Transport {
		return registry.Candidates(adv)
	})
}

// NewWithTransports builds a device over a fixed transport list
func NewWithTransports(id, name string, radio bt.Radio, cfg Config, logger *log.Logger, transports ...*transport.Transport) *PhysicalDevice {
	return newDevice(id, name, radio, cfg, logger, func() []*transport.Transport {
		return transports
	})
}

func newDevice(id, name string, radio bt.Radio, cfg Config, logger *log.Logger, candidates func() []*transport.Transport) *PhysicalDevice {
	if logger == nil {
		panic("PhysicalDevice: logger cannot be nil")
	}
	if radio == nil {
		panic("PhysicalDevice: radio cannot be nil")
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = DefaultConfig().VerifyTimeout
	}
	d := &PhysicalDevice{
		id:         id,
		name:       name,
		radio:      radio,
		cfg:        cfg,
		logger:     logger,
		candidates: candidates,
		state:      events.NewDistinctObservable(Disconnected),
		streams:    make(map[capability.Capability]*events.Observable[Reading]),
	}
	for _, c := range capability.Data {
		d.streams[c] = events.NewObservable(Reading{})
	}
	d.snap.Store(emptySnapshot)
	return d
}

func (d *PhysicalDevice) ID() string {
	return d.id
}

func (d *PhysicalDevice) Name() string {
	return d.name
}

func (d *PhysicalDevice) State() ConnectionState {
	return d.state.Get()
}

// StateObservable publishes every connection state change
func (d *PhysicalDevice) StateObservable() *events.Observable[ConnectionState] {
	return d.state
}

// Capabilities is the union of the attached transports' capabilities
func (d *PhysicalDevice) Capabilities() capability.Set {
	return d.snap.Load().caps
}

// Transports returns the attached transports in registration order
func (d *PhysicalDevice) Transports() []*transport.Transport {
	return append([]*transport.Transport(nil), d.snap.Load().transports...)
}

// Source returns the transport feeding capability c
func (d *PhysicalDevice) Source(c capability.Capability) (*transport.Transport, bool) {
	tr, ok := d.snap.Load().winners[c]
	return tr, ok
}

// Stream returns the observable for a data capability the device provides
func (d *PhysicalDevice) Stream(c capability.Capability) (*events.Observable[Reading], bool) {
	if !d.Capabilities().Has(c) {
		return nil, false
	}
	stream, ok := d.streams[c]
	return stream, ok
}

// Connect runs the connect protocol: one radio link, one service
// discovery, concurrent verify then concurrent attach of every candidate.
// It fails only if no transport attaches. Cancelling ctx tears the
// partial link down.
func (d *PhysicalDevice) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.link != nil {
		return nil
	}
	candidates := d.candidates()
	if len(candidates) == 0 {
		return &NoCompatibleTransportError{DeviceID: d.id}
	}

	attempt := uuid.New().String()[:8]
	d.logger.Printf("PhysicalDevice: connecting %s (%s) attempt %s, %d candidate transports", d.name, d.id, attempt, len(candidates))
	d.state.Set(Connecting)

	link, err := d.radio.Connect(ctx, d.id)
	if err != nil {
		d.state.Set(Disconnected)
		return fmt.Errorf("connect %s: %w", d.id, err)
	}

	services, err := link.DiscoverServices(ctx)
	if err != nil {
		d.dropLink(link)
		d.state.Set(Disconnected)
		return fmt.Errorf("discover services on %s: %w", d.id, err)
	}

	verified, verifyFailures := d.verifyAll(ctx, link, services, candidates)
	attached, attachFailures := d.attachAll(ctx, link, services, verified)
	failures := append(verifyFailures, attachFailures...)
	for _, f := range failures {
		d.logger.Printf("PhysicalDevice: attempt %s: %v", attempt, f)
	}

	if err := ctx.Err(); err != nil {
		d.detachAll(attached)
		d.dropLink(link)
		d.state.Set(Disconnected)
		return err
	}
	if len(attached) == 0 {
		d.dropLink(link)
		d.state.Set(Disconnected)
		return &NoCompatibleTransportError{DeviceID: d.id, Failures: failures}
	}

	snap := buildSnapshot(attached)
	d.snap.Store(snap)
	d.link = link

	workCtx, stop := context.WithCancel(context.Background())
	d.stopWork = stop
	go_func_utils.SafeGoWG(d.logger, &d.wg, func() { d.watchLink(workCtx, link) })
	if d.cfg.SensorStaleAfter > 0 {
		go_func_utils.SafeGoWG(d.logger, &d.wg, func() { d.watchStaleness(workCtx) })
	}

	d.logger.Printf("PhysicalDevice: %s connected, transports %v, capabilities %s", d.name, attached, snap.caps)
	d.state.Set(Connected)
	return nil
}

type phaseResult struct {
	index int
	err   error
}

// verifyAll runs every deep check concurrently, each bounded by
// VerifyTimeout. One failure never cancels another.
func (d *PhysicalDevice) verifyAll(ctx context.Context, link bt.Link, services bt.ServiceSet, candidates []*transport.Transport) ([]*transport.Transport, []error) {
	p := pool.NewWithResults[phaseResult]()
	for i, tr := range candidates {
		p.Go(func() phaseResult {
			vctx, cancel := context.WithTimeout(ctx, d.cfg.VerifyTimeout)
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- tr.Verify(vctx, link, services) }()
			select {
			case err := <-done:
				return phaseResult{index: i, err: err}
			case <-vctx.Done():
				return phaseResult{index: i, err: &transport.VerificationError{Transport: tr.Name(), Err: vctx.Err()}}
			}
		})
	}
	return partition(candidates, p.Wait())
}

// attachAll runs attach concurrently on the verified transports
func (d *PhysicalDevice) attachAll(ctx context.Context, link bt.Link, services bt.ServiceSet, verified []*transport.Transport) ([]*transport.Transport, []error) {
	p := pool.NewWithResults[phaseResult]()
	for i, tr := range verified {
		p.Go(func() phaseResult {
			return phaseResult{index: i, err: tr.Attach(ctx, link, services, d.sinkFor(tr))}
		})
	}
	return partition(verified, p.Wait())
}

// partition keeps the successful transports in their original order
func partition(transports []*transport.Transport, results []phaseResult) ([]*transport.Transport, []error) {
	failed := make([]error, len(transports))
	for _, r := range results {
		failed[r.index] = r.err
	}
	var ok []*transport.Transport
	var errs []error
	for i, tr := range transports {
		if failed[i] != nil {
			errs = append(errs, failed[i])
			continue
		}
		ok = append(ok, tr)
	}
	return ok, errs
}

// sinkFor publishes a transport's samples only for the capabilities it wins
func (d *PhysicalDevice) sinkFor(tr *transport.Transport) transport.Sink {
	return func(s transport.Sample) {
		if winner, ok := d.snap.Load().winners[s.Capability]; !ok || winner != tr {
			return
		}
		if stream, ok := d.streams[s.Capability]; ok {
			stream.Set(Reading{Value: s.Value, Valid: true, At: s.At})
		}
	}
}

// Disconnect detaches every transport concurrently and closes the link.
// Detach failures are logged, the device ends Disconnected regardless.
func (d *PhysicalDevice) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	link := d.link
	if link == nil {
		return nil
	}
	d.logger.Printf("PhysicalDevice: disconnecting %s (%s)", d.name, d.id)
	snap := d.snap.Swap(emptySnapshot)
	d.link = nil
	d.stopWork()

	d.detachAllContext(ctx, snap.transports)
	d.dropLink(link)
	d.invalidateStreams()
	d.state.Set(Disconnected)
	return nil
}

// Close disconnects and waits for background work to end
func (d *PhysicalDevice) Close(ctx context.Context) error {
	err := d.Disconnect(ctx)
	d.wg.Wait()
	return err
}

func (d *PhysicalDevice) detachAll(transports []*transport.Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.detachAllContext(ctx, transports)
}

func (d *PhysicalDevice) detachAllContext(ctx context.Context, transports []*transport.Transport) {
	p := pool.New()
	for _, tr := range transports {
		p.Go(func() {
			if err := tr.Detach(ctx); err != nil {
				d.logger.Printf("PhysicalDevice: detach %s failed: %v", tr.Name(), err)
			}
		})
	}
	p.Wait()
}

func (d *PhysicalDevice) dropLink(link bt.Link) {
	if err := link.Disconnect(); err != nil {
		d.logger.Printf("PhysicalDevice: error closing link to %s: %v", d.id, err)
	}
}

func (d *PhysicalDevice) invalidateStreams() {
	for _, stream := range d.streams {
		if stream.Get().Valid {
			stream.Set(Reading{})
		}
	}
}

func (d *PhysicalDevice) watchLink(ctx context.Context, link bt.Link) {
	select {
	case <-ctx.Done():
	case <-link.Done():
		d.onLinkLost(link)
	}
}

// onLinkLost handles a link that dropped without being asked to
func (d *PhysicalDevice) onLinkLost(link bt.Link) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.link != link {
		return
	}
	d.logger.Printf("PhysicalDevice: link to %s (%s) lost", d.name, d.id)
	snap := d.snap.Swap(emptySnapshot)
	d.link = nil
	d.stopWork()
	for _, tr := range snap.transports {
		tr.LinkLost()
	}
	d.invalidateStreams()
	d.state.Set(Disconnected)
}

func (d *PhysicalDevice) watchStaleness(ctx context.Context) {
	interval := d.cfg.SensorStaleAfter / 5
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for c, stream := range d.streams {
				r := stream.Get()
				if r.Valid && now.Sub(r.At) > d.cfg.SensorStaleAfter {
					d.logger.Printf("PhysicalDevice: %s %s stale", d.name, c)
					stream.Set(Reading{At: r.At})
				}
			}
		}
	}
}

// DetachTransport removes one attached transport. Capabilities it was
// feeding pass to the next transport in order. Removing the last one
// disconnects the device.
func (d *PhysicalDevice) DetachTransport(ctx context.Context, name string) error {
	d.mu.Lock()
	snap := d.snap.Load()
	var target *transport.Transport
	var rest []*transport.Transport
	for _, tr := range snap.transports {
		if tr.Name() == name && target == nil {
			target = tr
			continue
		}
		rest = append(rest, tr)
	}
	if target == nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTransport, name)
	}
	if len(rest) == 0 {
		d.mu.Unlock()
		return d.Disconnect(ctx)
	}
	defer d.mu.Unlock()

	next := buildSnapshot(rest)
	d.snap.Store(next)
	if err := target.Detach(ctx); err != nil {
		d.logger.Printf("PhysicalDevice: detach %s failed: %v", name, err)
	}
	for c, stream := range d.streams {
		if !next.caps.Has(c) && stream.Get().Valid {
			stream.Set(Reading{})
		}
	}
	d.logger.Printf("PhysicalDevice: %s detached from %s, capabilities now %s", name, d.name, next.caps)
	return nil
}

func (d *PhysicalDevice) controller(c capability.Capability) (transport.Controller, error) {
	if d.State() != Connected {
		return nil, ErrNotConnected
	}
	tr, ok := d.snap.Load().winners[c]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrControlUnsupported, c)
	}
	ctrl := tr.Controller()
	if ctrl == nil {
		return nil, fmt.Errorf("%w: %s", ErrControlUnsupported, c)
	}
	return ctrl, nil
}

// SetTargetPower holds the trainer at watts (ERG)
func (d *PhysicalDevice) SetTargetPower(ctx context.Context, watts int16) error {
	ctrl, err := d.controller(capability.ErgControl)
	if err != nil {
		return err
	}
	return ctrl.SetTargetPower(ctx, watts)
}

// SetSimulationParameters makes the trainer simulate road conditions
func (d *PhysicalDevice) SetSimulationParameters(ctx context.Context, params ftms.SimulationParameters) error {
	ctrl, err := d.controller(capability.SimulationControl)
	if err != nil {
		return err
	}
	return ctrl.SetSimulation(ctx, params)
}

// ReleaseControl hands resistance control back to the trainer
func (d *PhysicalDevice) ReleaseControl(ctx context.Context) error {
	ctrl, err := d.controller(capability.ErgControl)
	if errors.Is(err, ErrControlUnsupported) {
		ctrl, err = d.controller(capability.SimulationControl)
	}
	if err != nil {
		return err
	}
	return ctrl.Release(ctx)
}

// ControlSession returns the trainer's control session
func (d *PhysicalDevice) ControlSession() (ftms.Session, bool) {
	for _, c := range []capability.Capability{capability.ErgControl, capability.SimulationControl} {
		if ctrl, err := d.controller(c); err == nil {
			return ctrl.Session(), true
		}
	}
	return ftms.Session{}, false
}

func (d *PhysicalDevice) String() string {
	return fmt.Sprintf("%s (%s) %s", d.name, d.id, d.State())
}
