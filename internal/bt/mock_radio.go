package bt

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// WrittenValue records a value written to a characteristic
type WrittenValue struct {
	Timestamp          time.Time `json:"timestamp"`
	ServiceUUID        string    `json:"serviceUuid"`
	CharacteristicUUID string    `json:"characteristicUuid"`
	Data               []byte    `json:"data"`
	DataHex            string    `json:"dataHex"`
}

const maxWrittenValues = 100

type charKey string

func keyOf(serviceUUID, charUUID string) charKey {
	return charKey(strings.ToLower(serviceUUID) + "_" + strings.ToLower(charUUID))
}

type readResponse struct {
	data []byte
	err  error
}

// MockPeripheral is a scripted BLE peripheral for MockRadio. Every
// behaviour a test needs to provoke (slow reads, refused subscriptions,
// link drops) can be set per characteristic.
type MockPeripheral struct {
	logger  *log.Logger
	address string
	name    string

	mu                 sync.RWMutex
	services           []string
	advertisedServices []string
	manufacturerData   []ManufacturerData
	advertising        bool
	reads              map[charKey]readResponse
	readDelays         map[charKey]time.Duration
	subscribeErrs      map[charKey]error
	subscribeDelays    map[charKey]time.Duration
	writeHandlers      map[charKey]func([]byte) error
	subscribers        map[charKey]func([]byte)
	connectErr         error
	connectDelay       time.Duration
	discoverErr        error
	connectCount       int
	link               *mockLink

	writtenValuesMu sync.RWMutex
	writtenValues   []WrittenValue
}

func NewMockPeripheral(logger *log.Logger, address, name string, services ...string) *MockPeripheral {
	if logger == nil {
		panic("MockPeripheral: logger cannot be nil")
	}
	return &MockPeripheral{
		logger:             logger,
		address:            address,
		name:               name,
		services:           services,
		advertisedServices: services,
		advertising:        true,
		reads:              make(map[charKey]readResponse),
		readDelays:         make(map[charKey]time.Duration),
		subscribeErrs:      make(map[charKey]error),
		subscribeDelays:    make(map[charKey]time.Duration),
		writeHandlers:      make(map[charKey]func([]byte) error),
		subscribers:        make(map[charKey]func([]byte)),
	}
}

func (p *MockPeripheral) Address() string {
	return p.address
}

func (p *MockPeripheral) Name() string {
	return p.name
}

// SetAdvertisedServices overrides the services listed in advertisements,
// which by default are all services of the peripheral
func (p *MockPeripheral) SetAdvertisedServices(services ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advertisedServices = services
}

func (p *MockPeripheral) SetManufacturerData(data ...ManufacturerData) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manufacturerData = data
}

// SetAdvertising switches advertising on or off. A connected peripheral
// never advertises.
func (p *MockPeripheral) SetAdvertising(advertising bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advertising = advertising
}

func (p *MockPeripheral) SetRead(serviceUUID, charUUID string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads[keyOf(serviceUUID, charUUID)] = readResponse{data: data}
}

func (p *MockPeripheral) SetReadError(serviceUUID, charUUID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads[keyOf(serviceUUID, charUUID)] = readResponse{err: err}
}

func (p *MockPeripheral) SetReadDelay(serviceUUID, charUUID string, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readDelays[keyOf(serviceUUID, charUUID)] = delay
}

func (p *MockPeripheral) SetSubscribeError(serviceUUID, charUUID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribeErrs[keyOf(serviceUUID, charUUID)] = err
}

func (p *MockPeripheral) SetSubscribeDelay(serviceUUID, charUUID string, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribeDelays[keyOf(serviceUUID, charUUID)] = delay
}

// OnWrite installs the handler run for every write to the characteristic.
// An error from fn fails the write.
func (p *MockPeripheral) OnWrite(serviceUUID, charUUID string, fn func(data []byte) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandlers[keyOf(serviceUUID, charUUID)] = fn
}

func (p *MockPeripheral) SetConnectError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
}

func (p *MockPeripheral) SetConnectDelay(delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectDelay = delay
}

func (p *MockPeripheral) SetDiscoverError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoverErr = err
}

// Notify delivers data to the subscriber of the characteristic, if any
func (p *MockPeripheral) Notify(serviceUUID, charUUID string, data []byte) bool {
	p.mu.RLock()
	callback := p.subscribers[keyOf(serviceUUID, charUUID)]
	p.mu.RUnlock()
	if callback == nil {
		return false
	}
	callback(data)
	return true
}

func (p *MockPeripheral) Subscribed(serviceUUID, charUUID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.subscribers[keyOf(serviceUUID, charUUID)] != nil
}

func (p *MockPeripheral) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.link != nil
}

// ConnectCount returns how many radio connections were opened to the peripheral
func (p *MockPeripheral) ConnectCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connectCount
}

// DropLink simulates the peripheral going out of range
func (p *MockPeripheral) DropLink() {
	p.mu.Lock()
	link := p.link
	p.mu.Unlock()
	if link != nil {
		p.logger.Printf("MockPeripheral [%s]: link dropped", p.name)
		link.close()
	}
}

func (p *MockPeripheral) Writes() []WrittenValue {
	p.writtenValuesMu.RLock()
	defer p.writtenValuesMu.RUnlock()
	writes := make([]WrittenValue, len(p.writtenValues))
	copy(writes, p.writtenValues)
	return writes
}

func (p *MockPeripheral) ClearWrites() {
	p.writtenValuesMu.Lock()
	defer p.writtenValuesMu.Unlock()
	p.writtenValues = nil
}

func (p *MockPeripheral) Advertisement() Advertisement {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Advertisement{
		Address:          p.address,
		Name:             p.name,
		ServiceUUIDs:     append([]string(nil), p.advertisedServices...),
		ManufacturerData: append([]ManufacturerData(nil), p.manufacturerData...),
		RSSI:             -50,
		SeenAt:           time.Now(),
	}
}

func (p *MockPeripheral) visible() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.advertising && p.link == nil
}

func (p *MockPeripheral) connect(ctx context.Context) (*mockLink, error) {
	p.mu.RLock()
	delay, connectErr := p.connectDelay, p.connectErr
	p.mu.RUnlock()

	if err := sleepContext(ctx, delay); err != nil {
		return nil, err
	}
	if connectErr != nil {
		return nil, &DiscoveryError{Op: "connect", Err: connectErr}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link != nil {
		return nil, &DiscoveryError{Op: "connect", Err: fmt.Errorf("%s already connected", p.address)}
	}
	p.link = &mockLink{peripheral: p, done: make(chan struct{})}
	p.connectCount++
	p.logger.Printf("MockPeripheral [%s]: connected", p.name)
	return p.link, nil
}

func (p *MockPeripheral) record(serviceUUID, charUUID string, data []byte) {
	p.writtenValuesMu.Lock()
	defer p.writtenValuesMu.Unlock()
	p.writtenValues = append(p.writtenValues, WrittenValue{
		Timestamp:          time.Now(),
		ServiceUUID:        serviceUUID,
		CharacteristicUUID: charUUID,
		Data:               append([]byte(nil), data...),
		DataHex:            hex.EncodeToString(data),
	})
	if len(p.writtenValues) > maxWrittenValues {
		p.writtenValues = p.writtenValues[len(p.writtenValues)-maxWrittenValues:]
	}
}

func (p *MockPeripheral) hasService(uuid string) bool {
	return ServiceSet(p.services).Has(uuid)
}

type mockLink struct {
	peripheral *MockPeripheral
	done       chan struct{}
	once       sync.Once
}

func (l *mockLink) close() {
	l.once.Do(func() {
		p := l.peripheral
		p.mu.Lock()
		if p.link == l {
			p.link = nil
			p.subscribers = make(map[charKey]func([]byte))
		}
		p.mu.Unlock()
		close(l.done)
	})
}

func (l *mockLink) alive() error {
	select {
	case <-l.done:
		return ErrNotConnected
	default:
		return nil
	}
}

func (l *mockLink) Address() string {
	return l.peripheral.address
}

func (l *mockLink) Done() <-chan struct{} {
	return l.done
}

func (l *mockLink) Disconnect() error {
	l.close()
	return nil
}

func (l *mockLink) DiscoverServices(ctx context.Context) (ServiceSet, error) {
	if err := l.alive(); err != nil {
		return nil, err
	}
	p := l.peripheral
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.discoverErr != nil {
		return nil, p.discoverErr
	}
	return append(ServiceSet(nil), p.services...), nil
}

func (l *mockLink) ReadCharacteristic(ctx context.Context, serviceUUID, charUUID string) ([]byte, error) {
	if err := l.alive(); err != nil {
		return nil, err
	}
	p := l.peripheral
	key := keyOf(serviceUUID, charUUID)
	p.mu.RLock()
	delay := p.readDelays[key]
	response, ok := p.reads[key]
	hasService := p.hasService(serviceUUID)
	p.mu.RUnlock()

	if err := sleepContext(ctx, delay); err != nil {
		return nil, err
	}
	if !hasService {
		return nil, fmt.Errorf("service not supported by this device: %s", serviceUUID)
	}
	if !ok {
		return nil, fmt.Errorf("characteristic %s not readable", charUUID)
	}
	if response.err != nil {
		return nil, response.err
	}
	return append([]byte(nil), response.data...), nil
}

func (l *mockLink) WriteCharacteristic(ctx context.Context, serviceUUID, charUUID string, data []byte) error {
	if err := l.alive(); err != nil {
		return err
	}
	p := l.peripheral
	p.mu.RLock()
	handler := p.writeHandlers[keyOf(serviceUUID, charUUID)]
	hasService := p.hasService(serviceUUID)
	p.mu.RUnlock()
	if !hasService {
		return fmt.Errorf("service not supported by this device: %s", serviceUUID)
	}

	p.record(serviceUUID, charUUID, data)
	if handler != nil {
		return handler(data)
	}
	return nil
}

func (l *mockLink) EnableNotifications(ctx context.Context, serviceUUID, charUUID string, callback func(buf []byte)) error {
	if callback == nil {
		return errors.New("callback cannot be nil")
	}
	if err := l.alive(); err != nil {
		return err
	}
	p := l.peripheral
	key := keyOf(serviceUUID, charUUID)
	p.mu.RLock()
	delay := p.subscribeDelays[key]
	subscribeErr := p.subscribeErrs[key]
	hasService := p.hasService(serviceUUID)
	p.mu.RUnlock()

	if err := sleepContext(ctx, delay); err != nil {
		return err
	}
	if !hasService {
		return fmt.Errorf("service not supported by this device: %s", serviceUUID)
	}
	if subscribeErr != nil {
		return subscribeErr
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link != l {
		return ErrNotConnected
	}
	p.subscribers[key] = callback
	p.logger.Printf("MockPeripheral [%s]: notifications enabled for %s", p.name, charUUID)
	return nil
}

func (l *mockLink) DisableNotifications(ctx context.Context, serviceUUID, charUUID string) error {
	if err := l.alive(); err != nil {
		return err
	}
	p := l.peripheral
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subscribers, keyOf(serviceUUID, charUUID))
	return nil
}

// MockRadio is a Radio over a set of MockPeripherals
type MockRadio struct {
	logger       *log.Logger
	scanInterval time.Duration

	mu          sync.RWMutex
	peripherals []*MockPeripheral
	enableErr   error
	scanErr     error
	handlers    map[int]func(Advertisement)
	nextHandler int
}

// Verify MockRadio implements Radio
var _ Radio = (*MockRadio)(nil)

func NewMockRadio(logger *log.Logger, peripherals ...*MockPeripheral) *MockRadio {
	if logger == nil {
		panic("MockRadio: logger cannot be nil")
	}
	return &MockRadio{
		logger:       logger,
		scanInterval: time.Second,
		peripherals:  peripherals,
		handlers:     make(map[int]func(Advertisement)),
	}
}

// SetScanInterval sets how often visible peripherals are re-advertised
func (r *MockRadio) SetScanInterval(interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanInterval = interval
}

func (r *MockRadio) SetEnableError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enableErr = err
}

func (r *MockRadio) SetScanError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanErr = err
}

func (r *MockRadio) AddPeripheral(p *MockPeripheral) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peripherals = append(r.peripherals, p)
}

func (r *MockRadio) Peripheral(address string) *MockPeripheral {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.peripherals {
		if p.address == address {
			return p
		}
	}
	return nil
}

func (r *MockRadio) Peripherals() []*MockPeripheral {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*MockPeripheral(nil), r.peripherals...)
}

// Announce pushes the advertisement of a visible peripheral to every
// running scan immediately
func (r *MockRadio) Announce(address string) bool {
	p := r.Peripheral(address)
	if p == nil || !p.visible() {
		return false
	}
	adv := p.Advertisement()
	r.mu.RLock()
	handlers := make([]func(Advertisement), 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()
	for _, h := range handlers {
		h(adv)
	}
	return len(handlers) > 0
}

func (r *MockRadio) Enable() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.enableErr != nil {
		return &DiscoveryError{Op: "enable adapter", Err: r.enableErr}
	}
	r.logger.Println("MockRadio: enabled")
	return nil
}

func (r *MockRadio) Scan(ctx context.Context, handle func(Advertisement)) error {
	r.mu.Lock()
	if r.scanErr != nil {
		err := r.scanErr
		r.mu.Unlock()
		return &DiscoveryError{Op: "scan", Err: err}
	}
	id := r.nextHandler
	r.nextHandler++
	r.handlers[id] = handle
	interval := r.scanInterval
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.handlers, id)
		r.mu.Unlock()
	}()

	r.logger.Println("MockRadio: scan started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, p := range r.Peripherals() {
			if ctx.Err() != nil {
				break
			}
			if p.visible() {
				handle(p.Advertisement())
			}
		}
		select {
		case <-ctx.Done():
			r.logger.Println("MockRadio: scan stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (r *MockRadio) Connect(ctx context.Context, address string) (Link, error) {
	p := r.Peripheral(address)
	if p == nil {
		return nil, &DiscoveryError{Op: "connect", Err: fmt.Errorf("unknown device: %s", address)}
	}
	link, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	return link, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
