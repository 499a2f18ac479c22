package bt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotConnected is returned by Link operations after the radio link dropped
var ErrNotConnected = errors.New("bt: link not connected")

// DiscoveryError reports a radio level failure: adapter unavailable,
// permission denied, scan refused. It is fatal to the scan or connect
// attempt that produced it.
type DiscoveryError struct {
	Op  string
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("bt: %s: %v", e.Op, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// ManufacturerData is one manufacturer specific advertising element
type ManufacturerData struct {
	CompanyID uint16
	Data      []byte
}

// Advertisement is a single discovery event
type Advertisement struct {
	Address          string
	Name             string
	ServiceUUIDs     []string
	ManufacturerData []ManufacturerData
	RSSI             int16
	SeenAt           time.Time
}

// HasServiceUUID returns true if the advertisement lists uuid
func (a Advertisement) HasServiceUUID(uuid string) bool {
	return ServiceSet(a.ServiceUUIDs).Has(uuid)
}

// HasCompanyID returns true if any manufacturer data element carries id
func (a Advertisement) HasCompanyID(id uint16) bool {
	for _, md := range a.ManufacturerData {
		if md.CompanyID == id {
			return true
		}
	}
	return false
}

// DisplayName returns the advertised name or "Unknown"
func (a Advertisement) DisplayName() string {
	if a.Name == "" {
		return "Unknown"
	}
	return a.Name
}

// ServiceSet is the list of service UUIDs enumerated on a connected device
type ServiceSet []string

func (s ServiceSet) Has(uuid string) bool {
	uuid = strings.ToLower(uuid)
	for _, u := range s {
		if strings.ToLower(u) == uuid {
			return true
		}
	}
	return false
}

// Link is an open radio connection to one peripheral. All blocking calls
// honour ctx; an abandoned call keeps running in the stack but the caller
// gets ctx.Err() back.
type Link interface {
	Address() string
	// DiscoverServices enumerates every service once; later calls return the cache
	DiscoverServices(ctx context.Context) (ServiceSet, error)
	ReadCharacteristic(ctx context.Context, serviceUUID, charUUID string) ([]byte, error)
	WriteCharacteristic(ctx context.Context, serviceUUID, charUUID string, data []byte) error
	EnableNotifications(ctx context.Context, serviceUUID, charUUID string, callback func(buf []byte)) error
	DisableNotifications(ctx context.Context, serviceUUID, charUUID string) error
	// Disconnect closes the radio link
	Disconnect() error
	// Done is closed once the link is gone, whether requested or not
	Done() <-chan struct{}
}

// Radio is the host adapter
type Radio interface {
	Enable() error
	// Scan delivers advertisements to handle until ctx is cancelled
	Scan(ctx context.Context, handle func(Advertisement)) error
	Connect(ctx context.Context, address string) (Link, error)
}

// runWithContext runs fn on its own goroutine and returns early if ctx ends first
func runWithContext(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
