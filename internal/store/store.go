// Package store persists role assignments
package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"
)

// CurrentVersion is the schema version written by this package
const CurrentVersion = 1

// Record is one persisted role assignment
type Record struct {
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName"`
	Role       string    `json:"role"`
	AssignedAt time.Time `json:"assignedAt"`
}

// ErrCorrupt marks persisted data that could not be decoded
var ErrCorrupt = errors.New("store: corrupt data")

// UnsupportedVersionError is returned for data written by a newer schema
type UnsupportedVersionError struct {
	Version int
}

func (e UnsupportedVersionError) Error() string {
	return fmt.Sprintf("store: unsupported version %d (max %d)", e.Version, CurrentVersion)
}

// legacyRoles maps the device types of version 0 files to roles
var legacyRoles = map[string]string{
	"smart_trainer":      "PrimaryTrainer",
	"power_meter":        "PowerSource",
	"cadence_sensor":     "CadenceSource",
	"heart_rate_monitor": "HeartRateSource",
}

// legacyOrder keeps migrated records in a stable order
var legacyOrder = []string{"smart_trainer", "power_meter", "cadence_sensor", "heart_rate_monitor"}

// Backend is a persistence implementation
type Backend interface {
	Load() ([]Record, error)
	Save(records []Record) error
	Path() string
	Close() error
}

// Open returns the backend named by kind: "json" or "sqlite"
func Open(logger *log.Logger, kind, path string) (Backend, error) {
	switch kind {
	case "", "json":
		return NewJSONStore(logger, path), nil
	case "sqlite":
		return openSQLiteOrRecover(logger, path)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", kind)
	}
}

// openSQLiteOrRecover moves an unreadable database aside and starts an empty
// one in its place. The old files are kept for inspection.
func openSQLiteOrRecover(logger *log.Logger, path string) (Backend, error) {
	s, err := OpenSQLite(logger, path)
	if err == nil {
		return s, nil
	}
	if _, statErr := os.Stat(path); statErr != nil {
		return nil, err
	}
	logger.Printf("Store: %s is unreadable, starting empty: %v", path, err)
	aside := fmt.Sprintf("%s.corrupt-%s", path, time.Now().Format("20060102-150405"))
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if renameErr := os.Rename(path+suffix, aside+suffix); renameErr != nil && !errors.Is(renameErr, os.ErrNotExist) {
			return nil, errors.Join(err, fmt.Errorf("store: move aside %s: %w", path+suffix, renameErr))
		}
	}
	logger.Printf("Store: unreadable database kept at %s", aside)
	return OpenSQLite(logger, path)
}
