package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type jsonFile struct {
	Version     int      `json:"version"`
	Assignments []Record `json:"assignments"`
	// PreferredDeviceByDeviceType is the version 0 layout
	PreferredDeviceByDeviceType map[string]string `json:"preferred_device_by_device_type,omitempty"`
}

// JSONStore keeps assignments in a JSON file
type JSONStore struct {
	path   string
	logger *log.Logger
	mu     sync.Mutex
}

func NewJSONStore(logger *log.Logger, path string) *JSONStore {
	if logger == nil {
		panic("JSONStore: logger cannot be nil")
	}
	return &JSONStore{path: path, logger: logger}
}

func (s *JSONStore) Path() string {
	return s.path
}

// Load reads the file. A missing file is an empty set; unreadable content
// returns ErrCorrupt.
func (s *JSONStore) Load() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Printf("JSONStore: load %s (no existing file)", s.path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", s.path, err)
	}

	var data jsonFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	switch {
	case data.Version > CurrentVersion:
		return nil, UnsupportedVersionError{Version: data.Version}
	case data.Version == 0:
		records := migrateLegacy(data.PreferredDeviceByDeviceType, time.Now())
		s.logger.Printf("JSONStore: migrated %d legacy assignments from %s", len(records), s.path)
		return records, nil
	}
	s.logger.Printf("JSONStore: load %s -> %d assignments", s.path, len(data.Assignments))
	return data.Assignments, nil
}

// Save replaces the file atomically
func (s *JSONStore) Save(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("store: mkdir: %w", err)
	}
	if records == nil {
		records = []Record{}
	}
	raw, err := json.MarshalIndent(jsonFile{Version: CurrentVersion, Assignments: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("store: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("store: replace %s: %w", s.path, err)
	}
	s.logger.Printf("JSONStore: save %s -> %d assignments", s.path, len(records))
	return nil
}

func (s *JSONStore) Close() error {
	return nil
}

func migrateLegacy(preferred map[string]string, now time.Time) []Record {
	var records []Record
	for _, deviceType := range legacyOrder {
		address := preferred[deviceType]
		if address == "" {
			continue
		}
		records = append(records, Record{
			DeviceID:   address,
			DeviceName: address,
			Role:       legacyRoles[deviceType],
			AssignedAt: now,
		})
	}
	return records
}
