package store

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.New(&bytes.Buffer{}, "", 0)
}

func sampleRecords() []Record {
	at := time.Date(2026, 3, 1, 18, 30, 0, 0, time.UTC)
	return []Record{
		{DeviceID: "AA:BB", DeviceName: "KICKR", Role: "PrimaryTrainer", AssignedAt: at},
		{DeviceID: "AA:BB", DeviceName: "KICKR", Role: "PowerSource", AssignedAt: at},
		{DeviceID: "CC:DD", DeviceName: "HRM-Pro", Role: "HeartRateSource", AssignedAt: at.Add(time.Minute)},
	}
}

func backends(t *testing.T) map[string]Backend {
	dir := t.TempDir()
	sqlite, err := OpenSQLite(testLogger(), filepath.Join(dir, "roles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Backend{
		"json":   NewJSONStore(testLogger(), filepath.Join(dir, "nested", "roles.json")),
		"sqlite": sqlite,
	}
}

func TestBackends_EmptyLoad(t *testing.T) {
	for name, b := range backends(t) {
		records, err := b.Load()
		assert.NoError(t, err, name)
		assert.Empty(t, records, name)
	}
}

func TestBackends_SaveLoadKeepsOrder(t *testing.T) {
	for name, b := range backends(t) {
		require.NoError(t, b.Save(sampleRecords()), name)
		records, err := b.Load()
		require.NoError(t, err, name)
		require.Len(t, records, 3, name)
		for i, want := range sampleRecords() {
			assert.Equal(t, want.DeviceID, records[i].DeviceID, name)
			assert.Equal(t, want.Role, records[i].Role, name)
			assert.True(t, want.AssignedAt.Equal(records[i].AssignedAt), name)
		}

		require.NoError(t, b.Save(sampleRecords()[2:]), name)
		records, err = b.Load()
		require.NoError(t, err, name)
		assert.Len(t, records, 1, name)
	}
}

func TestJSONStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	records, err := NewJSONStore(testLogger(), path).Load()
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Empty(t, records)
}

func TestJSONStore_NewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 7, "assignments": []}`), 0644))

	_, err := NewJSONStore(testLogger(), path).Load()
	var unsupported UnsupportedVersionError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, 7, unsupported.Version)
}

func TestJSONStore_MigratesLegacyPreferences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ui_state.json")
	legacy := `{"preferred_device_by_device_type": {
		"heart_rate_monitor": "11:22",
		"smart_trainer": "AA:BB",
		"cadence_sensor": ""
	}}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0644))

	s := NewJSONStore(testLogger(), path)
	records, err := s.Load()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "PrimaryTrainer", records[0].Role)
	assert.Equal(t, "AA:BB", records[0].DeviceID)
	assert.Equal(t, "HeartRateSource", records[1].Role)
	assert.Equal(t, "11:22", records[1].DeviceID)

	require.NoError(t, s.Save(records))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"version": 1`)
	assert.NotContains(t, string(raw), "preferred_device_by_device_type")
}

func TestOpen_Backends(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(testLogger(), "json", filepath.Join(dir, "a.json"))
	require.NoError(t, err)
	assert.IsType(t, &JSONStore{}, b)

	b, err = Open(testLogger(), "sqlite", filepath.Join(dir, "a.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, b)
	assert.NoError(t, b.Close())

	_, err = Open(testLogger(), "etcd", "x")
	assert.Error(t, err)
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.db")
	s, err := OpenSQLite(testLogger(), path)
	require.NoError(t, err)
	require.NoError(t, s.Save(sampleRecords()))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(testLogger(), path)
	require.NoError(t, err)
	defer s.Close()
	records, err := s.Load()
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestOpen_UnreadableSQLiteStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.db")
	garbage := bytes.Repeat([]byte("not a database "), 300)
	require.NoError(t, os.WriteFile(path, garbage, 0644))

	b, err := Open(testLogger(), "sqlite", path)
	require.NoError(t, err)
	defer b.Close()
	records, err := b.Load()
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, b.Save(sampleRecords()))
	records, err = b.Load()
	require.NoError(t, err)
	assert.Len(t, records, 3)

	aside, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, aside, 1)
	kept, err := os.ReadFile(aside[0])
	require.NoError(t, err)
	assert.Equal(t, garbage, kept)
}
