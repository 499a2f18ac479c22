package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/config"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/store"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/transport"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	rootCmd := newRootCommand()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(append(args, "--log-file", filepath.Join(dir, "hub.log")))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRoles_AssignListClear(t *testing.T) {
	for _, backend := range []string{"json", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "roles."+backend)
			storeFlags := []string{"--store-backend", backend, "--store-path", path}

			out, err := execute(t, append([]string{"roles", "assign", "power_source", "AA:BB", "--name", "Meter"}, storeFlags...)...)
			require.NoError(t, err)
			assert.Contains(t, out, "PowerSource assigned to AA:BB")

			_, err = execute(t, append([]string{"roles", "assign", "PrimaryTrainer", "CC:DD"}, storeFlags...)...)
			require.NoError(t, err)
			// reassigning replaces the holder
			_, err = execute(t, append([]string{"roles", "assign", "PowerSource", "EE:FF"}, storeFlags...)...)
			require.NoError(t, err)

			out, err = execute(t, append([]string{"roles", "list", "--json"}, storeFlags...)...)
			require.NoError(t, err)
			var records []store.Record
			require.NoError(t, json.Unmarshal([]byte(out), &records))
			require.Len(t, records, 2)
			byRole := map[string]string{}
			for _, r := range records {
				byRole[r.Role] = r.DeviceID
			}
			assert.Equal(t, "EE:FF", byRole["PowerSource"])
			assert.Equal(t, "CC:DD", byRole["PrimaryTrainer"])

			out, err = execute(t, append([]string{"roles", "list"}, storeFlags...)...)
			require.NoError(t, err)
			assert.Contains(t, out, "ROLE")
			assert.Contains(t, out, "CC:DD")

			out, err = execute(t, append([]string{"roles", "clear", "power_source"}, storeFlags...)...)
			require.NoError(t, err)
			assert.Contains(t, out, "Cleared 1 assignment(s)")

			out, err = execute(t, append([]string{"roles", "clear", "--all"}, storeFlags...)...)
			require.NoError(t, err)
			assert.Contains(t, out, "Cleared 1 assignment(s)")

			out, err = execute(t, append([]string{"roles", "list"}, storeFlags...)...)
			require.NoError(t, err)
			assert.Contains(t, out, "No roles assigned")
		})
	}
}

func TestRoles_BadArguments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.json")

	_, err := execute(t, "roles", "assign", "brake", "AA:BB", "--store-path", path)
	assert.Error(t, err)

	_, err = execute(t, "roles", "clear", "--store-path", path)
	assert.Error(t, err)

	_, err = execute(t, "roles", "clear", "PowerSource", "--all", "--store-path", path)
	assert.Error(t, err)

	_, err = execute(t, "roles", "list", "--store-backend", "postgres")
	assert.Error(t, err)
}

func TestHub_UnreadableSQLiteStoreStartsEmpty(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(home, "roles.db")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("not a database "), 300), 0644))

	v := config.New()
	v.Set(config.KeyBLEMock, true)
	v.Set(config.KeyStoreBackend, "sqlite")
	v.Set(config.KeyStorePath, path)
	v.Set(config.KeyLogFile, filepath.Join(home, "hub.log"))
	settings, err := config.Load(v, "")
	require.NoError(t, err)

	h, err := openHub(settings)
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.openManager())
	assert.Empty(t, h.manager.Assignments())

	out, err := execute(t, "roles", "list", "--store-backend", "sqlite", "--store-path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No roles assigned")
}

func TestScan_Simulated(t *testing.T) {
	out, err := execute(t, "scan", "--mock", "--duration", "200ms", "--json")
	require.NoError(t, err)

	var entries []scanEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 4)
	byAddress := map[string]scanEntry{}
	for _, e := range entries {
		byAddress[e.Address] = e
	}
	assert.Equal(t, []string{transport.FitnessMachine, transport.CyclingPower}, byAddress["SIM:TR:00:00:00:01"].Transports)
	assert.Equal(t, []string{transport.HeartRate}, byAddress["SIM:HR:00:00:00:04"].Transports)
	assert.Equal(t, "SIM HRM", byAddress["SIM:HR:00:00:00:04"].Name)
}

func TestScan_RegistryOrderLimitsTransports(t *testing.T) {
	t.Setenv("TRAINER_HUB_REGISTRY_ORDER", "heart_rate")

	out, err := execute(t, "scan", "--mock", "--duration", "200ms")
	require.NoError(t, err)
	assert.Contains(t, out, "TRANSPORTS")
	assert.Contains(t, out, "heart_rate")
	assert.NotContains(t, out, "fitness_machine")
}
