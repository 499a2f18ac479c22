package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/capability"
)

func TestRegistry_CandidatesInRegistrationOrder(t *testing.T) {
	r := NewDefaultRegistry(testLogger(), DefaultDriverConfig())
	adv := bt.Advertisement{
		Address:      "aa",
		ServiceUUIDs: []string{bt.ServiceUUIDHeartRate, bt.ServiceUUIDFTMS},
	}

	candidates := r.Candidates(adv)
	require.Len(t, candidates, 2)
	assert.Equal(t, FitnessMachine, candidates[0].Name())
	assert.Equal(t, HeartRate, candidates[1].Name())
	for _, c := range candidates {
		assert.Equal(t, "aa", c.DeviceID())
		assert.Equal(t, Unattached, c.State())
	}
	assert.Equal(t, []string{FitnessMachine, HeartRate}, r.Matching(adv))
}

func TestRegistry_FreshInstancesPerCall(t *testing.T) {
	r := NewDefaultRegistry(testLogger(), DefaultDriverConfig())
	adv := bt.Advertisement{Address: "aa", ServiceUUIDs: []string{bt.ServiceUUIDHeartRate}}
	first := r.Candidates(adv)
	second := r.Candidates(adv)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.NotSame(t, first[0], second[0])
}

func TestRegistry_NoMatch(t *testing.T) {
	r := NewDefaultRegistry(testLogger(), DefaultDriverConfig())
	assert.Empty(t, r.Candidates(bt.Advertisement{Address: "aa", Name: "Speaker"}))
}

func TestRegistry_RegisterIsAdditive(t *testing.T) {
	r := NewDefaultRegistry(testLogger(), DefaultDriverConfig())
	r.Register(Factory{
		Name:    "named_hrm",
		Matches: func(adv bt.Advertisement) bool { return adv.Name == "HRM-Pro" },
		New:     NewHeartRateDriver,
	})

	candidates := r.Candidates(bt.Advertisement{Address: "aa", Name: "HRM-Pro"})
	require.Len(t, candidates, 1)
	assert.Equal(t, "named_hrm", candidates[0].Name())
	assert.True(t, candidates[0].Capabilities().Has(capability.HeartRate))
	assert.Equal(t, 4, r.Rank("named_hrm"))
	assert.Equal(t, -1, r.Rank("missing"))
}

func TestFactoriesByName(t *testing.T) {
	factories, err := FactoriesByName([]string{" heart_rate", "cycling_power", "heart_rate", ""}, DefaultDriverConfig())
	require.NoError(t, err)
	require.Len(t, factories, 2)
	assert.Equal(t, HeartRate, factories[0].Name)

	_, err = FactoriesByName([]string{"ant_plus"}, DefaultDriverConfig())
	assert.Error(t, err)
}
