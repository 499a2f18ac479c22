package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet_OfAndHas(t *testing.T) {
	s := Of(Power, HeartRate)
	assert.True(t, s.Has(Power))
	assert.True(t, s.Has(HeartRate))
	assert.False(t, s.Has(Cadence))
	assert.False(t, s.Has(ErgControl))
}

func TestSet_Union(t *testing.T) {
	ftms := Of(Power, Cadence, Speed, ErgControl, SimulationControl)
	hr := Of(HeartRate)
	union := ftms.Union(hr)
	assert.Equal(t, All, union.Slice())
	assert.Equal(t, "{Power, Cadence, Speed, HeartRate, ErgControl, SimulationControl}", union.String())
}

func TestSet_Empty(t *testing.T) {
	var s Set
	assert.True(t, s.IsEmpty())
	assert.Equal(t, "{}", s.String())
	assert.False(t, s.With(count).Has(count))
}

func TestCapability_IsData(t *testing.T) {
	for _, c := range Data {
		assert.True(t, c.IsData(), c.String())
	}
	assert.False(t, ErgControl.IsData())
	assert.False(t, SimulationControl.IsData())
}
