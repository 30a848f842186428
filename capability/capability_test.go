package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnknownOpIsUnsupported(t *testing.T) {
	tbl := Full()
	assert.Equal(t, Unsupported, tbl.Supports("teleport", 64))
	assert.Equal(t, Unsupported, tbl.Supports(Divide, 128))
	assert.Equal(t, Unsupported, tbl.Lookup("garbage"))
	var nilTable *Table
	assert.Equal(t, Unsupported, nilTable.Supports(Divide, 64))
}

func TestProfiles(t *testing.T) {
	b := Baseline()
	assert.Equal(t, Restricted, b.Supports(Divide, 64))
	assert.Equal(t, Unsupported, b.Supports(PopulationCount, 64))
	assert.Equal(t, Supported, Full().Supports(PopulationCount, 32))
	assert.Equal(t, Supported, Full().Lookup("count-leading-zeros-64"))

	p, ok := Profile("probe")
	require.True(t, ok)
	assert.Equal(t, Restricted, p.Supports(Divide, 32))
	_, ok = Profile("quantum")
	assert.False(t, ok)
}

func TestOverrides(t *testing.T) {
	tbl, err := Baseline().With(map[string]string{"divide-64": "unsupported", "population-count-64": "supported"})
	require.NoError(t, err)
	assert.Equal(t, Unsupported, tbl.Supports(Divide, 64))
	assert.Equal(t, Restricted, tbl.Supports(Divide, 32))
	assert.Equal(t, Supported, tbl.Supports(PopulationCount, 64))
	// the source table is untouched
	assert.Equal(t, Restricted, Baseline().Supports(Divide, 64))

	_, err = Baseline().With(map[string]string{"divide": "supported"})
	require.Error(t, err)
	_, err = Baseline().With(map[string]string{"divide-64": "maybe"})
	require.Error(t, err)
}

func TestRestrict(t *testing.T) {
	machine := New("machine", map[Key]Support{
		{Divide, 64}:          Supported,
		{PopulationCount, 64}: Supported,
	})
	r := Full().Restrict(machine)
	assert.Equal(t, Restricted, r.Supports(Divide, 64))
	assert.Equal(t, Supported, r.Supports(PopulationCount, 64))
	assert.Equal(t, Unsupported, r.Supports(Vector, 128))
}

func TestKeyRoundTrip(t *testing.T) {
	k, err := ParseKey("multiply-high-64")
	require.NoError(t, err)
	assert.Equal(t, Key{MultiplyHigh, 64}, k)
	assert.Equal(t, "multiply-high-64", k.String())
	entries := Baseline().Entries()
	require.NotEmpty(t, entries)
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].Key.String(), entries[i].Key.String())
	}
}
