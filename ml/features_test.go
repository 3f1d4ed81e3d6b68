package ml

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaOrder(t *testing.T) {
	names := FeatureNames()
	require.Len(t, names, NumFeatures)
	assert.Equal(t, "koi_fpflag_nt", names[0])
	assert.Equal(t, "koi_period", names[4])
	assert.Equal(t, "koi_kepmag", names[17])

	flags := 0
	for _, f := range Schema() {
		if f.Flag {
			flags++
			assert.Zero(t, f.Default)
		}
	}
	assert.Equal(t, 4, flags)
}

func TestDefaultRecord(t *testing.T) {
	r := DefaultRecord()
	v, ok := r.Get("koi_period")
	require.True(t, ok)
	assert.Equal(t, 9.48, v)
	v, _ = r.Get("koi_kepmag")
	assert.Equal(t, 15.714, v)
	assert.Equal(t, DefaultRecord(), r)
}

func TestRecordSet(t *testing.T) {
	r := DefaultRecord()
	require.NoError(t, r.Set("koi_fpflag_co", 1))
	require.NoError(t, r.Set("koi_depth", -12.5))

	assert.ErrorIs(t, r.Set("koi_fpflag_co", 2), ErrInvalidFeature)
	assert.ErrorIs(t, r.Set("koi_fpflag_co", 0.5), ErrInvalidFeature)
	assert.ErrorIs(t, r.Set("koi_teq", math.NaN()), ErrInvalidFeature)
	assert.ErrorIs(t, r.Set("koi_teq", math.Inf(1)), ErrInvalidFeature)
	assert.ErrorIs(t, r.Set("mass", 1), ErrUnknownFeature)

	assert.Equal(t, 1.0, r[2])
	assert.Equal(t, -12.5, r[8])
}

func TestRecordFromMap(t *testing.T) {
	r, err := RecordFromMap(map[string]float64{"ra": 10, "koi_fpflag_ec": 1})
	require.NoError(t, err)
	assert.Equal(t, 10.0, r[15])
	assert.Equal(t, 1.0, r[3])
	assert.Equal(t, 9.48, r[4])

	_, err = RecordFromMap(map[string]float64{"koi_fpflag_ec": 3})
	assert.ErrorIs(t, err, ErrInvalidFeature)

	assert.Equal(t, r.Map()["ra"], 10.0)
}
