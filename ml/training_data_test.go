package ml

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const koiHeader = "kepid,koi_disposition,koi_fpflag_nt,koi_fpflag_ss,koi_fpflag_co,koi_fpflag_ec,koi_period,koi_time0bk,koi_impact,koi_duration,koi_depth,koi_prad,koi_teq,koi_insol,koi_steff,koi_slogg,koi_srad,ra,dec,koi_kepmag"

func TestLoadKOIDataset(t *testing.T) {
	csv := strings.Join([]string{
		"# This file was produced by the NASA Exoplanet Archive",
		"# COLUMN kepid: KepID",
		koiHeader,
		"10797460,CONFIRMED,0,0,0,0,9.48,170.53,0.146,2.95,615.8,2.26,793,93.59,5455,4.467,0.927,291.93,48.14,15.714",
		"10811496,CANDIDATE,0,0,0,0,19.89,175.85,0.969,1.78,10829,14.6,638,39.3,5853,4.544,0.868,297.00,48.13,15.436",
		"10848459,FALSE POSITIVE,0,1,0,0,1.73,170.31,1.276,2.40,8079.2,33.46,1395,890.0,5805,4.564,0.791,285.53,48.28,16.1",
		"10854555,CONFIRMED,0,0,0,0,2.52,171.59,,1.65,603.3,2.75,1406,926.2,6031,4.438,1.046,288.75,48.23,15.509",
	}, "\n")

	ds, err := LoadKOIDataset(strings.NewReader(csv), testClasses)
	require.NoError(t, err)
	require.Len(t, ds.Features, 2)
	assert.Equal(t, []int{0, 1}, ds.Labels)
	assert.Equal(t, 2, ds.Skipped)
	assert.Equal(t, DefaultRecord().Vector(), ds.Features[0])
	assert.Equal(t, 1.0, ds.Features[1][1])
}

func TestLoadKOIDatasetMissingColumn(t *testing.T) {
	_, err := LoadKOIDataset(strings.NewReader("kepid,koi_disposition\n1,CONFIRMED\n"), testClasses)
	assert.ErrorContains(t, err, "missing column")

	_, err = LoadKOIDataset(strings.NewReader(koiHeader+"\n"), testClasses)
	assert.ErrorContains(t, err, "no usable rows")
}

func TestSplitDatasetIsSeeded(t *testing.T) {
	features, labels := syntheticDataset(50, 1)
	trainX, trainY, testX, testY := SplitDataset(features, labels, 0.2, 9)
	assert.Len(t, trainX, 40)
	assert.Len(t, trainY, 40)
	assert.Len(t, testX, 10)
	assert.Len(t, testY, 10)

	againX, _, _, _ := SplitDataset(features, labels, 0.2, 9)
	assert.Equal(t, trainX, againX)
}

func TestEvaluate(t *testing.T) {
	forest := trainTestForest(t)
	features, labels := syntheticDataset(60, 21)

	m, err := Evaluate(forest, features, labels, LabelConfirmed)
	require.NoError(t, err)
	assert.Equal(t, 60, m.Samples)
	for _, v := range []float64{m.Accuracy, m.Precision, m.Recall} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}
