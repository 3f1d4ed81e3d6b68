package ml

import (
	"errors"
	"fmt"
	"math"
)

const NumFeatures = 18

var (
	ErrUnknownFeature = errors.New("unknown feature")
	ErrInvalidFeature = errors.New("invalid feature value")
)

type Feature struct {
	Name    string  `json:"name"`
	Label   string  `json:"label"`
	Default float64 `json:"default"`
	Flag    bool    `json:"flag"`
}

var schema = [NumFeatures]Feature{
	{Name: "koi_fpflag_nt", Label: "Not Transit-Like Flag", Default: 0, Flag: true},
	{Name: "koi_fpflag_ss", Label: "Stellar Eclipse Flag", Default: 0, Flag: true},
	{Name: "koi_fpflag_co", Label: "Centroid Offset Flag", Default: 0, Flag: true},
	{Name: "koi_fpflag_ec", Label: "Ephemeris Contamination Flag", Default: 0, Flag: true},
	{Name: "koi_period", Label: "Orbital Period [days]", Default: 9.48},
	{Name: "koi_time0bk", Label: "Transit Epoch [BKJD]", Default: 170.53},
	{Name: "koi_impact", Label: "Impact Parameter", Default: 0.146},
	{Name: "koi_duration", Label: "Transit Duration [hrs]", Default: 2.95},
	{Name: "koi_depth", Label: "Transit Depth [ppm]", Default: 615.8},
	{Name: "koi_prad", Label: "Planetary Radius [Earth radii]", Default: 2.26},
	{Name: "koi_teq", Label: "Equilibrium Temperature [K]", Default: 793.0},
	{Name: "koi_insol", Label: "Insolation Flux [Earth flux]", Default: 93.59},
	{Name: "koi_steff", Label: "Stellar Effective Temperature [K]", Default: 5455.0},
	{Name: "koi_slogg", Label: "Stellar Surface Gravity", Default: 4.467},
	{Name: "koi_srad", Label: "Stellar Radius [Solar radii]", Default: 0.927},
	{Name: "ra", Label: "Right Ascension", Default: 291.93},
	{Name: "dec", Label: "Declination", Default: 48.14},
	{Name: "koi_kepmag", Label: "Kepler-band Magnitude", Default: 15.714},
}

var featureIndex = func() map[string]int {
	index := make(map[string]int, NumFeatures)
	for i, f := range schema {
		index[f.Name] = i
	}
	return index
}()

// Schema returns the input features in the order the model expects them.
func Schema() []Feature {
	out := make([]Feature, NumFeatures)
	copy(out, schema[:])
	return out
}

func FeatureNames() []string {
	names := make([]string, NumFeatures)
	for i, f := range schema {
		names[i] = f.Name
	}
	return names
}

// FeatureRecord holds one candidate object. It is a value type so it can be
// compared and used as a cache key.
type FeatureRecord [NumFeatures]float64

func DefaultRecord() FeatureRecord {
	var r FeatureRecord
	for i, f := range schema {
		r[i] = f.Default
	}
	return r
}

func RecordFromMap(values map[string]float64) (FeatureRecord, error) {
	r := DefaultRecord()
	for name, value := range values {
		if err := r.Set(name, value); err != nil {
			return FeatureRecord{}, err
		}
	}
	return r, nil
}

func (r *FeatureRecord) Set(name string, value float64) error {
	idx, ok := featureIndex[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFeature, name)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %s must be a finite number", ErrInvalidFeature, name)
	}
	if schema[idx].Flag && value != 0 && value != 1 {
		return fmt.Errorf("%w: %s must be 0 or 1, got %v", ErrInvalidFeature, name, value)
	}
	r[idx] = value
	return nil
}

func (r FeatureRecord) Get(name string) (float64, bool) {
	idx, ok := featureIndex[name]
	if !ok {
		return 0, false
	}
	return r[idx], true
}

func (r FeatureRecord) Vector() []float64 {
	out := make([]float64, NumFeatures)
	copy(out, r[:])
	return out
}

func (r FeatureRecord) Map() map[string]float64 {
	out := make(map[string]float64, NumFeatures)
	for i, f := range schema {
		out[f.Name] = r[i]
	}
	return out
}
