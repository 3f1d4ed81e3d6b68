package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
)

const ArtifactFormat = "exodetect-forest/v1"

// RandomForest averages the leaf class distributions of its trees.
type RandomForest struct {
	classes      []string
	featureNames []string
	trees        []*DecisionTree
	importances  []float64
}

type ForestParams struct {
	Trees           int
	MaxDepth        int
	MinSamplesSplit int
	// MaxFeatures per split; 0 means sqrt of the feature count.
	MaxFeatures int
	Seed        int64
}

func DefaultForestParams() ForestParams {
	return ForestParams{
		Trees:           100,
		MaxDepth:        10,
		MinSamplesSplit: 2,
		Seed:            42,
	}
}

type artifact struct {
	Format             string          `json:"format"`
	Classes            []string        `json:"classes"`
	FeatureNames       []string        `json:"feature_names"`
	Trees              []*DecisionTree `json:"trees"`
	FeatureImportances []float64       `json:"feature_importances,omitempty"`
}

func TrainForest(features [][]float64, labels []int, classes []string, params ForestParams) (*RandomForest, error) {
	if len(features) == 0 {
		return nil, errors.New("features empty")
	}
	if len(features) != len(labels) {
		return nil, errors.New("features and labels size mismatch")
	}
	if len(classes) != 2 {
		return nil, fmt.Errorf("exactly two classes required, got %d", len(classes))
	}
	featureCount := len(features[0])
	if featureCount != NumFeatures {
		return nil, fmt.Errorf("expected %d features, got %d", NumFeatures, featureCount)
	}
	if params.Trees <= 0 {
		params.Trees = DefaultForestParams().Trees
	}
	if params.MaxFeatures <= 0 {
		params.MaxFeatures = int(math.Sqrt(float64(featureCount)))
	}

	rnd := rand.New(rand.NewSource(params.Seed))
	forest := &RandomForest{
		classes:      append([]string(nil), classes...),
		featureNames: FeatureNames(),
		trees:        make([]*DecisionTree, 0, params.Trees),
	}
	treeParams := TreeParams{
		MaxDepth:        params.MaxDepth,
		MinSamplesSplit: params.MinSamplesSplit,
		MaxFeatures:     params.MaxFeatures,
	}
	for i := 0; i < params.Trees; i++ {
		sampleX, sampleY := bootstrap(features, labels, rnd)
		tree := &DecisionTree{}
		if err := tree.Train(sampleX, sampleY, len(classes), treeParams, rnd); err != nil {
			return nil, fmt.Errorf("train tree %d: %w", i, err)
		}
		forest.trees = append(forest.trees, tree)
	}
	forest.importances = forest.meanImpurityDecrease()
	return forest, nil
}

func bootstrap(features [][]float64, labels []int, rnd *rand.Rand) ([][]float64, []int) {
	n := len(features)
	sampleX := make([][]float64, n)
	sampleY := make([]int, n)
	for i := 0; i < n; i++ {
		idx := rnd.Intn(n)
		sampleX[i] = features[idx]
		sampleY[i] = labels[idx]
	}
	return sampleX, sampleY
}

func (f *RandomForest) Classes() []string {
	return append([]string(nil), f.classes...)
}

func (f *RandomForest) NumTrees() int {
	return len(f.trees)
}

func (f *RandomForest) PredictProba(x []float64) ([]float64, error) {
	if len(x) != len(f.featureNames) {
		return nil, fmt.Errorf("expected %d features, got %d", len(f.featureNames), len(x))
	}
	proba := make([]float64, len(f.classes))
	for i, tree := range f.trees {
		dist, err := tree.Distribution(x)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		for c, p := range dist {
			proba[c] += p
		}
	}
	for c := range proba {
		proba[c] /= float64(len(f.trees))
	}
	return proba, nil
}

func (f *RandomForest) Predict(x []float64) (string, error) {
	proba, err := f.PredictProba(x)
	if err != nil {
		return "", err
	}
	return f.classes[argmax(proba)], nil
}

func (f *RandomForest) FeatureImportances() []float64 {
	return append([]float64(nil), f.importances...)
}

func (f *RandomForest) meanImpurityDecrease() []float64 {
	out := make([]float64, len(f.featureNames))
	for _, tree := range f.trees {
		for i, v := range tree.impurityDecrease(len(f.featureNames)) {
			out[i] += v
		}
	}
	total := sum(out)
	if total > 0 {
		for i := range out {
			out[i] /= total
		}
	}
	return out
}

func (f *RandomForest) Save(path string) error {
	if len(f.trees) == 0 {
		return errors.New("model not trained")
	}
	payload, err := json.Marshal(artifact{
		Format:             ArtifactFormat,
		Classes:            f.classes,
		FeatureNames:       f.featureNames,
		Trees:              f.trees,
		FeatureImportances: f.importances,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o644)
}

func decodeForest(payload []byte) (*RandomForest, error) {
	var a artifact
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if a.Format != ArtifactFormat {
		return nil, fmt.Errorf("unsupported model format %q", a.Format)
	}
	if len(a.Classes) != 2 {
		return nil, fmt.Errorf("model declares %d classes, want 2", len(a.Classes))
	}
	if len(a.Trees) == 0 {
		return nil, errors.New("model has no trees")
	}
	names := FeatureNames()
	if len(a.FeatureNames) != len(names) {
		return nil, fmt.Errorf("model expects %d features, schema has %d", len(a.FeatureNames), len(names))
	}
	for i, name := range names {
		if a.FeatureNames[i] != name {
			return nil, fmt.Errorf("model feature %d is %q, schema has %q", i, a.FeatureNames[i], name)
		}
	}
	for i, tree := range a.Trees {
		if tree == nil {
			return nil, fmt.Errorf("tree %d is null", i)
		}
		if err := tree.validate(len(a.Classes), len(names)); err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
	}

	forest := &RandomForest{
		classes:      a.Classes,
		featureNames: a.FeatureNames,
		trees:        a.Trees,
	}
	switch {
	case a.FeatureImportances == nil:
		forest.importances = forest.meanImpurityDecrease()
	case len(a.FeatureImportances) != len(names):
		return nil, fmt.Errorf("model has %d feature importances, want %d", len(a.FeatureImportances), len(names))
	default:
		for i, v := range a.FeatureImportances {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("feature importance %d is %v", i, v)
			}
		}
		forest.importances = a.FeatureImportances
	}
	return forest, nil
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
