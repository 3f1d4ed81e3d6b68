package ml

import "math/rand"

var testClasses = []string{LabelConfirmed, LabelFalsePositive}

// syntheticDataset marks every third object as a false positive by raising
// one of the flags; the rest are jittered copies of the default record.
func syntheticDataset(n int, seed int64) ([][]float64, []int) {
	rnd := rand.New(rand.NewSource(seed))
	features := make([][]float64, 0, n)
	labels := make([]int, 0, n)
	for i := 0; i < n; i++ {
		r := DefaultRecord()
		for j, f := range schema {
			if !f.Flag {
				r[j] *= 1 + 0.2*(rnd.Float64()-0.5)
			}
		}
		label := 0
		if i%3 == 0 {
			r[rnd.Intn(4)] = 1
			label = 1
		}
		features = append(features, r.Vector())
		labels = append(labels, label)
	}
	return features, labels
}

func trainTestForest(t interface{ Fatalf(string, ...any) }) *RandomForest {
	features, labels := syntheticDataset(120, 7)
	forest, err := TrainForest(features, labels, testClasses, ForestParams{
		Trees:    15,
		MaxDepth: 6,
		Seed:     3,
	})
	if err != nil {
		t.Fatalf("train forest: %v", err)
	}
	return forest
}
