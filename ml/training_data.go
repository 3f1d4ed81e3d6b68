package ml

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strconv"
	"strings"
)

const DispositionColumn = "koi_disposition"

type Dataset struct {
	Classes  []string
	Features [][]float64
	Labels   []int
	// Skipped counts rows dropped for an unused disposition or a blank value.
	Skipped int
}

// LoadKOIDataset reads a Kepler cumulative KOI export. Lines starting with
// '#' are ignored. Only rows whose disposition is one of classes and whose
// feature columns are all numeric are kept.
func LoadKOIDataset(r io.Reader, classes []string) (*Dataset, error) {
	if len(classes) < 2 {
		return nil, errors.New("at least two classes required")
	}
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}
	dispositionCol, ok := columns[DispositionColumn]
	if !ok {
		return nil, fmt.Errorf("missing column %s", DispositionColumn)
	}
	featureCols := make([]int, NumFeatures)
	for i, name := range FeatureNames() {
		col, ok := columns[name]
		if !ok {
			return nil, fmt.Errorf("missing column %s", name)
		}
		featureCols[i] = col
	}
	classIndex := make(map[string]int, len(classes))
	for i, c := range classes {
		classIndex[c] = i
	}

	ds := &Dataset{Classes: append([]string(nil), classes...)}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if dispositionCol >= len(row) {
			ds.Skipped++
			continue
		}
		label, ok := classIndex[strings.TrimSpace(row[dispositionCol])]
		if !ok {
			ds.Skipped++
			continue
		}
		vector, ok := parseRow(row, featureCols)
		if !ok {
			ds.Skipped++
			continue
		}
		ds.Features = append(ds.Features, vector)
		ds.Labels = append(ds.Labels, label)
	}
	if len(ds.Features) == 0 {
		return nil, errors.New("no usable rows")
	}
	return ds, nil
}

func parseRow(row []string, cols []int) ([]float64, bool) {
	vector := make([]float64, len(cols))
	for i, col := range cols {
		if col >= len(row) {
			return nil, false
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
		if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, false
		}
		vector[i] = value
	}
	return vector, true
}

func SplitDataset(features [][]float64, labels []int, testRatio float64, seed int64) (trainX [][]float64, trainY []int, testX [][]float64, testY []int) {
	if testRatio <= 0 || testRatio >= 1 {
		testRatio = 0.2
	}
	rnd := rand.New(rand.NewSource(seed))
	indices := rnd.Perm(len(features))

	split := int(math.Round(float64(len(features)) * (1 - testRatio)))
	for i, idx := range indices {
		if i < split {
			trainX = append(trainX, features[idx])
			trainY = append(trainY, labels[idx])
		} else {
			testX = append(testX, features[idx])
			testY = append(testY, labels[idx])
		}
	}
	return trainX, trainY, testX, testY
}

type Metrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	Samples   int     `json:"samples"`
}

// Evaluate scores model on a labelled set, treating positive as the class of
// interest for precision and recall.
func Evaluate(model Classifier, testX [][]float64, testY []int, positive string) (Metrics, error) {
	m := Metrics{Samples: len(testX)}
	if len(testX) == 0 {
		return m, nil
	}
	classes := model.Classes()

	var correct, truePositive, predictedPositive, actualPositive int
	for i, feature := range testX {
		label, err := model.Predict(feature)
		if err != nil {
			return m, err
		}
		actual := classes[testY[i]]
		if label == actual {
			correct++
		}
		if label == positive {
			predictedPositive++
		}
		if actual == positive {
			actualPositive++
			if label == positive {
				truePositive++
			}
		}
	}

	m.Accuracy = float64(correct) / float64(len(testX))
	if predictedPositive > 0 {
		m.Precision = float64(truePositive) / float64(predictedPositive)
	}
	if actualPositive > 0 {
		m.Recall = float64(truePositive) / float64(actualPositive)
	}
	return m, nil
}
