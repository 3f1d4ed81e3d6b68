package ml

// Classifier is a trained binary model over the feature record schema.
// Implementations must be safe for concurrent use once loaded.
type Classifier interface {
	Classes() []string
	Predict(features []float64) (string, error)
	PredictProba(features []float64) ([]float64, error)
	FeatureImportances() []float64
}

const (
	LabelConfirmed     = "CONFIRMED"
	LabelFalsePositive = "FALSE POSITIVE"
)
