// Package inference runs the classifier against a feature record on demand.
package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"exodetect/ml"
)

const DefaultDelay = time.Second

type Config struct {
	// Delay is waited before every analysis, cached or not.
	Delay     time.Duration `yaml:"delay"`
	CacheSize int           `yaml:"cache_size"`
}

type Prediction struct {
	Label         string           `json:"label"`
	Confidence    float64          `json:"confidence"`
	Classes       []string         `json:"classes"`
	Probabilities []float64        `json:"probabilities"`
	Importances   []float64        `json:"feature_importances"`
	Record        ml.FeatureRecord `json:"-"`
	AnalyzedAt    time.Time        `json:"analyzed_at"`
}

// Positive reports whether the label is exactly the confirmed class. Any
// other label, known or not, is negative.
func (p Prediction) Positive() bool {
	return p.Label == ml.LabelConfirmed
}

func (p Prediction) clone() Prediction {
	p.Classes = append([]string(nil), p.Classes...)
	p.Probabilities = append([]float64(nil), p.Probabilities...)
	p.Importances = append([]float64(nil), p.Importances...)
	return p
}

// Observer is told about every finished analysis.
type Observer func(ctx context.Context, p Prediction)

type Invoker struct {
	model     ml.Classifier
	delay     time.Duration
	cache     *lru.Cache[ml.FeatureRecord, Prediction]
	observers []Observer
	logger    *zap.Logger

	sleep func(time.Duration)
	now   func() time.Time
}

func NewInvoker(model ml.Classifier, cfg Config, logger *zap.Logger, observers ...Observer) (*Invoker, error) {
	if model == nil {
		return nil, errors.New("model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	inv := &Invoker{
		model:     model,
		delay:     max(cfg.Delay, 0),
		observers: observers,
		logger:    logger,
		sleep:     time.Sleep,
		now:       time.Now,
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[ml.FeatureRecord, Prediction](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create prediction cache: %w", err)
		}
		inv.cache = cache
	}
	return inv, nil
}

// Analyze waits the configured delay and classifies record. The wait is not
// interrupted by ctx. Model errors are returned as is and model panics are
// not recovered.
func (inv *Invoker) Analyze(ctx context.Context, record ml.FeatureRecord) (Prediction, error) {
	start := inv.now()
	inv.sleep(inv.delay)

	prediction, cached := inv.lookup(record)
	if !cached {
		var err error
		prediction, err = inv.classify(record)
		if err != nil {
			inv.logger.Error("inference failed", zap.Error(err))
			return Prediction{}, err
		}
		if inv.cache != nil {
			inv.cache.Add(record, prediction.clone())
		}
	}
	prediction.AnalyzedAt = inv.now()

	inv.logger.Info("analysis finished",
		zap.String("label", prediction.Label),
		zap.Float64("confidence", prediction.Confidence),
		zap.Bool("cached", cached),
		zap.Duration("elapsed", prediction.AnalyzedAt.Sub(start)))

	for _, observe := range inv.observers {
		observe(ctx, prediction.clone())
	}
	return prediction, nil
}

func (inv *Invoker) lookup(record ml.FeatureRecord) (Prediction, bool) {
	if inv.cache == nil {
		return Prediction{}, false
	}
	p, ok := inv.cache.Get(record)
	if !ok {
		return Prediction{}, false
	}
	return p.clone(), true
}

func (inv *Invoker) classify(record ml.FeatureRecord) (Prediction, error) {
	x := record.Vector()
	label, err := inv.model.Predict(x)
	if err != nil {
		return Prediction{}, fmt.Errorf("predict: %w", err)
	}
	proba, err := inv.model.PredictProba(x)
	if err != nil {
		return Prediction{}, fmt.Errorf("predict proba: %w", err)
	}
	importances := inv.model.FeatureImportances()
	if len(importances) != ml.NumFeatures {
		return Prediction{}, fmt.Errorf("model reported %d feature importances, want %d", len(importances), ml.NumFeatures)
	}
	return Prediction{
		Label:         label,
		Confidence:    Confidence(proba),
		Classes:       inv.model.Classes(),
		Probabilities: proba,
		Importances:   importances,
		Record:        record,
	}, nil
}

// Confidence is the largest class probability, or 0 for an empty vector.
func Confidence(proba []float64) float64 {
	if len(proba) == 0 {
		return 0
	}
	best := proba[0]
	for _, p := range proba[1:] {
		best = max(best, p)
	}
	return best
}
