package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"exodetect/inference"
	"exodetect/ml"
)

const schema = `
CREATE TABLE IF NOT EXISTS analyses (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    label VARCHAR(32) NOT NULL,
    confidence REAL NOT NULL,
    features TEXT NOT NULL,
    analyzed_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analyses_analyzed_at ON analyses(analyzed_at);
CREATE TABLE IF NOT EXISTS training_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model_name VARCHAR(255),
    accuracy REAL,
    precision REAL,
    recall REAL,
    trained_at DATETIME,
    data_points INTEGER
);
`

// Store keeps the optional analysis history and the training log.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	database, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: database}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type Analysis struct {
	ID         int64              `json:"id"`
	Label      string             `json:"label"`
	Confidence float64            `json:"confidence"`
	Features   map[string]float64 `json:"features"`
	AnalyzedAt time.Time          `json:"analyzed_at"`
}

func (s *Store) SaveAnalysis(ctx context.Context, p inference.Prediction) error {
	features, err := json.Marshal(p.Record.Map())
	if err != nil {
		return err
	}
	at := p.AnalyzedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO analyses (label, confidence, features, analyzed_at)
        VALUES (?, ?, ?, ?)
    `, p.Label, p.Confidence, string(features), at.UTC())
	return err
}

// RecentAnalyses returns the newest analyses first.
func (s *Store) RecentAnalyses(ctx context.Context, limit int) ([]Analysis, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, label, confidence, features, analyzed_at
        FROM analyses
        ORDER BY analyzed_at DESC, id DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	analyses := make([]Analysis, 0)
	for rows.Next() {
		var a Analysis
		var features string
		if err := rows.Scan(&a.ID, &a.Label, &a.Confidence, &features, &a.AnalyzedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(features), &a.Features); err != nil {
			return nil, fmt.Errorf("analysis %d: %w", a.ID, err)
		}
		analyses = append(analyses, a)
	}
	return analyses, rows.Err()
}

// Observer records every analysis; failures are logged and never reach the page.
func (s *Store) Observer(logger *zap.Logger) inference.Observer {
	return func(ctx context.Context, p inference.Prediction) {
		if err := s.SaveAnalysis(context.WithoutCancel(ctx), p); err != nil {
			logger.Error("save analysis", zap.Error(err))
		}
	}
}

type TrainingLog struct {
	ModelName  string    `json:"model_name"`
	Accuracy   float64   `json:"accuracy"`
	Precision  float64   `json:"precision"`
	Recall     float64   `json:"recall"`
	TrainedAt  time.Time `json:"trained_at"`
	DataPoints int       `json:"data_points"`
}

func (s *Store) SaveTrainingLog(ctx context.Context, modelName string, m ml.Metrics, dataPoints int) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO training_log (model_name, accuracy, precision, recall, trained_at, data_points)
        VALUES (?, ?, ?, ?, ?, ?)
    `, modelName, m.Accuracy, m.Precision, m.Recall, time.Now().UTC(), dataPoints)
	return err
}

func (s *Store) LoadTrainingLog(ctx context.Context) ([]TrainingLog, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT model_name, accuracy, precision, recall, trained_at, data_points
        FROM training_log
        ORDER BY trained_at DESC, id DESC
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var log TrainingLog
		if err := rows.Scan(&log.ModelName, &log.Accuracy, &log.Precision, &log.Recall, &log.TrainedAt, &log.DataPoints); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}
