package ml

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

var ErrModelNotFound = errors.New("model file not found")

func LoadModel(path string) (*RandomForest, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, path)
		}
		return nil, err
	}
	return decodeForest(payload)
}

// UserMessage renders a load failure the way the page shows it.
func UserMessage(path string, err error) string {
	if errors.Is(err, ErrModelNotFound) {
		return fmt.Sprintf("Model file not found. Please make sure '%s' is in the correct folder.", filepath.Base(path))
	}
	return fmt.Sprintf("Model file '%s' could not be loaded: %v", filepath.Base(path), err)
}

// Loader loads the model on first use and returns the same result, error
// included, for the rest of the process lifetime.
type Loader struct {
	path string
	load func(string) (Classifier, error)

	once  sync.Once
	model Classifier
	err   error
}

func NewLoader(path string) *Loader {
	return &Loader{
		path: path,
		load: func(p string) (Classifier, error) {
			model, err := LoadModel(p)
			if err != nil {
				return nil, err
			}
			return model, nil
		},
	}
}

// NewStaticLoader returns a Loader that is already initialized with model.
func NewStaticLoader(path string, model Classifier, err error) *Loader {
	l := &Loader{path: path}
	l.once.Do(func() {
		l.model, l.err = model, err
	})
	return l
}

func (l *Loader) Get() (Classifier, error) {
	l.once.Do(func() {
		l.model, l.err = l.load(l.path)
	})
	return l.model, l.err
}

func (l *Loader) Path() string {
	return l.path
}
