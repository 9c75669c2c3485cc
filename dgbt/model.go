package dgbt

import (
	"encoding/gob"
	"fmt"
	"os"

	"github.com/unixpickle/dist-gbdt/cache"
)

// TrainingLogEntry records the state of the model after one iteration.
type TrainingLogEntry struct {
	NumberOfTrees              int
	TrainingLoss               float64
	TrainingSecondaryMetrics   []float64
	ValidationSecondaryMetrics []float64
}

// TrainingLogs accumulates one entry per training iteration.
type TrainingLogs struct {
	SecondaryMetricNames []string
	Entries              []TrainingLogEntry
}

// Model is a trained Gradient Boosted Decision Trees ensemble.
//
// Trees are stored iteration-major: iteration i contributed trees
// [i*NumTreesPerIter, (i+1)*NumTreesPerIter).
type Model struct {
	Columns []cache.ColumnMetadata
	Loss    string

	InitialPredictions []float64
	NumTreesPerIter    int
	Trees              []*Tree

	// OutputLogits is set when the model's raw output is not passed
	// through the loss's link function.
	OutputLogits bool

	TrainingLogs TrainingLogs
}

// NumIterations returns the number of completed boosting iterations.
func (m *Model) NumIterations() int {
	if m.NumTreesPerIter == 0 {
		return 0
	}
	return len(m.Trees) / m.NumTreesPerIter
}

// Predict accumulates the model output for a dense row of column
// values, one value per weak-model output.
func (m *Model) Predict(row []float64) []float64 {
	out := make([]float64, len(m.InitialPredictions))
	copy(out, m.InitialPredictions)
	for i, tree := range m.Trees {
		out[i%m.NumTreesPerIter] += tree.Predict(row)
	}
	return out
}

// Save writes the model to a file.
func (m *Model) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: saving model: %v", ErrFailedPrecondition, err)
	}
	if err := gob.NewEncoder(f).Encode(m); err != nil {
		f.Close()
		return fmt.Errorf("%w: encoding model: %v", ErrFailedPrecondition, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: saving model: %v", ErrFailedPrecondition, err)
	}
	return nil
}

// LoadModel reads a model written by Save.
func LoadModel(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: loading model: %v", ErrFailedPrecondition, err)
	}
	defer f.Close()
	var model Model
	if err := gob.NewDecoder(f).Decode(&model); err != nil {
		return nil, fmt.Errorf("%w: decoding model: %v", ErrFailedPrecondition, err)
	}
	return &model, nil
}
