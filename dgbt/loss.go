package dgbt

import (
	"fmt"
	"math"
	"sync"
)

// LossSquaredError is the registered name of the squared-error
// regression loss.
const LossSquaredError = "SQUARED_ERROR"

// A Loss defines the objective optimized by boosting. The coordinator
// only uses InitialPredictions and SecondaryMetricNames; everything
// else runs on the workers.
type Loss interface {
	// InitialPredictions computes the model's bias terms from the label
	// statistics, one per weak-model output.
	InitialPredictions(stats LabelStatistics) []float64

	// Gradient returns the pseudo-response a weak model fits for one
	// example and output.
	Gradient(label float64, prediction float64) float64

	// LossValue aggregates the training loss and secondary metrics over
	// the whole dataset.
	LossValue(labels, weights []float64, predictions []float64,
		numOutputs int) (float64, []float64)

	// SecondaryMetricNames names the metrics returned by LossValue.
	SecondaryMetricNames() []string
}

var (
	lossLock     sync.Mutex
	lossRegistry = map[string]func(config *TrainingConfig) Loss{}
)

// RegisterLoss registers a loss constructor under a name. Intended to
// be called from init functions.
func RegisterLoss(name string, f func(config *TrainingConfig) Loss) {
	lossLock.Lock()
	defer lossLock.Unlock()
	if _, ok := lossRegistry[name]; ok {
		panic("duplicate loss name: " + name)
	}
	lossRegistry[name] = f
}

// CreateLoss instantiates a registered loss.
func CreateLoss(name string, config *TrainingConfig) (Loss, error) {
	lossLock.Lock()
	f, ok := lossRegistry[name]
	lossLock.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown loss %q", ErrInvalidArgument, name)
	}
	return f(config), nil
}

func init() {
	RegisterLoss(LossSquaredError, func(config *TrainingConfig) Loss {
		return squaredError{}
	})
}

// squaredError is the least-squares regression loss. Its reported loss
// value is the RMSE.
type squaredError struct{}

func (squaredError) InitialPredictions(stats LabelStatistics) []float64 {
	return []float64{stats.Mean()}
}

func (squaredError) Gradient(label, prediction float64) float64 {
	return label - prediction
}

func (squaredError) LossValue(labels, weights []float64,
	predictions []float64, numOutputs int) (float64, []float64) {
	var sumErr, sumWeight float64
	for i, label := range labels {
		weight := 1.0
		if weights != nil {
			weight = weights[i]
		}
		diff := label - predictions[i*numOutputs]
		sumErr += diff * diff * weight
		sumWeight += weight
	}
	rmse := 0.0
	if sumWeight > 0 {
		rmse = math.Sqrt(sumErr / sumWeight)
	}
	return rmse, []float64{rmse}
}

func (squaredError) SecondaryMetricNames() []string {
	return []string{"rmse"}
}
