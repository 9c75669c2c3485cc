package dgbt

import (
	"fmt"
	"math/rand"

	log "github.com/sirupsen/logrus"
	"github.com/unixpickle/essentials"

	"github.com/unixpickle/dist-gbdt/cache"
)

// FeatureOwnership maps features to the workers that own their columns.
// Built once at bootstrap; immutable for the life of the run.
type FeatureOwnership struct {
	// WorkerToFeature[w] lists the features owned by worker w.
	WorkerToFeature [][]int

	// FeatureToWorker[f] lists the workers owning feature f. Usually a
	// single worker; several in duplicate-computation mode.
	FeatureToWorker [][]int
}

// AssignFeaturesToWorkers distributes the input feature columns across
// the fleet.
//
// Features are sorted by decreasing split-finding cost (dense numerical
// above categorical and discretized numerical, boolean cheapest) and
// dealt round-robin, spreading the expensive columns across workers.
func AssignFeaturesToWorkers(config *TrainingConfig, features []int,
	numWorkers int, meta *cache.Metadata) (*FeatureOwnership, error) {
	ownership := &FeatureOwnership{
		WorkerToFeature: make([][]int, numWorkers),
		FeatureToWorker: make([][]int, maxFeatureIdx(features)+1),
	}

	if config.DuplicateComputationOnAllWorkers {
		log.Warnf("Assigning all the features to all the workers. This " +
			"option should only be used for debugging.")
		for _, feature := range features {
			// Worker 0 is the canonical owner so that routing stays
			// deterministic.
			ownership.FeatureToWorker[feature] = append(
				ownership.FeatureToWorker[feature], 0)
			for workerIdx := 0; workerIdx < numWorkers; workerIdx++ {
				ownership.WorkerToFeature[workerIdx] = append(
					ownership.WorkerToFeature[workerIdx], feature)
			}
		}
		return ownership, nil
	}

	scored := make([]int, len(features))
	copy(scored, features)
	scores := make(map[int]int64, len(features))
	for _, feature := range features {
		if feature < 0 || feature >= len(meta.Columns) {
			return nil, fmt.Errorf("%w: feature index %d out of range",
				ErrInvalidArgument, feature)
		}
		scores[feature] = featureCostScore(&meta.Columns[feature])
	}
	// Stable on the original feature order for equal scores.
	essentials.VoodooSort(scored, func(i, j int) bool {
		if scores[scored[i]] != scores[scored[j]] {
			return scores[scored[i]] > scores[scored[j]]
		}
		return scored[i] < scored[j]
	})

	for rank, feature := range scored {
		workerIdx := rank % numWorkers
		ownership.WorkerToFeature[workerIdx] = append(
			ownership.WorkerToFeature[workerIdx], feature)
		ownership.FeatureToWorker[feature] = append(
			ownership.FeatureToWorker[feature], workerIdx)
	}
	return ownership, nil
}

// featureCostScore estimates the relative cost of searching splits on a
// column: boolean < categorical == discretized numerical < dense
// numerical.
func featureCostScore(col *cache.ColumnMetadata) int64 {
	switch col.Type {
	case cache.Numerical:
		if col.Discretized {
			return int64(col.NumDiscretizedValues) + (1 << 32)
		}
		return int64(col.NumUniqueValues) + (2 << 32)
	case cache.Categorical:
		return int64(col.NumValues) + (1 << 32)
	default:
		return 0
	}
}

// SelectOwnerWorker picks the worker that will act for a feature,
// uniformly at random when the feature has several owners.
func SelectOwnerWorker(ownership *FeatureOwnership, feature int,
	rnd *rand.Rand) (int, error) {
	if feature < 0 || feature >= len(ownership.FeatureToWorker) {
		return 0, fmt.Errorf("%w: no owning worker for feature %d",
			ErrInternal, feature)
	}
	candidates := ownership.FeatureToWorker[feature]
	switch len(candidates) {
	case 0:
		return 0, fmt.Errorf("%w: no owning worker for feature %d",
			ErrInternal, feature)
	case 1:
		return candidates[0], nil
	default:
		return candidates[rnd.Intn(len(candidates))], nil
	}
}

func maxFeatureIdx(features []int) int {
	max := 0
	for _, f := range features {
		max = essentials.MaxInt(max, f)
	}
	return max
}
