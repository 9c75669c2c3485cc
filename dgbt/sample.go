package dgbt

import (
	"math"
	"math/rand"
)

// SampledFeatures routes the candidate features of every open node to
// the workers that will search them:
// samples[worker][weakModel][node] -> features.
type SampledFeatures [][][][]int

// SampleInputFeatures selects the candidate features for every open
// node of every weak model and routes each chosen feature to one of its
// owning workers. In duplicate-computation mode every chosen feature
// goes to every worker.
func SampleInputFeatures(config *TrainingConfig, numWorkers int,
	features []int, ownership *FeatureOwnership, weakModels []*TreeBuilder,
	rnd *rand.Rand) (SampledFeatures, error) {
	numSampled := numSampledFeatures(config, len(features))

	samples := make(SampledFeatures, numWorkers)
	for workerIdx := range samples {
		samples[workerIdx] = make([][][]int, len(weakModels))
		for weakModelIdx, weakModel := range weakModels {
			samples[workerIdx][weakModelIdx] =
				make([][]int, weakModel.NumOpenNodes())
		}
	}

	for weakModelIdx, weakModel := range weakModels {
		for nodeIdx := 0; nodeIdx < weakModel.NumOpenNodes(); nodeIdx++ {
			sampled := sampleFeatures(features, numSampled, rnd)
			for _, feature := range sampled {
				if config.DuplicateComputationOnAllWorkers {
					for workerIdx := 0; workerIdx < numWorkers; workerIdx++ {
						samples[workerIdx][weakModelIdx][nodeIdx] = append(
							samples[workerIdx][weakModelIdx][nodeIdx], feature)
					}
					continue
				}
				workerIdx, err := SelectOwnerWorker(ownership, feature, rnd)
				if err != nil {
					return nil, err
				}
				samples[workerIdx][weakModelIdx][nodeIdx] = append(
					samples[workerIdx][weakModelIdx][nodeIdx], feature)
			}
		}
	}
	return samples, nil
}

// numSampledFeatures computes how many features each open node
// evaluates. A fixed count wins over a ratio; both fall back to all
// features, and the count is capped at the feature-set size.
func numSampledFeatures(config *TrainingConfig, numFeatures int) int {
	if config.NumCandidateAttributes > 0 {
		if config.NumCandidateAttributes > numFeatures {
			return numFeatures
		}
		return config.NumCandidateAttributes
	}
	if r := config.NumCandidateAttributesRatio; r > 0 && r <= 1 {
		return int(math.Ceil(r * float64(numFeatures)))
	}
	return numFeatures
}

// sampleFeatures draws numSampled features uniformly without
// replacement, by shuffle and truncate.
func sampleFeatures(features []int, numSampled int, rnd *rand.Rand) []int {
	sampled := make([]int, len(features))
	copy(sampled, features)
	if numSampled >= len(features) {
		return sampled
	}
	rnd.Shuffle(len(sampled), func(i, j int) {
		sampled[i], sampled[j] = sampled[j], sampled[i]
	})
	return sampled[:numSampled]
}
