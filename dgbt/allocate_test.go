package dgbt

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/unixpickle/dist-gbdt/cache"
)

func testCacheMetadata() *cache.Metadata {
	return &cache.Metadata{
		NumExamples: 100,
		Columns: []cache.ColumnMetadata{
			{Name: "f0", Type: cache.Numerical, NumUniqueValues: 8},
			{Name: "f1", Type: cache.Numerical, NumUniqueValues: 6},
			{Name: "f2", Type: cache.Numerical, NumUniqueValues: 4},
			{Name: "cat", Type: cache.Categorical, NumValues: 30},
			{Name: "flag", Type: cache.Boolean},
			{Name: "disc", Type: cache.Numerical, Discretized: true,
				NumDiscretizedValues: 50},
		},
	}
}

func TestAssignFeaturesRoundRobin(t *testing.T) {
	config := &TrainingConfig{}
	ownership, err := AssignFeaturesToWorkers(config, []int{0, 1, 2}, 2,
		testCacheMetadata())
	if err != nil {
		t.Fatal(err)
	}
	// All three are dense numerical; sorted by descending unique count:
	// f0, f1, f2 dealt to workers 0, 1, 0.
	if !reflect.DeepEqual(ownership.WorkerToFeature[0], []int{0, 2}) {
		t.Errorf("worker 0 features: %v", ownership.WorkerToFeature[0])
	}
	if !reflect.DeepEqual(ownership.WorkerToFeature[1], []int{1}) {
		t.Errorf("worker 1 features: %v", ownership.WorkerToFeature[1])
	}
	for _, feature := range []int{0, 1, 2} {
		if len(ownership.FeatureToWorker[feature]) != 1 {
			t.Errorf("feature %d owners: %v", feature,
				ownership.FeatureToWorker[feature])
		}
	}
}

func TestAssignFeaturesCostOrder(t *testing.T) {
	// One worker receives the features in cost order: dense numerical
	// first, then discretized numerical and categorical by cardinality,
	// boolean last.
	config := &TrainingConfig{}
	ownership, err := AssignFeaturesToWorkers(config, []int{0, 3, 4, 5}, 1,
		testCacheMetadata())
	if err != nil {
		t.Fatal(err)
	}
	expected := []int{0, 5, 3, 4}
	if !reflect.DeepEqual(ownership.WorkerToFeature[0], expected) {
		t.Errorf("expected order %v but got %v", expected,
			ownership.WorkerToFeature[0])
	}
}

func TestAssignFeaturesPartition(t *testing.T) {
	config := &TrainingConfig{}
	features := []int{0, 1, 2, 3, 4, 5}
	ownership, err := AssignFeaturesToWorkers(config, features, 4,
		testCacheMetadata())
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, owned := range ownership.WorkerToFeature {
		total += len(owned)
	}
	if total != len(features) {
		t.Errorf("ownership should partition %d features but covers %d",
			len(features), total)
	}
	for _, feature := range features {
		if len(ownership.FeatureToWorker[feature]) != 1 {
			t.Errorf("feature %d should have exactly one owner", feature)
		}
	}
}

func TestAssignFeaturesDuplicateMode(t *testing.T) {
	config := &TrainingConfig{DuplicateComputationOnAllWorkers: true}
	features := []int{0, 1, 2}
	ownership, err := AssignFeaturesToWorkers(config, features, 3,
		testCacheMetadata())
	if err != nil {
		t.Fatal(err)
	}
	for workerIdx := 0; workerIdx < 3; workerIdx++ {
		if !reflect.DeepEqual(ownership.WorkerToFeature[workerIdx], features) {
			t.Errorf("worker %d should own every feature, got %v", workerIdx,
				ownership.WorkerToFeature[workerIdx])
		}
	}
	for _, feature := range features {
		if !reflect.DeepEqual(ownership.FeatureToWorker[feature], []int{0}) {
			t.Errorf("feature %d should record worker 0 as canonical owner, "+
				"got %v", feature, ownership.FeatureToWorker[feature])
		}
	}
}

func TestSelectOwnerWorker(t *testing.T) {
	ownership := &FeatureOwnership{
		FeatureToWorker: [][]int{{2}, {0, 1}},
	}
	rnd := rand.New(rand.NewSource(0))
	if workerIdx, err := SelectOwnerWorker(ownership, 0, rnd); err != nil {
		t.Fatal(err)
	} else if workerIdx != 2 {
		t.Errorf("expected worker 2 but got %d", workerIdx)
	}
	for i := 0; i < 10; i++ {
		workerIdx, err := SelectOwnerWorker(ownership, 1, rnd)
		if err != nil {
			t.Fatal(err)
		}
		if workerIdx != 0 && workerIdx != 1 {
			t.Errorf("unexpected owner %d", workerIdx)
		}
	}
	if _, err := SelectOwnerWorker(ownership, 5, rnd); err == nil {
		t.Error("expected an error for a feature with no owner")
	}
}
