package dgbt

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"github.com/unixpickle/dist-gbdt/cache"
	"github.com/unixpickle/dist-gbdt/distribute"
)

// regressionColumns builds a small regression dataset where the label
// equals feature f0, so that splits on f0 are always informative.
func regressionColumns(numExamples int) []cache.Column {
	f0 := make([]float64, numExamples)
	f1 := make([]float64, numExamples)
	f2 := make([]float64, numExamples)
	label := make([]float64, numExamples)
	for i := 0; i < numExamples; i++ {
		f0[i] = float64(i % 8)
		f1[i] = float64((i / 2) % 6)
		f2[i] = float64(i % 4)
		label[i] = f0[i]
	}
	return []cache.Column{
		{Metadata: cache.ColumnMetadata{Name: "f0", Type: cache.Numerical}, Values: f0},
		{Metadata: cache.ColumnMetadata{Name: "f1", Type: cache.Numerical}, Values: f1},
		{Metadata: cache.ColumnMetadata{Name: "f2", Type: cache.Numerical}, Values: f2},
		{Metadata: cache.ColumnMetadata{Name: "label", Type: cache.Numerical}, Values: label},
	}
}

func buildRegressionCache(t *testing.T, columns []cache.Column) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "data_cache")
	if err := cache.Build(dir, columns); err != nil {
		t.Fatal(err)
	}
	return dir
}

func testLearner(cachePath string, numWorkers int) *Learner {
	return &Learner{
		Config: TrainingConfig{
			Label:                   "label",
			NumTrees:                1,
			MaxDepth:                2,
			MinExamples:             1,
			Shrinkage:               1,
			RandomSeed:              7,
			CheckpointIntervalTrees: -1,
		},
		Deployment: DeploymentConfig{
			CachePath: cachePath,
			Distribute: distribute.Config{
				Kind:       distribute.KindInProcess,
				NumWorkers: numWorkers,
			},
		},
	}
}

func trainOrDie(t *testing.T, learner *Learner, cacheDir string) *Model {
	t.Helper()
	model, err := learner.Train("cache:" + cacheDir)
	if err != nil {
		t.Fatal(err)
	}
	return model
}

func TestTrainSingleIteration(t *testing.T) {
	cacheDir := buildRegressionCache(t, regressionColumns(16))
	learner := testLearner(t.TempDir(), 2)
	model := trainOrDie(t, learner, cacheDir)

	if len(model.Trees) != 1 {
		t.Fatalf("expected 1 tree but got %d", len(model.Trees))
	}
	// max_depth=2 means exactly one split decision at the root.
	if n := model.Trees[0].NumNodes(); n != 3 {
		t.Errorf("expected a single root split (3 nodes) but got %d", n)
	}
	if len(model.TrainingLogs.Entries) != 1 {
		t.Fatalf("expected 1 training log entry but got %d",
			len(model.TrainingLogs.Entries))
	}
	entry := model.TrainingLogs.Entries[0]
	if entry.NumberOfTrees != 1 {
		t.Errorf("unexpected log entry %+v", entry)
	}
	// One root split on this dataset cuts the RMSE roughly in half.
	if entry.TrainingLoss >= 2 {
		t.Errorf("training loss should improve on the constant model, got %f",
			entry.TrainingLoss)
	}
	if math.Abs(model.InitialPredictions[0]-3.5) > 1e-9 {
		t.Errorf("initial prediction should be the label mean, got %f",
			model.InitialPredictions[0])
	}
}

func TestTrainNumTreesZero(t *testing.T) {
	cacheDir := buildRegressionCache(t, regressionColumns(16))
	learner := testLearner(t.TempDir(), 2)
	learner.Config.NumTrees = 0
	model := trainOrDie(t, learner, cacheDir)

	if len(model.Trees) != 0 {
		t.Errorf("expected no trees but got %d", len(model.Trees))
	}
	if len(model.InitialPredictions) != 1 {
		t.Errorf("expected initial predictions, got %v", model.InitialPredictions)
	}
}

func TestTrainMaxDepthOne(t *testing.T) {
	cacheDir := buildRegressionCache(t, regressionColumns(16))
	learner := testLearner(t.TempDir(), 2)
	learner.Config.NumTrees = 2
	learner.Config.MaxDepth = 1
	model := trainOrDie(t, learner, cacheDir)

	if len(model.Trees) != 2 {
		t.Fatalf("expected 2 trees but got %d", len(model.Trees))
	}
	for i, tree := range model.Trees {
		if n := tree.NumNodes(); n != 1 {
			t.Errorf("tree %d should be a stump but has %d nodes", i, n)
		}
	}
}

func TestTrainNoImprovement(t *testing.T) {
	// A constant label leaves every split scoreless: iterations end
	// after a single FindSplits layer and still log an entry.
	columns := regressionColumns(16)
	for i := range columns[3].Values {
		columns[3].Values[i] = 2
	}
	cacheDir := buildRegressionCache(t, columns)
	learner := testLearner(t.TempDir(), 2)
	learner.Config.NumTrees = 2
	learner.Config.MaxDepth = 4
	model := trainOrDie(t, learner, cacheDir)

	if len(model.Trees) != 2 {
		t.Fatalf("expected 2 trees but got %d", len(model.Trees))
	}
	for i, tree := range model.Trees {
		if n := tree.NumNodes(); n != 1 {
			t.Errorf("tree %d should be a stump but has %d nodes", i, n)
		}
	}
	if len(model.TrainingLogs.Entries) != 2 {
		t.Errorf("expected 2 training log entries but got %d",
			len(model.TrainingLogs.Entries))
	}
	if loss := model.TrainingLogs.Entries[1].TrainingLoss; loss > 1e-9 {
		t.Errorf("a constant label should train to zero loss, got %f", loss)
	}
}

func TestTrainSingleWorkerMatchesFleet(t *testing.T) {
	columns := regressionColumns(16)
	cacheA := buildRegressionCache(t, columns)
	cacheB := buildRegressionCache(t, columns)

	learnerA := testLearner(t.TempDir(), 1)
	learnerA.Config.NumTrees = 3
	learnerA.Config.MaxDepth = 3
	modelA := trainOrDie(t, learnerA, cacheA)

	learnerB := testLearner(t.TempDir(), 3)
	learnerB.Config.NumTrees = 3
	learnerB.Config.MaxDepth = 3
	modelB := trainOrDie(t, learnerB, cacheB)

	if !reflect.DeepEqual(modelA.Trees, modelB.Trees) {
		t.Error("a single-worker run should produce the same trees as a fleet")
	}
}

func TestTrainDeterminismUnderSeed(t *testing.T) {
	columns := regressionColumns(16)
	models := make([]*Model, 2)
	for i := range models {
		cacheDir := buildRegressionCache(t, columns)
		learner := testLearner(t.TempDir(), 2)
		learner.Config.NumTrees = 3
		learner.Config.MaxDepth = 3
		learner.Config.NumCandidateAttributes = 2
		models[i] = trainOrDie(t, learner, cacheDir)
	}
	if !reflect.DeepEqual(models[0].Trees, models[1].Trees) {
		t.Error("two runs with the same seed should produce identical trees")
	}
	if !reflect.DeepEqual(models[0].TrainingLogs.Entries,
		models[1].TrainingLogs.Entries) {
		t.Error("two runs with the same seed should produce identical logs")
	}
}

func TestTrainCheckpointAndResume(t *testing.T) {
	columns := regressionColumns(16)
	cacheDir := buildRegressionCache(t, columns)
	workDir := t.TempDir()

	run1 := testLearner(workDir, 2)
	run1.Config.NumTrees = 3
	run1.Config.MaxDepth = 3
	run1.Config.CheckpointIntervalTrees = 2
	run1.Deployment.TryResumeTraining = true
	model1 := trainOrDie(t, run1, cacheDir)
	if len(model1.Trees) != 3 {
		t.Fatalf("expected 3 trees but got %d", len(model1.Trees))
	}

	// Markers 0 and 2 from the interval, 3 from the final checkpoint.
	for _, marker := range []int{0, 2, 3} {
		if _, err := os.Stat(filepath.Join(snapshotDir(workDir),
			strconv.Itoa(marker))); err != nil {
			t.Errorf("missing snapshot marker %d: %v", marker, err)
		}
	}
	// Checkpoint completeness: a committed snapshot has the model, the
	// metadata, and every prediction shard.
	for _, marker := range []int{0, 2, 3} {
		dir := checkpointDir(workDir, marker)
		for _, name := range []string{"model", "checkpoint",
			ShardFilename("predictions", 0, 1)} {
			if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
				t.Errorf("checkpoint %d is missing %q: %v", marker, name, err)
			}
		}
	}

	// Resume the run with a larger tree budget: training restarts from
	// the greatest snapshot and finishes with exactly 5 trees.
	run2 := testLearner(workDir, 2)
	run2.Config.NumTrees = 5
	run2.Config.MaxDepth = 3
	run2.Config.CheckpointIntervalTrees = 2
	run2.Deployment.TryResumeTraining = true
	model2 := trainOrDie(t, run2, cacheDir)
	if len(model2.Trees) != 5 {
		t.Fatalf("expected 5 trees after resume but got %d", len(model2.Trees))
	}
	if len(model2.TrainingLogs.Entries) != 5 {
		t.Fatalf("expected 5 log entries but got %d",
			len(model2.TrainingLogs.Entries))
	}
	for i, entry := range model2.TrainingLogs.Entries {
		if entry.NumberOfTrees != i+1 {
			t.Errorf("log entry %d has NumberOfTrees %d", i, entry.NumberOfTrees)
		}
	}

	// Idempotent restart: the resumed run matches a straight run.
	straightCache := buildRegressionCache(t, columns)
	straight := testLearner(t.TempDir(), 2)
	straight.Config.NumTrees = 5
	straight.Config.MaxDepth = 3
	straight.Config.CheckpointIntervalTrees = 2
	modelStraight := trainOrDie(t, straight, straightCache)
	if !reflect.DeepEqual(model2.Trees, modelStraight.Trees) {
		t.Error("a resumed run should produce the same trees as a straight run")
	}
}

func TestTrainDataLossRewind(t *testing.T) {
	columns := regressionColumns(16)
	cacheDir := buildRegressionCache(t, columns)

	// Worker 1 "restarts" right before serving FindSplits of iteration
	// 3: it loses its predictions and asks for an iteration restart.
	workerTestHook = func(w *trainingWorker) {
		if w.workerIdx == 1 {
			w.dropAtFindSplitsIter = 3
		}
	}
	defer func() { workerTestHook = nil }()

	learner := testLearner(t.TempDir(), 2)
	learner.Config.NumTrees = 5
	learner.Config.MaxDepth = 3
	learner.Config.CheckpointIntervalTrees = 2
	model := trainOrDie(t, learner, cacheDir)

	if len(model.Trees) != 5 {
		t.Fatalf("expected 5 trees but got %d", len(model.Trees))
	}
	for i, entry := range model.TrainingLogs.Entries {
		if entry.NumberOfTrees != i+1 {
			t.Errorf("log entry %d has NumberOfTrees %d: an iteration was "+
				"duplicated or lost", i, entry.NumberOfTrees)
		}
	}

	// The rewind is invisible in the final model.
	workerTestHook = nil
	straightCache := buildRegressionCache(t, columns)
	straight := testLearner(t.TempDir(), 2)
	straight.Config.NumTrees = 5
	straight.Config.MaxDepth = 3
	straight.Config.CheckpointIntervalTrees = 2
	modelStraight := trainOrDie(t, straight, straightCache)
	if !reflect.DeepEqual(model.Trees, modelStraight.Trees) {
		t.Error("a rewound run should produce the same trees as a straight run")
	}
}

func TestTrainCheckpointShardRetry(t *testing.T) {
	columns := regressionColumns(32)
	cacheDir := buildRegressionCache(t, columns)

	// The first checkpoint sends its two shards to workers 1 and 2
	// (worker 0 served the blocking label-statistics request). Worker 1
	// bounces its shard once; the coordinator retries it on worker 2.
	workerTestHook = func(w *trainingWorker) {
		if w.workerIdx == 1 {
			w.denyCheckpointOnce = true
		}
	}
	defer func() { workerTestHook = nil }()

	workDir := t.TempDir()
	learner := testLearner(workDir, 8)
	learner.Config.NumTrees = 1
	learner.Config.CheckpointIntervalTrees = 1
	learner.Deployment.TryResumeTraining = true
	model := trainOrDie(t, learner, cacheDir)

	if len(model.Trees) != 1 {
		t.Fatalf("expected 1 tree but got %d", len(model.Trees))
	}
	dir := checkpointDir(workDir, 0)
	for shardIdx := 0; shardIdx < 2; shardIdx++ {
		path := filepath.Join(dir, ShardFilename("predictions", shardIdx, 2))
		if _, err := os.Stat(path); err != nil {
			t.Errorf("missing checkpoint shard %d: %v", shardIdx, err)
		}
	}
}

func TestTrainDuplicateComputation(t *testing.T) {
	columns := regressionColumns(16)

	dupCache := buildRegressionCache(t, columns)
	dup := testLearner(t.TempDir(), 3)
	dup.Config.NumTrees = 2
	dup.Config.MaxDepth = 3
	dup.Config.DuplicateComputationOnAllWorkers = true
	dupModel := trainOrDie(t, dup, dupCache)

	refCache := buildRegressionCache(t, columns)
	ref := testLearner(t.TempDir(), 1)
	ref.Config.NumTrees = 2
	ref.Config.MaxDepth = 3
	refModel := trainOrDie(t, ref, refCache)

	if !reflect.DeepEqual(dupModel.Trees, refModel.Trees) {
		t.Error("duplicate computation should not change the trained trees")
	}
}

func TestTrainFromPartialCache(t *testing.T) {
	partialDir := filepath.Join(t.TempDir(), "partial")
	if err := cache.Build(partialDir, regressionColumns(16)); err != nil {
		t.Fatal(err)
	}
	learner := testLearner(t.TempDir(), 2)
	model, err := learner.Train("partial_cache:" + partialDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(model.Trees) != 1 {
		t.Errorf("expected 1 tree but got %d", len(model.Trees))
	}
}

func TestTrainExportsLogs(t *testing.T) {
	cacheDir := buildRegressionCache(t, regressionColumns(16))
	logDir := filepath.Join(t.TempDir(), "logs")
	learner := testLearner(t.TempDir(), 2)
	learner.Config.NumTrees = 2
	learner.Config.ExportLogsDuringTrainingInTrees = 1
	learner.Deployment.LogDirectory = logDir
	trainOrDie(t, learner, cacheDir)

	data, err := os.ReadFile(filepath.Join(logDir, "training_logs.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "number_of_trees") ||
		!strings.Contains(string(data), "train_rmse") {
		t.Errorf("unexpected training log export:\n%s", data)
	}
}

func TestTrainConfigErrors(t *testing.T) {
	cacheDir := buildRegressionCache(t, regressionColumns(16))

	learner := testLearner("", 2)
	if _, err := learner.Train("cache:" + cacheDir); !errors.Is(err,
		ErrInvalidArgument) {
		t.Errorf("an empty cache path should be rejected, got %v", err)
	}

	learner = testLearner(t.TempDir(), 2)
	learner.Deployment.Distribute.WorkingDirectory = "/elsewhere"
	if _, err := learner.Train("cache:" + cacheDir); !errors.Is(err,
		ErrInvalidArgument) {
		t.Errorf("a distribute working directory should be rejected, got %v", err)
	}

	learner = testLearner(t.TempDir(), 2)
	if _, err := learner.Train(cacheDir); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("a path without a format prefix should be rejected, got %v", err)
	}

	learner = testLearner(t.TempDir(), 2)
	if _, err := learner.TrainInMemory(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("in-memory training should be rejected, got %v", err)
	}
}

func TestTrainNonNumericalWeight(t *testing.T) {
	columns := append(regressionColumns(16), cache.Column{
		Metadata: cache.ColumnMetadata{Name: "w", Type: cache.Categorical},
		Values:   make([]float64, 16),
	})
	cacheDir := buildRegressionCache(t, columns)
	learner := testLearner(t.TempDir(), 2)
	learner.Config.Weight = "w"
	if _, err := learner.Train("cache:" + cacheDir); !errors.Is(err,
		ErrInvalidArgument) {
		t.Errorf("a non-numerical weight column should be rejected, got %v", err)
	}
}
