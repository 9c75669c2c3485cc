package dgbt

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/unixpickle/dist-gbdt/cache"
	"github.com/unixpickle/dist-gbdt/distribute"
)

// WorkerName is the registered name of the training worker, used by
// the distribution manager to instantiate the worker side.
const WorkerName = "DISTRIBUTED_GRADIENT_BOOSTED_TREES"

// Typed dataset path prefixes.
const (
	// FormatDatasetCache marks a dataset already in the cache format;
	// it is adopted as-is.
	FormatDatasetCache = "cache"

	// FormatPartialDatasetCache marks a partially built cache; it is
	// finalized into the work directory.
	FormatPartialDatasetCache = "partial_cache"
)

// How many requests a single worker may execute concurrently; bounds
// the number of split evaluations shared at the same time.
const parallelExecutionPerWorker = 10

// A Learner trains one model per Train call.
type Learner struct {
	Config     TrainingConfig
	Deployment DeploymentConfig
}

// trainer is the per-run state shared by the training loop, the
// iteration driver, and the checkpointer.
type trainer struct {
	config     *TrainingConfig
	link       *ConfigLink
	deployment *DeploymentConfig
	dataSpec   *cache.Metadata

	features  []int
	ownership *FeatureOwnership

	manager    distribute.Manager
	monitoring *Monitoring
	rnd        *rand.Rand
	loss       Loss

	workDirectory string
}

// TrainInMemory always fails: distributed training reads the dataset
// through the columnar cache on disk. Small datasets belong to a
// non-distributed learner.
func (l *Learner) TrainInMemory() (*Model, error) {
	return nil, fmt.Errorf("%w: the distributed learner does not support "+
		"training from in-memory datasets; provide the dataset as a typed "+
		"path instead", ErrInvalidArgument)
}

// Train runs one full training pass over the dataset at typedPath
// ("cache:<dir>" or "partial_cache:<dir>") and returns the trained
// ensemble.
func (l *Learner) Train(typedPath string) (*Model, error) {
	config := l.Config
	config.SetDefaults()
	deployment := l.Deployment
	if err := CheckDeployment(&deployment); err != nil {
		return nil, err
	}

	// Working directory. Unless the run may resume, a unique
	// subdirectory keeps concurrent runs apart.
	workDirectory := deployment.CachePath
	if !deployment.TryResumeTraining {
		workDirectory = filepath.Join(workDirectory,
			fmt.Sprintf("%d_%d", rand.Uint32(), time.Now().UnixMicro()))
	}
	if err := initializeDirectoryStructure(workDirectory); err != nil {
		return nil, err
	}

	cachePath, err := prepareDatasetCache(typedPath, workDirectory)
	if err != nil {
		return nil, err
	}

	dataSpec, err := cache.LoadMetadata(cachePath)
	if err != nil {
		return nil, fmt.Errorf("%w: loading dataset cache metadata: %v",
			ErrFailedPrecondition, err)
	}
	link, err := config.Link(dataSpec)
	if err != nil {
		return nil, err
	}
	loss, err := CreateLoss(config.Loss, &config)
	if err != nil {
		return nil, err
	}

	ownership, err := AssignFeaturesToWorkers(&config, link.Features,
		deployment.Distribute.NumWorkers, dataSpec)
	if err != nil {
		return nil, err
	}

	welcome := &WorkerWelcome{
		WorkDirectory: workDirectory,
		CachePath:     cachePath,
		Config:        &config,
		Link:          link,
		Deployment:    &deployment,
		DataSpec:      dataSpec,
		Ownership:     ownership,
	}
	manager, err := distribute.CreateManager(deployment.Distribute, WorkerName,
		welcome, parallelExecutionPerWorker)
	if err != nil {
		return nil, err
	}

	t := &trainer{
		config:        &config,
		link:          link,
		deployment:    &deployment,
		dataSpec:      dataSpec,
		features:      link.Features,
		ownership:     ownership,
		manager:       manager,
		monitoring:    NewMonitoring(),
		rnd:           rand.New(rand.NewSource(config.RandomSeed)),
		loss:          loss,
		workDirectory: workDirectory,
	}

	model, err := t.trainWithCache()
	if err != nil {
		return nil, err
	}
	if err := manager.Done(); err != nil {
		return nil, err
	}
	return model, nil
}

// trainWithCache runs the outer training loop against an initialized
// fleet.
func (t *trainer) trainWithCache() (*Model, error) {
	// Warn the workers that the training will start; this is where they
	// load their dataset shards.
	if err := t.emitStartTraining(); err != nil {
		return nil, err
	}

	iterIdx := 0
	var model *Model
	var labelStatistics LabelStatistics

	// Prevents re-writing the checkpoint a run was just restored from.
	minimumIterForNewCheckpoint := -1

	lastCheckpointIdx := -1
	hasCheckpoint := false

	if restoredIdx, err := GreatestSnapshot(snapshotDir(t.workDirectory)); err == nil {
		iterIdx = restoredIdx
		log.Infof("Resume training from iteration #%d", iterIdx)
		minimumIterForNewCheckpoint = iterIdx + 1
		lastCheckpointIdx = restoredIdx
		hasCheckpoint = true
		restored, metadata, err := restoreManagerCheckpoint(restoredIdx,
			t.workDirectory)
		if err != nil {
			return nil, err
		}
		model = restored
		labelStatistics = metadata.LabelStatistics
		if err := t.emitRestoreCheckpoint(restoredIdx, metadata.NumShards,
			model.NumTreesPerIter); err != nil {
			return nil, err
		}
	} else {
		model, labelStatistics, err = t.bootstrapModel()
		if err != nil {
			return nil, err
		}
	}

	var trainingEvaluation Evaluation
	timeLastCheckpoint := time.Now()

	log.Infof("Start training")
	for ; iterIdx < t.config.NumTrees; iterIdx++ {
		if iterIdx >= minimumIterForNewCheckpoint &&
			shouldCreateCheckpoint(iterIdx, timeLastCheckpoint, t.config) &&
			(!hasCheckpoint || iterIdx > lastCheckpointIdx) {
			timeLastCheckpoint = time.Now()
			lastCheckpointIdx = iterIdx
			hasCheckpoint = true
			if err := t.createCheckpoint(iterIdx, model, labelStatistics); err != nil {
				return nil, err
			}
		}

		iterErr := t.runIteration(iterIdx, model, &trainingEvaluation)
		if iterErr == nil {
			continue
		}
		log.Warnf("Iteration issue: %v", iterErr)
		if !errors.Is(iterErr, ErrDataLoss) {
			return nil, iterErr
		}

		// A worker was restarted and is missing data.
		log.Warnf("Re-synchronizing the workers")
		resyncIterIdx, snapErr := GreatestSnapshot(snapshotDir(t.workDirectory))
		if snapErr != nil {
			log.Warnf("No existing snapshot. Restart training from start.")
			var bootErr error
			model, labelStatistics, bootErr = t.bootstrapModel()
			if bootErr != nil {
				return nil, bootErr
			}
			trainingEvaluation = Evaluation{}
			minimumIterForNewCheckpoint = 0
			lastCheckpointIdx = -1
			hasCheckpoint = false
			iterIdx = -1
			continue
		}

		restored, metadata, err := restoreManagerCheckpoint(resyncIterIdx,
			t.workDirectory)
		if err != nil {
			return nil, err
		}
		model = restored
		labelStatistics = metadata.LabelStatistics
		if err := t.emitRestoreCheckpoint(resyncIterIdx, metadata.NumShards,
			model.NumTreesPerIter); err != nil {
			return nil, err
		}
		minimumIterForNewCheckpoint = resyncIterIdx + 1
		// Replay from the restored checkpoint's iteration.
		iterIdx = resyncIterIdx - 1
	}

	if !hasCheckpoint || iterIdx > lastCheckpointIdx {
		// Final checkpoint.
		if err := t.createCheckpoint(iterIdx, model, labelStatistics); err != nil {
			return nil, err
		}
	}

	log.Infof("Training done. Final model: %s",
		t.trainingLog(model, &trainingEvaluation))

	if t.deployment.LogDirectory != "" {
		if err := exportTrainingLogs(&model.TrainingLogs,
			t.deployment.LogDirectory); err != nil {
			return nil, err
		}
	}
	return model, nil
}

// bootstrapModel initializes a fresh model: asks one worker for the
// label statistics, derives the initial predictions through the loss,
// and pushes them to the whole fleet.
func (t *trainer) bootstrapModel() (*Model, LabelStatistics, error) {
	log.Infof("Asking one worker for the initial label statistics")
	labelStatistics, err := t.emitGetLabelStatistics()
	if err != nil {
		return nil, LabelStatistics{}, err
	}
	log.Infof("Training dataset label statistics: n=%d sum=%f",
		labelStatistics.NumExamples, labelStatistics.Sum)

	model := &Model{
		Columns:      t.dataSpec.Columns,
		Loss:         t.config.Loss,
		OutputLogits: !t.config.ApplyLinkFunction,
		TrainingLogs: TrainingLogs{
			SecondaryMetricNames: t.loss.SecondaryMetricNames(),
		},
	}
	model.InitialPredictions = t.loss.InitialPredictions(labelStatistics)
	model.NumTreesPerIter = len(model.InitialPredictions)

	if err := t.emitSetInitialPredictions(labelStatistics); err != nil {
		return nil, LabelStatistics{}, err
	}
	return model, labelStatistics, nil
}

// emitGetLabelStatistics asks a single worker for the aggregate label
// statistics of the training dataset.
func (t *trainer) emitGetLabelStatistics() (LabelStatistics, error) {
	t.monitoring.BeginStage(StageGetLabelStatistics)
	req := &WorkerRequest{GetLabelStatistics: &GetLabelStatisticsRequest{}}
	reply, err := t.manager.BlockingRequest(req, distribute.AnyWorker)
	if err != nil {
		return LabelStatistics{}, err
	}
	result, ok := reply.(*WorkerResult)
	if !ok || result.GetLabelStatistics == nil {
		return LabelStatistics{}, fmt.Errorf(
			"%w: unexpected answer, expecting GetLabelStatistics", ErrInternal)
	}
	t.monitoring.EndStage(StageGetLabelStatistics)
	return result.GetLabelStatistics.LabelStatistics, nil
}

// emitSetInitialPredictions broadcasts the label statistics so every
// worker initializes its prediction vector through the loss.
func (t *trainer) emitSetInitialPredictions(labelStatistics LabelStatistics) error {
	t.monitoring.BeginStage(StageSetInitialPredictions)
	req := &WorkerRequest{SetInitialPredictions: &SetInitialPredictionsRequest{
		LabelStatistics: labelStatistics,
	}}
	if err := t.fanout(req); err != nil {
		return err
	}
	for replyIdx := 0; replyIdx < t.manager.NumWorkers(); replyIdx++ {
		result, err := t.nextResult()
		if err != nil {
			return err
		}
		if result.SetInitialPredictions == nil {
			return fmt.Errorf("%w: unexpected answer, expecting "+
				"SetInitialPredictions", ErrInternal)
		}
	}
	t.monitoring.EndStage(StageSetInitialPredictions)
	return nil
}

// emitStartTraining broadcasts the training start and waits for every
// worker to finish loading its dataset shard.
func (t *trainer) emitStartTraining() error {
	t.monitoring.BeginStage(StageStartTraining)
	begin := time.Now()

	req := &WorkerRequest{StartTraining: &StartTrainingRequest{}}
	if err := t.fanout(req); err != nil {
		return err
	}

	lastProgressLog := time.Time{}
	numWorkers := t.manager.NumWorkers()
	for replyIdx := 0; replyIdx < numWorkers; replyIdx++ {
		result, err := t.nextResult()
		if err != nil {
			return err
		}
		if result.StartTraining == nil {
			return fmt.Errorf("%w: unexpected answer, expecting StartTraining",
				ErrInternal)
		}
		// Most of the time is spent by the workers loading the dataset.
		if time.Since(lastProgressLog) >= time.Minute {
			lastProgressLog = time.Now()
			log.Infof("\tLoading dataset in workers %d / %d [duration: %v]",
				replyIdx+1, numWorkers, time.Since(begin).Round(time.Millisecond))
		}
	}
	log.Infof("Worker ready to train in %v", time.Since(begin).Round(time.Millisecond))

	t.monitoring.EndStage(StageStartTraining)
	return nil
}

// trainingLog formats the one-line training progress log.
func (t *trainer) trainingLog(model *Model, trainingEvaluation *Evaluation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "num-trees:%d/%d train-loss:%f", model.NumIterations(),
		t.config.NumTrees, trainingEvaluation.Loss)
	names := model.TrainingLogs.SecondaryMetricNames
	for metricIdx, metric := range trainingEvaluation.Metrics {
		if metricIdx < len(names) {
			fmt.Fprintf(&sb, " train-%s:%f", names[metricIdx], metric)
		}
	}
	sb.WriteString(" ")
	sb.WriteString(t.monitoring.InlineLogs())
	return sb.String()
}

// initializeDirectoryStructure creates the work-directory layout.
func initializeDirectoryStructure(workDirectory string) error {
	for _, dir := range []string{
		workDirectory,
		snapshotDir(workDirectory),
		filepath.Join(workDirectory, dirNameTmp),
		filepath.Join(workDirectory, dirNameEvals),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// prepareDatasetCache resolves a typed dataset path into a ready cache
// directory, finalizing a partial cache into the work directory when
// needed.
func prepareDatasetCache(typedPath, workDirectory string) (string, error) {
	prefix, path, ok := strings.Cut(typedPath, ":")
	if !ok {
		return "", fmt.Errorf("%w: dataset path %q has no format prefix",
			ErrInvalidArgument, typedPath)
	}
	switch prefix {
	case FormatDatasetCache:
		return path, nil
	case FormatPartialDatasetCache:
		cachePath := filepath.Join(workDirectory, dirNameDatasetCache)
		if err := cache.FinalizeFrom(path, cachePath); err != nil {
			return "", err
		}
		return cachePath, nil
	default:
		return "", fmt.Errorf("%w: unsupported dataset format %q",
			ErrInvalidArgument, prefix)
	}
}

// exportTrainingLogs writes the per-iteration training logs as a text
// table.
func exportTrainingLogs(logs *TrainingLogs, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	var sb strings.Builder
	sb.WriteString("number_of_trees\ttraining_loss")
	for _, name := range logs.SecondaryMetricNames {
		fmt.Fprintf(&sb, "\ttrain_%s", name)
	}
	sb.WriteString("\n")
	for _, entry := range logs.Entries {
		fmt.Fprintf(&sb, "%d\t%f", entry.NumberOfTrees, entry.TrainingLoss)
		for _, metric := range entry.TrainingSecondaryMetrics {
			fmt.Fprintf(&sb, "\t%f", metric)
		}
		sb.WriteString("\n")
	}
	return os.WriteFile(filepath.Join(dir, "training_logs.txt"),
		[]byte(sb.String()), 0644)
}
