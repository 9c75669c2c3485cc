package dgbt

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/unixpickle/essentials"

	"github.com/unixpickle/dist-gbdt/distribute"
)

// Work-directory layout.
const (
	dirNameCheckpoint   = "checkpoint"
	dirNameSnapshot     = "snapshot"
	dirNameTmp          = "tmp"
	dirNameEvals        = "evals"
	dirNameDatasetCache = "dataset_cache"
)

// checkpointMetadata is persisted next to the model snapshot of every
// checkpoint.
type checkpointMetadata struct {
	// LabelStatistics re-seeds the loss after a restore.
	LabelStatistics LabelStatistics

	// NumShards is how many prediction shards the workers wrote.
	NumShards int
}

func checkpointDir(workDirectory string, iterIdx int) string {
	return filepath.Join(workDirectory, dirNameCheckpoint, strconv.Itoa(iterIdx))
}

func snapshotDir(workDirectory string) string {
	return filepath.Join(workDirectory, dirNameCheckpoint, dirNameSnapshot)
}

// ShardFilename returns the name of one sharded checkpoint file, e.g.
// "predictions-0-of-2".
func ShardFilename(base string, shardIdx, numShards int) string {
	return fmt.Sprintf("%s-%d-of-%d", base, shardIdx, numShards)
}

// AddSnapshot commits a checkpoint by creating its marker file. The
// marker appears atomically; a checkpoint without a marker is treated
// as absent.
func AddSnapshot(dir string, iterIdx int) error {
	f, err := os.Create(filepath.Join(dir, strconv.Itoa(iterIdx)))
	if err != nil {
		return err
	}
	return f.Close()
}

// GreatestSnapshot returns the greatest committed checkpoint index, or
// an error when no checkpoint is committed.
func GreatestSnapshot(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	greatest := -1
	for _, entry := range entries {
		if idx, err := strconv.Atoi(entry.Name()); err == nil && idx > greatest {
			greatest = idx
		}
	}
	if greatest < 0 {
		return 0, fmt.Errorf("no snapshot in %v", dir)
	}
	return greatest, nil
}

// shouldCreateCheckpoint applies the checkpoint scheduling policy:
// every CheckpointIntervalTrees iterations or every
// CheckpointIntervalSeconds of wall time, each disabled when negative.
func shouldCreateCheckpoint(iterIdx int, timeLastCheckpoint time.Time,
	config *TrainingConfig) bool {
	if config.CheckpointIntervalTrees >= 0 &&
		iterIdx%config.CheckpointIntervalTrees == 0 {
		return true
	}
	if config.CheckpointIntervalSeconds >= 0 &&
		time.Since(timeLastCheckpoint) >=
			time.Duration(config.CheckpointIntervalSeconds)*time.Second {
		return true
	}
	return false
}

// createCheckpoint writes a complete checkpoint for iterIdx: the model
// snapshot, the sharded worker-side prediction files, the checkpoint
// metadata, and finally the snapshot marker that commits it.
func (t *trainer) createCheckpoint(iterIdx int, model *Model,
	labelStatistics LabelStatistics) error {
	t.monitoring.BeginStage(StageCreateCheckpoint)
	log.Infof("Start creating checkpoint for iteration %d", iterIdx)
	begin := time.Now()

	metadata := &checkpointMetadata{
		LabelStatistics: labelStatistics,
		// More shards lower the per-worker cost but raise the overhead
		// and the chance of hitting a restarted worker.
		NumShards: essentials.MaxInt(1, t.manager.NumWorkers()/4),
	}

	dir := checkpointDir(t.workDirectory, iterIdx)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := model.Save(filepath.Join(dir, "model")); err != nil {
		return err
	}
	if err := t.emitCreateCheckpoint(iterIdx,
		int(labelStatistics.NumExamples), metadata.NumShards); err != nil {
		return err
	}
	if err := writeCheckpointMetadata(filepath.Join(dir, "checkpoint"),
		metadata); err != nil {
		return err
	}
	if err := AddSnapshot(snapshotDir(t.workDirectory), iterIdx); err != nil {
		return err
	}

	log.Infof("Checkpoint created in %v for iteration %d",
		time.Since(begin).Round(time.Millisecond), iterIdx)
	t.monitoring.EndStage(StageCreateCheckpoint)
	return nil
}

// restoreManagerCheckpoint loads the coordinator-side part of a
// checkpoint: the model and its metadata.
func restoreManagerCheckpoint(iterIdx int, workDirectory string) (*Model,
	*checkpointMetadata, error) {
	log.Infof("Restoring model from checkpoint at iteration %d", iterIdx)
	dir := checkpointDir(workDirectory, iterIdx)
	metadata, err := readCheckpointMetadata(filepath.Join(dir, "checkpoint"))
	if err != nil {
		return nil, nil, err
	}
	model, err := LoadModel(filepath.Join(dir, "model"))
	if err != nil {
		return nil, nil, err
	}
	return model, metadata, nil
}

// shardExampleRange returns the example range [begin, end) of one
// checkpoint shard: even contiguous ranges of ceil(N/numShards).
func shardExampleRange(shardIdx, numExamples, numShards int) (int, int) {
	perShard := (numExamples + numShards - 1) / numShards
	begin := shardIdx * perShard
	end := (shardIdx + 1) * perShard
	if end > numExamples {
		end = numExamples
	}
	if begin > end {
		begin = end
	}
	return begin, end
}

// emitCreateCheckpoint asks the fleet to write the prediction shards.
// Any worker may serve a shard; a worker that lost its state bounces
// the shard to its neighbor, with at most 3*numShards retries across
// the whole checkpoint.
func (t *trainer) emitCreateCheckpoint(iterIdx, numExamples,
	numShards int) error {
	maxRetries := 3 * numShards
	retries := 0

	for shardIdx := 0; shardIdx < numShards; shardIdx++ {
		begin, end := shardExampleRange(shardIdx, numExamples, numShards)
		req := &WorkerRequest{
			RequestID: shardIdx,
			CreateCheckpoint: &CreateCheckpointRequest{
				ShardIdx:        shardIdx,
				BeginExampleIdx: begin,
				EndExampleIdx:   end,
			},
		}
		if err := t.manager.AsynchronousRequest(req, distribute.AnyWorker); err != nil {
			return err
		}
	}

	dir := checkpointDir(t.workDirectory, iterIdx)
	for answerIdx := 0; answerIdx < numShards; answerIdx++ {
		result, err := t.nextResult()
		if err != nil {
			return err
		}

		if result.RequestRestartIter {
			// The replying worker misses the data required to write the
			// shard. Re-send the shard to another worker.
			newWorkerIdx := (result.WorkerIdx + 1) % t.manager.NumWorkers()
			log.Warnf("Worker #%d does not have the right data to create "+
				"the checkpoint. Trying worker #%d instead",
				result.WorkerIdx, newWorkerIdx)

			retries++
			if retries > maxRetries {
				return fmt.Errorf("%w: impossible to create a checkpoint "+
					"for iter #%d because none of the workers are available",
					ErrDataLoss, iterIdx)
			}

			shardIdx := result.RequestID
			begin, end := shardExampleRange(shardIdx, numExamples, numShards)
			req := &WorkerRequest{
				RequestID: shardIdx,
				CreateCheckpoint: &CreateCheckpointRequest{
					ShardIdx:        shardIdx,
					BeginExampleIdx: begin,
					EndExampleIdx:   end,
				},
			}
			if err := t.manager.AsynchronousRequest(req, newWorkerIdx); err != nil {
				return err
			}
			answerIdx--
			continue
		}

		if result.CreateCheckpoint == nil {
			return fmt.Errorf("%w: unexpected answer, expecting CreateCheckpoint",
				ErrInternal)
		}
		dst := filepath.Join(dir, ShardFilename("predictions",
			result.CreateCheckpoint.ShardIdx, numShards))
		if err := os.Rename(result.CreateCheckpoint.Path, dst); err != nil {
			return err
		}
	}
	return nil
}

// emitRestoreCheckpoint tells every worker to reload its prediction
// shards from the committed checkpoint files.
func (t *trainer) emitRestoreCheckpoint(iterIdx, numShards,
	numWeakModels int) error {
	t.monitoring.BeginStage(StageRestoreCheckpoint)
	req := &WorkerRequest{RestoreCheckpoint: &RestoreCheckpointRequest{
		IterIdx:       iterIdx,
		NumShards:     numShards,
		NumWeakModels: numWeakModels,
	}}
	if err := t.fanout(req); err != nil {
		return err
	}
	for replyIdx := 0; replyIdx < t.manager.NumWorkers(); replyIdx++ {
		result, err := t.nextResult()
		if err != nil {
			return err
		}
		if result.RestoreCheckpoint == nil {
			return fmt.Errorf("%w: unexpected answer, expecting "+
				"RestoreCheckpoint", ErrInternal)
		}
	}
	t.monitoring.EndStage(StageRestoreCheckpoint)
	return nil
}

func writeCheckpointMetadata(path string, metadata *checkpointMetadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(metadata); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readCheckpointMetadata(path string) (*checkpointMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var metadata checkpointMetadata
	if err := gob.NewDecoder(f).Decode(&metadata); err != nil {
		return nil, err
	}
	return &metadata, nil
}
