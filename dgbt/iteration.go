package dgbt

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Evaluation holds the training loss and secondary metrics reported at
// the end of an iteration.
type Evaluation struct {
	Loss    float64
	Metrics []float64
}

// runIteration grows one round of trees: per layer, find the best
// splits across the fleet, commit them locally, have owners evaluate
// them, and share the new example routing with everyone. Returns
// ErrDataLoss when a worker lost its state mid-iteration; the caller
// rewinds to the last checkpoint.
func (t *trainer) runIteration(iterIdx int, model *Model,
	trainingEvaluation *Evaluation) error {
	t.monitoring.NewIter()

	rootStats, err := t.emitStartNewIter(iterIdx, t.rnd.Int63())
	if err != nil {
		return err
	}
	if len(rootStats) != model.NumTreesPerIter {
		return fmt.Errorf("%w: %d root label statistics for %d weak models",
			ErrInternal, len(rootStats), model.NumTreesPerIter)
	}

	weakModels := make([]*TreeBuilder, model.NumTreesPerIter)
	for i := range weakModels {
		weakModels[i] = NewTreeBuilder(t.config.Shrinkage)
		weakModels[i].SetRootValue(rootStats[i])
	}

	for layerIdx := 0; layerIdx < t.config.MaxDepth-1; layerIdx++ {
		splitsPerWeakModel, err := t.emitFindSplits(weakModels)
		if err != nil {
			return err
		}

		hasOpenNode := false
		for _, splits := range splitsPerWeakModel {
			if NumValidSplits(splits) > 0 {
				hasOpenNode = true
				break
			}
		}
		if !hasOpenNode {
			break
		}

		// Update the tree structures and the per-node label statistics.
		for weakModelIdx, weakModel := range weakModels {
			if _, err := weakModel.ApplySplits(
				splitsPerWeakModel[weakModelIdx]); err != nil {
				return err
			}
		}

		activeWorkers, err := t.emitEvaluateSplits(splitsPerWeakModel)
		if err != nil {
			return err
		}

		if err := t.emitShareSplits(splitsPerWeakModel, activeWorkers); err != nil {
			return err
		}
	}

	if err := t.emitEndIter(iterIdx, trainingEvaluation); err != nil {
		return err
	}

	// Move the new trees into the model.
	for _, weakModel := range weakModels {
		model.Trees = append(model.Trees, weakModel.Tree())
	}

	if t.monitoring.ShouldDisplayLogs() {
		log.Infof("%s", t.trainingLog(model, trainingEvaluation))
	}

	entry := TrainingLogEntry{
		NumberOfTrees:            iterIdx + 1,
		TrainingLoss:             trainingEvaluation.Loss,
		TrainingSecondaryMetrics: append([]float64{}, trainingEvaluation.Metrics...),
		ValidationSecondaryMetrics: make([]float64,
			len(model.TrainingLogs.SecondaryMetricNames)),
	}
	model.TrainingLogs.Entries = append(model.TrainingLogs.Entries, entry)

	if t.deployment.LogDirectory != "" &&
		t.config.ExportLogsDuringTrainingInTrees > 0 &&
		(iterIdx+1)%t.config.ExportLogsDuringTrainingInTrees == 0 {
		begin := time.Now()
		if err := exportTrainingLogs(&model.TrainingLogs,
			t.deployment.LogDirectory); err != nil {
			return err
		}
		log.Infof("Training logs exported in %v", time.Since(begin))
	}

	return nil
}

// emitStartNewIter seeds the iteration on every worker and collects the
// per-weak-model root label statistics. All workers must agree on the
// statistics; the first reply is kept and the rest are verified.
func (t *trainer) emitStartNewIter(iterIdx int, seed int64) ([]LabelStatistics, error) {
	t.monitoring.BeginStage(StageStartNewIter)

	req := &WorkerRequest{StartNewIter: &StartNewIterRequest{
		IterIdx: iterIdx,
		IterUID: uuid.NewString(),
		Seed:    seed,
	}}
	if err := t.fanout(req); err != nil {
		return nil, err
	}

	var rootStats []LabelStatistics
	numWorkers := t.manager.NumWorkers()
	for replyIdx := 0; replyIdx < numWorkers; replyIdx++ {
		result, err := t.nextResult()
		if err != nil {
			return nil, err
		}
		if result.RequestRestartIter {
			return nil, t.drainDataLoss(numWorkers - replyIdx - 1)
		}
		if result.StartNewIter == nil {
			return nil, fmt.Errorf("%w: unexpected answer, expecting StartNewIter",
				ErrInternal)
		}
		if rootStats == nil {
			rootStats = result.StartNewIter.LabelStatistics
		} else if !sameLabelStatistics(rootStats,
			result.StartNewIter.LabelStatistics) {
			return nil, fmt.Errorf("%w: worker #%d disagrees on the root "+
				"label statistics", ErrInternal, result.WorkerIdx)
		}
	}
	t.monitoring.EndStage(StageStartNewIter)
	return rootStats, nil
}

// emitFindSplits sends each worker the features it must search and
// merges the best-split proposals as the replies arrive.
func (t *trainer) emitFindSplits(weakModels []*TreeBuilder) ([]SplitPerOpenNode, error) {
	t.monitoring.BeginStage(StageFindSplits)
	begin := time.Now()

	numWorkers := t.manager.NumWorkers()
	sampledFeatures, err := SampleInputFeatures(t.config, numWorkers,
		t.features, t.ownership, weakModels, t.rnd)
	if err != nil {
		return nil, err
	}

	for workerIdx := 0; workerIdx < numWorkers; workerIdx++ {
		req := &WorkerRequest{FindSplits: &FindSplitsRequest{
			FeaturesPerWeakModel: sampledFeatures[workerIdx],
		}}
		if err := t.manager.AsynchronousRequest(req, workerIdx); err != nil {
			return nil, err
		}
	}

	splitsPerWeakModel := make([]SplitPerOpenNode, len(weakModels))
	for weakModelIdx, weakModel := range weakModels {
		splitsPerWeakModel[weakModelIdx] =
			NewSplitPerOpenNode(weakModel.NumOpenNodes())
	}

	for replyIdx := 0; replyIdx < numWorkers; replyIdx++ {
		result, err := t.nextResult()
		if err != nil {
			return nil, err
		}
		if result.RequestRestartIter {
			return nil, t.drainDataLoss(numWorkers - replyIdx - 1)
		}
		t.monitoring.FindSplitWorkerReplyTime(result.WorkerIdx, time.Since(begin))
		if result.FindSplits == nil {
			return nil, fmt.Errorf("%w: unexpected answer, expecting FindSplits",
				ErrInternal)
		}
		if len(result.FindSplits.SplitsPerWeakModel) != len(weakModels) {
			return nil, fmt.Errorf("%w: unexpected number of weak model splits",
				ErrInternal)
		}
		for weakModelIdx := range weakModels {
			if err := MergeBestSplits(
				result.FindSplits.SplitsPerWeakModel[weakModelIdx],
				splitsPerWeakModel[weakModelIdx]); err != nil {
				return nil, err
			}
		}
	}

	t.monitoring.EndStage(StageFindSplits)
	return splitsPerWeakModel, nil
}

// emitEvaluateSplits routes every merged valid split to one worker
// owning its attribute and has those workers evaluate the example
// routing. Returns the active-worker set.
func (t *trainer) emitEvaluateSplits(splitsPerWeakModel []SplitPerOpenNode) ([]int, error) {
	t.monitoring.BeginStage(StageEvaluateSplits)

	activeWorkers, err := t.buildActiveWorkers(splitsPerWeakModel)
	if err != nil {
		return nil, err
	}

	activeWorkerIdxs := make([]int, 0, len(activeWorkers))
	for workerIdx := range activeWorkers {
		activeWorkerIdxs = append(activeWorkerIdxs, workerIdx)
	}
	sort.Ints(activeWorkerIdxs)

	for _, workerIdx := range activeWorkerIdxs {
		splitIdxs := activeWorkers[workerIdx]
		req := &WorkerRequest{EvaluateSplits: &EvaluateSplitsRequest{
			SplitsPerWeakModel: make([][]IndexedSplit, len(splitsPerWeakModel)),
		}}
		for weakModelIdx, idxs := range splitIdxs {
			for _, splitIdx := range idxs {
				req.EvaluateSplits.SplitsPerWeakModel[weakModelIdx] = append(
					req.EvaluateSplits.SplitsPerWeakModel[weakModelIdx],
					IndexedSplit{
						NodeIdx: splitIdx,
						Split:   splitsPerWeakModel[weakModelIdx][splitIdx],
					})
			}
		}
		if err := t.manager.AsynchronousRequest(req, workerIdx); err != nil {
			return nil, err
		}
	}

	for replyIdx := 0; replyIdx < len(activeWorkerIdxs); replyIdx++ {
		result, err := t.nextResult()
		if err != nil {
			return nil, err
		}
		if result.RequestRestartIter {
			return nil, t.drainDataLoss(len(activeWorkerIdxs) - replyIdx - 1)
		}
		if result.EvaluateSplits == nil {
			return nil, fmt.Errorf("%w: unexpected answer, expecting "+
				"EvaluateSplits", ErrInternal)
		}
	}

	t.monitoring.EndStage(StageEvaluateSplits)
	return activeWorkerIdxs, nil
}

// buildActiveWorkers maps workerIdx -> weakModelIdx -> split indices
// for every valid merged split, picking one owner per split.
func (t *trainer) buildActiveWorkers(
	splitsPerWeakModel []SplitPerOpenNode) (map[int][][]int, error) {
	activeWorkers := map[int][][]int{}
	for weakModelIdx, splits := range splitsPerWeakModel {
		for splitIdx := range splits {
			split := &splits[splitIdx]
			if !split.Valid() {
				continue
			}
			workerIdx, err := SelectOwnerWorker(t.ownership, split.Attribute,
				t.rnd)
			if err != nil {
				return nil, err
			}
			perWeakModel := activeWorkers[workerIdx]
			if perWeakModel == nil {
				perWeakModel = make([][]int, len(splitsPerWeakModel))
				activeWorkers[workerIdx] = perWeakModel
			}
			perWeakModel[weakModelIdx] = append(perWeakModel[weakModelIdx],
				splitIdx)
		}
	}
	return activeWorkers, nil
}

// emitShareSplits broadcasts the merged splits and the active-worker
// set so that every worker can update its example->node mapping.
func (t *trainer) emitShareSplits(splitsPerWeakModel []SplitPerOpenNode,
	activeWorkers []int) error {
	t.monitoring.BeginStage(StageShareSplits)

	req := &WorkerRequest{ShareSplits: &ShareSplitsRequest{
		SplitsPerWeakModel: splitsPerWeakModel,
		ActiveWorkers:      activeWorkers,
	}}
	if err := t.fanout(req); err != nil {
		return err
	}

	numWorkers := t.manager.NumWorkers()
	for replyIdx := 0; replyIdx < numWorkers; replyIdx++ {
		result, err := t.nextResult()
		if err != nil {
			return err
		}
		if result.RequestRestartIter {
			return t.drainDataLoss(numWorkers - replyIdx - 1)
		}
		if result.ShareSplits == nil {
			return fmt.Errorf("%w: unexpected answer, expecting ShareSplits",
				ErrInternal)
		}
	}

	t.monitoring.EndStage(StageShareSplits)
	return nil
}

// emitEndIter closes the iteration on every worker. Worker 0 computes
// and returns the training loss.
func (t *trainer) emitEndIter(iterIdx int, trainingEvaluation *Evaluation) error {
	t.monitoring.BeginStage(StageEndIter)

	numWorkers := t.manager.NumWorkers()
	for workerIdx := 0; workerIdx < numWorkers; workerIdx++ {
		req := &WorkerRequest{EndIter: &EndIterRequest{
			IterIdx: iterIdx,
			// The first worker is in charge of computing the training
			// loss.
			ComputeTrainingLoss: workerIdx == 0,
		}}
		if err := t.manager.AsynchronousRequest(req, workerIdx); err != nil {
			return err
		}
	}

	for replyIdx := 0; replyIdx < numWorkers; replyIdx++ {
		result, err := t.nextResult()
		if err != nil {
			return err
		}
		if result.RequestRestartIter {
			return t.drainDataLoss(numWorkers - replyIdx - 1)
		}
		if result.EndIter == nil {
			return fmt.Errorf("%w: unexpected answer, expecting EndIter",
				ErrInternal)
		}
		if result.EndIter.HasTrainingLoss {
			if result.WorkerIdx != 0 {
				return fmt.Errorf("%w: receiving a non requested loss",
					ErrInternal)
			}
			trainingEvaluation.Loss = result.EndIter.TrainingLoss
			trainingEvaluation.Metrics = append([]float64{},
				result.EndIter.TrainingMetrics...)
		}
	}

	t.monitoring.EndStage(StageEndIter)
	return nil
}

// fanout sends one request to every worker.
func (t *trainer) fanout(req *WorkerRequest) error {
	for workerIdx := 0; workerIdx < t.manager.NumWorkers(); workerIdx++ {
		if err := t.manager.AsynchronousRequest(req, workerIdx); err != nil {
			return err
		}
	}
	return nil
}

// nextResult returns the next worker reply, typed.
func (t *trainer) nextResult() (*WorkerResult, error) {
	answer, err := t.manager.NextAsynchronousAnswer()
	if err != nil {
		return nil, err
	}
	result, ok := answer.Payload.(*WorkerResult)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected reply payload %T",
			ErrInternal, answer.Payload)
	}
	return result, nil
}

// skipAsyncAnswers consumes and discards pending replies.
func (t *trainer) skipAsyncAnswers(numSkip int) error {
	for i := 0; i < numSkip; i++ {
		if _, err := t.manager.NextAsynchronousAnswer(); err != nil {
			return err
		}
	}
	return nil
}

// drainDataLoss discards the remaining replies of the current phase,
// then reports the data loss. Without the drain, stale replies would
// contaminate the next phase.
func (t *trainer) drainDataLoss(remaining int) error {
	if err := t.skipAsyncAnswers(remaining); err != nil {
		return err
	}
	return fmt.Errorf("%w: a worker requested an iteration restart", ErrDataLoss)
}

func sameLabelStatistics(a, b []LabelStatistics) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
