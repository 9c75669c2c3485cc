package dgbt

import (
	"encoding/gob"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/unixpickle/dist-gbdt/cache"
	"github.com/unixpickle/dist-gbdt/distribute"
)

func init() {
	distribute.RegisterWorker(WorkerName, func() distribute.Worker {
		return &trainingWorker{}
	})
}

// workerTestHook, when set, is called with every worker right after
// its setup. Used by tests to inject failures.
var workerTestHook func(w *trainingWorker)

// trainingWorker is the worker side of the training protocol. It owns
// a subset of the feature columns, the label and weight columns, the
// full prediction vector, and a replica of the trees being grown.
type trainingWorker struct {
	lock sync.Mutex

	workerIdx  int
	numWorkers int
	welcome    *WorkerWelcome
	loss       Loss

	// Dataset, loaded by StartTraining.
	loaded      bool
	numExamples int
	labels      []float64
	weights     []float64
	columns     map[int][]float64

	// Model state.
	hasPredictions bool
	numOutputs     int
	predictions    []float64

	// Current-iteration state.
	iterUID   string
	iterIdx   int
	layerIdx  int
	rnd       *rand.Rand
	gradients [][]float64
	builders  []*TreeBuilder
	// Per weak model and example: open-node index (Closed once the
	// example's node became a leaf) and the leaf node itself.
	exampleToNode [][]int
	exampleLeaf   [][]*Node

	// Failure injection for tests. dropAtFindSplitsIter simulates a
	// restarted worker that lost its predictions; denyCheckpointOnce
	// bounces one checkpoint shard.
	dropAtFindSplitsIter int
	dropped              bool
	denyCheckpointOnce   bool
}

func (w *trainingWorker) Setup(workerIdx, numWorkers int,
	welcome interface{}) error {
	w.workerIdx = workerIdx
	w.numWorkers = numWorkers
	w.dropAtFindSplitsIter = -1
	var ok bool
	w.welcome, ok = welcome.(*WorkerWelcome)
	if !ok {
		return fmt.Errorf("unexpected welcome payload %T", welcome)
	}
	loss, err := CreateLoss(w.welcome.Config.Loss, w.welcome.Config)
	if err != nil {
		return err
	}
	w.loss = loss
	if workerTestHook != nil {
		workerTestHook(w)
	}
	return nil
}

func (w *trainingWorker) Done() error {
	return nil
}

func (w *trainingWorker) RunRequest(req interface{}) (interface{}, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	request, ok := req.(*WorkerRequest)
	if !ok {
		return nil, fmt.Errorf("unexpected request payload %T", req)
	}
	result := &WorkerResult{
		WorkerIdx: w.workerIdx,
		RequestID: request.RequestID,
	}
	var err error
	switch {
	case request.GetLabelStatistics != nil:
		err = w.getLabelStatistics(result)
	case request.SetInitialPredictions != nil:
		err = w.setInitialPredictions(request.SetInitialPredictions, result)
	case request.StartTraining != nil:
		err = w.startTraining(result)
	case request.StartNewIter != nil:
		err = w.startNewIter(request.StartNewIter, result)
	case request.FindSplits != nil:
		err = w.findSplits(request.FindSplits, result)
	case request.EvaluateSplits != nil:
		err = w.evaluateSplits(request.EvaluateSplits, result)
	case request.ShareSplits != nil:
		err = w.shareSplits(request.ShareSplits, result)
	case request.EndIter != nil:
		err = w.endIter(request.EndIter, result)
	case request.CreateCheckpoint != nil:
		err = w.createCheckpoint(request.CreateCheckpoint, result)
	case request.RestoreCheckpoint != nil:
		err = w.restoreCheckpoint(request.RestoreCheckpoint, result)
	default:
		err = fmt.Errorf("empty worker request")
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (w *trainingWorker) startTraining(result *WorkerResult) error {
	if !w.loaded {
		meta := w.welcome.DataSpec
		w.numExamples = meta.NumExamples
		var err error
		if w.labels, err = cache.LoadColumn(w.welcome.CachePath,
			w.welcome.Link.LabelIdx); err != nil {
			return err
		}
		if w.welcome.Link.WeightIdx >= 0 {
			if w.weights, err = cache.LoadColumn(w.welcome.CachePath,
				w.welcome.Link.WeightIdx); err != nil {
				return err
			}
		}
		w.columns = map[int][]float64{}
		for _, feature := range w.welcome.Ownership.WorkerToFeature[w.workerIdx] {
			if w.columns[feature], err = cache.LoadColumn(w.welcome.CachePath,
				feature); err != nil {
				return err
			}
		}
		w.loaded = true
	}
	result.StartTraining = &StartTrainingResult{}
	return nil
}

func (w *trainingWorker) getLabelStatistics(result *WorkerResult) error {
	if !w.loaded {
		return fmt.Errorf("dataset not loaded")
	}
	var stats LabelStatistics
	for i, label := range w.labels {
		stats.Add(label, w.weight(i))
	}
	result.GetLabelStatistics = &GetLabelStatisticsResult{LabelStatistics: stats}
	return nil
}

func (w *trainingWorker) setInitialPredictions(
	req *SetInitialPredictionsRequest, result *WorkerResult) error {
	initial := w.loss.InitialPredictions(req.LabelStatistics)
	w.numOutputs = len(initial)
	w.predictions = make([]float64, w.numExamples*w.numOutputs)
	for exampleIdx := 0; exampleIdx < w.numExamples; exampleIdx++ {
		copy(w.predictions[exampleIdx*w.numOutputs:], initial)
	}
	w.hasPredictions = true
	w.resetIterState()
	result.SetInitialPredictions = &SetInitialPredictionsResult{}
	return nil
}

func (w *trainingWorker) startNewIter(req *StartNewIterRequest,
	result *WorkerResult) error {
	if !w.hasPredictions {
		result.RequestRestartIter = true
		return nil
	}
	w.iterUID = req.IterUID
	w.iterIdx = req.IterIdx
	w.layerIdx = 0
	w.rnd = rand.New(rand.NewSource(req.Seed))

	w.gradients = make([][]float64, w.numOutputs)
	w.builders = make([]*TreeBuilder, w.numOutputs)
	w.exampleToNode = make([][]int, w.numOutputs)
	w.exampleLeaf = make([][]*Node, w.numOutputs)
	rootStats := make([]LabelStatistics, w.numOutputs)
	for k := 0; k < w.numOutputs; k++ {
		grads := make([]float64, w.numExamples)
		var stats LabelStatistics
		for exampleIdx := 0; exampleIdx < w.numExamples; exampleIdx++ {
			grads[exampleIdx] = w.loss.Gradient(w.labels[exampleIdx],
				w.predictions[exampleIdx*w.numOutputs+k])
			stats.Add(grads[exampleIdx], w.weight(exampleIdx))
		}
		w.gradients[k] = grads
		rootStats[k] = stats

		w.builders[k] = NewTreeBuilder(w.welcome.Config.Shrinkage)
		w.builders[k].SetRootValue(stats)
		w.exampleToNode[k] = make([]int, w.numExamples)
		w.exampleLeaf[k] = make([]*Node, w.numExamples)
		root := w.builders[k].OpenNode(0)
		for exampleIdx := range w.exampleLeaf[k] {
			w.exampleLeaf[k][exampleIdx] = root
		}
	}
	result.StartNewIter = &StartNewIterResult{LabelStatistics: rootStats}
	return nil
}

func (w *trainingWorker) findSplits(req *FindSplitsRequest,
	result *WorkerResult) error {
	if w.iterIdx == w.dropAtFindSplitsIter && !w.dropped {
		// Simulated restart: the worker comes back with its dataset but
		// without predictions or iteration state.
		w.dropped = true
		w.hasPredictions = false
		w.resetIterState()
	}
	if w.iterUID == "" {
		result.RequestRestartIter = true
		return nil
	}

	splitsPerWeakModel := make([]SplitPerOpenNode, len(w.builders))
	for k, builder := range w.builders {
		splits := NewSplitPerOpenNode(builder.NumOpenNodes())
		if k < len(req.FeaturesPerWeakModel) {
			for nodeIdx, features := range req.FeaturesPerWeakModel[k] {
				w.findBestSplit(k, nodeIdx, features, &splits[nodeIdx])
			}
		}
		splitsPerWeakModel[k] = splits
	}
	result.FindSplits = &FindSplitsResult{SplitsPerWeakModel: splitsPerWeakModel}
	return nil
}

// findBestSplit searches the given features for the best split of one
// open node and stores it into dst when it improves on dst.
func (w *trainingWorker) findBestSplit(weakModelIdx, nodeIdx int,
	features []int, dst *Split) {
	grads := w.gradients[weakModelIdx]
	mapping := w.exampleToNode[weakModelIdx]

	var exampleIdxs []int
	var parent LabelStatistics
	for exampleIdx, node := range mapping {
		if node == nodeIdx {
			exampleIdxs = append(exampleIdxs, exampleIdx)
			parent.Add(grads[exampleIdx], w.weight(exampleIdx))
		}
	}
	if int(parent.NumExamples) < 2*w.welcome.Config.MinExamples {
		return
	}

	for _, feature := range features {
		column, ok := w.columns[feature]
		if !ok {
			continue
		}
		var candidate Split
		colMeta := &w.welcome.DataSpec.Columns[feature]
		if colMeta.Type == cache.Categorical {
			candidate = w.bestCategoricalSplit(feature, column, colMeta.NumValues,
				exampleIdxs, grads, parent)
		} else {
			candidate = w.bestNumericalSplit(feature, column,
				colMeta.Discretized, exampleIdxs, grads, parent)
		}
		if betterSplit(&candidate, dst) {
			*dst = candidate
		}
	}
}

// bestNumericalSplit scans the sorted values of one column for the
// threshold (or discretized bucket) with the highest gain.
func (w *trainingWorker) bestNumericalSplit(feature int, column []float64,
	discretized bool, exampleIdxs []int, grads []float64,
	parent LabelStatistics) Split {
	best := Split{Attribute: InvalidAttribute}

	sorted := append([]int{}, exampleIdxs...)
	sort.Slice(sorted, func(i, j int) bool {
		return column[sorted[i]] < column[sorted[j]]
	})

	var negative LabelStatistics
	for i := 0; i < len(sorted)-1; i++ {
		exampleIdx := sorted[i]
		negative.Add(grads[exampleIdx], w.weight(exampleIdx))
		if column[sorted[i]] == column[sorted[i+1]] {
			continue
		}
		positive := subtractStats(parent, negative)
		if int(negative.NumExamples) < w.welcome.Config.MinExamples ||
			int(positive.NumExamples) < w.welcome.Config.MinExamples {
			continue
		}
		score := splitScore(parent, negative, positive)
		if score <= 0 {
			continue
		}
		candidate := Split{
			Attribute:     feature,
			Score:         score,
			PositiveStats: positive,
			NegativeStats: negative,
		}
		if discretized {
			candidate.Condition = &DiscretizedBucket{
				Bucket: int(column[sorted[i]]),
			}
		} else {
			candidate.Condition = &NumericalThreshold{
				Threshold: (column[sorted[i]] + column[sorted[i+1]]) / 2,
			}
		}
		if betterSplit(&candidate, &best) {
			best = candidate
		}
	}
	return best
}

// bestCategoricalSplit orders the categories by mean gradient and
// scans the prefix boundaries for the best mask.
func (w *trainingWorker) bestCategoricalSplit(feature int, column []float64,
	numValues int, exampleIdxs []int, grads []float64,
	parent LabelStatistics) Split {
	best := Split{Attribute: InvalidAttribute}

	perValue := make([]LabelStatistics, numValues)
	for _, exampleIdx := range exampleIdxs {
		value := int(column[exampleIdx])
		if value >= 0 && value < numValues {
			perValue[value].Add(grads[exampleIdx], w.weight(exampleIdx))
		}
	}
	var present []int
	for value, stats := range perValue {
		if stats.NumExamples > 0 {
			present = append(present, value)
		}
	}
	if len(present) < 2 {
		return best
	}
	sort.Slice(present, func(i, j int) bool {
		mi, mj := perValue[present[i]].Mean(), perValue[present[j]].Mean()
		if mi != mj {
			return mi < mj
		}
		return present[i] < present[j]
	})

	var negative LabelStatistics
	for i := 0; i < len(present)-1; i++ {
		negative.Merge(perValue[present[i]])
		positive := subtractStats(parent, negative)
		if int(negative.NumExamples) < w.welcome.Config.MinExamples ||
			int(positive.NumExamples) < w.welcome.Config.MinExamples {
			continue
		}
		score := splitScore(parent, negative, positive)
		if score <= 0 {
			continue
		}
		mask := make([]bool, numValues)
		for _, value := range present[i+1:] {
			mask[value] = true
		}
		candidate := Split{
			Attribute:     feature,
			Condition:     &CategoricalMask{Mask: mask},
			Score:         score,
			PositiveStats: positive,
			NegativeStats: negative,
		}
		if betterSplit(&candidate, &best) {
			best = candidate
		}
	}
	return best
}

func (w *trainingWorker) evaluateSplits(req *EvaluateSplitsRequest,
	result *WorkerResult) error {
	if w.iterUID == "" {
		result.RequestRestartIter = true
		return nil
	}
	for weakModelIdx, indexedSplits := range req.SplitsPerWeakModel {
		for _, indexed := range indexedSplits {
			bitmap, err := w.evaluateCondition(&indexed.Split)
			if err != nil {
				return err
			}
			path := w.evalPath(weakModelIdx, indexed.NodeIdx)
			if err := writeEvalFile(path, bitmap); err != nil {
				return err
			}
		}
	}
	result.EvaluateSplits = &EvaluateSplitsResult{}
	return nil
}

func (w *trainingWorker) shareSplits(req *ShareSplitsRequest,
	result *WorkerResult) error {
	if w.iterUID == "" {
		result.RequestRestartIter = true
		return nil
	}
	for weakModelIdx, splits := range req.SplitsPerWeakModel {
		// Resolve the routing of every valid split before the tree
		// structure changes.
		bitmaps := make([][]bool, len(splits))
		for splitIdx := range splits {
			split := &splits[splitIdx]
			if !split.Valid() {
				continue
			}
			if _, owned := w.columns[split.Attribute]; owned {
				bitmap, err := w.evaluateCondition(split)
				if err != nil {
					return err
				}
				bitmaps[splitIdx] = bitmap
			} else {
				bitmap, err := readEvalFile(w.evalPath(weakModelIdx, splitIdx))
				if err != nil {
					return err
				}
				bitmaps[splitIdx] = bitmap
			}
		}

		builder := w.builders[weakModelIdx]
		remap, err := builder.ApplySplits(splits)
		if err != nil {
			return err
		}
		mapping := w.exampleToNode[weakModelIdx]
		leaves := w.exampleLeaf[weakModelIdx]
		for exampleIdx, nodeIdx := range mapping {
			if nodeIdx == Closed {
				continue
			}
			children := remap[nodeIdx]
			if children.Positive == Closed {
				mapping[exampleIdx] = Closed
				continue
			}
			if bitmaps[nodeIdx][exampleIdx] {
				mapping[exampleIdx] = children.Positive
			} else {
				mapping[exampleIdx] = children.Negative
			}
			leaves[exampleIdx] = builder.OpenNode(mapping[exampleIdx])
		}
	}
	w.layerIdx++
	result.ShareSplits = &ShareSplitsResult{}
	return nil
}

func (w *trainingWorker) endIter(req *EndIterRequest,
	result *WorkerResult) error {
	if w.iterUID == "" {
		result.RequestRestartIter = true
		return nil
	}
	for k := 0; k < w.numOutputs; k++ {
		for exampleIdx, leaf := range w.exampleLeaf[k] {
			w.predictions[exampleIdx*w.numOutputs+k] += leaf.Value
		}
	}
	result.EndIter = &EndIterResult{}
	if req.ComputeTrainingLoss {
		lossValue, metrics := w.loss.LossValue(w.labels, w.weights,
			w.predictions, w.numOutputs)
		result.EndIter.HasTrainingLoss = true
		result.EndIter.TrainingLoss = lossValue
		result.EndIter.TrainingMetrics = metrics
	}
	w.resetIterState()
	return nil
}

func (w *trainingWorker) createCheckpoint(req *CreateCheckpointRequest,
	result *WorkerResult) error {
	if w.denyCheckpointOnce {
		w.denyCheckpointOnce = false
		result.RequestRestartIter = true
		return nil
	}
	if !w.hasPredictions {
		result.RequestRestartIter = true
		return nil
	}
	shard := w.predictions[req.BeginExampleIdx*w.numOutputs : req.EndExampleIdx*w.numOutputs]
	path := filepath.Join(w.welcome.WorkDirectory, dirNameTmp,
		fmt.Sprintf("shard-%d-%s", req.ShardIdx, uuid.NewString()))
	if err := writeShardFile(path, shard); err != nil {
		return err
	}
	result.CreateCheckpoint = &CreateCheckpointResult{
		ShardIdx: req.ShardIdx,
		Path:     path,
	}
	return nil
}

func (w *trainingWorker) restoreCheckpoint(req *RestoreCheckpointRequest,
	result *WorkerResult) error {
	w.numOutputs = req.NumWeakModels
	w.predictions = make([]float64, w.numExamples*w.numOutputs)
	dir := checkpointDir(w.welcome.WorkDirectory, req.IterIdx)
	for shardIdx := 0; shardIdx < req.NumShards; shardIdx++ {
		begin, _ := shardExampleRange(shardIdx, w.numExamples, req.NumShards)
		path := filepath.Join(dir, ShardFilename("predictions", shardIdx,
			req.NumShards))
		shard, err := readShardFile(path)
		if err != nil {
			return err
		}
		copy(w.predictions[begin*w.numOutputs:], shard)
	}
	w.hasPredictions = true
	w.resetIterState()
	result.RestoreCheckpoint = &RestoreCheckpointResult{}
	return nil
}

// evaluateCondition routes every example through a split's condition
// using the locally owned column.
func (w *trainingWorker) evaluateCondition(split *Split) ([]bool, error) {
	column, ok := w.columns[split.Attribute]
	if !ok {
		return nil, fmt.Errorf("worker #%d does not own attribute %d",
			w.workerIdx, split.Attribute)
	}
	bitmap := make([]bool, w.numExamples)
	for exampleIdx, value := range column {
		bitmap[exampleIdx] = split.Condition.Evaluate(value)
	}
	return bitmap, nil
}

func (w *trainingWorker) evalPath(weakModelIdx, nodeIdx int) string {
	return filepath.Join(w.welcome.WorkDirectory, dirNameEvals,
		fmt.Sprintf("%s-%d-%d-%d", w.iterUID, w.layerIdx, weakModelIdx, nodeIdx))
}

func (w *trainingWorker) resetIterState() {
	w.iterUID = ""
	w.gradients = nil
	w.builders = nil
	w.exampleToNode = nil
	w.exampleLeaf = nil
}

func (w *trainingWorker) weight(exampleIdx int) float64 {
	if w.weights == nil {
		return 1
	}
	return w.weights[exampleIdx]
}

// splitScore is the gain of splitting parent into the two children:
// the reduction of the summed squared error of the pseudo-response.
func splitScore(parent, negative, positive LabelStatistics) float64 {
	return sumSquareOverCount(positive) + sumSquareOverCount(negative) -
		sumSquareOverCount(parent)
}

func sumSquareOverCount(stats LabelStatistics) float64 {
	if stats.NumExamples == 0 {
		return 0
	}
	return stats.Sum * stats.Sum / float64(stats.NumExamples)
}

func subtractStats(parent, part LabelStatistics) LabelStatistics {
	return LabelStatistics{
		NumExamples: parent.NumExamples - part.NumExamples,
		Sum:         parent.Sum - part.Sum,
		SumSquares:  parent.SumSquares - part.SumSquares,
	}
}

func writeEvalFile(path string, bitmap []bool) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(bitmap); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readEvalFile(path string) ([]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var bitmap []bool
	if err := gob.NewDecoder(f).Decode(&bitmap); err != nil {
		return nil, err
	}
	return bitmap, nil
}

func writeShardFile(path string, shard []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(shard); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readShardFile(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var shard []float64
	if err := gob.NewDecoder(f).Decode(&shard); err != nil {
		return nil, err
	}
	return shard, nil
}
