package dgbt

import "github.com/unixpickle/dist-gbdt/cache"

// WorkerWelcome is delivered to every worker when the fleet starts,
// before any request.
type WorkerWelcome struct {
	WorkDirectory string
	CachePath     string

	Config     *TrainingConfig
	Link       *ConfigLink
	Deployment *DeploymentConfig
	DataSpec   *cache.Metadata

	Ownership *FeatureOwnership
}

// WorkerRequest is the union of coordinator-to-worker requests.
// Exactly one request field is set.
type WorkerRequest struct {
	// RequestID correlates a reply with its request when a phase needs
	// more than arrival counting; checkpoint shards use it.
	RequestID int

	GetLabelStatistics    *GetLabelStatisticsRequest
	SetInitialPredictions *SetInitialPredictionsRequest
	StartTraining         *StartTrainingRequest
	StartNewIter          *StartNewIterRequest
	FindSplits            *FindSplitsRequest
	EvaluateSplits        *EvaluateSplitsRequest
	ShareSplits           *ShareSplitsRequest
	EndIter               *EndIterRequest
	CreateCheckpoint      *CreateCheckpointRequest
	RestoreCheckpoint     *RestoreCheckpointRequest
}

// WorkerResult is the union of worker replies. Exactly one result
// field is set, unless RequestRestartIter is raised.
type WorkerResult struct {
	WorkerIdx int
	RequestID int

	// RequestRestartIter signals that the worker lost the state needed
	// to serve the request; the coordinator must rewind to the last
	// checkpoint.
	RequestRestartIter bool

	GetLabelStatistics    *GetLabelStatisticsResult
	SetInitialPredictions *SetInitialPredictionsResult
	StartTraining         *StartTrainingResult
	StartNewIter          *StartNewIterResult
	FindSplits            *FindSplitsResult
	EvaluateSplits        *EvaluateSplitsResult
	ShareSplits           *ShareSplitsResult
	EndIter               *EndIterResult
	CreateCheckpoint      *CreateCheckpointResult
	RestoreCheckpoint     *RestoreCheckpointResult
}

type GetLabelStatisticsRequest struct{}

type GetLabelStatisticsResult struct {
	LabelStatistics LabelStatistics
}

type SetInitialPredictionsRequest struct {
	LabelStatistics LabelStatistics
}

type SetInitialPredictionsResult struct{}

type StartTrainingRequest struct{}

type StartTrainingResult struct{}

type StartNewIterRequest struct {
	IterIdx int
	IterUID string
	Seed    int64
}

type StartNewIterResult struct {
	// Root label statistics of every weak model's pseudo-response.
	LabelStatistics []LabelStatistics
}

type FindSplitsRequest struct {
	// FeaturesPerWeakModel[weakModel][node] lists the features this
	// worker searches for one open node. May be entirely empty.
	FeaturesPerWeakModel [][][]int
}

type FindSplitsResult struct {
	SplitsPerWeakModel []SplitPerOpenNode
}

// An IndexedSplit addresses a split slot by its open-node position, so
// that a sparse subset of a layer's splits can be shipped.
type IndexedSplit struct {
	NodeIdx int
	Split   Split
}

type EvaluateSplitsRequest struct {
	SplitsPerWeakModel [][]IndexedSplit
}

type EvaluateSplitsResult struct{}

type ShareSplitsRequest struct {
	SplitsPerWeakModel []SplitPerOpenNode

	// ActiveWorkers lists the workers that evaluated this layer's
	// splits; non-owners fetch example routing from them.
	ActiveWorkers []int
}

type ShareSplitsResult struct{}

type EndIterRequest struct {
	IterIdx             int
	ComputeTrainingLoss bool
}

type EndIterResult struct {
	HasTrainingLoss bool
	TrainingLoss    float64
	TrainingMetrics []float64
}

type CreateCheckpointRequest struct {
	ShardIdx        int
	BeginExampleIdx int
	EndExampleIdx   int
}

type CreateCheckpointResult struct {
	ShardIdx int

	// Path of the temporary shard file written by the worker; the
	// coordinator renames it into the checkpoint directory.
	Path string
}

type RestoreCheckpointRequest struct {
	IterIdx       int
	NumShards     int
	NumWeakModels int
}

type RestoreCheckpointResult struct{}
