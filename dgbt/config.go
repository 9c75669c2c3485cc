// Package dgbt implements distributed training of Gradient Boosted
// Decision Tree ensembles.
//
// Training is driven by a single coordinator that grows one tree per
// iteration (one per target for multi-output losses), layer by layer,
// across a fleet of workers that each hold a disjoint subset of the
// feature columns. The coordinator merges per-worker split proposals,
// commits the chosen splits back to every worker, and checkpoints its
// progress so training survives worker and coordinator restarts.
package dgbt

import (
	"errors"
	"fmt"

	"github.com/unixpickle/dist-gbdt/cache"
	"github.com/unixpickle/dist-gbdt/distribute"
)

// Error kinds surfaced by the coordinator. Wrapped errors can be
// classified with errors.Is.
var (
	// ErrInvalidArgument indicates a configuration violation detected at
	// bootstrap.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInternal indicates a protocol violation between the coordinator
	// and the workers.
	ErrInternal = errors.New("internal")

	// ErrDataLoss indicates that a worker lost its state. Recoverable by
	// rewinding to the last checkpoint.
	ErrDataLoss = errors.New("data loss")

	// ErrFailedPrecondition indicates a model load/save I/O failure.
	ErrFailedPrecondition = errors.New("failed precondition")
)

// TrainingConfig configures one training run.
type TrainingConfig struct {
	// Label is the name of the label column.
	Label string

	// Weight optionally names a numerical example-weight column.
	Weight string

	// Features names the input feature columns. Empty means every
	// column except the label and weight.
	Features []string

	// Loss is a registered loss name. Empty selects LossSquaredError.
	Loss string

	// NumTrees bounds the outer training loop.
	NumTrees int

	// MaxDepth bounds tree depth; a tree grows MaxDepth-1 layers.
	MaxDepth int

	// MinExamples is the minimum number of training examples in each
	// child of a split.
	MinExamples int

	// Shrinkage scales every leaf value.
	Shrinkage float64

	// UseHessianGain and ApplyLinkFunction are forwarded to the loss
	// implementation and only affect worker behavior.
	UseHessianGain    bool
	ApplyLinkFunction bool

	// NumCandidateAttributes fixes the number of features sampled per
	// open node. Zero or negative defers to the ratio.
	NumCandidateAttributes int

	// NumCandidateAttributesRatio samples ceil(ratio * |features|)
	// features per open node when in (0, 1]. Out of range means all
	// features.
	NumCandidateAttributesRatio float64

	// CheckpointIntervalTrees checkpoints every N iterations. Negative
	// disables.
	CheckpointIntervalTrees int

	// CheckpointIntervalSeconds checkpoints when this much time has
	// passed since the last one. Negative disables.
	CheckpointIntervalSeconds int

	// ExportLogsDuringTrainingInTrees exports training logs every N
	// iterations when a log directory is set. Zero disables.
	ExportLogsDuringTrainingInTrees int

	// DuplicateComputationOnAllWorkers assigns every feature to every
	// worker. Debugging only.
	DuplicateComputationOnAllWorkers bool

	// RandomSeed seeds the run's RNG.
	RandomSeed int64
}

// DeploymentConfig describes where and how a run executes.
type DeploymentConfig struct {
	// CachePath is the directory that hosts the work directory and the
	// dataset cache. Required.
	CachePath string

	// TryResumeTraining reuses CachePath directly as the work directory
	// so that an interrupted run can resume from its checkpoints. When
	// false, a unique run subdirectory is created.
	TryResumeTraining bool

	// LogDirectory optionally receives exported training logs.
	LogDirectory string

	// Distribute selects and sizes the worker fleet.
	Distribute distribute.Config
}

// ConfigLink resolves the column names of a TrainingConfig against a
// dataset's metadata.
type ConfigLink struct {
	LabelIdx  int
	WeightIdx int
	Features  []int
}

// Defaults applied by SetDefaults.
const (
	defaultMaxDepth                  = 6
	defaultMinExamples               = 5
	defaultShrinkage                 = 0.1
	defaultCheckpointIntervalSeconds = 600
)

// SetDefaults fills unset hyperparameters in place.
func (c *TrainingConfig) SetDefaults() {
	if c.MaxDepth == 0 {
		c.MaxDepth = defaultMaxDepth
	}
	if c.MinExamples == 0 {
		c.MinExamples = defaultMinExamples
	}
	if c.Shrinkage == 0 {
		c.Shrinkage = defaultShrinkage
	}
	if c.CheckpointIntervalTrees == 0 {
		c.CheckpointIntervalTrees = -1
	}
	if c.CheckpointIntervalSeconds == 0 {
		c.CheckpointIntervalSeconds = defaultCheckpointIntervalSeconds
	}
	if c.Loss == "" {
		c.Loss = LossSquaredError
	}
}

// Link resolves column names to indices and selects the feature set.
func (c *TrainingConfig) Link(meta *cache.Metadata) (*ConfigLink, error) {
	link := &ConfigLink{WeightIdx: -1}
	link.LabelIdx = meta.ColumnIdxByName(c.Label)
	if link.LabelIdx < 0 {
		return nil, fmt.Errorf("%w: label column %q not found",
			ErrInvalidArgument, c.Label)
	}
	if c.Weight != "" {
		link.WeightIdx = meta.ColumnIdxByName(c.Weight)
		if link.WeightIdx < 0 {
			return nil, fmt.Errorf("%w: weight column %q not found",
				ErrInvalidArgument, c.Weight)
		}
		if col := meta.Columns[link.WeightIdx]; col.Type != cache.Numerical {
			return nil, fmt.Errorf(
				"%w: only weighting with a numerical column is supported",
				ErrInvalidArgument)
		}
	}
	if len(c.Features) > 0 {
		for _, name := range c.Features {
			idx := meta.ColumnIdxByName(name)
			if idx < 0 {
				return nil, fmt.Errorf("%w: feature column %q not found",
					ErrInvalidArgument, name)
			}
			link.Features = append(link.Features, idx)
		}
	} else {
		for i := range meta.Columns {
			if i == link.LabelIdx || i == link.WeightIdx {
				continue
			}
			link.Features = append(link.Features, i)
		}
	}
	if len(link.Features) == 0 {
		return nil, fmt.Errorf("%w: no input features", ErrInvalidArgument)
	}
	return link, nil
}

// CheckDeployment validates the deployment configuration.
func CheckDeployment(deployment *DeploymentConfig) error {
	if deployment.CachePath == "" {
		return fmt.Errorf("%w: CachePath is empty; distributed training "+
			"requires a cache directory", ErrInvalidArgument)
	}
	if deployment.Distribute.WorkingDirectory != "" {
		return fmt.Errorf("%w: Distribute.WorkingDirectory should be empty; "+
			"use CachePath to specify the cache directory", ErrInvalidArgument)
	}
	return nil
}
