// Package model defines the contracts between the trainer and the
// recommendation models it drives. Models compute their own gradients
// analytically and expose them through Parameter; optional capabilities
// (full ranking, knowledge objectives, staged training) are separate
// interfaces asserted once at trainer construction.
package model

import (
	"github.com/cnclabs/recbias/pkg/interaction"
)

// Model is the minimal contract every trainable recommender satisfies.
type Model interface {
	// Name identifies the model in logs and checkpoints.
	Name() string

	// CalculateLoss computes the batch loss and accumulates gradients
	// into the model's parameters.
	CalculateLoss(batch *interaction.Batch) (Loss, error)

	// Predict scores each (user, item) row of the batch.
	Predict(batch *interaction.Batch) ([]float64, error)

	// Parameters returns the learnable parameters the optimizer steps.
	// Parameter-free models return an empty slice.
	Parameters() []*Parameter

	// StateDict snapshots all learnable state for checkpointing.
	StateDict() State

	// LoadStateDict restores a snapshot taken by StateDict.
	LoadStateDict(State) error
}

// FullSortPredictor is implemented by models that can score every
// candidate item for each user row in one pass. FullSortPredict returns
// a row-major users x items matrix (items includes the sentinel column).
type FullSortPredictor interface {
	FullSortPredict(batch *interaction.Batch) ([]float64, error)
}

// KGAware models train a knowledge-graph objective alongside the
// recommendation objective.
type KGAware interface {
	CalculateKGLoss(batch *interaction.Batch) (Loss, error)
}

// RSAware models expose a dedicated recommendation-task loss distinct
// from CalculateLoss (multi-task settings).
type RSAware interface {
	CalculateRSLoss(batch *interaction.Batch) (Loss, error)
}

// AttentionUpdater models recompute derived attention state after each
// epoch; the pass runs without touching gradients.
type AttentionUpdater interface {
	UpdateAttention()
}

// Staged models declare a training stage. Recognized values are
// StagePretrain and StageFinetune; anything else is a configuration
// error surfaced before training starts.
type Staged interface {
	TrainStage() string
}

// Training stages for Staged models.
const (
	StagePretrain = "pretrain"
	StageFinetune = "finetune"
)

// State is a flat named snapshot of learnable vectors, serializable as a
// checkpoint payload.
type State map[string][]float64
