package trainer

import (
	"github.com/cnclabs/recbias/internal/model"
	"github.com/cnclabs/recbias/pkg/dataset"
	"github.com/cnclabs/recbias/pkg/interaction"
)

// LossFunc computes a batch loss and accumulates gradients.
type LossFunc func(batch *interaction.Batch) (model.Loss, error)

// Phase is one pass over a training stream within an epoch. Label names
// the phase in the per-epoch loss breakdown.
type Phase struct {
	Label  string
	Stream dataset.Stream
	Loss   LossFunc
}

// LossSchedule decides which phases an epoch runs. Multi-objective
// training styles differ only in their schedule; the epoch engine is
// shared.
type LossSchedule func(epoch int) []Phase

// PostEpochHook runs after the optimizer's last step of an epoch, before
// evaluation. Used for derived state such as attention weights.
type PostEpochHook func()

// SingleSchedule trains the model's own loss every epoch.
func SingleSchedule(m model.Model) LossSchedule {
	phase := Phase{Label: "train", Stream: dataset.StreamRec, Loss: m.CalculateLoss}
	return func(int) []Phase {
		return []Phase{phase}
	}
}

// AlternatingSchedule interleaves recommendation and knowledge epochs in
// blocks of recStep and kgStep. When either block size is zero, every
// epoch trains both objectives back to back.
func AlternatingSchedule(m model.Model, kg model.KGAware, recStep, kgStep int) LossSchedule {
	rec := Phase{Label: "rec", Stream: dataset.StreamRec, Loss: m.CalculateLoss}
	kge := Phase{Label: "kg", Stream: dataset.StreamKG, Loss: kg.CalculateKGLoss}
	if recStep <= 0 || kgStep <= 0 {
		return func(int) []Phase {
			return []Phase{rec, kge}
		}
	}
	cycle := recStep + kgStep
	return func(epoch int) []Phase {
		if epoch%cycle < recStep {
			return []Phase{rec}
		}
		return []Phase{kge}
	}
}

// JointSchedule trains both objectives every epoch.
func JointSchedule(m model.Model, kg model.KGAware) LossSchedule {
	rec := Phase{Label: "rec", Stream: dataset.StreamRec, Loss: m.CalculateLoss}
	kge := Phase{Label: "kg", Stream: dataset.StreamKG, Loss: kg.CalculateKGLoss}
	return func(int) []Phase {
		return []Phase{rec, kge}
	}
}

// IntervalSchedule trains the recommendation task every epoch and the
// knowledge task every interval epochs. A non-positive interval
// disables the knowledge phases entirely.
func IntervalSchedule(rs model.RSAware, kg model.KGAware, interval int) LossSchedule {
	rec := Phase{Label: "rs", Stream: dataset.StreamRec, Loss: rs.CalculateRSLoss}
	kge := Phase{Label: "kg", Stream: dataset.StreamKG, Loss: kg.CalculateKGLoss}
	return func(epoch int) []Phase {
		if interval > 0 && epoch%interval == 0 {
			return []Phase{rec, kge}
		}
		return []Phase{rec}
	}
}
