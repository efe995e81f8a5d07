// Package trainer drives model fitting and evaluation. One epoch engine
// serves every training style; the styles differ only in the loss
// schedule they install and the hooks they run between epochs.
package trainer

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"github.com/cnclabs/recbias/internal/config"
	"github.com/cnclabs/recbias/internal/model"
	"github.com/cnclabs/recbias/pkg/dataset"
)

// ErrNaNLoss aborts training when a batch loss goes non-finite. The
// gradients of the offending batch are never applied.
var ErrNaNLoss = errors.New("training loss is nan")

// ErrBadTrainStage rejects a Staged model whose declared stage is
// neither pretrain nor finetune.
var ErrBadTrainStage = errors.New("train stage must be pretrain or finetune")

// Collector accumulates evaluation results batch by batch. The concrete
// metric sets live in the evaluator package.
type Collector interface {
	// Collect records pointwise predictions with their labels and the
	// popularity of each scored item.
	Collect(scores, labels, popularity []float64)

	// CollectRanked records one user's ranked candidate scores with the
	// held-out positives.
	CollectRanked(scores []float64, posItems []int64)

	// EvaluateAll reduces everything collected into named metrics.
	EvaluateAll() map[string]float64
}

// FitOptions controls one Fit run.
type FitOptions struct {
	// Saved enables checkpointing to the trainer's run file.
	Saved bool

	// Callback observes each validation score as it is produced.
	Callback func(epoch int, validScore float64)

	// TestEval, when set, is scored after every validation round so
	// test metrics can be tracked across training. The result is
	// logged; it never steers early stopping or checkpointing.
	TestEval *dataset.EvalLoader
}

// Trainer owns one training run: the model, its optimizer, the training
// data and the epoch schedule.
type Trainer struct {
	logger *zap.Logger
	cfg    *config.Config

	model     model.Model
	optimizer Optimizer
	loader    *dataset.TrainLoader

	schedule  LossSchedule
	postEpoch PostEpochHook

	newCollector func() Collector

	savedFile  string
	startEpoch int
	curStep    int
	best       float64
	bestEpoch  int
}

// New builds a trainer with the plain single-objective schedule.
func New(logger *zap.Logger, cfg *config.Config, m model.Model, loader *dataset.TrainLoader, newCollector func() Collector) (*Trainer, error) {
	return newTrainer(logger, cfg, m, loader, newCollector, SingleSchedule(m), nil)
}

// NewKG builds a trainer that alternates recommendation and knowledge
// epochs. The model must carry a knowledge objective.
func NewKG(logger *zap.Logger, cfg *config.Config, m model.Model, loader *dataset.TrainLoader, newCollector func() Collector) (*Trainer, error) {
	kg, ok := m.(model.KGAware)
	if !ok {
		return nil, fmt.Errorf("model %s has no knowledge objective", m.Name())
	}
	sched := AlternatingSchedule(m, kg, cfg.TrainRecStep, cfg.TrainKGStep)
	return newTrainer(logger, cfg, m, loader, newCollector, sched, nil)
}

// NewKGAT builds a trainer that trains both objectives every epoch and
// refreshes the model's attention state afterwards.
func NewKGAT(logger *zap.Logger, cfg *config.Config, m model.Model, loader *dataset.TrainLoader, newCollector func() Collector) (*Trainer, error) {
	kg, ok := m.(model.KGAware)
	if !ok {
		return nil, fmt.Errorf("model %s has no knowledge objective", m.Name())
	}
	var hook PostEpochHook
	if att, ok := m.(model.AttentionUpdater); ok {
		hook = att.UpdateAttention
	}
	return newTrainer(logger, cfg, m, loader, newCollector, JointSchedule(m, kg), hook)
}

// NewMKR builds a multi-task trainer: the recommendation task runs every
// epoch, the knowledge task every kge_interval epochs.
func NewMKR(logger *zap.Logger, cfg *config.Config, m model.Model, loader *dataset.TrainLoader, newCollector func() Collector) (*Trainer, error) {
	rs, ok := m.(model.RSAware)
	if !ok {
		return nil, fmt.Errorf("model %s has no recommendation-task objective", m.Name())
	}
	kg, ok := m.(model.KGAware)
	if !ok {
		return nil, fmt.Errorf("model %s has no knowledge objective", m.Name())
	}
	sched := IntervalSchedule(rs, kg, cfg.KGEInterval)
	return newTrainer(logger, cfg, m, loader, newCollector, sched, nil)
}

// NewTraditional builds a trainer for parameter-free models that need
// exactly one pass over the data.
func NewTraditional(logger *zap.Logger, cfg *config.Config, m model.Model, loader *dataset.TrainLoader, newCollector func() Collector) (*Trainer, error) {
	single := *cfg
	single.Epochs = 1
	return newTrainer(logger, &single, m, loader, newCollector, SingleSchedule(m), nil)
}

func newTrainer(logger *zap.Logger, cfg *config.Config, m model.Model, loader *dataset.TrainLoader, newCollector func() Collector, sched LossSchedule, hook PostEpochHook) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// Seeded to the worst representable score for the metric polarity.
	// Kept finite so it serializes cleanly into checkpoints.
	best := math.MaxFloat64
	if cfg.ValidMetricBigger {
		best = -math.MaxFloat64
	}
	t := &Trainer{
		logger:       logger,
		cfg:          cfg,
		model:        m,
		optimizer:    BuildOptimizer(logger, cfg.Learner, cfg.LearningRate, cfg.WeightDecay, m.Parameters()),
		loader:       loader,
		schedule:     sched,
		postEpoch:    hook,
		newCollector: newCollector,
		savedFile:    CheckpointFile(cfg.CheckpointDir, m.Name(), time.Now()),
		best:         best,
		bestEpoch:    -1,
	}
	return t, nil
}

// SavedFile returns the checkpoint path this run writes to.
func (t *Trainer) SavedFile() string {
	return t.savedFile
}

// BestEpoch returns the epoch of the best validation score so far, or
// -1 before any improvement.
func (t *Trainer) BestEpoch() int {
	return t.bestEpoch
}

// Resume restores model, optimizer and fit progress from a checkpoint
// so the next Fit continues where the saved run stopped.
func (t *Trainer) Resume(path string) error {
	start, step, best, err := Resume(t.logger, path, t.model, t.optimizer)
	if err != nil {
		return err
	}
	t.startEpoch = start
	t.curStep = step
	t.best = best
	return nil
}

// Fit trains the model, validating every eval_step epochs and stopping
// early when the validation metric stalls. It returns the best
// validation score and the metric set that produced it. With no
// validation loader the model simply trains for the configured epochs,
// checkpointing each one when saving is on.
func (t *Trainer) Fit(valid *dataset.EvalLoader, opts FitOptions) (float64, map[string]float64, error) {
	if staged, ok := t.model.(model.Staged); ok && staged.TrainStage() == model.StagePretrain {
		if err := t.pretrain(opts.Saved); err != nil {
			return 0, nil, err
		}
		return t.best, nil, nil
	}
	if staged, ok := t.model.(model.Staged); ok {
		if s := staged.TrainStage(); s != model.StageFinetune {
			return 0, nil, fmt.Errorf("%w, got %q", ErrBadTrainStage, s)
		}
	}
	return t.fit(valid, opts)
}

func (t *Trainer) fit(valid *dataset.EvalLoader, opts FitOptions) (float64, map[string]float64, error) {
	evalStep := t.cfg.EvalStep
	if evalStep > t.cfg.Epochs {
		evalStep = t.cfg.Epochs
	}
	// A non-positive eval_step disables validation for the run; the
	// loop below then checkpoints every epoch like a run without a
	// validation loader.
	noValid := valid.Len() == 0 || evalStep <= 0

	if t.startEpoch >= t.cfg.Epochs {
		if opts.Saved {
			if err := t.saveCheckpoint(-1); err != nil {
				return 0, nil, err
			}
		}
		return t.best, nil, nil
	}

	var bestResult map[string]float64
	for epoch := t.startEpoch; epoch < t.cfg.Epochs; epoch++ {
		start := time.Now()
		losses, err := t.trainEpoch(epoch)
		if err != nil {
			return 0, nil, err
		}
		t.logger.Info("epoch trained",
			zap.Int("epoch", epoch),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("loss", t.formatLosses(losses)))

		if t.postEpoch != nil {
			t.postEpoch()
		}

		if noValid {
			if opts.Saved {
				if err := t.saveCheckpoint(epoch); err != nil {
					return 0, nil, err
				}
			}
			continue
		}
		if (epoch+1)%evalStep != 0 {
			continue
		}

		evalStart := time.Now()
		result, err := t.Evaluate(valid, EvalOptions{})
		if err != nil {
			return 0, nil, err
		}
		score, ok := result[t.cfg.ValidMetric]
		if !ok {
			return 0, nil, fmt.Errorf("validation produced no %q metric", t.cfg.ValidMetric)
		}

		var stop, update bool
		t.best, t.curStep, stop, update = EarlyStopping(
			score, t.best, t.curStep, t.cfg.StoppingStep, t.cfg.ValidMetricBigger)

		t.logger.Info("epoch validated",
			zap.Int("epoch", epoch),
			zap.Duration("elapsed", time.Since(evalStart)),
			zap.Float64("valid_score", score),
			zap.Any("valid_result", result))

		if opts.TestEval.Len() > 0 {
			testResult, err := t.Evaluate(opts.TestEval, EvalOptions{})
			if err != nil {
				return 0, nil, err
			}
			t.logger.Info("test tracked",
				zap.Int("epoch", epoch),
				zap.Any("test_result", testResult))
		}

		if update {
			t.bestEpoch = epoch
			bestResult = result
			if opts.Saved {
				if err := t.saveCheckpoint(epoch); err != nil {
					return 0, nil, err
				}
				t.logger.Info("saving current best", zap.String("file", t.savedFile))
			}
		}
		if opts.Callback != nil {
			opts.Callback(epoch, score)
		}
		if stop {
			t.logger.Info(fmt.Sprintf("finished training, best eval result in epoch %d", t.bestEpoch))
			break
		}
	}
	return t.best, bestResult, nil
}

// pretrain runs the schedule without validation, snapshotting the model
// every save_step epochs under a per-epoch filename.
func (t *Trainer) pretrain(saved bool) error {
	for epoch := t.startEpoch; epoch < t.cfg.Epochs; epoch++ {
		start := time.Now()
		losses, err := t.trainEpoch(epoch)
		if err != nil {
			return err
		}
		t.logger.Info("pretrain epoch trained",
			zap.Int("epoch", epoch),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("loss", t.formatLosses(losses)))

		if saved && (epoch+1)%t.cfg.SaveStep == 0 {
			path := PretrainFile(t.cfg.CheckpointDir, t.model.Name(), t.cfg.Dataset, epoch)
			err := SaveCheckpoint(path, &Checkpoint{
				Model:          t.model.Name(),
				Config:         t.cfg,
				Epoch:          epoch,
				CurStep:        t.curStep,
				BestValidScore: t.best,
				ModelState:     t.model.StateDict(),
				OptimizerState: t.optimizer.StateDict(),
			})
			if err != nil {
				return err
			}
			t.logger.Info("saving pretrain snapshot", zap.String("file", path))
		}
	}
	return nil
}

// trainEpoch runs every phase the schedule assigns to this epoch and
// returns the summed loss per phase label.
func (t *Trainer) trainEpoch(epoch int) (map[string]float64, error) {
	losses := make(map[string]float64)
	for _, phase := range t.schedule(epoch) {
		batches, err := t.loader.Batches(phase.Stream)
		if err != nil {
			return nil, err
		}
		for _, batch := range batches {
			t.optimizer.ZeroGrad()
			loss, err := phase.Loss(batch)
			if err != nil {
				return nil, err
			}
			if loss.HasNaN() {
				return nil, fmt.Errorf("%w in epoch %d", ErrNaNLoss, epoch)
			}
			for _, part := range loss.Parts {
				losses[phase.Label+"/"+part.Label] += part.Value
			}
			t.clipGradients()
			t.optimizer.Step()
		}
	}
	return losses, nil
}

// clipGradients rescales all live gradients when their global L2 norm
// exceeds clip_grad_norm. A zero setting disables clipping.
func (t *Trainer) clipGradients() {
	clip := t.cfg.ClipGradNorm
	if clip <= 0 {
		return
	}
	var sq float64
	for _, p := range t.model.Parameters() {
		forEachGradIndex(p, func(i int) {
			sq += p.Grad[i] * p.Grad[i]
		})
	}
	norm := math.Sqrt(sq)
	if norm <= clip {
		return
	}
	scale := clip / norm
	for _, p := range t.model.Parameters() {
		if !p.Sparse {
			floats.Scale(scale, p.Grad)
			continue
		}
		forEachGradIndex(p, func(i int) {
			p.Grad[i] *= scale
		})
	}
}

func (t *Trainer) saveCheckpoint(epoch int) error {
	return SaveCheckpoint(t.savedFile, &Checkpoint{
		Model:          t.model.Name(),
		Config:         t.cfg,
		Epoch:          epoch,
		CurStep:        t.curStep,
		BestValidScore: t.best,
		ModelState:     t.model.StateDict(),
		OptimizerState: t.optimizer.StateDict(),
	})
}

// formatLosses renders the per-phase losses with the configured number
// of decimal places, in stable label order.
func (t *Trainer) formatLosses(losses map[string]float64) string {
	labels := make([]string, 0, len(losses))
	for label := range losses {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	parts := make([]string, len(labels))
	for i, label := range labels {
		parts[i] = fmt.Sprintf("%s=%.*f", label, t.cfg.LossDecimalPlace, losses[label])
	}
	return strings.Join(parts, " ")
}
