package trainer

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/cnclabs/recbias/internal/config"
	"github.com/cnclabs/recbias/internal/model"
)

// checkpointVersion guards the on-disk layout. Bump it when the
// checkpoint struct changes shape.
const checkpointVersion = 1

// Checkpoint is the full serialized training state.
type Checkpoint struct {
	Version        int            `json:"version"`
	Model          string         `json:"model"`
	Config         *config.Config `json:"config,omitempty"`
	Epoch          int            `json:"epoch"`
	CurStep        int            `json:"cur_step"`
	BestValidScore float64        `json:"best_valid_score"`
	ModelState     model.State    `json:"model_state"`
	OptimizerState OptimizerState `json:"optimizer_state"`
}

// CheckpointFile derives the checkpoint path for a training run. The
// timestamp is fixed once at construction so every save of the run
// overwrites the same file.
func CheckpointFile(dir, modelName string, now time.Time) string {
	name := fmt.Sprintf("%s-%s.json", modelName, now.Format("Jan-02-2006_15-04-05"))
	return filepath.Join(dir, name)
}

// PretrainFile derives the per-epoch snapshot path used by staged
// training. Epochs are reported 1-based in filenames.
func PretrainFile(dir, modelName, dataset string, epoch int) string {
	name := fmt.Sprintf("%s-%s-%d.json", modelName, dataset, epoch+1)
	return filepath.Join(dir, name)
}

// SaveCheckpoint writes ckpt to path atomically: the payload lands in
// a temp file in the same directory and is renamed over the target.
func SaveCheckpoint(path string, ckpt *Checkpoint) error {
	ckpt.Version = checkpointVersion
	raw, err := json.Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish checkpoint: %w", err)
	}
	return nil
}

// ReadCheckpoint loads and validates a checkpoint file.
func ReadCheckpoint(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(raw, &ckpt); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if ckpt.Version != checkpointVersion {
		return nil, fmt.Errorf("checkpoint %s has version %d, want %d", path, ckpt.Version, checkpointVersion)
	}
	return &ckpt, nil
}

// Resume restores a full training run into m and opt. It returns the
// epoch to continue from (the saved epoch plus one), the early stopping
// counter and the best validation score. A checkpoint written for a
// different model restores anyway with a warning, matching the loose
// compatibility rule for architecture tweaks between runs.
func Resume(logger *zap.Logger, path string, m model.Model, opt Optimizer) (startEpoch, curStep int, best float64, err error) {
	ckpt, err := ReadCheckpoint(path)
	if err != nil {
		return 0, 0, 0, err
	}
	if ckpt.Model != m.Name() {
		logger.Warn("checkpoint was written for a different model, loading anyway",
			zap.String("checkpoint_model", ckpt.Model),
			zap.String("model", m.Name()))
	}
	if err := m.LoadStateDict(ckpt.ModelState); err != nil {
		return 0, 0, 0, fmt.Errorf("restore model state: %w", err)
	}
	if err := opt.LoadStateDict(ckpt.OptimizerState); err != nil {
		return 0, 0, 0, fmt.Errorf("restore optimizer state: %w", err)
	}
	logger.Info("resumed from checkpoint",
		zap.String("file", path),
		zap.Int("epoch", ckpt.Epoch),
		zap.Float64("best_valid_score", ckpt.BestValidScore))
	return ckpt.Epoch + 1, ckpt.CurStep, ckpt.BestValidScore, nil
}

// LoadModelState restores only the model weights from a checkpoint,
// leaving optimizer and progress untouched. Evaluation uses this to
// score the best saved model.
func LoadModelState(logger *zap.Logger, path string, m model.Model) error {
	ckpt, err := ReadCheckpoint(path)
	if err != nil {
		return err
	}
	if ckpt.Model != m.Name() {
		logger.Warn("checkpoint was written for a different model, loading anyway",
			zap.String("checkpoint_model", ckpt.Model),
			zap.String("model", m.Name()))
	}
	if err := m.LoadStateDict(ckpt.ModelState); err != nil {
		return fmt.Errorf("restore model state: %w", err)
	}
	logger.Info("loaded model weights from checkpoint", zap.String("file", path))
	return nil
}
