// Package config loads and validates the experiment configuration.
// Configuration is layered with koanf: built-in defaults, then an
// optional YAML file, then RECBIAS_-prefixed environment variables.
// The resulting Config is never mutated after Load returns.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables before they are
// merged; RECBIAS_LEARNING_RATE overrides learning_rate.
const EnvPrefix = "RECBIAS_"

// Config holds every hyperparameter the trainer and models consume.
type Config struct {
	Model   string `koanf:"model"`
	Dataset string `koanf:"dataset"`

	TrainPath   string `koanf:"train_path"`
	UniformPath string `koanf:"uniform_path"`
	KGPath      string `koanf:"kg_path"`

	CheckpointDir string `koanf:"checkpoint_dir"`

	Learner      string  `koanf:"learner"`
	LearningRate float64 `koanf:"learning_rate"`
	WeightDecay  float64 `koanf:"weight_decay"`

	Epochs       int     `koanf:"epochs"`
	EvalStep     int     `koanf:"eval_step"`
	StoppingStep int     `koanf:"stopping_step"`
	ClipGradNorm float64 `koanf:"clip_grad_norm"`

	ValidMetric       string `koanf:"valid_metric"`
	ValidMetricBigger bool   `koanf:"valid_metric_bigger"`

	TrainBatchSize int `koanf:"train_batch_size"`
	EvalBatchSize  int `koanf:"eval_batch_size"`

	EmbeddingDim int `koanf:"embedding_dim"`

	TopK       int `koanf:"topk"`
	PopClasses int `koanf:"p_class"`

	TrainStage string `koanf:"train_stage"`
	SaveStep   int    `koanf:"save_step"`

	TrainRecStep int `koanf:"train_rec_step"`
	TrainKGStep  int `koanf:"train_kg_step"`
	KGEInterval  int `koanf:"kge_interval"`

	Seed int64 `koanf:"seed"`

	LossDecimalPlace int `koanf:"loss_decimal_place"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Learner:           "adam",
		LearningRate:      0.001,
		Epochs:            300,
		EvalStep:          1,
		StoppingStep:      10,
		ValidMetric:       "auc",
		ValidMetricBigger: true,
		TrainBatchSize:    1024,
		EvalBatchSize:     2048,
		EmbeddingDim:      64,
		TopK:              10,
		PopClasses:        10,
		SaveStep:          10,
		KGEInterval:       1,
		CheckpointDir:     "saved",
		Seed:              2020,
		LossDecimalPlace:  4,
	}
}

// Overrides carries command-line values merged on top of the file and
// environment layers, so the returned Config is complete before anyone
// reads it and never mutated afterwards. Empty fields are skipped.
type Overrides struct {
	Model       string
	TrainPath   string
	UniformPath string
	KGPath      string
}

// Load builds the configuration. path may be empty to skip the file
// layer. The returned Config has already passed Validate.
func Load(path string, over Overrides) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if over.Model != "" {
		cfg.Model = over.Model
	}
	if over.TrainPath != "" {
		cfg.TrainPath = over.TrainPath
	}
	if over.UniformPath != "" {
		cfg.UniformPath = over.UniformPath
	}
	if over.KGPath != "" {
		cfg.KGPath = over.KGPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks every field the trainer depends on. It runs before
// any training starts so bad configurations fail fast.
func (c *Config) Validate() error {
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %f", c.LearningRate)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight_decay must be non-negative, got %f", c.WeightDecay)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.StoppingStep < 0 {
		return fmt.Errorf("stopping_step must be non-negative, got %d", c.StoppingStep)
	}
	if c.ClipGradNorm < 0 {
		return fmt.Errorf("clip_grad_norm must be non-negative, got %f", c.ClipGradNorm)
	}
	if c.TrainBatchSize <= 0 {
		return fmt.Errorf("train_batch_size must be positive, got %d", c.TrainBatchSize)
	}
	if c.EvalBatchSize <= 0 {
		return fmt.Errorf("eval_batch_size must be positive, got %d", c.EvalBatchSize)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding_dim must be positive, got %d", c.EmbeddingDim)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("topk must be positive, got %d", c.TopK)
	}
	if c.PopClasses <= 0 {
		return fmt.Errorf("p_class must be positive, got %d", c.PopClasses)
	}
	if c.ValidMetric == "" {
		return fmt.Errorf("valid_metric must be set")
	}
	switch c.TrainStage {
	case "", "pretrain", "finetune":
	default:
		return fmt.Errorf("train_stage must be 'pretrain' or 'finetune', got %q", c.TrainStage)
	}
	if c.TrainStage == "pretrain" && c.SaveStep <= 0 {
		return fmt.Errorf("save_step must be positive when pretraining, got %d", c.SaveStep)
	}
	if c.KGEInterval <= 0 {
		return fmt.Errorf("kge_interval must be positive, got %d", c.KGEInterval)
	}
	return nil
}
