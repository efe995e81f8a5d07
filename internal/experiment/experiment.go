// Package experiment wires one training run end to end: data loading
// and splitting, the fit loop with validation, held-out evaluation and
// the popularity-stratified report.
package experiment

import (
	"fmt"
	"math/rand"
	"os"

	"go.uber.org/zap"

	"github.com/cnclabs/recbias/internal/config"
	"github.com/cnclabs/recbias/internal/evaluator"
	"github.com/cnclabs/recbias/internal/trainer"
	"github.com/cnclabs/recbias/pkg/dataset"
)

// NewLogger builds the process logger. Development output reads well on
// a terminal, which is where these runs live.
func NewLogger() (*zap.Logger, error) {
	return zap.NewDevelopment()
}

// Data carries the loaded dataset and its split loaders.
type Data struct {
	Dataset *dataset.Dataset
	RNG     *rand.Rand

	Train *dataset.TrainLoader
	Valid *dataset.EvalLoader

	TestRatings []dataset.Rating
}

// Load reads the training file (plus the uniform-exposure file when
// configured), splits 8:1:1 and builds the training and validation
// loaders. The test split stays raw so callers pick its evaluation
// mode.
func Load(cfg *config.Config, logger *zap.Logger) (*Data, error) {
	if cfg.TrainPath == "" {
		return nil, fmt.Errorf("train_path is not set")
	}
	ds, err := dataset.Load(cfg.TrainPath, logger)
	if err != nil {
		return nil, err
	}
	if cfg.UniformPath != "" {
		if err := ds.LoadFile(cfg.UniformPath, 1, logger); err != nil {
			return nil, err
		}
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	train, valid, test, err := ds.Split(0.8, 0.1, rng)
	if err != nil {
		return nil, err
	}
	// Popularity and the history masks must only see the train split, or
	// full ranking would mask every held-out positive to -Inf.
	ds.Rebuild(train)

	trainLoader, err := dataset.NewTrainLoader(train, cfg.TrainBatchSize, rng)
	if err != nil {
		return nil, err
	}
	validLoader, err := dataset.NewPointwiseEval(ds, valid, cfg.EvalBatchSize)
	if err != nil {
		return nil, err
	}
	logger.Info("data split",
		zap.Int("train", len(train)),
		zap.Int("valid", len(valid)),
		zap.Int("test", len(test)))

	return &Data{
		Dataset:     ds,
		RNG:         rng,
		Train:       trainLoader,
		Valid:       validLoader,
		TestRatings: test,
	}, nil
}

// Run fits the trainer, scores the best checkpoint on the test split in
// both evaluation modes and writes the stratified report. A non-empty
// recListPath additionally exports the top-K lists.
func Run(logger *zap.Logger, cfg *config.Config, tr *trainer.Trainer, data *Data, recListPath string) error {
	best, bestResult, err := tr.Fit(data.Valid, trainer.FitOptions{Saved: true})
	if err != nil {
		return err
	}
	logger.Info("training finished",
		zap.Float64("best_valid_score", best),
		zap.Any("best_valid_result", bestResult))

	// Pretraining runs only write per-epoch snapshots; without a best
	// checkpoint there is nothing to test.
	if _, err := os.Stat(tr.SavedFile()); err != nil {
		logger.Info("no best checkpoint written, skipping test evaluation",
			zap.String("file", tr.SavedFile()))
		return nil
	}

	pointEval, err := dataset.NewPointwiseEval(data.Dataset, data.TestRatings, cfg.EvalBatchSize)
	if err != nil {
		return err
	}
	pointResult, err := tr.Evaluate(pointEval, trainer.EvalOptions{LoadBest: true})
	if err != nil {
		return err
	}
	logger.Info("test result", zap.Any("pointwise", pointResult))

	fullEval, err := dataset.NewFullSortEval(data.Dataset, data.TestRatings, cfg.EvalBatchSize)
	if err != nil {
		return err
	}
	topk := evaluator.NewTopK(cfg.TopK)
	rankResult, err := tr.Evaluate(fullEval, trainer.EvalOptions{
		Collector: func() trainer.Collector { return topk },
	})
	if err != nil {
		return err
	}
	logger.Info("test result", zap.Any("ranking", rankResult))

	if err := reportPopularity(logger, cfg, data, topk); err != nil {
		return err
	}
	if recListPath != "" {
		if err := exportRecList(recListPath, data, fullEval, topk); err != nil {
			return err
		}
		logger.Info("recommendation lists written", zap.String("file", recListPath))
	}
	return nil
}

func reportPopularity(logger *zap.Logger, cfg *config.Config, data *Data, topk *evaluator.TopKCollector) error {
	popularity := data.Dataset.Popularity()
	strata, err := trainer.NewPopularityStrata(popularity, cfg.PopClasses)
	if err != nil {
		return err
	}
	report := trainer.NewPopularityReport(strata)
	for i := range topk.Recs {
		report.CollectUser(strata, popularity, topk.Recs[i], topk.Scores[i], topk.Pos[i])
	}
	report.Finalize()

	logger.Info("popularity strata",
		zap.Float64s("thresholds", report.Thresholds),
		zap.Ints("rec_counts", report.RecCounts),
		zap.Ints("hit_counts", report.HitCounts),
		zap.Float64s("mean_scores", report.MeanScores))
	return nil
}

func exportRecList(path string, data *Data, fullEval *dataset.EvalLoader, topk *evaluator.TopKCollector) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create rec list %s: %w", path, err)
	}

	users := make([]int64, 0, len(topk.Recs))
	for _, fb := range fullEval.FullBatches() {
		users = append(users, fb.Users...)
	}
	if err := trainer.WriteRecList(f, users, topk.Recs, data.Dataset.UserName, data.Dataset.ItemName); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
