package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cnclabs/recbias/internal/config"
	"github.com/cnclabs/recbias/internal/evaluator"
	"github.com/cnclabs/recbias/internal/experiment"
	"github.com/cnclabs/recbias/internal/models/cause"
	"github.com/cnclabs/recbias/internal/trainer"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	train := flag.String("train", "", "Organic-exposure interactions file (user item rating)")
	uniform := flag.String("uniform", "", "Uniform-exposure interactions file (user item rating)")
	cfPen := flag.Float64("cf_pen", 0.1, "Counterfactual discrepancy penalty")
	recList := flag.String("reclist", "", "Write top-K recommendation lists to this file")
	resume := flag.String("resume", "", "Resume training from this checkpoint")

	flag.Usage = func() {
		fmt.Println("[recbias]")
		fmt.Println("\tCausal embeddings for recommendation - CausE")
		fmt.Println()
		fmt.Println("Options Description:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("./cause -train ratings.txt -uniform uniform.txt -cf_pen 0.1 -reclist rec.tsv")
	}
	flag.Parse()

	logger, err := experiment.NewLogger()
	if err != nil {
		fmt.Printf("Error building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath, config.Overrides{
		Model:       "cause",
		TrainPath:   *train,
		UniformPath: *uniform,
	})
	if err != nil {
		fmt.Printf("Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.TrainPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	data, err := experiment.Load(cfg, logger)
	if err != nil {
		fmt.Printf("Error loading data: %v\n", err)
		os.Exit(1)
	}

	m := cause.New(data.Dataset.UserCount(), data.Dataset.ItemCount(),
		cfg.EmbeddingDim, *cfPen, cfg.TrainStage, data.RNG)
	tr, err := trainer.New(logger, cfg, m, data.Train, func() trainer.Collector {
		return evaluator.NewPointwise()
	})
	if err != nil {
		fmt.Printf("Error building trainer: %v\n", err)
		os.Exit(1)
	}
	if *resume != "" {
		if err := tr.Resume(*resume); err != nil {
			fmt.Printf("Error resuming: %v\n", err)
			os.Exit(1)
		}
	}

	if err := experiment.Run(logger, cfg, tr, data, *recList); err != nil {
		fmt.Printf("Error running experiment: %v\n", err)
		os.Exit(1)
	}
}
