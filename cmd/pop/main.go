package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cnclabs/recbias/internal/config"
	"github.com/cnclabs/recbias/internal/evaluator"
	"github.com/cnclabs/recbias/internal/experiment"
	"github.com/cnclabs/recbias/internal/models/pop"
	"github.com/cnclabs/recbias/internal/trainer"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	train := flag.String("train", "", "Train interactions file (user item rating)")
	recList := flag.String("reclist", "", "Write top-K recommendation lists to this file")

	flag.Usage = func() {
		fmt.Println("[recbias]")
		fmt.Println("\tPopularity baseline - Pop")
		fmt.Println()
		fmt.Println("Options Description:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("./pop -train ratings.txt -reclist rec.tsv")
	}
	flag.Parse()

	logger, err := experiment.NewLogger()
	if err != nil {
		fmt.Printf("Error building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath, config.Overrides{
		Model:     "pop",
		TrainPath: *train,
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

	m := pop.New(data.Dataset.ItemCount())
	tr, err := trainer.NewTraditional(logger, cfg, m, data.Train, func() trainer.Collector {
		return evaluator.NewPointwise()
	})
	if err != nil {
		fmt.Printf("Error building trainer: %v\n", err)
		os.Exit(1)
	}

	if err := experiment.Run(logger, cfg, tr, data, *recList); err != nil {
		fmt.Printf("Error running experiment: %v\n", err)
		os.Exit(1)
	}
}
