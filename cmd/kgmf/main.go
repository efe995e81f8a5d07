package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cnclabs/recbias/internal/config"
	"github.com/cnclabs/recbias/internal/evaluator"
	"github.com/cnclabs/recbias/internal/experiment"
	"github.com/cnclabs/recbias/internal/models/kgmf"
	"github.com/cnclabs/recbias/internal/trainer"
	"github.com/cnclabs/recbias/pkg/dataset"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	train := flag.String("train", "", "Train interactions file (user item rating)")
	triples := flag.String("kg", "", "Knowledge graph triples file (head relation tail)")
	margin := flag.Float64("margin", 1.0, "Margin for the translation ranking loss")
	style := flag.String("style", "alternate", "Knowledge training style: alternate, joint or interval")
	recList := flag.String("reclist", "", "Write top-K recommendation lists to this file")
	resume := flag.String("resume", "", "Resume training from this checkpoint")

	flag.Usage = func() {
		fmt.Println("[recbias]")
		fmt.Println("\tKnowledge-aware matrix factorization - KGMF")
		fmt.Println()
		fmt.Println("Options Description:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("./kgmf -train ratings.txt -kg triples.txt -style alternate -margin 1.0")
	}
	flag.Parse()

	logger, err := experiment.NewLogger()
	if err != nil {
		fmt.Printf("Error building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath, config.Overrides{
		Model:     "kgmf",
		TrainPath: *train,
		KGPath:    *triples,
	})
	if err != nil {
		fmt.Printf("Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.TrainPath == "" || cfg.KGPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	data, err := experiment.Load(cfg, logger)
	if err != nil {
		fmt.Printf("Error loading data: %v\n", err)
		os.Exit(1)
	}

	kg := dataset.NewKnowledgeGraph()
	kg.SeedEntities(data.Dataset.ItemKeys)
	if err := kg.LoadTriples(cfg.KGPath, logger); err != nil {
		fmt.Printf("Error loading triples: %v\n", err)
		os.Exit(1)
	}
	data.Train.SetKnowledgeGraph(kg)

	m := kgmf.New(data.Dataset.UserCount(), data.Dataset.ItemCount(),
		kg.EntityCount(), kg.RelationCount(), cfg.EmbeddingDim, *margin, data.RNG)

	newCollector := func() trainer.Collector { return evaluator.NewPointwise() }
	var tr *trainer.Trainer
	switch *style {
	case "alternate":
		tr, err = trainer.NewKG(logger, cfg, m, data.Train, newCollector)
	case "joint":
		tr, err = trainer.NewKGAT(logger, cfg, m, data.Train, newCollector)
	case "interval":
		tr, err = trainer.NewMKR(logger, cfg, m, data.Train, newCollector)
	default:
		err = fmt.Errorf("unknown style %q", *style)
	}
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
