package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/anthonyhales/mealie-recipe-crawler/internal/config"
	"github.com/anthonyhales/mealie-recipe-crawler/internal/crawler"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to crawler configuration file")
	seed := flag.String("seed", "", "Seed URL (overrides crawl.seed_url)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *seed != "" {
		cfg.Crawl.SeedURL = *seed
	}

	engine, err := crawler.NewEngine(*cfg, crawler.Shared{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise engine: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runErr := engine.Run(ctx)
	if runErr != nil && runErr != context.Canceled {
		fmt.Fprintf(os.Stderr, "crawler stopped with error: %v\n", runErr)
		os.Exit(1)
	}

	result := struct {
		Snapshot   crawler.Snapshot `json:"snapshot"`
		Candidates []string         `json:"candidates"`
		Pattern    any              `json:"pattern,omitempty"`
	}{
		Snapshot:   engine.Snapshot(),
		Candidates: engine.Candidates(),
	}
	if pattern, ok := engine.Pattern(); ok {
		result.Pattern = pattern
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "encode result: %v\n", err)
		os.Exit(1)
	}
}
