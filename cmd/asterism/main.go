package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"asterism/internal/cli"
	"asterism/internal/config"
	"asterism/internal/logging"
	"asterism/internal/pipeline"
	"asterism/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := globalFlags(os.Args[1:])
	if v, ok := flags["config"]; ok {
		os.Setenv("ASTERISM_CONFIG", v)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}
	if v, ok := flags["log-level"]; ok {
		cfg.Logging.Level = v
	}
	if v, ok := flags["log-format"]; ok {
		cfg.Logging.Format = v
	}
	if v, ok := flags["db"]; ok {
		cfg.Paths.DatabasePath = v
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		return 1
	}

	// A broken run database degrades history, not identification.
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		log.Warn("run history disabled", "path", cfg.Paths.DatabasePath, "error", err)
		store = nil
	} else {
		defer store.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, log, store, cfg)
	defer pipe.Stop()

	if err := cli.NewRootCmd(cfg, log, store, pipe).Execute(); err != nil {
		return 1
	}
	return 0
}

// globalFlags extracts the root flags that must take effect before any
// service is constructed (config, logging, store). Cobra parses them
// again later for help output and validation.
func globalFlags(args []string) map[string]string {
	known := map[string]bool{"config": true, "log-level": true, "log-format": true, "db": true}
	out := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if !strings.HasPrefix(args[i], "--") {
			continue
		}
		name, val, hasValue := strings.Cut(strings.TrimPrefix(args[i], "--"), "=")
		if !known[name] {
			continue
		}
		if hasValue {
			out[name] = val
		} else if i+1 < len(args) {
			out[name] = args[i+1]
			i++
		}
	}
	return out
}
