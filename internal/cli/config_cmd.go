package cli

import (
	"fmt"
	"os"
	"runtime"

	"asterism/internal/config"
	"asterism/internal/pattern"
)

func (r *Root) configShow() error {
	fmt.Printf("Current configuration:\n")
	cfgPath := os.Getenv("ASTERISM_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/asterism/config.json"
	}
	fmt.Printf("Config file: %s\n", cfgPath)
	fmt.Printf("\nSolver:\n")
	fmt.Printf("  Base URL: %s\n", r.cfg.Solver.BaseURL)
	fmt.Printf("  API key set: %t\n", r.cfg.Solver.APIKey != "")
	fmt.Printf("  HTTP timeout: %ds\n", r.cfg.Solver.HTTPTimeoutSec)
	fmt.Printf("  Poll interval: %ds\n", r.cfg.Solver.PollIntervalSec)
	fmt.Printf("  Poll timeout: %ds\n", r.cfg.Solver.PollTimeoutSec)
	fmt.Printf("  Max poll attempts: %d\n", r.cfg.Solver.MaxPollAttempts)
	fmt.Printf("\nDetector:\n")
	fmt.Printf("  Threshold: %d\n", r.cfg.Detector.Threshold)
	fmt.Printf("  Region size: %d-%d px\n", r.cfg.Detector.MinRegionSize, r.cfg.Detector.MaxRegionSize)
	fmt.Printf("  Max stars: %d\n", r.cfg.Detector.MaxStars)
	fmt.Printf("\nMatcher:\n")
	fmt.Printf("  Strategy: %s\n", r.cfg.Matcher.Strategy)
	fmt.Printf("  Tolerance: %.3f\n", r.cfg.Matcher.Tolerance)
	fmt.Printf("  Combination budget: %d\n", r.cfg.Matcher.MaxCombinations)
	fmt.Printf("\nProcessing:\n")
	fmt.Printf("  Parallel jobs: %d\n", r.cfg.Processing.ParallelJobs)
	fmt.Printf("  Temp directory: %s\n", r.cfg.Processing.TempDir)
	fmt.Printf("\nPaths:\n")
	fmt.Printf("  Database: %s\n", r.cfg.Paths.DatabasePath)
	fmt.Printf("  Default output: %s\n", r.cfg.Paths.DefaultOutput)
	fmt.Printf("\nServer:\n")
	fmt.Printf("  Port: %d\n", r.cfg.Server.Port)
	fmt.Printf("  Upload directory: %s\n", r.cfg.Server.UploadDir)
	fmt.Printf("\nLogging:\n")
	fmt.Printf("  Level: %s\n", r.cfg.Logging.Level)
	fmt.Printf("  Format: %s\n", r.cfg.Logging.Format)
	return nil
}

func (r *Root) configInit() error {
	path, err := config.Save(r.cfg)
	if err != nil {
		return err
	}
	fmt.Printf("Wrote configuration to %s\n", path)
	return nil
}

func (r *Root) configValidate() error {
	problems := r.cfg.Validate()
	if len(problems) == 0 {
		fmt.Println("Configuration is valid")
		return nil
	}
	for _, p := range problems {
		fmt.Printf("  - %s\n", p)
	}
	return fmt.Errorf("configuration has %d problem(s)", len(problems))
}

func (r *Root) cmdVersion() error {
	fmt.Printf("Asterism v1.0.0-dev\n")
	fmt.Printf("Built with Go %s\n", runtime.Version())
	fmt.Printf("Pattern matchers:\n")
	reg := pattern.NewRegistry(r.cfg.Matcher)
	selected := ""
	if m := reg.Select(); m != nil {
		selected = m.Name()
	}
	for _, name := range reg.Matchers() {
		marker := " "
		if name == selected {
			marker = "*"
		}
		fmt.Printf("  %s %s\n", marker, name)
	}
	return nil
}
