package pipeline

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"log/slog"

	"asterism/internal/astrometry"
	"asterism/internal/config"
	"asterism/internal/constellation"
	"asterism/internal/detect"
	"asterism/internal/logging"
	"asterism/internal/pattern"
	"asterism/internal/report"
	"asterism/internal/skymap"
	"asterism/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log       *slog.Logger
	store     *storage.Store
	cfg       *config.Config
	detector  starDetector
	newSolver solverFactory
	locator   constellation.Locator
	matcher   pattern.Matcher
	reporter  resultReporter
}

// starDetector finds star centroids in an image.
type starDetector interface {
	Detect(img image.Image) []detect.Star
}

// plateSolver submits an image to a remote solver and reports the outcome.
type plateSolver interface {
	Solve(ctx context.Context, imageName string, imageBytes []byte) astrometry.SolveResult
}

// solverFactory builds a fresh solver per job. The solver carries session
// state across its phases, so concurrent workers must never share one.
type solverFactory func(cfg config.SolverConfig) plateSolver

// resultReporter writes the overlay image and summary file for a run.
type resultReporter interface {
	Write(img image.Image, stars []detect.Star, sum report.RunSummary, basePath string) (report.Paths, error)
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) Processor {
	reg := pattern.NewRegistry(cfg.Matcher)
	return &router{
		log:      logger,
		store:    store,
		cfg:      cfg,
		detector: detect.NewDetector(cfg.Detector),
		newSolver: func(sc config.SolverConfig) plateSolver {
			return astrometry.NewClient(sc, logger)
		},
		locator:  constellation.NearestCenterLocator{},
		matcher:  reg.Select(),
		reporter: report.Writer{},
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobIdentify:
		return r.handleIdentify(ctx, job)
	case JobSolve:
		return r.handleSolve(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// handleIdentify runs the full identification flow. A failed or unsolved
// plate solve never fails the job: the flow falls through to template
// pattern matching, and when that also finds nothing the outcome is
// "Unknown". Only an unreadable input image is a job error.
func (r *router) handleIdentify(ctx context.Context, job Job) Result {
	start := time.Now()

	img, err := detect.LoadImage(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	width := img.Bounds().Dx()
	height := img.Bounds().Dy()

	stars := r.detectorFor(job).Detect(img)
	logging.LogProcessingStep(r.log, job.ID, "detect", "done", map[string]any{"stars": len(stars)})

	meta := map[string]any{
		"stars":  len(stars),
		"width":  width,
		"height": height,
	}
	sum := report.RunSummary{
		JobID:  job.ID,
		Image:  job.InputPath,
		Width:  width,
		Height: height,
		Stars:  len(stars),
	}

	imageBytes, err := os.ReadFile(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: &detect.ReadError{Path: job.InputPath, Err: err}}
	}

	solver := r.newSolver(r.solverConfigFor(job))
	solveRes := solver.Solve(ctx, filepath.Base(job.InputPath), imageBytes)

	identified := false
	if solveRes.Solved {
		logging.LogProcessingStep(r.log, job.ID, "solve", "solved", map[string]any{
			"ra":       solveRes.Calibration.CenterRA,
			"dec":      solveRes.Calibration.CenterDec,
			"pixscale": solveRes.Calibration.PixelScaleArcsec,
		})
		coords, mapErr := skymap.Map(stars, solveRes.Calibration, width, height)
		if mapErr != nil {
			// Near-pole fields cannot be mapped with the flat
			// approximation; treat like an unsolved field.
			r.log.Warn("coordinate mapping failed, falling back to pattern matching",
				"job", job.ID, "error", mapErr)
			meta["map_error"] = mapErr.Error()
		} else {
			name, vote, idErr := constellation.Identify(coords, r.locator)
			if idErr != nil {
				r.log.Warn("constellation lookup failed, falling back to pattern matching",
					"job", job.ID, "error", idErr)
				meta["identify_error"] = idErr.Error()
			} else {
				identified = true
				sum.Method = "solver"
				sum.Votes = vote.Counts()
				sum.Constellation = name
				if sum.Constellation == "" {
					sum.Constellation = "Unknown"
				}
			}
		}
	} else {
		sum.SolveFailure = string(solveRes.Failure)
		meta["solve_failure"] = string(solveRes.Failure)
		logging.LogProcessingStep(r.log, job.ID, "solve", "failed", map[string]any{
			"kind": string(solveRes.Failure),
		})
	}

	if !identified {
		m := r.matcher.Match(stars, width, height)
		if m.Matched {
			sum.Method = "pattern"
			sum.Constellation = m.Name
			sum.Pairs = m.Pairs
			logging.LogProcessingStep(r.log, job.ID, "pattern", "matched", map[string]any{
				"constellation": m.Name,
				"matcher":       r.matcher.Name(),
			})
		} else {
			sum.Method = "none"
			sum.Constellation = "Unknown"
			logging.LogProcessingStep(r.log, job.ID, "pattern", "no-match", map[string]any{
				"matcher": r.matcher.Name(),
			})
		}
	}

	meta["method"] = sum.Method
	meta["constellation"] = sum.Constellation
	if len(sum.Votes) > 0 {
		meta["votes"] = sum.Votes
	}
	if len(sum.Pairs) > 0 {
		meta["pairs"] = len(sum.Pairs)
	}

	sum.DurationMS = time.Since(start).Milliseconds()
	if !getBoolOption(job.Options, "noReport") {
		base := job.Output
		if base == "" {
			base = report.BasePath(job.InputPath)
		}
		paths, repErr := r.reporter.Write(img, stars, sum, base)
		if repErr != nil {
			r.log.Warn("report writing failed", "job", job.ID, "error", repErr)
		} else {
			meta["overlay"] = paths.Overlay
			meta["summary"] = paths.Summary
		}
	}

	return Result{Job: job, Meta: meta}
}

// handleSolve runs only the plate solver. Solver failures are reported
// through Meta rather than as a job error, so a rejected or timed out
// solve still completes the job with the failure kind attached.
func (r *router) handleSolve(ctx context.Context, job Job) Result {
	imageBytes, err := os.ReadFile(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: &detect.ReadError{Path: job.InputPath, Err: err}}
	}

	solver := r.newSolver(r.solverConfigFor(job))
	res := solver.Solve(ctx, filepath.Base(job.InputPath), imageBytes)

	meta := map[string]any{}
	if res.Solved {
		meta["method"] = "solver"
		meta["ra"] = res.Calibration.CenterRA
		meta["dec"] = res.Calibration.CenterDec
		meta["pixscale"] = res.Calibration.PixelScaleArcsec
	} else {
		meta["solve_failure"] = string(res.Failure)
		if res.Err != nil {
			meta["solve_error"] = res.Err.Error()
		}
	}
	return Result{Job: job, Meta: meta}
}

// solverConfigFor copies the configured solver settings and applies
// per-job overrides from the job options.
func (r *router) solverConfigFor(job Job) config.SolverConfig {
	sc := r.cfg.Solver
	if key := getStringOption(job.Options, "apiKey"); key != "" {
		sc.APIKey = key
	}
	if timeout := getIntOption(job.Options, "pollTimeoutSec"); timeout > 0 {
		sc.PollTimeoutSec = timeout
	}
	if attempts := getIntOption(job.Options, "maxPollAttempts"); attempts > 0 {
		sc.MaxPollAttempts = attempts
	}
	return sc
}

// detectorFor returns the shared detector, or a per-job one when the job
// overrides the detection threshold.
func (r *router) detectorFor(job Job) starDetector {
	if threshold := getIntOption(job.Options, "threshold"); threshold > 0 {
		dc := r.cfg.Detector
		dc.Threshold = threshold
		return detect.NewDetector(dc)
	}
	return r.detector
}

// Helper functions to safely extract typed options from job.Options map
func getBoolOption(options map[string]any, key string) bool {
	if val, ok := options[key].(bool); ok {
		return val
	}
	return false
}

func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}

func getIntOption(options map[string]any, key string) int {
	switch val := options[key].(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	}
	return 0
}
