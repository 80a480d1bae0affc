package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"asterism/internal/config"
	"asterism/internal/detect"
	"asterism/internal/fsutil"
	"asterism/internal/pattern"
	"asterism/internal/pipeline"
	"asterism/internal/report"
	"asterism/internal/server"
	"asterism/internal/storage"
	"asterism/internal/watch"

	"github.com/google/uuid"
)

// Demo parameters used when identify runs without an image argument. The
// seed is fixed so repeated demo runs produce the same field.
const (
	demoWidth  = 500
	demoHeight = 500
	demoStars  = 50
	demoSeed   = 42
	demoAPIKey = "dummy"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serveFunc func(ctx context.Context, cfg config.ServerConfig, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

func defaultServe(ctx context.Context, cfg config.ServerConfig, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	if real, ok := pipe.(*pipeline.Pipeline); ok {
		return server.Serve(ctx, cfg, store, real, log)
	}
	return fmt.Errorf("pipeline does not support server operation")
}

type watcherFactory func(dirs []string, debounce time.Duration, logger *slog.Logger) (*watch.Watcher, error)

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline   pipelineClient
	cfg        *config.Config
	log        *slog.Logger
	store      *storage.Store
	serveFn    serveFunc
	newWatcher watcherFactory
}

// NewRoot constructs the CLI root command.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline:   pl,
		cfg:        cfg,
		log:        logger,
		store:      store,
		serveFn:    defaultServe,
		newWatcher: watch.New,
	}
}

// identifyOptions carries the identify command's parsed flags and arguments.
type identifyOptions struct {
	Image          string
	APIKey         string
	Output         string
	Threshold      int
	NoReport       bool
	PollTimeoutSec int
	MaxAttempts    int
}

// cmdIdentify runs the full identification flow for a single image, a
// directory of images, or a generated demo field when no image is given.
// The only error it surfaces from a finished job is an unreadable input
// image; solver failures and unmatched fields are normal outcomes.
func (r *Root) cmdIdentify(ctx context.Context, opts identifyOptions) error {
	image := opts.Image
	apiKey := opts.APIKey
	if image == "" {
		path, err := r.writeDemoField()
		if err != nil {
			return err
		}
		image = path
		if apiKey == "" {
			apiKey = demoAPIKey
		}
		fmt.Fprintf(os.Stdout, "No image given, running generated demo field %s\n", image)
	}

	options := map[string]any{"source": "cli"}
	if apiKey != "" {
		options["apiKey"] = apiKey
	}
	if opts.Threshold > 0 {
		options["threshold"] = opts.Threshold
	}
	if opts.NoReport {
		options["noReport"] = true
	}
	if opts.PollTimeoutSec > 0 {
		options["pollTimeoutSec"] = opts.PollTimeoutSec
	}
	if opts.MaxAttempts > 0 {
		options["maxPollAttempts"] = opts.MaxAttempts
	}

	if info, err := os.Stat(image); err == nil && info.IsDir() {
		return r.identifyDir(ctx, image, opts.Output, options)
	}

	job := pipeline.Job{
		ID:        newID("id"),
		Type:      pipeline.JobIdentify,
		InputPath: image,
		Output:    opts.Output,
		Options:   options,
	}
	res, err := r.enqueueAndCollect(ctx, job)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	r.printIdentifyResult(res)
	return nil
}

// identifyDir queues one identify job per image found under dir. A single
// unreadable file does not abort the batch.
func (r *Root) identifyDir(ctx context.Context, dir, output string, options map[string]any) error {
	files, err := fsutil.ListImages(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintf(os.Stdout, "No images found under %s\n", dir)
		return nil
	}
	for _, f := range files {
		out := ""
		if output != "" {
			stem := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
			out = filepath.Join(output, stem)
		}
		job := pipeline.Job{
			ID:        newID("id"),
			Type:      pipeline.JobIdentify,
			InputPath: f,
			Output:    out,
			Options:   options,
		}
		res, err := r.enqueueAndCollect(ctx, job)
		if err != nil {
			return err
		}
		if res.Error != nil {
			fmt.Fprintf(os.Stdout, "%-40s error: %v\n", filepath.Base(f), res.Error)
			continue
		}
		name, _ := res.Meta["constellation"].(string)
		method, _ := res.Meta["method"].(string)
		fmt.Fprintf(os.Stdout, "%-40s %s (%s)\n", filepath.Base(f), name, method)
	}
	return nil
}

func (r *Root) printIdentifyResult(res pipeline.Result) {
	name, _ := res.Meta["constellation"].(string)
	method, _ := res.Meta["method"].(string)
	fmt.Fprintf(os.Stdout, "Constellation: %s\n", name)
	fmt.Fprintf(os.Stdout, "Method:        %s\n", method)
	if stars, ok := res.Meta["stars"].(int); ok {
		fmt.Fprintf(os.Stdout, "Stars:         %d\n", stars)
	}
	if kind, ok := res.Meta["solve_failure"].(string); ok && kind != "" {
		fmt.Fprintf(os.Stdout, "Solver:        failed (%s)\n", kind)
	}
	if votes, ok := res.Meta["votes"].(map[string]int); ok && len(votes) > 0 {
		parts := make([]string, 0, len(votes))
		for n, c := range votes {
			parts = append(parts, fmt.Sprintf("%s=%d", n, c))
		}
		sort.Strings(parts)
		fmt.Fprintf(os.Stdout, "Votes:         %s\n", strings.Join(parts, " "))
	}
	if overlay, ok := res.Meta["overlay"].(string); ok {
		fmt.Fprintf(os.Stdout, "Overlay:       %s\n", overlay)
	}
	if summary, ok := res.Meta["summary"].(string); ok {
		fmt.Fprintf(os.Stdout, "Summary:       %s\n", summary)
	}
}

// writeDemoField renders a synthetic star field into the temp directory so
// the demo goes through exactly the same path a real image would.
func (r *Root) writeDemoField() (string, error) {
	if err := os.MkdirAll(r.cfg.Processing.TempDir, 0o755); err != nil {
		return "", err
	}
	img := detect.GenerateDemoField(demoWidth, demoHeight, demoStars, demoSeed)
	path := filepath.Join(r.cfg.Processing.TempDir, newID("demo-field")+".png")
	if err := report.WritePNG(path, img); err != nil {
		return "", err
	}
	return path, nil
}

// solveOptions carries the solve command's parsed flags and arguments.
type solveOptions struct {
	Image          string
	APIKey         string
	PollTimeoutSec int
	MaxAttempts    int
}

// cmdSolve runs only the remote plate solver and prints the calibration.
// A failed solve is reported on stdout and is not a command error.
func (r *Root) cmdSolve(ctx context.Context, opts solveOptions) error {
	options := map[string]any{"source": "cli"}
	if opts.APIKey != "" {
		options["apiKey"] = opts.APIKey
	}
	if opts.PollTimeoutSec > 0 {
		options["pollTimeoutSec"] = opts.PollTimeoutSec
	}
	if opts.MaxAttempts > 0 {
		options["maxPollAttempts"] = opts.MaxAttempts
	}

	job := pipeline.Job{
		ID:        newID("solve"),
		Type:      pipeline.JobSolve,
		InputPath: opts.Image,
		Options:   options,
	}
	res, err := r.enqueueAndCollect(ctx, job)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	if kind, ok := res.Meta["solve_failure"].(string); ok && kind != "" {
		fmt.Fprintf(os.Stdout, "Solve failed: %s\n", kind)
		if msg, ok := res.Meta["solve_error"].(string); ok && msg != "" {
			fmt.Fprintf(os.Stdout, "  %s\n", msg)
		}
		return nil
	}
	fmt.Fprintf(os.Stdout, "Solved %s\n", opts.Image)
	fmt.Fprintf(os.Stdout, "  RA:       %.4f deg\n", floatMeta(res.Meta, "ra"))
	fmt.Fprintf(os.Stdout, "  Dec:      %.4f deg\n", floatMeta(res.Meta, "dec"))
	fmt.Fprintf(os.Stdout, "  Pixscale: %.4f arcsec/px\n", floatMeta(res.Meta, "pixscale"))
	return nil
}

// cmdWatch monitors directories and queues an identify job for every new
// or modified image. It runs until the context is cancelled.
func (r *Root) cmdWatch(ctx context.Context, dirs []string, debounceMS int, apiKey string) error {
	if len(dirs) == 0 {
		dirs = r.cfg.Watch.Dirs
	}
	if len(dirs) == 0 {
		return fmt.Errorf("no directories to watch; pass them as arguments or set watch.dirs in the config")
	}
	if debounceMS <= 0 {
		debounceMS = r.cfg.Watch.DebounceMS
	}

	w, err := r.newWatcher(dirs, time.Duration(debounceMS)*time.Millisecond, r.log)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	r.log.Info("watching for new images", "dirs", dirs, "debounce_ms", debounceMS)
	return r.watchLoop(ctx, w.Events, apiKey)
}

func (r *Root) watchLoop(ctx context.Context, events <-chan watch.Event, apiKey string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			options := map[string]any{"source": "watch"}
			if apiKey != "" {
				options["apiKey"] = apiKey
			}
			job := pipeline.Job{
				ID:        newID("watch"),
				Type:      pipeline.JobIdentify,
				InputPath: ev.Path,
				Options:   options,
			}
			if err := r.enqueue(ctx, job); err != nil {
				r.log.Warn("failed to enqueue watched image", "path", ev.Path, "error", err)
				continue
			}
		}
	}
}

// cmdHistory prints the most recent runs from the store.
func (r *Root) cmdHistory(limit int) error {
	recs, err := r.store.RecentRuns(limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(os.Stdout, "No recorded runs")
		return nil
	}
	for _, rec := range recs {
		name := rec.Constellation
		if name == "" {
			name = "-"
		}
		method := rec.Method
		if method == "" {
			method = "-"
		}
		fmt.Fprintf(os.Stdout, "%s  %-8s  %-9s  %-14s  %-8s  %s\n",
			rec.CreatedAt.Format("2006-01-02 15:04:05"),
			rec.JobType, rec.Status, name, method, filepath.Base(rec.InputPath))
	}
	if total, err := r.store.RunCount(); err == nil {
		fmt.Fprintf(os.Stdout, "\n%d of %d runs shown\n", len(recs), total)
	}
	return nil
}

// cmdTemplates lists the built-in constellation patterns.
func (r *Root) cmdTemplates(verbose bool) error {
	for _, tpl := range pattern.Templates() {
		fmt.Fprintf(os.Stdout, "%-12s %d stars\n", tpl.Name, len(tpl.Points))
		if verbose {
			for _, p := range tpl.Points {
				fmt.Fprintf(os.Stdout, "    (%.2f, %.2f)\n", p.X, p.Y)
			}
		}
	}
	return nil
}

// enqueueAndCollect submits a job and blocks until its result arrives.
// The subscription starts before Submit so a fast worker cannot publish
// the result before we are listening.
func (r *Root) enqueueAndCollect(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, nil
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func floatMeta(meta map[string]any, key string) float64 {
	if v, ok := meta[key].(float64); ok {
		return v
	}
	return 0
}
