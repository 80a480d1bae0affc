package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"asterism/internal/config"
	"asterism/internal/pipeline"
	"asterism/internal/storage"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	root := NewRoot(pipe, cfg, log, store)

	rootCmd := &cobra.Command{
		Use:   "asterism",
		Short: "Asterism identifies constellations in star field images",
		Long: `Asterism detects stars in astrophotography frames, plate-solves them
against the nova.astrometry.net service and names the constellation in
view. When the solver is unavailable it falls back to matching known
star patterns directly against the detected field.`,
		SilenceUsage: true,
	}

	// These take effect in main before any service is built; they are
	// registered here so cobra accepts and documents them.
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "configuration file path (env ASTERISM_CONFIG)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text, json, traditional")
	pf.String("db", "", "run history database path")

	rootCmd.AddCommand(newIdentifyCmd(root))
	rootCmd.AddCommand(newSolveCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newTemplatesCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newIdentifyCmd(root *Root) *cobra.Command {
	var opts identifyOptions

	cmd := &cobra.Command{
		Use:   "identify [image] [api_key]",
		Short: "Identify the constellation in a star field image",
		Long: `Detect stars in an image, plate-solve it against the remote service and
name the constellation in view. If the solver fails in any phase the
detected field is matched against the built-in patterns instead, so the
command still reports a result.

With a directory as image argument every image below it is processed.
Without an image argument a synthetic demo field is generated and run
through the same flow.

Examples:
  asterism identify night_sky.png MY_API_KEY
  asterism identify frames/ --no-report
  asterism identify`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				opts.Image = args[0]
			}
			if len(args) > 1 && opts.APIKey == "" {
				opts.APIKey = args[1]
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return root.cmdIdentify(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.APIKey, "api-key", "", "astrometry API key (overrides the config)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "report path stem (default: next to the input image)")
	cmd.Flags().IntVar(&opts.Threshold, "threshold", 0, "star detection threshold 1-255 (default from config)")
	cmd.Flags().BoolVar(&opts.NoReport, "no-report", false, "skip writing the overlay and summary files")
	cmd.Flags().IntVar(&opts.PollTimeoutSec, "poll-timeout", 0, "solver poll timeout in seconds (default from config)")
	cmd.Flags().IntVar(&opts.MaxAttempts, "max-attempts", 0, "solver poll attempt cap (default from config)")

	return cmd
}

func newSolveCmd(root *Root) *cobra.Command {
	var opts solveOptions

	cmd := &cobra.Command{
		Use:   "solve <image> [api_key]",
		Short: "Plate-solve an image and print the calibration",
		Long: `Submit an image to the remote plate solver and print the center
coordinates and pixel scale it reports. No constellation lookup or
pattern fallback runs.

Examples:
  asterism solve night_sky.png MY_API_KEY
  asterism solve night_sky.png --poll-timeout 120`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Image = args[0]
			if len(args) > 1 && opts.APIKey == "" {
				opts.APIKey = args[1]
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return root.cmdSolve(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.APIKey, "api-key", "", "astrometry API key (overrides the config)")
	cmd.Flags().IntVar(&opts.PollTimeoutSec, "poll-timeout", 0, "solver poll timeout in seconds (default from config)")
	cmd.Flags().IntVar(&opts.MaxAttempts, "max-attempts", 0, "solver poll attempt cap (default from config)")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		port      int
		uploadDir string
		watchDirs []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the HTTP server exposing image upload, run history and live
result streaming over SSE and WebSocket. Optionally monitor directories
and identify every image that lands in them.

Examples:
  asterism serve --port 8765
  asterism serve --watch /data/incoming`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sc := root.cfg.Server
			if port > 0 {
				sc.Port = port
			}
			if uploadDir != "" {
				sc.UploadDir = uploadDir
			}

			if len(watchDirs) > 0 {
				w, err := root.newWatcher(watchDirs, time.Duration(root.cfg.Watch.DebounceMS)*time.Millisecond, root.log)
				if err != nil {
					return err
				}
				if err := w.Start(); err != nil {
					return err
				}
				defer w.Stop()
				go root.watchLoop(ctx, w.Events, "")
			}

			root.log.Info("starting server",
				"port", sc.Port,
				"upload_dir", sc.UploadDir,
				"watch_dirs", watchDirs,
				"endpoints", []string{"/healthz", "/identify", "/runs", "/stream", "/ws"},
			)
			return root.serveFn(ctx, sc, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default from config)")
	cmd.Flags().StringVar(&uploadDir, "upload-dir", "", "directory for uploaded images (default from config)")
	cmd.Flags().StringSliceVar(&watchDirs, "watch", nil, "directories to monitor for new images")

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		debounceMS int
		apiKey     string
	)

	cmd := &cobra.Command{
		Use:   "watch [directories...]",
		Short: "Monitor directories and identify new images",
		Long: `Watch directories for new or modified images and queue an identify job
for each one. Runs until interrupted. Without arguments the directories
from the config are used.

Examples:
  asterism watch /data/incoming
  asterism watch /data/a /data/b --debounce 500`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return root.cmdWatch(ctx, args, debounceMS, apiKey)
		},
	}

	cmd.Flags().IntVar(&debounceMS, "debounce", 0, "settle time in milliseconds before processing a changed file (default from config)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "astrometry API key for queued jobs (overrides the config)")

	return cmd
}

func newHistoryCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent identification runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdHistory(limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to show")

	return cmd
}

func newTemplatesCmd(root *Root) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List the built-in constellation patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdTemplates(verbose)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "also print the normalized template points")

	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show, validate, or write out the asterism configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the current configuration to disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configInit()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate()
		},
	}

	cmd.AddCommand(showCmd, initCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}
