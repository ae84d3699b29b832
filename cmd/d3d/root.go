package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/paulgrammer/d3d/internal/config"
	"github.com/paulgrammer/d3d/internal/console"
	"github.com/paulgrammer/d3d/internal/dalle"
	"github.com/paulgrammer/d3d/internal/executor"
	"github.com/paulgrammer/d3d/internal/httpapi"
	"github.com/paulgrammer/d3d/internal/imagewriter"
	"github.com/paulgrammer/d3d/internal/jobs"
	"github.com/paulgrammer/d3d/internal/storage"
	"github.com/paulgrammer/d3d/internal/webhook"
)

// errJobFailed makes a one-shot run exit non-zero without printing usage.
var errJobFailed = errors.New("job failed")

type rootOptions struct {
	prompt string
	count  int
	size   string
}

func newRootCmd() *cobra.Command {
	var opts rootOptions
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "d3d",
		Short: "Generate images from text prompts and save them with the prompts embedded",
		Long: "d3d submits prompts to the image generation API and saves every result as a PNG\n" +
			"carrying the original and revised prompt. Without --prompt it asks for jobs\n" +
			"interactively and runs them in the background.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			err = run(cmd.Context(), cfg, opts, os.Stdin, cmd.OutOrStdout())
			if err != nil && !errors.Is(err, errJobFailed) {
				slog.Error("d3d failed", "error", err)
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.prompt, "prompt", "", "prompt for a single non-interactive job")
	flags.IntVarP(&opts.count, "number_of_images", "n", 1, "number of images for --prompt")
	flags.StringVar(&opts.size, "pic_size", "s", "size of the images (s for standard, l for landscape, p for portrait)")
	flags.Int("timeout", 0, "idle timeout in seconds for the interactive prompt (0 disables)")
	flags.String("output", "", "output directory")
	flags.String("listen", "", "address of the job status server, e.g. :8080")
	_ = v.BindPFlag("idle_timeout_sec", flags.Lookup("timeout"))
	_ = v.BindPFlag("output_dir", flags.Lookup("output"))
	_ = v.BindPFlag("status_addr", flags.Lookup("listen"))

	cmd.AddCommand(newInspectCmd())
	return cmd
}

// run wires every component from cfg. writerOpts are passed to the image
// writer.
func run(parent context.Context, cfg *config.Config, opts rootOptions, in io.Reader, out io.Writer, writerOpts ...imagewriter.Option) error {
	sessionID := setupLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg.Output)
	if err != nil {
		return err
	}

	client := dalle.NewClient(cfg.API.Key, cfg.API.Timeout,
		dalle.WithBaseURL(cfg.API.BaseURL),
		dalle.WithModel(cfg.API.Model),
	)
	runner := executor.NewRunner(client, imagewriter.New(store, writerOpts...),
		executor.WithMaxImages(cfg.Jobs.MaxImages),
		executor.WithQuality(cfg.Jobs.Quality),
		executor.WithUseRevised(cfg.Jobs.UseRevised),
		executor.WithUnitInterval(cfg.Jobs.UnitInterval),
	)

	streamer := jobs.NewEventStreamer()
	managerOpts := []jobs.ManagerOption{
		jobs.WithSessionID(sessionID),
		jobs.WithStreamer(streamer),
		jobs.WithObserver(executor.ObserverFunc(func(e executor.Event) {
			if e.Kind == executor.EventUnableToGetImage {
				fmt.Fprintln(out, "Unable to get Image")
			}
		})),
		jobs.WithOnFinish(func(j jobs.Job) {
			reportFinished(out, j)
		}),
	}
	if cfg.Webhook.URL != "" {
		sender := webhook.NewHTTPSender(cfg.Webhook.Timeout, cfg.Webhook.MaxRetries)
		managerOpts = append(managerOpts, jobs.WithWebhook(sender, cfg.Webhook.URL))
	}

	manager, err := jobs.NewManager(ctx, runner, jobs.NewCacheStore(cfg.Jobs.Retention), managerOpts...)
	if err != nil {
		return err
	}

	if cfg.Status.Addr != "" {
		srv, err := httpapi.Listen(cfg.Status.Addr, httpapi.NewRouter(manager, streamer))
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		go srv.Serve()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("status server shutdown error", "error", err)
			}
		}()
	}

	slog.Info("d3d started", "model", client.Model(), "max_images", cfg.Jobs.MaxImages, "output", cfg.Output.Dir)

	if opts.prompt != "" {
		return runOnce(manager, opts, out)
	}

	console.New(in, out, manager,
		console.WithIdleTimeout(cfg.IdleTimeout),
		console.WithMaxImages(cfg.Jobs.MaxImages),
	).Run()
	manager.Shutdown()
	fmt.Fprintln(out, "All jobs completed. Exiting...")
	return nil
}

// runOnce submits a single job and waits for it. A signal still stops it at
// the next unit.
func runOnce(manager *jobs.Manager, opts rootOptions, out io.Writer) error {
	id, err := manager.Submit(jobs.CreateJobRequest{
		Prompt: opts.prompt,
		Count:  opts.count,
		Size:   opts.size,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Job %d is now running.\n", id)
	manager.Drain()
	fmt.Fprintln(out, "All jobs completed. Exiting...")

	if job, ok := manager.Get(id); ok && job.Status == jobs.JobStatusFailed {
		return errJobFailed
	}
	return nil
}

func newStore(ctx context.Context, cfg config.OutputConfig) (storage.Store, error) {
	if cfg.S3.Bucket == "" {
		return storage.NewFileStore(cfg.Dir)
	}
	return storage.NewS3Store(ctx, storage.S3Config{
		Bucket:          cfg.S3.Bucket,
		Prefix:          cfg.S3.Prefix,
		Region:          cfg.S3.Region,
		Endpoint:        cfg.S3.Endpoint,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
	})
}

func reportFinished(out io.Writer, j jobs.Job) {
	switch j.Status {
	case jobs.JobStatusCompleted:
		fmt.Fprintf(out, "JOB %d Completed \n --->\n", j.ID)
	case jobs.JobStatusStopped:
		fmt.Fprintf(out, "JOB %d Stopped (%d images saved)\n", j.ID, len(j.Files))
	default:
		fmt.Fprintf(out, "JOB %d Failed: %s\n", j.ID, j.Error)
	}
}
