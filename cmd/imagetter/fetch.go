package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/steveb/imagetter/internal/downloader"
	imhttp "github.com/steveb/imagetter/internal/http"
	"github.com/steveb/imagetter/internal/logging"
	"github.com/steveb/imagetter/internal/metrics"
	"github.com/steveb/imagetter/internal/progress"
)

func fetchCommand() *cli.Command {
	flags := append(manifestFlags(),
		&cli.IntFlag{
			Name:    "concurrency",
			Aliases: []string{"c"},
			Usage:   "maximum downloads in flight",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "connect, response header and idle read timeout",
		},
		&cli.StringFlag{
			Name:  "chunk-size",
			Usage: "streaming chunk size, e.g. 1MiB",
		},
		&cli.BoolFlag{
			Name:  "progress",
			Usage: "print periodic progress summaries to stderr",
		},
		&cli.StringFlag{
			Name:  "mirror",
			Usage: "bucket URL to copy verified artifacts to (file://, s3://, gs://)",
		},
		&cli.StringFlag{
			Name:  "metrics-file",
			Usage: "write Prometheus metrics to this textfile after the run",
		},
	)

	return &cli.Command{
		Name:   "fetch",
		Usage:  "download, verify and unpack every artifact in the manifest",
		Flags:  flags,
		Action: runFetch,
	}
}

func runFetch(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	log, err := logging.New("imagetter", cfg.LogLevel, c.App.ErrWriter)
	if err != nil {
		return cli.Exit(err.Error(), ExitInvalidArgs)
	}

	ctx, cancel := signalContext(c.Context, c.App.ErrWriter)
	defer cancel()

	var bucket *blob.Bucket
	if cfg.Mirror != "" {
		bucket, err = blob.OpenBucket(ctx, cfg.Mirror)
		if err != nil {
			return cli.Exit(fmt.Sprintf("open mirror %s: %v", cfg.Mirror, err), ExitStorageError)
		}
		defer bucket.Close()
	}

	// Chunk marks are always written; --progress adds periodic summaries.
	popts := progress.Options{
		TotalTasks: len(cfg.Downloads),
		Workers:    cfg.Workers(),
		Output:     c.App.ErrWriter,
		Marks:      true,
	}
	if cfg.Progress {
		popts.UpdateInterval = 5 * time.Second
	}
	reporter := progress.NewReporter(popts)
	reporter.Start()
	defer reporter.Stop()

	err = downloader.Run(ctx, cfg.Downloads, downloader.Options{
		Target:      cfg.Target,
		Concurrency: cfg.Concurrency,
		ChunkSize:   cfg.ChunkSize,
		HTTPOptions: imhttp.Options{
			MaxIdleConnsPerHost: cfg.Workers() * 2,
			Timeout:             cfg.Timeout,
		},
		Progress:    reporter,
		Metrics:     metrics.New(),
		Log:         log,
		Mirror:      bucket,
		RunID:       runID,
		MetricsFile: cfg.MetricsFile,
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return cli.Exit("fetch interrupted", ExitGeneralError)
		case errors.Is(err, downloader.ErrInvalidTarget):
			return cli.Exit(err.Error(), ExitInvalidTarget)
		case errors.Is(err, downloader.ErrChecksumMismatch):
			return cli.Exit(err.Error(), ExitChecksumMismatch)
		default:
			return cli.Exit(err.Error(), ExitGeneralError)
		}
	}

	log.Infof("run %s: %d artifacts in place under %s", runID, len(cfg.Downloads), cfg.Target)
	return nil
}
