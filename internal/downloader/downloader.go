package downloader

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"gocloud.dev/blob"
	"golang.org/x/sync/errgroup"

	imhttp "github.com/steveb/imagetter/internal/http"
	"github.com/steveb/imagetter/internal/logging"
	"github.com/steveb/imagetter/internal/metrics"
	"github.com/steveb/imagetter/internal/progress"
	"github.com/steveb/imagetter/internal/task"
)

// Logger is the leveled logger used by the downloader.
// *logging.Logger from go-logging satisfies it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Options configures a run.
type Options struct {
	// Target is the root directory artifacts are written under.
	// It must already exist.
	Target string

	// Concurrency is the maximum number of tasks in flight per phase.
	// Default: 4
	Concurrency int

	// ChunkSize is the size of each streamed read.
	// Default: 1MiB
	ChunkSize int64

	// HTTPOptions configures the HTTP client.
	HTTPOptions imhttp.Options

	// Progress is an optional progress reporter.
	Progress *progress.Reporter

	// Metrics is an optional metrics recorder.
	Metrics *metrics.Metrics

	// Log receives all log output. Default: discard.
	Log Logger

	// Mirror is an optional bucket that receives a copy of every artifact.
	Mirror *blob.Bucket

	// RunID identifies the run in logs and mirror metadata.
	RunID string

	// MetricsFile, when set, receives a Prometheus textfile after the run.
	MetricsFile string
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1024 * 1024
	}
	if o.HTTPOptions.MaxIdleConnsPerHost == 0 {
		o.HTTPOptions.MaxIdleConnsPerHost = imhttp.DefaultOptions().MaxIdleConnsPerHost
	}
	if o.Log == nil {
		o.Log = logging.Discard("imagetter")
	}
	if o.Metrics == nil && o.MetricsFile != "" {
		o.Metrics = metrics.New()
	}
}

// workers returns min(n, concurrency), at least one.
func (o *Options) workers(n int) int {
	w := o.Concurrency
	if n < w {
		w = n
	}
	if w < 1 {
		w = 1
	}
	return w
}

// Run checks the target, discovers missing checksums, then fetches every task.
//
// Discovery failures are logged and never fail the run. Every task is given
// the chance to finish; the first task error in completion order is returned.
func Run(ctx context.Context, tasks []*task.Task, opts Options) error {
	e := NewExecutor(opts)

	if err := CheckTarget(e.opts.Target); err != nil {
		return err
	}

	e.opts.Log.Infof("run %s: %d artifacts into %s, %d workers", e.opts.RunID, len(tasks), e.opts.Target, e.opts.workers(len(tasks)))

	if err := e.Discover(ctx, tasks); err != nil {
		e.opts.Log.Warningf("checksum discovery: %v", err)
	}

	err := e.Fetch(ctx, tasks)

	if e.opts.MetricsFile != "" {
		if werr := e.opts.Metrics.WriteTextfile(e.opts.MetricsFile); werr != nil {
			e.opts.Log.Errorf("write metrics to %s: %v", e.opts.MetricsFile, werr)
			if err == nil {
				err = fmt.Errorf("write metrics: %w", werr)
			}
		}
	}

	return err
}

// Discover fills in the checksum of every task that has a checksum URL and no
// declared checksum. Lookups run concurrently. A failed lookup leaves the task
// without a checksum; all failures are returned together and are not fatal.
func (e *Executor) Discover(ctx context.Context, tasks []*task.Task) error {
	var pending []*task.Task
	for _, t := range tasks {
		switch {
		case t.ChecksumURL == "":
		case t.HasChecksum():
			e.opts.Log.Debugf("%s: declared checksum, skipping %s", t.URL, t.ChecksumURL)
		default:
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		result *multierror.Error
	)

	var g errgroup.Group
	g.SetLimit(e.opts.workers(len(pending)))

	for _, t := range pending {
		g.Go(func() error {
			if err := e.discover(ctx, t); err != nil {
				e.opts.Log.Warningf("%s: %v", t.URL, err)
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return result.ErrorOrNil()
}

// Fetch executes every task with bounded concurrency. Tasks do not cancel one
// another; the first error in completion order is returned once all settle.
func (e *Executor) Fetch(ctx context.Context, tasks []*task.Task) error {
	var g errgroup.Group
	g.SetLimit(e.opts.workers(len(tasks)))

	for _, t := range tasks {
		g.Go(func() error {
			return e.Execute(ctx, t)
		})
	}

	return g.Wait()
}
