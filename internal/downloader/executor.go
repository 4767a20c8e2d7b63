package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/steveb/imagetter/internal/checksum"
	imhttp "github.com/steveb/imagetter/internal/http"
	"github.com/steveb/imagetter/internal/metrics"
	"github.com/steveb/imagetter/internal/progress"
	"github.com/steveb/imagetter/internal/task"
	"github.com/steveb/imagetter/internal/unpack"
)

// Executor runs tasks against one shared HTTP client.
type Executor struct {
	opts   Options
	client *imhttp.Client
}

// NewExecutor creates an Executor. Zero-valued options get defaults.
func NewExecutor(opts Options) *Executor {
	opts.applyDefaults()
	return &Executor{
		opts:   opts,
		client: imhttp.NewClient(opts.HTTPOptions),
	}
}

// Execute fetches, verifies, unpacks and mirrors one task.
func (e *Executor) Execute(ctx context.Context, t *task.Task) error {
	start := time.Now()
	e.opts.Progress.TaskStarted()

	result, err := e.execute(ctx, t)
	e.opts.Metrics.TaskDone(result, time.Since(start).Seconds())

	switch result {
	case metrics.ResultFailed:
		e.opts.Progress.TaskFailed()
		e.opts.Log.Errorf("%s: %v", t.URL, err)
		return fmt.Errorf("%s: %w", t.URL, err)
	case metrics.ResultSkipped:
		e.opts.Progress.TaskSkipped()
	default:
		e.opts.Progress.TaskCompleted()
	}
	return nil
}

func (e *Executor) execute(ctx context.Context, t *task.Task) (string, error) {
	if err := ctx.Err(); err != nil {
		return metrics.ResultFailed, err
	}

	d, err := Decide(t, e.opts.Target, int(e.opts.ChunkSize), e.opts.Log)
	if err != nil {
		return metrics.ResultFailed, err
	}

	result := metrics.ResultSkipped
	var sum string
	if d.Download {
		sum, err = e.download(ctx, t, d.Path)
		if err != nil {
			return metrics.ResultFailed, err
		}
		result = metrics.ResultDownloaded
	} else {
		e.opts.Log.Infof("%s: keeping %s", t.URL, d.Path)
	}

	if len(t.Unpack) > 0 {
		out, err := unpack.Chain(d.Path, t.Unpack)
		if err != nil {
			return metrics.ResultFailed, fmt.Errorf("unpack: %w", err)
		}
		e.opts.Log.Infof("%s: unpacked to %s", t.URL, out)
	}

	if e.opts.Mirror != nil {
		if err := e.mirror(ctx, t, d.Path, sum); err != nil {
			return metrics.ResultFailed, err
		}
	}

	return result, nil
}

// download streams t.URL to path in chunks, hashing as it writes, and checks
// the result against the task's checksum if one is known. On mismatch the
// file is kept. It returns the hex digest.
func (e *Executor) download(ctx context.Context, t *task.Task, path string) (sum string, err error) {
	digest, err := checksum.NewDigest(t.Algorithm())
	if err != nil {
		return "", err
	}

	e.opts.Log.Infof("%s: downloading to %s", t.URL, path)

	resp, err := e.client.Get(ctx, t.URL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()

	buf := make([]byte, e.opts.ChunkSize)
	var written int64
	for {
		n, rerr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			digest.Write(buf[:n])
			if _, werr := f.Write(buf[:n]); werr != nil {
				return "", fmt.Errorf("write %s: %w", path, werr)
			}
			written += int64(n)
			e.opts.Progress.Chunk(n)
			e.opts.Metrics.Bytes(n)
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return "", fmt.Errorf("read %s: %w", t.URL, rerr)
		}
	}

	sum = digest.Sum()
	if t.HasChecksum() && !checksum.Equal(t.Checksum, sum) {
		return "", &ChecksumMismatchError{Path: path, Expected: t.Checksum, Actual: sum}
	}

	e.opts.Log.Infof("%s: downloaded %s, %s %s", t.URL, progress.FormatBytes(written), t.Algorithm(), sum)
	return sum, nil
}

// discover fetches t's checksum listing and records the matching checksum.
func (e *Executor) discover(ctx context.Context, t *task.Task) error {
	name, err := t.Filename()
	if err != nil {
		e.opts.Metrics.Discovery(metrics.DiscoveryError)
		return err
	}

	resp, err := e.client.Get(ctx, t.ChecksumURL)
	if err != nil {
		e.opts.Metrics.Discovery(metrics.DiscoveryError)
		return fmt.Errorf("fetch checksum listing: %w", err)
	}
	defer resp.Body.Close()

	sum, err := checksum.Match(resp.Body, name)
	if err != nil {
		if errors.Is(err, checksum.ErrNotFound) {
			e.opts.Metrics.Discovery(metrics.DiscoveryMiss)
		} else {
			e.opts.Metrics.Discovery(metrics.DiscoveryError)
		}
		return fmt.Errorf("%s: %w", t.ChecksumURL, err)
	}

	e.opts.Metrics.Discovery(metrics.DiscoveryFound)
	e.opts.Log.Infof("%s: found checksum %s in %s", t.URL, sum, t.ChecksumURL)
	t.Checksum = sum
	return nil
}
