package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Options configures the progress reporter.
type Options struct {
	// TotalTasks is the number of artifacts in the run.
	TotalTasks int

	// Workers is the number of parallel workers.
	Workers int

	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// UpdateInterval is how often to print a summary line.
	// Zero disables summary lines.
	UpdateInterval time.Duration

	// Marks writes a "." for every chunk received.
	Marks bool
}

// Reporter outputs human-readable progress information.
// All methods are safe on a nil *Reporter.
type Reporter struct {
	opts Options

	mu             sync.Mutex
	completedBytes atomic.Int64
	chunks         atomic.Int64
	completed      atomic.Int32
	skipped        atomic.Int32
	failed         atomic.Int32
	inProgress     atomic.Int32
	startTime      time.Time
	lastUpdate     time.Time
	lastBytes      int64
	stopCh         chan struct{}
	loopDone       chan struct{}
	started        bool
	stopped        bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	return &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
	}
}

// Start prints the header and begins periodic summaries.
func (r *Reporter) Start() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.startTime = time.Now()
	r.lastUpdate = r.startTime

	fmt.Fprintf(r.opts.Output, "[imagetter] Fetching %d artifacts with %d workers\n", r.opts.TotalTasks, r.opts.Workers)

	if r.opts.UpdateInterval > 0 {
		r.loopDone = make(chan struct{})
		go r.updateLoop()
	}
}

// Stop stops the reporter and prints the final status.
// It returns once the final status has been written.
func (r *Reporter) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.stopped || !r.started {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	loopDone := r.loopDone
	r.mu.Unlock()

	close(r.stopCh)
	if loopDone != nil {
		<-loopDone
		return
	}
	r.printFinalStatus()
}

// TaskStarted marks a task as in progress.
func (r *Reporter) TaskStarted() {
	if r == nil {
		return
	}
	r.inProgress.Add(1)
}

// Chunk records one received chunk of n bytes.
func (r *Reporter) Chunk(n int) {
	if r == nil {
		return
	}
	r.completedBytes.Add(int64(n))
	r.chunks.Add(1)
	if r.opts.Marks {
		r.mu.Lock()
		io.WriteString(r.opts.Output, ".")
		r.mu.Unlock()
	}
}

// TaskCompleted marks a task as downloaded.
func (r *Reporter) TaskCompleted() {
	if r == nil {
		return
	}
	r.completed.Add(1)
	r.inProgress.Add(-1)
}

// TaskSkipped marks a task whose existing file was kept.
func (r *Reporter) TaskSkipped() {
	if r == nil {
		return
	}
	r.skipped.Add(1)
	r.inProgress.Add(-1)
}

// TaskFailed marks a task as failed (removes from in-progress).
func (r *Reporter) TaskFailed() {
	if r == nil {
		return
	}
	r.failed.Add(1)
	r.inProgress.Add(-1)
}

// updateLoop periodically updates the progress display.
func (r *Reporter) updateLoop() {
	defer close(r.loopDone)
	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

// printProgress outputs the current progress.
func (r *Reporter) printProgress() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	completed := r.completedBytes.Load()

	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	speed := float64(completed-r.lastBytes) / elapsed

	r.lastUpdate = now
	r.lastBytes = completed

	done := int(r.completed.Load() + r.skipped.Load() + r.failed.Load())
	fmt.Fprintf(r.opts.Output, "\n[imagetter] Progress: %d/%d done | %d skipped | %d failed | %d active | %s in %s chunks | %s/s\n",
		done,
		r.opts.TotalTasks,
		r.skipped.Load(),
		r.failed.Load(),
		r.inProgress.Load(),
		FormatBytes(completed),
		humanize.Comma(r.chunks.Load()),
		FormatBytes(int64(speed)),
	)
}

// printFinalStatus outputs the final status.
func (r *Reporter) printFinalStatus() {
	r.mu.Lock()
	defer r.mu.Unlock()

	completed := r.completedBytes.Load()
	duration := time.Since(r.startTime)
	avgSpeed := float64(completed) / duration.Seconds()

	fmt.Fprintf(r.opts.Output, "\n[imagetter] Finished: %d done | %d skipped | %d failed | %s in %s chunks, %s (%s/s)\n",
		r.completed.Load(),
		r.skipped.Load(),
		r.failed.Load(),
		FormatBytes(completed),
		humanize.Comma(r.chunks.Load()),
		formatDuration(duration),
		FormatBytes(int64(avgSpeed)),
	)
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes formats bytes with IEC units, e.g. "1.5 KiB".
func FormatBytes(b int64) string {
	if b < 0 {
		b = 0
	}
	return humanize.IBytes(uint64(b))
}

// ParseBytes parses a human-readable byte string such as "256MiB" or "1MB".
func ParseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte string %q: %w", s, err)
	}
	return int64(n), nil
}
