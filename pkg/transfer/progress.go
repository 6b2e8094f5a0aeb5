package transfer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmops/ovfdeploy/pkg/vsphere"
)

// DefaultProgressInterval is how often the async tracker reports to the lease.
const DefaultProgressInterval = 5 * time.Second

// ProgressMode selects how progress reaches the lease.
type ProgressMode int

const (
	// ProgressSync reports inline from the goroutine performing the transfer.
	ProgressSync ProgressMode = iota
	// ProgressAsync reports from a background goroutine on a fixed interval.
	ProgressAsync
)

func (m ProgressMode) String() string {
	if m == ProgressAsync {
		return "async"
	}
	return "sync"
}

// Reporter sends progress percentages to a lease.
type Reporter interface {
	UpdateLeaseProgress(ctx context.Context, lease vsphere.Handle, percent int32) error
}

// Tracker accumulates transferred bytes across all uploads of one deployment.
type Tracker struct {
	total       int64
	transferred atomic.Int64

	lease    vsphere.Handle
	reporter Reporter
	mode     ProgressMode
	interval time.Duration

	// ctx is the deployment context captured by Start, used for inline reports.
	ctx          context.Context
	lastReported atomic.Int32

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	running  bool
}

// TotalDiskBytes sums the sizes of the disk-drive items. Other items, such as ISO
// images, do not count towards the total.
func TotalDiskBytes(items []vsphere.FileItem) int64 {
	var total int64
	for _, item := range items {
		if item.IsDisk() {
			total += item.Size
		}
	}
	return total
}

// NewTracker creates a tracker whose total is fixed from items.
func NewTracker(items []vsphere.FileItem, lease vsphere.Handle, reporter Reporter, mode ProgressMode, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	t := &Tracker{
		total:    TotalDiskBytes(items),
		lease:    lease,
		reporter: reporter,
		mode:     mode,
		interval: interval,
		ctx:      context.Background(),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	t.lastReported.Store(-1)
	return t
}

// Total returns the number of bytes expected.
func (t *Tracker) Total() int64 {
	return t.total
}

// Transferred returns the number of bytes streamed so far.
func (t *Tracker) Transferred() int64 {
	return t.transferred.Load()
}

// Percent returns transferred/total as a percentage in [0, 100].
func (t *Tracker) Percent() int32 {
	if t.total <= 0 {
		return 0
	}
	p := t.transferred.Load() * 100 / t.total
	if p > 100 {
		p = 100
	}
	return int32(p)
}

func (t *Tracker) complete() bool {
	return t.transferred.Load() >= t.total
}

// Start begins reporting. In async mode it launches the background reporter.
func (t *Tracker) Start(ctx context.Context) {
	t.ctx = ctx
	slog.Info("progress_tracker_start", "lease", t.lease.String(), "mode", t.mode.String(), "total_bytes", t.total)

	if t.mode != ProgressAsync || t.reporter == nil {
		close(t.stopped)
		return
	}
	t.running = true
	go t.run(ctx)
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.stopped)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.report(ctx)
			if t.complete() {
				slog.Debug("progress_tracker_all_bytes_reported", "lease", t.lease.String())
				return
			}
		case <-t.done:
			slog.Debug("progress_tracker_shutdown", "lease", t.lease.String())
			return
		case <-ctx.Done():
			return
		}
	}
}

// Add records n more transferred bytes. It is safe for concurrent use.
func (t *Tracker) Add(n int64) {
	if t == nil || n <= 0 {
		return
	}
	t.transferred.Add(n)

	if t.mode == ProgressSync {
		t.reportIfAdvanced(t.ctx)
	}
}

// reportIfAdvanced sends an inline report only when the integer percent has moved
// past the last one sent, so a deployment makes at most 101 progress calls.
func (t *Tracker) reportIfAdvanced(ctx context.Context) {
	if t.reporter == nil || t.total <= 0 {
		return
	}
	p := t.Percent()
	last := t.lastReported.Load()
	if p <= last || !t.lastReported.CompareAndSwap(last, p) {
		return
	}
	t.send(ctx, p)
}

func (t *Tracker) report(ctx context.Context) {
	if t.total <= 0 {
		return
	}
	p := t.Percent()
	t.lastReported.Store(p)
	t.send(ctx, p)
}

func (t *Tracker) send(ctx context.Context, percent int32) {
	if err := t.reporter.UpdateLeaseProgress(ctx, t.lease, percent); err != nil {
		slog.Warn("lease_progress_update_failed", "lease", t.lease.String(), "percent", percent, "error", err)
		return
	}
	slog.Debug("lease_progress_updated", "lease", t.lease.String(), "percent", percent)
}

// Stop ends reporting and waits for the background reporter to exit.
// It is safe to call more than once.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		if t.running {
			<-t.stopped
		}
		slog.Info("progress_tracker_stop", "lease", t.lease.String(),
			"transferred_bytes", t.transferred.Load(), "total_bytes", t.total)
	})
}
