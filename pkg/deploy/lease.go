package deploy

import (
	"context"
	"log/slog"
	"time"

	"github.com/vmops/ovfdeploy/pkg/errors"
	"github.com/vmops/ovfdeploy/pkg/vsphere"
)

// DefaultPollInterval is the delay between lease state checks.
const DefaultPollInterval = 100 * time.Millisecond

// LeaseOptions controls how long AwaitReady waits for a lease.
type LeaseOptions struct {
	PollInterval time.Duration
	// Timeout bounds the wait. Zero waits until the lease leaves the initializing state.
	Timeout time.Duration
}

// AwaitReady polls the lease until it is ready and returns its device upload URLs.
func AwaitReady(ctx context.Context, endpoint vsphere.Endpoint, lease vsphere.Handle, opts LeaseOptions) ([]vsphere.DeviceURL, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("lease_wait_start", "lease", lease.String(), "poll_interval", interval, "timeout", opts.Timeout)
	start := time.Now()

	for polls := 1; ; polls++ {
		state, err := endpoint.LeaseState(ctx, lease)
		if err != nil {
			slog.Error("lease_state_failed", "lease", lease.String(), "error", err)
			return nil, errors.E(errors.KindLeaseError, err, "failed to read lease state")
		}

		switch state {
		case vsphere.LeaseReady:
			urls, err := endpoint.LeaseInfo(ctx, lease)
			if err != nil {
				slog.Error("lease_info_failed", "lease", lease.String(), "error", err)
				return nil, errors.E(errors.KindLeaseError, err, "failed to read lease info")
			}
			slog.Info("lease_ready", "lease", lease.String(), "device_urls", len(urls), "polls", polls, "waited", time.Since(start))
			return urls, nil

		case vsphere.LeaseError:
			detail, err := endpoint.LeaseError(ctx, lease)
			if err != nil {
				detail = err.Error()
			}
			slog.Error("lease_error", "lease", lease.String(), "detail", detail)
			return nil, errors.New(errors.KindLeaseError, "failed to get a HTTP NFC lease: "+detail)

		case vsphere.LeaseDone:
			return nil, errors.Newf(errors.KindLeaseError, "lease %s was completed before it became ready", lease)
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "waiting for lease")
		case <-deadline:
			slog.Error("lease_wait_timeout", "lease", lease.String(), "timeout", opts.Timeout, "polls", polls)
			return nil, errors.Newf(errors.KindAbortedTimeout, "lease %s not ready after %s", lease, opts.Timeout)
		case <-ticker.C:
		}
	}
}
