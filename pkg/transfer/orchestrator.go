// Package transfer streams template payloads to the upload URLs of a lease.
package transfer

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/vmops/ovfdeploy/pkg/errors"
	"github.com/vmops/ovfdeploy/pkg/template"
	"github.com/vmops/ovfdeploy/pkg/vsphere"
)

// DefaultWorkers bounds concurrent uploads when no limit is configured.
const DefaultWorkers = 4

// Mode selects how tasks are executed.
type Mode string

const (
	Sequential Mode = "sequential"
	Concurrent Mode = "concurrent"
)

// SourceOpener opens the payload stream for a file item path.
type SourceOpener interface {
	OpenSource(name string) (template.Source, error)
}

// Plan builds one task per device URL whose import key matches the first file item with
// that device id. URLs without a matching item are skipped. If any payload cannot be
// opened, the payloads opened so far are closed and the error is returned.
func Plan(opener SourceOpener, items []vsphere.FileItem, urls []vsphere.DeviceURL, tracker *Tracker) ([]*Task, error) {
	byDevice := make(map[string]vsphere.FileItem, len(items))
	for _, item := range items {
		// first item wins for duplicate device ids
		if _, ok := byDevice[item.DeviceID]; !ok {
			byDevice[item.DeviceID] = item
		}
	}

	tasks := make([]*Task, 0, len(urls))
	for _, du := range urls {
		item, ok := byDevice[du.ImportKey]
		if !ok {
			slog.Warn("device_url_unmatched", "key", du.Key, "import_key", du.ImportKey)
			continue
		}

		src, err := opener.OpenSource(item.Path)
		if err != nil {
			for _, task := range tasks {
				task.discard()
			}
			return nil, err
		}

		tasks = append(tasks, NewTask(src, DeviceUpload{
			Key:       du.Key,
			ImportKey: du.ImportKey,
			URL:       du.URL,
			Create:    item.Create,
		}, tracker))
	}

	slog.Debug("transfer_plan", "tasks", len(tasks), "device_urls", len(urls), "file_items", len(items))
	return tasks, nil
}

// Orchestrator runs transfer tasks.
type Orchestrator struct {
	uploader Uploader
	mode     Mode
	workers  int
}

// NewOrchestrator creates an orchestrator. workers only applies in concurrent mode.
func NewOrchestrator(u Uploader, mode Mode, workers int) *Orchestrator {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if mode == "" {
		mode = Sequential
	}
	return &Orchestrator{uploader: u, mode: mode, workers: workers}
}

// Mode returns the execution mode.
func (o *Orchestrator) Mode() Mode { return o.mode }

// Run executes tasks and returns the first failure. Every task's payload is closed
// before Run returns, including tasks that never started.
func (o *Orchestrator) Run(ctx context.Context, tasks []*Task) error {
	slog.Info("transfer_run", "mode", string(o.mode), "tasks", len(tasks), "workers", o.workers)

	switch o.mode {
	case Sequential:
		return o.runSequential(ctx, tasks)
	case Concurrent:
		return o.runConcurrent(ctx, tasks)
	default:
		for _, task := range tasks {
			task.discard()
		}
		return errors.Newf(errors.KindTransferFailed, "unknown transfer mode %q", o.mode)
	}
}

func (o *Orchestrator) runSequential(ctx context.Context, tasks []*Task) error {
	for i, task := range tasks {
		if err := task.Run(ctx, o.uploader); err != nil {
			for _, rest := range tasks[i+1:] {
				rest.discard()
			}
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runConcurrent(ctx context.Context, tasks []*Task) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)

	for _, task := range tasks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				task.discard()
				return fmt.Errorf("upload of %s not started: %w", task.payload.Name(), err)
			}
			return task.Run(gctx, o.uploader)
		})
	}

	return g.Wait()
}
