package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/vmops/ovfdeploy/pkg/errors"
)

// Payload is a disk stream with a known length. template.Source satisfies it.
type Payload interface {
	io.ReadCloser
	Name() string
	Size() int64
}

// DeviceUpload is the destination of one payload.
type DeviceUpload struct {
	Key       string
	ImportKey string
	URL       string
	Create    bool
}

// Task streams one payload to one device URL. A task owns its payload and closes it
// when it finishes, whether or not it ran.
type Task struct {
	payload Payload
	upload  DeviceUpload
	tracker *Tracker
}

// NewTask binds payload to upload. tracker may be nil.
func NewTask(payload Payload, upload DeviceUpload, tracker *Tracker) *Task {
	return &Task{payload: payload, upload: upload, tracker: tracker}
}

// Payload returns the stream the task uploads.
func (t *Task) Payload() Payload { return t.payload }

// Upload returns the destination of the task.
func (t *Task) Upload() DeviceUpload { return t.upload }

// Run uploads the payload and closes it.
func (t *Task) Run(ctx context.Context, u Uploader) error {
	defer t.discard()

	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	slog.Info("transfer_start", "payload", t.payload.Name(), "device", t.upload.ImportKey, "bytes", t.payload.Size())

	body := &countingReader{r: t.payload, tracker: t.tracker}
	if err := u.Upload(ctx, t.upload.URL, body, t.payload.Size(), t.upload.Create); err != nil {
		slog.Error("transfer_failed", "payload", t.payload.Name(), "device", t.upload.ImportKey,
			"bytes_sent", body.n, "error", err)
		return errors.E(errors.KindTransferFailed, err, fmt.Sprintf("upload of %s failed", t.payload.Name()))
	}

	slog.Info("transfer_complete", "payload", t.payload.Name(), "device", t.upload.ImportKey,
		"bytes", body.n, "duration", time.Since(start))
	return nil
}

func (t *Task) discard() {
	if err := t.payload.Close(); err != nil {
		slog.Warn("payload_close_failed", "payload", t.payload.Name(), "error", err)
	}
}

// countingReader forwards every chunk read to the tracker.
type countingReader struct {
	r       io.Reader
	tracker *Tracker
	n       int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		c.tracker.Add(int64(n))
	}
	return n, err
}
