package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/filedrop/internal/logctx"
	"github.com/italolelis/filedrop/internal/progress"
	"github.com/italolelis/filedrop/internal/registry"
)

const progressInterval = 16 << 20

// Download streams the bytes of a consumed transfer. Close must be called
// exactly as for a file; it releases the handle and deletes the bytes whether
// or not the stream was read to the end.
type Download struct {
	Entry registry.Entry

	// ctx outlives the request that produced the download so the bytes are
	// removed even when the client disconnects mid-stream.
	ctx     context.Context
	logger  *slog.Logger
	svc     *Service
	body    io.ReadCloser
	counter *progress.Reader

	closeOnce sync.Once
	closeErr  error
}

func newDownload(ctx context.Context, svc *Service, entry registry.Entry, body io.ReadCloser) *Download {
	logger := logctx.LoggerFromContext(ctx)

	return &Download{
		Entry:  entry,
		ctx:    context.WithoutCancel(ctx),
		logger: logger,
		svc:    svc,
		body:   body,
		counter: progress.NewReader(body, entry.SizeBytes, progressInterval, func(read, total int64) {
			logger.Debug("download progress",
				"sent", humanize.IBytes(uint64(read)),
				"total", humanize.IBytes(uint64(total)),
			)
		}),
	}
}

func (d *Download) Read(p []byte) (int, error) {
	return d.counter.Read(p)
}

// BytesSent is how many bytes have been read from the download so far.
func (d *Download) BytesSent() int64 {
	return d.counter.BytesRead()
}

// Complete reports whether every stored byte has been read.
func (d *Download) Complete() bool {
	return d.counter.BytesRead() >= d.Entry.SizeBytes
}

// Close releases the blob and deletes it. Only the first call has any effect.
func (d *Download) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.close()
	})

	return d.closeErr
}

func (d *Download) close() error {
	ctx, cancel := context.WithTimeout(d.ctx, cleanupTimeout)
	defer cancel()

	closeErr := d.body.Close()

	var deleteErr error
	if err := d.svc.blobs.Delete(ctx, d.Entry.Handle); err != nil {
		d.logger.ErrorContext(ctx, "failed to delete blob after download", "handle", d.Entry.Handle, "err", err)
		d.svc.telemetry.RecordOrphanedBlob(ctx, "transfer")

		deleteErr = &IOFailureError{Operation: "delete_blob", Err: err}
	}

	sent := d.BytesSent()
	if d.Complete() {
		d.svc.telemetry.RecordDownload(ctx, "success", sent)
		d.logger.InfoContext(ctx, "download completed", "size", humanize.IBytes(uint64(sent)))
	} else {
		d.svc.telemetry.RecordDownload(ctx, "aborted", sent)
		d.logger.WarnContext(ctx, "download aborted before completion",
			"sent", humanize.IBytes(uint64(sent)),
			"total", humanize.IBytes(uint64(d.Entry.SizeBytes)),
		)
	}

	return errors.Join(closeErr, deleteErr)
}
