// Package reaper evicts transfers that were never claimed within their TTL.
package reaper

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/filedrop/internal/logctx"
	"github.com/italolelis/filedrop/internal/notifier"
	"github.com/italolelis/filedrop/internal/registry"
	"github.com/italolelis/filedrop/internal/telemetry"
	"github.com/samber/lo"
)

// Index is the part of the registry the reaper drives.
type Index interface {
	Snapshot() []registry.Candidate
	Expire(ctx context.Context, code string) (registry.Entry, bool, error)
}

// Result summarizes one sweep.
type Result struct {
	Scanned  int // Entries in the snapshot
	Expired  int // Entries this sweep removed
	Orphaned int // Removed entries whose bytes could not be deleted
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithClock replaces time.Now when deciding what has expired.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) {
		r.now = now
	}
}

// WithNotifier posts an alert for every blob the reaper fails to delete.
func WithNotifier(n notifier.Notifier) Option {
	return func(r *Reaper) {
		r.notifier = n
	}
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(r *Reaper) {
		r.telemetry = tel
	}
}

type Reaper struct {
	index     Index
	ttl       time.Duration
	interval  time.Duration
	now       func() time.Time
	notifier  notifier.Notifier
	telemetry *telemetry.Telemetry
}

func New(index Index, ttl, interval time.Duration, opts ...Option) *Reaper {
	r := &Reaper{
		index:    index,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run sweeps every interval until ctx is done. It always returns nil once ctx
// is cancelled; a panicking sweep is logged and the loop carries on.
func (r *Reaper) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("component", "reaper")
	ctx = logctx.WithLogger(ctx, logger)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger.Info("reaper started", "ttl", r.ttl.String(), "interval", r.interval.String())

	for {
		select {
		case <-ctx.Done():
			logger.Info("reaper shutting down")

			return nil
		case <-ticker.C:
			r.safeSweep(ctx)
		}
	}
}

func (r *Reaper) safeSweep(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			logctx.LoggerFromContext(ctx).Error("reaper sweep panicked",
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			r.telemetry.RecordReaperSweep(ctx, "panic")
			r.telemetry.RecordSystemError(ctx, "reaper", "panic")
		}
	}()

	r.Sweep(ctx)
}

// Sweep expires every entry older than the TTL at the time of the call. Entries
// claimed by a download while the sweep runs are skipped without error.
func (r *Reaper) Sweep(ctx context.Context) Result {
	logger := logctx.LoggerFromContext(ctx)
	now := r.now()

	snapshot := r.index.Snapshot()
	due := lo.Filter(snapshot, func(c registry.Candidate, _ int) bool {
		return now.Sub(c.CreatedAt) > r.ttl
	})

	res := Result{Scanned: len(snapshot)}

	for _, c := range due {
		entry, ok, err := r.index.Expire(ctx, c.Code)
		if !ok {
			continue
		}

		res.Expired++

		if err != nil {
			res.Orphaned++

			logger.Error("failed to delete expired blob", "code", c.Code, "handle", entry.Handle, "err", err)
			r.telemetry.RecordOrphanedBlob(ctx, "reaper")
			r.alert(ctx, entry, err)

			continue
		}

		logger.Info("transfer expired",
			"code", c.Code,
			"age", now.Sub(c.CreatedAt).Round(time.Second).String(),
			"size", humanize.IBytes(uint64(entry.SizeBytes)),
		)
	}

	status := "success"
	if res.Orphaned > 0 {
		status = "partial"
	}

	r.telemetry.RecordReaperSweep(ctx, status)

	if res.Expired > 0 {
		logger.Info("reaper sweep finished", "scanned", res.Scanned, "expired", res.Expired, "orphaned", res.Orphaned)
	}

	return res
}

func (r *Reaper) alert(ctx context.Context, entry registry.Entry, cause error) {
	if r.notifier == nil {
		return
	}

	msg := fmt.Sprintf("⚠️ Failed to delete expired transfer %s (handle %s): %v", entry.Code, entry.Handle, cause)
	if err := r.notifier.Notify(ctx, msg); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to send notification", "code", entry.Code, "err", err)
	}
}
