// Package registry maps transfer codes to stored blobs.
//
// The registry is the only mutable state shared between request handlers and
// the reaper. Every transition out of ACTIVE is a check-and-remove performed
// under a single lock, so for any code exactly one of the racing Consume and
// Expire calls wins and the rest observe the code as absent. The lock is held
// for the map operation alone; blob I/O always happens after it is released.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/italolelis/filedrop/internal/blob"
	"github.com/italolelis/filedrop/internal/logctx"
	"github.com/italolelis/filedrop/internal/telemetry"
)

const defaultMaxAttempts = 16

var (
	// ErrNotFound is returned when a code is unknown, already consumed or already expired.
	ErrNotFound = errors.New("transfer not found")

	// ErrCodeSpaceExhausted is returned when no free code was found within the attempt budget.
	ErrCodeSpaceExhausted = errors.New("no free transfer code available")
)

// CodeGenerator produces candidate codes.
type CodeGenerator interface {
	Generate() (string, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now as the source of CreatedAt timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithMaxAttempts bounds how many codes Create draws before giving up.
func WithMaxAttempts(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithTelemetry reports registry size and collisions.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(r *Registry) {
		r.telemetry = tel
	}
}

// Registry is the in-memory code → entry index.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry

	codes       CodeGenerator
	blobs       blob.Store
	now         func() time.Time
	maxAttempts int
	telemetry   *telemetry.Telemetry
}

// New returns an empty registry. blobs is used to delete the bytes of expired entries.
func New(codes CodeGenerator, blobs blob.Store, opts ...Option) *Registry {
	r := &Registry{
		entries:     make(map[string]Entry),
		codes:       codes,
		blobs:       blobs,
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Create allocates a fresh code for meta and inserts it as ACTIVE. The code is
// visible to other callers only once the entry is fully in place.
func (r *Registry) Create(ctx context.Context, meta Metadata) (Entry, error) {
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		code, err := r.codes.Generate()
		if err != nil {
			return Entry{}, fmt.Errorf("failed to generate code: %w", err)
		}

		entry, ok := r.insert(code, meta)
		if ok {
			r.telemetry.TransferCreated(ctx)

			return entry, nil
		}

		r.telemetry.RecordCodeCollision(ctx)
		logctx.LoggerFromContext(ctx).Warn("transfer code collision, re-rolling", "attempt", attempt+1)
	}

	return Entry{}, fmt.Errorf("%w after %d attempts", ErrCodeSpaceExhausted, r.maxAttempts)
}

func (r *Registry) insert(code string, meta Metadata) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.entries[code]; taken {
		return Entry{}, false
	}

	entry := Entry{
		Code:         code,
		OriginalName: meta.OriginalName,
		ContentType:  meta.ContentType,
		SizeBytes:    meta.SizeBytes,
		Handle:       meta.Handle,
		CreatedAt:    r.now(),
		State:        StateActive,
	}
	r.entries[code] = entry

	return entry, true
}

// Consume removes code from the index and returns its entry in state CONSUMED.
// Of any number of concurrent calls for the same code, exactly one succeeds; the
// others get ErrNotFound. The caller owns the blob from then on and must delete it.
func (r *Registry) Consume(ctx context.Context, code string) (Entry, error) {
	entry, ok := r.remove(code)
	if !ok {
		return Entry{}, ErrNotFound
	}

	r.telemetry.TransferRemoved(ctx, "consumed")

	entry.State = StateConsumed

	return entry, nil
}

// Expire removes code from the index and deletes its blob. A code that is
// already gone (consumed, or expired by a racing call) is a silent no-op and
// reports false. The returned error is only ever a blob deletion failure; the
// entry has left the index regardless.
func (r *Registry) Expire(ctx context.Context, code string) (Entry, bool, error) {
	entry, ok := r.remove(code)
	if !ok {
		return Entry{}, false, nil
	}

	r.telemetry.TransferRemoved(ctx, "expired")

	entry.State = StateExpired

	if err := r.blobs.Delete(ctx, entry.Handle); err != nil {
		return entry, true, fmt.Errorf("failed to delete blob for expired transfer: %w", err)
	}

	return entry, true, nil
}

func (r *Registry) remove(code string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[code]
	if !ok {
		return Entry{}, false
	}

	delete(r.entries, code)

	return entry, true
}

// Snapshot returns the code and creation time of every ACTIVE entry at one instant.
// Entries may be consumed or expired by the time the caller acts on the result.
func (r *Registry) Snapshot() []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Candidate, 0, len(r.entries))
	for code, e := range r.entries {
		out = append(out, Candidate{Code: code, CreatedAt: e.CreatedAt})
	}

	return out
}

// Len is the number of ACTIVE entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}
