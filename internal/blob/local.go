package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/italolelis/filedrop/internal/logctx"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600

	tmpDir    = "tmp"
	blobExt   = ".blob"
	tmpPrefix = "put-"
)

// LocalStore keeps each blob in its own file under root, named by a random UUID.
type LocalStore struct {
	root     string
	maxBytes int64
}

// NewLocalStore creates the storage tree under root. maxBytes bounds every Put.
func NewLocalStore(root string, maxBytes int64) (*LocalStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}

	if maxBytes <= 0 {
		return nil, fmt.Errorf("max blob size must be positive, got %d", maxBytes)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(abs, tmpDir), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create storage tree: %w", err)
	}

	return &LocalStore{root: abs, maxBytes: maxBytes}, nil
}

// MaxBytes is the upper bound on bytes accepted by a single Put.
func (s *LocalStore) MaxBytes() int64 {
	return s.maxBytes
}

// Put streams r into a temp file and moves it into place once it is complete.
// A stream longer than MaxBytes is aborted with ErrTooLarge and leaves nothing behind.
func (s *LocalStore) Put(ctx context.Context, r io.Reader) (PutResult, error) {
	var zero PutResult

	if r == nil {
		return zero, fmt.Errorf("reader is required")
	}

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDir), tmpPrefix+"*")
	if err != nil {
		return zero, fmt.Errorf("failed to create temp file: %w", err)
	}

	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	// Read one byte past the bound so an exact-size stream is distinguishable from an oversized one.
	n, err := io.Copy(tmp, &contextReader{ctx: ctx, r: io.LimitReader(r, s.maxBytes+1)})
	if err != nil {
		cleanup()

		return zero, fmt.Errorf("failed to write blob: %w", err)
	}

	if n > s.maxBytes {
		cleanup()

		return zero, fmt.Errorf("%w: more than %s", ErrTooLarge, humanize.IBytes(uint64(s.maxBytes)))
	}

	if err := tmp.Sync(); err != nil {
		cleanup()

		return zero, fmt.Errorf("failed to sync blob: %w", err)
	}

	if err := tmp.Close(); err != nil {
		cleanup()

		return zero, fmt.Errorf("failed to close blob: %w", err)
	}

	handle := uuid.NewString()
	if err := os.Rename(tmpPath, s.path(handle)); err != nil {
		_ = os.Remove(tmpPath)

		return zero, fmt.Errorf("failed to move blob into place: %w", err)
	}

	logctx.LoggerFromContext(ctx).Debug("blob stored", "handle", handle, "size", humanize.IBytes(uint64(n)))

	return PutResult{Handle: handle, SizeBytes: n}, nil
}

// Open returns a reader for the blob behind handle.
func (s *LocalStore) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !validHandle(handle) {
		return nil, ErrNotFound
	}

	f, err := os.Open(s.path(handle))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("failed to open blob: %w", err)
	}

	return f, nil
}

// Delete removes the blob behind handle. Missing files are ignored.
func (s *LocalStore) Delete(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !validHandle(handle) {
		return nil
	}

	if err := os.Remove(s.path(handle)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}

	return nil
}

// Purge removes every blob and temp file under the root and returns how many were deleted.
// The registry lives in memory, so anything on disk at startup belongs to no transfer.
func (s *LocalStore) Purge(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	var removed int

	for _, dir := range []string{s.root, filepath.Join(s.root, tmpDir)} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return removed, fmt.Errorf("failed to list %s: %w", dir, err)
		}

		for _, e := range entries {
			if e.IsDir() {
				continue
			}

			name := e.Name()
			if !strings.HasSuffix(name, blobExt) && !strings.HasPrefix(name, tmpPrefix) {
				continue
			}

			if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("failed to purge leftover blob", "file", name, "err", err)

				continue
			}

			removed++
		}
	}

	return removed, nil
}

func (s *LocalStore) path(handle string) string {
	return filepath.Join(s.root, handle+blobExt)
}

// validHandle keeps caller-supplied handles from escaping the storage root.
func validHandle(handle string) bool {
	_, err := uuid.Parse(handle)

	return err == nil && len(handle) == 36
}

// contextReader stops a copy once the context is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}
