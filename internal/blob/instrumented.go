package blob

import (
	"context"
	"errors"
	"io"

	"github.com/italolelis/filedrop/internal/telemetry"
)

// InstrumentedStore wraps a Store with telemetry.
type InstrumentedStore struct {
	store     Store
	telemetry *telemetry.Telemetry
}

// NewInstrumentedStore creates a new instrumented blob store.
func NewInstrumentedStore(store Store, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{
		store:     store,
		telemetry: tel,
	}
}

// Put stores a blob with telemetry.
func (s *InstrumentedStore) Put(ctx context.Context, r io.Reader) (PutResult, error) {
	var result PutResult

	err := s.telemetry.InstrumentStorageOperation(ctx, "put", func(ctx context.Context) error {
		var err error

		result, err = s.store.Put(ctx, r)

		return err
	})

	return result, err
}

// Open opens a blob with telemetry. A missing blob is reported as not_found rather than an error.
func (s *InstrumentedStore) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	var (
		result  io.ReadCloser
		openErr error
	)

	_ = s.telemetry.InstrumentStorageOperation(ctx, "open", func(ctx context.Context) error {
		result, openErr = s.store.Open(ctx, handle)
		if errors.Is(openErr, ErrNotFound) {
			return nil
		}

		return openErr
	})

	return result, openErr
}

// Delete removes a blob with telemetry.
func (s *InstrumentedStore) Delete(ctx context.Context, handle string) error {
	return s.telemetry.InstrumentStorageOperation(ctx, "delete", func(ctx context.Context) error {
		return s.store.Delete(ctx, handle)
	})
}
