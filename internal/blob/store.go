// Package blob persists the raw bytes of pending transfers.
//
// The store knows nothing about codes or expiry: it hands out an opaque handle
// per Put and resolves that handle until Delete is called. Tracking whether a
// deletion is expected belongs to the registry.
package blob

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when a handle no longer resolves to bytes.
	ErrNotFound = errors.New("blob not found")

	// ErrTooLarge is returned when a Put stream exceeds the configured bound.
	ErrTooLarge = errors.New("blob exceeds maximum size")
)

// PutResult describes one persisted blob.
type PutResult struct {
	Handle    string
	SizeBytes int64
}

// Store is the byte-storage abstraction used by the registry and the transfer service.
type Store interface {
	Put(ctx context.Context, r io.Reader) (PutResult, error)
	Open(ctx context.Context, handle string) (io.ReadCloser, error)
	Delete(ctx context.Context, handle string) error
}
