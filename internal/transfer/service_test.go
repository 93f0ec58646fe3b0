package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/italolelis/filedrop/internal/blob"
	"github.com/italolelis/filedrop/internal/code"
	"github.com/italolelis/filedrop/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

type fixture struct {
	dir   string
	gen   *code.Generator
	store *blob.LocalStore
	reg   *registry.Registry
	svc   *Service
	now   time.Time
}

func newFixture(t *testing.T, maxBytes int64) *fixture {
	t.Helper()

	f := &fixture{
		dir: t.TempDir(),
		now: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
	}

	store, err := blob.NewLocalStore(f.dir, maxBytes)
	require.NoError(t, err)

	gen, err := code.NewGenerator(code.DefaultLength)
	require.NoError(t, err)

	clock := func() time.Time { return f.now }

	f.gen = gen
	f.store = store
	f.reg = registry.New(gen, store, registry.WithClock(clock))
	f.svc = NewService(f.reg, store,
		WithTTL(time.Hour),
		WithMaxBytes(maxBytes),
		WithClock(clock),
	)

	return f
}

func (f *fixture) blobCount(t *testing.T) int {
	t.Helper()

	matches, err := filepath.Glob(filepath.Join(f.dir, "*.blob"))
	require.NoError(t, err)

	return len(matches)
}

func textUpload(body string) Upload {
	return Upload{
		Body:         strings.NewReader(body),
		Name:         "notes.txt",
		DeclaredType: "text/plain",
		DeclaredSize: int64(len(body)),
	}
}

func TestUploadThenDownload(t *testing.T) {
	f := newFixture(t, 1<<20)
	ctx := context.Background()

	entry, err := f.svc.AcceptUpload(ctx, textUpload("helloworld"))
	require.NoError(t, err)

	assert.True(t, f.gen.Valid(entry.Code))
	assert.Equal(t, "notes.txt", entry.OriginalName)
	assert.Equal(t, "text/plain", entry.ContentType)
	assert.Equal(t, int64(10), entry.SizeBytes)
	assert.Equal(t, 1, f.blobCount(t))

	dl, err := f.svc.RequestDownload(ctx, entry.Code)
	require.NoError(t, err)

	got, err := io.ReadAll(dl)
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(got))
	assert.True(t, dl.Complete())
	assert.Equal(t, int64(10), dl.BytesSent())

	require.NoError(t, dl.Close())
	assert.Equal(t, 0, f.blobCount(t))

	_, err = f.svc.RequestDownload(ctx, entry.Code)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAcceptUpload_UnsupportedType(t *testing.T) {
	f := newFixture(t, 1<<20)

	_, err := f.svc.AcceptUpload(context.Background(), Upload{
		Body:         strings.NewReader("#!/bin/sh\necho hi\n"),
		Name:         "run.sh",
		DeclaredType: "application/x-sh",
	})

	var unsupported *UnsupportedTypeError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "application/x-sh", unsupported.ContentType)
	assert.Contains(t, unsupported.Allowed, "image/png")
	assert.Equal(t, 0, f.blobCount(t))
	assert.Equal(t, 0, f.reg.Len())
}

func TestAcceptUpload_SniffsGenericType(t *testing.T) {
	f := newFixture(t, 1<<20)

	entry, err := f.svc.AcceptUpload(context.Background(), Upload{
		Body:         bytes.NewReader(pngHeader),
		Name:         "pixel",
		DeclaredType: "application/octet-stream",
	})
	require.NoError(t, err)

	assert.Equal(t, "image/png", entry.ContentType)
	assert.Equal(t, int64(len(pngHeader)), entry.SizeBytes)
}

func TestAcceptUpload_SizeBound(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"under", 9, false},
		{"exact", 10, false},
		{"one over", 11, true},
		{"far over", 4096, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 10)

			// Size is not declared, so only the streamed byte count can trip the bound.
			_, err := f.svc.AcceptUpload(context.Background(), Upload{
				Body:         strings.NewReader(strings.Repeat("a", tt.size)),
				Name:         "a.txt",
				DeclaredType: "text/plain",
			})

			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, 1, f.blobCount(t))

				return
			}

			var tooLarge *SizeExceededError
			require.ErrorAs(t, err, &tooLarge)
			assert.Equal(t, int64(10), tooLarge.Limit)
			assert.Equal(t, 0, f.blobCount(t))
			assert.Equal(t, 0, f.reg.Len())
		})
	}
}

func TestAcceptUpload_DeclaredSizeRejectedEarly(t *testing.T) {
	f := newFixture(t, 10)

	up := textUpload("short")
	up.DeclaredSize = 11

	_, err := f.svc.AcceptUpload(context.Background(), up)

	var tooLarge *SizeExceededError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, 0, f.blobCount(t))
}

func TestAcceptUpload_MaxBytesReaderIsSizeExceeded(t *testing.T) {
	f := newFixture(t, 1<<20)

	body := http.MaxBytesReader(nil, io.NopCloser(strings.NewReader(strings.Repeat("a", 64))), 16)

	_, err := f.svc.AcceptUpload(context.Background(), Upload{
		Body:         body,
		Name:         "a.txt",
		DeclaredType: "text/plain",
	})

	var tooLarge *SizeExceededError
	require.ErrorAs(t, err, &tooLarge)

	var maxErr *http.MaxBytesError
	assert.ErrorAs(t, err, &maxErr)
	assert.Equal(t, 0, f.blobCount(t))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

func TestAcceptUpload_ReadFailureIsIOFailure(t *testing.T) {
	f := newFixture(t, 1<<20)

	_, err := f.svc.AcceptUpload(context.Background(), Upload{
		Body:         failingReader{},
		Name:         "a.txt",
		DeclaredType: "text/plain",
	})

	var ioErr *IOFailureError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "store_blob", ioErr.Operation)
	assert.Equal(t, 0, f.blobCount(t))
}

type rejectingRegistry struct{}

func (rejectingRegistry) Create(context.Context, registry.Metadata) (registry.Entry, error) {
	return registry.Entry{}, registry.ErrCodeSpaceExhausted
}

func (rejectingRegistry) Consume(context.Context, string) (registry.Entry, error) {
	return registry.Entry{}, registry.ErrNotFound
}

func TestAcceptUpload_RegistrationFailureRemovesBlob(t *testing.T) {
	f := newFixture(t, 1<<20)
	svc := NewService(rejectingRegistry{}, f.store)

	_, err := svc.AcceptUpload(context.Background(), textUpload("helloworld"))

	var ioErr *IOFailureError
	require.ErrorAs(t, err, &ioErr)
	require.ErrorIs(t, err, registry.ErrCodeSpaceExhausted)
	assert.Equal(t, 0, f.blobCount(t))
}

func TestRequestDownload_UnknownCode(t *testing.T) {
	f := newFixture(t, 1<<20)

	_, err := f.svc.RequestDownload(context.Background(), "ZZZZZZZZ")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRequestDownload_ExpiryBoundary(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		wantErr bool
	}{
		{"59 minutes", 59 * time.Minute, false},
		{"exactly ttl", time.Hour, false},
		{"61 minutes", 61 * time.Minute, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1<<20)
			ctx := context.Background()

			entry, err := f.svc.AcceptUpload(ctx, textUpload("helloworld"))
			require.NoError(t, err)

			f.now = f.now.Add(tt.elapsed)

			dl, err := f.svc.RequestDownload(ctx, entry.Code)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrNotFound)
				assert.Equal(t, 0, f.blobCount(t), "expired bytes must be removed")

				return
			}

			require.NoError(t, err)
			require.NoError(t, dl.Close())
		})
	}
}

func TestRequestDownload_MissingBlob(t *testing.T) {
	f := newFixture(t, 1<<20)
	ctx := context.Background()

	entry, err := f.svc.AcceptUpload(ctx, textUpload("helloworld"))
	require.NoError(t, err)
	require.NoError(t, f.store.Delete(ctx, entry.Handle))

	_, err = f.svc.RequestDownload(ctx, entry.Code)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, f.reg.Len())
}

func TestDownload_AbortedStillDeletes(t *testing.T) {
	f := newFixture(t, 1<<20)

	ctx, cancel := context.WithCancel(context.Background())

	entry, err := f.svc.AcceptUpload(ctx, textUpload("helloworld"))
	require.NoError(t, err)

	dl, err := f.svc.RequestDownload(ctx, entry.Code)
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(dl, buf)
	require.NoError(t, err)

	// The client went away; cleanup must not depend on the request context.
	cancel()

	require.NoError(t, dl.Close())
	assert.False(t, dl.Complete())
	assert.Equal(t, int64(4), dl.BytesSent())
	assert.Equal(t, 0, f.blobCount(t))

	// Second close is a no-op.
	require.NoError(t, dl.Close())
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\photo.jpg`, "photo.jpg"},
		{"  spaced.txt  ", "spaced.txt"},
		{"bad\x00\nname.txt", "badname.txt"},
		{"", "download"},
		{"..", "download"},
		{"/", "download"},
		{"café.txt", "café.txt"},
		{strings.Repeat("é", 200), strings.Repeat("é", 127)},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeName(tt.raw))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t,
		"file type application/zip is not allowed; supported types: image/png, text/plain",
		(&UnsupportedTypeError{ContentType: "application/zip", Allowed: []string{"image/png", "text/plain"}}).Error(),
	)
	assert.Contains(t, (&UnsupportedTypeError{}).Error(), "unknown")
	assert.Equal(t, "file size too large; maximum size is 100 MiB", (&SizeExceededError{Limit: 100 << 20}).Error())
	assert.Equal(t, "storage failure during store_blob: disk full",
		(&IOFailureError{Operation: "store_blob", Err: errors.New("disk full")}).Error())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying cause")

	for _, err := range []error{
		&SizeExceededError{Limit: 1, Err: cause},
		&IOFailureError{Operation: "store_blob", Err: cause},
	} {
		wrapped := errors.Join(errors.New("context"), err)
		assert.ErrorIs(t, wrapped, cause)
	}

	assert.NoError(t, errors.Unwrap(&SizeExceededError{Limit: 1}))
}
