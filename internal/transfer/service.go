// Package transfer implements the two user-facing operations of the relay:
// turning an upload into a code and turning a code back into its bytes, once.
package transfer

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/filedrop/internal/blob"
	"github.com/italolelis/filedrop/internal/logctx"
	"github.com/italolelis/filedrop/internal/mimetypes"
	"github.com/italolelis/filedrop/internal/registry"
	"github.com/italolelis/filedrop/internal/telemetry"
)

const (
	defaultTTL      = time.Hour
	defaultMaxBytes = 100 << 20

	fallbackName = "download"
	maxNameBytes = 255

	cleanupTimeout = 30 * time.Second
)

// Registry is the subset of the transfer index the service needs.
type Registry interface {
	Create(ctx context.Context, meta registry.Metadata) (registry.Entry, error)
	Consume(ctx context.Context, code string) (registry.Entry, error)
}

// Upload is one incoming file as received by the transport.
type Upload struct {
	Body         io.Reader
	Name         string
	DeclaredType string
	DeclaredSize int64 // <= 0 when unknown
}

// Option configures a Service.
type Option func(*Service)

// WithTTL sets how long an unclaimed transfer stays downloadable.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMaxBytes sets the upload ceiling reported in SizeExceededError.
func WithMaxBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithClock replaces time.Now for the download-time expiry check.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithTelemetry records upload and download outcomes.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Service) {
		s.telemetry = tel
	}
}

// Service coordinates the blob store and the registry.
type Service struct {
	registry  Registry
	blobs     blob.Store
	ttl       time.Duration
	maxBytes  int64
	now       func() time.Time
	telemetry *telemetry.Telemetry
}

func NewService(reg Registry, blobs blob.Store, opts ...Option) *Service {
	s := &Service{
		registry: reg,
		blobs:    blobs,
		ttl:      defaultTTL,
		maxBytes: defaultMaxBytes,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// MaxBytes is the largest upload the service accepts.
func (s *Service) MaxBytes() int64 {
	return s.maxBytes
}

// TTL is how long a transfer stays downloadable.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// AcceptUpload validates and stores up, then registers it under a fresh code.
// On any error no entry exists and no bytes remain on disk.
func (s *Service) AcceptUpload(ctx context.Context, up Upload) (registry.Entry, error) {
	var entry registry.Entry

	err := s.telemetry.InstrumentTransfer(ctx, "upload", func(ctx context.Context) error {
		var err error
		entry, err = s.acceptUpload(ctx, up)

		return err
	})

	s.telemetry.RecordUpload(ctx, uploadResult(err), entry.SizeBytes)

	return entry, err
}

func (s *Service) acceptUpload(ctx context.Context, up Upload) (registry.Entry, error) {
	name := SanitizeName(up.Name)
	ctx, logger := logctx.With(ctx, "file_name", name)

	if up.DeclaredSize > s.maxBytes {
		return registry.Entry{}, &SizeExceededError{Limit: s.maxBytes}
	}

	body := bufio.NewReaderSize(up.Body, mimetypes.SniffLen)

	contentType := mimetypes.Normalize(up.DeclaredType)
	if mimetypes.NeedsSniffing(contentType) {
		// A short or failing stream still yields whatever was buffered; Put surfaces the read error.
		head, _ := body.Peek(mimetypes.SniffLen)
		contentType = mimetypes.Detect(head)

		logger.DebugContext(ctx, "content type sniffed", "declared", up.DeclaredType, "detected", contentType)
	}

	if !mimetypes.Allowed(contentType) {
		logger.InfoContext(ctx, "upload rejected: content type not allowed", "content_type", contentType)

		return registry.Entry{}, &UnsupportedTypeError{ContentType: string(contentType), Allowed: mimetypes.List()}
	}

	res, err := s.blobs.Put(ctx, body)
	if err != nil {
		return registry.Entry{}, s.classifyPutError(err)
	}

	entry, err := s.registry.Create(ctx, registry.Metadata{
		OriginalName: name,
		ContentType:  string(contentType),
		SizeBytes:    res.SizeBytes,
		Handle:       res.Handle,
	})
	if err != nil {
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), res.Handle); derr != nil {
			logger.ErrorContext(ctx, "failed to remove blob after registration failure", "handle", res.Handle, "err", derr)
			s.telemetry.RecordOrphanedBlob(ctx, "transfer")
		}

		return registry.Entry{}, &IOFailureError{Operation: "register_transfer", Err: err}
	}

	logger.InfoContext(ctx, "upload accepted",
		"code", entry.Code,
		"content_type", entry.ContentType,
		"size", humanize.IBytes(uint64(entry.SizeBytes)),
	)

	return entry, nil
}

func (s *Service) classifyPutError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.Is(err, blob.ErrTooLarge) || errors.As(err, &maxErr) {
		return &SizeExceededError{Limit: s.maxBytes, Err: err}
	}

	return &IOFailureError{Operation: "store_blob", Err: err}
}

// RequestDownload claims code. On success the caller owns the returned
// Download and must Close it, which deletes the bytes. A code can be claimed
// at most once; every later call, and every call for an unknown or expired
// code, returns ErrNotFound.
func (s *Service) RequestDownload(ctx context.Context, code string) (*Download, error) {
	var dl *Download

	err := s.telemetry.InstrumentTransfer(ctx, "download", func(ctx context.Context) error {
		var err error
		dl, err = s.requestDownload(ctx, code)

		return err
	})
	if err != nil {
		s.telemetry.RecordDownload(ctx, downloadResult(err), 0)

		return nil, err
	}

	return dl, nil
}

func (s *Service) requestDownload(ctx context.Context, code string) (*Download, error) {
	ctx, logger := logctx.With(ctx, "code", code)

	entry, err := s.registry.Consume(ctx, code)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, ErrNotFound
		}

		return nil, &IOFailureError{Operation: "consume_transfer", Err: err}
	}

	// The reaper runs on an interval, so an entry can outlive its TTL by up to
	// one period. It must not be served in that window.
	if entry.Expired(s.now(), s.ttl) {
		logger.InfoContext(ctx, "transfer expired before download", "age", entry.Age(s.now()).Round(time.Second))
		s.discard(ctx, entry)

		return nil, ErrNotFound
	}

	rc, err := s.blobs.Open(ctx, entry.Handle)
	if err != nil {
		logger.ErrorContext(ctx, "failed to open blob for active transfer", "handle", entry.Handle, "err", err)
		s.telemetry.RecordSystemError(ctx, "transfer", "blob_open")
		s.discard(ctx, entry)

		if errors.Is(err, blob.ErrNotFound) {
			return nil, ErrNotFound
		}

		return nil, &IOFailureError{Operation: "open_blob", Err: err}
	}

	logger.InfoContext(ctx, "download started", "size", humanize.IBytes(uint64(entry.SizeBytes)))

	return newDownload(ctx, s, entry, rc), nil
}

// discard deletes the bytes of an entry that has already left the registry.
func (s *Service) discard(ctx context.Context, entry registry.Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := s.blobs.Delete(ctx, entry.Handle); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to delete blob", "handle", entry.Handle, "err", err)
		s.telemetry.RecordOrphanedBlob(ctx, "transfer")
	}
}

// SanitizeName reduces a client-supplied file name to a bare, printable base
// name. It never returns an empty string.
func SanitizeName(raw string) string {
	name := strings.ReplaceAll(raw, "\\", "/")
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if r == utf8.RuneError || unicode.IsControl(r) {
			return -1
		}

		return r
	}, name)
	name = strings.TrimSpace(name)

	for len(name) > maxNameBytes {
		_, size := utf8.DecodeLastRuneInString(name)
		name = name[:len(name)-size]
	}

	if name == "" || name == "." || name == "/" || name == ".." {
		return fallbackName
	}

	return name
}

func uploadResult(err error) string {
	var (
		unsupported *UnsupportedTypeError
		tooLarge    *SizeExceededError
	)

	switch {
	case err == nil:
		return "success"
	case errors.As(err, &unsupported):
		return "unsupported_type"
	case errors.As(err, &tooLarge):
		return "size_exceeded"
	default:
		return "io_failure"
	}
}

func downloadResult(err error) string {
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}

	return "io_failure"
}
