package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/filedrop/internal/logctx"
	"github.com/italolelis/filedrop/internal/registry"
	"github.com/italolelis/filedrop/internal/transfer"
)

// multipartSlack covers boundaries and part headers around the file part.
const multipartSlack = 1 << 20

const fileField = "file"

// TransferService is the upload/download core the handler exposes.
type TransferService interface {
	AcceptUpload(ctx context.Context, up transfer.Upload) (registry.Entry, error)
	RequestDownload(ctx context.Context, code string) (*transfer.Download, error)
	MaxBytes() int64
}

// CodeValidator rejects malformed codes before they reach the registry.
type CodeValidator interface {
	Valid(code string) bool
}

// Stats reports the number of transfers waiting to be claimed.
type Stats interface {
	Len() int
}

type UploadResponse struct {
	Code string `json:"code"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status          string `json:"status"`
	ActiveTransfers int    `json:"active_transfers"`
}

type TransferHandler struct {
	svc   TransferService
	codes CodeValidator
	stats Stats
}

// NewTransferHandler creates a new transfer handler.
func NewTransferHandler(svc TransferService, codes CodeValidator, stats Stats) *TransferHandler {
	return &TransferHandler{
		svc:   svc,
		codes: codes,
		stats: stats,
	}
}

func (h *TransferHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/upload", h.HandleUpload)
	r.Get("/download/{code}", h.HandleDownload)
	r.Get("/health", h.HandleHealth)

	return r
}

// HandleUpload streams the "file" part of a multipart body into the relay and
// answers with the code that claims it.
func (h *TransferHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	limit := h.svc.MaxBytes() + multipartSlack
	if r.ContentLength > limit {
		logger.Info("upload rejected: declared length too large", "content_length", r.ContentLength)
		writeError(w, http.StatusRequestEntityTooLarge, (&transfer.SizeExceededError{Limit: h.svc.MaxBytes()}).Error())

		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, limit)

	mr, err := r.MultipartReader()
	if err != nil {
		logger.Debug("invalid multipart request", "err", err)
		writeError(w, http.StatusBadRequest, "expected a multipart/form-data body")

		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "no file uploaded")

			return
		}

		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, http.StatusRequestEntityTooLarge, (&transfer.SizeExceededError{Limit: h.svc.MaxBytes()}).Error())

				return
			}

			logger.Debug("malformed multipart body", "err", err)
			writeError(w, http.StatusBadRequest, "malformed multipart body")

			return
		}

		if part.FormName() != fileField {
			_ = part.Close()

			continue
		}

		entry, err := h.svc.AcceptUpload(r.Context(), transfer.Upload{
			Body:         part,
			Name:         part.FileName(),
			DeclaredType: part.Header.Get("Content-Type"),
		})

		_ = part.Close()

		if err != nil {
			h.writeUploadError(w, r, err)

			return
		}

		writeJSON(w, http.StatusCreated, UploadResponse{Code: entry.Code})

		return
	}
}

func (h *TransferHandler) writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		unsupported *transfer.UnsupportedTypeError
		tooLarge    *transfer.SizeExceededError
	)

	switch {
	case errors.As(err, &unsupported):
		writeError(w, http.StatusUnsupportedMediaType, unsupported.Error())
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, tooLarge.Error())
	default:
		logctx.LoggerFromContext(r.Context()).Error("failed to accept upload", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to store file")
	}
}

// HandleDownload streams the bytes behind a code once and then forgets them.
func (h *TransferHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	code := chi.URLParam(r, "code")
	if !h.codes.Valid(code) {
		writeError(w, http.StatusNotFound, transfer.ErrNotFound.Error())

		return
	}

	dl, err := h.svc.RequestDownload(r.Context(), code)
	if err != nil {
		if errors.Is(err, transfer.ErrNotFound) {
			writeError(w, http.StatusNotFound, transfer.ErrNotFound.Error())

			return
		}

		logger.Error("failed to start download", "code", code, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to read file")

		return
	}

	defer func() {
		if err := dl.Close(); err != nil {
			logger.Error("failed to release download", "code", code, "err", err)
		}
	}()

	w.Header().Set("Content-Type", dl.Entry.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(dl.Entry.SizeBytes, 10))
	w.Header().Set("Content-Disposition", ContentDisposition(dl.Entry.OriginalName))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, dl); err != nil {
		logger.Warn("download interrupted", "code", code, "err", err)
	}
}

func (h *TransferHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", ActiveTransfers: h.stats.Len()})
}

// ContentDisposition builds an attachment header carrying name both as a plain
// ASCII fallback and as an RFC 5987 UTF-8 value.
func ContentDisposition(name string) string {
	var fallback, encoded strings.Builder

	for _, r := range name {
		switch {
		case r < 0x20 || r > 0x7e || r == '"' || r == '\\':
			fallback.WriteByte('_')
		default:
			fallback.WriteRune(r)
		}
	}

	const hex = "0123456789ABCDEF"

	for i := 0; i < len(name); i++ {
		c := name[i]
		if isAttrChar(c) {
			encoded.WriteByte(c)

			continue
		}

		encoded.WriteByte('%')
		encoded.WriteByte(hex[c>>4])
		encoded.WriteByte(hex[c&0x0f])
	}

	return `attachment; filename="` + fallback.String() + `"; filename*=UTF-8''` + encoded.String()
}

func isAttrChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}

	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
