package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/italolelis/filedrop/internal/blob"
	"github.com/italolelis/filedrop/internal/code"
	"github.com/italolelis/filedrop/internal/registry"
	"github.com/italolelis/filedrop/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandler(t *testing.T, maxBytes int64) (http.Handler, *registry.Registry) {
	t.Helper()

	store, err := blob.NewLocalStore(t.TempDir(), maxBytes)
	require.NoError(t, err)

	gen, err := code.NewGenerator(code.DefaultLength)
	require.NoError(t, err)

	reg := registry.New(gen, store)
	svc := transfer.NewService(reg, store, transfer.WithTTL(time.Hour), transfer.WithMaxBytes(maxBytes))

	return NewTransferHandler(svc, gen, reg).Routes(), reg
}

func multipartBody(t *testing.T, field, filename, contentType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	require.NoError(t, mw.WriteField("note", "ignored"))

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)

	if contentType != "" {
		hdr.Set("Content-Type", contentType)
	}

	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)

	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	return &buf, mw.FormDataContentType()
}

func upload(t *testing.T, h http.Handler, field, filename, contentType string, content []byte) *httptest.ResponseRecorder {
	t.Helper()

	body, ct := multipartBody(t, field, filename, contentType, content)

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func download(h http.Handler, c string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/download/"+c, nil))

	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

	return resp.Error
}

func TestUploadDownloadOnce(t *testing.T) {
	h, reg := newHandler(t, 1<<20)

	rec := upload(t, h, "file", "notes.txt", "text/plain", []byte("helloworld"))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp UploadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Code, 8)
	assert.Equal(t, 1, reg.Len())

	rec = download(h, resp.Code)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "helloworld", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "10", rec.Header().Get("Content-Length"))
	assert.Equal(t, `attachment; filename="notes.txt"; filename*=UTF-8''notes.txt`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, 0, reg.Len())

	rec = download(h, resp.Code)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "transfer not found", decodeError(t, rec))
}

func TestUpload_Rejections(t *testing.T) {
	tests := []struct {
		name        string
		field       string
		contentType string
		content     []byte
		wantStatus  int
	}{
		{"unsupported type", "file", "application/x-executable", []byte("\x7fELF"), http.StatusUnsupportedMediaType},
		{"too large", "file", "text/plain", bytes.Repeat([]byte("a"), 11), http.StatusRequestEntityTooLarge},
		{"missing file part", "attachment", "text/plain", []byte("hello"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, reg := newHandler(t, 10)

			rec := upload(t, h, tt.field, "x.bin", tt.contentType, tt.content)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.NotEmpty(t, decodeError(t, rec))
			assert.Equal(t, 0, reg.Len())
		})
	}
}

func TestUpload_NotMultipart(t *testing.T) {
	h, _ := newHandler(t, 1<<20)

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(`{"file":"x"}`))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpload_DeclaredLengthRejectedEarly(t *testing.T) {
	h, _ := newHandler(t, 10)

	body, ct := multipartBody(t, "file", "a.txt", "text/plain", []byte("a"))

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	req.ContentLength = 10 << 30

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDownload_BadCodes(t *testing.T) {
	h, _ := newHandler(t, 1<<20)

	for _, c := range []string{"short", "ZZZZZZZZ", "has-dash!"} {
		t.Run(c, func(t *testing.T) {
			rec := download(h, c)
			assert.Equal(t, http.StatusNotFound, rec.Code)
		})
	}
}

type failingService struct{}

func (failingService) AcceptUpload(context.Context, transfer.Upload) (registry.Entry, error) {
	return registry.Entry{}, &transfer.IOFailureError{Operation: "store_blob", Err: errors.New("/srv/uploads: disk full")}
}

func (failingService) RequestDownload(context.Context, string) (*transfer.Download, error) {
	return nil, &transfer.IOFailureError{Operation: "consume_transfer", Err: errors.New("boom")}
}

func (failingService) MaxBytes() int64 { return 1 << 20 }

type emptyStats struct{}

func (emptyStats) Len() int { return 0 }

func TestStorageFailuresAreOpaque(t *testing.T) {
	gen, err := code.NewGenerator(code.DefaultLength)
	require.NoError(t, err)

	h := NewTransferHandler(failingService{}, gen, emptyStats{}).Routes()

	rec := upload(t, h, "file", "a.txt", "text/plain", []byte("a"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, decodeError(t, rec), "/srv/uploads")

	rec = download(h, "ABCDEFGH")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, decodeError(t, rec), "boom")
}

func TestHealth(t *testing.T) {
	h, _ := newHandler(t, 1<<20)

	rec := upload(t, h, "file", "a.txt", "text/plain", []byte("a"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","active_transfers":1}`, string(body))
}

func TestContentDisposition(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"notes.txt", `attachment; filename="notes.txt"; filename*=UTF-8''notes.txt`},
		{"my file.pdf", `attachment; filename="my file.pdf"; filename*=UTF-8''my%20file.pdf`},
		{"café.txt", `attachment; filename="caf_.txt"; filename*=UTF-8''caf%C3%A9.txt`},
		{`a"b.txt`, `attachment; filename="a_b.txt"; filename*=UTF-8''a%22b.txt`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ContentDisposition(tt.name))
		})
	}
}
