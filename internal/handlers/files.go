package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hearth/backend/internal/apperr"
	"github.com/hearth/backend/internal/auth"
	"github.com/hearth/backend/internal/files"
	"github.com/hearth/backend/internal/logging"
)

// multipartOverhead is allowed on top of the upload limit for form boundaries
// and part headers.
const multipartOverhead = 1 << 20

const uploadFormField = "file"

var errMissingFilePart = apperr.New(apperr.KindValidation, `multipart body must contain a "file" field`)

// FileHandler implements the /files and /admin/files endpoints.
type FileHandler struct {
	Files          FileService
	MaxUploadBytes int64
	DebugErrors    bool
}

// Upload handles POST /files/{receiver}/{filename}. The body is either the raw
// file bytes or a multipart form with a "file" field.
func (h FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFrom(r)
	if !ok {
		writeError(ctx, w, auth.ErrInvalidSignature, h.DebugErrors)
		return
	}
	receiver, filename, err := fileParams(r)
	if err != nil {
		writeError(ctx, w, err, h.DebugErrors)
		return
	}

	limit := h.MaxUploadBytes
	if limit > 0 {
		if r.ContentLength > limit+multipartOverhead {
			writeError(ctx, w, files.ErrFileTooLarge, h.DebugErrors)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	}

	body, err := uploadBody(r)
	if err != nil {
		writeError(ctx, w, err, h.DebugErrors)
		return
	}

	rec, err := h.Files.Ingest(ctx, actor, receiver, filename, body)
	if err != nil {
		writeError(ctx, w, err, h.DebugErrors)
		return
	}

	respondJSON(ctx, w, http.StatusCreated, uploadResponse{Message: "file uploaded", SHA256: rec.ContentHash})
}

// List handles GET /files/{receiver}.
func (h FileHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFrom(r)
	if !ok {
		writeError(ctx, w, auth.ErrInvalidSignature, h.DebugErrors)
		return
	}
	receiver, err := pathParam(r, "receiver")
	if err != nil {
		writeError(ctx, w, err, h.DebugErrors)
		return
	}

	recs, err := h.Files.List(ctx, actor, receiver)
	if err != nil {
		writeError(ctx, w, err, h.DebugErrors)
		return
	}

	views := make([]files.FileView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, files.View(rec))
	}
	respondJSON(ctx, w, http.StatusOK, listResponse{Files: views})
}

// Download handles GET /files/{receiver}/{filename}. Range requests are
// served by http.ServeContent.
func (h FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFrom(r)
	if !ok {
		writeError(ctx, w, auth.ErrInvalidSignature, h.DebugErrors)
		return
	}
	receiver, filename, err := fileParams(r)
	if err != nil {
		writeError(ctx, w, err, h.DebugErrors)
		return
	}

	f, rec, err := h.Files.Open(ctx, actor, receiver, filename)
	if err != nil {
		writeError(ctx, w, err, h.DebugErrors)
		return
	}
	defer f.Close()

	contentType := mime.TypeByExtension(path.Ext(rec.Filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rec.Filename}))
	w.Header().Set("ETag", `"`+rec.ContentHash+`"`)
	w.Header().Set("X-Content-SHA256", rec.ContentHash)

	logging.FromContext(ctx).Debug("serving file", "hash", rec.ContentHash, "receiver", receiver, "filename", filename)
	http.ServeContent(w, r, rec.Filename, rec.CreatedAt, f)
}

// Delete handles DELETE /files/{receiver}/{filename}.
func (h FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFrom(r)
	if !ok {
		writeError(ctx, w, auth.ErrInvalidSignature, h.DebugErrors)
		return
	}
	receiver, filename, err := fileParams(r)
	if err != nil {
		writeError(ctx, w, err, h.DebugErrors)
		return
	}

	if err := h.Files.Delete(ctx, actor, receiver, filename); err != nil {
		writeError(ctx, w, err, h.DebugErrors)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Verify handles GET /files/verify/{hash}. A digest mismatch answers 400 with
// the stored metadata.
func (h FileHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFrom(r)
	if !ok {
		writeError(ctx, w, auth.ErrInvalidSignature, h.DebugErrors)
		return
	}
	hash, err := pathParam(r, "hash")
	if err != nil {
		writeError(ctx, w, err, h.DebugErrors)
		return
	}

	res, err := h.Files.Verify(ctx, actor, strings.ToLower(hash))
	if err != nil {
		writeError(ctx, w, err, h.DebugErrors)
		return
	}

	status := http.StatusOK
	if !res.Verified {
		status = http.StatusBadRequest
	}
	respondJSON(ctx, w, status, verifyResponse{Verified: res.Verified, Metadata: files.View(res.Record)})
}

// Purge handles DELETE /admin/files/{hash}.
func (h FileHandler) Purge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFrom(r)
	if !ok {
		writeError(ctx, w, auth.ErrInvalidSignature, h.DebugErrors)
		return
	}
	hash, err := pathParam(r, "hash")
	if err != nil {
		writeError(ctx, w, err, h.DebugErrors)
		return
	}

	removed, err := h.Files.Purge(ctx, actor, strings.ToLower(hash))
	if err != nil {
		writeError(ctx, w, err, h.DebugErrors)
		return
	}
	logging.FromContext(ctx).Info("purged file records", "hash", hash, "removed", removed)
	respondJSON(ctx, w, http.StatusOK, purgeResponse{Removed: removed})
}

// uploadBody returns the reader holding the file bytes: the request body, or
// the "file" part of a multipart form.
func uploadBody(r *http.Request) (io.Reader, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, apperr.WrapMsg(apperr.KindValidation, "read multipart body", "malformed multipart body", err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errMissingFilePart
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return nil, files.ErrFileTooLarge
			}
			return nil, apperr.WrapMsg(apperr.KindValidation, "read multipart body", "malformed multipart body", err)
		}
		if part.FormName() == uploadFormField {
			return part, nil
		}
		_ = part.Close()
	}
}

func actorFrom(r *http.Request) (files.Actor, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return files.Actor{}, false
	}
	return files.Actor{Username: claims.Username, IsAdmin: claims.IsAdmin}, true
}

func fileParams(r *http.Request) (string, string, error) {
	receiver, err := pathParam(r, "receiver")
	if err != nil {
		return "", "", err
	}
	filename, err := pathParam(r, "filename")
	if err != nil {
		return "", "", err
	}
	return receiver, filename, nil
}

// pathParam returns the decoded value of a route parameter. chi matches on
// RawPath when the request carries one, and on the already decoded Path
// otherwise, so only the former needs unescaping.
func pathParam(r *http.Request, name string) (string, error) {
	value := chi.URLParam(r, name)
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(value)
		if err != nil {
			return "", apperr.New(apperr.KindValidation, "invalid "+name)
		}
		value = unescaped
	}
	if value == "" {
		return "", apperr.New(apperr.KindValidation, "invalid "+name)
	}
	return value, nil
}

type uploadResponse struct {
	Message string `json:"message"`
	SHA256  string `json:"sha256"`
}

type listResponse struct {
	Files []files.FileView `json:"files"`
}

type verifyResponse struct {
	Verified bool           `json:"verified"`
	Metadata files.FileView `json:"metadata"`
}

type purgeResponse struct {
	Removed int64 `json:"removed"`
}
