package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/digkill/GenStudio/internal/service"
	"github.com/digkill/GenStudio/internal/storage"
)

const maxUploadBytes = 25 << 20

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "file exceeds 25 MiB"})
			return
		}
		s.writeError(w, r, fmt.Errorf("%w: multipart form expected", service.ErrInvalidRequest))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: file field is required", service.ErrInvalidRequest))
		return
	}
	defer file.Close()

	if header.Size > maxUploadBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "file exceeds 25 MiB"})
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}
	if len(data) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: file is empty", service.ErrInvalidRequest))
		return
	}
	if len(data) > maxUploadBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "file exceeds 25 MiB"})
		return
	}

	contentType := strings.TrimSpace(header.Header.Get("Content-Type"))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !storage.AllowedUploadType(contentType) {
		writeJSON(w, http.StatusUnsupportedMediaType, errorResponse{Error: "only image, audio and video files are accepted"})
		return
	}

	url, err := s.storage.Upload(r.Context(), data, contentType)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("store upload: %w", err))
		return
	}
	s.logger(r).Info("reference uploaded", "content_type", contentType, "size", len(data))
	writeJSON(w, http.StatusCreated, map[string]string{"url": url})
}
