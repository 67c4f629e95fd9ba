package httpapi

import (
	"io"
	"net/http"
	"path/filepath"
	"strings"
)

const maxUploadSize = 16 << 20

// uploadMedia stores an attachment and returns URLs to reference from a
// message's mediaUrl field.
func (s *Server) uploadMedia(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_multipart_body"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file_required"})
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSize+1))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(data) == 0 || len(data) > maxUploadSize {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_file_size"})
		return
	}

	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), ".")
	if format == "" {
		format = "bin"
	}

	obj, err := s.Media.Upload(r.Context(), data, format)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":           obj.ID,
		"url":          obj.URL,
		"format":       obj.Format,
		"optimizedUrl": s.Media.OptimizedURL(obj.ID, obj.Format),
	})
}
