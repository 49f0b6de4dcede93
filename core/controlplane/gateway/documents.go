package gateway

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/chatflow/chatflow/core/infra/artifacts"
	"github.com/chatflow/chatflow/core/infra/logging"
)

const maxDocumentBytes = 20 << 20

// DocumentStore keeps uploaded documents for extract-document runs.
type DocumentStore interface {
	Put(ctx context.Context, content []byte, meta artifacts.Metadata) (string, error)
}

type documentResponse struct {
	DocumentRef string `json:"document_ref"`
	ContentType string `json:"content_type"`
	SizeBytes   int    `json:"size_bytes"`
}

// handleUploadDocument stores the raw request body. The reference it returns
// is passed to extract-document as document_ref.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if s.documents == nil {
		http.Error(w, "document store unavailable", http.StatusServiceUnavailable)
		return
	}
	tenant, err := s.resolveTenant(r, r.Header.Get("X-Tenant-ID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	contentType := r.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	if contentType == "" {
		http.Error(w, "content type required", http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "document too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		http.Error(w, "document is empty", http.StatusBadRequest)
		return
	}
	ref, err := s.documents.Put(r.Context(), data, artifacts.Metadata{
		ContentType: contentType,
		Filename:    uploadFilename(r),
		TenantID:    tenant,
	})
	if err != nil {
		logging.Error(component, "store document", "error", err)
		http.Error(w, "store failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, documentResponse{DocumentRef: ref, ContentType: contentType, SizeBytes: len(data)})
}

func uploadFilename(r *http.Request) string {
	name := strings.TrimSpace(r.URL.Query().Get("filename"))
	if name == "" {
		return ""
	}
	return path.Base(name)
}
