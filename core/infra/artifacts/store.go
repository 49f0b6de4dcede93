// Package artifacts stores uploaded documents out of band so workflow inputs
// can carry a short reference instead of the document bytes.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const refPrefix = "doc://"

// ErrNotFound is returned when a reference does not resolve, usually because
// the document expired.
var ErrNotFound = errors.New("document not found")

// Metadata describes a stored document.
type Metadata struct {
	ContentType string `json:"content_type,omitempty"`
	Filename    string `json:"filename,omitempty"`
	TenantID    string `json:"tenant_id,omitempty"`
	SizeBytes   int64  `json:"size_bytes"`
}

// Store puts and resolves documents by reference.
type Store interface {
	Put(ctx context.Context, content []byte, meta Metadata) (string, error)
	Get(ctx context.Context, ref string) ([]byte, Metadata, error)
}

// RefForID builds the reference handed to callers.
func RefForID(id string) string {
	return refPrefix + id
}

// IDFromRef parses a reference produced by RefForID.
func IDFromRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, refPrefix) {
		return "", fmt.Errorf("invalid document ref %q", ref)
	}
	id := strings.TrimPrefix(ref, refPrefix)
	if id == "" || strings.ContainsAny(id, ":/ ") {
		return "", fmt.Errorf("invalid document ref %q", ref)
	}
	return id, nil
}
