// Package imagehost stores menu and order images in an S3 compatible bucket.
package imagehost

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type Image struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

type Host interface {
	Upload(ctx context.Context, name string, content []byte, contentType string) (Image, error)
	// Delete removes the image and reports how many bytes were freed. A
	// missing image frees 0 and is not an error.
	Delete(ctx context.Context, id string) (int64, error)
}

// objectKey -> images/<uuid><ext>
func objectKey(name string) string {
	return "images/" + uuid.NewString() + strings.ToLower(filepath.Ext(name))
}

func ContentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".svg":
		return "image/svg+xml"
	default:
		return "application/octet-stream"
	}
}

// MemoryHost keeps images in memory. Used when no bucket is configured and in tests.
type MemoryHost struct {
	BaseURL string

	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryHost(baseURL string) *MemoryHost {
	return &MemoryHost{BaseURL: strings.TrimRight(baseURL, "/"), objects: map[string][]byte{}}
}

func (h *MemoryHost) Upload(ctx context.Context, name string, content []byte, contentType string) (Image, error) {
	key := objectKey(name)
	h.mu.Lock()
	h.objects[key] = append([]byte(nil), content...)
	h.mu.Unlock()
	return Image{ID: key, URL: h.BaseURL + "/" + key, Size: int64(len(content))}, nil
}

func (h *MemoryHost) Delete(ctx context.Context, id string) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.objects[id]
	if !ok {
		return 0, nil
	}
	delete(h.objects, id)
	return int64(len(data)), nil
}

// Put stores an object under a fixed id.
func (h *MemoryHost) Put(id string, content []byte) {
	h.mu.Lock()
	h.objects[id] = content
	h.mu.Unlock()
}

func (h *MemoryHost) Has(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.objects[id]
	return ok
}
