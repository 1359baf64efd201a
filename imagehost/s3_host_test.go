package imagehost

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yeremiapane/restaurant-sync/apperrors"
)

// fakeS3 serves path-style PUT/HEAD/DELETE for a single bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	deletes int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] != "menu" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	key := parts[1]

	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodHead:
		data, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		f.deletes++
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestS3Host(t *testing.T) (*S3Host, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	h, err := NewS3Host(context.Background(), S3Config{
		Bucket:          "menu",
		Endpoint:        srv.URL,
		Region:          "auto",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		PublicURL:       "https://img.example.com",
	})
	require.NoError(t, err)
	return h, fake
}

func TestS3HostUploadAndDelete(t *testing.T) {
	ctx := context.Background()
	h, fake := newTestS3Host(t)

	img, err := h.Upload(ctx, "Nasi Goreng.PNG", []byte("PNGDATA"), "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(img.ID, "images/"))
	assert.True(t, strings.HasSuffix(img.ID, ".png"))
	assert.Equal(t, "https://img.example.com/"+img.ID, img.URL)
	assert.Equal(t, int64(7), img.Size)

	fake.mu.Lock()
	assert.Equal(t, []byte("PNGDATA"), fake.objects[img.ID])
	fake.mu.Unlock()

	freed, err := h.Delete(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), freed)

	fake.mu.Lock()
	assert.Empty(t, fake.objects)
	fake.mu.Unlock()
}

func TestS3HostDeleteMissingFreesNothing(t *testing.T) {
	h, fake := newTestS3Host(t)
	freed, err := h.Delete(context.Background(), "images/gone.png")
	require.NoError(t, err)
	assert.Equal(t, int64(0), freed)
	assert.Equal(t, 0, fake.deletes)
}

func TestS3HostRejectsEmptyUpload(t *testing.T) {
	h, _ := newTestS3Host(t)
	_, err := h.Upload(context.Background(), "x.png", nil, "image/png")
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
}

func TestNewS3HostRequiresBucket(t *testing.T) {
	_, err := NewS3Host(context.Background(), S3Config{AccessKeyID: "a", SecretAccessKey: "b"})
	assert.Error(t, err)
}

func TestMemoryHost(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryHost("http://localhost/img/")
	img, err := h.Upload(ctx, "a.jpg", []byte("abc"), ContentTypeFor("a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost/img/"+img.ID, img.URL)
	assert.True(t, h.Has(img.ID))

	freed, err := h.Delete(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), freed)
	freed, err = h.Delete(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), freed)
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "image/jpeg", ContentTypeFor("a.JPEG"))
	assert.Equal(t, "image/webp", ContentTypeFor("b.webp"))
	assert.Equal(t, "application/octet-stream", ContentTypeFor("c"))
}
