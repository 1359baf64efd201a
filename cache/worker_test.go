package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yeremiapane/restaurant-sync/database"
)

type origin struct {
	srv  *httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func (o *origin) hit(p string) {
	o.mu.Lock()
	o.hits[p]++
	o.mu.Unlock()
}

func (o *origin) count(p string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[p]
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{hits: map[string]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/v1/menu_items", func(w http.ResponseWriter, r *http.Request) {
		o.hit(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"m1","name":"Soto Ayam"}]`))
	})
	mux.HandleFunc("/rest/v1/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/img/soto.png", func(w http.ResponseWriter, r *http.Request) {
		o.hit(r.URL.Path)
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("PNGDATA"))
	})
	mux.HandleFunc("/assets/app.js", func(w http.ResponseWriter, r *http.Request) {
		o.hit(r.URL.Path)
		w.Write([]byte("console.log('pos')"))
	})
	mux.HandleFunc("/offline.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<h1>Sedang offline</h1>"))
	})
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<h1>Orders</h1>"))
	})
	mux.HandleFunc("/api/echo", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(r.Method))
	})
	o.srv = httptest.NewServer(mux)
	t.Cleanup(o.srv.Close)
	return o
}

func newStorage(t *testing.T) *Storage {
	t.Helper()
	db, err := database.OpenLocal(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })
	s, err := NewStorage(db, 8)
	require.NoError(t, err)
	return s
}

func newWorker(t *testing.T, storage *Storage, originURL, version string) *Worker {
	t.Helper()
	w, err := NewWorker(Config{
		OriginURL:    originURL,
		Version:      version,
		DataPrefixes: []string{"/rest/v1/"},
		OfflinePage:  "/offline.html",
		PrecacheURLs: []string{"/assets/app.js"},
	}, storage)
	require.NoError(t, err)
	return w
}

func get(w http.Handler, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)
	return rec
}

func TestClassify(t *testing.T) {
	prefixes := []string{"/rest/v1/"}
	tests := []struct {
		method string
		target string
		header map[string]string
		want   Class
	}{
		{http.MethodGet, "/rest/v1/orders?select=*", nil, ClassData},
		{http.MethodPost, "/rest/v1/orders", nil, ClassPassthrough},
		{http.MethodGet, "/kasir", map[string]string{"Accept": "text/html,application/xhtml+xml"}, ClassNavigation},
		{http.MethodGet, "/kasir", map[string]string{"Sec-Fetch-Mode": "navigate"}, ClassNavigation},
		{http.MethodGet, "/img/nasi-goreng.JPG", nil, ClassImage},
		{http.MethodGet, "/render/abc", map[string]string{"Sec-Fetch-Dest": "image"}, ClassImage},
		{http.MethodGet, "/assets/index-4f2a.js", nil, ClassStatic},
		{http.MethodGet, "/fonts/inter.woff2", nil, ClassStatic},
		{http.MethodGet, "/healthz", nil, ClassPassthrough},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.target, nil)
		for k, v := range tt.header {
			req.Header.Set(k, v)
		}
		assert.Equal(t, tt.want, Classify(req, prefixes), "%s %s", tt.method, tt.target)
	}
}

// a. data read cached online, served from cache offline
func TestDataNetworkFirstFallsBackToCache(t *testing.T) {
	o := newOrigin(t)
	w := newWorker(t, newStorage(t), o.srv.URL, "v1")

	online := get(w, "/rest/v1/menu_items?select=*", nil)
	require.Equal(t, http.StatusOK, online.Code)
	assert.Equal(t, "network", online.Header().Get("X-Cache-Status"))
	body := online.Body.String()

	o.srv.Close()
	offline := get(w, "/rest/v1/menu_items?select=*", nil)
	assert.Equal(t, http.StatusOK, offline.Code)
	assert.Equal(t, body, offline.Body.String())
	assert.Equal(t, "true", offline.Header().Get("X-Offline"))
	assert.Equal(t, "application/json", offline.Header().Get("Content-Type"))
}

func TestDataWithoutCacheGetsEmptyResult(t *testing.T) {
	o := newOrigin(t)
	w := newWorker(t, newStorage(t), o.srv.URL, "v1")
	o.srv.Close()

	rec := get(w, "/rest/v1/orders", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Equal(t, "true", rec.Header().Get("X-Offline"))
}

func TestDataErrorsAreNotCached(t *testing.T) {
	o := newOrigin(t)
	s := newStorage(t)
	w := newWorker(t, s, o.srv.URL, "v1")

	rec := get(w, "/rest/v1/broken", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	keys, err := s.Keys(context.Background(), w.CacheName(ClassData))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

// b. image never fetched, origin down: placeholder instead of an error
func TestImageOfflineWithoutCacheGetsPlaceholder(t *testing.T) {
	o := newOrigin(t)
	w := newWorker(t, newStorage(t), o.srv.URL, "v1")
	o.srv.Close()

	rec := get(w, "/img/rendang.png", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "<svg"))
}

func TestImageCacheFirst(t *testing.T) {
	o := newOrigin(t)
	w := newWorker(t, newStorage(t), o.srv.URL, "v1")

	first := get(w, "/img/soto.png", nil)
	assert.Equal(t, "PNGDATA", first.Body.String())
	second := get(w, "/img/soto.png", nil)
	assert.Equal(t, "PNGDATA", second.Body.String())
	assert.Equal(t, "hit", second.Header().Get("X-Cache-Status"))
	assert.Equal(t, 1, o.count("/img/soto.png"))
}

func TestStaticCacheFirstAndUnavailable(t *testing.T) {
	o := newOrigin(t)
	w := newWorker(t, newStorage(t), o.srv.URL, "v1")

	get(w, "/assets/app.js", nil)
	o.srv.Close()

	cached := get(w, "/assets/app.js", nil)
	assert.Equal(t, http.StatusOK, cached.Code)
	assert.Equal(t, "console.log('pos')", cached.Body.String())

	missing := get(w, "/assets/other.css", nil)
	assert.Equal(t, http.StatusServiceUnavailable, missing.Code)
}

// c. navigation offline with no copy of the page: the offline page
func TestNavigationOfflineServesOfflinePage(t *testing.T) {
	o := newOrigin(t)
	w := newWorker(t, newStorage(t), o.srv.URL, "v1")
	require.NoError(t, w.Install(context.Background()))
	o.srv.Close()

	rec := get(w, "/kasir", map[string]string{"Accept": "text/html"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<h1>Sedang offline</h1>", rec.Body.String())
}

func TestNavigationOfflinePrefersCachedPage(t *testing.T) {
	o := newOrigin(t)
	w := newWorker(t, newStorage(t), o.srv.URL, "v1")
	require.NoError(t, w.Install(context.Background()))

	get(w, "/orders", map[string]string{"Sec-Fetch-Mode": "navigate"})
	o.srv.Close()

	rec := get(w, "/orders", map[string]string{"Sec-Fetch-Mode": "navigate"})
	assert.Equal(t, "<h1>Orders</h1>", rec.Body.String())
}

func TestNavigationWithoutAnyFallback(t *testing.T) {
	o := newOrigin(t)
	w := newWorker(t, newStorage(t), o.srv.URL, "v1")
	o.srv.Close()

	rec := get(w, "/kasir", map[string]string{"Accept": "text/html"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// d. activation with a new version purges the old generation
func TestActivatePurgesOldGenerations(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(t)
	s := newStorage(t)

	old := newWorker(t, s, o.srv.URL, "v1")
	require.NoError(t, old.Install(ctx))
	get(old, "/rest/v1/menu_items", nil)
	get(old, "/img/soto.png", nil)

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"data-v1", "images-v1", "static-v1"}, names)

	next := newWorker(t, s, o.srv.URL, "v2")
	require.NoError(t, next.Install(ctx))
	purged, err := next.Activate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"data-v1", "images-v1", "static-v1"}, purged)
	assert.True(t, next.Activated())

	names, err = s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"static-v2"}, names)

	// the hot front forgot them too
	_, ok, err := s.Get(ctx, "images-v1", "/img/soto.png")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandleMessage(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(t)
	s := newStorage(t)
	w := newWorker(t, s, o.srv.URL, "v3")

	res, err := w.HandleMessage(ctx, Message{Type: MessageCacheURLs, URLs: []string{"/img/soto.png", "/assets/app.js", "/missing.png"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Cached)
	assert.Equal(t, 1, res.Failed)

	keys, err := s.Keys(ctx, "images-v3")
	require.NoError(t, err)
	assert.Equal(t, []string{"/img/soto.png"}, keys)

	require.NoError(t, s.Put(ctx, "images-v2", "/img/old.png", Response{Status: 200, Body: []byte("x")}))
	res, err = w.HandleMessage(ctx, Message{Type: MessageSkipWaiting})
	require.NoError(t, err)
	assert.Equal(t, []string{"images-v2"}, res.Purged)

	_, err = w.HandleMessage(ctx, Message{Type: "CLAIM"})
	assert.Error(t, err)
}

func TestPassthrough(t *testing.T) {
	o := newOrigin(t)
	w := newWorker(t, newStorage(t), o.srv.URL, "v1")

	req := httptest.NewRequest(http.MethodPost, "/api/echo", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "POST", rec.Body.String())

	o.srv.Close()
	rec = httptest.NewRecorder()
	w.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/echo", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStoragePersistsBeyondHotFront(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Put(ctx, "data-v1", "/k/"+string(rune('a'+i)), Response{
			Status: 200,
			Header: http.Header{"Content-Type": {"application/json"}},
			Body:   []byte{byte(i)},
		}))
	}
	resp, ok, err := s.Get(ctx, "data-v1", "/k/a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0}, resp.Body)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestNewWorkerRejectsBadOrigin(t *testing.T) {
	_, err := NewWorker(Config{OriginURL: "not a url"}, nil)
	assert.Error(t, err)
}
