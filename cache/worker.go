// Package cache serves front-end requests with a per-class caching
// discipline so the floor UI keeps working while the origin is unreachable.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yeremiapane/restaurant-sync/apperrors"
	"github.com/yeremiapane/restaurant-sync/metrics"
	"github.com/yeremiapane/restaurant-sync/utils"
)

type Class string

const (
	ClassNavigation  Class = "navigation"
	ClassImage       Class = "image"
	ClassStatic      Class = "static"
	ClassData        Class = "data"
	ClassPassthrough Class = "passthrough"
)

var (
	imageExts  = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".svg": true, ".avif": true, ".ico": true}
	staticExts = map[string]bool{".js": true, ".mjs": true, ".css": true, ".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".map": true, ".json": true, ".webmanifest": true}
)

// Classify decides which discipline applies to r.
func Classify(r *http.Request, dataPrefixes []string) Class {
	if r.Method != http.MethodGet {
		return ClassPassthrough
	}
	p := r.URL.Path
	for _, prefix := range dataPrefixes {
		if prefix != "" && strings.HasPrefix(p, prefix) {
			return ClassData
		}
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" || strings.Contains(r.Header.Get("Accept"), "text/html") {
		return ClassNavigation
	}
	ext := strings.ToLower(path.Ext(p))
	if imageExts[ext] || r.Header.Get("Sec-Fetch-Dest") == "image" {
		return ClassImage
	}
	if staticExts[ext] || strings.HasPrefix(p, "/assets/") || strings.HasPrefix(p, "/static/") {
		return ClassStatic
	}
	return ClassPassthrough
}

type Config struct {
	OriginURL    string
	Version      string
	DataPrefixes []string
	OfflinePage  string
	PrecacheURLs []string
	Client       *http.Client
}

// Worker is an http.Handler proxying to the origin with caching.
type Worker struct {
	cfg     Config
	origin  *url.URL
	storage *Storage
	client  *http.Client

	mu        sync.RWMutex
	activated bool
}

func NewWorker(cfg Config, storage *Storage) (*Worker, error) {
	origin, err := url.Parse(cfg.OriginURL)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid cache origin url %q", cfg.OriginURL)
	}
	if cfg.Version == "" {
		cfg.Version = "v1"
	}
	if cfg.OfflinePage == "" {
		cfg.OfflinePage = "/offline.html"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Worker{cfg: cfg, origin: origin, storage: storage, client: client}, nil
}

// CacheName is the versioned namespace for a class.
func (w *Worker) CacheName(c Class) string {
	switch c {
	case ClassImage:
		return "images-" + w.cfg.Version
	case ClassData:
		return "data-" + w.cfg.Version
	case ClassNavigation:
		return "pages-" + w.cfg.Version
	default:
		return "static-" + w.cfg.Version
	}
}

// CacheNames is the current version set.
func (w *Worker) CacheNames() []string {
	return []string{
		w.CacheName(ClassStatic),
		w.CacheName(ClassImage),
		w.CacheName(ClassData),
		w.CacheName(ClassNavigation),
	}
}

func (w *Worker) Storage() *Storage {
	return w.storage
}

func (w *Worker) Activated() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.activated
}

// Install precaches the offline page and the configured URLs into the
// current static cache. Every URL is attempted; failures are joined.
func (w *Worker) Install(ctx context.Context) error {
	urls := append([]string{w.cfg.OfflinePage}, w.cfg.PrecacheURLs...)
	var errs []error
	for _, u := range urls {
		if err := w.prefetch(ctx, w.CacheName(ClassStatic), u); err != nil {
			errs = append(errs, err)
		}
	}
	utils.InfoLogger.Printf("Cache %s installed (%d urls, %d failed)", w.cfg.Version, len(urls), len(errs))
	return errors.Join(errs...)
}

// Activate deletes every cache outside the current version set and returns
// the purged names.
func (w *Worker) Activate(ctx context.Context) ([]string, error) {
	names, err := w.storage.Names(ctx)
	if err != nil {
		return nil, err
	}
	keep := make(map[string]bool)
	for _, n := range w.CacheNames() {
		keep[n] = true
	}

	var purged []string
	for _, name := range names {
		if keep[name] {
			continue
		}
		if err := w.storage.DeleteCache(ctx, name); err != nil {
			return purged, err
		}
		purged = append(purged, name)
	}
	sort.Strings(purged)

	w.mu.Lock()
	w.activated = true
	w.mu.Unlock()
	if len(purged) > 0 {
		utils.InfoLogger.Printf("Cache %s activated, purged %v", w.cfg.Version, purged)
	}
	return purged, nil
}

// Message is a command from the page.
type Message struct {
	Type string   `json:"type" binding:"required"`
	URLs []string `json:"urls"`
}

const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageCacheURLs   = "CACHE_URLS"
)

type MessageResult struct {
	Purged []string `json:"purged,omitempty"`
	Cached int      `json:"cached"`
	Failed int      `json:"failed"`
}

func (w *Worker) HandleMessage(ctx context.Context, msg Message) (MessageResult, error) {
	switch msg.Type {
	case MessageSkipWaiting:
		purged, err := w.Activate(ctx)
		return MessageResult{Purged: purged}, err
	case MessageCacheURLs:
		return w.Prefetch(ctx, msg.URLs), nil
	}
	return MessageResult{}, apperrors.Validation("cache message", "unknown message type "+msg.Type)
}

// Prefetch stores urls in the image or static cache.
func (w *Worker) Prefetch(ctx context.Context, urls []string) MessageResult {
	var res MessageResult
	for _, u := range urls {
		cacheName := w.CacheName(ClassStatic)
		if parsed, err := url.Parse(u); err == nil && imageExts[strings.ToLower(path.Ext(parsed.Path))] {
			cacheName = w.CacheName(ClassImage)
		}
		if err := w.prefetch(ctx, cacheName, u); err != nil {
			utils.InfoLogger.Warnf("Prefetch %s failed: %v", u, err)
			res.Failed++
			continue
		}
		res.Cached++
	}
	return res
}

func (w *Worker) prefetch(ctx context.Context, cacheName, raw string) error {
	target, key, err := w.resolve(raw)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := w.do(req)
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return fmt.Errorf("%s: status %d", raw, resp.Status)
	}
	return w.storage.Put(ctx, cacheName, key, resp)
}

// resolve turns a path or URL into the fetch target and the cache key.
// Same-origin URLs are keyed by request URI, foreign ones by full URL.
func (w *Worker) resolve(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.IsAbs() && u.Host != w.origin.Host {
		return u.String(), u.String(), nil
	}
	target := *w.origin
	target.Path = u.Path
	target.RawQuery = u.RawQuery
	return target.String(), u.RequestURI(), nil
}

var hopHeaders = []string{"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade"}

// fetch forwards r to the origin and reads the whole response.
func (w *Worker) fetch(r *http.Request) (Response, error) {
	target := *w.origin
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery

	var body io.Reader
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return Response{}, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		return Response{}, err
	}
	req.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	return w.do(req)
}

func (w *Worker) do(req *http.Request) (Response, error) {
	resp, err := w.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}
	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	header.Del("Content-Length")
	return Response{Status: resp.StatusCode, Header: header, Body: data, StoredAt: time.Now().UTC()}, nil
}

func write(rw http.ResponseWriter, resp Response, source string) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			rw.Header().Add(k, v)
		}
	}
	rw.Header().Set("X-Cache-Status", source)
	rw.WriteHeader(resp.Status)
	rw.Write(resp.Body)
}

func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	class := Classify(r, w.cfg.DataPrefixes)
	var outcome string
	switch class {
	case ClassData:
		outcome = w.networkFirst(rw, r)
	case ClassImage:
		outcome = w.cacheFirst(rw, r, class, imagePlaceholder)
	case ClassStatic:
		outcome = w.cacheFirst(rw, r, class, unavailable)
	case ClassNavigation:
		outcome = w.navigate(rw, r)
	default:
		outcome = w.passthrough(rw, r)
	}
	metrics.CacheLookups.WithLabelValues(string(class), outcome).Inc()
}

func (w *Worker) lookup(ctx context.Context, cacheName, key string) (Response, bool) {
	resp, ok, err := w.storage.Get(ctx, cacheName, key)
	if err != nil {
		utils.ErrorLogger.Errorf("Error reading cache %s: %v", cacheName, err)
		return Response{}, false
	}
	return resp, ok
}

func (w *Worker) store(ctx context.Context, cacheName, key string, resp Response) {
	if err := w.storage.Put(ctx, cacheName, key, resp); err != nil {
		utils.ErrorLogger.Errorf("Error writing cache %s: %v", cacheName, err)
	}
}

// networkFirst: fresh data when possible, last good copy otherwise, and an
// empty result as a last resort.
func (w *Worker) networkFirst(rw http.ResponseWriter, r *http.Request) string {
	cacheName, key := w.CacheName(ClassData), r.URL.RequestURI()
	resp, err := w.fetch(r)
	if err == nil {
		if resp.Status == http.StatusOK {
			w.store(r.Context(), cacheName, key, resp)
		}
		write(rw, resp, metrics.OutcomeNetwork)
		return metrics.OutcomeNetwork
	}
	if cached, ok := w.lookup(r.Context(), cacheName, key); ok {
		rw.Header().Set("X-Offline", "true")
		write(rw, cached, metrics.OutcomeStale)
		return metrics.OutcomeStale
	}
	rw.Header().Set("X-Offline", "true")
	write(rw, Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte("[]"),
	}, metrics.OutcomePlaceholder)
	return metrics.OutcomePlaceholder
}

func (w *Worker) cacheFirst(rw http.ResponseWriter, r *http.Request, class Class, fallback func(http.ResponseWriter) string) string {
	cacheName, key := w.CacheName(class), r.URL.RequestURI()
	if cached, ok := w.lookup(r.Context(), cacheName, key); ok {
		write(rw, cached, metrics.OutcomeHit)
		return metrics.OutcomeHit
	}
	resp, err := w.fetch(r)
	if err != nil {
		return fallback(rw)
	}
	if resp.Status == http.StatusOK {
		w.store(r.Context(), cacheName, key, resp)
	}
	write(rw, resp, metrics.OutcomeNetwork)
	return metrics.OutcomeNetwork
}

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="200" height="200" viewBox="0 0 200 200">` +
	`<rect width="200" height="200" fill="#e5e7eb"/>` +
	`<text x="100" y="105" font-family="sans-serif" font-size="14" fill="#6b7280" text-anchor="middle">Gambar tidak tersedia</text>` +
	`</svg>`

func imagePlaceholder(rw http.ResponseWriter) string {
	rw.Header().Set("X-Offline", "true")
	write(rw, Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"image/svg+xml"}, "Cache-Control": {"no-store"}},
		Body:   []byte(placeholderSVG),
	}, metrics.OutcomePlaceholder)
	return metrics.OutcomePlaceholder
}

func unavailable(rw http.ResponseWriter) string {
	write(rw, Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:   []byte("offline"),
	}, metrics.OutcomeError)
	return metrics.OutcomeError
}

// navigate passes document requests through and falls back to the last
// copy of the page, then to the offline page.
func (w *Worker) navigate(rw http.ResponseWriter, r *http.Request) string {
	cacheName, key := w.CacheName(ClassNavigation), r.URL.RequestURI()
	resp, err := w.fetch(r)
	if err == nil {
		if resp.Status == http.StatusOK {
			w.store(r.Context(), cacheName, key, resp)
		}
		write(rw, resp, metrics.OutcomeNetwork)
		return metrics.OutcomeNetwork
	}
	if cached, ok := w.lookup(r.Context(), cacheName, key); ok {
		write(rw, cached, metrics.OutcomeStale)
		return metrics.OutcomeStale
	}
	if page, ok := w.lookup(r.Context(), w.CacheName(ClassStatic), w.cfg.OfflinePage); ok {
		rw.Header().Set("X-Offline", "true")
		write(rw, page, metrics.OutcomePlaceholder)
		return metrics.OutcomePlaceholder
	}
	return unavailable(rw)
}

func (w *Worker) passthrough(rw http.ResponseWriter, r *http.Request) string {
	resp, err := w.fetch(r)
	if err != nil {
		write(rw, Response{
			Status: http.StatusServiceUnavailable,
			Header: http.Header{"Content-Type": {"application/json"}},
			Body:   []byte(`{"status":"error","message":"origin unreachable"}`),
		}, metrics.OutcomeError)
		return metrics.OutcomeError
	}
	write(rw, resp, metrics.OutcomeNetwork)
	return metrics.OutcomeNetwork
}
