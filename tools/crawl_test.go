package tools

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/stagehand/failure"
)

const startHTML = `<html><head><title>Start</title></head><body>
<img src="/pic.png" alt="A   panel">
<img src="/pic.png">
<a href="/article">article</a>
<a href="/login">log in</a>
<a href="/pic.png">picture</a>
<a href="https://other.invalid/x">elsewhere</a>
<a href="/missing">gone</a>
</body></html>`

var pngBytes = []byte("\x89PNG\r\n\x1a\npixels")

func newCrawlServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, startHTML)
	})
	mux.HandleFunc("/article", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, articleHTML)
	})
	mux.HandleFunc("/pic.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCrawlSite(t *testing.T) {
	srv := newCrawlServer(t)
	d := newDispatcher(t, Config{Workspace: t.TempDir(), HTTPClient: srv.Client()})

	res := call(t, d, "crawl_site", map[string]any{
		"urls":           []string{srv.URL + "/start"},
		"same_host":      true,
		"include_images": true,
	})
	require.True(t, res.OK(), res.Output())
	out := res.Output()

	assert.Contains(t, out, "Depth 1:\n- "+srv.URL+"/start: Start (5 links)\n    image: "+srv.URL+"/pic.png (A panel)\nDepth 2:\n")
	assert.Contains(t, out, "- "+srv.URL+"/article: Solar Basics (3 links)\n")
	assert.Contains(t, out, "- "+srv.URL+"/missing (error: ")
	assert.Contains(t, out, "status 404")
	assert.NotContains(t, out, "/login")
	assert.NotContains(t, out, "other.invalid")
	assert.NotContains(t, out, "/home", "depth 2 is the last level")
	assert.Contains(t, out, "Pages visited: 3")
}

func TestCrawlSiteLimits(t *testing.T) {
	srv := newCrawlServer(t)
	d := newDispatcher(t, Config{Workspace: t.TempDir(), HTTPClient: srv.Client()})

	res := call(t, d, "crawl_site", map[string]any{"urls": []string{srv.URL + "/start"}, "max_pages": 1})
	require.True(t, res.OK(), res.Output())
	assert.Equal(t, "Depth 1:\n- "+srv.URL+"/start: Start (5 links)\nPages visited: 1", res.Output())

	res = call(t, d, "crawl_site", map[string]any{"urls": []string{}})
	require.NotNil(t, res.Failure)
	assert.Equal(t, failure.InvalidArgs, res.Failure.Kind)

	assert.Equal(t, defaultCrawlDepth, bounded(0, defaultCrawlDepth, maxCrawlDepth))
	assert.Equal(t, maxCrawlDepth, bounded(9, defaultCrawlDepth, maxCrawlDepth))
}

func TestFollowable(t *testing.T) {
	tests := []struct {
		link string
		want bool
	}{
		{"https://example.com/guide", true},
		{"https://example.com/Login?next=/", false},
		{"https://example.com/privacy-policy", false},
		{"https://example.com/photo.JPG", false},
		{"https://example.com/photo.png?size=2", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, followable(tt.link), tt.link)
	}
}

func TestSaveImageFromURL(t *testing.T) {
	srv := newCrawlServer(t)
	dir := t.TempDir()
	d := newDispatcher(t, Config{Workspace: dir, HTTPClient: srv.Client()})

	res := call(t, d, "save_image_from_url", map[string]any{"url": srv.URL + "/pic.png", "path": "images/panel.png"})
	require.True(t, res.OK(), res.Output())
	assert.Contains(t, res.Output(), "(image/png, 14.0 B) to images/panel.png")
	data, err := os.ReadFile(filepath.Join(dir, "images", "panel.png"))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)

	res = call(t, d, "save_image_from_url", map[string]any{"url": srv.URL + "/article", "path": "article.png"})
	require.NotNil(t, res.Failure)
	assert.Equal(t, failure.ExecutionError, res.Failure.Kind)
	assert.Contains(t, res.Failure.Error(), "is not an image")
	assert.NoFileExists(t, filepath.Join(dir, "article.png"))

	res = call(t, d, "save_image_from_url", map[string]any{"url": srv.URL + "/pic.png", "path": "../escape.png"})
	require.NotNil(t, res.Failure)
	assert.Equal(t, failure.InvalidArgs, res.Failure.Kind)
}

func TestSaveImageFromURLRejectsLargeBodies(t *testing.T) {
	srv := newCrawlServer(t)
	dir := t.TempDir()
	d := newDispatcher(t, Config{Workspace: dir, HTTPClient: srv.Client(), MaxBodyBytes: 4})

	res := call(t, d, "save_image_from_url", map[string]any{"url": srv.URL + "/pic.png", "path": "panel.png"})
	require.NotNil(t, res.Failure)
	assert.Contains(t, res.Failure.Error(), "larger than 4 bytes")
	assert.NoFileExists(t, filepath.Join(dir, "panel.png"))
}
