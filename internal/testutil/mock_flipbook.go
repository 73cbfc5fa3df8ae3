// Package testutil provides testing utilities for the flipbook mirror.
package testutil

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       []byte
	Headers    map[string]string
	Delay      time.Duration
}

// MockFlipbook is a configurable mock flipbook host for testing.
// Paths without a handler answer 404.
type MockFlipbook struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	requestCount      int
	conditionalCount  int
	paths             map[string]int
	userAgents        map[string]int
	lastRequestHeader http.Header
}

// NewMockFlipbook creates and starts a mock host.
func NewMockFlipbook() *MockFlipbook {
	mock := &MockFlipbook{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		paths:      make(map[string]int),
		userAgents: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.paths[r.URL.Path]++
		mock.userAgents[r.Header.Get("User-Agent")]++
		mock.lastRequestHeader = r.Header.Clone()
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.conditionalCount++
		}
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		http.NotFound(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockFlipbook) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockFlipbook) Close() {
	m.server.Close()
}

// Reset clears all tracking counters. Handlers are kept.
func (m *MockFlipbook) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.conditionalCount = 0
	m.paths = make(map[string]int)
	m.userAgents = make(map[string]int)
	m.lastRequestHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockFlipbook) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a static response for a path.
func (m *MockFlipbook) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if len(resp.Body) > 0 {
			w.Write(resp.Body)
		}
	})
}

// SetConfig serves a config.js for documentID embedding the given raw page references.
func (m *MockFlipbook) SetConfig(documentID string, refs []string) {
	m.SetResponse(ConfigPath(documentID), MockResponse{
		StatusCode: http.StatusOK,
		Body:       []byte(ConfigJS(refs)),
		Headers:    map[string]string{"Content-Type": "application/javascript"},
	})
}

// SetPage serves body with status 200 for one page image.
func (m *MockFlipbook) SetPage(documentID, key, ext string, body []byte) {
	m.SetResponse(PagePath(documentID, key, ext), MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "image/" + ext},
	})
}

// RequestCount returns the number of requests made to the server.
func (m *MockFlipbook) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// ConditionalCount returns the number of conditional requests.
func (m *MockFlipbook) ConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conditionalCount
}

// PathCount returns how often path was requested.
func (m *MockFlipbook) PathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths[path]
}

// UserAgents returns the distinct User-Agent values seen so far.
func (m *MockFlipbook) UserAgents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.userAgents))
	for ua := range m.userAgents {
		out = append(out, ua)
	}
	return out
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockFlipbook) LastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequestHeader
}

// ConfigPath returns the config.js path of a document.
func ConfigPath(documentID string) string {
	return "/" + strings.Trim(documentID, "/") + "/javascript/config.js"
}

// PagePath returns the image path of a page.
func PagePath(documentID, key, ext string) string {
	return "/" + strings.Trim(documentID, "/") + "/files/large/" + key + "." + ext
}

// ConfigJS renders a viewer config script listing refs as page entries.
func ConfigJS(refs []string) string {
	var b strings.Builder
	b.WriteString("var bookConfig = {\"title\":\"mock\"};\n")
	b.WriteString("var htmlConfig = {\"meta\":{\"title\":\"Mock Book\"},\"fliphtml5_pages\":[")
	for i, ref := range refs {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "{\"n\":[%q],\"t\":\"./files/thumb/%d.jpg\"}", ref, i+1)
	}
	b.WriteString("]};\n")
	b.WriteString("var extra = {};\n")
	return b.String()
}

// SolidImage returns a w×h raster filled with c.
func SolidImage(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// JPEGBytes encodes a solid w×h JPEG.
func JPEGBytes(w, h int) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, SolidImage(w, h, color.RGBA{R: 200, G: 80, B: 40, A: 255}), nil); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// PNGBytes encodes a solid w×h PNG. Tests serve it under .webp URLs since the
// fetcher sniffs the format rather than trusting the extension.
func PNGBytes(w, h int) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, SolidImage(w, h, color.RGBA{R: 20, G: 120, B: 220, A: 255})); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// JFIFWithDensity returns JPEG bytes whose JFIF APP0 segment declares the given
// density. units: 1 = dots per inch, 2 = dots per cm.
func JFIFWithDensity(w, h int, units byte, xDensity, yDensity uint16) []byte {
	src := JPEGBytes(w, h)
	app0 := []byte{
		0xFF, 0xE0, 0x00, 0x10,
		'J', 'F', 'I', 'F', 0x00,
		0x01, 0x02,
		units,
		byte(xDensity >> 8), byte(xDensity),
		byte(yDensity >> 8), byte(yDensity),
		0x00, 0x00,
	}
	out := make([]byte, 0, len(src)+len(app0))
	out = append(out, src[:2]...) // SOI
	out = append(out, app0...)
	out = append(out, src[2:]...)
	return out
}

// NewConditionalHandler serves body with the given ETag and an Expires in the
// past, and answers 304 when If-None-Match matches. Every response is stale, so
// a caching client revalidates on each call.
func NewConditionalHandler(etag string, body string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Expires", time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat))

		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/javascript")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}
}
