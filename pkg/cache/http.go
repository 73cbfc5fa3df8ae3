package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTTL applies when a response carries no usable Expires header.
// Viewer configs change rarely, so an hour keeps re-runs cheap.
const DefaultTTL = 1 * time.Hour

// ResponseToEntry converts an HTTP response to an Entry.
// The response body is read and restored for the caller.
func ResponseToEntry(resp *http.Response) (*Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return NewEntry(resp.StatusCode, resp.Header, body), nil
}

// NewEntry builds an Entry from an already read response.
func NewEntry(statusCode int, headers http.Header, body []byte) *Entry {
	entry := &Entry{
		Data:       body,
		ETag:       headers.Get("ETag"),
		StatusCode: statusCode,
		CachedAt:   time.Now(),
		Expires:    parseExpires(headers),
	}

	if lastModStr := headers.Get("Last-Modified"); lastModStr != "" {
		if lastMod, err := http.ParseTime(lastModStr); err == nil {
			entry.LastModified = lastMod
		}
	}

	return entry
}

// ExpiresFrom returns the expiry implied by headers, as used for new entries.
func ExpiresFrom(headers http.Header) time.Time {
	return parseExpires(headers)
}

// parseExpires returns the Expires header time, or now + DefaultTTL when it is
// missing or unparsable. A past Expires yields now.
func parseExpires(headers http.Header) time.Time {
	expiresStr := headers.Get("Expires")
	if expiresStr == "" {
		return time.Now().Add(DefaultTTL)
	}

	expires, err := http.ParseTime(expiresStr)
	if err != nil {
		return time.Now().Add(DefaultTTL)
	}

	if expires.Before(time.Now()) {
		return time.Now()
	}

	return expires
}

// ShouldMakeConditionalRequest reports whether entry can be revalidated.
func ShouldMakeConditionalRequest(entry *Entry) bool {
	if entry == nil {
		return false
	}
	return entry.ETag != "" || !entry.LastModified.IsZero()
}

// AddConditionalHeaders adds If-None-Match (preferred) or If-Modified-Since to req.
func AddConditionalHeaders(req *http.Request, entry *Entry) {
	if entry == nil || req == nil {
		return
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}

	if entry.ETag != "" {
		req.Header.Set("If-None-Match", entry.ETag)
	} else if !entry.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", entry.LastModified.UTC().Format(http.TimeFormat))
	}
}
