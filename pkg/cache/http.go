package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EntryFromResponse captures an HTTP response as a cache entry.
// It reads the body to completion and then restores resp.Body with an
// independent reader over the same bytes, so the caller can still stream the
// response out. The reader handed back and any copy taken from the entry
// never share a cursor.
//
// On a read failure the bytes received so far are restored and the error is
// returned: storage is skipped, the response path proceeds with what arrived.
func EntryFromResponse(resp *http.Response) (*Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()

	// Restore body for caller
	resp.Body = io.NopCloser(bytes.NewReader(body))

	if readErr != nil {
		return nil, fmt.Errorf("read response body: %w", readErr)
	}

	return &Entry{
		Body:       string(body),
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		CachedAt:   time.Now(),
	}, nil
}
