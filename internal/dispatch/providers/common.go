package providers

import (
	"net/http"
	"strconv"
	"time"
)

// parseRetryAfter reads a Retry-After header (seconds form) into a
// duration pointer, or nil if absent/unparseable — callers then fall back
// to backoff math (spec §4.2 item 3).
func parseRetryAfter(resp *http.Response) *time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	d := time.Duration(secs) * time.Second
	return &d
}
