// Package providers implements the three reference Provider
// implementations from spec §4.4, grounded on
// original_source/crates/zip_downloader/src/services/{gdrive,dropbox,speedrun}.rs.
package providers

import (
	"context"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/runverify/replay-runner/internal/retrytax"
	"github.com/runverify/replay-runner/internal/runmodel"
)

var googleDrivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`https://drive\.google\.com/file/d/([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`https://drive\.google\.com/open\?id=([a-zA-Z0-9_-]+)`),
}

// GoogleDrive is the "Cloud file-host A" provider (spec §4.4).
type GoogleDrive struct {
	client *http.Client
}

func NewGoogleDrive(client *http.Client) *GoogleDrive {
	if client == nil {
		client = http.DefaultClient
	}
	return &GoogleDrive{client: client}
}

func (g *GoogleDrive) Tag() string { return "gdrive" }

func (g *GoogleDrive) Detect(input string) (string, bool) {
	for _, p := range googleDrivePatterns {
		if m := p.FindStringSubmatch(input); m != nil {
			return m[1], true
		}
	}
	return "", false
}

func publicDownloadURL(fileID string) string {
	return "https://drive.google.com/uc?export=download&id=" + fileID
}

func (g *GoogleDrive) GetFileInfo(ctx context.Context, handle string) (runmodel.FileMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, publicDownloadURL(handle), nil)
	if err != nil {
		return runmodel.FileMeta{}, retrytax.Retryablef("build gdrive request: %v", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return runmodel.FileMeta{}, retrytax.Retryablef("request gdrive metadata: %v", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1))

	if err := classifyHTTPStatus(resp); err != nil {
		return runmodel.FileMeta{}, err
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return runmodel.FileMeta{}, retrytax.Retryablef("file requires authentication or is not publicly shared")
	}

	name := "unknown"
	if disposition := resp.Header.Get("Content-Disposition"); disposition != "" {
		if idx := strings.Index(disposition, "filename="); idx >= 0 {
			name = strings.Trim(disposition[idx+len("filename="):], `"`)
		}
	}
	var size int64
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			size = n
		}
	}
	return runmodel.FileMeta{Name: name, Size: size}, nil
}

func (g *GoogleDrive) Download(ctx context.Context, handle string, destinationPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, publicDownloadURL(handle), nil)
	if err != nil {
		return retrytax.Retryablef("build gdrive request: %v", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return retrytax.Retryablef("request gdrive download: %v", err)
	}
	defer resp.Body.Close()

	if err := classifyHTTPStatus(resp); err != nil {
		return err
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return retrytax.Retryablef("file requires authentication or is not publicly shared")
	}

	out, err := os.Create(destinationPath)
	if err != nil {
		return retrytax.Retryablef("create destination file: %v", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return retrytax.Retryablef("stream gdrive download: %v", err)
	}
	return nil
}

// classifyHTTPStatus maps an HTTP response status to the taxonomy per
// spec §4.4 "Failure semantics": 404 → Final, 429 with Retry-After →
// RateLimited, 5xx/other non-2xx → Retryable.
func classifyHTTPStatus(resp *http.Response) *retrytax.ClassifiedError {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return retrytax.Finalf("HTTP 404 from provider")
	case resp.StatusCode == http.StatusTooManyRequests:
		return retrytax.RateLimitedf(parseRetryAfter(resp), "HTTP 429 from provider")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return retrytax.Retryablef("HTTP %d from provider (token may need rotation)", resp.StatusCode)
	default:
		return retrytax.Retryablef("HTTP %d from provider", resp.StatusCode)
	}
}
