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

var speedrunPattern = regexp.MustCompile(`https://(?:www\.)?speedrun\.com/static/resource/[a-zA-Z0-9]+\.zip(?:\?[^\s#]*)?`)

// browserUserAgent matches the Rust original's static-host provider,
// which some hosts otherwise reject as non-browser traffic.
const browserUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Speedrun is the tracked service's own static host (spec §4.4).
type Speedrun struct {
	client *http.Client
}

func NewSpeedrun(client *http.Client) *Speedrun {
	if client == nil {
		client = http.DefaultClient
	}
	return &Speedrun{client: client}
}

func (s *Speedrun) Tag() string { return "speedrun_static" }

func (s *Speedrun) Detect(input string) (string, bool) {
	if m := speedrunPattern.FindString(input); m != "" {
		return m, true
	}
	return "", false
}

func (s *Speedrun) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserUserAgent)
	return req, nil
}

func (s *Speedrun) GetFileInfo(ctx context.Context, handle string) (runmodel.FileMeta, error) {
	req, err := s.newRequest(ctx, http.MethodHead, handle)
	if err != nil {
		return runmodel.FileMeta{}, retrytax.Retryablef("build speedrun HEAD request: %v", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return runmodel.FileMeta{}, retrytax.Retryablef("request speedrun metadata: %v", err)
	}
	defer resp.Body.Close()

	name := fallbackName(handle)
	if cerr := classifyHTTPStatus(resp); cerr != nil {
		// The file name always comes from the URL; a non-2xx HEAD
		// response returns its failure class with no metadata.
		return runmodel.FileMeta{}, cerr
	}

	var size int64
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			size = n
		}
	}
	return runmodel.FileMeta{Name: name, Size: size}, nil
}

func fallbackName(url string) string {
	parts := strings.Split(url, "/")
	last := parts[len(parts)-1]
	if idx := strings.Index(last, "?"); idx >= 0 {
		last = last[:idx]
	}
	if last == "" {
		return "unknown.zip"
	}
	return last
}

func (s *Speedrun) Download(ctx context.Context, handle string, destinationPath string) error {
	req, err := s.newRequest(ctx, http.MethodGet, handle)
	if err != nil {
		return retrytax.Retryablef("build speedrun download request: %v", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return retrytax.Retryablef("request speedrun download: %v", err)
	}
	defer resp.Body.Close()

	if cerr := classifyHTTPStatus(resp); cerr != nil {
		return cerr
	}

	out, err := os.Create(destinationPath)
	if err != nil {
		return retrytax.Retryablef("create destination file: %v", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return retrytax.Retryablef("stream speedrun download: %v", err)
	}
	return nil
}
