package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"

	"github.com/runverify/replay-runner/internal/retrytax"
	"github.com/runverify/replay-runner/internal/runmodel"
)

var dropboxPatterns = []*regexp.Regexp{
	regexp.MustCompile(`https://(?:www\.)?dropbox\.com/scl/fi/[^/]+/[^?\s]+(?:\?[^\s#]*)?`),
	regexp.MustCompile(`https://(?:www\.)?dropbox\.com/s/[^/]+/[^?\s]+(?:\?[^\s#]*)?`),
}

// Dropbox is "Cloud file-host B" (spec §4.4). It talks to Dropbox's shared
// link HTTP API directly with a bearer token, since the module has no
// Dropbox SDK dependency — just a narrow REST caller in the teacher's
// plain-net/http style.
type Dropbox struct {
	client *http.Client
	token  string
}

// NewDropbox reads DROPBOX_TOKEN from the environment (spec §6
// "Environment": required iff provider B is used).
func NewDropbox(client *http.Client) (*Dropbox, error) {
	token := os.Getenv("DROPBOX_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("DROPBOX_TOKEN environment variable not set")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Dropbox{client: client, token: token}, nil
}

func (d *Dropbox) Tag() string { return "dropbox" }

func (d *Dropbox) Detect(input string) (string, bool) {
	for _, p := range dropboxPatterns {
		if m := p.FindString(input); m != "" {
			return m, true
		}
	}
	return "", false
}

type dropboxSharedLinkMetadata struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

func (d *Dropbox) GetFileInfo(ctx context.Context, handle string) (runmodel.FileMeta, error) {
	body, _ := json.Marshal(map[string]string{"url": handle})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.dropboxapi.com/2/sharing/get_shared_link_metadata", bytes.NewReader(body))
	if err != nil {
		return runmodel.FileMeta{}, retrytax.Retryablef("build dropbox metadata request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return runmodel.FileMeta{}, retrytax.Retryablef("request dropbox metadata: %v", err)
	}
	defer resp.Body.Close()

	if cerr := classifyHTTPStatus(resp); cerr != nil {
		return runmodel.FileMeta{}, cerr
	}

	var meta dropboxSharedLinkMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return runmodel.FileMeta{}, retrytax.Retryablef("decode dropbox metadata: %v", err)
	}
	return runmodel.FileMeta{Name: meta.Name, Size: meta.Size}, nil
}

func (d *Dropbox) Download(ctx context.Context, handle string, destinationPath string) error {
	args, _ := json.Marshal(map[string]string{"url": handle})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://content.dropboxapi.com/2/sharing/get_shared_link_file", nil)
	if err != nil {
		return retrytax.Retryablef("build dropbox download request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.token)
	req.Header.Set("Dropbox-API-Arg", string(args))

	resp, err := d.client.Do(req)
	if err != nil {
		return retrytax.Retryablef("request dropbox download: %v", err)
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
		return retrytax.Retryablef("stream dropbox download: %v", err)
	}
	return nil
}
