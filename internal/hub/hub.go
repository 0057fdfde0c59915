// Package hub downloads model snapshots from a Hugging Face style hub:
// the repo file list comes from the models API, weights and tokenizer
// files from the resolve endpoint, with resumable partial files and
// sha256 validation.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/loam/internal/logger"
	"github.com/samcharles93/loam/internal/safetensors"
)

const (
	// DefaultEndpoint is used when LOAM_HUB_ENDPOINT is unset.
	DefaultEndpoint = "https://huggingface.co"

	EnvEndpoint  = "LOAM_HUB_ENDPOINT"
	EnvToken     = "LOAM_HUB_TOKEN"
	EnvModelsDir = "LOAM_MODELS_DIR"

	userAgent = "loam/1.0 (Go)"
)

// ErrAuth marks 401/403 responses from the hub.
var ErrAuth = fmt.Errorf("hub authentication failed (set %s)", EnvToken)

// Client talks to one hub endpoint.
type Client struct {
	Endpoint   string
	Token      string
	HTTPClient *http.Client

	log logger.Logger
}

// NewClient reads endpoint and token from the environment. Large
// downloads run without a client timeout; cancellation comes from ctx.
func NewClient(log logger.Logger) *Client {
	if log == nil {
		log = logger.Nop()
	}
	endpoint := os.Getenv(EnvEndpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		Endpoint:   strings.TrimRight(endpoint, "/"),
		Token:      os.Getenv(EnvToken),
		HTTPClient: &http.Client{},
		log:        log,
	}
}

// repoFile is one entry of the snapshot manifest.
type repoFile struct {
	Name   string
	Size   int64
	Sha256 string
}

// listFiles queries /api/models/{repo}/revision/{rev} with blob info.
func (c *Client) listFiles(ctx context.Context, repo, revision string) ([]repoFile, error) {
	url := fmt.Sprintf("%s/api/models/%s/revision/%s?blobs=true", c.Endpoint, repo, revision)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("list %s: %w", repo, ErrAuth)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list %s: status %d", repo, resp.StatusCode)
	}

	var manifest struct {
		Siblings []struct {
			Rfilename string `json:"rfilename"`
			Size      int64  `json:"size"`
			LFS       *struct {
				OID  string `json:"oid"`
				Size int64  `json:"size"`
			} `json:"lfs"`
		} `json:"siblings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("list %s: %w", repo, err)
	}

	var files []repoFile
	for _, s := range manifest.Siblings {
		f := repoFile{Name: s.Rfilename, Size: s.Size}
		if s.LFS != nil {
			f.Sha256 = strings.TrimPrefix(s.LFS.OID, "sha256:")
			if s.LFS.Size > 0 {
				f.Size = s.LFS.Size
			}
		}
		files = append(files, f)
	}
	return files, nil
}

// wantFile keeps the snapshot to what the pipeline loads: model config,
// tokenizer files and safetensors shards with their index.
func wantFile(name string) bool {
	if strings.Contains(name, "/") {
		return false
	}
	switch {
	case name == "config.json":
		return true
	case name == safetensors.IndexFile:
		return true
	case strings.HasPrefix(name, "tokenizer") && strings.HasSuffix(name, ".json"):
		return true
	case name == "special_tokens_map.json":
		return true
	case strings.HasSuffix(name, ".safetensors"):
		return true
	}
	return false
}

// Snapshot downloads the repo at revision into dir. Finished files are
// skipped, interrupted ones resume from their .partial remainder, and
// concurrent snapshots of the same dir serialize on a lock file.
func (c *Client) Snapshot(ctx context.Context, repo, revision, dir string) error {
	if revision == "" {
		revision = "main"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	unlock, err := acquireLock(ctx, filepath.Join(dir, ".lock"))
	if err != nil {
		return err
	}
	defer unlock()

	files, err := c.listFiles(ctx, repo, revision)
	if err != nil {
		return err
	}
	var wanted []repoFile
	for _, f := range files {
		if wantFile(f.Name) {
			wanted = append(wanted, f)
		}
	}
	if len(wanted) == 0 {
		return fmt.Errorf("snapshot %s@%s: no model files in manifest", repo, revision)
	}

	c.log.Info("snapshot", "repo", repo, "revision", revision, "files", len(wanted), "dir", dir)
	for _, f := range wanted {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.fetchFile(ctx, repo, revision, f, dir); err != nil {
			return fmt.Errorf("download %s: %w", f.Name, err)
		}
	}
	return nil
}

// Resolve maps a model reference to a local directory: an existing path
// is used as is, anything else is treated as a hub repo id and cached
// under the models dir, downloading on first use.
func (c *Client) Resolve(ctx context.Context, ref, revision string) (string, error) {
	if info, err := os.Stat(ref); err == nil && info.IsDir() {
		return ref, nil
	}
	if !strings.Contains(ref, "/") {
		return "", fmt.Errorf("model %q: not a directory and not an org/name repo id", ref)
	}
	if revision == "" {
		revision = "main"
	}
	dir := filepath.Join(ModelsDir(), strings.ReplaceAll(ref, "/", "__"), revision)
	if _, err := os.Stat(filepath.Join(dir, "config.json")); err == nil {
		return dir, nil
	}
	if err := c.Snapshot(ctx, ref, revision, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// ModelsDir is the snapshot cache root.
func ModelsDir() string {
	if dir := os.Getenv(EnvModelsDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".loam", "models")
	}
	return filepath.Join(home, ".loam", "models")
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

// acquireLock serializes snapshot writers on an O_EXCL lock file,
// polling until the holder finishes or ctx ends.
func acquireLock(ctx context.Context, path string) (func(), error) {
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "pid=%d time=%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", path, ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
	}
}
