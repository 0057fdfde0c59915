package hub

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/loam/internal/logger"
)

// fakeHub serves a one-repo hub: the manifest endpoint plus resolve
// URLs, with optional Range support and auth enforcement.
type fakeHub struct {
	files     map[string][]byte
	lfs       map[string]bool
	needToken string

	listCalls int
	downloads map[string]int
	gotRange  string
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		files:     map[string][]byte{},
		lfs:       map[string]bool{},
		downloads: map[string]int{},
	}
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.needToken != "" && r.Header.Get("Authorization") != "Bearer "+h.needToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/models/") {
		h.listCalls++
		type lfsInfo struct {
			OID  string `json:"oid"`
			Size int64  `json:"size"`
		}
		type sibling struct {
			Rfilename string   `json:"rfilename"`
			Size      int64    `json:"size"`
			LFS       *lfsInfo `json:"lfs,omitempty"`
		}
		var manifest struct {
			Siblings []sibling `json:"siblings"`
		}
		for name, data := range h.files {
			s := sibling{Rfilename: name, Size: int64(len(data))}
			if h.lfs[name] {
				sum := sha256.Sum256(data)
				s.LFS = &lfsInfo{OID: hex.EncodeToString(sum[:]), Size: int64(len(data))}
			}
			manifest.Siblings = append(manifest.Siblings, s)
		}
		json.NewEncoder(w).Encode(manifest)
		return
	}

	// /{org}/{name}/resolve/{rev}/{file}
	parts := strings.Split(r.URL.Path, "/")
	name := parts[len(parts)-1]
	data, ok := h.files[name]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.downloads[name]++
	if rg := r.Header.Get("Range"); rg != "" {
		h.gotRange = rg
		var from int64
		fmt.Sscanf(rg, "bytes=%d-", &from)
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[from:])
		return
	}
	w.Write(data)
}

func newTestClient(t *testing.T, h *fakeHub) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &Client{
		Endpoint:   srv.URL,
		HTTPClient: srv.Client(),
		log:        logger.Nop(),
	}, srv
}

func seedRepo(h *fakeHub) {
	h.files["config.json"] = []byte(`{"model_type":"llama"}`)
	h.files["tokenizer.json"] = []byte(`{"model":{}}`)
	h.files["tokenizer_config.json"] = []byte(`{}`)
	h.files["model.safetensors"] = bytes.Repeat([]byte("weights!"), 16)
	h.lfs["model.safetensors"] = true
	h.files["README.md"] = []byte("# readme")
	h.files["training_args.bin"] = []byte{1, 2, 3}
}

func TestSnapshotDownloadsWantedFiles(t *testing.T) {
	t.Parallel()

	h := newFakeHub()
	seedRepo(h)
	c, _ := newTestClient(t, h)

	dir := t.TempDir()
	if err := c.Snapshot(context.Background(), "org/tiny", "main", dir); err != nil {
		t.Fatalf("Snapshot = %v", err)
	}

	for _, name := range []string{"config.json", "tokenizer.json", "tokenizer_config.json", "model.safetensors"} {
		got, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !bytes.Equal(got, h.files[name]) {
			t.Errorf("%s: content differs", name)
		}
	}
	for _, name := range []string{"README.md", "training_args.bin", ".lock"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			t.Errorf("%s should not exist after snapshot", name)
		}
	}
}

func TestSnapshotSkipsCompleteFiles(t *testing.T) {
	t.Parallel()

	h := newFakeHub()
	seedRepo(h)
	c, _ := newTestClient(t, h)

	dir := t.TempDir()
	ctx := context.Background()
	if err := c.Snapshot(ctx, "org/tiny", "main", dir); err != nil {
		t.Fatalf("first Snapshot = %v", err)
	}
	if err := c.Snapshot(ctx, "org/tiny", "main", dir); err != nil {
		t.Fatalf("second Snapshot = %v", err)
	}
	for name, n := range h.downloads {
		if n != 1 {
			t.Errorf("%s downloaded %d times, want 1", name, n)
		}
	}
}

func TestSnapshotResumesPartial(t *testing.T) {
	t.Parallel()

	h := newFakeHub()
	seedRepo(h)
	c, _ := newTestClient(t, h)

	dir := t.TempDir()
	full := h.files["model.safetensors"]
	partial := filepath.Join(dir, "model.safetensors"+partialSuffix)
	if err := os.WriteFile(partial, full[:20], 0o644); err != nil {
		t.Fatal(err)
	}

	if err := c.Snapshot(context.Background(), "org/tiny", "main", dir); err != nil {
		t.Fatalf("Snapshot = %v", err)
	}
	if h.gotRange != "bytes=20-" {
		t.Errorf("Range header = %q, want bytes=20-", h.gotRange)
	}
	got, err := os.ReadFile(filepath.Join(dir, "model.safetensors"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, full) {
		t.Error("resumed file content differs")
	}
	if _, err := os.Stat(partial); err == nil {
		t.Error("partial file left behind")
	}
}

func TestShaMismatchRestartsFromZero(t *testing.T) {
	t.Parallel()

	h := newFakeHub()
	seedRepo(h)
	c, _ := newTestClient(t, h)

	// stale partial bytes that no longer match the published file
	dir := t.TempDir()
	partial := filepath.Join(dir, "model.safetensors"+partialSuffix)
	if err := os.WriteFile(partial, bytes.Repeat([]byte("x"), 20), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := c.Snapshot(context.Background(), "org/tiny", "main", dir); err != nil {
		t.Fatalf("Snapshot = %v", err)
	}
	if n := h.downloads["model.safetensors"]; n != 2 {
		t.Errorf("download count = %d, want 2 (resume then clean retry)", n)
	}
	got, err := os.ReadFile(filepath.Join(dir, "model.safetensors"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, h.files["model.safetensors"]) {
		t.Error("retried file content differs")
	}
}

func TestSnapshotAuthError(t *testing.T) {
	t.Parallel()

	h := newFakeHub()
	seedRepo(h)
	h.needToken = "secret"
	c, _ := newTestClient(t, h)

	err := c.Snapshot(context.Background(), "org/tiny", "main", t.TempDir())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("Snapshot = %v, want ErrAuth", err)
	}

	c.Token = "secret"
	if err := c.Snapshot(context.Background(), "org/tiny", "main", t.TempDir()); err != nil {
		t.Fatalf("Snapshot with token = %v", err)
	}
}

func TestResolveLocalDir(t *testing.T) {
	t.Parallel()

	c := &Client{log: logger.Nop()}
	dir := t.TempDir()
	got, err := c.Resolve(context.Background(), dir, "")
	if err != nil {
		t.Fatalf("Resolve = %v", err)
	}
	if got != dir {
		t.Errorf("Resolve = %q, want %q", got, dir)
	}

	if _, err := c.Resolve(context.Background(), "not-a-repo-or-dir", ""); err == nil {
		t.Error("bare name accepted")
	}
}

func TestResolveDownloadsOnMiss(t *testing.T) {
	h := newFakeHub()
	seedRepo(h)
	c, _ := newTestClient(t, h)
	t.Setenv(EnvModelsDir, t.TempDir())

	ctx := context.Background()
	dir, err := c.Resolve(ctx, "org/tiny", "main")
	if err != nil {
		t.Fatalf("Resolve = %v", err)
	}
	if want := filepath.Join(ModelsDir(), "org__tiny", "main"); dir != want {
		t.Errorf("Resolve = %q, want %q", dir, want)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.json")); err != nil {
		t.Fatalf("config.json missing: %v", err)
	}

	lists := h.listCalls
	if _, err := c.Resolve(ctx, "org/tiny", "main"); err != nil {
		t.Fatalf("cached Resolve = %v", err)
	}
	if h.listCalls != lists {
		t.Error("cached Resolve hit the network")
	}
}

func TestAcquireLockSerializes(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".lock")
	unlock, err := acquireLock(context.Background(), path)
	if err != nil {
		t.Fatalf("acquireLock = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := acquireLock(ctx, path); err == nil {
		t.Fatal("second acquire succeeded while held")
	}

	unlock()
	unlock2, err := acquireLock(context.Background(), path)
	if err != nil {
		t.Fatalf("acquire after release = %v", err)
	}
	unlock2()
}

func TestWantFile(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		want bool
	}{
		{"config.json", true},
		{"tokenizer.json", true},
		{"tokenizer_config.json", true},
		{"special_tokens_map.json", true},
		{"model.safetensors", true},
		{"model-00001-of-00002.safetensors", true},
		{"model.safetensors.index.json", true},
		{"README.md", false},
		{"training_args.bin", false},
		{"onnx/model.safetensors", false},
		{"generation_config.json", false},
	}
	for _, tc := range cases {
		if got := wantFile(tc.name); got != tc.want {
			t.Errorf("wantFile(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}
