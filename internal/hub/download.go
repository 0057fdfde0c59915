package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/samcharles93/loam/internal/memory"
)

const partialSuffix = ".partial"

// fetchFile brings one repo file up to date in dir. Complete files are
// kept, a .partial remainder resumes over a Range request, and a sha
// mismatch discards everything and retries once from zero.
func (c *Client) fetchFile(ctx context.Context, repo, revision string, f repoFile, dir string) error {
	dest := filepath.Join(dir, f.Name)

	if info, err := os.Stat(dest); err == nil {
		if f.Size > 0 && info.Size() != f.Size {
			os.Remove(dest)
		} else if f.Sha256 != "" {
			ok, err := shaMatches(dest, f.Sha256)
			if err != nil {
				return err
			}
			if ok {
				c.log.Debug("cached", "file", f.Name)
				return nil
			}
			os.Remove(dest)
		} else {
			c.log.Debug("cached", "file", f.Name)
			return nil
		}
	}

	if err := c.download(ctx, repo, revision, f, dest, true); err != nil {
		return err
	}
	if f.Sha256 == "" {
		return nil
	}
	ok, err := shaMatches(dest, f.Sha256)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	// resumed bytes may predate a force-push; start clean once
	c.log.Warn("sha256 mismatch, restarting download", "file", f.Name)
	if err := os.Remove(dest); err != nil {
		return err
	}
	if err := c.download(ctx, repo, revision, f, dest, false); err != nil {
		return err
	}
	ok, err = shaMatches(dest, f.Sha256)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("sha256 mismatch after clean retry")
	}
	return nil
}

func (c *Client) download(ctx context.Context, repo, revision string, f repoFile, dest string, allowResume bool) error {
	partial := dest + partialSuffix

	var resumeFrom int64
	if allowResume {
		if info, err := os.Stat(partial); err == nil {
			if f.Size > 0 && info.Size() < f.Size {
				resumeFrom = info.Size()
			} else {
				os.Remove(partial)
			}
		}
	} else {
		os.Remove(partial)
	}

	u := fmt.Sprintf("%s/%s/resolve/%s/%s", c.Endpoint, repo, revision, url.PathEscape(f.Name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// server ignored the range, write from scratch
		resumeFrom = 0
	case http.StatusPartialContent:
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuth
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	var out *os.File
	if resumeFrom > 0 {
		out, err = os.OpenFile(partial, os.O_WRONLY|os.O_APPEND, 0o644)
	} else {
		out, err = os.Create(partial)
	}
	if err != nil {
		return err
	}

	written := resumeFrom
	limiter := rate.NewLimiter(rate.Every(500*time.Millisecond), 1)
	buf := make([]byte, 512<<10)
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			out.Close()
			return err
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				return werr
			}
			written += int64(n)
			if limiter.Allow() {
				c.log.Info("downloading",
					"file", f.Name,
					"done", memory.FormatBytes(uint64(written)),
					"total", memory.FormatBytes(uint64(f.Size)),
					"elapsed", time.Since(start).Round(time.Second))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			return readErr
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	if f.Size > 0 && written != f.Size {
		return fmt.Errorf("incomplete: %d of %d bytes", written, f.Size)
	}
	return os.Rename(partial, dest)
}

func shaMatches(path, want string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()
	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return false, err
	}
	return hex.EncodeToString(h.Sum(nil)) == want, nil
}
