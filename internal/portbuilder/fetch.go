package portbuilder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// loadSources parses a port's sources file: one URL per line, optionally
// followed by an explicit local filename.  Blank lines and # comments are
// skipped.
func loadSources(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	urls := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		url := fields[0]
		fname := filepath.Base(url)
		if len(fields) > 1 {
			fname = fields[1]
		}
		urls[fname] = url
	}
	return urls, scanner.Err()
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Minute}
}

// downloadFile downloads a URL to destFile under an exclusive flock so
// concurrent fetch jobs never clobber each other.  curl is preferred when
// available; otherwise the native client with a progress bar.
func downloadFile(ctx context.Context, url, destFile string, quiet bool) error {
	if err := os.MkdirAll(filepath.Dir(destFile), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", destFile, err)
	}
	lockPath := destFile + ".lock"
	lFile, err := os.Create(lockPath)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()
	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock for download: %w", err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	// Another job may have finished this file while we held the lock.
	if _, err := os.Stat(destFile); err == nil {
		debugf("file %s appeared after acquiring lock, skipping download\n", destFile)
		_ = os.Remove(lockPath)
		return nil
	}
	defer func() {
		if _, err := os.Stat(destFile); err == nil {
			_ = os.Remove(lockPath)
		}
	}()

	if _, err := exec.LookPath("curl"); err == nil {
		args := []string{"-L", "--fail", "-o", destFile}
		if quiet {
			args = append(args, "-sS")
		} else {
			args = append(args, "-#")
		}
		args = append(args, url)
		cmd := exec.CommandContext(ctx, "curl", args...)
		if quiet {
			cmd.Stdout = io.Discard
			cmd.Stderr = io.Discard
		} else {
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
		}
		if err := cmd.Run(); err == nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		debugf("curl failed, falling back to native client\n")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := newHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("native http get failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	out, err := os.Create(destFile)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", destFile, err)
	}
	defer out.Close()

	var dst io.Writer = out
	if !quiet && term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(destFile))
		dst = io.MultiWriter(out, bar)
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		os.Remove(destFile)
		return fmt.Errorf("failed to write to destination file: %w", err)
	}
	return nil
}

// fetchDistfiles downloads every missing distfile of a port into its
// sources directory.  Each download is checked against the recorded
// checksum before the stage reports success; files already on disk were
// verified by the checksum stage and are left alone.
func fetchDistfiles(ctx context.Context, cfg *Config, p *Port) error {
	if p.Attr == nil || len(p.Attr.Distfiles) == 0 {
		return nil
	}

	urls, err := loadSources(filepath.Join(cfg.PortDir(p.Origin), "sources"))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: no sources file", p.Origin)
		}
		return err
	}

	sums, err := loadChecksums(filepath.Join(cfg.PortDir(p.Origin), "checksums"))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: no checksums file", p.Origin)
		}
		return err
	}

	srcDir := filepath.Join(cfg.SourcesDir, p.Attr.Name)
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		return fmt.Errorf("failed to create source directory: %w", err)
	}

	for _, fname := range p.Attr.Distfiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		dest := filepath.Join(srcDir, fname)
		if _, err := os.Stat(dest); err == nil {
			debugf("%s already fetched\n", fname)
			continue
		}
		url, ok := urls[fname]
		if !ok {
			return fmt.Errorf("%s: no source URL for %s", p.Origin, fname)
		}
		want, ok := sums[fname]
		if !ok {
			return fmt.Errorf("%s: no checksum recorded for %s", p.Origin, fname)
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Downloading %s\n", fname)
		if err := downloadFile(ctx, url, dest, cfg.Quiet); err != nil {
			os.Remove(dest)
			return fmt.Errorf("fetch %s: %w", fname, err)
		}
		if err := verifyDistfile(ctx, dest, want); err != nil {
			os.Remove(dest)
			return fmt.Errorf("%s: %w", p.Origin, err)
		}
	}
	return nil
}
