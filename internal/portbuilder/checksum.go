package portbuilder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
	"lukechampine.com/blake3"
)

// hasB3sum reports whether the system b3sum binary is available.
func hasB3sum() bool {
	_, err := exec.LookPath("b3sum")
	return err == nil
}

// hashFile computes the BLAKE3 digest of a file, preferring the system
// b3sum binary when present.
func hashFile(ctx context.Context, path string) (string, error) {
	if hasB3sum() {
		cmd := exec.CommandContext(ctx, "b3sum", path)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = io.Discard
		if err := cmd.Run(); err == nil {
			fields := strings.Fields(out.String())
			if len(fields) > 0 {
				return fields[0], nil
			}
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// withSharedLock takes a shared flock on base+".lock" around fn, so a
// verification never races a concurrent download of the same file.
func withSharedLock(base string, fn func() error) error {
	f, err := os.OpenFile(base+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return fn()
}

// loadChecksums parses a checksums file: one "<digest> <filename>" pair
// per line.
func loadChecksums(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sums := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(parts) >= 2 {
			sums[strings.Join(parts[1:], " ")] = parts[0]
		}
	}
	return sums, scanner.Err()
}

// verifyDistfile hashes one distfile under a shared lock and compares the
// digest to the recorded one.
func verifyDistfile(ctx context.Context, path, want string) error {
	var got string
	err := withSharedLock(path, func() error {
		var herr error
		got, herr = hashFile(ctx, path)
		return herr
	})
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("checksum mismatch for %s", filepath.Base(path))
	}
	return nil
}

// verifyChecksums checks every distfile of a port against the recorded
// checksums in its port directory.  A missing distfile is not an error
// here; the fetch stage verifies whatever it downloads itself.
func verifyChecksums(ctx context.Context, cfg *Config, p *Port) error {
	if p.Attr == nil || len(p.Attr.Distfiles) == 0 {
		return nil
	}

	sums, err := loadChecksums(filepath.Join(cfg.PortDir(p.Origin), "checksums"))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: no checksums file", p.Origin)
		}
		return err
	}

	srcDir := filepath.Join(cfg.SourcesDir, p.Attr.Name)
	for _, fname := range p.Attr.Distfiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		want, ok := sums[fname]
		if !ok {
			return fmt.Errorf("%s: no checksum recorded for %s", p.Origin, fname)
		}
		path := filepath.Join(srcDir, fname)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if err := verifyDistfile(ctx, path, want); err != nil {
			return fmt.Errorf("%s: %w", p.Origin, err)
		}
	}
	return nil
}
