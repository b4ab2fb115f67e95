package portbuilder

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// compressExt returns the package compression suffix, zst unless
// overridden with PB_COMPRESS.
func (cfg *Config) compressExt() string {
	switch cfg.Values["PB_COMPRESS"] {
	case "gz":
		return "gz"
	case "xz":
		return "xz"
	default:
		return "zst"
	}
}

// packageFilename returns the binary package name for a port.
func packageFilename(cfg *Config, attr *PortAttr) string {
	return fmt.Sprintf("%s-%s-%s.tar.%s", attr.Name, attr.Version, arch, cfg.compressExt())
}

// stageDir is where a port's install target stages its files.
func stageDir(cfg *Config, p *Port) string {
	return filepath.Join(cfg.PortDir(p.Origin), "work", "stage")
}

func newCompressWriter(out io.Writer, ext string) (io.WriteCloser, error) {
	switch ext {
	case "gz":
		return pgzip.NewWriter(out), nil
	case "xz":
		return xz.NewWriter(out)
	default:
		return zstd.NewWriter(out)
	}
}

func newCompressReader(in io.Reader, name string) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(name, ".tar.gz"):
		gz, err := pgzip.NewReader(in)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gzip reader for %s: %w", name, err)
		}
		return gz, func() { gz.Close() }, nil
	case strings.HasSuffix(name, ".tar.xz"):
		xr, err := xz.NewReader(in)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create xz reader for %s: %w", name, err)
		}
		return xr, func() {}, nil
	case strings.HasSuffix(name, ".tar.zst"):
		zr, err := zstd.NewReader(in)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create zstd reader for %s: %w", name, err)
		}
		return zr, zr.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported archive format: %s", name)
	}
}

// createPackage archives a port's staged files into BinDir.  Entries are
// forced root-owned so the package installs identically everywhere.
func createPackage(ctx context.Context, cfg *Config, p *Port) error {
	src := stageDir(cfg, p)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("%s: nothing staged: %w", p.Origin, err)
	}
	if err := os.MkdirAll(cfg.BinDir, 0o755); err != nil {
		return fmt.Errorf("failed to create bin directory: %w", err)
	}

	tarballPath := filepath.Join(cfg.BinDir, packageFilename(cfg, p.Attr))
	outFile, err := os.Create(tarballPath)
	if err != nil {
		return fmt.Errorf("failed to create tarball file: %w", err)
	}
	defer outFile.Close()

	cw, err := newCompressWriter(outFile, cfg.compressExt())
	if err != nil {
		return err
	}
	defer cw.Close()

	tw := tar.NewWriter(cw)
	defer tw.Close()

	err = filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		var linkTarget string
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
		}

		hdr, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return err
		}
		if rel == "." {
			hdr.Name = "./"
			hdr.Mode = 0o755
		} else {
			hdr.Name = rel
		}
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "root", "root"

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if rel == "." || !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		os.Remove(tarballPath)
		return fmt.Errorf("failed to add files to tarball: %w", err)
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Package created: %s\n", tarballPath)
	return nil
}

// installPackage extracts a binary package into the root directory and
// records it in the installed database.
func installPackage(ctx context.Context, cfg *Config, p *Port) error {
	name := packageFilename(cfg, p.Attr)
	tarballPath := filepath.Join(cfg.BinDir, name)
	f, err := os.Open(tarballPath)
	if err != nil {
		return fmt.Errorf("failed to open package %s: %w", tarballPath, err)
	}
	defer f.Close()

	r, closeReader, err := newCompressReader(f, name)
	if err != nil {
		return err
	}
	defer closeReader()

	var manifest []string
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", tarballPath, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		rel := filepath.Clean(hdr.Name)
		if rel == "." || rel == "/" {
			continue
		}
		target := filepath.Join(cfg.RootDir, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", target, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("failed to write file %s: %w", target, err)
			}
			out.Close()
			manifest = append(manifest, rel)
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", target, hdr.Linkname, err)
			}
			manifest = append(manifest, rel)
		default:
			debugf("skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
		}
	}

	return NewPkgDB(cfg).register(p.Attr.Name, p.Attr.Version, manifest)
}
