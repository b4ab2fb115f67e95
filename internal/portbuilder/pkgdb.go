package portbuilder

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// The installed-package database: one directory per package under the
// Installed root, holding a `version` file and the file manifest.

type PkgDB struct {
	cfg *Config
}

func NewPkgDB(cfg *Config) *PkgDB {
	return &PkgDB{cfg: cfg}
}

// InstalledVersion reports the installed version of a package, if any.
func (db *PkgDB) InstalledVersion(name string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(db.cfg.Installed, name, "version"))
	if err != nil {
		return "", false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", false
	}
	return fields[0], true
}

// register records a freshly installed package: version plus manifest.
func (db *PkgDB) register(name, version string, manifest []string) error {
	dir := filepath.Join(db.cfg.Installed, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create db entry for %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "version"), []byte(version+"\n"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "manifest"), []byte(strings.Join(manifest, "\n")+"\n"), 0o644)
}

// compareVersions compares two version strings split by dots.  Numeric
// segments are compared numerically; non-numeric fall back to
// lexicographic.  Returns -1 if a<b, 0 if equal, 1 if a>b.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := "0", "0"
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}

		ai, aerr := strconv.Atoi(av)
		bi, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if ai < bi {
				return -1
			}
			if ai > bi {
				return 1
			}
			continue
		}
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}
	return 0
}
