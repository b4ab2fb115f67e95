package portbuilder

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Resolution methods for a dependency, tried in the order configured.
const (
	MethodBuild   = "build"   // build from the ports tree
	MethodPackage = "package" // install a local binary package
	MethodRepo    = "repo"    // pull the package from the mirror
)

// ConfigFile is the default configuration path.
var ConfigFile = "/etc/portbuilder.conf"

// Config carries the run-wide policy and every derived path.  One value is
// built at startup and passed by reference into the scheduler and the graph;
// there is no ambient policy state.
type Config struct {
	Values map[string]string

	// Directories.
	RootDir    string // target root, "/" unless building into a chroot
	PortsDir   string // the ports tree
	CacheDir   string // top of the cache
	SourcesDir string // fetched distfiles
	BinDir     string // built binary packages
	LogDir     string // per-port build logs
	Installed  string // installed-package database

	// Policy.
	Debug     bool
	Quiet     bool     // suppress progress output
	NoOp      bool     // print commands instead of running them
	FetchOnly bool     // trim the pipeline after FETCH
	Package   bool     // also build binary packages
	Force     bool     // rebuild regardless of install status
	Upgrade   bool     // rebuild when the installed version is older
	Methods   []string // dependency resolution methods, in order

	// Loads holds per-queue overrides; queues not listed keep their
	// defaults.
	Loads map[string]int
}

// Load /etc/portbuilder.conf and apply defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file; a missing file just means defaults.
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	mergeEnvOverrides(cfg)
	initConfig(cfg)
	return cfg, nil
}

// Merge PB_* env overrides.
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "PB_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

func initConfig(cfg *Config) {
	cfg.RootDir = cfg.Values["PB_ROOT"]
	if cfg.RootDir == "" {
		cfg.RootDir = "/"
	}

	cfg.PortsDir = cfg.Values["PB_PORTS"]
	if cfg.PortsDir == "" {
		cfg.PortsDir = "/usr/ports"
	}

	cfg.CacheDir = cfg.Values["PB_CACHE_DIR"]
	if cfg.CacheDir == "" {
		cfg.CacheDir = "/var/cache/portbuilder"
	}
	cfg.SourcesDir = filepath.Join(cfg.CacheDir, "sources")
	cfg.BinDir = filepath.Join(cfg.CacheDir, "bin")

	cfg.LogDir = cfg.Values["PB_LOG_DIR"]
	if cfg.LogDir == "" {
		cfg.LogDir = "/tmp/portbuilder"
	}

	cfg.Installed = filepath.Join(cfg.RootDir, "var/db/portbuilder/installed")

	cfg.Debug = cfg.Values["PB_DEBUG"] == "1"
	debugEnabled = cfg.Debug
	cfg.Quiet = cfg.Values["PB_QUIET"] == "1"

	cfg.Methods = []string{MethodBuild}
	if m := cfg.Values["PB_METHODS"]; m != "" {
		cfg.Methods = nil
		for _, meth := range strings.Split(m, ",") {
			meth = strings.TrimSpace(meth)
			switch meth {
			case MethodBuild, MethodPackage, MethodRepo:
				cfg.Methods = append(cfg.Methods, meth)
			}
		}
	}

	cfg.Loads = make(map[string]int)
	for key, val := range cfg.Values {
		if name, ok := strings.CutPrefix(key, "PB_LOAD_"); ok {
			if n, err := strconv.Atoi(val); err == nil && n >= 0 {
				cfg.Loads[strings.ToLower(name)] = n
			}
		}
	}
}

// defaultLoad returns the built-in concurrency limit of a queue.  Attr and
// build parallelise well; everything touching shared on-disk state is
// serialised.
func defaultLoad(name string) int {
	switch name {
	case "attr", "build":
		return 2 * runtime.NumCPU()
	default:
		return 1
	}
}

// queueLoad resolves a queue's configured load, falling back to the default.
func (cfg *Config) queueLoad(name string) int {
	if n, ok := cfg.Loads[name]; ok {
		return n
	}
	return defaultLoad(name)
}

// PortDir returns the ports-tree directory of an origin.
func (cfg *Config) PortDir(origin string) string {
	return filepath.Join(cfg.PortsDir, origin)
}
