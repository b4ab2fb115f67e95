package portbuilder

import (
	"fmt"
	"path/filepath"
	"testing"
)

// testConfig builds a Config rooted in a temp dir, with the default build
// method and no load overrides.
func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	return &Config{
		Values:     map[string]string{},
		RootDir:    filepath.Join(dir, "root"),
		PortsDir:   filepath.Join(dir, "ports"),
		CacheDir:   filepath.Join(dir, "cache"),
		SourcesDir: filepath.Join(dir, "cache", "sources"),
		BinDir:     filepath.Join(dir, "cache", "bin"),
		LogDir:     filepath.Join(dir, "log"),
		Installed:  filepath.Join(dir, "root", "var", "db", "installed"),
		Methods:    []string{MethodBuild},
		Loads:      map[string]int{},
	}
}

// fakeTree is an in-memory ports tree: origin -> attributes.
type fakeTree map[string]*PortAttr

func (f fakeTree) Exists(origin string) bool {
	_, ok := f[origin]
	return ok
}

// fakeDB is an in-memory installed-package database: name -> version.
type fakeDB map[string]string

func (f fakeDB) InstalledVersion(name string) (string, bool) {
	v, ok := f[name]
	return v, ok
}

// fakeExec runs stages in-process.  Completions are posted as loop events,
// so a started stage finishes strictly after the current event, like a real
// job would.  It records every start and tracks per-stage concurrency.
type fakeExec struct {
	loop *EventLoop
	tree fakeTree
	fail map[string]StageName // origin -> stage that reports failure

	ran    []string // "origin:stage" in start order
	killed []string
	active map[StageName]int
	max    map[StageName]int
}

func (f *fakeExec) spawn(st *Stage, done func(error)) (func(), error) {
	key := st.Port.Origin + ":" + st.Name.String()
	f.ran = append(f.ran, key)
	if f.active == nil {
		f.active = make(map[StageName]int)
		f.max = make(map[StageName]int)
	}
	f.active[st.Name]++
	if f.active[st.Name] > f.max[st.Name] {
		f.max[st.Name] = f.active[st.Name]
	}

	f.loop.Post(func() {
		f.active[st.Name]--
		if st.Name == StageDepend {
			if attr, ok := f.tree[st.Port.Origin]; ok {
				st.Port.Attr = attr
			}
		}
		if stage, ok := f.fail[st.Port.Origin]; ok && stage == st.Name {
			done(fmt.Errorf("%s: synthetic failure", key))
			return
		}
		done(nil)
	})
	return func() { f.killed = append(f.killed, key) }, nil
}

func newTestSched(t *testing.T, tree fakeTree, db fakeDB, fail map[string]StageName) (*Scheduler, *fakeExec) {
	t.Helper()
	cfg := testConfig(t)
	return newTestSchedWith(t, cfg, tree, db, fail)
}

func newTestSchedWith(t *testing.T, cfg *Config, tree fakeTree, db fakeDB, fail map[string]StageName) (*Scheduler, *fakeExec) {
	t.Helper()
	f := &fakeExec{tree: tree, fail: fail}
	s := newSchedulerWith(cfg, f.spawn, tree, db)
	f.loop = s.Loop
	return s, f
}

// ranIndex returns the position of "origin:stage" in the start order, or -1.
func (f *fakeExec) ranIndex(key string) int {
	for i, k := range f.ran {
		if k == key {
			return i
		}
	}
	return -1
}
