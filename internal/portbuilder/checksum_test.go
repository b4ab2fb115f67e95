package portbuilder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeChecksumFixture lays out a port dir with a checksums file and the
// matching distfile in the sources cache.
func writeChecksumFixture(t *testing.T, cfg *Config, p *Port, content, recorded string) {
	t.Helper()
	portDir := cfg.PortDir(p.Origin)
	require.NoError(t, os.MkdirAll(portDir, 0o755))

	srcDir := filepath.Join(cfg.SourcesDir, p.Attr.Name)
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	fname := p.Attr.Distfiles[0]
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, fname), []byte(content), 0o644))

	if recorded == "" {
		var err error
		recorded, err = hashFile(context.Background(), filepath.Join(srcDir, fname))
		require.NoError(t, err)
	}
	line := recorded + " " + fname + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(portDir, "checksums"), []byte(line), 0o644))
}

func TestVerifyChecksumsMatch(t *testing.T) {
	cfg := testConfig(t)
	p := &Port{Origin: "editors/vim", Attr: &PortAttr{Name: "vim", Version: "9.1", Distfiles: []string{"vim-9.1.tar.gz"}}}
	writeChecksumFixture(t, cfg, p, "tarball-bytes", "")

	assert.NoError(t, verifyChecksums(context.Background(), cfg, p))
}

func TestVerifyChecksumsMismatch(t *testing.T) {
	cfg := testConfig(t)
	p := &Port{Origin: "editors/vim", Attr: &PortAttr{Name: "vim", Version: "9.1", Distfiles: []string{"vim-9.1.tar.gz"}}}
	writeChecksumFixture(t, cfg, p, "tarball-bytes", "0000000000000000000000000000000000000000000000000000000000000000")

	err := verifyChecksums(context.Background(), cfg, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")
}

func TestVerifyChecksumsMissingRecord(t *testing.T) {
	cfg := testConfig(t)
	p := &Port{Origin: "editors/vim", Attr: &PortAttr{Name: "vim", Version: "9.1", Distfiles: []string{"other-file.tar.gz"}}}

	// checksums file exists but has no entry for the distfile
	portDir := cfg.PortDir(p.Origin)
	require.NoError(t, os.MkdirAll(portDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(portDir, "checksums"), []byte("abc vim-9.1.tar.gz\n"), 0o644))

	err := verifyChecksums(context.Background(), cfg, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no checksum recorded")
}

func TestVerifyChecksumsNoDistfiles(t *testing.T) {
	cfg := testConfig(t)
	p := &Port{Origin: "misc/meta", Attr: &PortAttr{Name: "meta", Version: "1.0"}}
	assert.NoError(t, verifyChecksums(context.Background(), cfg, p))
}

func TestVerifyChecksumsSkipsMissingDistfile(t *testing.T) {
	cfg := testConfig(t)
	p := &Port{Origin: "editors/vim", Attr: &PortAttr{Name: "vim", Version: "9.1", Distfiles: []string{"vim-9.1.tar.gz"}}}

	portDir := cfg.PortDir(p.Origin)
	require.NoError(t, os.MkdirAll(portDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(portDir, "checksums"), []byte("abc vim-9.1.tar.gz\n"), 0o644))

	// The distfile was never fetched; that is the fetch stage's problem.
	assert.NoError(t, verifyChecksums(context.Background(), cfg, p))
}

func TestLoadSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources")
	content := `
# upstream
https://example.org/dist/vim-9.1.tar.gz
https://example.org/patches/fix.patch vim-fix.patch
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	urls, err := loadSources(path)
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/dist/vim-9.1.tar.gz", urls["vim-9.1.tar.gz"])
	assert.Equal(t, "https://example.org/patches/fix.patch", urls["vim-fix.patch"])
	assert.Len(t, urls, 2)
}
