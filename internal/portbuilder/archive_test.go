package portbuilder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stagePort(t *testing.T, cfg *Config) *Port {
	t.Helper()
	p := &Port{Origin: "editors/vim", Attr: attr("vim", "9.1")}
	dir := stageDir(cfg, p)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "usr", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "usr", "bin", "vim"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Symlink("vim", filepath.Join(dir, "usr", "bin", "vi")))
	return p
}

func TestPackageRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	p := stagePort(t, cfg)
	ctx := context.Background()

	require.NoError(t, createPackage(ctx, cfg, p))

	tarball := filepath.Join(cfg.BinDir, packageFilename(cfg, p.Attr))
	_, err := os.Stat(tarball)
	require.NoError(t, err)

	require.NoError(t, installPackage(ctx, cfg, p))

	installed := filepath.Join(cfg.RootDir, "usr", "bin", "vim")
	data, err := os.ReadFile(installed)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(data))

	link, err := os.Readlink(filepath.Join(cfg.RootDir, "usr", "bin", "vi"))
	require.NoError(t, err)
	assert.Equal(t, "vim", link)

	v, ok := NewPkgDB(cfg).InstalledVersion("vim")
	require.True(t, ok)
	assert.Equal(t, "9.1", v)
}

func TestPackageRoundTripGzip(t *testing.T) {
	cfg := testConfig(t)
	cfg.Values["PB_COMPRESS"] = "gz"
	p := stagePort(t, cfg)
	ctx := context.Background()

	require.NoError(t, createPackage(ctx, cfg, p))
	assert.FileExists(t, filepath.Join(cfg.BinDir, packageFilename(cfg, p.Attr)))
	require.NoError(t, installPackage(ctx, cfg, p))
	assert.FileExists(t, filepath.Join(cfg.RootDir, "usr", "bin", "vim"))
}

func TestCreatePackageWithoutStagingFails(t *testing.T) {
	cfg := testConfig(t)
	p := &Port{Origin: "devel/empty", Attr: attr("empty", "1.0")}
	assert.Error(t, createPackage(context.Background(), cfg, p))
}

func TestInstallPackageCancellation(t *testing.T) {
	cfg := testConfig(t)
	p := stagePort(t, cfg)
	require.NoError(t, createPackage(context.Background(), cfg, p))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, installPackage(ctx, cfg, p))
}
