package portbuilder

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestMirror points a MirrorClient at an in-process S3 endpoint.
func newTestMirror(t *testing.T, handler http.Handler) *MirrorClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	cfg.Values["PB_MIRROR_ENDPOINT"] = srv.URL
	cfg.Values["PB_MIRROR_ACCESS_KEY"] = "test"
	cfg.Values["PB_MIRROR_SECRET_KEY"] = "test"
	cfg.Values["PB_MIRROR_BUCKET"] = "pkgs"

	m, err := NewMirrorClient(cfg)
	require.NoError(t, err)
	return m
}

func TestMirrorExists(t *testing.T) {
	var status int
	m := newTestMirror(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	status = http.StatusOK
	ok, err := m.Exists(context.Background(), "vim-9.1-amd64.tar.zst")
	require.NoError(t, err)
	assert.True(t, ok)

	status = http.StatusNotFound
	ok, err = m.Exists(context.Background(), "vim-9.1-amd64.tar.zst")
	require.NoError(t, err)
	assert.False(t, ok)

	// Anything other than a clean miss must surface as an error, not as
	// "not there".
	status = http.StatusForbidden
	_, err = m.Exists(context.Background(), "vim-9.1-amd64.tar.zst")
	assert.Error(t, err)
}

func TestMirrorList(t *testing.T) {
	m := newTestMirror(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>pkgs</Name><IsTruncated>false</IsTruncated><Contents><Key>vim-9.1-amd64.tar.zst</Key></Contents><Contents><Key>zsh-5.9-amd64.tar.zst</Key></Contents></ListBucketResult>`)
	}))

	keys, err := m.List(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"vim-9.1-amd64.tar.zst", "zsh-5.9-amd64.tar.zst"}, keys)
}
