package staticfile

import (
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_ExistsForRealFile(t *testing.T) {
	dir := t.TempDir()
	public := filepath.Join(dir, "public")
	require.NoError(t, os.Mkdir(public, 0o755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(public, "favicon.ico"), []byte("ico"), 0o644))

	h := New(dir)
	assert.True(t, h.Exists("/favicon.ico"))
	assert.False(t, h.Exists("/missing.ico"))
}

func TestHandler_ExistsFalseForDirectory(t *testing.T) {
	dir := t.TempDir()
	public := filepath.Join(dir, "public")
	require.NoError(t, os.MkdirAll(filepath.Join(public, "assets"), 0o755))

	h := New(dir)
	assert.False(t, h.Exists("/assets"))
}

func TestHandler_ServeHTTP(t *testing.T) {
	dir := t.TempDir()
	public := filepath.Join(dir, "public")
	require.NoError(t, os.Mkdir(public, 0o755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(public, "page.html"), []byte("hi"), 0o644))

	h := New(dir)
	req := httptest.NewRequest(http.MethodGet, "/page.html", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hi", rec.Body.String())
}
