package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spiral/roadrunner/v2/events"
	"github.com/tomnomnom/powd/internal/config"
	"github.com/tomnomnom/powd/internal/hostrouter"
	"github.com/tomnomnom/powd/internal/resolver"
	"github.com/tomnomnom/powd/internal/workerpool"
)

type fakeHandle struct {
	status int
	body   string
}

func (f *fakeHandle) Handle(w http.ResponseWriter, r *http.Request) error {
	if f.status == 0 {
		f.status = http.StatusOK
	}
	w.WriteHeader(f.status)
	_, _ = w.Write([]byte(f.body))
	return nil
}
func (f *fakeHandle) Quit(ctx context.Context)      {}
func (f *fakeHandle) AddListener(l events.Listener) {}

func newRouter(t *testing.T, appsDir string, pool workerpool.Handle) *hostrouter.HostRouter {
	t.Helper()
	cfg := &config.Config{Root: appsDir, Resolver: resolver.NewSymlinkResolver(appsDir)}
	return hostrouter.New(cfg, func(ctx context.Context, root string, env map[string]string, cfg *config.Config) (workerpool.Handle, error) {
		return pool, nil
	})
}

func TestPipeline_UnknownHostRendersNonexistentDomain(t *testing.T) {
	appsDir := t.TempDir()
	p := New(newRouter(t, appsDir, &fakeHandle{}), nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "bogus.dev"
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "NonexistentDomain", rec.Header().Get("X-Pow-Handler"))
	assert.Contains(t, rec.Body.String(), filepath.Join(appsDir, "bogus"))
}

func TestPipeline_StaticFileShortCircuitsApplication(t *testing.T) {
	appsDir := t.TempDir()
	appRoot := filepath.Join(appsDir, "foo")
	public := filepath.Join(appRoot, "public")
	require.NoError(t, os.MkdirAll(public, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(appRoot, "config.ru"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(public, "page.html"), []byte("static!"), 0o644))

	p := New(newRouter(t, appsDir, &fakeHandle{body: "from-app"}), nil)

	req := httptest.NewRequest(http.MethodGet, "/page.html", nil)
	req.Host = "foo.dev"
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "static!", rec.Body.String())
}

func TestPipeline_NoRackApplicationIs404(t *testing.T) {
	appsDir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(appsDir, "foo"), 0o755))

	p := New(newRouter(t, appsDir, &fakeHandle{}), nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "foo.dev"
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPipeline_ApplicationRequestIsProxied(t *testing.T) {
	appsDir := t.TempDir()
	appRoot := filepath.Join(appsDir, "foo")
	require.NoError(t, os.Mkdir(appRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(appRoot, "config.ru"), []byte(""), 0o644))

	p := New(newRouter(t, appsDir, &fakeHandle{status: http.StatusOK, body: "hi"}), nil)

	req := httptest.NewRequest(http.MethodGet, "/anything", strings.NewReader(""))
	req.Host = "foo.dev"
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hi", rec.Body.String())
}
