package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spiral/roadrunner/v2/events"
	"github.com/tomnomnom/powd/internal/config"
	"github.com/tomnomnom/powd/internal/workerpool"
)

// fakePool is a fake workerpool.Handle used to drive Application without
// spawning real subprocesses.
type fakePool struct {
	quit int32
}

func (f *fakePool) Handle(w http.ResponseWriter, r *http.Request) error {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
	return nil
}

func (f *fakePool) Quit(ctx context.Context) {
	atomic.AddInt32(&f.quit, 1)
}

func (f *fakePool) AddListener(l events.Listener) {}

func testConfig() *config.Config {
	return &config.Config{Workers: 1, DstPort: 3000}
}

func TestApplication_ColdBootSingleRequest(t *testing.T) {
	var calls int32
	pool := &fakePool{}
	a := New(t.TempDir(), testConfig(), func(ctx context.Context, root string, env map[string]string, cfg *config.Config) (workerpool.Handle, error) {
		atomic.AddInt32(&calls, 1)
		return pool, nil
	})

	assert.Equal(t, StateUninitialized, a.State())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	var doneCalled bool
	err := a.Handle(rec, req, func() { doneCalled = true })
	require.NoError(t, err)
	assert.True(t, doneCalled)
	assert.Equal(t, StateReady, a.State())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, calls)
}

func TestApplication_ConcurrentColdBootInitializesOnce(t *testing.T) {
	var calls int32
	pool := &fakePool{}
	a := New(t.TempDir(), testConfig(), func(ctx context.Context, root string, env map[string]string, cfg *config.Config) (workerpool.Handle, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return pool, nil
	})

	const n = 50
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec := httptest.NewRecorder()
			errs[i] = a.Handle(rec, req, nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, calls)
}

func TestApplication_InitFailureResetsToUninitializedAndRetries(t *testing.T) {
	var calls int32
	a := New(t.TempDir(), testConfig(), func(ctx context.Context, root string, env map[string]string, cfg *config.Config) (workerpool.Handle, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return nil, assert.AnError
		}
		return &fakePool{}, nil
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	err := a.Handle(rec, req, nil)
	require.Error(t, err)
	assert.Equal(t, StateUninitialized, a.State())

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	rec2 := httptest.NewRecorder()
	err = a.Handle(rec2, req2, nil)
	require.NoError(t, err)
	assert.Equal(t, StateReady, a.State())
	assert.EqualValues(t, 2, calls)
}

func TestApplication_RestartTriggerSwapsPool(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "tmp"), 0o755))
	restartFile := filepath.Join(root, "tmp", "restart.txt")

	var pools []*fakePool
	a := New(root, testConfig(), func(ctx context.Context, root string, env map[string]string, cfg *config.Config) (workerpool.Handle, error) {
		p := &fakePool{}
		pools = append(pools, p)
		return p, nil
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, a.Handle(httptest.NewRecorder(), req, nil))
	require.Len(t, pools, 1)
	firstPool := pools[0]

	// Touch the restart file with a new mtime.
	require.NoError(t, os.WriteFile(restartFile, []byte("x"), 0o644))
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(restartFile, future, future))

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, a.Handle(httptest.NewRecorder(), req2, nil))
	require.Len(t, pools, 2)

	assert.EqualValues(t, 1, firstPool.quit)
	assert.NotSame(t, firstPool, pools[1])
}

func TestApplication_ReadySynchronousWhenAlreadyReady(t *testing.T) {
	a := New(t.TempDir(), testConfig(), func(ctx context.Context, root string, env map[string]string, cfg *config.Config) (workerpool.Handle, error) {
		return &fakePool{}, nil
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, a.Handle(httptest.NewRecorder(), req, nil))

	select {
	case err := <-a.Ready():
		assert.NoError(t, err)
	default:
		t.Fatal("Ready() should deliver synchronously once already ready")
	}
}
