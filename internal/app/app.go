// Package app implements the per-application state machine: it loads an
// application root's environment, boots its worker pool, watches for
// restart triggers, and gates requests on readiness.
package app

import (
	"context"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/spiral/errors"
	"go.uber.org/zap"

	"github.com/tomnomnom/powd/internal/config"
	"github.com/tomnomnom/powd/internal/envsource"
	"github.com/tomnomnom/powd/internal/workerpool"
)

// State is where an Application sits in its uninitialized →
// initializing → ready lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Creator boots a worker pool for an application root given the
// environment its scripts produced. Swappable in tests so Application
// can be exercised without spawning real subprocesses.
type Creator func(ctx context.Context, root string, env map[string]string, cfg *config.Config) (workerpool.Handle, error)

// DefaultCreator boots a real workerpool.Pool running `config.ru`'s app
// under rackup, the way a Rack application root is conventionally run.
func DefaultCreator(ctx context.Context, root string, env map[string]string, cfg *config.Config) (workerpool.Handle, error) {
	command := func() *exec.Cmd {
		cmd := exec.Command("rackup", "--host", "127.0.0.1")
		cmd.Dir = root
		return cmd
	}
	return workerpool.Create(ctx, command, workerpool.Config{
		Env:             env,
		Size:            uint64(cfg.Workers),
		Idle:            cfg.Timeout,
		AllocateTimeout: 60 * time.Second,
		DestroyTimeout:  60 * time.Second,
	}, cfg.GetLogger("workerpool"))
}

// Application is the per-root state machine described by spec.md §3-§4.E.
type Application struct {
	mu sync.Mutex

	root string
	cfg  *config.Config
	log  *zap.Logger

	state        State
	readyWaiters []chan error
	pool         workerpool.Handle
	restartMTime *time.Time

	creator Creator
}

// New constructs an uninitialized Application for root. creator is
// DefaultCreator unless overridden (tests do).
func New(root string, cfg *config.Config, creator Creator) *Application {
	if creator == nil {
		creator = DefaultCreator
	}
	return &Application{
		root:    root,
		cfg:     cfg,
		log:     cfg.GetLogger("app").With(zap.String("root", root)),
		state:   StateUninitialized,
		creator: creator,
	}
}

// Root returns the application's immutable filesystem root.
func (a *Application) Root() string {
	return a.root
}

// State returns the application's current lifecycle state.
func (a *Application) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Ready returns a channel that receives nil once the Application
// reaches StateReady, or the initialization error if it fails.
// Concurrent callers that arrive while initialization is already
// running join the same wave of waiters and are released in arrival
// order; at most one initialization runs at a time.
func (a *Application) Ready() <-chan error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch := make(chan error, 1)

	switch a.state {
	case StateReady:
		ch <- nil
		return ch
	case StateInitializing:
		a.readyWaiters = append(a.readyWaiters, ch)
		return ch
	default: // StateUninitialized
		a.readyWaiters = append(a.readyWaiters, ch)
		a.state = StateInitializing
		go a.initialize()
		return ch
	}
}

func (a *Application) initialize() {
	const op = errors.Op("app_initialize")

	env, err := a.loadEnvironment()
	if err != nil {
		a.log.Error("initialization failed", zap.Error(err))
		a.mu.Lock()
		a.state = StateUninitialized
		waiters := a.readyWaiters
		a.readyWaiters = nil
		a.mu.Unlock()
		drain(waiters, errors.E(op, err))
		return
	}

	pool, err := a.creator(context.Background(), a.root, env, a.cfg)
	if err != nil {
		a.log.Error("worker pool creation failed", zap.Error(err))
		a.mu.Lock()
		a.state = StateUninitialized
		waiters := a.readyWaiters
		a.readyWaiters = nil
		a.mu.Unlock()
		drain(waiters, errors.E(op, err))
		return
	}

	a.mu.Lock()
	a.pool = pool
	a.state = StateReady
	waiters := a.readyWaiters
	a.readyWaiters = nil
	a.mu.Unlock()
	drain(waiters, nil)
}

func drain(waiters []chan error, err error) {
	for _, w := range waiters {
		w <- err
	}
}

// loadEnvironment runs the initialization pipeline: .powrc then .powenv,
// then (if present) .rvmrc sourced behind the configured rvm loader.
func (a *Application) loadEnvironment() (map[string]string, error) {
	const op = errors.Op("app_load_environment")

	env := osEnviron()

	for _, name := range []string{".powrc", ".powenv"} {
		path := filepath.Join(a.root, name)
		if !fileExists(path) {
			continue
		}
		next, err := envsource.Source(context.Background(), path, env, envsource.Options{})
		if err != nil {
			return nil, errors.E(op, err)
		}
		env = next
	}

	rvmrc := filepath.Join(a.root, ".rvmrc")
	if fileExists(rvmrc) {
		if a.cfg.RvmPath == "" || !fileExists(a.cfg.RvmPath) {
			return nil, errors.E(op, &envsource.RvmMissing{LoaderPath: a.cfg.RvmPath})
		}
		next, err := envsource.Source(context.Background(), rvmrc, env, envsource.Options{
			Before: ". " + a.cfg.RvmPath,
		})
		if err != nil {
			return nil, errors.E(op, err)
		}
		env = next
	}

	return env, nil
}

// Handle admits req into the application: it waits for readiness,
// performs the restart check, injects proxyMetaVariables, and forwards
// to the worker pool. done (the pipeline's resume function for the
// paused request body) is invoked once the handoff is safe - on error
// paths that means immediately, on success right before the pool call.
func (a *Application) Handle(w http.ResponseWriter, r *http.Request, done func()) error {
	const op = errors.Op("app_handle")

	if err := <-a.Ready(); err != nil {
		if done != nil {
			done()
		}
		return errors.E(op, err)
	}

	if err := a.restartIfNecessary(); err != nil {
		if done != nil {
			done()
		}
		return errors.E(op, err)
	}

	// restartIfNecessary only blocks on re-initialization when *this*
	// call observed the mtime change; a concurrent caller that raced in
	// after the change was already recorded (see restartIfNecessary)
	// would otherwise read a.pool while it is still nil or draining. Re-
	// confirming readiness here is a no-op once state is already ready.
	if err := <-a.Ready(); err != nil {
		if done != nil {
			done()
		}
		return errors.E(op, err)
	}

	a.mu.Lock()
	pool := a.pool
	a.mu.Unlock()

	r = r.WithContext(workerpool.WithMeta(r.Context(), map[string]string{
		"SERVER_PORT": strconv.Itoa(a.cfg.DstPort),
	}))

	if done != nil {
		done()
	}
	return pool.Handle(w, r)
}

// Quit issues pool.quit if the application is ready and invokes done
// once the pool's workers have exited. A non-ready application calls
// done back immediately.
func (a *Application) Quit(ctx context.Context, done func()) {
	a.mu.Lock()
	pool := a.pool
	ready := a.state == StateReady
	a.mu.Unlock()

	if !ready || pool == nil {
		if done != nil {
			done()
		}
		return
	}

	pool.Quit(ctx)
	if done != nil {
		done()
	}
}

// restartIfNecessary stats tmp/restart.txt; if its mtime changed since
// last observed, it quits the current pool and blocks until a fresh one
// is ready, so the triggering request is served by the new pool. An mtime
// seen when none was recorded before (including on the first request)
// counts as a change. A stat failure (file absent, transient I/O error)
// is treated as "no restart" and clears the recorded mtime.
func (a *Application) restartIfNecessary() error {
	info, statErr := os.Stat(filepath.Join(a.root, "tmp", "restart.txt"))

	var mtime *time.Time
	if statErr == nil {
		t := info.ModTime()
		mtime = &t
	}

	a.mu.Lock()
	changed := a.state == StateReady && !mtimeEqual(a.restartMTime, mtime)
	a.restartMTime = mtime
	prevPool := a.pool
	if changed {
		a.state = StateUninitialized
		a.pool = nil
	}
	a.mu.Unlock()

	if !changed {
		return nil
	}

	if prevPool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		prevPool.Quit(ctx)
		cancel()
	}

	return <-a.Ready()
}

func mtimeEqual(a, b *time.Time) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Equal(*b)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func osEnviron() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return env
}

