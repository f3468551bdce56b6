// Package hostrouter resolves an inbound Host header to an application
// root and owns the process-wide cache of Application and static-file
// handler instances keyed by that root.
package hostrouter

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tomnomnom/powd/internal/app"
	"github.com/tomnomnom/powd/internal/config"
	"github.com/tomnomnom/powd/internal/staticfile"
)

// HostRouter is the Host Router from spec.md §3/§4.F: it resolves hosts
// to roots through the configured resolver (lookups are not cached) and
// is the lifecycle manager of the Applications bound to each root.
type HostRouter struct {
	mu sync.Mutex

	cfg     *config.Config
	log     *zap.Logger
	creator app.Creator

	applicationsByRoot   map[string]*app.Application
	staticHandlersByRoot map[string]*staticfile.Handler
}

// New returns a HostRouter consulting cfg.Resolver for host lookups and
// booting Applications with creator (app.DefaultCreator in production).
func New(cfg *config.Config, creator app.Creator) *HostRouter {
	return &HostRouter{
		cfg:                  cfg,
		log:                  cfg.GetLogger("hostrouter"),
		creator:              creator,
		applicationsByRoot:   make(map[string]*app.Application),
		staticHandlersByRoot: make(map[string]*staticfile.Handler),
	}
}

// ConfigRoot returns the apps directory applications are resolved
// under, used to render the suggested symlink path on a 503.
func (r *HostRouter) ConfigRoot() string {
	return r.cfg.Root
}

// ResolveHost strips any ":port" suffix from host and asks the
// configured resolver for the application root backing it.
func (r *HostRouter) ResolveHost(host string) (root string, ok bool) {
	if r.cfg.Resolver == nil {
		return "", false
	}
	return r.cfg.Resolver.ResolveHost(stripPort(host))
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i != -1 {
		return host[:i]
	}
	return host
}

// ApplicationForRoot returns the cached Application for root, creating
// one if root/config.ru exists and none is cached yet. If config.ru is
// absent and an Application was previously cached for root, it is
// evicted and quit fire-and-forget: the root has stopped being a
// rack-style app. The second return value reports whether root is
// currently rack-style.
func (r *HostRouter) ApplicationForRoot(root string) (*app.Application, bool) {
	isRackApp := fileExists(filepath.Join(root, "config.ru"))

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, cached := r.applicationsByRoot[root]

	if !isRackApp {
		if cached {
			delete(r.applicationsByRoot, root)
			go existing.Quit(context.Background(), nil)
		}
		return nil, false
	}

	if cached {
		return existing, true
	}

	a := app.New(root, r.cfg, r.creator)
	r.applicationsByRoot[root] = a
	return a, true
}

// StaticHandlerForRoot returns the memoized static-file handler rooted
// at root/public, creating it on first use.
func (r *HostRouter) StaticHandlerForRoot(root string) *staticfile.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.staticHandlersByRoot[root]; ok {
		return h
	}

	h := staticfile.New(root)
	r.staticHandlersByRoot[root] = h
	return h
}

// CloseAll quits every cached Application, invoked when the listener
// closes.
func (r *HostRouter) CloseAll(ctx context.Context) {
	r.mu.Lock()
	apps := make([]*app.Application, 0, len(r.applicationsByRoot))
	for root, a := range r.applicationsByRoot {
		apps = append(apps, a)
		delete(r.applicationsByRoot, root)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range apps {
		wg.Add(1)
		go func(a *app.Application) {
			defer wg.Done()
			done := make(chan struct{})
			a.Quit(ctx, func() { close(done) })
			<-done
		}(a)
	}
	wg.Wait()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
