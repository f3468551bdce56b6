// Package pipeline assembles the ordered request-handling chain from
// spec.md §4.G: log, resolve host, try the static fast path, locate the
// application, hand off to it, and render any error at the tail.
package pipeline

import (
	"fmt"
	"net/http"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/tomnomnom/powd/internal/app"
	"github.com/tomnomnom/powd/internal/hostrouter"
	"github.com/tomnomnom/powd/internal/reqpause"
)

// Pipeline is an http.Handler running the request annotation described
// by spec.md §3: {host, root, application, resume}.
type Pipeline struct {
	router *hostrouter.HostRouter
	log    *zap.Logger
}

// New builds a Pipeline dispatching through router.
func New(router *hostrouter.HostRouter, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{router: router, log: log}
}

// requestState is the request annotation the chain threads from stage
// to stage.
type requestState struct {
	host        string
	root        string
	application *app.Application
	resume      func()
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := &requestState{}

	p.logRequest(r)

	if done := p.findApplicationRoot(w, r, st); done {
		return
	}

	if done := p.handleStaticRequest(w, r, st); done {
		return
	}

	if done := p.findRackApplication(w, r, st); done {
		return
	}

	p.handleApplicationRequest(w, r, st)
}

// logRequest is the chain's first stage: it never defers the request,
// it only observes it.
func (p *Pipeline) logRequest(r *http.Request) {
	p.log.Info("request",
		zap.String("method", r.Method),
		zap.String("host", r.Host),
		zap.String("path", r.URL.Path),
	)
}

// findApplicationRoot pauses the request body, installs the resume
// function into the annotation, and resolves the Host header to an
// application root. Absent roots render the NonexistentDomain page and
// end the chain.
func (p *Pipeline) findApplicationRoot(w http.ResponseWriter, r *http.Request, st *requestState) (done bool) {
	resume := reqpause.Pause(r)
	st.resume = resume
	st.host = r.Host

	root, ok := p.router.ResolveHost(r.Host)
	if !ok {
		resume()
		writeNonexistentDomain(w, st.host, suggestedSymlinkPath(p.router, st.host))
		return true
	}

	st.root = root
	return false
}

// handleStaticRequest only runs for GET/HEAD; it must resume the
// request when it defers so the body is unblocked for the rack branch.
func (p *Pipeline) handleStaticRequest(w http.ResponseWriter, r *http.Request, st *requestState) (done bool) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		st.resume()
		return false
	}

	handler := p.router.StaticHandlerForRoot(st.root)
	if !handler.Exists(r.URL.Path) {
		st.resume()
		return false
	}

	handler.ServeHTTP(w, r)
	return true
}

// findRackApplication looks up (or creates) the Application for root.
// A root with no config.ru is not a rack application; it gets a plain
// 404 rather than one of the bit-exact error pages.
func (p *Pipeline) findRackApplication(w http.ResponseWriter, r *http.Request, st *requestState) (done bool) {
	a, ok := p.router.ApplicationForRoot(st.root)
	if !ok {
		http.Error(w, "no rack application configured for this root", http.StatusNotFound)
		return true
	}

	st.application = a
	return false
}

// handleApplicationRequest hands off to the Application, passing
// resume as its done callback. Initialization failures render the
// ApplicationException page.
func (p *Pipeline) handleApplicationRequest(w http.ResponseWriter, r *http.Request, st *requestState) {
	err := st.application.Handle(w, r, st.resume)
	if err == nil {
		return
	}

	p.log.Error("application request failed",
		zap.String("root", st.application.Root()),
		zap.Error(err),
	)
	writeApplicationException(w, st.application.Root(), err.Error(), fmt.Sprintf("%+v", err))
}

func suggestedSymlinkPath(router *hostrouter.HostRouter, host string) string {
	return filepath.Join(router.ConfigRoot(), firstLabel(host))
}

func firstLabel(host string) string {
	for i := 0; i < len(host); i++ {
		switch host[i] {
		case '.', ':':
			return host[:i]
		}
	}
	return host
}
