// Package workerpool is the thin contract the Application state machine
// uses to create, drive, and quit the external worker pool: it never
// touches pool.StaticPool internals, only the pool.Pool and ipc.Factory
// interfaces.
package workerpool

import (
	"context"
	"io/ioutil"
	"net/http"
	"os/exec"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spiral/errors"
	"go.uber.org/zap"

	"github.com/spiral/roadrunner/v2/events"
	"github.com/spiral/roadrunner/v2/ipc"
	"github.com/spiral/roadrunner/v2/ipc/pipe"
	"github.com/spiral/roadrunner/v2/payload"
	"github.com/spiral/roadrunner/v2/pool"

	"github.com/tomnomnom/powd/internal/linebuffer"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config describes the pool an Application wants created.
type Config struct {
	// Env is the environment every worker process is spawned with.
	Env map[string]string
	// Size is the number of workers to keep warm.
	Size uint64
	// Idle recycles a worker that has sat unused this long. Zero disables it.
	Idle time.Duration
	// AllocateTimeout bounds waiting for a free worker and spawning a new one.
	AllocateTimeout time.Duration
	// DestroyTimeout bounds how long Quit waits before killing stragglers.
	DestroyTimeout time.Duration
}

// Handle is what the Application state machine depends on: create a
// pool once, then hand it requests and eventually quit it. Defined here
// (rather than consumed as the concrete *Pool) so Application can be
// exercised against a fake in tests without spawning real subprocesses.
type Handle interface {
	Handle(w http.ResponseWriter, r *http.Request) error
	Quit(ctx context.Context)
	AddListener(l events.Listener)
}

// Pool is a booted worker pool bound to one application's command and
// environment.
type Pool struct {
	inner   pool.Pool
	factory ipc.Factory
	log     *zap.Logger

	mu        sync.Mutex
	outLines  map[interface{}]*linebuffer.Buffer
	listeners []events.Listener
}

var _ Handle = (*Pool)(nil)

// requestContext is the CGI-like envelope handed to a worker alongside
// the raw request body.
type requestContext struct {
	Method     string            `json:"method"`
	URI        string            `json:"uri"`
	RemoteAddr string            `json:"remoteAddr"`
	Header     http.Header       `json:"header"`
	Meta       map[string]string `json:"meta,omitempty"`
}

type metaKeyType struct{}

var metaKey = metaKeyType{}

// WithMeta attaches proxy meta variables (e.g. SERVER_PORT) to ctx so
// they ride along with the request down to the worker as CGI-like
// variables. Application.Handle uses this to inject SERVER_PORT ahead
// of every handoff.
func WithMeta(ctx context.Context, meta map[string]string) context.Context {
	return context.WithValue(ctx, metaKey, meta)
}

func metaFrom(ctx context.Context) map[string]string {
	meta, _ := ctx.Value(metaKey).(map[string]string)
	return meta
}

// responseContext is what a worker is expected to hand back alongside
// the raw response body.
type responseContext struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
}

// Create spawns Size workers running command, wired to communicate over
// a pipe ipc.Factory.
func Create(ctx context.Context, command func() *exec.Cmd, cfg Config, log *zap.Logger) (*Pool, error) {
	const op = errors.Op("workerpool_create")
	if log == nil {
		log = zap.NewNop()
	}

	factory := ipc.Factory(pipe.NewPipeFactory(log))

	wrapped := func() *exec.Cmd {
		cmd := command()
		cmd.Env = flatten(cfg.Env)
		return cmd
	}

	// The concrete pool only accepts listeners as a construction-time
	// pool.AddListeners option (pool.Pool has no exported instance
	// AddListener to call afterward), so wp has to exist - with its
	// dispatch method bound - before Initialize runs.
	wp := &Pool{factory: factory, log: log, outLines: make(map[interface{}]*linebuffer.Buffer)}

	p, err := pool.Initialize(ctx, wrapped, factory, &pool.Config{
		NumWorkers:      cfg.Size,
		AllocateTimeout: cfg.AllocateTimeout,
		DestroyTimeout:  cfg.DestroyTimeout,
		IdleTimeout:     cfg.Idle,
	}, pool.AddListeners(wp.dispatch))
	if err != nil {
		return nil, errors.E(op, err)
	}

	wp.inner = p
	return wp, nil
}

// lineBufferFor returns (creating if necessary) the line buffer
// accumulating raw output for one worker, keyed by the worker value the
// event carries, so a chunk split mid-line joins up with the next chunk
// from that same worker instead of being logged twice.
func (p *Pool) lineBufferFor(worker interface{}, errLevel bool) *linebuffer.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if lb, ok := p.outLines[worker]; ok {
		return lb
	}
	lb := linebuffer.New(func(line string) {
		if errLevel {
			p.log.Error(line)
		} else {
			p.log.Info(line)
		}
	})
	p.outLines[worker] = lb
	return lb
}

// dispatch is the sole events.Listener ever registered with the
// concrete pool (via pool.AddListeners at Initialize time, since the
// pool has no exported instance AddListener to call afterward - see
// AddListener below). It line-buffers worker stdout/stderr payloads
// into the pool's logger, logs lifecycle events (spawn, exit, errors)
// as structured fields, and fans every event out to whatever listeners
// have been registered through AddListener.
func (p *Pool) dispatch(event interface{}) {
	switch e := event.(type) {
	case events.WorkerEvent:
		if raw, ok := e.Payload.([]byte); ok {
			lb := p.lineBufferFor(e.Worker, e.Event == events.EventWorkerError)
			_, _ = lb.Write(raw)
			if e.Event == events.EventWorkerDestruct {
				_ = lb.Close()
			}
		} else {
			p.log.Debug("worker event", zap.Stringer("event", e.Event))
		}
	case events.PoolEvent:
		if e.Error != nil {
			p.log.Error("pool event", zap.Stringer("event", e.Event), zap.Error(e.Error))
		} else {
			p.log.Debug("pool event", zap.Stringer("event", e.Event))
		}
	}

	p.mu.Lock()
	listeners := p.listeners
	p.mu.Unlock()
	for _, l := range listeners {
		l(event)
	}
}

// AddListener registers l to receive every worker/pool lifecycle event
// (spawn, exit, terminal exit) the pool emits. The concrete pool type
// only takes listeners as a pool.AddListeners option at construction
// time - it has no exported instance AddListener - so Create registers
// Pool.dispatch once up front and AddListener fans out through it
// instead of reaching into the pool again.
func (p *Pool) AddListener(l events.Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// Handle hands req/resp to a free worker and copies its response back.
// The request body must already be fully readable (pause released).
func (p *Pool) Handle(w http.ResponseWriter, r *http.Request) error {
	const op = errors.Op("workerpool_handle")

	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		return errors.E(op, err)
	}

	req, err := encodeRequest(r, body)
	if err != nil {
		return errors.E(op, err)
	}

	rsp, err := p.inner.Exec(req)
	if err != nil {
		return errors.E(op, err)
	}

	status, header, err := decodeResponse(rsp)
	if err != nil {
		return errors.E(op, err)
	}

	for name, values := range header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(status)
	_, err = w.Write(rsp.Body)
	return err
}

// encodeRequest builds the payload handed to a worker for r/body.
func encodeRequest(r *http.Request, body []byte) (*payload.Payload, error) {
	ctxBytes, err := json.Marshal(requestContext{
		Method:     r.Method,
		URI:        r.URL.RequestURI(),
		RemoteAddr: r.RemoteAddr,
		Header:     r.Header,
		Meta:       metaFrom(r.Context()),
	})
	if err != nil {
		return nil, err
	}
	return &payload.Payload{Context: ctxBytes, Body: body, Codec: payload.CodecJSON}, nil
}

// decodeResponse extracts the status and headers a worker returned,
// defaulting to 200 if it left the context empty.
func decodeResponse(rsp *payload.Payload) (int, http.Header, error) {
	var rspCtx responseContext
	if len(rsp.Context) > 0 {
		if err := json.Unmarshal(rsp.Context, &rspCtx); err != nil {
			return 0, nil, err
		}
	}
	if rspCtx.Status == 0 {
		rspCtx.Status = http.StatusOK
	}
	return rspCtx.Status, rspCtx.Header, nil
}

// Quit drains and terminates every worker, bounded by ctx.
func (p *Pool) Quit(ctx context.Context) {
	p.inner.Destroy(ctx)
	if err := p.factory.Close(); err != nil {
		p.log.Debug("worker pool factory close", zap.Error(err))
	}
}

func flatten(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
