// Command powd is the daemon entrypoint: it wires the configuration,
// host resolver, host router, and middleware pipeline together, binds a
// reuseport listener, and serves until it is asked to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spiral/tcplisten"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tomnomnom/powd/internal/config"
	"github.com/tomnomnom/powd/internal/hostrouter"
	"github.com/tomnomnom/powd/internal/pipeline"
	"github.com/tomnomnom/powd/internal/resolver"
)

func main() {
	root := flag.String("root", os.Getenv("HOME")+"/.pow", "directory containing application roots")
	domain := flag.String("domain", "dev", "TLD applications are served under")
	port := flag.Int("port", 20559, "port the proxy listens on")
	dstPort := flag.Int("dst-port", 20559, "SERVER_PORT meta variable passed to workers with each request")
	workers := flag.Int("workers", 1, "warm workers per application")
	idle := flag.Duration("idle", 15*time.Minute, "worker idle recycle timeout")
	rvmPath := flag.String("rvm-path", os.Getenv("HOME")+"/.rvm/scripts/rvm", "rvm loader script sourced before .rvmrc")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "powd: building logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg := &config.Config{
		Workers: *workers,
		Timeout: *idle,
		DstPort: *dstPort,
		RvmPath: *rvmPath,
		Domain:  *domain,
		Root:    *root,
		Logger:  log,
	}
	cfg.Resolver = resolver.NewSymlinkResolver(*root)

	router := hostrouter.New(cfg, nil)
	p := pipeline.New(router, cfg.GetLogger("pipeline"))

	ln, err := listen(*port)
	if err != nil {
		log.Fatal("binding listener", zap.Error(err))
	}

	srv := &http.Server{Handler: p}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("serving", zap.Int("port", *port), zap.String("domain", *domain))
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		router.CloseAll(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("exited with error", zap.Error(err))
		os.Exit(1)
	}
}

// listen binds a reuseport TCP listener the way the teacher's daemon
// mode binds its privileged-port-forwarded listener: cheap restarts
// during development shouldn't trip over a lingering TIME_WAIT socket.
func listen(port int) (net.Listener, error) {
	cfg := tcplisten.Config{ReusePort: true}
	return cfg.NewListener("tcp4", fmt.Sprintf("127.0.0.1:%d", port))
}
