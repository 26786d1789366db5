// Command gcsbuildcache is a GOCACHEPROG implementation that shares Go build
// outputs through a Google Cloud Storage bucket (or S3).
//
// Usage:
//
//	GOCACHEPROG="gcsbuildcache -bucket my-bucket -refresh-after 86400" go build ./...
//	gcsbuildcache clear
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/idlestate/gcsbuildcache/backends"
	"github.com/idlestate/gcsbuildcache/cache"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "gcsbuildcache: %v\n", err)
		os.Exit(1)
	}
}

// run executes one invocation. stdout carries the protocol, so all logging
// goes to stderr.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(args, stderr)
	if err != nil {
		return err
	}
	logger, err := cfg.newLogger(stderr)
	if err != nil {
		return err
	}

	switch cfg.Command {
	case "clear":
		local, err := newLocalCache(cfg.objectsDir(), logger)
		if err != nil {
			return err
		}
		return local.clear()
	case "serve":
	default:
		return fmt.Errorf("unknown command %q", cfg.Command)
	}

	open, err := backends.Open(cfg.Backend, cfg.backendOptions())
	if err != nil {
		return err
	}
	if cfg.Debug {
		open = backends.WithDebug(open, logger)
	}

	svc, err := cache.New(ctx, cfg.cacheConfig(), open, cache.WithLogger(logger))
	if err != nil {
		return err
	}

	local, err := newLocalCache(cfg.objectsDir(), logger)
	if err != nil {
		svc.Close()
		return err
	}
	locks, err := cfg.lockGroup()
	if err != nil {
		svc.Close()
		return err
	}

	backend := newRemoteBackend(local, svc, locks, !cfg.ReadOnly, logger)
	defer backend.Close()

	runErr := NewCacheProg(backend, stdin, stdout, logger).Run(ctx)
	if cfg.Stats {
		printStats(stderr, svc)
	}
	return runErr
}

func printStats(w io.Writer, svc *cache.Service) {
	latencies, counters := svc.Stats()
	fmt.Fprintln(w, "gcsbuildcache statistics:")
	for _, s := range latencies {
		fmt.Fprintln(w, s.String())
	}
	fmt.Fprintf(w, "  counters: %s\n", counters)
}
