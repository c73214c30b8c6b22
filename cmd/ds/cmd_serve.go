package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/daviddao/docsync/pkg/broker"
	"github.com/daviddao/docsync/pkg/rpc"
	"github.com/daviddao/docsync/pkg/server"
)

func (a *app) cmdServe(args []string) int {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := flags.String("listen", a.addr, "listen address")
	redisAddr := flags.String("redis", a.redisAddr, "Redis address for cross-process fan-out (empty = in-process)")
	threshold := flags.Int64("snapshot-threshold", server.DefaultSnapshotThreshold, "changes behind before a client gets a snapshot")
	ttl := flags.Duration("presence-ttl", server.DefaultPresenceTTL, "presence expiry without heartbeat")
	sweep := flags.Duration("sweep-interval", server.DefaultSweepInterval, "presence expiry sweep period")
	debug := flags.Bool("debug", false, "debug logging")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := newLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := a.openStore()
	if err != nil {
		return fail("serve", err)
	}
	defer st.Close()

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithSnapshotThreshold(*threshold),
		server.WithPresenceTTL(*ttl),
		server.WithSweepInterval(*sweep),
	}
	if *redisAddr != "" {
		rb, err := broker.NewRedis(ctx, *redisAddr, "docsync:", logger)
		if err != nil {
			return fail("serve", err)
		}
		defer rb.Close()
		opts = append(opts, server.WithBroker(rb))
	}
	srv := server.New(st, opts...)
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              *listen,
		Handler:           rpc.NewHandler(srv, srv.Registry(), rpc.WithLogger(logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- httpSrv.ListenAndServe() }()
	logger.Info("serving", slog.String("addr", *listen), slog.String("db", a.dbPath),
		slog.Bool("redis", *redisAddr != ""))

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fail("serve", err)
		}
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "\nshutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fail("serve", err)
		}
	}
	return 0
}
