package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/daviddao/docsync/pkg/presence"
)

func (a *app) cmdPresence(args []string) int {
	flags := flag.NewFlagSet("presence", flag.ContinueOnError)
	clientFlag := flags.String("client", "", "client key")
	watch := flags.Duration("watch", 0, "stay attached and print count changes for this long (0 = print once)")
	jsonOut := flags.Bool("json", false, "JSON output (one JSON object per line)")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ds presence [--watch DUR] [--json] <key>")
		return 1
	}
	key := flags.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *watch > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *watch)
		defer cancel()
	}

	s, err := a.connect(ctx, a.resolveClient(*clientFlag))
	if err != nil {
		return fail("presence", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close(closeCtx)
	}()

	mode := presence.ModeManual
	if *watch > 0 {
		mode = presence.ModeRealtime
	}
	counter, err := s.client.AttachPresence(ctx, key, presence.WithMode(mode), presence.WithLogger(a.logger))
	if err != nil {
		return fail("presence", err)
	}
	events, unsubscribe := counter.Subscribe()
	defer unsubscribe()
	printCount(key, counter.Count(), counter.Seq(), *jsonOut)

	if *watch > 0 {
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case ev, ok := <-events:
				if !ok {
					break loop
				}
				if ev, ok := ev.(presence.ChangedEvent); ok {
					printCount(key, ev.Count, counter.Seq(), *jsonOut)
				}
			}
		}
	}

	detachCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.DetachPresence(detachCtx, counter); err != nil {
		return fail("presence", err)
	}
	return 0
}

func printCount(key string, count, seq int64, jsonOut bool) {
	if jsonOut {
		printJSONLine(map[string]interface{}{"key": key, "count": count, "seq": seq})
		return
	}
	fmt.Printf("%s: %d online (seq=%d)\n", key, count, seq)
}
