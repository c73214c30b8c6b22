package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/daviddao/docsync/pkg/client"
	"github.com/daviddao/docsync/pkg/document"
)

func (a *app) cmdWatch(args []string) int {
	flags := flag.NewFlagSet("watch", flag.ContinueOnError)
	clientFlag := flags.String("client", "", "client key")
	jsonOut := flags.Bool("json", false, "JSON output (one JSON object per line)")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ds watch [--json] <doc>")
		return 1
	}
	docKey := flags.Arg(0)

	// Handle ctrl-c gracefully.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := a.connect(ctx, a.resolveClient(*clientFlag))
	if err != nil {
		return fail("watch", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close(closeCtx)
	}()

	doc, err := s.attach(ctx, docKey, client.SyncRealtime)
	if err != nil {
		return fail("watch", err)
	}
	events, unsubscribe := doc.Subscribe()
	defer unsubscribe()

	fmt.Fprintf(os.Stderr, "watching %s at seq %d (ctrl-c to stop)\n", docKey, doc.Checkpoint().ServerSeq())
	fmt.Println(doc.Marshal())

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nstopped")
			return 0
		case ev, ok := <-events:
			if !ok {
				return 0
			}
			for _, line := range describeEvent(ev, doc.Marshal(), *jsonOut) {
				fmt.Println(line)
			}
		}
	}
}

// describeEvent renders the lines printed for ev. root is the document
// after the event. Local edits print nothing.
func describeEvent(ev document.Event, root string, jsonOut bool) []string {
	var lines []string
	switch ev := ev.(type) {
	case document.RemoteChangeEvent:
		for _, c := range ev.Changes {
			paths := document.OpPaths(c.Operations)
			if jsonOut {
				b, _ := json.Marshal(map[string]interface{}{
					"actor":      c.Actor,
					"server_seq": c.ServerSeq,
					"paths":      paths,
					"message":    c.Message,
				})
				lines = append(lines, string(b))
				continue
			}
			line := fmt.Sprintf("[seq=%d] %s: %s", c.ServerSeq, c.Actor, strings.Join(paths, ", "))
			if c.Message != "" {
				line += " (" + c.Message + ")"
			}
			lines = append(lines, line)
		}
	case document.SnapshotEvent:
		if jsonOut {
			b, _ := json.Marshal(map[string]interface{}{"snapshot": ev.ServerSeq})
			lines = append(lines, string(b))
		} else {
			lines = append(lines, fmt.Sprintf("[seq=%d] snapshot", ev.ServerSeq))
		}
	case document.StatusChangedEvent:
		if jsonOut {
			b, _ := json.Marshal(map[string]interface{}{"status": ev.Status.String()})
			lines = append(lines, string(b))
		} else {
			lines = append(lines, "status: "+ev.Status.String())
		}
		return lines
	default:
		return nil
	}
	if !jsonOut {
		lines = append(lines, "  "+root)
	}
	return lines
}
