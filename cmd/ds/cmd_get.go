package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/daviddao/docsync/pkg/client"
	"github.com/daviddao/docsync/pkg/clock"
)

func (a *app) cmdGet(args []string) int {
	flags := flag.NewFlagSet("get", flag.ContinueOnError)
	clientFlag := flags.String("client", "", "client key")
	presences := flags.Bool("presences", false, "also print the presences of attached clients")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ds get [--presences] [--json] <doc>")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	s, err := a.connect(ctx, a.resolveClient(*clientFlag))
	if err != nil {
		return fail("get", err)
	}
	defer s.Close(ctx)

	doc, err := s.attach(ctx, flags.Arg(0), client.SyncManual)
	if err != nil {
		return fail("get", err)
	}
	root, seq, peers := doc.Marshal(), doc.Checkpoint().ServerSeq(), doc.Presences()

	if err := s.client.Detach(ctx, doc); err != nil {
		return fail("get", err)
	}

	if *jsonOut {
		result := map[string]interface{}{
			"document":   flags.Arg(0),
			"server_seq": seq,
			"root":       json.RawMessage(root),
		}
		if *presences {
			result["presences"] = peers
		}
		printJSON(result)
		return 0
	}

	fmt.Println(root)
	if *presences {
		for _, line := range presenceLines(peers) {
			fmt.Println(line)
		}
	}
	return 0
}

// presenceLines renders presences one actor per line, ordered by actor.
func presenceLines(peers map[clock.ActorID]map[string]string) []string {
	actors := make([]string, 0, len(peers))
	for actor := range peers {
		actors = append(actors, actor.String())
	}
	sort.Strings(actors)

	lines := make([]string, 0, len(actors))
	for _, actor := range actors {
		data := peers[clock.ActorID(actor)]
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		line := "  " + actor + ":"
		for _, k := range keys {
			line += fmt.Sprintf(" %s=%s", k, data[k])
		}
		lines = append(lines, line)
	}
	return lines
}
