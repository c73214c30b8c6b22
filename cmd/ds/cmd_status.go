package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/daviddao/docsync/pkg/model"
	"github.com/daviddao/docsync/pkg/server"
)

func (a *app) cmdStatus(args []string) int {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "usage: ds status [--json] [doc]")
		return 1
	}

	st, err := a.openStore()
	if err != nil {
		return fail("status", err)
	}
	defer st.Close()

	if flags.NArg() == 1 {
		srv := server.New(st, server.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), server.WithSweepInterval(0))
		defer srv.Close()
		ds, err := srv.DocumentStatus(context.Background(), flags.Arg(0))
		if err != nil {
			return fail("status", err)
		}
		if *jsonOut {
			printJSON(ds)
		} else {
			printDocumentStatus(ds, time.Now())
		}
		return 0
	}

	docs, err := st.ListDocuments()
	if err != nil {
		return fail("status", err)
	}
	clients, err := st.ListClients()
	if err != nil {
		return fail("status", err)
	}

	if *jsonOut {
		printJSON(map[string]interface{}{
			"documents": docs,
			"clients":   clients,
		})
		return 0
	}

	now := time.Now()
	if len(docs) > 0 {
		fmt.Println("documents:")
		for _, d := range docs {
			fmt.Println("  " + documentLine(d, now))
		}
	} else {
		fmt.Println("documents: none")
	}
	if len(clients) > 0 {
		fmt.Println("clients:")
		for _, c := range clients {
			fmt.Printf("  %s %-20s %s  seen %s\n", clientIndicator(c), c.Key, c.ID,
				humanize.RelTime(c.UpdatedAt, now, "ago", "from now"))
		}
	} else {
		fmt.Println("clients: none")
	}
	return 0
}

func documentLine(d model.DocInfo, now time.Time) string {
	line := fmt.Sprintf("%-24s seq=%-8s updated %s", d.Key, humanize.Comma(d.ServerSeq),
		humanize.RelTime(d.UpdatedAt, now, "ago", "from now"))
	if d.IsRemoved() {
		line += " [removed " + humanize.RelTime(d.RemovedAt, now, "ago", "from now") + "]"
	}
	return line
}

func printDocumentStatus(ds *server.DocumentStatus, now time.Time) {
	fmt.Println(documentLine(ds.Document, now))
	fmt.Printf("created %s by %s\n", humanize.RelTime(ds.Document.CreatedAt, now, "ago", "from now"), ds.Document.Owner)
	if len(ds.Attached) == 0 {
		fmt.Println("attached: none")
		return
	}
	fmt.Printf("frontier: seq=%s (%d of %d clients at it)\n",
		humanize.Comma(ds.Frontier.MinSyncedSeq), len(ds.Frontier.HeldBy), len(ds.Attached))
	fmt.Println("attached:")
	for _, s := range ds.Attached {
		marker := ""
		if s.ServerSeq == ds.Frontier.MinSyncedSeq {
			marker = " <-- frontier"
		}
		behind := ds.Document.ServerSeq - s.ServerSeq
		fmt.Printf("  %-38s seq=%-8s behind=%d%s\n", s.ClientID, humanize.Comma(s.ServerSeq), behind, marker)
	}
}

// clientIndicator returns a short text indicator for display.
func clientIndicator(c model.Client) string {
	if c.IsActive() {
		return "[+]"
	}
	return "[-]"
}
