package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/daviddao/docsync/pkg/client"
	"github.com/daviddao/docsync/pkg/document"
	"github.com/daviddao/docsync/pkg/rpc"
	"github.com/daviddao/docsync/pkg/store"
)

const (
	defaultDB   = "docsync.db"
	defaultAddr = "localhost:7878"

	// callTimeout bounds one-shot commands such as set and get.
	callTimeout = 30 * time.Second
)

// app holds the settings shared by all CLI subcommands.
type app struct {
	dbPath    string
	addr      string
	clientKey string // default client from DOCSYNC_CLIENT
	redisAddr string
	logger    *slog.Logger
}

// newApp reads the environment. Nothing is opened until a command needs it.
func newApp() *app {
	return &app{
		dbPath:    envOr("DOCSYNC_DB", defaultDB),
		addr:      envOr("DOCSYNC_ADDR", defaultAddr),
		clientKey: envOr("DOCSYNC_CLIENT", ""),
		redisAddr: envOr("DOCSYNC_REDIS", ""),
		logger:    newLogger(slog.LevelWarn),
	}
}

// newLogger returns a text logger on stderr.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openStore opens the database at the configured path.
func (a *app) openStore() (*store.Store, error) {
	s, err := store.New(a.dbPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open database %q: %w", a.dbPath, err)
	}
	return s, nil
}

// resolveClient returns the client key from the flag (if non-empty), falling
// back to DOCSYNC_CLIENT and then to one derived from the hostname.
func (a *app) resolveClient(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	if a.clientKey != "" {
		return a.clientKey
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return "ds-" + host
}

// rpcURL turns a service address into the websocket endpoint. Full ws://
// and wss:// URLs are used as given.
func rpcURL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	return "ws://" + strings.TrimSuffix(addr, "/") + "/rpc"
}

// session is an activated client over one service connection.
type session struct {
	conn   *rpc.Conn
	client *client.Client
	logger *slog.Logger
	docs   []*document.Document
}

// connect dials the service and activates clientKey on it.
func (a *app) connect(ctx context.Context, clientKey string) (*session, error) {
	conn, err := rpc.Dial(ctx, rpcURL(a.addr), rpc.WithDialLogger(a.logger))
	if err != nil {
		return nil, err
	}
	c := client.New(clientKey, conn, client.WithLogger(a.logger))
	if err := c.Activate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return &session{conn: conn, client: c, logger: a.logger}, nil
}

// attach attaches a fresh replica of key. The replica lives until Close.
func (s *session) attach(ctx context.Context, key string, mode client.SyncMode) (*document.Document, error) {
	doc := document.New(key, document.WithLogger(s.logger))
	if err := s.client.Attach(ctx, doc, client.WithSyncMode(mode)); err != nil {
		doc.Close()
		return nil, err
	}
	s.docs = append(s.docs, doc)
	return doc, nil
}

// Close deactivates the client, hangs up and closes the session's replicas.
// Errors are reported but do not change the command's outcome.
func (s *session) Close(ctx context.Context) {
	if err := s.client.Deactivate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ds: deactivate: %v\n", err)
	}
	s.conn.Close()
	for _, doc := range s.docs {
		doc.Close()
	}
}

// fail reports err for cmd and returns the error exit code.
func fail(cmd string, err error) int {
	fmt.Fprintf(os.Stderr, "ds: %s: %v\n", cmd, err)
	return 1
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// printJSONLine writes v to stdout as one line of JSON.
func printJSONLine(v interface{}) {
	_ = json.NewEncoder(os.Stdout).Encode(v)
}
