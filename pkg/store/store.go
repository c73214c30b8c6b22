// Package store manages the SQLite persistence of the reference sync service.
//
// SQLite in WAL mode lets concurrent push-pulls read while one writer
// assigns server sequences. Every write that must be atomic (numbering
// pushed changes, bumping a presence sequence) runs in one transaction.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/model"

	_ "modernc.org/sqlite"
)

var (
	ErrClientNotFound     = errors.New("client not found")
	ErrDocumentNotFound   = errors.New("document not found")
	ErrAttachmentNotFound = errors.New("document not attached by client")
	ErrPresenceNotFound   = errors.New("presence not found")
)

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// retryOnContention wraps retryOp from retry.go with the default config.
func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

// withTx runs fn in a transaction, retrying the whole transaction on
// transient errors.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	return retryOnContention(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS clients (
		id         TEXT PRIMARY KEY,
		key        TEXT NOT NULL UNIQUE,
		status     TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		id         TEXT PRIMARY KEY,
		key        TEXT NOT NULL UNIQUE,
		server_seq INTEGER NOT NULL DEFAULT 0,
		owner      TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		removed_at TEXT
	);

	CREATE TABLE IF NOT EXISTS client_documents (
		client_id  TEXT NOT NULL REFERENCES clients(id),
		doc_id     TEXT NOT NULL REFERENCES documents(id),
		status     TEXT NOT NULL,
		client_seq INTEGER NOT NULL DEFAULT 0,
		server_seq INTEGER NOT NULL DEFAULT 0,
		attached_seq INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (client_id, doc_id)
	);
	CREATE INDEX IF NOT EXISTS idx_client_documents_doc ON client_documents(doc_id, status);

	CREATE TABLE IF NOT EXISTS changes (
		doc_id     TEXT NOT NULL REFERENCES documents(id),
		server_seq INTEGER NOT NULL,
		actor_id   TEXT NOT NULL,
		client_seq INTEGER NOT NULL,
		lamport    INTEGER NOT NULL,
		message    TEXT,
		payload    BLOB NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (doc_id, server_seq)
	);

	CREATE TABLE IF NOT EXISTS synced_seqs (
		doc_id         TEXT NOT NULL REFERENCES documents(id),
		client_id      TEXT NOT NULL REFERENCES clients(id),
		server_seq     INTEGER NOT NULL,
		version_vector BLOB NOT NULL,
		PRIMARY KEY (doc_id, client_id)
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		doc_id     TEXT NOT NULL REFERENCES documents(id),
		server_seq INTEGER NOT NULL,
		data       BLOB NOT NULL,
		vector     BLOB NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (doc_id, server_seq)
	);

	CREATE TABLE IF NOT EXISTS presence_keys (
		key      TEXT PRIMARY KEY,
		next_seq INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS presences (
		id         TEXT PRIMARY KEY,
		key        TEXT NOT NULL,
		actor_id   TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_presences_key ON presences(key);
	CREATE INDEX IF NOT EXISTS idx_presences_expires ON presences(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Clients
// ---------------------------------------------------------------------------

// ActivateClient activates the client registered under key, creating it with
// a fresh actor id on first use. Idempotent via ON CONFLICT.
func (s *Store) ActivateClient(key string) (*model.Client, error) {
	now := formatTime(time.Now())
	err := retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO clients (id, key, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
			clock.NewActorID().String(), key, string(model.ClientActivated), now, now,
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRow(
		`SELECT id, key, status, created_at, updated_at FROM clients WHERE key = ?`, key,
	)
	return scanClient(row)
}

// DeactivateClient deactivates a client and detaches every document it has
// attached.
func (s *Store) DeactivateClient(id clock.ActorID) (*model.Client, error) {
	now := formatTime(time.Now())
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE clients SET status = ?, updated_at = ? WHERE id = ?`,
			string(model.ClientDeactivated), now, id.String(),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrClientNotFound
		}
		if _, err := tx.Exec(
			`UPDATE client_documents SET status = ? WHERE client_id = ?`,
			string(model.DocDetached), id.String(),
		); err != nil {
			return err
		}
		_, err = tx.Exec(`DELETE FROM synced_seqs WHERE client_id = ?`, id.String())
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetClient(id)
}

// GetClient retrieves a client by actor id.
func (s *Store) GetClient(id clock.ActorID) (*model.Client, error) {
	row := s.db.QueryRow(
		`SELECT id, key, status, created_at, updated_at FROM clients WHERE id = ?`, id.String(),
	)
	return scanClient(row)
}

// ListClients returns all clients ordered by key.
func (s *Store) ListClients() ([]model.Client, error) {
	rows, err := s.db.Query(
		`SELECT id, key, status, created_at, updated_at FROM clients ORDER BY key`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []model.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, *c)
	}
	return clients, rows.Err()
}

func scanClient(row scanner) (*model.Client, error) {
	var c model.Client
	var id, status, createdStr, updatedStr string
	if err := row.Scan(&id, &c.Key, &status, &createdStr, &updatedStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, err
	}
	c.ID = clock.ActorID(id)
	c.Status = model.ClientStatus(status)
	var err error
	if c.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, fmt.Errorf("parse created_at for client %s: %w", id, err)
	}
	if c.UpdatedAt, err = parseTime(updatedStr); err != nil {
		return nil, fmt.Errorf("parse updated_at for client %s: %w", id, err)
	}
	return &c, nil
}

// ---------------------------------------------------------------------------
// Documents
// ---------------------------------------------------------------------------

// FindOrCreateDocument returns the document under key, creating it owned by
// owner when it does not exist.
func (s *Store) FindOrCreateDocument(key string, owner clock.ActorID) (*model.DocInfo, error) {
	now := formatTime(time.Now())
	err := retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO documents (id, key, server_seq, owner, created_at, updated_at)
			 VALUES (?, ?, 0, ?, ?, ?)
			 ON CONFLICT(key) DO NOTHING`,
			uuid.NewString(), key, owner.String(), now, now,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetDocument(key)
}

// GetDocument retrieves a document by key.
func (s *Store) GetDocument(key string) (*model.DocInfo, error) {
	row := s.db.QueryRow(
		`SELECT id, key, server_seq, owner, created_at, updated_at, COALESCE(removed_at, '')
		 FROM documents WHERE key = ?`, key,
	)
	return scanDocument(row)
}

// ListDocuments returns all documents ordered by key.
func (s *Store) ListDocuments() ([]model.DocInfo, error) {
	rows, err := s.db.Query(
		`SELECT id, key, server_seq, owner, created_at, updated_at, COALESCE(removed_at, '')
		 FROM documents ORDER BY key`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []model.DocInfo
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// RemoveDocument marks a document removed. Removal is permanent for the key.
func (s *Store) RemoveDocument(docID string) error {
	now := formatTime(time.Now())
	return retryOnContention(func() error {
		res, err := s.db.Exec(
			`UPDATE documents SET removed_at = ?, updated_at = ? WHERE id = ? AND removed_at IS NULL`,
			now, now, docID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrDocumentNotFound
		}
		return nil
	})
}

func scanDocument(row scanner) (*model.DocInfo, error) {
	var d model.DocInfo
	var owner, createdStr, updatedStr, removedStr string
	if err := row.Scan(&d.ID, &d.Key, &d.ServerSeq, &owner, &createdStr, &updatedStr, &removedStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	d.Owner = clock.ActorID(owner)
	var err error
	if d.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, fmt.Errorf("parse created_at for document %s: %w", d.Key, err)
	}
	if d.UpdatedAt, err = parseTime(updatedStr); err != nil {
		return nil, fmt.Errorf("parse updated_at for document %s: %w", d.Key, err)
	}
	if removedStr != "" {
		if d.RemovedAt, err = parseTime(removedStr); err != nil {
			return nil, fmt.Errorf("parse removed_at for document %s: %w", d.Key, err)
		}
	}
	return &d, nil
}

// ---------------------------------------------------------------------------
// Attachments
// ---------------------------------------------------------------------------

// AttachDocument attaches a document to a client. A new attachment starts
// from the beginning of the document's history and remembers where that
// history stood when it was made.
func (s *Store) AttachDocument(clientID clock.ActorID, docID string) (*model.Attachment, error) {
	err := retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO client_documents (client_id, doc_id, status, client_seq, server_seq, attached_seq)
			 VALUES (?, ?, ?, 0, 0, (SELECT server_seq FROM documents WHERE id = ?))
			 ON CONFLICT(client_id, doc_id) DO UPDATE SET
			   status = excluded.status, client_seq = 0, server_seq = 0,
			   attached_seq = excluded.attached_seq`,
			clientID.String(), docID, string(model.DocAttached), docID,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetAttachment(clientID, docID)
}

// DetachDocument detaches a document from a client and drops its synced
// position, so it no longer holds back garbage collection.
func (s *Store) DetachDocument(clientID clock.ActorID, docID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE client_documents SET status = ? WHERE client_id = ? AND doc_id = ?`,
			string(model.DocDetached), clientID.String(), docID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAttachmentNotFound
		}
		_, err = tx.Exec(
			`DELETE FROM synced_seqs WHERE doc_id = ? AND client_id = ?`, docID, clientID.String(),
		)
		return err
	})
}

// GetAttachment retrieves a client's attachment to a document.
func (s *Store) GetAttachment(clientID clock.ActorID, docID string) (*model.Attachment, error) {
	return getAttachment(s.db, clientID, docID)
}

func getAttachment(q querier, clientID clock.ActorID, docID string) (*model.Attachment, error) {
	var a model.Attachment
	var status string
	var clientSeq int64
	err := q.QueryRow(
		`SELECT status, client_seq, server_seq, attached_seq
		 FROM client_documents WHERE client_id = ? AND doc_id = ?`,
		clientID.String(), docID,
	).Scan(&status, &clientSeq, &a.ServerSeq, &a.AttachedSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, err
	}
	a.ClientID = clientID
	a.DocID = docID
	a.Status = model.AttachStatus(status)
	a.ClientSeq = uint32(clientSeq)
	return &a, nil
}

// ---------------------------------------------------------------------------
// Changes
// ---------------------------------------------------------------------------

// StoreChanges numbers and stores changes pushed by a client. Changes whose
// client sequence the service has already stored for the client are skipped.
// It returns the document and attachment after the push.
func (s *Store) StoreChanges(docID string, clientID clock.ActorID, changes []model.ChangeInfo) (*model.DocInfo, *model.Attachment, error) {
	now := formatTime(time.Now())
	var key string
	err := s.withTx(func(tx *sql.Tx) error {
		var serverSeq int64
		if err := tx.QueryRow(
			`SELECT key, server_seq FROM documents WHERE id = ?`, docID,
		).Scan(&key, &serverSeq); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrDocumentNotFound
			}
			return err
		}
		att, err := getAttachment(tx, clientID, docID)
		if err != nil {
			return err
		}

		clientSeq := att.ClientSeq
		for _, c := range changes {
			if c.ClientSeq <= clientSeq {
				continue
			}
			serverSeq++
			if _, err := tx.Exec(
				`INSERT INTO changes (doc_id, server_seq, actor_id, client_seq, lamport, message, payload, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				docID, serverSeq, c.ActorID.String(), int64(c.ClientSeq), c.Lamport, c.Message, c.Payload, now,
			); err != nil {
				return fmt.Errorf("insert change %d: %w", serverSeq, err)
			}
			clientSeq = c.ClientSeq
		}

		if _, err := tx.Exec(
			`UPDATE documents SET server_seq = ?, updated_at = ? WHERE id = ?`, serverSeq, now, docID,
		); err != nil {
			return err
		}
		_, err = tx.Exec(
			`UPDATE client_documents SET client_seq = ? WHERE client_id = ? AND doc_id = ?`,
			int64(clientSeq), clientID.String(), docID,
		)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	doc, err := s.GetDocument(key)
	if err != nil {
		return nil, nil, err
	}
	att, err := s.GetAttachment(clientID, docID)
	if err != nil {
		return nil, nil, err
	}
	return doc, att, nil
}

// ListChangesSince returns changes with server_seq > sinceSeq in server
// order. A limit <= 0 returns all of them.
func (s *Store) ListChangesSince(docID string, sinceSeq int64, limit int) ([]model.ChangeInfo, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT doc_id, server_seq, actor_id, client_seq, lamport, COALESCE(message, ''), payload, created_at
		 FROM changes WHERE doc_id = ? AND server_seq > ?
		 ORDER BY server_seq ASC LIMIT ?`,
		docID, sinceSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []model.ChangeInfo
	for rows.Next() {
		var c model.ChangeInfo
		var actor, createdStr string
		var clientSeq int64
		if err := rows.Scan(&c.DocID, &c.ServerSeq, &actor, &clientSeq, &c.Lamport,
			&c.Message, &c.Payload, &createdStr); err != nil {
			return nil, err
		}
		c.ActorID = clock.ActorID(actor)
		c.ClientSeq = uint32(clientSeq)
		var parseErr error
		if c.CreatedAt, parseErr = parseTime(createdStr); parseErr != nil {
			return nil, fmt.Errorf("parse created_at for change %d: %w", c.ServerSeq, parseErr)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// ---------------------------------------------------------------------------
// Synced seqs
// ---------------------------------------------------------------------------

// UpdateSyncedSeq records that a client has synced a document up to
// serverSeq while holding vector.
func (s *Store) UpdateSyncedSeq(docID string, clientID clock.ActorID, serverSeq int64, vector clock.VersionVector) error {
	encoded, err := encodeVector(vector)
	if err != nil {
		return fmt.Errorf("encode version vector: %w", err)
	}
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO synced_seqs (doc_id, client_id, server_seq, version_vector)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(doc_id, client_id) DO UPDATE SET
			   server_seq = excluded.server_seq,
			   version_vector = excluded.version_vector`,
			docID, clientID.String(), serverSeq, encoded,
		); err != nil {
			return err
		}
		_, err := tx.Exec(
			`UPDATE client_documents SET server_seq = ? WHERE client_id = ? AND doc_id = ?`,
			serverSeq, clientID.String(), docID,
		)
		return err
	})
}

// ListSyncedSeqs returns the synced positions of every client attached to a
// document.
func (s *Store) ListSyncedSeqs(docID string) ([]model.SyncedSeq, error) {
	rows, err := s.db.Query(
		`SELECT doc_id, client_id, server_seq, version_vector
		 FROM synced_seqs WHERE doc_id = ? ORDER BY client_id`, docID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []model.SyncedSeq
	for rows.Next() {
		var ss model.SyncedSeq
		var clientID string
		var encoded []byte
		if err := rows.Scan(&ss.DocID, &clientID, &ss.ServerSeq, &encoded); err != nil {
			return nil, err
		}
		ss.ClientID = clock.ActorID(clientID)
		if ss.VersionVector, err = decodeVector(encoded); err != nil {
			return nil, fmt.Errorf("decode version vector of %s: %w", clientID, err)
		}
		seqs = append(seqs, ss)
	}
	return seqs, rows.Err()
}

func encodeVector(v clock.VersionVector) ([]byte, error) {
	m := make(map[string]int64, len(v))
	for actor, lamport := range v {
		m[actor.String()] = lamport
	}
	return msgpack.Marshal(m)
}

func decodeVector(b []byte) (clock.VersionVector, error) {
	var m map[string]int64
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	v := make(clock.VersionVector, len(m))
	for actor, lamport := range m {
		v[clock.ActorID(actor)] = lamport
	}
	return v, nil
}

// RemoveSyncedSeq drops a client's synced position for a document.
func (s *Store) RemoveSyncedSeq(docID string, clientID clock.ActorID) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`DELETE FROM synced_seqs WHERE doc_id = ? AND client_id = ?`, docID, clientID.String(),
		)
		return err
	})
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// StoreSnapshot saves an encoded document state.
func (s *Store) StoreSnapshot(snap *model.Snapshot) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO snapshots (doc_id, server_seq, data, vector, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(doc_id, server_seq) DO NOTHING`,
			snap.DocID, snap.ServerSeq, snap.Data, snap.Vector, formatTime(time.Now()),
		)
		return err
	})
}

// GetLatestSnapshot returns the newest snapshot of a document, or an empty
// snapshot at server seq 0 when none was stored.
func (s *Store) GetLatestSnapshot(docID string) (*model.Snapshot, error) {
	snap := model.Snapshot{DocID: docID}
	var createdStr string
	err := s.db.QueryRow(
		`SELECT server_seq, data, vector, created_at FROM snapshots
		 WHERE doc_id = ? ORDER BY server_seq DESC LIMIT 1`, docID,
	).Scan(&snap.ServerSeq, &snap.Data, &snap.Vector, &createdStr)
	if errors.Is(err, sql.ErrNoRows) {
		return &snap, nil
	}
	if err != nil {
		return nil, err
	}
	if snap.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, fmt.Errorf("parse created_at for snapshot %d: %w", snap.ServerSeq, err)
	}
	return &snap, nil
}

// ---------------------------------------------------------------------------
// Presences
// ---------------------------------------------------------------------------

// AttachPresence adds a presence for actor under key that expires after ttl
// unless refreshed. It returns the presence and the new count.
func (s *Store) AttachPresence(key string, actor clock.ActorID, ttl time.Duration) (*model.Presence, *model.PresenceCount, error) {
	p := model.Presence{
		ID:        uuid.NewString(),
		Key:       key,
		ActorID:   actor,
		ExpiresAt: time.Now().Add(ttl).UTC(),
	}
	var pc *model.PresenceCount
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO presences (id, key, actor_id, expires_at) VALUES (?, ?, ?, ?)`,
			p.ID, key, actor.String(), p.ExpiresAt.UnixNano(),
		); err != nil {
			return err
		}
		var err error
		pc, err = bumpPresenceSeq(tx, key)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return &p, pc, nil
}

// DetachPresence removes a presence and returns the new count. Detaching a
// presence that already expired returns the current count.
func (s *Store) DetachPresence(key, id string) (*model.PresenceCount, error) {
	var pc *model.PresenceCount
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM presences WHERE id = ? AND key = ?`, id, key)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			pc, err = presenceCount(tx, key)
			return err
		}
		pc, err = bumpPresenceSeq(tx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pc, nil
}

// RefreshPresence extends a presence's TTL and returns the current count.
func (s *Store) RefreshPresence(key, id string, ttl time.Duration) (*model.PresenceCount, error) {
	expiresAt := time.Now().Add(ttl).UnixNano()
	var pc *model.PresenceCount
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE presences SET expires_at = ? WHERE id = ? AND key = ?`, expiresAt, id, key,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrPresenceNotFound
		}
		pc, err = presenceCount(tx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pc, nil
}

// PresenceCount returns the current count under key at its latest sequence.
func (s *Store) PresenceCount(key string) (*model.PresenceCount, error) {
	return presenceCount(s.db, key)
}

// ExpirePresences deletes presences whose TTL ran out before now and returns
// the new count of every affected key.
func (s *Store) ExpirePresences(now time.Time) ([]model.PresenceCount, error) {
	var counts []model.PresenceCount
	err := s.withTx(func(tx *sql.Tx) error {
		counts = nil
		rows, err := tx.Query(
			`SELECT DISTINCT key FROM presences WHERE expires_at < ? ORDER BY key`, now.UnixNano(),
		)
		if err != nil {
			return err
		}
		var keys []string
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return err
			}
			keys = append(keys, k)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.Exec(`DELETE FROM presences WHERE expires_at < ?`, now.UnixNano()); err != nil {
			return err
		}
		for _, k := range keys {
			pc, err := bumpPresenceSeq(tx, k)
			if err != nil {
				return err
			}
			counts = append(counts, *pc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// ListPresences returns the presences under key ordered by expiry.
func (s *Store) ListPresences(key string) ([]model.Presence, error) {
	rows, err := s.db.Query(
		`SELECT id, key, actor_id, expires_at FROM presences WHERE key = ? ORDER BY expires_at, id`, key,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ps []model.Presence
	for rows.Next() {
		var p model.Presence
		var actor string
		var expires int64
		if err := rows.Scan(&p.ID, &p.Key, &actor, &expires); err != nil {
			return nil, err
		}
		p.ActorID = clock.ActorID(actor)
		p.ExpiresAt = time.Unix(0, expires).UTC()
		ps = append(ps, p)
	}
	return ps, rows.Err()
}

// bumpPresenceSeq takes the next sequence of key and returns it with the
// current count. The first change under a key gets sequence 0.
func bumpPresenceSeq(tx *sql.Tx, key string) (*model.PresenceCount, error) {
	if _, err := tx.Exec(
		`INSERT INTO presence_keys (key, next_seq) VALUES (?, 0) ON CONFLICT(key) DO NOTHING`, key,
	); err != nil {
		return nil, err
	}
	pc := model.PresenceCount{Key: key}
	if err := tx.QueryRow(
		`SELECT next_seq FROM presence_keys WHERE key = ?`, key,
	).Scan(&pc.Seq); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		`UPDATE presence_keys SET next_seq = next_seq + 1 WHERE key = ?`, key,
	); err != nil {
		return nil, err
	}
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM presences WHERE key = ?`, key,
	).Scan(&pc.Count); err != nil {
		return nil, err
	}
	return &pc, nil
}

func presenceCount(q querier, key string) (*model.PresenceCount, error) {
	pc := model.PresenceCount{Key: key}
	var next int64
	err := q.QueryRow(`SELECT next_seq FROM presence_keys WHERE key = ?`, key).Scan(&next)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if next > 0 {
		pc.Seq = next - 1
	}
	if err := q.QueryRow(
		`SELECT COUNT(*) FROM presences WHERE key = ?`, key,
	).Scan(&pc.Count); err != nil {
		return nil, err
	}
	return &pc, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }
