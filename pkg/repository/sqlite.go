package repository

import (
	"context"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"crawshaw.io/sqlite"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/plume/pkg/model"
)

// SQLite is a Repository backed by a local SQLite database. Embeddings
// are stored as binary blobs and ranked in-process, so no vector
// extension is required. A single guarded connection serializes access.
type SQLite struct {
	mu   sync.Mutex
	conn *sqlite.Conn
	path string
}

var _ Repository = (*SQLite)(nil)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS memory_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		identity TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		embedding BLOB,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_identity ON memory_entries (identity)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_conversation ON memory_entries (conversation_id)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		identity TEXT NOT NULL,
		title TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_identity ON conversations (identity)`,
	`CREATE TABLE IF NOT EXISTS usage_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		identity TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		tokens_in INTEGER NOT NULL,
		tokens_out INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL,
		outcome TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_identity ON usage_events (identity, timestamp)`,
}

// NewSQLite opens or creates a SQLite repository at the given path.
// Use ":memory:" for an ephemeral database.
func NewSQLite(path string) (*SQLite, error) {
	conn, err := sqlite.OpenConn(path, sqlite.SQLITE_OPEN_CREATE|sqlite.SQLITE_OPEN_READWRITE)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open sqlite database", goerr.Value("path", path))
	}

	r := &SQLite{conn: conn, path: path}
	for _, ddl := range sqliteSchema {
		if err := r.execLocked(ddl, nil); err != nil {
			_ = conn.Close()
			return nil, goerr.Wrap(err, "failed to migrate schema")
		}
	}

	return r, nil
}

// execLocked prepares and steps a statement that returns no rows. The
// caller must hold mu unless running from the constructor.
func (r *SQLite) execLocked(query string, bind func(stmt *sqlite.Stmt)) error {
	stmt, err := r.conn.Prepare(query)
	if err != nil {
		return goerr.Wrap(err, "failed to prepare statement")
	}
	defer func() {
		_ = stmt.Reset()
		_ = stmt.ClearBindings()
	}()

	if bind != nil {
		bind(stmt)
	}

	if _, err := stmt.Step(); err != nil {
		return goerr.Wrap(err, "failed to execute statement")
	}
	return nil
}

func (r *SQLite) interrupt(ctx context.Context) func() {
	r.conn.SetInterrupt(ctx.Done())
	return func() { r.conn.SetInterrupt(nil) }
}

func (r *SQLite) PutEntry(ctx context.Context, entry *model.MemoryEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.interrupt(ctx)()

	var blob []byte
	if entry.HasEmbedding() {
		blob = encodeVector(entry.Embedding)
	}

	err := r.execLocked(
		`INSERT INTO memory_entries (id, identity, conversation_id, role, text, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		func(stmt *sqlite.Stmt) {
			stmt.BindText(1, string(entry.ID))
			stmt.BindText(2, string(entry.Identity))
			stmt.BindText(3, string(entry.ConversationID))
			stmt.BindText(4, string(entry.Role))
			stmt.BindText(5, entry.Text)
			if blob == nil {
				stmt.BindNull(6)
			} else {
				stmt.BindBytes(6, blob)
			}
			stmt.BindInt64(7, entry.CreatedAt.UnixNano())
		})
	if err != nil {
		return goerr.Wrap(err, "failed to insert entry", goerr.Value("id", entry.ID))
	}
	return nil
}

func (r *SQLite) scanEntry(stmt *sqlite.Stmt) (*model.MemoryEntry, int64, error) {
	seq := stmt.ColumnInt64(0)

	var embedding firestore.Vector32
	if n := stmt.ColumnLen(6); n > 0 {
		blob := make([]byte, n)
		stmt.ColumnBytes(6, blob)
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, 0, err
		}
		embedding = vec
	}

	entry := &model.MemoryEntry{
		ID:             model.EntryID(stmt.ColumnText(1)),
		Identity:       model.Identity(stmt.ColumnText(2)),
		ConversationID: model.ConversationID(stmt.ColumnText(3)),
		Role:           model.Role(stmt.ColumnText(4)),
		Text:           stmt.ColumnText(5),
		Embedding:      embedding,
		CreatedAt:      time.Unix(0, stmt.ColumnInt64(7)),
	}
	return entry, seq, nil
}

const entryColumns = `seq, id, identity, conversation_id, role, text, embedding, created_at`

func (r *SQLite) GetEntry(ctx context.Context, id model.EntryID) (*model.MemoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.interrupt(ctx)()

	stmt, err := r.conn.Prepare(`SELECT ` + entryColumns + ` FROM memory_entries WHERE id = ?`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare select")
	}
	defer func() {
		_ = stmt.Reset()
		_ = stmt.ClearBindings()
	}()
	stmt.BindText(1, string(id))

	hasRow, err := stmt.Step()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query entry")
	}
	if !hasRow {
		return nil, goerr.New("entry not found", goerr.Value("id", id))
	}

	entry, _, err := r.scanEntry(stmt)
	return entry, err
}

func (r *SQLite) ListEntries(ctx context.Context, conversationID model.ConversationID) ([]*model.MemoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.interrupt(ctx)()

	stmt, err := r.conn.Prepare(`SELECT ` + entryColumns + ` FROM memory_entries WHERE conversation_id = ? ORDER BY seq ASC`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare select")
	}
	defer func() {
		_ = stmt.Reset()
		_ = stmt.ClearBindings()
	}()
	stmt.BindText(1, string(conversationID))

	var results []*model.MemoryEntry
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate entries")
		}
		if !hasRow {
			break
		}
		entry, _, err := r.scanEntry(stmt)
		if err != nil {
			return nil, err
		}
		results = append(results, entry)
	}
	return results, nil
}

func (r *SQLite) SearchEntries(ctx context.Context, identity model.Identity, conversationID model.ConversationID, embedding firestore.Vector32, threshold float64, limit int) ([]*model.MemoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.interrupt(ctx)()

	query := `SELECT ` + entryColumns + ` FROM memory_entries WHERE identity = ? AND embedding IS NOT NULL`
	if conversationID != "" {
		query += ` AND conversation_id = ?`
	}

	stmt, err := r.conn.Prepare(query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare search")
	}
	defer func() {
		_ = stmt.Reset()
		_ = stmt.ClearBindings()
	}()
	stmt.BindText(1, string(identity))
	if conversationID != "" {
		stmt.BindText(2, string(conversationID))
	}

	var candidates []scoredEntry
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate candidates")
		}
		if !hasRow {
			break
		}
		entry, seq, err := r.scanEntry(stmt)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, scoredEntry{
			entry: entry,
			sim:   cosineSimilarity(embedding, entry.Embedding),
			seq:   seq,
		})
	}

	return rankEntries(candidates, threshold, limit), nil
}

func (r *SQLite) CountEntries(ctx context.Context, identity model.Identity) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.interrupt(ctx)()

	return r.countEntriesLocked(identity)
}

func (r *SQLite) countEntriesLocked(identity model.Identity) (int, error) {
	stmt, err := r.conn.Prepare(`SELECT COUNT(*) FROM memory_entries WHERE identity = ?`)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to prepare count")
	}
	defer func() {
		_ = stmt.Reset()
		_ = stmt.ClearBindings()
	}()
	stmt.BindText(1, string(identity))

	hasRow, err := stmt.Step()
	if err != nil {
		return 0, goerr.Wrap(err, "failed to count entries")
	}
	if !hasRow {
		return 0, nil
	}
	return int(stmt.ColumnInt64(0)), nil
}

func (r *SQLite) EvictEntries(ctx context.Context, identity model.Identity, capacity int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.interrupt(ctx)()

	total, err := r.countEntriesLocked(identity)
	if err != nil {
		return 0, err
	}

	n := maxEvictable(total, capacity)
	if n == 0 {
		return 0, nil
	}

	err = r.execLocked(
		`DELETE FROM memory_entries WHERE seq IN (
			SELECT seq FROM memory_entries WHERE identity = ? ORDER BY seq ASC LIMIT ?
		)`,
		func(stmt *sqlite.Stmt) {
			stmt.BindText(1, string(identity))
			stmt.BindInt64(2, int64(n))
		})
	if err != nil {
		return 0, goerr.Wrap(err, "failed to evict entries", goerr.Value("identity", identity))
	}

	return n, nil
}

func (r *SQLite) PutConversation(ctx context.Context, conv *model.Conversation) error {
	if conv == nil || conv.ID == "" || conv.Identity == "" {
		return goerr.Wrap(model.ErrInvalidInput, "conversation ID and identity are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.interrupt(ctx)()

	archived := int64(0)
	if conv.Archived {
		archived = 1
	}

	err := r.execLocked(
		`INSERT OR REPLACE INTO conversations (id, identity, title, created_at, last_active_at, archived)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		func(stmt *sqlite.Stmt) {
			stmt.BindText(1, string(conv.ID))
			stmt.BindText(2, string(conv.Identity))
			stmt.BindText(3, conv.Title)
			stmt.BindInt64(4, conv.CreatedAt.UnixNano())
			stmt.BindInt64(5, conv.LastActiveAt.UnixNano())
			stmt.BindInt64(6, archived)
		})
	if err != nil {
		return goerr.Wrap(err, "failed to save conversation", goerr.Value("id", conv.ID))
	}
	return nil
}

func scanConversation(stmt *sqlite.Stmt) *model.Conversation {
	return &model.Conversation{
		ID:           model.ConversationID(stmt.ColumnText(0)),
		Identity:     model.Identity(stmt.ColumnText(1)),
		Title:        stmt.ColumnText(2),
		CreatedAt:    time.Unix(0, stmt.ColumnInt64(3)),
		LastActiveAt: time.Unix(0, stmt.ColumnInt64(4)),
		Archived:     stmt.ColumnInt64(5) != 0,
	}
}

const conversationColumns = `id, identity, title, created_at, last_active_at, archived`

func (r *SQLite) GetConversation(ctx context.Context, id model.ConversationID) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.interrupt(ctx)()

	stmt, err := r.conn.Prepare(`SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare select")
	}
	defer func() {
		_ = stmt.Reset()
		_ = stmt.ClearBindings()
	}()
	stmt.BindText(1, string(id))

	hasRow, err := stmt.Step()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query conversation")
	}
	if !hasRow {
		return nil, goerr.Wrap(model.ErrConversationNotFound, "no such conversation", goerr.Value("id", id))
	}

	conv := scanConversation(stmt)
	_ = stmt.Reset()

	// Entry order is derived from the entries table
	idStmt, err := r.conn.Prepare(`SELECT id FROM memory_entries WHERE conversation_id = ? ORDER BY seq ASC`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare entry ids select")
	}
	defer func() {
		_ = idStmt.Reset()
		_ = idStmt.ClearBindings()
	}()
	idStmt.BindText(1, string(id))

	for {
		hasRow, err := idStmt.Step()
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate entry ids")
		}
		if !hasRow {
			break
		}
		conv.EntryIDs = append(conv.EntryIDs, model.EntryID(idStmt.ColumnText(0)))
	}

	return conv, nil
}

func (r *SQLite) listConversations(ctx context.Context, query string, bind func(stmt *sqlite.Stmt)) ([]*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.interrupt(ctx)()

	stmt, err := r.conn.Prepare(query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare select")
	}
	defer func() {
		_ = stmt.Reset()
		_ = stmt.ClearBindings()
	}()
	bind(stmt)

	var results []*model.Conversation
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate conversations")
		}
		if !hasRow {
			break
		}
		results = append(results, scanConversation(stmt))
	}
	return results, nil
}

func (r *SQLite) ListConversations(ctx context.Context, identity model.Identity, offset, limit int) ([]*model.Conversation, error) {
	if limit <= 0 {
		limit = -1
	}
	return r.listConversations(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE identity = ?
		 ORDER BY last_active_at DESC LIMIT ? OFFSET ?`,
		func(stmt *sqlite.Stmt) {
			stmt.BindText(1, string(identity))
			stmt.BindInt64(2, int64(limit))
			stmt.BindInt64(3, int64(offset))
		})
}

func (r *SQLite) ListIdleConversations(ctx context.Context, before time.Time, limit int) ([]*model.Conversation, error) {
	if limit <= 0 {
		limit = -1
	}
	return r.listConversations(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE archived = 0 AND last_active_at < ?
		 ORDER BY last_active_at ASC LIMIT ?`,
		func(stmt *sqlite.Stmt) {
			stmt.BindInt64(1, before.UnixNano())
			stmt.BindInt64(2, int64(limit))
		})
}

func (r *SQLite) PutUsageEvent(ctx context.Context, event *model.UsageEvent) error {
	if event == nil {
		return goerr.Wrap(model.ErrInvalidInput, "event is nil")
	}
	if err := event.Outcome.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.interrupt(ctx)()

	err := r.execLocked(
		`INSERT INTO usage_events (identity, conversation_id, timestamp, tokens_in, tokens_out, latency_ms, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		func(stmt *sqlite.Stmt) {
			stmt.BindText(1, string(event.Identity))
			stmt.BindText(2, string(event.ConversationID))
			stmt.BindInt64(3, event.Timestamp.UnixNano())
			stmt.BindInt64(4, event.TokensIn)
			stmt.BindInt64(5, event.TokensOut)
			stmt.BindInt64(6, event.LatencyMS)
			stmt.BindText(7, string(event.Outcome))
		})
	if err != nil {
		return goerr.Wrap(err, "failed to insert usage event", goerr.Value("identity", event.Identity))
	}
	return nil
}

func (r *SQLite) ListUsageEvents(ctx context.Context, identity model.Identity, tr model.TimeRange) ([]*model.UsageEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.interrupt(ctx)()

	query := `SELECT identity, conversation_id, timestamp, tokens_in, tokens_out, latency_ms, outcome
		 FROM usage_events WHERE identity = ?`
	if !tr.From.IsZero() {
		query += ` AND timestamp >= ?`
	}
	if !tr.To.IsZero() {
		query += ` AND timestamp < ?`
	}
	query += ` ORDER BY timestamp ASC`

	stmt, err := r.conn.Prepare(query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare select")
	}
	defer func() {
		_ = stmt.Reset()
		_ = stmt.ClearBindings()
	}()

	idx := 1
	stmt.BindText(idx, string(identity))
	if !tr.From.IsZero() {
		idx++
		stmt.BindInt64(idx, tr.From.UnixNano())
	}
	if !tr.To.IsZero() {
		idx++
		stmt.BindInt64(idx, tr.To.UnixNano())
	}

	var results []*model.UsageEvent
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate usage events")
		}
		if !hasRow {
			break
		}
		results = append(results, &model.UsageEvent{
			Identity:       model.Identity(stmt.ColumnText(0)),
			ConversationID: model.ConversationID(stmt.ColumnText(1)),
			Timestamp:      time.Unix(0, stmt.ColumnInt64(2)),
			TokensIn:       stmt.ColumnInt64(3),
			TokensOut:      stmt.ColumnInt64(4),
			LatencyMS:      stmt.ColumnInt64(5),
			Outcome:        model.Outcome(stmt.ColumnText(6)),
		})
	}
	return results, nil
}

func (r *SQLite) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			return goerr.Wrap(err, "failed to close sqlite connection")
		}
		r.conn = nil
	}
	return nil
}
