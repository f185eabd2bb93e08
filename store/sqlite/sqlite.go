/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements demande.Store and demande.ProjectDirectory using SQLite. In
  production the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

KEY TABLES:
  requests:            The aggregate root, with an optimistic version column
  line_items:          One row per article line, four stage quantities
  history:             Append-only audit trail (no UPDATE, no DELETE, ever)
  sequences:           Per-type-per-day counters for request numbering
  project_assignments: Project-scoping data for the authorization gate

OPTIMISTIC CONCURRENCY:
  Save runs UPDATE ... WHERE id = ? AND version = ?. Zero rows affected with
  the request still present means the version moved underneath the caller,
  which surfaces as demande.ErrConcurrencyConflict. The caller retries;
  nothing is half-written because every action runs inside WithTx.

HISTORY DELETION POLICY:
  Deleting a sub-request removes its request and item rows but leaves its
  history rows in place. The audit trail outlives the request.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  multiple readers don't block, single writer at a time.

USAGE:
  store, err := sqlite.New("./data/procure.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  d := demande.NewDispatcher(store, store, notifier)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - demande/store.go: Interface contracts
  - demande/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/procure-engine/demande"
)

// Store implements demande.Store and demande.ProjectDirectory using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		request_type TEXT NOT NULL,
		kind TEXT NOT NULL,
		parent_id TEXT,
		sub_reason TEXT,
		spawn_stage TEXT,
		status TEXT NOT NULL,
		previous_status TEXT,
		rejection_count INTEGER NOT NULL DEFAULT 0,
		requester_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		comment TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);
	CREATE INDEX IF NOT EXISTS idx_requests_parent ON requests(parent_id)
		WHERE parent_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_requests_project ON requests(project_id);

	CREATE TABLE IF NOT EXISTS line_items (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES requests(id),
		position INTEGER NOT NULL,
		reference TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		qty_requested INTEGER NOT NULL,
		qty_approved INTEGER,
		qty_issued INTEGER,
		qty_received INTEGER,
		unit_price TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_line_items_request ON line_items(request_id);

	-- Append-only. Sub-request deletion keeps these rows.
	CREATE TABLE IF NOT EXISTS history (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		comment TEXT,
		signature TEXT NOT NULL,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_request ON history(request_id, at);

	CREATE TABLE IF NOT EXISTS sequences (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS project_assignments (
		actor_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		PRIMARY KEY (actor_id, project_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// REQUEST STORE (demande.Store interface)
// =============================================================================

func (s *Store) Get(ctx context.Context, id demande.RequestID) (*demande.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRequest(ctx, s.db, id)
}

func getRequest(ctx context.Context, db dbtx, id demande.RequestID) (*demande.Request, error) {
	reqs, err := queryRequests(ctx, db, "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, &demande.NotFoundError{Kind: "request", ID: string(id)}
	}
	return reqs[0], nil
}

func (s *Store) Insert(ctx context.Context, req *demande.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertRequest(ctx, s.db, req)
}

func insertRequest(ctx context.Context, db dbtx, req *demande.Request) error {
	req.Version = 1

	_, err := db.ExecContext(ctx, `
		INSERT INTO requests
		(id, number, request_type, kind, parent_id, sub_reason, spawn_stage,
		 status, previous_status, rejection_count, requester_id, project_id,
		 comment, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Number, req.Type, req.Kind,
		nullableID(req.ParentID), nullableReason(req.SubReason), nullableStage(req.SpawnStage),
		req.Status, nullableStatus(req.PreviousStatus), req.RejectionCount,
		req.RequesterID, req.ProjectID, req.Comment, req.Version,
		req.CreatedAt.UTC().Format(time.RFC3339Nano),
		req.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}

	return insertItems(ctx, db, req)
}

func insertItems(ctx context.Context, db dbtx, req *demande.Request) error {
	for i := range req.Items {
		li := &req.Items[i]
		_, err := db.ExecContext(ctx, `
			INSERT INTO line_items
			(id, request_id, position, reference, name, description,
			 qty_requested, qty_approved, qty_issued, qty_received, unit_price)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			li.ID, req.ID, i, li.Reference, li.Name, li.Description,
			int(li.Requested), nullableQty(li.Approved), nullableQty(li.Issued),
			nullableQty(li.Received), nullablePrice(li.UnitPrice),
		)
		if err != nil {
			return fmt.Errorf("failed to insert line item: %w", err)
		}
	}
	return nil
}

func (s *Store) Save(ctx context.Context, req *demande.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveRequest(ctx, s.db, req)
}

func saveRequest(ctx context.Context, db dbtx, req *demande.Request) error {
	res, err := db.ExecContext(ctx, `
		UPDATE requests SET
			status = ?, previous_status = ?, rejection_count = ?,
			comment = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		req.Status, nullableStatus(req.PreviousStatus), req.RejectionCount,
		req.Comment, req.UpdatedAt.UTC().Format(time.RFC3339Nano),
		req.ID, req.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM requests WHERE id = ?", req.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return &demande.NotFoundError{Kind: "request", ID: string(req.ID)}
		}
		return demande.ErrConcurrencyConflict
	}
	req.Version++

	// Items may have been edited or removed; rewrite them.
	if _, err := db.ExecContext(ctx, "DELETE FROM line_items WHERE request_id = ?", req.ID); err != nil {
		return fmt.Errorf("failed to rewrite line items: %w", err)
	}
	return insertItems(ctx, db, req)
}

func (s *Store) Delete(ctx context.Context, id demande.RequestID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteRequest(ctx, s.db, id)
}

func deleteRequest(ctx context.Context, db dbtx, id demande.RequestID) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM line_items WHERE request_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete line items: %w", err)
	}
	res, err := db.ExecContext(ctx, "DELETE FROM requests WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &demande.NotFoundError{Kind: "request", ID: string(id)}
	}
	// History rows stay.
	return nil
}

func (s *Store) List(ctx context.Context) ([]*demande.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryRequests(ctx, s.db, "ORDER BY created_at DESC, number DESC")
}

func (s *Store) Children(ctx context.Context, parent demande.RequestID) ([]*demande.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return childrenOf(ctx, s.db, parent)
}

func childrenOf(ctx context.Context, db dbtx, parent demande.RequestID) ([]*demande.Request, error) {
	return queryRequests(ctx, db, "WHERE parent_id = ? ORDER BY number ASC", parent)
}

func queryRequests(ctx context.Context, db dbtx, clause string, args ...any) ([]*demande.Request, error) {
	query := `
		SELECT id, number, request_type, kind, parent_id, sub_reason, spawn_stage,
		       status, previous_status, rejection_count, requester_id, project_id,
		       comment, version, created_at, updated_at
		FROM requests ` + clause

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var requests []*demande.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, req := range requests {
		if err := loadItems(ctx, db, req); err != nil {
			return nil, err
		}
	}
	return requests, nil
}

func scanRequest(rows *sql.Rows) (*demande.Request, error) {
	var (
		req            demande.Request
		parentID       sql.NullString
		subReason      sql.NullString
		spawnStage     sql.NullString
		previousStatus sql.NullString
		comment        sql.NullString
		createdAt      string
		updatedAt      string
	)

	err := rows.Scan(
		&req.ID, &req.Number, &req.Type, &req.Kind, &parentID, &subReason,
		&spawnStage, &req.Status, &previousStatus, &req.RejectionCount,
		&req.RequesterID, &req.ProjectID, &comment, &req.Version,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan request: %w", err)
	}

	if parentID.Valid {
		id := demande.RequestID(parentID.String)
		req.ParentID = &id
	}
	if subReason.Valid {
		r := demande.SubRequestReason(subReason.String)
		req.SubReason = &r
	}
	if spawnStage.Valid {
		st := demande.Stage(spawnStage.String)
		req.SpawnStage = &st
	}
	if previousStatus.Valid {
		st := demande.Status(previousStatus.String)
		req.PreviousStatus = &st
	}
	req.Comment = comment.String
	req.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	req.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &req, nil
}

func loadItems(ctx context.Context, db dbtx, req *demande.Request) error {
	rows, err := db.QueryContext(ctx, `
		SELECT id, reference, name, description,
		       qty_requested, qty_approved, qty_issued, qty_received, unit_price
		FROM line_items
		WHERE request_id = ?
		ORDER BY position ASC`, req.ID)
	if err != nil {
		return fmt.Errorf("failed to query line items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			li          demande.LineItem
			description sql.NullString
			requested   int
			approved    sql.NullInt64
			issued      sql.NullInt64
			received    sql.NullInt64
			unitPrice   sql.NullString
		)
		if err := rows.Scan(&li.ID, &li.Reference, &li.Name, &description,
			&requested, &approved, &issued, &received, &unitPrice); err != nil {
			return fmt.Errorf("failed to scan line item: %w", err)
		}
		li.Description = description.String
		li.Requested = demande.Quantity(requested)
		li.Approved = qtyPtr(approved)
		li.Issued = qtyPtr(issued)
		li.Received = qtyPtr(received)
		if unitPrice.Valid {
			if p, err := decimal.NewFromString(unitPrice.String); err == nil {
				li.UnitPrice = &p
			}
		}
		req.Items = append(req.Items, li)
	}
	return rows.Err()
}

// =============================================================================
// HISTORY (append-only)
// =============================================================================

func (s *Store) AppendHistory(ctx context.Context, entries ...demande.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendHistory(ctx, s.db, entries...)
}

func appendHistory(ctx context.Context, db dbtx, entries ...demande.HistoryEntry) error {
	for _, e := range entries {
		_, err := db.ExecContext(ctx, `
			INSERT INTO history
			(id, request_id, actor_id, action, from_status, to_status, comment, signature, at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.RequestID, e.ActorID, e.Action, e.FromStatus, e.ToStatus,
			e.Comment, e.Signature, e.At.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("failed to append history: %w", err)
		}
	}
	return nil
}

func (s *Store) History(ctx context.Context, id demande.RequestID) ([]demande.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryHistory(ctx, s.db, id)
}

func queryHistory(ctx context.Context, db dbtx, id demande.RequestID) ([]demande.HistoryEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, request_id, actor_id, action, from_status, to_status, comment, signature, at
		FROM history
		WHERE request_id = ?
		ORDER BY at ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []demande.HistoryEntry
	for rows.Next() {
		var (
			e       demande.HistoryEntry
			comment sql.NullString
			at      string
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &e.ActorID, &e.Action,
			&e.FromStatus, &e.ToStatus, &comment, &e.Signature, &at); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		e.Comment = comment.String
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// SEQUENCES
// =============================================================================

func (s *Store) NextSequence(ctx context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nextSequence(ctx, s.db, key)
}

func nextSequence(ctx context.Context, db dbtx, key string) (int, error) {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sequences (key, value) VALUES (?, 1)
		ON CONFLICT(key) DO UPDATE SET value = value + 1`, key)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", err)
	}
	var value int
	if err := db.QueryRowContext(ctx, "SELECT value FROM sequences WHERE key = ?", key).Scan(&value); err != nil {
		return 0, err
	}
	return value, nil
}

// =============================================================================
// PROJECT DIRECTORY (demande.ProjectDirectory interface)
// =============================================================================

// Assign records a project assignment for the authorization gate.
func (s *Store) Assign(ctx context.Context, actor demande.ActorID, project demande.ProjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_assignments (actor_id, project_id) VALUES (?, ?)
		ON CONFLICT(actor_id, project_id) DO NOTHING`, actor, project)
	return err
}

// Unassign removes a project assignment.
func (s *Store) Unassign(ctx context.Context, actor demande.ActorID, project demande.ProjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM project_assignments WHERE actor_id = ? AND project_id = ?", actor, project)
	return err
}

func (s *Store) IsAssigned(ctx context.Context, actor demande.ActorID, project demande.ProjectID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return isAssigned(ctx, s.db, actor, project)
}

func isAssigned(ctx context.Context, db dbtx, actor demande.ActorID, project demande.ProjectID) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM project_assignments WHERE actor_id = ? AND project_id = ?",
		actor, project).Scan(&count)
	return count > 0, err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction. The store mutex
// is held for the duration, serializing concurrent actions in-process; the
// version check in Save guards against skew across processes.
func (s *Store) WithTx(ctx context.Context, fn func(demande.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Get(ctx context.Context, id demande.RequestID) (*demande.Request, error) {
	return getRequest(ctx, ts.tx, id)
}

func (ts *txStore) Insert(ctx context.Context, req *demande.Request) error {
	return insertRequest(ctx, ts.tx, req)
}

func (ts *txStore) Save(ctx context.Context, req *demande.Request) error {
	return saveRequest(ctx, ts.tx, req)
}

func (ts *txStore) Delete(ctx context.Context, id demande.RequestID) error {
	return deleteRequest(ctx, ts.tx, id)
}

func (ts *txStore) List(ctx context.Context) ([]*demande.Request, error) {
	return queryRequests(ctx, ts.tx, "ORDER BY created_at DESC, number DESC")
}

func (ts *txStore) Children(ctx context.Context, parent demande.RequestID) ([]*demande.Request, error) {
	return childrenOf(ctx, ts.tx, parent)
}

func (ts *txStore) AppendHistory(ctx context.Context, entries ...demande.HistoryEntry) error {
	return appendHistory(ctx, ts.tx, entries...)
}

func (ts *txStore) History(ctx context.Context, id demande.RequestID) ([]demande.HistoryEntry, error) {
	return queryHistory(ctx, ts.tx, id)
}

func (ts *txStore) NextSequence(ctx context.Context, key string) (int, error) {
	return nextSequence(ctx, ts.tx, key)
}

func (ts *txStore) WithTx(ctx context.Context, fn func(demande.Store) error) error {
	// Already inside a transaction; nested calls share it.
	return fn(ts)
}

// IsAssigned answers directory lookups inside the transaction. The store
// mutex is already held by WithTx, so this goes through the open tx.
func (ts *txStore) IsAssigned(ctx context.Context, actor demande.ActorID, project demande.ProjectID) (bool, error) {
	return isAssigned(ctx, ts.tx, actor, project)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullableID(id *demande.RequestID) any {
	if id == nil {
		return nil
	}
	return string(*id)
}

func nullableReason(r *demande.SubRequestReason) any {
	if r == nil {
		return nil
	}
	return string(*r)
}

func nullableStage(s *demande.Stage) any {
	if s == nil {
		return nil
	}
	return string(*s)
}

func nullableStatus(s *demande.Status) any {
	if s == nil {
		return nil
	}
	return string(*s)
}

func nullableQty(q *demande.Quantity) any {
	if q == nil {
		return nil
	}
	return int(*q)
}

func nullablePrice(p *decimal.Decimal) any {
	if p == nil {
		return nil
	}
	return p.String()
}

func qtyPtr(n sql.NullInt64) *demande.Quantity {
	if !n.Valid {
		return nil
	}
	q := demande.Quantity(n.Int64)
	return &q
}
