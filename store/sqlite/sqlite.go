/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Persists reservations, ingredient links, production tasks and purchase-order
  reservations. In production, the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  ledger.TxStore:           Reservation counters + link persistence
  ledger.ReservationSource: Inventory queries for the view layer
  mixplan.TaskStore:        Production tasks with versioned saves

OPTIMISTIC LOCKING:
  Reservation counters and tasks carry a version column. Writes are
  "UPDATE ... WHERE id = ? AND version = ?"; zero rows affected means either
  the row is gone (NotFoundError) or another writer won
  (ErrConcurrentModification).

KEY TABLES:
  reservations:                 Batch reservations (owned by inventory)
  ingredient_reservation_links: One row per ingredient link with its snapshot
  production_tasks:             Task document as JSON + version
  po_reservations:              Purchase-order reservations used for costing

DECIMALS AND TIMES:
  Quantities and prices are stored as TEXT (decimal.String) so no precision
  is lost. Times are UTC in a fixed-width layout so they sort as text.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

USAGE:
  store, err := sqlite.New("./data/mixing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  links := ledger.New(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/memory/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/mixing-engine/ledger"
	"github.com/warp/mixing-engine/mixplan"
)

// timeLayout is fixed width so stored timestamps order correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
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
	-- Reservations (written by inventory, counter moved by the ledger)
	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		material_id TEXT NOT NULL,
		material_name TEXT NOT NULL,
		batch_number TEXT NOT NULL DEFAULT '',
		reserved_quantity TEXT NOT NULL,
		linked_quantity TEXT NOT NULL DEFAULT '0',
		unit TEXT NOT NULL DEFAULT '',
		warehouse TEXT NOT NULL DEFAULT '',
		expiry_date TEXT,
		source TEXT NOT NULL,
		unit_price TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_task_source
		ON reservations(task_id, source);

	-- Ingredient links (no foreign key: links outlive removed reservations)
	CREATE TABLE IF NOT EXISTS ingredient_reservation_links (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		ingredient_id TEXT NOT NULL,
		reservation_id TEXT NOT NULL,
		source TEXT NOT NULL,
		linked_quantity TEXT NOT NULL,
		consumed_quantity TEXT NOT NULL DEFAULT '0',
		batch_number TEXT NOT NULL DEFAULT '',
		unit TEXT NOT NULL DEFAULT '',
		material_id TEXT NOT NULL DEFAULT '',
		material_name TEXT NOT NULL DEFAULT '',
		warehouse TEXT NOT NULL DEFAULT '',
		expiry_date TEXT,
		unit_price TEXT NOT NULL DEFAULT '0',
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_links_task
		ON ingredient_reservation_links(task_id, created_at, id);

	CREATE INDEX IF NOT EXISTS idx_links_reservation
		ON ingredient_reservation_links(reservation_id);

	-- Production tasks (document + optimistic version)
	CREATE TABLE IF NOT EXISTS production_tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		task_json TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Purchase-order reservations
	CREATE TABLE IF NOT EXISTS po_reservations (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		material_id TEXT NOT NULL,
		status TEXT NOT NULL,
		reserved_quantity TEXT NOT NULL,
		converted_quantity TEXT NOT NULL DEFAULT '0',
		unit_price TEXT NOT NULL DEFAULT '0'
	);

	CREATE INDEX IF NOT EXISTS idx_po_material ON po_reservations(material_id);
	CREATE INDEX IF NOT EXISTS idx_po_task ON po_reservations(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SEEDING - Inventory-side writes
// =============================================================================

// SaveReservation inserts or replaces a reservation. Owned by the inventory
// subsystem; the ledger never calls it.
func (s *Store) SaveReservation(ctx context.Context, r ledger.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO reservations
		(id, task_id, material_id, material_name, batch_number, reserved_quantity, linked_quantity,
		 unit, warehouse, expiry_date, source, unit_price, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task_id = excluded.task_id,
			material_id = excluded.material_id,
			material_name = excluded.material_name,
			batch_number = excluded.batch_number,
			reserved_quantity = excluded.reserved_quantity,
			linked_quantity = excluded.linked_quantity,
			unit = excluded.unit,
			warehouse = excluded.warehouse,
			expiry_date = excluded.expiry_date,
			source = excluded.source,
			unit_price = excluded.unit_price,
			version = excluded.version
	`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.TaskID, r.MaterialID, r.MaterialName, r.BatchNumber,
		r.ReservedQuantity.String(), r.LinkedQuantity.String(),
		r.Unit, r.Warehouse, nullTime(r.ExpiryDate), string(r.Source), r.UnitPrice.String(), r.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save reservation: %w", err)
	}
	return nil
}

// DeleteReservation removes a reservation, as the inventory subsystem may.
func (s *Store) DeleteReservation(ctx context.Context, id ledger.ReservationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM reservations WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete reservation: %w", err)
	}
	return nil
}

func (s *Store) SavePOReservation(ctx context.Context, p ledger.POReservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO po_reservations
		(id, task_id, material_id, status, reserved_quantity, converted_quantity, unit_price)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task_id = excluded.task_id,
			material_id = excluded.material_id,
			status = excluded.status,
			reserved_quantity = excluded.reserved_quantity,
			converted_quantity = excluded.converted_quantity,
			unit_price = excluded.unit_price
	`

	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.TaskID, p.MaterialID, string(p.Status),
		p.ReservedQuantity.String(), p.ConvertedQuantity.String(), p.UnitPrice.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to save purchase order reservation: %w", err)
	}
	return nil
}

// CreateTask stores a task as-is, without the version check.
func (s *Store) CreateTask(ctx context.Context, t *mixplan.ProductionTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	taskJSON, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	query := `
		INSERT INTO production_tasks (id, name, task_json, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			task_json = excluded.task_json,
			version = excluded.version,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query, t.ID, t.Name, string(taskJSON), t.Version, formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// ListTasks returns all task IDs in ID order.
func (s *Store) ListTasks(ctx context.Context) ([]ledger.TaskID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM production_tasks ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var ids []ledger.TaskID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, ledger.TaskID(id))
	}
	return ids, rows.Err()
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"ingredient_reservation_links", "reservations", "po_reservations", "production_tasks"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// RESERVATIONS AND LINKS (ledger.Store interface)
// =============================================================================

func (s *Store) GetReservation(ctx context.Context, id ledger.ReservationID) (ledger.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getReservation(ctx, s.db, id)
}

func (s *Store) UpdateLinkedQuantity(ctx context.Context, id ledger.ReservationID, expectedVersion int64, linked decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateLinkedQuantity(ctx, s.db, id, expectedVersion, linked)
}

func (s *Store) InsertLink(ctx context.Context, link ledger.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertLink(ctx, s.db, link)
}

func (s *Store) GetLink(ctx context.Context, id ledger.LinkID) (ledger.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLink(ctx, s.db, id)
}

func (s *Store) DeleteLink(ctx context.Context, id ledger.LinkID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteLink(ctx, s.db, id)
}

func (s *Store) UpdateConsumedQuantity(ctx context.Context, id ledger.LinkID, consumed decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateConsumedQuantity(ctx, s.db, id, consumed)
}

func (s *Store) ListLinks(ctx context.Context, taskID ledger.TaskID) ([]ledger.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryLinks(ctx, s.db, "task_id = ?", taskID)
}

func (s *Store) ListLinksForReservation(ctx context.Context, id ledger.ReservationID) ([]ledger.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryLinks(ctx, s.db, "reservation_id = ?", id)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return busyAsConflict(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return busyAsConflict(err)
	}

	if err := sqlTx.Commit(); err != nil {
		return busyAsConflict(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// txStore runs every call on the open transaction; the parent lock is
// already held by WithTx.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetReservation(ctx context.Context, id ledger.ReservationID) (ledger.Reservation, error) {
	return getReservation(ctx, ts.tx, id)
}

func (ts *txStore) UpdateLinkedQuantity(ctx context.Context, id ledger.ReservationID, expectedVersion int64, linked decimal.Decimal) error {
	return updateLinkedQuantity(ctx, ts.tx, id, expectedVersion, linked)
}

func (ts *txStore) InsertLink(ctx context.Context, link ledger.Link) error {
	return insertLink(ctx, ts.tx, link)
}

func (ts *txStore) GetLink(ctx context.Context, id ledger.LinkID) (ledger.Link, error) {
	return getLink(ctx, ts.tx, id)
}

func (ts *txStore) DeleteLink(ctx context.Context, id ledger.LinkID) error {
	return deleteLink(ctx, ts.tx, id)
}

func (ts *txStore) UpdateConsumedQuantity(ctx context.Context, id ledger.LinkID, consumed decimal.Decimal) error {
	return updateConsumedQuantity(ctx, ts.tx, id, consumed)
}

func (ts *txStore) ListLinks(ctx context.Context, taskID ledger.TaskID) ([]ledger.Link, error) {
	return queryLinks(ctx, ts.tx, "task_id = ?", taskID)
}

func (ts *txStore) ListLinksForReservation(ctx context.Context, id ledger.ReservationID) ([]ledger.Link, error) {
	return queryLinks(ctx, ts.tx, "reservation_id = ?", id)
}

// =============================================================================
// RESERVATION SOURCE (ledger.ReservationSource interface)
// =============================================================================

func (s *Store) StandardReservationsForTask(ctx context.Context, taskID ledger.TaskID) ([]ledger.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, reservationColumns+`
		WHERE task_id = ? AND source = ?
		ORDER BY id
	`, taskID, string(ledger.SourceStandard))
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	var result []ledger.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) VirtualReservationsFromSnapshots(ctx context.Context, taskID ledger.TaskID) ([]ledger.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	links, err := queryLinks(ctx, s.db, "task_id = ?", taskID)
	if err != nil {
		return nil, err
	}
	return ledger.VirtualFromLinks(taskID, links), nil
}

func (s *Store) POReservationsForMaterial(ctx context.Context, materialID ledger.MaterialID) ([]ledger.POReservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryPOReservations(ctx, "material_id = ?", materialID)
}

func (s *Store) POReservationsForTask(ctx context.Context, taskID ledger.TaskID) ([]ledger.POReservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryPOReservations(ctx, "task_id = ?", taskID)
}

func (s *Store) queryPOReservations(ctx context.Context, where string, arg any) ([]ledger.POReservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, material_id, status, reserved_quantity, converted_quantity, unit_price
		FROM po_reservations
		WHERE `+where+`
		ORDER BY id
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchase order reservations: %w", err)
	}
	defer rows.Close()

	var result []ledger.POReservation
	for rows.Next() {
		var (
			p                          ledger.POReservation
			taskID, materialID, status string
			reserved, converted, price string
		)
		if err := rows.Scan(&p.ID, &taskID, &materialID, &status, &reserved, &converted, &price); err != nil {
			return nil, err
		}
		p.TaskID = ledger.TaskID(taskID)
		p.MaterialID = ledger.MaterialID(materialID)
		p.Status = ledger.POStatus(status)
		if p.ReservedQuantity, err = parseDecimal(reserved); err != nil {
			return nil, err
		}
		if p.ConvertedQuantity, err = parseDecimal(converted); err != nil {
			return nil, err
		}
		if p.UnitPrice, err = parseDecimal(price); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// =============================================================================
// TASK STORE (mixplan.TaskStore interface)
// =============================================================================

func (s *Store) GetTask(ctx context.Context, id ledger.TaskID) (*mixplan.ProductionTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		taskJSON string
		version  int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT task_json, version FROM production_tasks WHERE id = ?", id,
	).Scan(&taskJSON, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NotFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	var task mixplan.ProductionTask
	if err := json.Unmarshal([]byte(taskJSON), &task); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", id, err)
	}
	task.Version = version
	return &task, nil
}

func (s *Store) SaveTask(ctx context.Context, t *mixplan.ProductionTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := t.Clone()
	next.Version = t.Version + 1
	taskJSON, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE production_tasks
		SET name = ?, task_json = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, t.Name, string(taskJSON), formatTime(t.UpdatedAt), t.ID, t.Version)
	if err != nil {
		return busyAsConflict(fmt.Errorf("failed to save task: %w", err))
	}
	if err := casOutcome(ctx, s.db, res, "production_tasks", "task", t.ID); err != nil {
		return err
	}
	t.Version++
	return nil
}

// =============================================================================
// QUERIES - Shared by Store and txStore
// =============================================================================

const reservationColumns = `
	SELECT id, task_id, material_id, material_name, batch_number, reserved_quantity, linked_quantity,
	       unit, warehouse, expiry_date, source, unit_price, version
	FROM reservations
`

const linkColumns = `
	SELECT id, task_id, ingredient_id, reservation_id, source, linked_quantity, consumed_quantity,
	       batch_number, unit, material_id, material_name, warehouse, expiry_date, unit_price,
	       created_by, created_at
	FROM ingredient_reservation_links
`

func getReservation(ctx context.Context, q querier, id ledger.ReservationID) (ledger.Reservation, error) {
	rows, err := q.QueryContext(ctx, reservationColumns+" WHERE id = ?", id)
	if err != nil {
		return ledger.Reservation{}, fmt.Errorf("failed to get reservation: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ledger.Reservation{}, err
		}
		return ledger.Reservation{}, ledger.NotFound("reservation", id)
	}
	return scanReservation(rows)
}

func updateLinkedQuantity(ctx context.Context, q querier, id ledger.ReservationID, expectedVersion int64, linked decimal.Decimal) error {
	res, err := q.ExecContext(ctx, `
		UPDATE reservations
		SET linked_quantity = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, linked.String(), id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update linked quantity: %w", err)
	}
	return casOutcome(ctx, q, res, "reservations", "reservation", id)
}

func insertLink(ctx context.Context, q querier, l ledger.Link) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ingredient_reservation_links
		(id, task_id, ingredient_id, reservation_id, source, linked_quantity, consumed_quantity,
		 batch_number, unit, material_id, material_name, warehouse, expiry_date, unit_price,
		 created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		l.ID, l.TaskID, l.IngredientID, l.ReservationID, string(l.Source),
		l.LinkedQuantity.String(), l.ConsumedQuantity.String(),
		l.Snapshot.BatchNumber, l.Snapshot.Unit, l.Snapshot.MaterialID, l.Snapshot.MaterialName,
		l.Snapshot.Warehouse, nullTime(l.Snapshot.ExpiryDate), l.Snapshot.UnitPrice.String(),
		l.CreatedBy, formatTime(l.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.NewValidationError("link_id", "link %s already exists", l.ID)
		}
		return fmt.Errorf("failed to insert link: %w", err)
	}
	return nil
}

func getLink(ctx context.Context, q querier, id ledger.LinkID) (ledger.Link, error) {
	links, err := queryLinks(ctx, q, "id = ?", id)
	if err != nil {
		return ledger.Link{}, err
	}
	if len(links) == 0 {
		return ledger.Link{}, ledger.NotFound("link", id)
	}
	return links[0], nil
}

func deleteLink(ctx context.Context, q querier, id ledger.LinkID) error {
	res, err := q.ExecContext(ctx, "DELETE FROM ingredient_reservation_links WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete link: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.NotFound("link", id)
	}
	return nil
}

func updateConsumedQuantity(ctx context.Context, q querier, id ledger.LinkID, consumed decimal.Decimal) error {
	res, err := q.ExecContext(ctx,
		"UPDATE ingredient_reservation_links SET consumed_quantity = ? WHERE id = ?",
		consumed.String(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update consumed quantity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.NotFound("link", id)
	}
	return nil
}

func queryLinks(ctx context.Context, q querier, where string, arg any) ([]ledger.Link, error) {
	rows, err := q.QueryContext(ctx, linkColumns+" WHERE "+where+" ORDER BY created_at ASC, id ASC", arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	var links []ledger.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// casOutcome turns a zero-row versioned update into NotFound or
// ErrConcurrentModification.
func casOutcome(ctx context.Context, q querier, res sql.Result, table, kind string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check %s: %w", kind, err)
	}
	if exists == 0 {
		return ledger.NotFound(kind, id)
	}
	return ledger.ErrConcurrentModification
}

// =============================================================================
// SCANNING
// =============================================================================

func scanReservation(rows *sql.Rows) (ledger.Reservation, error) {
	var (
		r                              ledger.Reservation
		id, taskID, materialID, source string
		reserved, linked, price        string
		expiry                         sql.NullString
	)
	err := rows.Scan(&id, &taskID, &materialID, &r.MaterialName, &r.BatchNumber,
		&reserved, &linked, &r.Unit, &r.Warehouse, &expiry, &source, &price, &r.Version)
	if err != nil {
		return ledger.Reservation{}, fmt.Errorf("failed to scan reservation: %w", err)
	}

	r.ID = ledger.ReservationID(id)
	r.TaskID = ledger.TaskID(taskID)
	r.MaterialID = ledger.MaterialID(materialID)
	r.Source = ledger.Source(source)
	if r.ReservedQuantity, err = parseDecimal(reserved); err != nil {
		return ledger.Reservation{}, err
	}
	if r.LinkedQuantity, err = parseDecimal(linked); err != nil {
		return ledger.Reservation{}, err
	}
	if r.UnitPrice, err = parseDecimal(price); err != nil {
		return ledger.Reservation{}, err
	}
	if r.ExpiryDate, err = parseNullTime(expiry); err != nil {
		return ledger.Reservation{}, err
	}
	return r, nil
}

func scanLink(rows *sql.Rows) (ledger.Link, error) {
	var (
		l                                               ledger.Link
		id, taskID, ingredientID, reservationID, source string
		linked, consumed, price, materialID             string
		createdBy, createdAt                            string
		expiry                                          sql.NullString
	)
	err := rows.Scan(&id, &taskID, &ingredientID, &reservationID, &source, &linked, &consumed,
		&l.Snapshot.BatchNumber, &l.Snapshot.Unit, &materialID, &l.Snapshot.MaterialName,
		&l.Snapshot.Warehouse, &expiry, &price, &createdBy, &createdAt)
	if err != nil {
		return ledger.Link{}, fmt.Errorf("failed to scan link: %w", err)
	}

	l.ID = ledger.LinkID(id)
	l.TaskID = ledger.TaskID(taskID)
	l.IngredientID = ledger.IngredientID(ingredientID)
	l.ReservationID = ledger.ReservationID(reservationID)
	l.Source = ledger.Source(source)
	l.Snapshot.MaterialID = ledger.MaterialID(materialID)
	l.CreatedBy = ledger.ActorID(createdBy)
	if l.LinkedQuantity, err = parseDecimal(linked); err != nil {
		return ledger.Link{}, err
	}
	if l.ConsumedQuantity, err = parseDecimal(consumed); err != nil {
		return ledger.Link{}, err
	}
	if l.Snapshot.UnitPrice, err = parseDecimal(price); err != nil {
		return ledger.Link{}, err
	}
	if l.Snapshot.ExpiryDate, err = parseNullTime(expiry); err != nil {
		return ledger.Link{}, err
	}
	if l.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return ledger.Link{}, fmt.Errorf("failed to parse created_at %q: %w", createdAt, err)
	}
	return l, nil
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse time %q: %w", s.String, err)
	}
	return &t, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse decimal %q: %w", s, err)
	}
	return d, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// busyAsConflict reports lock contention from another connection as a
// concurrent modification so the ledger retries against fresh state.
func busyAsConflict(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ledger.ErrConcurrentModification, err)
	}
	return err
}
