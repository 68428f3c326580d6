// Package sqlite implements memory.RecordStore on an embedded SQLite
// database via database/sql and the modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/openmemoryhq/openmemory-go/memory"
)

// Store is the SQLite-backed source of truth.
type Store struct {
	db *sql.DB
}

// Compile-time interface check.
var _ memory.RecordStore = (*Store)(nil)

// New creates or opens the record database at path. Use ":memory:" for an
// ephemeral database in tests.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single shared connection: avoids SQLite writer lock contention under
	// concurrent goroutines, and keeps ":memory:" databases coherent. A
	// waiter with a context deadline gets ErrStoreUnavailable when the
	// deadline expires; callers that must not block pass one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS applications (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			name TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at_ms INTEGER NOT NULL,
			UNIQUE(tenant, name)
		);`,
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			app_id TEXT NOT NULL REFERENCES applications(id),
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			state TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_tenant_state ON records(tenant, state);`,
		`CREATE INDEX IF NOT EXISTS idx_records_app_state ON records(app_id, state);`,
		`CREATE TABLE IF NOT EXISTS access_rules (
			id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL REFERENCES records(id),
			app_id TEXT NOT NULL REFERENCES applications(id),
			effect TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			UNIQUE(record_id, app_id)
		);`,
		`CREATE TABLE IF NOT EXISTS history (
			id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL REFERENCES records(id),
			prev_state TEXT NOT NULL DEFAULT '',
			new_state TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			changed_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_history_record_time ON history(record_id, changed_at_ms);`,
		`CREATE TABLE IF NOT EXISTS access_log (
			id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL,
			app_id TEXT NOT NULL,
			access_type TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			accessed_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_access_log_record_time ON access_log(record_id, accessed_at_ms);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// storeErr wraps unexpected database failures with the retryable sentinel so
// callers can branch on the taxonomy without knowing the driver.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, memory.ErrStoreUnavailable, err)
}

func (s *Store) CreateRecord(ctx context.Context, rec *memory.Record, actor string) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin create record", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (id, tenant, app_id, content, metadata, state, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Tenant, rec.AppID, rec.Content, string(meta), string(rec.State),
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err != nil {
		return storeErr("insert record", err)
	}
	if err := appendHistory(ctx, tx, rec.ID, "", rec.State, actor, rec.CreatedAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit create record", err)
	}
	return nil
}

func (s *Store) GetRecord(ctx context.Context, id string) (*memory.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant, app_id, content, metadata, state, created_at_ms, updated_at_ms
		 FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get record", err)
	}
	return rec, nil
}

func (s *Store) GetRecords(ctx context.Context, ids []string) ([]*memory.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		`SELECT id, tenant, app_id, content, metadata, state, created_at_ms, updated_at_ms
		 FROM records WHERE id IN (%s)`, placeholders(len(ids)))
	rows, err := s.db.QueryContext(ctx, query, toAny(ids)...)
	if err != nil {
		return nil, storeErr("get records", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *Store) UpdateRecord(ctx context.Context, rec *memory.Record, actor string) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin update record", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE records SET content = ?, metadata = ?, updated_at_ms = ?
		 WHERE id = ? AND updated_at_ms = ?`,
		rec.Content, string(meta), now.UnixMilli(), rec.ID, rec.UpdatedAt.UnixMilli())
	if err != nil {
		return storeErr("update record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update record", err)
	}
	if n == 0 {
		if exists, err := recordExists(ctx, tx, rec.ID); err != nil {
			return err
		} else if !exists {
			return fmt.Errorf("record %s: %w", rec.ID, memory.ErrNotFound)
		}
		return fmt.Errorf("record %s: %w", rec.ID, memory.ErrConflict)
	}
	// Content and metadata edits keep the state; the trail still records them.
	if err := appendHistory(ctx, tx, rec.ID, rec.State, rec.State, actor, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit update record", err)
	}
	rec.UpdatedAt = now
	return nil
}

func (s *Store) TransitionState(ctx context.Context, id string, from, to memory.State, actor string) (*memory.HistoryEntry, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin transition", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE records SET state = ?, updated_at_ms = ? WHERE id = ? AND state = ?`,
		string(to), now.UnixMilli(), id, string(from))
	if err != nil {
		return nil, storeErr("transition state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storeErr("transition state", err)
	}
	if n == 0 {
		if exists, err := recordExists(ctx, tx, id); err != nil {
			return nil, err
		} else if !exists {
			return nil, fmt.Errorf("record %s: %w", id, memory.ErrNotFound)
		}
		return nil, fmt.Errorf("record %s moved since read: %w", id, memory.ErrConflict)
	}
	entry := &memory.HistoryEntry{
		ID:        uuid.New().String(),
		RecordID:  id,
		PrevState: from,
		NewState:  to,
		Actor:     actor,
		ChangedAt: now,
	}
	if err := insertHistory(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit transition", err)
	}
	return entry, nil
}

func (s *Store) ListRecords(ctx context.Context, f memory.RecordFilter) ([]*memory.Record, error) {
	var (
		conds []string
		args  []any
	)
	if f.Tenant != "" {
		conds = append(conds, "tenant = ?")
		args = append(args, f.Tenant)
	}
	if f.AppID != "" {
		conds = append(conds, "app_id = ?")
		args = append(args, f.AppID)
	}
	if len(f.States) > 0 {
		conds = append(conds, fmt.Sprintf("state IN (%s)", placeholders(len(f.States))))
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}
	query := `SELECT id, tenant, app_id, content, metadata, state, created_at_ms, updated_at_ms FROM records`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at_ms DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list records", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *Store) SearchContent(ctx context.Context, tenant, substr string, limit int) ([]*memory.Record, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant, app_id, content, metadata, state, created_at_ms, updated_at_ms
		 FROM records
		 WHERE tenant = ? AND state = ? AND instr(lower(content), lower(?)) > 0
		 ORDER BY created_at_ms DESC, id
		 LIMIT ?`,
		tenant, string(memory.StateActive), substr, limit)
	if err != nil {
		return nil, storeErr("search content", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant FROM records ORDER BY tenant`)
	if err != nil {
		return nil, storeErr("list tenants", err)
	}
	defer rows.Close()
	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, storeErr("scan tenant", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list tenants", err)
	}
	return tenants, nil
}

func (s *Store) EnsureApplication(ctx context.Context, tenant, name string) (*memory.Application, error) {
	app, err := s.getApplicationByName(ctx, tenant, name)
	if err == nil {
		return app, nil
	}
	if !errors.Is(err, memory.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO applications (id, tenant, name, is_active, created_at_ms)
		 VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT(tenant, name) DO NOTHING`,
		uuid.New().String(), tenant, name, now.UnixMilli())
	if err != nil {
		return nil, storeErr("create application", err)
	}
	return s.getApplicationByName(ctx, tenant, name)
}

func (s *Store) getApplicationByName(ctx context.Context, tenant, name string) (*memory.Application, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant, name, is_active, created_at_ms FROM applications WHERE tenant = ? AND name = ?`,
		tenant, name)
	app, err := scanApplication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("app %s/%s: %w", tenant, name, memory.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get application", err)
	}
	return app, nil
}

func (s *Store) GetApplications(ctx context.Context, ids []string) ([]*memory.Application, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		`SELECT id, tenant, name, is_active, created_at_ms FROM applications WHERE id IN (%s)`,
		placeholders(len(ids)))
	rows, err := s.db.QueryContext(ctx, query, toAny(ids)...)
	if err != nil {
		return nil, storeErr("get applications", err)
	}
	defer rows.Close()
	var apps []*memory.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, storeErr("scan application", err)
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get applications", err)
	}
	return apps, nil
}

func (s *Store) SetApplicationActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE applications SET is_active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return storeErr("set application active", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("set application active", err)
	}
	if n == 0 {
		return fmt.Errorf("app %s: %w", id, memory.ErrNotFound)
	}
	return nil
}

func (s *Store) SetAccessRule(ctx context.Context, rule *memory.AccessRule) error {
	// One rule per (record, app); the newest write wins.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_rules (id, record_id, app_id, effect, created_at_ms)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(record_id, app_id) DO UPDATE SET effect = excluded.effect, created_at_ms = excluded.created_at_ms`,
		rule.ID, rule.RecordID, rule.AppID, string(rule.Effect), rule.CreatedAt.UnixMilli())
	if err != nil {
		return storeErr("set access rule", err)
	}
	return nil
}

func (s *Store) ListAccessRules(ctx context.Context, recordIDs []string) ([]*memory.AccessRule, error) {
	if len(recordIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		`SELECT id, record_id, app_id, effect, created_at_ms FROM access_rules WHERE record_id IN (%s)`,
		placeholders(len(recordIDs)))
	rows, err := s.db.QueryContext(ctx, query, toAny(recordIDs)...)
	if err != nil {
		return nil, storeErr("list access rules", err)
	}
	defer rows.Close()
	var rules []*memory.AccessRule
	for rows.Next() {
		var (
			rule   memory.AccessRule
			effect string
			ms     int64
		)
		if err := rows.Scan(&rule.ID, &rule.RecordID, &rule.AppID, &effect, &ms); err != nil {
			return nil, storeErr("scan access rule", err)
		}
		rule.Effect = memory.Effect(effect)
		rule.CreatedAt = time.UnixMilli(ms).UTC()
		rules = append(rules, &rule)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list access rules", err)
	}
	return rules, nil
}

func (s *Store) AppendAccessLogs(ctx context.Context, entries []*memory.AccessLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin access log append", err)
	}
	defer tx.Rollback()
	for _, e := range entries {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal access log metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO access_log (id, record_id, app_id, access_type, metadata, accessed_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.RecordID, e.AppID, e.AccessType, string(meta), e.AccessedAt.UnixMilli())
		if err != nil {
			return storeErr("insert access log", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit access log append", err)
	}
	return nil
}

// ListAccessLogs returns a record's read-audit trail, newest first. Audit
// only; never part of the query hot path.
func (s *Store) ListAccessLogs(ctx context.Context, recordID string) ([]*memory.AccessLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_id, app_id, access_type, metadata, accessed_at_ms
		 FROM access_log WHERE record_id = ? ORDER BY accessed_at_ms DESC, id`, recordID)
	if err != nil {
		return nil, storeErr("list access logs", err)
	}
	defer rows.Close()
	var entries []*memory.AccessLogEntry
	for rows.Next() {
		var (
			e    memory.AccessLogEntry
			meta string
			ms   int64
		)
		if err := rows.Scan(&e.ID, &e.RecordID, &e.AppID, &e.AccessType, &meta, &ms); err != nil {
			return nil, storeErr("scan access log", err)
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal access log metadata: %w", err)
		}
		e.AccessedAt = time.UnixMilli(ms).UTC()
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list access logs", err)
	}
	return entries, nil
}

func (s *Store) ListHistory(ctx context.Context, recordID string) ([]*memory.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_id, prev_state, new_state, actor, changed_at_ms
		 FROM history WHERE record_id = ? ORDER BY changed_at_ms, id`, recordID)
	if err != nil {
		return nil, storeErr("list history", err)
	}
	defer rows.Close()
	var entries []*memory.HistoryEntry
	for rows.Next() {
		var (
			e          memory.HistoryEntry
			prev, next string
			ms         int64
		)
		if err := rows.Scan(&e.ID, &e.RecordID, &prev, &next, &e.Actor, &ms); err != nil {
			return nil, storeErr("scan history", err)
		}
		e.PrevState = memory.State(prev)
		e.NewState = memory.State(next)
		e.ChangedAt = time.UnixMilli(ms).UTC()
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list history", err)
	}
	return entries, nil
}

func appendHistory(ctx context.Context, tx *sql.Tx, recordID string, prev, next memory.State, actor string, at time.Time) error {
	return insertHistory(ctx, tx, &memory.HistoryEntry{
		ID:        uuid.New().String(),
		RecordID:  recordID,
		PrevState: prev,
		NewState:  next,
		Actor:     actor,
		ChangedAt: at,
	})
}

func insertHistory(ctx context.Context, tx *sql.Tx, e *memory.HistoryEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO history (id, record_id, prev_state, new_state, actor, changed_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.RecordID, string(e.PrevState), string(e.NewState), e.Actor, e.ChangedAt.UnixMilli())
	if err != nil {
		return storeErr("insert history", err)
	}
	return nil
}

func recordExists(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM records WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("check record exists", err)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*memory.Record, error) {
	var (
		rec       memory.Record
		meta      string
		state     string
		createdMS int64
		updatedMS int64
	)
	if err := row.Scan(&rec.ID, &rec.Tenant, &rec.AppID, &rec.Content, &meta, &state, &createdMS, &updatedMS); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	rec.State = memory.State(state)
	rec.CreatedAt = time.UnixMilli(createdMS).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedMS).UTC()
	return &rec, nil
}

func scanApplication(row rowScanner) (*memory.Application, error) {
	var (
		app    memory.Application
		active int
		ms     int64
	)
	if err := row.Scan(&app.ID, &app.Tenant, &app.Name, &active, &ms); err != nil {
		return nil, err
	}
	app.IsActive = active != 0
	app.CreatedAt = time.UnixMilli(ms).UTC()
	return &app, nil
}

func collectRecords(rows *sql.Rows) ([]*memory.Record, error) {
	var recs []*memory.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storeErr("scan record", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate records", err)
	}
	return recs, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
