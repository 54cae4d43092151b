package kvstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresSchema creates the single table backing PostgresStore.
const PostgresSchema = `CREATE TABLE IF NOT EXISTS kv_nodes (
path TEXT PRIMARY KEY,
value JSONB NOT NULL,
updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps every path as one row. Values must be valid JSON.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle (pgx stdlib driver).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the backing table when missing.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, PostgresSchema); err != nil {
		return classifyPostgres("migrate", "kv_nodes", err)
	}
	return nil
}

// Get reads a path.
func (p *PostgresStore) Get(ctx context.Context, path string) ([]byte, bool, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx, `SELECT value FROM kv_nodes WHERE path = $1`, path).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classifyPostgres("get", path, err)
	}
	return value, true, nil
}

// Set upserts a path.
func (p *PostgresStore) Set(ctx context.Context, path string, value []byte) error {
	if _, err := p.db.ExecContext(ctx, upsertSQL, path, value); err != nil {
		return classifyPostgres("set", path, err)
	}
	return nil
}

// Delete removes a path.
func (p *PostgresStore) Delete(ctx context.Context, path string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM kv_nodes WHERE path = $1`, path); err != nil {
		return classifyPostgres("delete", path, err)
	}
	return nil
}

const upsertSQL = `INSERT INTO kv_nodes (path, value) VALUES ($1, $2)
ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`

var errInsertRaced = errors.New("concurrent insert")

// Transact locks the existing row with SELECT ... FOR UPDATE. An absent row
// cannot be locked, so the insert uses ON CONFLICT DO NOTHING and the whole
// transaction is replayed when another writer got there first.
func (p *PostgresStore) Transact(ctx context.Context, path string, fn TxFunc) (TxResult, error) {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		result, err := p.transactOnce(ctx, path, fn)
		if errors.Is(err, errInsertRaced) {
			continue
		}
		if err != nil {
			return TxResult{}, classifyPostgres("transact", path, err)
		}
		return result, nil
	}
	return TxResult{}, fmt.Errorf("postgres transact %s: %w", path, ErrMaxRetries)
}

func (p *PostgresStore) transactOnce(ctx context.Context, path string, fn TxFunc) (TxResult, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return TxResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current []byte
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv_nodes WHERE path = $1 FOR UPDATE`, path).Scan(&current)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return TxResult{}, fmt.Errorf("select for update: %w", err)
	}

	d := fn(copyBytes(current))
	switch d.op {
	case opAbort:
		return TxResult{Committed: false, Value: current}, nil
	case opWrite:
		if exists {
			_, err = tx.ExecContext(ctx, `UPDATE kv_nodes SET value = $2, updated_at = now() WHERE path = $1`, path, d.value)
		} else {
			var res sql.Result
			res, err = tx.ExecContext(ctx, `INSERT INTO kv_nodes (path, value) VALUES ($1, $2) ON CONFLICT (path) DO NOTHING`, path, d.value)
			if err == nil {
				if n, _ := res.RowsAffected(); n == 0 {
					return TxResult{}, errInsertRaced
				}
			}
		}
	case opRemove:
		if exists {
			_, err = tx.ExecContext(ctx, `DELETE FROM kv_nodes WHERE path = $1`, path)
		}
	}
	if err != nil {
		return TxResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TxResult{}, fmt.Errorf("commit: %w", err)
	}
	return TxResult{Committed: true, Value: copyBytes(d.value)}, nil
}

// CombinedUpdate applies every write in one database transaction.
func (p *PostgresStore) CombinedUpdate(ctx context.Context, updates map[string][]byte) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classifyPostgres("update", "", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, path := range sortedKeys(updates) {
		value := updates[path]
		if value == nil {
			_, err = tx.ExecContext(ctx, `DELETE FROM kv_nodes WHERE path = $1`, path)
		} else {
			_, err = tx.ExecContext(ctx, upsertSQL, path, value)
		}
		if err != nil {
			return classifyPostgres("update", path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classifyPostgres("update", "", err)
	}
	return nil
}

// Query filters direct children of prefix on a top level JSON field.
func (p *PostgresStore) Query(ctx context.Context, prefix, field, value string) (map[string][]byte, error) {
	base := childPrefix(prefix)
	rows, err := p.db.QueryContext(ctx,
		`SELECT path, value FROM kv_nodes WHERE path LIKE $1 ESCAPE '\' AND position('/' in substr(path, $2)) = 0 AND value->>$3 = $4`,
		escapeLike(base)+"%", len(base)+1, field, value)
	if err != nil {
		return nil, classifyPostgres("query", prefix, err)
	}
	return collectRows(rows, base, prefix)
}

// List returns every row below prefix.
func (p *PostgresStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	base := childPrefix(prefix)
	rows, err := p.db.QueryContext(ctx, `SELECT path, value FROM kv_nodes WHERE path LIKE $1 ESCAPE '\'`, escapeLike(base)+"%")
	if err != nil {
		return nil, classifyPostgres("list", prefix, err)
	}
	return collectRows(rows, base, prefix)
}

// GenerateID returns a UUIDv7 string.
func (p *PostgresStore) GenerateID(_ context.Context) (string, error) {
	return newID()
}

func collectRows(rows *sql.Rows, base, prefix string) (map[string][]byte, error) {
	defer rows.Close()
	out := make(map[string][]byte)
	for rows.Next() {
		var path string
		var value []byte
		if err := rows.Scan(&path, &value); err != nil {
			return nil, classifyPostgres("scan", prefix, err)
		}
		out[strings.TrimPrefix(path, base)] = value
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres("iterate", prefix, err)
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func classifyPostgres(op, path string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42501", strings.HasPrefix(pgErr.Code, "28"):
			return fmt.Errorf("postgres %s %s: %w: %w", op, path, ErrPermissionDenied, err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57P"):
			return fmt.Errorf("postgres %s %s: %w: %w", op, path, ErrUnavailable, err)
		}
		return fmt.Errorf("postgres %s %s: %w", op, path, err)
	}
	var netErr net.Error
	var connectErr *pgconn.ConnectError
	switch {
	case errors.As(err, &connectErr), errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return fmt.Errorf("postgres %s %s: %w: %w", op, path, ErrUnavailable, err)
	case errors.As(err, &netErr), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("postgres %s %s: %w: %w", op, path, ErrNetwork, err)
	}
	return fmt.Errorf("postgres %s %s: %w", op, path, err)
}
