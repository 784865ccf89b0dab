package nvs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // database/sql driver
)

// SQLiteBackend stores namespaces in one sqlite table. Each Apply batch runs
// in a single serializable transaction, so a multi-key snapshot is either
// fully written or not at all.
type SQLiteBackend struct{ db *sql.DB }

// OpenSQLiteBackend opens or creates the database at dsn.
func OpenSQLiteBackend(dsn string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS kv (
  ns    TEXT    NOT NULL,
  key   TEXT    NOT NULL,
  kind  INTEGER NOT NULL,
  val   BLOB    NOT NULL,
  PRIMARY KEY (ns, key)
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteBackend{db: db}, nil
}

// Ping implements Backend.
func (s *SQLiteBackend) Ping() error { return s.db.Ping() }

// Load implements Backend.
func (s *SQLiteBackend) Load(ns, key string) (Kind, []byte, bool, error) {
	var kind int
	var val []byte
	err := s.db.QueryRow(`SELECT kind, val FROM kv WHERE ns=? AND key=?`, ns, key).Scan(&kind, &val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	return Kind(kind), val, true, nil
}

// Apply implements Backend.
func (s *SQLiteBackend) Apply(ns string, ops []Op) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, op := range ops {
		switch {
		case op.Clear:
			_, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE ns=?`, ns)
		case op.Remove:
			_, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE ns=? AND key=?`, ns, op.Key)
		default:
			_, err = tx.ExecContext(ctx,
				`INSERT INTO kv(ns, key, kind, val) VALUES(?, ?, ?, ?)
				 ON CONFLICT(ns, key) DO UPDATE SET kind=excluded.kind, val=excluded.val`,
				ns, op.Key, int(op.Kind), op.Val)
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (s *SQLiteBackend) Close() error { return s.db.Close() }
