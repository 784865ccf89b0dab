package witness

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // database/sql driver
)

type sqliteArchive struct{ db *sql.DB }

// OpenSQLiteArchive opens or creates an sqlite record archive at dsn.
func OpenSQLiteArchive(dsn string) (Archive, error) {
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
		"PRAGMA wal_autocheckpoint=1000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS records (
  seq          INTEGER PRIMARY KEY,
  time_bucket  INTEGER NOT NULL,
  type         INTEGER NOT NULL,
  payload_hash BLOB    NOT NULL,
  prev_hash    BLOB    NOT NULL,
  chain_hash   BLOB    NOT NULL,
  signature    BLOB    NOT NULL,
  verified     INTEGER NOT NULL,
  payload      BLOB    NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteArchive{db: db}, nil
}

// Append inserts r after checking it follows the current head.
func (s *sqliteArchive) Append(r Record) error {
	if len(r.Payload) > MaxPayload {
		return errRecordTooLarge
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM records`).Scan(&maxSeq); err != nil {
		return err
	}
	if maxSeq.Valid && uint32(maxSeq.Int64) != r.Seq-1 {
		return fmt.Errorf("%w: have %d, got %d", ErrNonContiguous, maxSeq.Int64, r.Seq)
	}
	verified := 0
	if r.Verified {
		verified = 1
	}
	payload := r.Payload
	if payload == nil {
		payload = []byte{}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records(seq, time_bucket, type, payload_hash, prev_hash, chain_hash, signature, verified, payload)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(r.Seq), int64(r.TimeBucket), int(r.Type), r.PayloadHash[:], r.PrevHash[:], r.ChainHash[:],
		r.Signature[:], verified, payload); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		r                         Record
		seq, tb                   int64
		typ, verified             int
		ph, prev, chain, sig, pay []byte
	)
	if err := row.Scan(&seq, &tb, &typ, &ph, &prev, &chain, &sig, &verified, &pay); err != nil {
		return r, err
	}
	if len(ph) != 32 || len(prev) != 32 || len(chain) != 32 || len(sig) != 64 {
		return r, fmt.Errorf("invalid record sizes at seq %d", seq)
	}
	r.Seq = uint32(seq)
	r.TimeBucket = uint32(tb)
	r.Type = RecordType(typ)
	copy(r.PayloadHash[:], ph)
	copy(r.PrevHash[:], prev)
	copy(r.ChainHash[:], chain)
	copy(r.Signature[:], sig)
	r.Verified = verified == 1
	r.Payload = pay
	r.PayloadLen = uint32(len(pay))
	return r, nil
}

const recordColumns = `seq, time_bucket, type, payload_hash, prev_hash, chain_hash, signature, verified, payload`

// Iter streams records in ascending order.
func (s *sqliteArchive) Iter(startSeq uint32) (<-chan Record, func() error, error) {
	ctx, cancel := context.WithCancel(context.Background())
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE seq >= ? ORDER BY seq ASC`, int64(startSeq))
	if err != nil {
		cancel()
		return nil, nil, err
	}
	out := make(chan Record, 64)
	finished := make(chan struct{})
	var readErr error
	go func() {
		defer close(finished)
		defer close(out)
		defer rows.Close()
		for rows.Next() {
			r, err := scanRecord(rows)
			if err != nil {
				readErr = err
				return
			}
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
		if err := rows.Err(); err != nil && !errors.Is(err, context.Canceled) {
			readErr = err
		}
	}()
	stop := func() error {
		cancel()
		<-finished
		return readErr
	}
	return out, stop, nil
}

// Head returns the highest-sequence record.
func (s *sqliteArchive) Head() (Record, bool, error) {
	r, err := scanRecord(s.db.QueryRow(`SELECT ` + recordColumns + ` FROM records ORDER BY seq DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

// Close closes the database.
func (s *sqliteArchive) Close() error { return s.db.Close() }
