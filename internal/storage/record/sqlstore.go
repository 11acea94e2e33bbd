package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// sqlStore implements Store on a single documents table through database/sql.
// Drivers: "postgres" (lib/pq) and "sqlite" (modernc.org/sqlite). Documents
// are stored as JSON text; filters are evaluated in process like the KV
// backends, so the two families stay behaviorally identical.
type sqlStore struct {
	db     *sql.DB
	driver string
	codec  *codec
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS records (
	tbl   TEXT NOT NULL,
	id    TEXT NOT NULL,
	doc   TEXT NOT NULL,
	PRIMARY KEY (tbl, id)
)`

// NewSQL opens a SQL-backed record store with the given driver and DSN.
func NewSQL(driver, dsn, compression string) (Store, error) {
	c, err := newCodec(compression)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create records table: %w", err)
	}
	return &sqlStore{db: db, driver: driver, codec: c}, nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *sqlStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *sqlStore) upsert() string {
	return s.rebind(`INSERT INTO records (tbl, id, doc) VALUES (?, ?, ?)
		ON CONFLICT (tbl, id) DO UPDATE SET doc = excluded.doc`)
}

func (s *sqlStore) encode(table, id string, doc Doc) (string, error) {
	data, err := EncodeDoc(doc)
	if err != nil {
		return "", fmt.Errorf("encode record %s/%s: %w", table, id, err)
	}
	// JSON text is stored uncompressed in SQL backends; the TEXT column is
	// not a byte-safe container for lz4 frames.
	return string(data), nil
}

func (s *sqlStore) Save(ctx context.Context, table, id string, doc Doc) error {
	text, err := s.encode(table, id, doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.upsert(), table, id, text)
	return err
}

func (s *sqlStore) Load(ctx context.Context, table, id string) (Doc, error) {
	var text string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT doc FROM records WHERE tbl = ? AND id = ?`), table, id).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return DecodeDoc([]byte(text))
}

func (s *sqlStore) Delete(ctx context.Context, table, id string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM records WHERE tbl = ? AND id = ?`), table, id)
	return err
}

func (s *sqlStore) Query(ctx context.Context, q Query) ([]Doc, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT doc FROM records WHERE tbl = ? ORDER BY id`), q.Table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Doc
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, err
		}
		doc, err := DecodeDoc([]byte(text))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return applyQuery(docs, q), nil
}

func (s *sqlStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{store: s, tx: tx}, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

type sqlTx struct {
	store *sqlStore
	tx    *sql.Tx
	done  bool
}

func (t *sqlTx) Save(table, id string, doc Doc) error {
	if t.done {
		return ErrTxDone
	}
	text, err := t.store.encode(table, id, doc)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(t.store.upsert(), table, id, text)
	return err
}

func (t *sqlTx) Delete(table, id string) error {
	if t.done {
		return ErrTxDone
	}
	_, err := t.tx.Exec(t.store.rebind(`DELETE FROM records WHERE tbl = ? AND id = ?`), table, id)
	return err
}

func (t *sqlTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return t.tx.Commit()
}

func (t *sqlTx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return t.tx.Rollback()
}

func init() {
	Register("postgres", func(opts Options) (Store, error) {
		return NewSQL("postgres", opts.DSN, opts.Compression)
	})
	Register("sqlite", func(opts Options) (Store, error) {
		dsn := opts.DSN
		if dsn == "" {
			dsn = opts.Path
		}
		return NewSQL("sqlite", dsn, opts.Compression)
	})
}
