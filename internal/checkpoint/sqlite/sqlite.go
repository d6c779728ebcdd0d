// Package sqlite mirrors every checkpoint into a SQLite table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/evolset/internal/record"
)

// Writer replaces the content of the evolset_records table with the
// checkpointed document in a single transaction.
type Writer struct {
	db   *sql.DB
	path string
}

// New opens the database at dsn ("sqlite:///path.db", a bare path or ":memory:").
func New(dsn string) (*Writer, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	w := &Writer{db: db, path: dsn}
	if err := w.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	_, err := w.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS evolset_records(
		position INTEGER PRIMARY KEY,
		instruction TEXT NOT NULL,
		response TEXT NOT NULL,
		category TEXT NOT NULL,
		evolution_strategy TEXT NOT NULL,
		in_depth_evolving_operation TEXT NOT NULL,
		epoch INTEGER NOT NULL
	);`)
	return err
}

func (w *Writer) Name() string { return "sqlite:" + w.path }

func (w *Writer) Write(ctx context.Context, doc record.Document) error {
	recs, err := doc.Records()
	if err != nil {
		return err
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM evolset_records;`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO evolset_records(position, instruction, response, category, evolution_strategy, in_depth_evolving_operation, epoch)
		VALUES(?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for i, r := range recs {
		if _, err := stmt.ExecContext(ctx, i, r.Instruction, r.Response, r.Category, r.EvolutionStrategy, r.Operation, r.Epoch); err != nil {
			return fmt.Errorf("insert record %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// Load reads the mirrored records back as a document.
func (w *Writer) Load(ctx context.Context) (record.Document, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT instruction, response, category, evolution_strategy, in_depth_evolving_operation, epoch
		FROM evolset_records ORDER BY position`)
	if err != nil {
		return record.Document{}, err
	}
	defer func() { _ = rows.Close() }()
	var recs []record.Record
	for rows.Next() {
		var r record.Record
		if err := rows.Scan(&r.Instruction, &r.Response, &r.Category, &r.EvolutionStrategy, &r.Operation, &r.Epoch); err != nil {
			return record.Document{}, err
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return record.Document{}, err
	}
	return record.NewDocument(recs), nil
}

func (w *Writer) Close() error { return w.db.Close() }
