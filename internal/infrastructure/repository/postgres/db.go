package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the tables the assistant reads and writes. Record
// tables are normally owned by the ingestion service; creating them here
// keeps a fresh database usable.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across replicas.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101501)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS lab_results (
	id TEXT PRIMARY KEY,
	patient_id BIGINT NOT NULL,
	test_name TEXT NOT NULL,
	value TEXT NOT NULL,
	unit TEXT,
	status TEXT,
	result_date DATE
);
CREATE INDEX IF NOT EXISTS idx_lab_results_patient ON lab_results(patient_id, result_date DESC);

CREATE TABLE IF NOT EXISTS medications (
	id TEXT PRIMARY KEY,
	patient_id BIGINT NOT NULL,
	name TEXT NOT NULL,
	dosage TEXT,
	frequency TEXT,
	status TEXT,
	start_date DATE
);
CREATE INDEX IF NOT EXISTS idx_medications_patient ON medications(patient_id, start_date DESC);

CREATE TABLE IF NOT EXISTS patient_documents (
	id TEXT PRIMARY KEY,
	patient_id BIGINT NOT NULL,
	filename TEXT NOT NULL,
	status TEXT NOT NULL,
	extracted_text TEXT,
	document_date DATE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_patient_documents_patient ON patient_documents(patient_id, created_at DESC);

CREATE TABLE IF NOT EXISTS record_chunks (
	id TEXT PRIMARY KEY,
	patient_id BIGINT NOT NULL,
	source_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	content TEXT NOT NULL,
	chunk_index INT NOT NULL DEFAULT 0,
	page_number INT,
	context_date DATE
);
CREATE INDEX IF NOT EXISTS idx_record_chunks_patient ON record_chunks(patient_id, source_type);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	patient_id BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_messages_conv ON conversation_messages(conversation_id, created_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
