package datasource

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/google/renameio/v2"
	_ "github.com/mattn/go-sqlite3"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/config"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/types"
)

// SnapshotStore persists a local copy of the raw registration records
type SnapshotStore interface {
	Load(ctx context.Context) ([]types.Record, error)
	Save(ctx context.Context, records []types.Record) error
	Close() error
}

// NewSnapshotStore opens the store selected by cfg. A SQLite path takes precedence over
// the JSON file.
func NewSnapshotStore(cfg config.SnapshotConfig) (SnapshotStore, error) {
	if cfg.DBPath != "" {
		return NewSQLiteSnapshot(cfg.DBPath)
	}
	if cfg.Path != "" {
		return NewJSONSnapshot(cfg.Path), nil
	}
	return nil, errors.New("no snapshot store configured")
}

// JSONSnapshot implements SnapshotStore on a single JSON document. It reads either a bare
// list of records or an object with a "students" list, and always writes the object form.
// Records keep their upstream fields, so a refresh does not strip the file.
type JSONSnapshot struct {
	path  string
	mutex sync.RWMutex
}

type snapshotDocument struct {
	Students []types.Record `json:"students"`
}

func NewJSONSnapshot(path string) *JSONSnapshot {
	return &JSONSnapshot{path: path}
}

func (s *JSONSnapshot) Load(ctx context.Context) ([]types.Record, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var records []types.Record
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &records)
	} else {
		var doc snapshotDocument
		err = json.Unmarshal(trimmed, &doc)
		records = doc.Students
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", s.path, err)
	}

	klog.V(3).InfoS("Loaded JSON snapshot", "path", s.path, "records", len(records))
	return records, nil
}

func (s *JSONSnapshot) Save(ctx context.Context, records []types.Record) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	data, err := json.Marshal(snapshotDocument{Students: records})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	klog.V(3).InfoS("Stored JSON snapshot", "path", s.path, "records", len(records))
	return nil
}

func (s *JSONSnapshot) Close() error {
	return nil
}

// SQLiteSnapshot implements SnapshotStore using SQLite
type SQLiteSnapshot struct {
	db       *sql.DB
	dbPath   string
	mutex    sync.RWMutex
	prepared map[string]*sql.Stmt
}

// NewSQLiteSnapshot opens (creating if needed) the snapshot database at dbPath
func NewSQLiteSnapshot(dbPath string) (*SQLiteSnapshot, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %v", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	store := &SQLiteSnapshot{
		db:       db,
		dbPath:   dbPath,
		prepared: make(map[string]*sql.Stmt),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %v", err)
	}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %v", err)
	}

	return store, nil
}

func (s *SQLiteSnapshot) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS registration_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		register_date_ms REAL, -- epoch milliseconds, NULL when the upstream record had none
		payload TEXT, -- upstream JSON object as received
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_register_date ON registration_records(register_date_ms);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteSnapshot) prepareStatements() error {
	statements := map[string]string{
		"insert": `INSERT INTO registration_records (register_date_ms, payload) VALUES (?, ?)`,
		"select": `SELECT register_date_ms, payload FROM registration_records ORDER BY id ASC`,
		"clear":  `DELETE FROM registration_records`,
	}

	for name, query := range statements {
		stmt, err := s.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement %s: %v", name, err)
		}
		s.prepared[name] = stmt
	}

	return nil
}

func (s *SQLiteSnapshot) Load(ctx context.Context) ([]types.Record, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.prepared["select"].QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	defer rows.Close()

	var records []types.Record
	for rows.Next() {
		var (
			registerDate sql.NullFloat64
			payload      sql.NullString
		)
		if err := rows.Scan(&registerDate, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var record types.Record
		if registerDate.Valid {
			v := registerDate.Float64
			record.RegisterDate = &v
		}
		if payload.Valid {
			record.Raw = json.RawMessage(payload.String)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	klog.V(3).InfoS("Loaded SQLite snapshot", "path", s.dbPath, "records", len(records))
	return records, nil
}

// Save replaces the stored records in a single transaction
func (s *SQLiteSnapshot) Save(ctx context.Context, records []types.Record) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(ctx, s.prepared["clear"]).ExecContext(ctx); err != nil {
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}

	insert := tx.StmtContext(ctx, s.prepared["insert"])
	for _, record := range records {
		var (
			registerDate sql.NullFloat64
			payload      sql.NullString
		)
		if record.RegisterDate != nil {
			registerDate = sql.NullFloat64{Float64: *record.RegisterDate, Valid: true}
		}
		if len(record.Raw) > 0 {
			payload = sql.NullString{String: string(record.Raw), Valid: true}
		}
		if _, err := insert.ExecContext(ctx, registerDate, payload); err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	klog.V(3).InfoS("Stored SQLite snapshot", "path", s.dbPath, "records", len(records))
	return nil
}

// Close closes the database connection
func (s *SQLiteSnapshot) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, stmt := range s.prepared {
		stmt.Close()
	}

	return s.db.Close()
}
