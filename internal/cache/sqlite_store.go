package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"stratum/internal/core"
	"stratum/internal/logging"
)

// SQLiteStore keeps every entry in a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// NewSQLiteStore creates or opens the database answers.db under dir.
func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dir, "answers.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db, dbPath: dbPath}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logging.Cache("opened answer database %s", dbPath)
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS answers (
		key TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		query TEXT NOT NULL,
		args TEXT NOT NULL,
		answers_json TEXT NOT NULL,
		num_answers INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_answers_query ON answers(query);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Get(fingerprint string) (*Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		e           Entry
		stored      string
		answersJSON string
		createdAt   time.Time
	)
	err := s.db.QueryRow(
		`SELECT fingerprint, query, args, answers_json, created_at FROM answers WHERE key = ?`,
		Key(fingerprint),
	).Scan(&stored, &e.Query, &e.Args, &answersJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query answers: %w", err)
	}
	if stored != fingerprint {
		logging.CacheError("key collision between %q and %q", stored, fingerprint)
		return nil, false, nil
	}
	var answers []core.Answer
	if err := json.Unmarshal([]byte(answersJSON), &answers); err != nil {
		return nil, false, fmt.Errorf("corrupt answers for %s: %w", e.Query, err)
	}
	e.Answers = answers
	e.CreatedAt = createdAt
	return &e, true, nil
}

func (s *SQLiteStore) Put(fingerprint string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	answersJSON, err := json.Marshal(e.Answers)
	if err != nil {
		return fmt.Errorf("failed to encode answers: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO answers (key, fingerprint, query, args, answers_json, num_answers, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, Key(fingerprint), fingerprint, e.Query, e.Args, string(answersJSON), len(e.Answers), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store answers: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Len() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM answers`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// CountByQuery returns how many entries each query name has.
func (s *SQLiteStore) CountByQuery() (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT query, COUNT(*) FROM answers GROUP BY query`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var q string
		var n int
		if err := rows.Scan(&q, &n); err != nil {
			return nil, err
		}
		out[q] = n
	}
	return out, rows.Err()
}
