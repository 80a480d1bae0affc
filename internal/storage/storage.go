package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for identification runs. Every
// method is a no-op on a nil store, so history is strictly optional.
// Calibration values are never written here; only run outcomes are.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS identify_runs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_outcomes (
            run_id TEXT,
            method TEXT,
            constellation TEXT,
            star_count INTEGER,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_identify_runs_created ON identify_runs(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_run_outcomes_run_id ON run_outcomes(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_run_outcomes_constellation ON run_outcomes(constellation);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures persisted run info. Method, Constellation and
// StarCount come from the latest outcome row, when one exists.
type RunRecord struct {
	ID            string
	JobType       string
	Status        string
	InputPath     string
	OutputPath    string
	OptionsJSON   string
	Error         string
	Method        string
	Constellation string
	StarCount     int
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO identify_runs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE identify_runs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordRunResult finalizes a run with status and outcome meta. The
// method, constellation and star count keys are promoted to columns so
// history queries stay cheap; everything else rides in meta_json.
func (s *Store) RecordRunResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE identify_runs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO run_outcomes (run_id, method, constellation, star_count, meta_json) VALUES (?, ?, ?, ?, ?);`,
		id, metaString(meta, "method"), metaString(meta, "constellation"), metaInt(meta, "stars"), string(metaJSON))
	return err
}

// RecentRuns returns the latest runs up to limit, newest first.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT r.id, r.job_type, r.status, r.input_path, r.output_path, r.options_json,
            r.created_at, r.started_at, r.completed_at, r.error_message,
            COALESCE(o.method, ''), COALESCE(o.constellation, ''), COALESCE(o.star_count, 0)
        FROM identify_runs r
        LEFT JOIN run_outcomes o ON o.rowid = (
            SELECT rowid FROM run_outcomes WHERE run_id = r.id ORDER BY rowid DESC LIMIT 1
        )
        ORDER BY r.created_at DESC, r.rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON,
			&created, &started, &completed, &errorMsg,
			&rec.Method, &rec.Constellation, &rec.StarCount); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunMeta fetches the last outcome meta blob for a run.
func (s *Store) RunMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM run_outcomes WHERE run_id=? ORDER BY rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RunCount returns the total number of recorded runs.
func (s *Store) RunCount() (int, error) {
	if s == nil {
		return 0, nil
	}
	var n int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM identify_runs;`).Scan(&n)
	return n, err
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	v, _ := meta[key].(string)
	return v
}

func metaInt(meta map[string]any, key string) int {
	if meta == nil {
		return 0
	}
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
