package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotInitialized is returned by reads on a nil *Store.
	ErrNotInitialized = errors.New("store not initialized")
	// ErrNotFound is returned when a run id is unknown.
	ErrNotFound = errors.New("run not found")
)

// Run statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Store wraps SQLite-backed persistence for export runs. All methods accept a
// nil receiver so callers can run without history.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers from the pipeline workers.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS export_runs (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            pattern TEXT NOT NULL,
            output_path TEXT NOT NULL,
            body TEXT NOT NULL,
            dataset TEXT NOT NULL,
            policy TEXT NOT NULL,
            request_json TEXT,
            files_matched INTEGER DEFAULT 0,
            lines_written INTEGER DEFAULT 0,
            files_failed INTEGER DEFAULT 0,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_records (
            run_id TEXT NOT NULL,
            seq INTEGER NOT NULL,
            file_path TEXT NOT NULL,
            timestamp TEXT,
            tx REAL,
            ty REAL,
            error_message TEXT,
            PRIMARY KEY (run_id, seq)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_export_runs_created_at ON export_runs(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_run_records_file_path ON run_records(file_path);`,
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

// RunRecord captures persisted run info.
type RunRecord struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	Pattern      string     `json:"pattern"`
	OutputPath   string     `json:"output"`
	Body         string     `json:"body"`
	Dataset      string     `json:"dataset"`
	Policy       string     `json:"policy"`
	RequestJSON  string     `json:"-"`
	FilesMatched int        `json:"files_matched"`
	LinesWritten int        `json:"lines_written"`
	FilesFailed  int        `json:"files_failed"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// LineRecord is the outcome for one input file of a run.
type LineRecord struct {
	RunID     string  `json:"run_id"`
	Seq       int     `json:"seq"`
	Path      string  `json:"path"`
	Timestamp string  `json:"timestamp,omitempty"`
	Tx        float64 `json:"tx"`
	Ty        float64 `json:"ty"`
	Error     string  `json:"error,omitempty"`
}

// RunCounts summarizes a finished run.
type RunCounts struct {
	Matched int
	Written int
	Failed  int
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	status := rec.Status
	if status == "" {
		status = StatusQueued
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO export_runs (id, status, pattern, output_path, body, dataset, policy, request_json) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, status, rec.Pattern, rec.OutputPath, rec.Body, rec.Dataset, rec.Policy, rec.RequestJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE export_runs SET status=?, started_at=CURRENT_TIMESTAMP WHERE id=?;`, StatusRunning, id)
	return err
}

// RecordRunResult finalizes a run with status and counts.
func (s *Store) RecordRunResult(id string, status string, counts RunCounts, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE export_runs SET status=?, completed_at=CURRENT_TIMESTAMP, files_matched=?, lines_written=?, files_failed=?, error_message=? WHERE id=?;`,
		status, counts.Matched, counts.Written, counts.Failed, errMsg, id)
	return err
}

// RecordLine stores the outcome for one input file.
func (s *Store) RecordLine(rec LineRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO run_records (run_id, seq, file_path, timestamp, tx, ty, error_message) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.Seq, rec.Path, rec.Timestamp, rec.Tx, rec.Ty, rec.Error)
	return err
}

const runColumns = `id, status, pattern, output_path, body, dataset, policy, request_json, files_matched, lines_written, files_failed, created_at, started_at, completed_at, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var created time.Time
	var started, completed sql.NullTime
	var requestJSON, errorMsg sql.NullString
	if err := row.Scan(&rec.ID, &rec.Status, &rec.Pattern, &rec.OutputPath, &rec.Body, &rec.Dataset, &rec.Policy, &requestJSON,
		&rec.FilesMatched, &rec.LinesWritten, &rec.FilesFailed, &created, &started, &completed, &errorMsg); err != nil {
		return rec, err
	}
	rec.CreatedAt = created
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	rec.RequestJSON = requestJSON.String
	rec.Error = errorMsg.String
	return rec, nil
}

// RecentRuns returns the latest runs up to limit, newest first.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM export_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches one run by id.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, ErrNotInitialized
	}
	rec, err := scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM export_runs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// RunLines returns the per-file outcomes of a run in input order.
func (s *Store) RunLines(id string) ([]LineRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT run_id, seq, file_path, timestamp, tx, ty, error_message FROM run_records WHERE run_id=? ORDER BY seq;`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []LineRecord
	for rows.Next() {
		var rec LineRecord
		var ts, errMsg sql.NullString
		var tx, ty sql.NullFloat64
		if err := rows.Scan(&rec.RunID, &rec.Seq, &rec.Path, &ts, &tx, &ty, &errMsg); err != nil {
			return nil, err
		}
		rec.Timestamp, rec.Tx, rec.Ty, rec.Error = ts.String, tx.Float64, ty.Float64, errMsg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
