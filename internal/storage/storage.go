package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"meshtrack/internal/mesh"
)

// ErrNotFound reports a missing identity mesh or session record.
var ErrNotFound = errors.New("storage: not found")

// Store wraps SQLite-backed persistence for jobs, identity meshes and
// per-frame results.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the pure Go driver.
func New(path string) (*Store, error) {
	return Open("sqlite", path)
}

// Open opens the database at path with driver "sqlite" (pure Go) or
// "sqlite3" (cgo) and ensures the schema.
func Open(driver, path string) (*Store, error) {
	switch driver {
	case "":
		driver = "sqlite"
	case "sqlite", "sqlite3":
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
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
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS identity_meshes (
            subject TEXT PRIMARY KEY,
            mesh_json BLOB NOT NULL,
            report_json TEXT,
            vertex_count INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS frame_results (
            session_id TEXT NOT NULL,
            frame INTEGER NOT NULL,
            valid BOOLEAN NOT NULL,
            failed BOOLEAN NOT NULL,
            low_confidence BOOLEAN NOT NULL,
            output_json TEXT NOT NULL,
            diagnostics_json TEXT NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (session_id, frame)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_frame_results_failed ON frame_results(session_id, failed);`,
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

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// FrameRecord is one stored frame result. Output and Diagnostics hold the
// JSON encodings of the rig output and the frame diagnostics.
type FrameRecord struct {
	SessionID     string
	Frame         int
	Valid         bool
	Failed        bool
	LowConfidence bool
	Output        json.RawMessage
	Diagnostics   json.RawMessage
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var input, output, opts, errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &output, &opts, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		rec.InputPath, rec.OutputPath, rec.OptionsJSON = input.String, output.String, opts.String
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

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s has no result", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// SaveIdentity stores subject's identity mesh, replacing any earlier one.
// report is stored as JSON alongside it.
func (s *Store) SaveIdentity(subject string, m *mesh.Mesh, report any) error {
	if s == nil {
		return nil
	}
	data, err := mesh.Encode(m)
	if err != nil {
		return err
	}
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO identity_meshes (subject, mesh_json, report_json, vertex_count, created_at) VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);`,
		subject, data, string(reportJSON), m.VertexCount())
	return err
}

// LoadIdentity returns subject's identity mesh.
func (s *Store) LoadIdentity(subject string) (*mesh.Mesh, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var data []byte
	err := s.DB.QueryRow(`SELECT mesh_json FROM identity_meshes WHERE subject=?;`, subject).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no identity mesh for subject %q", ErrNotFound, subject)
	}
	if err != nil {
		return nil, err
	}
	return mesh.Decode(data)
}

// Subjects lists subjects with a stored identity mesh.
func (s *Store) Subjects() ([]string, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT subject FROM identity_meshes ORDER BY subject;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var subj string
		if err := rows.Scan(&subj); err != nil {
			return nil, err
		}
		out = append(out, subj)
	}
	return out, rows.Err()
}

// RecordFrame stores one frame result. Re-running a session overwrites
// its frames.
func (s *Store) RecordFrame(rec FrameRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO frame_results (session_id, frame, valid, failed, low_confidence, output_json, diagnostics_json) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.SessionID, rec.Frame, rec.Valid, rec.Failed, rec.LowConfidence, string(rec.Output), string(rec.Diagnostics))
	return err
}

// Frames returns up to limit frame results of a session with index at
// least from, in frame order.
func (s *Store) Frames(sessionID string, from, limit int) ([]FrameRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT session_id, frame, valid, failed, low_confidence, output_json, diagnostics_json FROM frame_results WHERE session_id=? AND frame>=? ORDER BY frame LIMIT ?;`,
		sessionID, from, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []FrameRecord
	for rows.Next() {
		var rec FrameRecord
		var out, diag string
		if err := rows.Scan(&rec.SessionID, &rec.Frame, &rec.Valid, &rec.Failed, &rec.LowConfidence, &out, &diag); err != nil {
			return nil, err
		}
		rec.Output = json.RawMessage(out)
		rec.Diagnostics = json.RawMessage(diag)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
