package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"callscribe/pkg/logger"
)

// Import logger functions
var (
	String = logger.String
	Error  = logger.Error
)

// JobRecord is the persisted state of one recording's job. Rows survive
// across runs so a re-run of the same date skips work already done.
type JobRecord struct {
	RecordingID     string    `json:"recording_id"`
	SessionID       string    `json:"session_id"`
	StartTime       time.Time `json:"start_time"`
	DurationSeconds int       `json:"duration_seconds"`
	FromNumber      string    `json:"from_number"`
	ToNumber        string    `json:"to_number"`
	Direction       string    `json:"direction"`
	State           string    `json:"state"`
	Attempts        int       `json:"attempts"`
	AudioPath       string    `json:"audio_path,omitempty"`
	Transcript      string    `json:"transcript,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// JobStore handles persistence of per-recording job state
type JobStore struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewJobStore opens (or creates) the SQLite database at dbPath
func NewJobStore(dbPath string, log *logger.Logger) (*JobStore, error) {
	storeLogger := log.Named("sqlite")

	storeLogger.Info("Initializing SQLite job store",
		logger.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool limits
	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	// Set pragmas for better performance and concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA cache_size=10000"); err != nil {
		return nil, fmt.Errorf("failed to set cache size: %w", err)
	}

	store := &JobStore{
		db:     db,
		logger: storeLogger,
	}

	if err := store.initDB(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the database connection
func (s *JobStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// initDB initializes the database tables
func (s *JobStore) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			recording_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			start_time TIMESTAMP NOT NULL,
			duration_seconds INTEGER NOT NULL,
			from_number TEXT,
			to_number TEXT,
			direction TEXT,
			state TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			audio_path TEXT,
			transcript TEXT,
			error_kind TEXT,
			error_message TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create jobs table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`)
	if err != nil {
		return fmt.Errorf("failed to create state index: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_start_time ON jobs(start_time)`)
	if err != nil {
		return fmt.Errorf("failed to create start_time index: %w", err)
	}

	return nil
}

// UpsertPending registers a recording for processing. An existing row keeps
// its state so completed work from a previous run is not redone; only the
// call metadata is refreshed.
func (s *JobStore) UpsertPending(rec *JobRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO jobs
		(recording_id, session_id, start_time, duration_seconds, from_number, to_number, direction, state, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(recording_id) DO UPDATE SET
			session_id = excluded.session_id,
			start_time = excluded.start_time,
			duration_seconds = excluded.duration_seconds,
			from_number = excluded.from_number,
			to_number = excluded.to_number,
			direction = excluded.direction,
			updated_at = CURRENT_TIMESTAMP`,
		rec.RecordingID,
		rec.SessionID,
		rec.StartTime.Format(time.RFC3339),
		rec.DurationSeconds,
		rec.FromNumber,
		rec.ToNumber,
		rec.Direction,
		rec.State,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}
	return nil
}

// UpdateState moves a job to a new state and records the attempt count
func (s *JobStore) UpdateState(recordingID, state string, attempts int) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET state = ?, attempts = ?, updated_at = CURRENT_TIMESTAMP WHERE recording_id = ?`,
		state, attempts, recordingID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}
	return nil
}

// SetAudioPath records where the downloaded audio lives on disk
func (s *JobStore) SetAudioPath(recordingID, audioPath string) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET audio_path = ?, updated_at = CURRENT_TIMESTAMP WHERE recording_id = ?`,
		audioPath, recordingID,
	)
	if err != nil {
		return fmt.Errorf("failed to set audio path: %w", err)
	}
	return nil
}

// SetTranscript stores the finished transcript and marks the job done
func (s *JobStore) SetTranscript(recordingID, state, transcript string) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET state = ?, transcript = ?, error_kind = NULL, error_message = NULL, updated_at = CURRENT_TIMESTAMP WHERE recording_id = ?`,
		state, transcript, recordingID,
	)
	if err != nil {
		return fmt.Errorf("failed to set transcript: %w", err)
	}
	return nil
}

// SetFailure records the terminal failure of a job
func (s *JobStore) SetFailure(recordingID, state, errorKind, errorMessage string) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET state = ?, error_kind = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE recording_id = ?`,
		state, errorKind, errorMessage, recordingID,
	)
	if err != nil {
		return fmt.Errorf("failed to set failure: %w", err)
	}
	return nil
}

// GetJob returns one job by recording ID, or nil if none exists
func (s *JobStore) GetJob(recordingID string) (*JobRecord, error) {
	row := s.db.QueryRow(
		`SELECT recording_id, session_id, start_time, duration_seconds, from_number, to_number, direction,
			state, attempts, audio_path, transcript, error_kind, error_message, updated_at
		FROM jobs WHERE recording_id = ?`,
		recordingID,
	)
	rec, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return rec, nil
}

// GetJobsByTimeRange returns all jobs whose call started within the range,
// ordered by start time
func (s *JobStore) GetJobsByTimeRange(from, to time.Time) ([]*JobRecord, error) {
	rows, err := s.db.Query(
		`SELECT recording_id, session_id, start_time, duration_seconds, from_number, to_number, direction,
			state, attempts, audio_path, transcript, error_kind, error_message, updated_at
		FROM jobs
		WHERE start_time BETWEEN ? AND ?
		ORDER BY start_time ASC`,
		from.Format(time.RFC3339), to.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs by time range: %w", err)
	}
	defer rows.Close()

	var records []*JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByState returns how many jobs sit in each state
func (s *JobStore) CountByState() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan state count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*JobRecord, error) {
	var rec JobRecord
	var startTime, updatedAt string
	var fromNumber, toNumber, direction sql.NullString
	var audioPath, transcript, errorKind, errorMessage sql.NullString

	if err := row.Scan(
		&rec.RecordingID,
		&rec.SessionID,
		&startTime,
		&rec.DurationSeconds,
		&fromNumber,
		&toNumber,
		&direction,
		&rec.State,
		&rec.Attempts,
		&audioPath,
		&transcript,
		&errorKind,
		&errorMessage,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	rec.StartTime, err = time.Parse(time.RFC3339, startTime)
	if err != nil {
		return nil, fmt.Errorf("failed to parse start_time: %w", err)
	}
	// updated_at comes from CURRENT_TIMESTAMP which SQLite formats without a zone
	if t, err := time.Parse("2006-01-02 15:04:05", updatedAt); err == nil {
		rec.UpdatedAt = t
	} else if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		rec.UpdatedAt = t
	}

	rec.FromNumber = fromNumber.String
	rec.ToNumber = toNumber.String
	rec.Direction = direction.String
	rec.AudioPath = audioPath.String
	rec.Transcript = transcript.String
	rec.ErrorKind = errorKind.String
	rec.ErrorMessage = errorMessage.String

	return &rec, nil
}
