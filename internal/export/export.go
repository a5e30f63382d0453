package export

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"callscribe/pkg/logger"
)

// Row is one transcribed call as it appears in every output format.
type Row struct {
	RecordingID     string    `json:"recording_id"`
	SessionID       string    `json:"session_id"`
	StartTime       time.Time `json:"start_time"`
	DurationSeconds int       `json:"duration_seconds"`
	From            string    `json:"from"`
	FromName        string    `json:"from_name,omitempty"`
	To              string    `json:"to"`
	ToName          string    `json:"to_name,omitempty"`
	Extension       string    `json:"extension,omitempty"`
	Direction       string    `json:"direction"`
	CallResult      string    `json:"call_result,omitempty"`
	Transcript      string    `json:"transcription"`
}

// Writer renders completed rows into the configured output formats.
type Writer struct {
	dir    string
	logger *logger.Logger
}

// NewWriter creates an export writer rooted at dir, creating it if needed.
func NewWriter(dir string, log *logger.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	return &Writer{
		dir:    dir,
		logger: log.Named("export"),
	}, nil
}

// Dir returns the export root directory.
func (w *Writer) Dir() string { return w.dir }

// sortRows orders rows by call start time, then recording ID for stable
// output when two calls share a timestamp.
func sortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].StartTime.Equal(rows[j].StartTime) {
			return rows[i].RecordingID < rows[j].RecordingID
		}
		return rows[i].StartTime.Before(rows[j].StartTime)
	})
}

// WriteAll renders rows into each requested format. Formats is a list of
// "csv", "json", "xlsx". Partial results are flushed the same way on
// interrupt, so a failure on one format does not abort the others.
func (w *Writer) WriteAll(rows []Row, baseName string, formats []string) error {
	sortRows(rows)

	var firstErr error
	for _, format := range formats {
		path := filepath.Join(w.dir, baseName+"."+format)
		var err error
		switch format {
		case "csv":
			err = w.writeCSV(rows, path)
		case "json":
			err = w.writeJSON(rows, path)
		case "xlsx":
			err = w.writeXLSX(rows, path)
		default:
			err = fmt.Errorf("unknown export format %q", format)
		}
		if err != nil {
			w.logger.Error("Export failed",
				logger.String("format", format),
				logger.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		w.logger.Info("Wrote export",
			logger.String("path", path),
			logger.Int("rows", len(rows)))
	}
	return firstErr
}

// WriteTranscript writes one recording's transcript as a standalone text
// file named by recording ID.
func (w *Writer) WriteTranscript(recordingID, transcript string) error {
	dir := filepath.Join(w.dir, "transcripts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create transcripts directory: %w", err)
	}
	path := filepath.Join(dir, recordingID+".txt")
	if err := os.WriteFile(path, []byte(transcript), 0o644); err != nil {
		return fmt.Errorf("failed to write transcript %s: %w", recordingID, err)
	}
	return nil
}
