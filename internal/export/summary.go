package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"callscribe/internal/credentials"
)

// Summary is the end-of-run report written alongside the transcripts.
type Summary struct {
	RunID           string              `json:"run_id"`
	TargetDate      string              `json:"target_date"`
	StartedAt       time.Time           `json:"started_at"`
	FinishedAt      time.Time           `json:"finished_at"`
	ElapsedSeconds  float64             `json:"elapsed_seconds"`
	DeadlineReached bool                `json:"deadline_reached"`
	Interrupted     bool                `json:"interrupted"`
	TotalCalls      int                 `json:"total_calls"`
	WithRecording   int                 `json:"with_recording"`
	SkippedShort    int                 `json:"skipped_short"`
	Transcribed     int                 `json:"transcribed"`
	Failed          int                 `json:"failed"`
	ErrorsByKind    map[string]int      `json:"errors_by_kind,omitempty"`
	TokenRefreshes  int                 `json:"token_refreshes"`
	Credentials     []credentials.Usage `json:"credentials"`
}

// WriteSummary writes the run summary JSON next to the other exports.
func (w *Writer) WriteSummary(s Summary, baseName string) (string, error) {
	path := filepath.Join(w.dir, baseName+"_summary.json")

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create summary file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return "", fmt.Errorf("failed to encode summary: %w", err)
	}
	return path, nil
}
