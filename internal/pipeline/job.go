package pipeline

import (
	"callscribe/internal/calllog"
	"callscribe/internal/retry"
)

// State is a job's position in the download/transcribe lifecycle.
type State string

const (
	StatePending      State = "pending"
	StateDownloading  State = "downloading"
	StateDownloaded   State = "downloaded"
	StateTranscribing State = "transcribing"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// Job tracks one recording through the pipeline. Retryable failures move
// the job back to the last stable state; terminal failures land in
// StateFailed with the classified kind.
type Job struct {
	Record calllog.Record

	State              State
	DownloadAttempts   int
	TranscribeAttempts int

	// AudioPath is where the downloaded recording lives on disk. Audio
	// holds the bytes only between download and transcription.
	AudioPath string
	Audio     []byte

	Transcript string
	FailKind   retry.Kind
	FailErr    error
}

func newJob(rec calllog.Record) *Job {
	return &Job{
		Record: rec,
		State:  StatePending,
	}
}

// RecordingID returns the provider's recording identifier.
func (j *Job) RecordingID() string {
	if j.Record.Recording == nil {
		return ""
	}
	return j.Record.Recording.ID
}

// fail marks the job terminally failed.
func (j *Job) fail(kind retry.Kind, err error) {
	j.State = StateFailed
	j.FailKind = kind
	j.FailErr = err
	j.Audio = nil
}

// complete marks the job done and releases the audio buffer.
func (j *Job) complete(transcript string) {
	j.State = StateDone
	j.Transcript = transcript
	j.Audio = nil
}
