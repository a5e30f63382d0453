package calllog

import (
	"time"
)

// Record is one call-log entry as reported by the telephony provider.
type Record struct {
	ID              string
	SessionID       string
	StartTime       time.Time
	DurationSeconds int
	From            string
	FromName        string
	To              string
	ToName          string
	Extension       string
	ExtensionName   string
	Direction       string
	Action          string
	Result          string
	Recording       *RecordingRef
}

// RecordingRef locates a call's recorded media. The content URI may expire;
// RefreshContentURI issues a fresh one.
type RecordingRef struct {
	ID         string
	ContentURI string
}

// HasRecording reports whether the call produced a recording.
func (r *Record) HasRecording() bool {
	return r.Recording != nil && r.Recording.ID != ""
}

// DateRange bounds a call-log query.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Day returns the range covering a full calendar day in the given location.
func Day(date time.Time, loc *time.Location) DateRange {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)
	return DateRange{From: start, To: start.Add(24 * time.Hour)}
}

// wire-format structs for the provider's REST responses

type callLogResponse struct {
	Records    []callLogRecord `json:"records"`
	Navigation struct {
		NextPage *struct {
			URI string `json:"uri"`
		} `json:"nextPage"`
	} `json:"navigation"`
	Paging struct {
		Page       int `json:"page"`
		TotalPages int `json:"totalPages"`
	} `json:"paging"`
}

type callLogRecord struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	StartTime string `json:"startTime"`
	Duration  int    `json:"duration"`
	Direction string `json:"direction"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	From      struct {
		PhoneNumber string `json:"phoneNumber"`
		Name        string `json:"name"`
	} `json:"from"`
	To struct {
		PhoneNumber string `json:"phoneNumber"`
		Name        string `json:"name"`
	} `json:"to"`
	Extension struct {
		ExtensionNumber string `json:"extensionNumber"`
		Name            string `json:"name"`
	} `json:"extension"`
	Recording *struct {
		ID         string `json:"id"`
		ContentURI string `json:"contentUri"`
	} `json:"recording"`
}

func (w callLogRecord) toRecord() Record {
	rec := Record{
		ID:              w.ID,
		SessionID:       w.SessionID,
		DurationSeconds: w.Duration,
		From:            w.From.PhoneNumber,
		FromName:        w.From.Name,
		To:              w.To.PhoneNumber,
		ToName:          w.To.Name,
		Extension:       w.Extension.ExtensionNumber,
		ExtensionName:   w.Extension.Name,
		Direction:       w.Direction,
		Action:          w.Action,
		Result:          w.Result,
	}
	if t, err := time.Parse(time.RFC3339, w.StartTime); err == nil {
		rec.StartTime = t
	}
	if w.Recording != nil && w.Recording.ID != "" {
		rec.Recording = &RecordingRef{
			ID:         w.Recording.ID,
			ContentURI: w.Recording.ContentURI,
		}
	}
	return rec
}
