package transcriber

import (
	"context"
)

// DefaultMaxFileBytes is the provider-documented audio size ceiling.
// Callers must pre-check and flag oversized files instead of submitting.
const DefaultMaxFileBytes = 25 * 1024 * 1024

// Request carries one recording's audio to a provider.
type Request struct {
	// Audio is the raw recording content.
	Audio []byte

	// MIMEType describes the audio encoding (e.g. "audio/mpeg").
	MIMEType string

	// Language is an optional hint (e.g. "en").
	Language string
}

// Transcriber converts audio bytes to text. Failures carry a retry.Kind
// classification so the scheduler can decide between retry, credential
// rotation, and permanent failure.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (string, error)
}
