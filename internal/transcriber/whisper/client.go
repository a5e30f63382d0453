package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"callscribe/internal/retry"
	"callscribe/internal/transcriber"
	"callscribe/pkg/logger"
)

// DefaultModel is the Whisper model requested when config leaves it unset.
const DefaultModel = "whisper-large-v3"

// Client transcribes audio through an OpenAI-compatible audio endpoint.
// The base URL override lets the same client speak to compatible hosts
// that enforce per-key RPM quotas.
type Client struct {
	client openai.Client
	model  string
	logger *logger.Logger
}

// NewClient creates a Whisper client bound to one API key.
func NewClient(apiKey, baseURL, model string, timeoutSeconds int, log *logger.Logger) *Client {
	if model == "" {
		model = DefaultModel
	}
	timeout := time.Duration(timeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(timeout),
		// The scheduler owns retry and credential rotation; the SDK must
		// not retry underneath it or the rate accounting drifts.
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &Client{
		client: openai.NewClient(opts...),
		model:  model,
		logger: log.Named("whisper"),
	}
}

// Transcribe submits the audio and returns the transcript text.
func (c *Client) Transcribe(ctx context.Context, req transcriber.Request) (string, error) {
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(req.Audio), "recording.mp3", req.MIMEType),
		Model: openai.AudioModel(c.model),
	}
	if req.Language != "" {
		params.Language = openai.String(req.Language)
	}

	result, err := c.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}

	c.logger.Debug("Transcription completed",
		logger.Int("audio_bytes", len(req.Audio)),
		logger.Int("transcript_chars", len(result.Text)))

	return result.Text, nil
}

// classify maps SDK errors onto the pipeline failure taxonomy.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return retry.NewError(retry.ClassifyStatus(apiErr.StatusCode), fmt.Errorf("transcription request failed: %w", err))
	}
	return retry.NewError(retry.KindOf(err), fmt.Errorf("transcription request failed: %w", err))
}
