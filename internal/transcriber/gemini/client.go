package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"callscribe/internal/retry"
	"callscribe/internal/transcriber"
	"callscribe/pkg/logger"
)

// DefaultModel is the Gemini model requested when config leaves it unset.
const DefaultModel = "gemini-2.0-flash"

const transcribePrompt = "Transcribe this phone call recording verbatim. " +
	"Return only the spoken words, with no commentary or speaker labels."

// Client transcribes audio through the Gemini API by attaching the
// recording bytes to a generate-content request.
type Client struct {
	client *genai.Client
	model  string
	logger *logger.Logger
}

// NewClient creates a Gemini client bound to one API key.
func NewClient(ctx context.Context, apiKey, model string, log *logger.Logger) (*Client, error) {
	if model == "" {
		model = DefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Client{
		client: client,
		model:  model,
		logger: log.Named("gemini"),
	}, nil
}

// Transcribe submits the audio and returns the transcript text.
func (c *Client) Transcribe(ctx context.Context, req transcriber.Request) (string, error) {
	prompt := transcribePrompt
	if req.Language != "" {
		prompt += " The call is in language: " + req.Language + "."
	}

	parts := []*genai.Part{
		genai.NewPartFromText(prompt),
		genai.NewPartFromBytes(req.Audio, req.MIMEType),
	}
	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, nil)
	if err != nil {
		return "", classify(err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", retry.Errorf(retry.KindPermanent, "empty transcript in Gemini response")
	}

	c.logger.Debug("Transcription completed",
		logger.Int("audio_bytes", len(req.Audio)),
		logger.Int("transcript_chars", len(text)))

	return text, nil
}

// classify maps SDK errors onto the pipeline failure taxonomy.
func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return retry.NewError(retry.ClassifyStatus(apiErr.Code), fmt.Errorf("transcription request failed: %w", err))
	}
	return retry.NewError(retry.KindOf(err), fmt.Errorf("transcription request failed: %w", err))
}
