// Package transcribe talks to the speech-to-text collaborator service.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fandrade/parlatrack/config"
	"github.com/fandrade/parlatrack/internal/pipeline"
	"github.com/fandrade/parlatrack/models"
)

// Client submits a session recording URL for transcription and returns
// timestamped segments.
type Client struct {
	baseURL       string
	apiKey        string
	language      string
	minConfidence float64
	httpClient    *http.Client
}

// New builds a Client from transcriber config.
func New(cfg config.TranscriberConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, &pipeline.ConfigurationError{Reason: "transcriber base url not configured"}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Client{
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		language:      cfg.Language,
		minConfidence: cfg.MinConfidence,
		httpClient:    &http.Client{Timeout: timeout},
	}, nil
}

type transcribeRequest struct {
	MediaURL string `json:"media_url"`
	Language string `json:"language,omitempty"`
}

type transcribeResponse struct {
	Segments []models.TranscriptSegment `json:"segments"`
}

// Transcribe submits the recording at mediaURL and returns its transcript.
// Low-confidence segments are kept so downstream consumers can weigh them;
// a transcript with no usable text at all is a permanent failure because
// retrying the same recording cannot improve it.
func (c *Client) Transcribe(ctx context.Context, mediaURL string) ([]models.TranscriptSegment, error) {
	if strings.TrimSpace(mediaURL) == "" {
		return nil, pipeline.Permanent("transcribe", fmt.Errorf("session has no recording url"))
	}

	payload, err := json.Marshal(transcribeRequest{MediaURL: mediaURL, Language: c.language})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transcriptions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pipeline.Transient("transcribe", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("transcriber returned %s: %s", resp.Status, string(detail))
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, &pipeline.ConfigurationError{Reason: err.Error()}
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, pipeline.Transient("transcribe", err)
		default:
			return nil, pipeline.Permanent("transcribe", err)
		}
	}

	var out transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, pipeline.Transient("transcribe", fmt.Errorf("parse response: %w", err))
	}

	if !hasUsableText(out.Segments, c.minConfidence) {
		return nil, pipeline.Permanent("transcribe", fmt.Errorf("transcript for %s contains no usable text", mediaURL))
	}
	return out.Segments, nil
}

// hasUsableText reports whether at least one segment carries non-empty text
// at or above the confidence floor. Segments below the floor are still
// returned to the caller; they only do not count toward usability.
func hasUsableText(segments []models.TranscriptSegment, minConfidence float64) bool {
	for _, seg := range segments {
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}
		if seg.Confidence >= minConfidence {
			return true
		}
	}
	return false
}
