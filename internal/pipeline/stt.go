// Package pipeline streams caller audio to speech-to-text and turns final
// transcripts into spoken responses.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tetrixcorps/voicecore/internal/metrics"
)

// Transcriber produces a final transcript from buffered call audio.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// DeepgramClient sends buffered audio to a Deepgram-compatible batch
// transcription endpoint.
type DeepgramClient struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

// NewDeepgramClient creates a transcription client. The http.Client timeout is
// a hard upper bound; per-request deadlines come from the caller's context.
func NewDeepgramClient(url, apiKey string) *DeepgramClient {
	return &DeepgramClient{
		url:    url,
		apiKey: apiKey,
		model:  "nova-2",
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe posts the audio and returns the top transcript alternative.
func (c *DeepgramClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	start := time.Now()

	url := fmt.Sprintf("%s/listen?model=%s&punctuate=true&smart_format=true", c.url, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("create transcription request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("stt").Inc()
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("stt").Inc()
		return "", fmt.Errorf("transcription status %d: %s", resp.StatusCode, respBody)
	}

	var result deepgramResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode transcription response: %w", err)
	}

	metrics.StageDuration.WithLabelValues("stt").Observe(time.Since(start).Seconds())

	if len(result.Results.Channels) == 0 || len(result.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return result.Results.Channels[0].Alternatives[0].Transcript, nil
}
