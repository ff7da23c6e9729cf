// Package voice adapts audio requests onto the orchestrator: speech-to-text
// via the external voice service, the normal request pipeline, and
// text-to-speech for the reply.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Transcription is the voice service's STT result.
type Transcription struct {
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	ProcessingTime float64 `json:"processing_time"`
}

// Engine is the STT/TTS surface the adapter runs against. Implemented by
// [Client] for the external service and by [MockEngine] for development.
type Engine interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (*Transcription, error)
	Synthesize(ctx context.Context, text, voiceID, language string) (audioID string, err error)
	FetchAudio(ctx context.Context, audioID string, out io.Writer) error
}

var _ Engine = (*Client)(nil)

// Client talks to the external voice microservice.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Transcribe posts the audio as multipart to /voice/stt.
func (c *Client) Transcribe(ctx context.Context, audio io.Reader, filename string) (*Transcription, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		return nil, fmt.Errorf("voice: build multipart: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return nil, fmt.Errorf("voice: copy audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("voice: finish multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/voice/stt", &body)
	if err != nil {
		return nil, fmt.Errorf("voice: build stt request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voice: stt call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("voice: stt returned status %d", resp.StatusCode)
	}

	var tr Transcription
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("voice: decode stt response: %w", err)
	}
	return &tr, nil
}

// Synthesize posts text to /voice/tts and returns the generated audio id.
func (c *Client) Synthesize(ctx context.Context, text, voiceID, language string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"text":     text,
		"voice_id": voiceID,
		"language": language,
	})
	if err != nil {
		return "", fmt.Errorf("voice: encode tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/voice/tts", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("voice: build tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("voice: tts call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("voice: tts returned status %d", resp.StatusCode)
	}

	var out struct {
		AudioID string `json:"audio_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("voice: decode tts response: %w", err)
	}
	if out.AudioID == "" {
		return "", fmt.Errorf("voice: tts response missing audio_id")
	}
	return out.AudioID, nil
}

// FetchAudio downloads a generated audio file from /voice/audio/{id}.
func (c *Client) FetchAudio(ctx context.Context, audioID string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/voice/audio/"+audioID, nil)
	if err != nil {
		return fmt.Errorf("voice: build audio request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("voice: audio download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("voice: audio download returned status %d", resp.StatusCode)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("voice: write audio: %w", err)
	}
	return nil
}
