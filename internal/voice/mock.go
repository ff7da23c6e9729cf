package voice

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

var _ Engine = (*MockEngine)(nil)

// MockEngine is the in-process STT/TTS stand-in used in development when no
// voice service is configured. Transcriptions are canned and synthesized
// audio is a silent WAV.
type MockEngine struct {
	mu    sync.Mutex
	texts map[string]string
}

// NewMockEngine creates an empty MockEngine.
func NewMockEngine() *MockEngine {
	return &MockEngine{texts: make(map[string]string)}
}

// Transcribe returns a canned transcription without reading the audio.
func (m *MockEngine) Transcribe(_ context.Context, audio io.Reader, _ string) (*Transcription, error) {
	// Drain so callers can treat the reader as consumed.
	_, _ = io.Copy(io.Discard, audio)
	return &Transcription{
		Text:           "what is the system status",
		Confidence:     0.95,
		ProcessingTime: 0.01,
	}, nil
}

// Synthesize records the text under a fresh audio id.
func (m *MockEngine) Synthesize(_ context.Context, text, _, _ string) (string, error) {
	id := uuid.NewString()
	m.mu.Lock()
	m.texts[id] = text
	m.mu.Unlock()
	return id, nil
}

// FetchAudio writes a minimal silent WAV for a previously synthesized id.
func (m *MockEngine) FetchAudio(_ context.Context, audioID string, out io.Writer) error {
	m.mu.Lock()
	_, ok := m.texts[audioID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("voice: unknown audio id %s", audioID)
	}
	return writeSilentWAV(out, 16000, 100)
}

// writeSilentWAV emits a valid 16-bit mono PCM WAV of n samples of silence.
func writeSilentWAV(out io.Writer, sampleRate, samples int) error {
	dataLen := samples * 2
	header := make([]byte, 0, 44)
	header = append(header, []byte("RIFF")...)
	header = binary.LittleEndian.AppendUint32(header, uint32(36+dataLen))
	header = append(header, []byte("WAVEfmt ")...)
	header = binary.LittleEndian.AppendUint32(header, 16)
	header = binary.LittleEndian.AppendUint16(header, 1) // PCM
	header = binary.LittleEndian.AppendUint16(header, 1) // mono
	header = binary.LittleEndian.AppendUint32(header, uint32(sampleRate))
	header = binary.LittleEndian.AppendUint32(header, uint32(sampleRate*2))
	header = binary.LittleEndian.AppendUint16(header, 2)
	header = binary.LittleEndian.AppendUint16(header, 16)
	header = append(header, []byte("data")...)
	header = binary.LittleEndian.AppendUint32(header, uint32(dataLen))

	if _, err := out.Write(header); err != nil {
		return fmt.Errorf("voice: write wav header: %w", err)
	}
	if _, err := out.Write(make([]byte, dataLen)); err != nil {
		return fmt.Errorf("voice: write wav data: %w", err)
	}
	return nil
}
