package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// maxVoiceUploadBytes caps the multipart audio upload.
const maxVoiceUploadBytes = 25 << 20

// audioExtensions are the accepted upload formats.
var audioExtensions = map[string]bool{
	".wav": true,
	".mp3": true,
	".m4a": true,
	".ogg": true,
}

// voiceChatResponse is the POST /api/voice/chat reply. AudioURL points at the
// generated response audio, served by handleVoiceAudio.
type voiceChatResponse struct {
	Success        bool           `json:"success"`
	RequestID      string         `json:"request_id"`
	Transcription  string         `json:"transcription,omitempty"`
	ResponseText   string         `json:"response_text,omitempty"`
	AudioURL       string         `json:"audio_url,omitempty"`
	ProcessingTime float64        `json:"processing_time"`
	Error          string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// handleVoiceChat runs the STT → orchestrator → TTS pipeline over a multipart
// upload and writes the response audio to the audio directory.
func (s *Server) handleVoiceChat(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxVoiceUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !audioExtensions[ext] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported audio format %q", ext))
		return
	}

	if err := os.MkdirAll(s.audioDir, 0o755); err != nil {
		slog.Error("audio dir unavailable", "dir", s.audioDir, "err", err)
		writeError(w, http.StatusInternalServerError, "audio storage unavailable")
		return
	}
	outName := uuid.NewString() + ".wav"
	out, err := os.Create(filepath.Join(s.audioDir, outName))
	if err != nil {
		slog.Error("audio file create failed", "err", err)
		writeError(w, http.StatusInternalServerError, "audio storage unavailable")
		return
	}
	defer out.Close()

	res := s.voice.ProcessVoiceRequest(r.Context(), file, header.Filename, out,
		r.FormValue("user_id"), r.FormValue("conversation_id"), nil)

	resp := voiceChatResponse{
		Success:        res.Success,
		RequestID:      res.RequestID,
		Transcription:  res.Transcription,
		ResponseText:   res.ResponseText,
		ProcessingTime: res.ProcessingTime,
		Error:          res.Error,
		Metadata:       res.Metadata,
	}
	if res.Success {
		resp.AudioURL = "/api/voice/audio/" + outName
	} else {
		os.Remove(filepath.Join(s.audioDir, outName))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleVoiceAudio serves a previously generated response audio file. The
// filename is restricted to the flat audio directory.
func (s *Server) handleVoiceAudio(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		writeError(w, http.StatusBadRequest, "invalid filename")
		return
	}

	path := filepath.Join(s.audioDir, name)
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "audio not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "audio not found")
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeContent(w, r, name, info.ModTime(), f)
}
