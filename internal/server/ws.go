package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/coder/websocket"

	"github.com/hivemind-ai/hivemind/internal/orchestrator"
	"github.com/hivemind-ai/hivemind/internal/ratelimit"
	"github.com/hivemind-ai/hivemind/internal/voice"
)

// wsFrame is one client frame on either socket. Chat frames carry message;
// voice frames carry base64 audio. A frame with type "interrupt" cancels the
// in-flight request.
type wsFrame struct {
	Type           string `json:"type,omitempty"`
	Message        string `json:"message,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	AudioData      string `json:"audio_data,omitempty"`
	Format         string `json:"format,omitempty"`
}

// wsError is the error frame sent to the client.
type wsError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// errConnCap signals a rejected upgrade; the 429 is already written.
var errConnCap = errors.New("server: connection cap reached")

// acceptSocket upgrades the connection, enforcing the per-IP cap. The
// returned release func must be called when the connection ends; a nil conn
// means the response has already been written.
func (s *Server) acceptSocket(w http.ResponseWriter, r *http.Request) (*websocket.Conn, func(), error) {
	ip := ratelimit.ClientIP(r)
	if s.conns != nil && !s.conns.Acquire(ip) {
		writeError(w, http.StatusTooManyRequests, "too many connections")
		return nil, nil, errConnCap
	}
	release := func() {
		if s.conns != nil {
			s.conns.Release(ip)
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.CORSAllowedOrigins,
	})
	if err != nil {
		release()
		return nil, nil, err
	}
	if s.metrics != nil {
		s.metrics.ActiveWebSockets.Add(r.Context(), 1)
	}
	return conn, func() {
		if s.metrics != nil {
			s.metrics.ActiveWebSockets.Add(context.Background(), -1)
		}
		release()
	}, nil
}

// writeFrame marshals v and writes it as one text frame.
func writeFrame(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// readLoop feeds client frames into a channel until the connection drops.
// The channel is closed on read error so consumers observe disconnects.
func readLoop(ctx context.Context, conn *websocket.Conn, frames chan<- wsFrame) {
	defer close(frames)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f wsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		select {
		case frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

// handleChatSocket streams orchestrator events over /ws/chat. One request
// runs at a time per connection; an interrupt frame cancels it and the
// terminal cancelled event is still delivered.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	conn, release, err := s.acceptSocket(w, r)
	if err != nil {
		return
	}
	defer release()
	defer conn.CloseNow()

	ctx := r.Context()
	log := slog.With("remote", ratelimit.ClientIP(r), "socket", "chat")
	log.Info("chat socket opened")

	frames := make(chan wsFrame)
	go readLoop(ctx, conn, frames)

	for f := range frames {
		if f.Type == "interrupt" {
			continue // nothing in flight
		}
		if f.Message == "" || utf8.RuneCountInString(f.Message) > maxChatMessageChars {
			if err := writeFrame(ctx, conn, wsError{Type: "error", Error: "invalid message"}); err != nil {
				return
			}
			continue
		}
		if !s.streamChatRequest(ctx, conn, frames, f, log) {
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "client disconnected")
}

// streamChatRequest runs one request and forwards its events, watching for an
// interrupt frame concurrently. Returns false when the connection is gone.
func (s *Server) streamChatRequest(ctx context.Context, conn *websocket.Conn, frames <-chan wsFrame, f wsFrame, log *slog.Logger) bool {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan orchestrator.Event, 64)
	go func() {
		defer close(events)
		s.orch.ProcessRequestStream(reqCtx, f.Message, f.ConversationID, func(ev orchestrator.Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return true
			}
			if err := writeFrame(ctx, conn, ev); err != nil {
				cancel()
				return false
			}
		case f2, ok := <-frames:
			if !ok {
				cancel()
				// Drain so the pipeline goroutine can finish.
				for range events {
				}
				return false
			}
			if f2.Type == "interrupt" {
				log.Info("chat request interrupted")
				cancel()
			}
		}
	}
}

// handleVoiceSocket streams the voice pipeline over /ws/voice. Client frames
// carry base64 audio; response audio is returned inline, base64-encoded, in
// the voice_request_complete data.
func (s *Server) handleVoiceSocket(w http.ResponseWriter, r *http.Request) {
	conn, release, err := s.acceptSocket(w, r)
	if err != nil {
		return
	}
	defer release()
	defer conn.CloseNow()

	ctx := r.Context()
	log := slog.With("remote", ratelimit.ClientIP(r), "socket", "voice")
	log.Info("voice socket opened")

	frames := make(chan wsFrame)
	go readLoop(ctx, conn, frames)

	for f := range frames {
		if f.Type == "interrupt" {
			continue
		}
		if f.Type != "voice_input" || f.AudioData == "" {
			if err := writeFrame(ctx, conn, wsError{Type: "error", Error: "expected voice_input frame"}); err != nil {
				return
			}
			continue
		}
		audio, err := base64.StdEncoding.DecodeString(f.AudioData)
		if err != nil {
			if err := writeFrame(ctx, conn, wsError{Type: "error", Error: "invalid base64 audio"}); err != nil {
				return
			}
			continue
		}
		if !s.streamVoiceRequest(ctx, conn, frames, audio, f, log) {
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "client disconnected")
}

// streamVoiceRequest runs one voice request and forwards its events. Returns
// false when the connection is gone.
func (s *Server) streamVoiceRequest(ctx context.Context, conn *websocket.Conn, frames <-chan wsFrame, audio []byte, f wsFrame, log *slog.Logger) bool {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	format := f.Format
	if format == "" {
		format = "wav"
	}

	events := make(chan voice.Event, 64)
	var audioOut bytes.Buffer
	done := make(chan *voice.Result, 1)
	go func() {
		defer close(events)
		res := s.voice.ProcessVoiceRequest(reqCtx, bytes.NewReader(audio), "stream."+format, &audioOut, "", f.ConversationID, func(ev voice.Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
		done <- res
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				res := <-done
				if res.Success {
					res.Metadata["audio_base64"] = base64.StdEncoding.EncodeToString(audioOut.Bytes())
				}
				if err := writeFrame(ctx, conn, map[string]any{"type": "result", "result": res}); err != nil {
					return false
				}
				return true
			}
			if err := writeFrame(ctx, conn, ev); err != nil {
				cancel()
				return false
			}
		case f2, ok := <-frames:
			if !ok {
				cancel()
				for range events {
				}
				return false
			}
			if f2.Type == "interrupt" {
				log.Info("voice request interrupted")
				cancel()
			}
		}
	}
}
