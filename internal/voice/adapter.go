package voice

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hivemind-ai/hivemind/internal/config"
	"github.com/hivemind-ai/hivemind/internal/observe"
	"github.com/hivemind-ai/hivemind/internal/orchestrator"
)

// Event types emitted by the streaming variant, interleaved with the
// orchestrator's own events.
const (
	EventRequestStart      = "voice_request_start"
	EventSTTStart          = "stt_start"
	EventSTTComplete       = "stt_complete"
	EventOrchestratorEvent = "orchestrator_event"
	EventTTSStart          = "tts_start"
	EventTTSComplete       = "tts_complete"
	EventRequestComplete   = "voice_request_complete"
	EventError             = "error"
)

// Event is one streaming frame from the voice pipeline.
type Event struct {
	Type      string              `json:"type"`
	Data      map[string]any      `json:"data,omitempty"`
	Inner     *orchestrator.Event `json:"event,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// Sink receives voice pipeline events.
type Sink func(Event)

// Result is the outcome of one voice request. Stage latencies land in
// Metadata; ProcessingTime is the wall-clock total.
type Result struct {
	Success        bool           `json:"success"`
	RequestID      string         `json:"request_id"`
	Transcription  string         `json:"transcription,omitempty"`
	ResponseText   string         `json:"response_text,omitempty"`
	ProcessingTime float64        `json:"processing_time"`
	Error          string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Failure codes carried in [Result.Error].
const (
	FailSTT       = "stt_failed"
	FailTTS       = "tts_failed"
	FailPipeline  = "orchestrator_failed"
	FailCancelled = "cancelled"
)

// Adapter runs the STT → orchestrator → TTS pipeline.
type Adapter struct {
	engine  Engine
	orch    *orchestrator.Orchestrator
	cfg     config.VoiceConfig
	metrics *observe.Metrics
	now     func() time.Time
}

// NewAdapter creates an Adapter over the given engine and orchestrator.
func NewAdapter(engine Engine, orch *orchestrator.Orchestrator, cfg config.VoiceConfig) *Adapter {
	return &Adapter{engine: engine, orch: orch, cfg: cfg, metrics: observe.DefaultMetrics(), now: time.Now}
}

// ProcessVoiceRequest runs the full pipeline, writing response audio to
// audioOut. sink may be nil for non-streaming callers. Cancelling ctx
// aborts the current stage and reports a cancelled result.
func (a *Adapter) ProcessVoiceRequest(ctx context.Context, audioIn io.Reader, filename string, audioOut io.Writer, userID, conversationID string, sink Sink) *Result {
	start := a.now()
	requestID := uuid.NewString()
	res := &Result{RequestID: requestID, Metadata: map[string]any{}}
	log := slog.With("request_id", requestID, "user_id", userID)

	emit := func(kind string, data map[string]any) {
		if sink != nil {
			sink(Event{Type: kind, Data: data, Timestamp: a.now()})
		}
	}
	finish := func() *Result {
		res.ProcessingTime = a.now().Sub(start).Seconds()
		return res
	}
	failStage := func(code string, err error) *Result {
		if ctx.Err() != nil {
			code = FailCancelled
		}
		res.Error = code
		log.Warn("voice request failed", "code", code, "err", err)
		emit(EventError, map[string]any{"error": code})
		return finish()
	}

	emit(EventRequestStart, map[string]any{"request_id": requestID})
	log.Info("voice request started")

	// Stage 1: speech to text.
	emit(EventSTTStart, nil)
	sttStart := a.now()
	tr, err := a.engine.Transcribe(ctx, audioIn, filename)
	if err != nil {
		return failStage(FailSTT, err)
	}
	if tr.Text == "" {
		return failStage(FailSTT, nil)
	}
	res.Transcription = tr.Text
	a.metrics.STTDuration.Record(ctx, a.now().Sub(sttStart).Seconds())
	res.Metadata["stt_seconds"] = a.now().Sub(sttStart).Seconds()
	res.Metadata["stt_confidence"] = tr.Confidence
	log.Info("transcription complete", "chars", len(tr.Text), "confidence", tr.Confidence)
	emit(EventSTTComplete, map[string]any{"text": tr.Text, "confidence": tr.Confidence})

	// Stage 2: the normal pipeline.
	orchStart := a.now()
	state := a.orch.ProcessRequestStream(ctx, tr.Text, conversationID, func(ev orchestrator.Event) {
		if sink != nil {
			sink(Event{Type: EventOrchestratorEvent, Inner: &ev, Timestamp: a.now()})
		}
	})
	res.Metadata["orchestrator_seconds"] = a.now().Sub(orchStart).Seconds()
	res.Metadata["intent"] = string(state.Intent)
	res.Metadata["path_taken"] = state.PathTaken
	if state.Phase != orchestrator.PhaseComplete {
		code := FailPipeline
		if state.Error == "cancelled" {
			code = FailCancelled
		}
		return failStage(code, nil)
	}
	res.ResponseText = state.FinalResponse
	log.Info("orchestration complete", "intent", state.Intent, "path", state.PathTaken)

	// Stage 3: text to speech.
	emit(EventTTSStart, nil)
	ttsStart := a.now()
	audioID, err := a.engine.Synthesize(ctx, state.FinalResponse, a.cfg.VoiceID, a.cfg.Language)
	if err != nil {
		return failStage(FailTTS, err)
	}
	if err := a.engine.FetchAudio(ctx, audioID, audioOut); err != nil {
		return failStage(FailTTS, err)
	}
	a.metrics.TTSDuration.Record(ctx, a.now().Sub(ttsStart).Seconds())
	res.Metadata["tts_seconds"] = a.now().Sub(ttsStart).Seconds()
	log.Info("synthesis complete", "audio_id", audioID)
	emit(EventTTSComplete, map[string]any{"audio_id": audioID})

	res.Success = true
	emit(EventRequestComplete, map[string]any{"request_id": requestID})
	return finish()
}
