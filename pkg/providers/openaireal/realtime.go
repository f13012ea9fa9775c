// Package openaireal bridges the OpenAI realtime API into the recognizer
// adapter slot. The realtime session is full duplex: caller audio goes up as
// input_audio_buffer.append, and the same socket returns transcripts, reply
// audio and server VAD events. Reply audio frames ride the Results channel and
// pass through the downstream stages untouched until they reach the transport.
package openaireal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/adapters/stt"
	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/PsiTechC/Convis-1-sub000/pkg/logging"
	"github.com/gorilla/websocket"
)

// The realtime backend rejects session temperatures below this.
const minTemperature = 0.6

type Config struct {
	APIKey       string
	Model        string
	Voice        string
	Instructions string
	Temperature  float64
	BaseURL      string
	StreamID     string
	CallSID      string
	TraceID      string
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "gpt-4o-realtime-preview"
	}
	if c.Voice == "" {
		c.Voice = "alloy"
	}
	if c.BaseURL == "" {
		c.BaseURL = "wss://api.openai.com/v1/realtime"
	}
	if c.Temperature < minTemperature {
		c.Temperature = minTemperature
	}
	return c
}

type DuplexSTT struct {
	cfg    Config
	conn   *websocket.Conn
	out    chan frames.Frame
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu    sync.Mutex
	responding bool
	respMu     sync.Mutex
}

func New(cfg Config) *DuplexSTT {
	return &DuplexSTT{
		cfg:    cfg.withDefaults(),
		out:    make(chan frames.Frame, 256),
		logger: logging.NewComponentLogger(slog.Default(), "openai_realtime"),
	}
}

func (s *DuplexSTT) Name() string { return "openai_realtime" }

func (s *DuplexSTT) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" {
		return fmt.Errorf("missing openai realtime api key")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	url := s.cfg.BaseURL + "?model=" + s.cfg.Model
	header := http.Header{
		"Authorization": []string{"Bearer " + s.cfg.APIKey},
		"OpenAI-Beta":   []string{"realtime=v1"},
	}
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, _, err := dialer.DialContext(s.ctx, url, header)
	if err != nil {
		return err
	}
	s.conn = conn

	if err := s.sendSessionUpdate(); err != nil {
		_ = conn.Close()
		return err
	}
	go s.readLoop()

	s.logger.Info("realtime_session_started",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("model", s.cfg.Model))
	return nil
}

func (s *DuplexSTT) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *DuplexSTT) Results() <-chan frames.Frame { return s.out }

// SendAudio uploads telephony mu-law audio as-is; the session is configured
// for g711_ulaw in both directions.
func (s *DuplexSTT) SendAudio(frame frames.AudioFrame) error {
	if s.conn == nil {
		return fmt.Errorf("not started")
	}
	return s.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(frame.RawPayload()),
	})
}

func (s *DuplexSTT) sendSessionUpdate() error {
	return s.writeJSON(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":          []string{"text", "audio"},
			"voice":               s.cfg.Voice,
			"instructions":        s.cfg.Instructions,
			"temperature":         s.cfg.Temperature,
			"input_audio_format":  "g711_ulaw",
			"output_audio_format": "g711_ulaw",
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
			"turn_detection": map[string]any{
				"type": "server_vad",
			},
		},
	})
}

type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s *DuplexSTT) readLoop() {
	for {
		if s.ctx.Err() != nil {
			return
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error("realtime_read_error",
					slog.String("stream_id", s.cfg.StreamID),
					slog.String("error", err.Error()))
			}
			return
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		s.handleEvent(ev)
	}
}

func (s *DuplexSTT) handleEvent(ev serverEvent) {
	now := time.Now().UnixNano()
	switch ev.Type {
	case "response.audio.delta":
		raw, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil || len(raw) == 0 {
			return
		}
		s.setResponding(true)
		meta := s.meta()
		meta[frames.MetaEncoding] = frames.EncodingMuLaw
		meta[frames.MetaSampleRate] = "8000"
		s.emit(frames.NewAudioFrame(s.cfg.StreamID, now, raw, 8000, 1, meta))
	case "input_audio_buffer.speech_started":
		// Server VAD caught the caller talking. Cancel any reply in flight
		// and let the pipeline clear queued playback.
		if s.isResponding() {
			_ = s.writeJSON(map[string]any{"type": "response.cancel"})
			s.setResponding(false)
		}
		meta := s.meta()
		meta[frames.MetaReason] = "speech_started"
		s.emit(frames.NewControlFrame(s.cfg.StreamID, now, frames.ControlStartInterruption, meta))
	case "conversation.item.input_audio_transcription.completed":
		if ev.Transcript == "" {
			return
		}
		meta := s.meta()
		meta[frames.MetaIsFinal] = "true"
		meta[frames.MetaRole] = "user"
		s.emit(frames.NewTextFrame(s.cfg.StreamID, now, ev.Transcript, meta))
	case "response.audio_transcript.done":
		if ev.Transcript == "" {
			return
		}
		meta := s.meta()
		meta[frames.MetaIsFinal] = "true"
		meta[frames.MetaRole] = "assistant"
		s.emit(frames.NewTextFrame(s.cfg.StreamID, now, ev.Transcript, meta))
	case "response.done":
		s.setResponding(false)
	case "error":
		msg := ""
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		s.logger.Error("realtime_server_error",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("error", msg))
	}
}

func (s *DuplexSTT) writeJSON(payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *DuplexSTT) setResponding(v bool) {
	s.respMu.Lock()
	s.responding = v
	s.respMu.Unlock()
}

func (s *DuplexSTT) isResponding() bool {
	s.respMu.Lock()
	defer s.respMu.Unlock()
	return s.responding
}

func (s *DuplexSTT) meta() map[string]string {
	meta := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaSource:   "stt",
	}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}
	return meta
}

func (s *DuplexSTT) emit(f frames.Frame) {
	select {
	case s.out <- f:
	default:
		s.logger.Warn("realtime_out_channel_full",
			slog.String("stream_id", s.cfg.StreamID))
	}
}

var _ stt.StreamingSTT = (*DuplexSTT)(nil)
