// Package whisper implements the buffered recognizer variant: audio is
// accumulated while the caller speaks and shipped as one WAV transcription
// request when the energy VAD reports enough trailing silence. It plugs into
// the same adapter interface as the streaming recognizers.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/adapters/stt"
	"github.com/PsiTechC/Convis-1-sub000/pkg/audio"
	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/PsiTechC/Convis-1-sub000/pkg/logging"
)

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Language   string
	SampleRate int
	StreamID   string
	CallSID    string
	TraceID    string

	// EnergyThreshold is the RMS level that counts as speech.
	EnergyThreshold float64
	// SilenceMs of trailing quiet ends the utterance.
	SilenceMs int
	// MinSpeechMs below which a flushed buffer is discarded as noise.
	MinSpeechMs int
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "whisper-1"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.SilenceMs == 0 {
		c.SilenceMs = 700
	}
	if c.MinSpeechMs == 0 {
		c.MinSpeechMs = 500
	}
	return c
}

type BufferedSTT struct {
	cfg    Config
	vad    *energyVAD
	out    chan frames.Frame
	client *http.Client
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	buf          []byte
	preRoll      []byte
	speaking     bool
	interrupted  bool
	speechMs     float64
	silenceMs    float64
	transcribing sync.WaitGroup
}

func New(cfg Config) *BufferedSTT {
	cfg = cfg.withDefaults()
	return &BufferedSTT{
		cfg:    cfg,
		vad:    newEnergyVAD(cfg.EnergyThreshold),
		out:    make(chan frames.Frame, 256),
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logging.NewComponentLogger(slog.Default(), "whisper_stt"),
	}
}

func (s *BufferedSTT) Name() string { return "whisper" }

func (s *BufferedSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return nil
}

func (s *BufferedSTT) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.transcribing.Wait()
	return nil
}

func (s *BufferedSTT) Results() <-chan frames.Frame { return s.out }

const preRollMs = 240

func (s *BufferedSTT) SendAudio(frame frames.AudioFrame) error {
	pcm := frame.RawPayload()
	if len(pcm) < 2 {
		return nil
	}
	chunkMs := float64(len(pcm)/2) / float64(s.cfg.SampleRate) * 1000

	s.mu.Lock()
	speech := s.vad.isSpeech(pcm)
	switch {
	case speech && !s.speaking:
		s.speaking = true
		s.speechMs = chunkMs
		s.silenceMs = 0
		s.buf = append(s.buf[:0], s.preRoll...)
		s.buf = append(s.buf, pcm...)
		if !s.interrupted {
			s.interrupted = true
			s.emit(frames.NewControlFrame(s.cfg.StreamID, frame.PTS(), frames.ControlStartInterruption, s.meta("speech_started")))
		}
	case speech:
		s.speechMs += chunkMs
		s.silenceMs = 0
		s.buf = append(s.buf, pcm...)
	case s.speaking:
		s.silenceMs += chunkMs
		s.buf = append(s.buf, pcm...)
		if s.silenceMs >= float64(s.cfg.SilenceMs) {
			s.endUtteranceLocked("endpoint")
		}
	default:
		s.appendPreRollLocked(pcm)
	}
	s.mu.Unlock()
	return nil
}

// FlushUtterance forces transcription of whatever is buffered, used when the
// transport signals end of call before the endpointing silence elapses. It
// reports whether a transcription was actually started, so the caller knows
// to wait for the result.
func (s *BufferedSTT) FlushUtterance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.speaking {
		return false
	}
	return s.endUtteranceLocked("forced_flush")
}

func (s *BufferedSTT) endUtteranceLocked(reason string) bool {
	utterance := append([]byte(nil), s.buf...)
	speechMs := s.speechMs
	s.buf = s.buf[:0]
	s.preRoll = s.preRoll[:0]
	s.speaking = false
	s.interrupted = false
	s.speechMs = 0
	s.silenceMs = 0

	if speechMs < float64(s.cfg.MinSpeechMs) {
		s.logger.Debug("utterance_discarded_as_noise",
			slog.String("stream_id", s.cfg.StreamID),
			slog.Float64("speech_ms", speechMs))
		return false
	}
	s.transcribing.Add(1)
	go s.transcribe(utterance, reason)
	return true
}

func (s *BufferedSTT) transcribe(pcm []byte, reason string) {
	defer s.transcribing.Done()
	text, err := s.postTranscription(pcm)
	if err != nil {
		// Recognition failure suppresses this utterance; it never ends the call.
		s.logger.Error("transcription_failed",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("error", err.Error()))
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	meta := s.meta(reason)
	meta[frames.MetaIsFinal] = "true"
	now := time.Now().UnixNano()
	s.emit(frames.NewTextFrame(s.cfg.StreamID, now, text, meta))
	s.emit(frames.NewControlFrame(s.cfg.StreamID, now, frames.ControlFlush, s.meta(reason)))
}

func (s *BufferedSTT) postTranscription(pcm []byte) (string, error) {
	wav := audio.WrapPCMInWAV(pcm, s.cfg.SampleRate)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(wav); err != nil {
		return "", err
	}
	_ = mw.WriteField("model", s.cfg.Model)
	if s.cfg.Language != "" {
		_ = mw.WriteField("language", s.cfg.Language)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("transcription status %d: %s", resp.StatusCode, string(b))
	}
	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	return parsed.Text, nil
}

func (s *BufferedSTT) appendPreRollLocked(pcm []byte) {
	max := s.cfg.SampleRate * 2 * preRollMs / 1000
	s.preRoll = append(s.preRoll, pcm...)
	if len(s.preRoll) > max {
		s.preRoll = s.preRoll[len(s.preRoll)-max:]
	}
}

func (s *BufferedSTT) meta(reason string) map[string]string {
	meta := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaSource:   "stt",
		frames.MetaReason:   reason,
	}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}
	return meta
}

func (s *BufferedSTT) emit(f frames.Frame) {
	select {
	case s.out <- f:
	default:
		s.logger.Warn("whisper_out_channel_full",
			slog.String("stream_id", s.cfg.StreamID))
	}
}

var _ stt.StreamingSTT = (*BufferedSTT)(nil)
