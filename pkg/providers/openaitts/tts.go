// Package openaitts implements the one-shot synthesizer variant: text for the
// whole turn is accumulated and synthesized with a single speech request, then
// the WAV response is unwrapped, resampled to telephony rate and mu-law
// encoded before it leaves as ordered audio frames.
package openaitts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/adapters/tts"
	"github.com/PsiTechC/Convis-1-sub000/pkg/audio"
	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/PsiTechC/Convis-1-sub000/pkg/logging"
	"github.com/PsiTechC/Convis-1-sub000/pkg/resilience"
)

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Voice      string
	StreamID   string
	CallSID    string
	SampleRate int
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "tts-1"
	}
	if c.Voice == "" {
		c.Voice = "alloy"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 8000
	}
	return c
}

type OneShotTTS struct {
	cfg    Config
	out    chan frames.Frame
	client *http.Client
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending strings.Builder
	synth   sync.WaitGroup
}

func New(cfg Config) *OneShotTTS {
	return &OneShotTTS{
		cfg:    cfg.withDefaults(),
		out:    make(chan frames.Frame, 256),
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logging.NewComponentLogger(slog.Default(), "openai_tts"),
	}
}

func (s *OneShotTTS) Name() string { return "openai_tts" }

func (s *OneShotTTS) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" {
		return fmt.Errorf("missing openai tts api key")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return nil
}

func (s *OneShotTTS) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.synth.Wait()
	return nil
}

func (s *OneShotTTS) SendText(text string) error {
	return s.SendTextWithOptions(text, false)
}

// SendTextWithOptions accumulates text; flush synthesizes the accumulated
// turn in one request.
func (s *OneShotTTS) SendTextWithOptions(text string, flush bool) error {
	s.mu.Lock()
	if t := strings.TrimSpace(text); t != "" {
		if s.pending.Len() > 0 {
			s.pending.WriteByte(' ')
		}
		s.pending.WriteString(t)
	}
	var turn string
	if flush {
		turn = s.pending.String()
		s.pending.Reset()
	}
	s.mu.Unlock()

	if flush && strings.TrimSpace(turn) != "" {
		s.synth.Add(1)
		go s.synthesize(turn)
	}
	return nil
}

// Flush discards the accumulated turn and any audio not yet consumed. Called
// on interruption.
func (s *OneShotTTS) Flush() {
	s.mu.Lock()
	s.pending.Reset()
	s.mu.Unlock()
drainLoop:
	for {
		select {
		case <-s.out:
		default:
			break drainLoop
		}
	}
}

func (s *OneShotTTS) Results() <-chan frames.Frame { return s.out }

// Telephony frame size: 20 ms of 8 kHz mu-law.
const wireChunkBytes = 160

func (s *OneShotTTS) synthesize(text string) {
	defer s.synth.Done()
	wav, err := s.postSpeech(text)
	if err != nil {
		s.logger.Error("synthesis_failed",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("error", err.Error()))
		return
	}
	pcm, rate, err := audio.ExtractPCMFromWAV(wav)
	if err != nil {
		s.logger.Error("synthesis_bad_wav",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("error", err.Error()))
		return
	}
	pcm, err = audio.Resample(pcm, rate, s.cfg.SampleRate)
	if err != nil {
		s.logger.Error("synthesis_resample_failed",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("error", err.Error()))
		return
	}
	wire, err := audio.Linear16ToMuLaw(pcm)
	if err != nil {
		s.logger.Error("synthesis_encode_failed",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("error", err.Error()))
		return
	}

	meta := map[string]string{
		frames.MetaStreamID:   s.cfg.StreamID,
		frames.MetaCallSID:    s.cfg.CallSID,
		frames.MetaSource:     "tts",
		frames.MetaEncoding:   frames.EncodingMuLaw,
		frames.MetaSampleRate: "8000",
	}
	for off := 0; off < len(wire); off += wireChunkBytes {
		end := off + wireChunkBytes
		if end > len(wire) {
			end = len(wire)
		}
		f := frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), wire[off:end], s.cfg.SampleRate, 1, meta)
		select {
		case s.out <- f:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *OneShotTTS) postSpeech(text string) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"model":           s.cfg.Model,
		"voice":           s.cfg.Voice,
		"input":           text,
		"response_format": "wav",
	})
	if err != nil {
		return nil, err
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, resilience.RateLimitError{Provider: "openai_tts", Message: resp.Status}
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("speech status %d: %s", resp.StatusCode, string(b))
	}
	return io.ReadAll(resp.Body)
}

var _ tts.StreamingTTS = (*OneShotTTS)(nil)
