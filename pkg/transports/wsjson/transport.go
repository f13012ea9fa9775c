// Package wsjson serves a plain JSON WebSocket framing for callers that are
// not behind a telephony vendor: {"type":"start"|"audio"|"stop"} envelopes
// with base64 linear PCM payloads. The protocol has no mark channel, so marks
// sent by the pipeline are acknowledged locally in send order.
package wsjson

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Config struct {
	ServerAddr    string `mapstructure:"server_addr"`
	WebsocketPath string `mapstructure:"ws_path"`
	SampleRate    int    `mapstructure:"sample_rate"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8081"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/stream"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	return c
}

type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame

	mu          sync.Mutex
	sessions    map[string]*session
	pendingSend map[string]frames.AudioFrame

	draining atomic.Bool
}

func New(cfg Config) *Transport {
	return &Transport{
		cfg: cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		recvCh:      make(chan frames.Frame, 512),
		sessions:    make(map[string]*session),
		pendingSend: make(map[string]frames.AudioFrame),
	}
}

func (t *Transport) Name() string { return "wsjson" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"ws_path": t.cfg.WebsocketPath,
		"addr":    t.cfg.ServerAddr,
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("wsjson_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, sess := range t.sessions {
		_ = sess.close()
	}
	t.sessions = make(map[string]*session)
	t.mu.Unlock()
	close(t.recvCh)
	return nil
}

// Envelope is the wire message in both directions.
type Envelope struct {
	Type string  `json:"type"`
	Data payload `json:"data,omitempty"`
}

type payload struct {
	StreamID   string `json:"stream_id,omitempty"`
	CallSID    string `json:"call_sid,omitempty"`
	From       string `json:"from,omitempty"`
	AudioB64   string `json:"audio_b64,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var streamID string
	var rate int
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			continue
		}
		switch env.Type {
		case "start":
			streamID = env.Data.StreamID
			if streamID == "" {
				streamID = uuid.NewString()
			}
			// This framing has no call-SID concept; sessions upstream are
			// keyed on the call SID, so default it to the stream id.
			callSID := env.Data.CallSID
			if callSID == "" {
				callSID = streamID
			}
			rate = env.Data.SampleRate
			if rate == 0 {
				rate = t.cfg.SampleRate
			}
			traceID := uuid.NewString()
			t.attach(streamID, callSID, traceID, env.Data.From, rate, conn)
			meta := map[string]string{
				frames.MetaStreamID:   streamID,
				frames.MetaCallSID:    callSID,
				frames.MetaTraceID:    traceID,
				frames.MetaFromNumber: env.Data.From,
				frames.MetaSource:     "transport",
			}
			nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_start", meta))
			t.flushPending(streamID)
		case "audio":
			if streamID == "" || env.Data.AudioB64 == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(env.Data.AudioB64)
			if err != nil {
				continue
			}
			meta := t.metaForStream(streamID)
			meta[frames.MetaEncoding] = frames.EncodingPCM16
			nonBlockingSend(t.recvCh, frames.NewAudioFrame(streamID, time.Now().UnixNano(), pcm, rate, 1, meta))
		case "stop":
			if streamID == "" {
				return
			}
			flushMeta := t.metaForStream(streamID)
			flushMeta[frames.MetaReason] = "call_end"
			nonBlockingSend(t.recvCh, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFlush, flushMeta))
			meta := t.metaForStream(streamID)
			meta[frames.MetaCallEndReason] = "completed"
			nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
			t.detach(streamID)
			return
		}
	}
	if streamID != "" {
		meta := t.metaForStream(streamID)
		meta[frames.MetaCallEndReason] = "failed"
		nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
		t.detach(streamID)
	}
}

func (t *Transport) Send(f frames.Frame) error {
	if f.Kind() == frames.KindControl {
		cf := f.(frames.ControlFrame)
		meta := cf.Meta()
		streamID := meta[frames.MetaStreamID]
		switch cf.Code() {
		case frames.ControlClear:
			// Nothing buffered on the far side to clear; just drop any held
			// frame of ours.
			t.mu.Lock()
			delete(t.pendingSend, streamID)
			t.mu.Unlock()
			return nil
		case frames.ControlMark:
			// No mark channel in this framing: acknowledge locally so the
			// playback tracker still sees acks in send order.
			ack := frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlMarkAck, meta)
			nonBlockingSend(t.recvCh, ack)
			return nil
		default:
			return nil
		}
	}
	if f.Kind() != frames.KindAudio {
		return nil
	}
	af := f.(frames.AudioFrame)
	streamID := af.Meta()[frames.MetaStreamID]
	sess := t.session(streamID)
	if sess == nil {
		t.mu.Lock()
		t.pendingSend[streamID] = af
		t.mu.Unlock()
		return nil
	}
	return sess.enqueueAudio(af.RawPayload(), af.Rate())
}

func (t *Transport) attach(streamID, callSID, traceID, from string, rate int, conn *websocket.Conn) {
	sess := &session{
		conn:    conn,
		sendCh:  make(chan []byte, 256),
		callSID: callSID,
		traceID: traceID,
		from:    from,
		rate:    rate,
	}
	t.mu.Lock()
	old := t.sessions[streamID]
	t.sessions[streamID] = sess
	t.mu.Unlock()
	if old != nil {
		_ = old.close()
	}
	go sess.loop()
}

func (t *Transport) detach(streamID string) {
	t.mu.Lock()
	sess := t.sessions[streamID]
	delete(t.sessions, streamID)
	delete(t.pendingSend, streamID)
	t.mu.Unlock()
	if sess != nil {
		_ = sess.close()
	}
}

func (t *Transport) session(streamID string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[streamID]
}

func (t *Transport) metaForStream(streamID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := map[string]string{frames.MetaStreamID: streamID}
	if sess := t.sessions[streamID]; sess != nil {
		if sess.callSID != "" {
			meta[frames.MetaCallSID] = sess.callSID
		}
		if sess.traceID != "" {
			meta[frames.MetaTraceID] = sess.traceID
		}
		if sess.from != "" {
			meta[frames.MetaFromNumber] = sess.from
		}
	}
	return meta
}

func (t *Transport) flushPending(streamID string) {
	t.mu.Lock()
	af, ok := t.pendingSend[streamID]
	if ok {
		delete(t.pendingSend, streamID)
	}
	sess := t.sessions[streamID]
	t.mu.Unlock()
	if ok && sess != nil {
		_ = sess.enqueueAudio(af.RawPayload(), af.Rate())
	}
}

type session struct {
	conn    *websocket.Conn
	sendCh  chan []byte
	callSID string
	traceID string
	from    string
	rate    int
	closed  atomic.Bool
}

func (s *session) enqueueAudio(pcm []byte, rate int) error {
	env := Envelope{
		Type: "audio",
		Data: payload{
			AudioB64:   base64.StdEncoding.EncodeToString(pcm),
			SampleRate: rate,
		},
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case s.sendCh <- b:
	default:
	}
	return nil
}

func (s *session) loop() {
	for msg := range s.sendCh {
		_ = s.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (s *session) close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.sendCh)
	}
	return s.conn.Close()
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}
