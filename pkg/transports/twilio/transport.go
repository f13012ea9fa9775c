// Package twilio bridges Twilio Media Streams into the frame pipeline.
// One WebSocket per call carries start/media/dtmf/mark/stop events with
// base64 mu-law audio; webhooks answer TwiML and validate signatures.
package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/errorsx"
	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/PsiTechC/Convis-1-sub000/pkg/transports"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	TTSWebhookPath     string   `mapstructure:"tts_webhook_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.TTSWebhookPath == "" {
		c.TTSWebhookPath = "/tts/webhook"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	// No origin config at all means a server-to-server deploy where
	// Twilio sends no Origin header worth checking.
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// streamState is everything the transport tracks for one media stream:
// the socket session, the identifiers Twilio stamped on it, and at most
// one outbound audio frame held back until the start event arrives.
type streamState struct {
	sess    *session
	callSID string
	traceID string
	from    string
	pending frames.AudioFrame
	held    bool
}

type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame

	updateClient callUpdater

	mu          sync.Mutex
	streams     map[string]*streamState
	callStreams map[string]string

	draining atomic.Bool
}

// callUpdater is the slice of the Twilio REST client SendDTMF needs,
// stubbed in tests.
type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		recvCh:      make(chan frames.Frame, 512),
		streams:     make(map[string]*streamState),
		callStreams: make(map[string]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.externalURL("https", t.cfg.VoicePath),
		"status_callback_url": t.externalURL("https", t.cfg.StatusCallbackPath),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.TTSWebhookPath, t.handleTTSWebhook)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
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
			slog.Error("twilio_transport_server_error", "error", err.Error())
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
	for _, st := range t.streams {
		if st.sess != nil {
			_ = st.sess.close()
		}
	}
	t.streams = make(map[string]*streamState)
	t.mu.Unlock()
	close(t.recvCh)
	return nil
}

// ServeHTTP owns one media-stream socket for its lifetime. The read
// loop runs here; writes go through the session's queue goroutine.
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
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt wsEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start != nil {
				streamID = t.onStart(evt.Start, conn)
			}
		case "media":
			t.onMedia(streamID, evt.Media)
		case "dtmf":
			t.onDTMF(streamID, evt.DTMF)
		case "mark":
			t.onMark(streamID, evt.Mark)
		case "stop":
			t.onStop(streamID, evt.Stop)
			return
		}
	}
	// Socket died without a stop event. Surface it as a failed call end
	// so the session tears down the same way.
	if streamID != "" {
		meta := t.streamMeta(streamID)
		meta[frames.MetaCallEndReason] = normalizeCallEndReason("transport_closed")
		t.deliver(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
		t.detach(streamID)
	}
}

func (t *Transport) onStart(start *startEvent, conn *websocket.Conn) string {
	streamID := start.StreamID
	traceID := uuid.NewString()
	oldStream, oldSess := t.attach(streamID, start.CallSID, traceID, start.From, conn)
	if oldSess != nil {
		_ = oldSess.close()
	}
	meta := map[string]string{
		frames.MetaStreamID:   streamID,
		frames.MetaCallSID:    start.CallSID,
		frames.MetaTraceID:    traceID,
		frames.MetaFromNumber: start.From,
		frames.MetaSource:     "transport",
	}
	t.deliver(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_start", meta))
	t.flushHeld(streamID)
	if oldStream != "" {
		reMeta := map[string]string{
			frames.MetaStreamID:    streamID,
			frames.MetaCallSID:     start.CallSID,
			frames.MetaTraceID:     traceID,
			frames.MetaOldStreamID: oldStream,
			frames.MetaSource:      "transport",
		}
		t.deliver(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_reconnect", reMeta))
	}
	return streamID
}

func (t *Transport) onMedia(streamID string, media *mediaEvent) {
	if media == nil || streamID == "" {
		return
	}
	payload, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		return
	}
	meta := t.streamMeta(streamID)
	meta[frames.MetaEncoding] = frames.EncodingMuLaw
	t.deliver(frames.NewAudioFrame(streamID, time.Now().UnixNano(), payload, 8000, 1, meta))
}

func (t *Transport) onDTMF(streamID string, dtmf *dtmfEvent) {
	if dtmf == nil || streamID == "" {
		return
	}
	meta := t.streamMeta(streamID)
	meta[frames.MetaDTMFDigit] = dtmf.Digit
	t.deliver(frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlDTMF, meta))
}

func (t *Transport) onMark(streamID string, mark *markEvent) {
	if mark == nil || mark.Name == "" || streamID == "" {
		return
	}
	meta := t.streamMeta(streamID)
	meta[frames.MetaMarkID] = mark.Name
	t.deliver(frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlMarkAck, meta))
}

func (t *Transport) onStop(streamID string, stop *stopEvent) {
	reason := ""
	if stop != nil {
		reason = normalizeCallEndReason(stop.Reason)
	}
	if reason == "" {
		reason = "completed"
	}
	// Flush first so audio still buffered in a recognizer is
	// transcribed before the session tears down.
	flushMeta := t.streamMeta(streamID)
	flushMeta[frames.MetaReason] = "call_end"
	t.deliver(frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFlush, flushMeta))

	meta := t.streamMeta(streamID)
	meta[frames.MetaCallEndReason] = reason
	t.deliver(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
	t.detach(streamID)
}

func (t *Transport) Send(f frames.Frame) error {
	switch f.Kind() {
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		streamID := cf.Meta()[frames.MetaStreamID]
		switch cf.Code() {
		case frames.ControlFallback:
			return t.sendComfortNoise(streamID)
		case frames.ControlClear:
			t.dropHeld(streamID)
			return t.sendClear(streamID)
		case frames.ControlMark:
			return t.sendMark(streamID, cf.Meta()[frames.MetaMarkID])
		}
		return nil
	case frames.KindAudio:
		af := f.(frames.AudioFrame)
		streamID := af.Meta()[frames.MetaStreamID]
		t.mu.Lock()
		st := t.streams[streamID]
		if st == nil || st.sess == nil {
			// Synthesis can outrun the start event on reconnects. Hold
			// the newest frame and replay it once the stream attaches.
			if st == nil {
				st = &streamState{}
				t.streams[streamID] = st
			}
			st.pending = af
			st.held = true
			t.mu.Unlock()
			return nil
		}
		sess := st.sess
		t.mu.Unlock()
		return t.sendMedia(sess, streamID, af.RawPayload())
	}
	return nil
}

func (t *Transport) sendMedia(sess *session, streamID string, audio []byte) error {
	return sess.enqueue(map[string]any{
		"event":     "media",
		"streamSid": streamID,
		"media": map[string]any{
			"payload": base64.StdEncoding.EncodeToString(audio),
		},
	})
}

func (t *Transport) sendMark(streamID, markID string) error {
	if markID == "" {
		return nil
	}
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	return sess.enqueue(map[string]any{
		"event":     "mark",
		"streamSid": streamID,
		"mark":      map[string]any{"name": markID},
	})
}

func (t *Transport) sendClear(streamID string) error {
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	return sess.enqueue(map[string]any{
		"event":     "clear",
		"streamSid": streamID,
	})
}

// sendComfortNoise plays a short stretch of mu-law silence so the
// caller does not hear dead air while providers fail over.
func (t *Transport) sendComfortNoise(streamID string) error {
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	for _, chunk := range silenceFrames() {
		_ = sess.enqueue(map[string]any{
			"event":     "media",
			"streamSid": streamID,
			"media": map[string]any{
				"payload": base64.StdEncoding.EncodeToString(chunk),
			},
		})
	}
	return nil
}

func (t *Transport) dropHeld(streamID string) {
	t.mu.Lock()
	if st := t.streams[streamID]; st != nil {
		st.pending = frames.AudioFrame{}
		st.held = false
	}
	t.mu.Unlock()
}

func (t *Transport) flushHeld(streamID string) {
	t.mu.Lock()
	st := t.streams[streamID]
	var af frames.AudioFrame
	var sess *session
	replay := false
	if st != nil && st.held && st.sess != nil {
		af = st.pending
		sess = st.sess
		st.pending = frames.AudioFrame{}
		st.held = false
		replay = true
	}
	t.mu.Unlock()
	if replay {
		_ = t.sendMedia(sess, streamID, af.RawPayload())
	}
}

// Dial places an outbound call through the Twilio REST API.
func (t *Transport) Dial(ctx context.Context, to, from, url string) (string, error) {
	return NewDialer(t.cfg).Dial(ctx, to, from, url)
}

// DialWithOptions places an outbound call with extra dial settings.
func (t *Transport) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	return NewDialer(t.cfg).DialWithOptions(ctx, to, from, url, opts)
}

// SendDTMF plays digits into an active call by updating it with
// Play-digits TwiML.
func (t *Transport) SendDTMF(ctx context.Context, callSID, digits string) error {
	_ = ctx
	if strings.TrimSpace(callSID) == "" {
		return errors.New("call sid required")
	}
	if strings.TrimSpace(digits) == "" {
		return errors.New("digits required")
	}
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return errors.New("missing twilio credentials")
	}
	updater := t.updateClient
	if updater == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: t.cfg.AccountSID,
			Password: t.cfg.AuthToken,
		})
		updater = rest.Api
	}
	params := &api.UpdateCallParams{}
	params.SetTwiml(fmt.Sprintf(`<Response><Play digits="%s"/></Response>`, xmlEscape(digits)))
	_, err := updater.UpdateCall(callSID, params)
	return err
}

// handleVoice answers Twilio's incoming-call webhook with TwiML that
// connects the media stream, optionally saying a canned greeting first.
func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validSignature(r) {
		slog.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	wsURL := t.websocketURL(r)
	var b strings.Builder
	b.WriteString(`<Response>`)
	if g := strings.TrimSpace(t.cfg.VoiceGreeting); g != "" {
		b.WriteString(`<Say>` + xmlEscape(g) + `</Say>`)
	}
	b.WriteString(`<Connect><Stream url="` + wsURL + `"/></Connect></Response>`)
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(b.String()))
}

// handleTTSWebhook lets an external synthesizer signal that audio for a
// stream is ready. With a single live stream the id may be omitted.
func (t *Transport) handleTTSWebhook(w http.ResponseWriter, r *http.Request) {
	if t.cfg.AuthToken != "" && !t.validSignature(r) {
		slog.Warn("twilio_tts_webhook_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	streamID := r.URL.Query().Get("stream_id")
	if streamID == "" {
		streamID = t.soleStreamID()
	}
	if streamID != "" {
		meta := t.streamMeta(streamID)
		t.deliver(frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlAudioReady, meta))
	}
	w.WriteHeader(http.StatusOK)
}

// handleStatusCallback maps Twilio call status updates onto call_end
// frames for terminal states. Always 200s; Twilio retries otherwise.
func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validSignature(r) {
		slog.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	defer w.WriteHeader(http.StatusOK)
	if err := r.ParseForm(); err != nil {
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		return
	}
	streamID := t.streamForCall(callSID)
	if streamID == "" {
		return
	}
	meta := t.streamMeta(streamID)
	meta[frames.MetaCallEndReason] = reason
	t.deliver(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
	t.detach(streamID)
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + hostFromPublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) externalURL(scheme, path string) string {
	if t.cfg.PublicURL != "" {
		return scheme + "://" + hostFromPublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (t *Transport) attach(streamID, callSID, traceID, from string, conn *websocket.Conn) (string, *session) {
	sess := &session{
		conn:   conn,
		sendCh: make(chan []byte, 256),
	}
	var oldStream string
	var oldSess *session
	t.mu.Lock()
	if callSID != "" {
		if existing := t.callStreams[callSID]; existing != "" && existing != streamID {
			oldStream = existing
			if old := t.streams[existing]; old != nil {
				oldSess = old.sess
			}
			delete(t.streams, existing)
		}
		t.callStreams[callSID] = streamID
	}
	st := t.streams[streamID]
	if st == nil {
		st = &streamState{}
		t.streams[streamID] = st
	}
	st.sess = sess
	st.callSID = callSID
	st.traceID = traceID
	if from != "" {
		st.from = from
	}
	t.mu.Unlock()
	go sess.writeLoop()
	return oldStream, oldSess
}

func (t *Transport) detach(streamID string) {
	t.mu.Lock()
	st := t.streams[streamID]
	delete(t.streams, streamID)
	if st != nil && st.callSID != "" && t.callStreams[st.callSID] == streamID {
		delete(t.callStreams, st.callSID)
	}
	t.mu.Unlock()
	if st != nil && st.sess != nil {
		_ = st.sess.close()
	}
}

func (t *Transport) session(streamID string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st := t.streams[streamID]; st != nil {
		return st.sess
	}
	return nil
}

func (t *Transport) streamForCall(callSID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callStreams[callSID]
}

func (t *Transport) soleStreamID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var id string
	attached := 0
	for sid, st := range t.streams {
		if st.sess == nil {
			continue
		}
		attached++
		id = sid
	}
	if attached != 1 {
		return ""
	}
	return id
}

// streamMeta builds the identifier meta every frame from this stream
// carries.
func (t *Transport) streamMeta(streamID string) map[string]string {
	meta := map[string]string{frames.MetaStreamID: streamID}
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.streams[streamID]
	if st == nil {
		return meta
	}
	if st.callSID != "" {
		meta[frames.MetaCallSID] = st.callSID
	}
	if st.traceID != "" {
		meta[frames.MetaTraceID] = st.traceID
	}
	if st.from != "" {
		meta[frames.MetaFromNumber] = st.from
	}
	return meta
}

func (t *Transport) validSignature(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

// requestURL reconstructs the URL Twilio signed. Behind a proxy the
// public URL from config wins over whatever the local listener saw.
func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return strings.TrimRight(t.cfg.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func xmlEscape(in string) string {
	return strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	).Replace(in)
}

// normalizeCallEndReason folds Twilio's status vocabulary down to the
// pipeline's call_end_reason values. Non-terminal statuses map to "".
func normalizeCallEndReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return ""
	case "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

// session serializes writes to one socket. Gorilla connections allow a
// single concurrent writer, so everything funnels through sendCh.
type session struct {
	conn   *websocket.Conn
	sendCh chan []byte
	closed atomic.Bool
}

func (s *session) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	// Drop on a full queue; stale media is worse than missing media.
	select {
	case s.sendCh <- b:
	default:
	}
	return nil
}

func (s *session) writeLoop() {
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

// Wire shapes for Twilio media-stream events.

type startEvent struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
}

type mediaEvent struct {
	Payload string `json:"payload"`
}

type dtmfEvent struct {
	Digit string `json:"digit"`
}

type markEvent struct {
	Name string `json:"name"`
}

type stopEvent struct {
	Reason string `json:"reason"`
}

type wsEvent struct {
	Event string      `json:"event"`
	Start *startEvent `json:"start,omitempty"`
	Media *mediaEvent `json:"media,omitempty"`
	DTMF  *dtmfEvent  `json:"dtmf,omitempty"`
	Mark  *markEvent  `json:"mark,omitempty"`
	Stop  *stopEvent  `json:"stop,omitempty"`
}

func hostFromPublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

var silenceOnce sync.Once
var silenceChunks [][]byte

// silenceFrames is 100ms of mu-law silence cut into 20ms chunks.
func silenceFrames() [][]byte {
	silenceOnce.Do(func() {
		silence := bytes.Repeat([]byte{0xFF}, 160*5)
		for i := 0; i < len(silence); i += 160 {
			silenceChunks = append(silenceChunks, silence[i:i+160])
		}
	})
	return silenceChunks
}

func (t *Transport) deliver(f frames.Frame) {
	select {
	case t.recvCh <- f:
	default:
	}
}
