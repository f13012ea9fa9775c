package wsjson

import (
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/gorilla/websocket"
)

func TestMarkIsAckedLocally(t *testing.T) {
	tr := New(Config{})
	meta := map[string]string{
		frames.MetaStreamID: "s1",
		frames.MetaMarkID:   "m-1",
		frames.MetaMarkKind: frames.MarkKindPre,
	}
	cf := frames.NewControlFrame("s1", time.Now().UnixNano(), frames.ControlMark, meta)
	if err := tr.Send(cf); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case f := <-tr.Recv():
		ack, ok := f.(frames.ControlFrame)
		if !ok || ack.Code() != frames.ControlMarkAck {
			t.Fatalf("expected mark ack, got %#v", f)
		}
		if ack.Meta()[frames.MetaMarkID] != "m-1" {
			t.Fatalf("ack lost mark id: %v", ack.Meta())
		}
	default:
		t.Fatal("expected local mark ack")
	}
}

func TestMarkAcksArriveInSendOrder(t *testing.T) {
	tr := New(Config{})
	for _, id := range []string{"a", "b", "c"} {
		meta := map[string]string{frames.MetaStreamID: "s1", frames.MetaMarkID: id}
		_ = tr.Send(frames.NewControlFrame("s1", 0, frames.ControlMark, meta))
	}
	for _, want := range []string{"a", "b", "c"} {
		select {
		case f := <-tr.Recv():
			if got := f.Meta()[frames.MetaMarkID]; got != want {
				t.Fatalf("ack order: got %q want %q", got, want)
			}
		default:
			t.Fatal("missing ack")
		}
	}
}

func TestAudioBeforeStartIsHeld(t *testing.T) {
	tr := New(Config{})
	af := frames.NewAudioFrame("s1", 1, []byte{1, 2}, 16000, 1, nil)
	if err := tr.Send(af); err != nil {
		t.Fatalf("send: %v", err)
	}
	tr.mu.Lock()
	_, held := tr.pendingSend["s1"]
	tr.mu.Unlock()
	if !held {
		t.Fatal("frame should be held until start attaches the session")
	}
	clearMeta := map[string]string{frames.MetaStreamID: "s1"}
	_ = tr.Send(frames.NewControlFrame("s1", 2, frames.ControlClear, clearMeta))
	tr.mu.Lock()
	_, held = tr.pendingSend["s1"]
	tr.mu.Unlock()
	if held {
		t.Fatal("clear should drop the held frame")
	}
}

func recvFrame(t *testing.T, tr *Transport) frames.Frame {
	t.Helper()
	select {
	case f := <-tr.Recv():
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from transport")
		return nil
	}
}

func TestStartWithoutCallSIDKeysOnStreamID(t *testing.T) {
	tr := New(Config{})
	srv := httptest.NewServer(tr)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(Envelope{Type: "start"}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	pcm := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	if err := conn.WriteJSON(Envelope{Type: "audio", Data: payload{AudioB64: pcm}}); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	start := recvFrame(t, tr)
	sf, ok := start.(frames.SystemFrame)
	if !ok || sf.Name() != "call_start" {
		t.Fatalf("expected call_start, got %#v", start)
	}
	callSID := sf.Meta()[frames.MetaCallSID]
	streamID := sf.Meta()[frames.MetaStreamID]
	if callSID == "" {
		t.Fatal("call_start without a call sid is unroutable")
	}
	if callSID != streamID {
		t.Fatalf("call sid should default to the stream id: %q vs %q", callSID, streamID)
	}

	af := recvFrame(t, tr)
	if af.Kind() != frames.KindAudio {
		t.Fatalf("expected audio, got %s", af.Kind())
	}
	if af.Meta()[frames.MetaCallSID] != callSID {
		t.Fatalf("audio lost the call sid: %v", af.Meta())
	}
}

func TestEnvelopeShape(t *testing.T) {
	s := &session{sendCh: make(chan []byte, 1)}
	if err := s.enqueueAudio([]byte{0x10, 0x20}, 16000); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(<-s.sendCh, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != "audio" {
		t.Fatalf("type = %q", env.Type)
	}
	raw, err := base64.StdEncoding.DecodeString(env.Data.AudioB64)
	if err != nil || len(raw) != 2 {
		t.Fatalf("payload = %v err %v", raw, err)
	}
	if env.Data.SampleRate != 16000 {
		t.Fatalf("rate = %d", env.Data.SampleRate)
	}
}
