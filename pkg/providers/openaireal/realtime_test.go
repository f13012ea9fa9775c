package openaireal

import (
	"testing"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
)

func TestTemperatureClamp(t *testing.T) {
	cfg := Config{Temperature: 0.2}.withDefaults()
	if cfg.Temperature != minTemperature {
		t.Fatalf("temperature = %v, want clamp to %v", cfg.Temperature, minTemperature)
	}
	cfg = Config{Temperature: 0.9}.withDefaults()
	if cfg.Temperature != 0.9 {
		t.Fatalf("temperature = %v, want 0.9 kept", cfg.Temperature)
	}
}

func TestHandleEventAudioDelta(t *testing.T) {
	s := New(Config{StreamID: "s1"})
	s.handleEvent(serverEvent{Type: "response.audio.delta", Delta: "AAECAw=="})
	select {
	case f := <-s.Results():
		af, ok := f.(frames.AudioFrame)
		if !ok {
			t.Fatalf("expected audio frame, got %#v", f)
		}
		if af.Rate() != 8000 || af.Meta()[frames.MetaEncoding] != frames.EncodingMuLaw {
			t.Fatalf("wrong frame shape: rate %d meta %v", af.Rate(), af.Meta())
		}
	default:
		t.Fatal("no frame emitted")
	}
	if !s.isResponding() {
		t.Fatal("audio delta should mark a response in flight")
	}
}

func TestHandleEventSpeechStarted(t *testing.T) {
	s := New(Config{StreamID: "s1"})
	// Not responding: no cancel needed, but the interruption still surfaces.
	s.handleEvent(serverEvent{Type: "input_audio_buffer.speech_started"})
	select {
	case f := <-s.Results():
		cf, ok := f.(frames.ControlFrame)
		if !ok || cf.Code() != frames.ControlStartInterruption {
			t.Fatalf("expected start_interruption, got %#v", f)
		}
	default:
		t.Fatal("no control frame emitted")
	}
}

func TestHandleEventTranscripts(t *testing.T) {
	s := New(Config{StreamID: "s1"})
	s.handleEvent(serverEvent{
		Type:       "conversation.item.input_audio_transcription.completed",
		Transcript: "hello there",
	})
	f := <-s.Results()
	tf, ok := f.(frames.TextFrame)
	if !ok || tf.Text() != "hello there" {
		t.Fatalf("got %#v", f)
	}
	if tf.Meta()[frames.MetaRole] != "user" || tf.Meta()[frames.MetaIsFinal] != "true" {
		t.Fatalf("meta = %v", tf.Meta())
	}

	s.handleEvent(serverEvent{Type: "response.audio_transcript.done", Transcript: "hi, how can I help"})
	f = <-s.Results()
	if f.Meta()[frames.MetaRole] != "assistant" {
		t.Fatalf("meta = %v", f.Meta())
	}
}

func TestResponseDoneClearsRespondingState(t *testing.T) {
	s := New(Config{StreamID: "s1"})
	s.setResponding(true)
	s.handleEvent(serverEvent{Type: "response.done"})
	if s.isResponding() {
		t.Fatal("response.done should clear the in-flight flag")
	}
}
