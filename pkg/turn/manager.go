package turn

type State int

const (
	StateIdle State = iota
	StateListening
	StateRecognizing
	StateGenerating
	StateSynthesizing
	StateSpeaking
	StateEnded
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateRecognizing:
		return "RECOGNIZING"
	case StateGenerating:
		return "GENERATING"
	case StateSynthesizing:
		return "SYNTHESIZING"
	case StateSpeaking:
		return "SPEAKING"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

type Strategy interface {
	Name() string
	BargeInEnabled() bool
}

// Manager tracks where a call is in its speak/listen cycle and decides when
// caller speech counts as an interruption of agent playback.
type Manager interface {
	OnCallStart()
	OnSpeechStarted()
	OnFinalTranscript(text string) bool
	OnGenerationStart()
	OnSynthesisStart()
	OnPlaybackStart()
	OnPlaybackComplete()
	OnCallEnd()
	AddListener(listener StateListener)
	State() State
}
