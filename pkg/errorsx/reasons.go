package errorsx

// ReasonCode classifies a failure by the pipeline stage that produced it.
// Codes travel in logs and metrics, never on the wire.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Recognition leg.
	ReasonSTTConnect     ReasonCode = "stt_connect"
	ReasonSTTSend        ReasonCode = "stt_send"
	ReasonSTTRetry       ReasonCode = "stt_retry"
	ReasonSTTCircuitOpen ReasonCode = "stt_circuit_open"

	// Synthesis leg.
	ReasonTTSConnect     ReasonCode = "tts_connect"
	ReasonTTSSend        ReasonCode = "tts_send"
	ReasonTTSRetry       ReasonCode = "tts_retry"
	ReasonTTSCircuitOpen ReasonCode = "tts_circuit_open"

	// Generation leg.
	ReasonLLMGenerate  ReasonCode = "llm_generate"
	ReasonLLMStream    ReasonCode = "llm_stream"
	ReasonLLMRateLimit ReasonCode = "llm_rate_limit"

	// Telephony leg.
	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
)
