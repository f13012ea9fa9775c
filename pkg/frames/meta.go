package frames

// Well-known meta keys. Meta values are strings on the wire; numeric values
// (sequence ids, sample rates) are formatted with strconv by the producer.
const (
	MetaStreamID     = "stream_id"
	MetaCallSID      = "call_sid"
	MetaTraceID      = "trace_id"
	MetaSource       = "source"
	MetaReason       = "reason"
	MetaEncoding     = "encoding"
	MetaSampleRate   = "sample_rate"
	MetaIsFinal      = "is_final"
	MetaSequenceID   = "sequence_id"
	MetaMarkID       = "mark_id"
	MetaMarkKind     = "mark_kind"
	MetaProvider     = "provider"
	MetaRole         = "role"
	MetaFromNumber   = "from_number"
	MetaToNumber     = "to_number"
	MetaGreetingText = "greeting_text"
	MetaCallEndReason = "call_end_reason"
	MetaDTMFDigit    = "dtmf_digit"
	MetaOldStreamID  = "old_stream_id"
	MetaTTSFlush     = "tts_flush"

	MetaDTMFPriority      = "dtmf_priority"
	MetaNormalized        = "normalized"
	MetaRecoveryReason    = "recovery_reason"
	MetaShortTurnEnforced = "short_turn_enforced"
)

// Common encoding values for MetaEncoding.
const (
	EncodingMuLaw = "mulaw"
	EncodingPCM16 = "linear16"
)
