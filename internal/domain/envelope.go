package domain

// Field names with meaning to the shepherd. Everything else in an envelope
// header is free-form and passes through untouched.
const (
	FieldEvent       = "event"
	FieldAgentID     = "agent_id"
	FieldAgentType   = "agent_type"
	FieldAgentConfig = "agent_config"
	FieldPrefix      = "prefix"
)

// Envelope is one logical message on the bus: a JSON header plus zero or
// more opaque binary blobs. The header is kept as a map so fields a handler
// does not know about survive a decode/encode round trip.
type Envelope struct {
	Fields map[string]any
	Blobs  [][]byte
}

// NewEnvelope builds an envelope for the given event verb.
func NewEnvelope(event EventType) Envelope {
	return Envelope{Fields: map[string]any{FieldEvent: string(event)}}
}

// Event returns the envelope's event verb, or "" when absent.
func (e Envelope) Event() EventType {
	return EventType(e.stringField(FieldEvent))
}

// AgentID returns the agent_id header field, or "".
func (e Envelope) AgentID() string { return e.stringField(FieldAgentID) }

// AgentType returns the agent_type header field, or "".
func (e Envelope) AgentType() string { return e.stringField(FieldAgentType) }

// Prefix returns the prefix header field used for bulk removal, or "".
func (e Envelope) Prefix() string { return e.stringField(FieldPrefix) }

// AgentConfig returns the nested agent_config mapping, or nil.
func (e Envelope) AgentConfig() map[string]any {
	if m, ok := e.Fields[FieldAgentConfig].(map[string]any); ok {
		return m
	}
	return nil
}

// Set stores a header field, allocating the field map if needed.
func (e *Envelope) Set(key string, value any) {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
}

// WithoutBlobs returns a copy of the envelope with the blob list dropped.
// The header map is shared, not copied; callers treat envelopes as
// read-only once dispatched.
func (e Envelope) WithoutBlobs() Envelope {
	return Envelope{Fields: e.Fields}
}

func (e Envelope) stringField(key string) string {
	if s, ok := e.Fields[key].(string); ok {
		return s
	}
	return ""
}
