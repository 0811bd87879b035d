package wire

import (
	"bytes"
	"encoding/json"
	"log/slog"

	"shepherd/internal/domain"
)

// Chunk tags recognized by the envelope layer. Anything else is skipped.
const (
	TagJSON = "JSON"
	TagBLOB = "BLOB"
)

// Broker messages use flat chunks: no alignment padding.
const envelopeAlign = false

// EncodeEnvelope serializes an envelope to its wire form: one JSON chunk
// holding the header (the message minus its blobs), then one BLOB chunk per
// blob in order.
func EncodeEnvelope(env domain.Envelope) ([]byte, error) {
	header := env.Fields
	if header == nil {
		header = map[string]any{}
	}
	body, err := json.Marshal(header)
	if err != nil {
		return nil, domain.WrapOp("wire.EncodeEnvelope", err)
	}

	var buf bytes.Buffer
	if err := WriteChunk(&buf, TagJSON, body, envelopeAlign); err != nil {
		return nil, domain.WrapOp("wire.EncodeEnvelope", err)
	}
	for _, blob := range env.Blobs {
		if err := WriteChunk(&buf, TagBLOB, blob, envelopeAlign); err != nil {
			return nil, domain.WrapOp("wire.EncodeEnvelope", err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeEnvelope parses a chunk stream back into an envelope. The first
// JSON chunk is the header; later JSON chunks are ignored (first-writer
// wins). Every BLOB chunk appends to the blob list in order. Unknown chunk
// types are skipped.
func DecodeEnvelope(data []byte, logger *slog.Logger) (domain.Envelope, error) {
	var env domain.Envelope
	haveHeader := false
	for _, chunk := range ReadAll(bytes.NewReader(data), envelopeAlign, logger) {
		switch chunk.Type {
		case TagJSON:
			if haveHeader {
				continue
			}
			fields := make(map[string]any)
			if err := json.Unmarshal(scrubNonFinite(chunk.Body), &fields); err != nil {
				return domain.Envelope{}, domain.WrapOp("wire.DecodeEnvelope", err)
			}
			env.Fields = fields
			haveHeader = true
		case TagBLOB:
			env.Blobs = append(env.Blobs, chunk.Body)
		}
	}
	if env.Fields == nil {
		env.Fields = map[string]any{}
	}
	return env, nil
}
