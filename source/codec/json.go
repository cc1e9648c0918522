package codec

import (
	"encoding/json"
	"errors"
	"maps"
)

// JSON implements Codec using JSON serialization.
// Human-readable and interoperable; payloads decode to generic Go values
// (map[string]any for objects, []any for arrays, float64 for numbers).
type JSON struct{}

// jsonEnvelope is the JSON wire format
type jsonEnvelope struct {
	ID       string            `json:"id"`
	Source   string            `json:"source,omitempty"`
	Type     string            `json:"type"`
	Data     any               `json:"data,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Encode serializes an envelope to JSON bytes
func (c JSON) Encode(env Envelope) ([]byte, error) {
	je := jsonEnvelope{
		ID:     env.ID,
		Source: env.Source,
		Type:   env.Type,
		Data:   env.Data,
	}
	if env.Metadata != nil {
		je.Metadata = make(map[string]string)
		maps.Copy(je.Metadata, env.Metadata)
	}

	data, err := json.Marshal(je)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes JSON bytes to an envelope
func (c JSON) Decode(data []byte) (Envelope, error) {
	var je jsonEnvelope
	if err := json.Unmarshal(data, &je); err != nil {
		return Envelope{}, errors.Join(ErrDecodeFailure, err)
	}

	env := Envelope{
		ID:     je.ID,
		Source: je.Source,
		Type:   je.Type,
		Data:   je.Data,
	}
	if je.Metadata != nil {
		env.Metadata = make(map[string]string)
		maps.Copy(env.Metadata, je.Metadata)
	}
	return env, nil
}

// ContentType returns the MIME type for JSON
func (c JSON) ContentType() string {
	return "application/json"
}

// Name returns the codec identifier
func (c JSON) Name() string {
	return "json"
}

// Compile-time check
var _ Codec = JSON{}
