package codec

import (
	"errors"
	"maps"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack implements Codec using MessagePack serialization.
// MessagePack is a binary format that's more compact than JSON
// while maintaining schema-less flexibility.
//
// Benefits:
//   - Smaller envelope size than JSON
//   - Faster encoding/decoding
//   - Supports binary payload data natively
type MsgPack struct{}

// msgpackEnvelope is the MessagePack wire format
type msgpackEnvelope struct {
	ID       string            `msgpack:"id"`
	Source   string            `msgpack:"source,omitempty"`
	Type     string            `msgpack:"type"`
	Data     any               `msgpack:"data,omitempty"`
	Metadata map[string]string `msgpack:"metadata,omitempty"`
}

// Encode serializes an envelope to MessagePack bytes
func (c MsgPack) Encode(env Envelope) ([]byte, error) {
	me := msgpackEnvelope{
		ID:     env.ID,
		Source: env.Source,
		Type:   env.Type,
		Data:   env.Data,
	}
	if env.Metadata != nil {
		me.Metadata = make(map[string]string)
		maps.Copy(me.Metadata, env.Metadata)
	}

	data, err := msgpack.Marshal(me)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes MessagePack bytes to an envelope
func (c MsgPack) Decode(data []byte) (Envelope, error) {
	var me msgpackEnvelope
	if err := msgpack.Unmarshal(data, &me); err != nil {
		return Envelope{}, errors.Join(ErrDecodeFailure, err)
	}

	env := Envelope{
		ID:     me.ID,
		Source: me.Source,
		Type:   me.Type,
		Data:   me.Data,
	}
	if me.Metadata != nil {
		env.Metadata = make(map[string]string)
		maps.Copy(env.Metadata, me.Metadata)
	}
	return env, nil
}

// ContentType returns the MIME type for MessagePack
func (c MsgPack) ContentType() string {
	return "application/msgpack"
}

// Name returns the codec identifier
func (c MsgPack) Name() string {
	return "msgpack"
}

// Compile-time check
var _ Codec = MsgPack{}
