package codec

import (
	"errors"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Proto implements Codec using Protocol Buffers serialization.
//
// The envelope is carried as a structpb.Struct, so payloads are limited to
// JSON-like values (nil, bool, float64/int, string, []any, map[string]any).
// Values outside that set fail with ErrEncodeFailure.
type Proto struct{}

const (
	protoFieldID       = "id"
	protoFieldSource   = "source"
	protoFieldType     = "type"
	protoFieldData     = "data"
	protoFieldMetadata = "metadata"
)

// Encode serializes an envelope to Protocol Buffer bytes
func (c Proto) Encode(env Envelope) ([]byte, error) {
	fields := map[string]any{
		protoFieldID:     env.ID,
		protoFieldSource: env.Source,
		protoFieldType:   env.Type,
	}
	if env.Data != nil {
		fields[protoFieldData] = env.Data
	}
	if env.Metadata != nil {
		meta := make(map[string]any, len(env.Metadata))
		for k, v := range env.Metadata {
			meta[k] = v
		}
		fields[protoFieldMetadata] = meta
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}

	data, err := proto.Marshal(s)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes Protocol Buffer bytes to an envelope
func (c Proto) Decode(data []byte) (Envelope, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return Envelope{}, errors.Join(ErrDecodeFailure, err)
	}

	m := s.AsMap()
	env := Envelope{
		ID:     stringField(m, protoFieldID),
		Source: stringField(m, protoFieldSource),
		Type:   stringField(m, protoFieldType),
		Data:   m[protoFieldData],
	}
	if meta, ok := m[protoFieldMetadata].(map[string]any); ok {
		env.Metadata = make(map[string]string, len(meta))
		for k, v := range meta {
			if sv, ok := v.(string); ok {
				env.Metadata[k] = sv
			}
		}
	}
	return env, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// ContentType returns the MIME type for Protocol Buffers
func (c Proto) ContentType() string {
	return "application/x-protobuf"
}

// Name returns the codec identifier
func (c Proto) Name() string {
	return "proto"
}

// Compile-time check
var _ Codec = Proto{}
