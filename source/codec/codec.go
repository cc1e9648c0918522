// Package codec provides envelope serialization for broker-backed event
// sources.
//
// Broker sources (nats, redis, kafka) carry each occurrence as an Envelope
// so that the event type, payload and metadata survive the wire.
//
// Supported formats:
//   - JSON (default, human-readable)
//   - MessagePack (binary, compact)
//   - Protocol Buffers (binary, structpb-based)
package codec

import "errors"

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode envelope")
	ErrDecodeFailure = errors.New("failed to decode envelope")
)

// Envelope is the wire form of one event occurrence.
type Envelope struct {
	// ID is the unique occurrence ID
	ID string
	// Source identifies the publishing source instance
	Source string
	// Type is the event type identifier
	Type string
	// Data is the event payload. After Decode it holds the codec's generic
	// representation (e.g. map[string]any for JSON object payloads).
	Data any
	// Metadata is optional key-value metadata
	Metadata map[string]string
}

// Codec handles envelope serialization for broker sources.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes an envelope to bytes.
	// Returns ErrEncodeFailure if serialization fails.
	Encode(env Envelope) ([]byte, error)

	// Decode deserializes bytes to an envelope.
	// Returns ErrDecodeFailure if deserialization fails.
	Decode(data []byte) (Envelope, error)

	// ContentType returns the MIME type for this codec (e.g., "application/json").
	ContentType() string

	// Name returns a short identifier for this codec (e.g., "json", "msgpack", "proto").
	Name() string
}

// Default returns the default codec (JSON)
func Default() Codec {
	return JSON{}
}
