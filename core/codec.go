package core

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/proto"
)

// CodecKind selects the payload encoding of a channel.
type CodecKind int

const (
	// CodecText is UTF-8 text passed through unchanged.
	CodecText CodecKind = iota
	// CodecStructured is a protobuf binary record.
	CodecStructured
)

func (k CodecKind) String() string {
	switch k {
	case CodecText:
		return "text"
	case CodecStructured:
		return "structured"
	default:
		return fmt.Sprintf("codec(%d)", int(k))
	}
}

// Codec converts payloads to and from record values.
// Implement this interface for custom serialization formats.
type Codec interface {
	Kind() CodecKind
	// Encode is deterministic: equal payloads produce equal bytes.
	Encode(v any) ([]byte, error)
	// Decode fails with *DecodeError on malformed input.
	Decode(data []byte) (any, error)
}

var errUnsupportedPayload = errors.New("unsupported payload type")

// TextCodec encodes strings as UTF-8 bytes. Decode returns a string, so
// only strings are accepted and both directions reject invalid UTF-8.
type TextCodec struct{}

var errInvalidUTF8 = errors.New("invalid UTF-8")

func (TextCodec) Kind() CodecKind { return CodecText }

func (TextCodec) Encode(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("chanmux: text codec: %w %T", errUnsupportedPayload, v)
	}
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("chanmux: text codec: %w", errInvalidUTF8)
	}
	return []byte(s), nil
}

func (TextCodec) Decode(data []byte) (any, error) {
	if !utf8.Valid(data) {
		return nil, &DecodeError{Codec: CodecText, Err: errInvalidUTF8}
	}
	return string(data), nil
}

// ProtoCodec encodes protobuf messages. Decode returns a new message of the
// prototype's type.
type ProtoCodec struct {
	prototype proto.Message
}

// NewProtoCodec returns a structured codec decoding into messages of the
// same type as prototype. A typed nil pointer is a valid prototype.
func NewProtoCodec(prototype proto.Message) (*ProtoCodec, error) {
	if prototype == nil {
		return nil, &ConfigError{Field: "codec", Reason: "protobuf prototype is required"}
	}
	return &ProtoCodec{prototype: prototype}, nil
}

func (*ProtoCodec) Kind() CodecKind { return CodecStructured }

func (c *ProtoCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("chanmux: structured codec: %w %T", errUnsupportedPayload, v)
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("chanmux: structured codec: marshal %T: %w", msg, err)
	}
	return b, nil
}

func (c *ProtoCodec) Decode(data []byte) (any, error) {
	msg := c.prototype.ProtoReflect().New().Interface()
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, &DecodeError{Codec: CodecStructured, Err: err}
	}
	return msg, nil
}

// decodeRecord decodes rec.Value and stamps the record coordinates onto a
// *DecodeError.
func decodeRecord(c Codec, rec Record) (any, error) {
	v, err := c.Decode(rec.Value)
	if err == nil {
		return v, nil
	}
	var derr *DecodeError
	if !errors.As(err, &derr) {
		derr = &DecodeError{Codec: c.Kind(), Err: err}
	}
	out := *derr
	out.Topic, out.Partition, out.Offset = rec.Topic, rec.Partition, rec.Offset
	return nil, &out
}
