package coord

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang/snappy"
	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Codec encodes message payloads.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Codec names accepted by CodecByName.
const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// JSONCodec is the human-readable default.
type JSONCodec struct{}

func (JSONCodec) Name() string                       { return CodecJSON }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// MsgpackCodec is the compact binary codec.
type MsgpackCodec struct {
	h *codec.MsgpackHandle
}

// NewMsgpackCodec returns a msgpack codec.
func NewMsgpackCodec() *MsgpackCodec {
	return &MsgpackCodec{h: &codec.MsgpackHandle{}}
}

func (c *MsgpackCodec) Name() string { return CodecMsgpack }

func (c *MsgpackCodec) Marshal(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, c.h).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MsgpackCodec) Unmarshal(data []byte, v any) error {
	return codec.NewDecoderBytes(data, c.h).Decode(v)
}

// CodecByName resolves a configured codec name.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case CodecJSON, "":
		return JSONCodec{}, nil
	case CodecMsgpack:
		return NewMsgpackCodec(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// Broadcast frames start with one flag byte so subscribers decode without
// knowing the publisher's compression setting.
const (
	framePlain  byte = 'p'
	frameSnappy byte = 's'
)

// BroadcastCodec encodes MatrixBroadcast payloads for the pub/sub channel.
type BroadcastCodec struct {
	Codec    Codec
	Compress bool
}

// Encode serializes b, snappy-compressing the body when enabled.
func (bc BroadcastCodec) Encode(b MatrixBroadcast) ([]byte, error) {
	body, err := bc.Codec.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode broadcast: %w", err)
	}
	if bc.Compress {
		return append([]byte{frameSnappy}, snappy.Encode(nil, body)...), nil
	}
	return append([]byte{framePlain}, body...), nil
}

// Decode parses a broadcast frame. reset is true for the reset token.
func (bc BroadcastCodec) Decode(data []byte) (b MatrixBroadcast, reset bool, err error) {
	if IsReset(data) {
		return MatrixBroadcast{}, true, nil
	}
	if len(data) == 0 {
		return b, false, fmt.Errorf("%w: empty broadcast", ErrMalformed)
	}
	body := data[1:]
	switch data[0] {
	case framePlain:
	case frameSnappy:
		body, err = snappy.Decode(nil, body)
		if err != nil {
			return b, false, fmt.Errorf("decompress broadcast: %w", err)
		}
	default:
		return b, false, fmt.Errorf("%w: broadcast flag %q", ErrMalformed, data[0])
	}
	if err := bc.Codec.Unmarshal(body, &b); err != nil {
		return b, false, fmt.Errorf("decode broadcast: %w", err)
	}
	return b, false, nil
}

// IsReset reports whether a broadcast frame is the reset token.
func IsReset(data []byte) bool { return bytes.Equal(data, []byte(ResetToken)) }
