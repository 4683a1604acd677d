// Package transport moves cluster envelopes between peers. It provides the
// wire encoding shared by every transport, an optional authenticated seal
// keyed by the cluster key, an in-process network for tests and an
// NNG (mangos) transport for real deployments.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec errors
var (
	ErrUnknownCodec   = errors.New("unknown codec")
	ErrUnknownMessage = errors.New("unknown message kind")
	ErrFrameVersion   = errors.New("unsupported frame version")
)

// Codec serializes frames and message bodies
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Codec names accepted in configuration
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. An empty name selects msgpack.
func GetCodec(name string) (Codec, error) {
	switch name {
	case CodecNameMsgpack, "":
		return MsgpackCodec{}, nil
	case CodecNameJSON:
		return JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// JSONCodec encodes as JSON. Slower and larger, useful when debugging captures.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (JSONCodec) Name() string { return CodecNameJSON }

// MsgpackCodec encodes as MessagePack
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (MsgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

func (MsgpackCodec) Name() string { return CodecNameMsgpack }
