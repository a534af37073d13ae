package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/resolvingarchitecture/ra-common/pkg/protocol/codec"
)

// Format is a compact on-wire indicator of body encoding. It travels in the
// packet header, and as the first byte of standalone envelope blobs.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatJSON
	FormatCBOR
	FormatProto
	FormatMsgPack
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return ContentJSON
	case FormatCBOR:
		return ContentCBOR
	case FormatProto:
		return ContentProto
	case FormatMsgPack:
		return ContentMsgPack
	default:
		return ContentUnknown
	}
}

// ParseFormat maps config names (json, cbor, proto, msgpack) to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "cbor", "":
		return FormatCBOR, nil
	case "proto", "protobuf":
		return FormatProto, nil
	case "msgpack", "messagepack":
		return FormatMsgPack, nil
	default:
		return FormatUnknown, fmt.Errorf("unknown format: %q", s)
	}
}

// CodecFor returns a codec instance for a given format.
func CodecFor(r *codec.Registry, f Format) (codec.Codec, error) {
	switch f {
	case FormatJSON, FormatCBOR, FormatProto, FormatMsgPack:
		if r != nil {
			if c := r.Get(f.String()); c != nil {
				return c, nil
			}
		}
	default:
		return nil, fmt.Errorf("unknown format: %d", f)
	}
	switch f {
	case FormatJSON:
		return codec.JSON(), nil
	case FormatCBOR:
		return codec.CBOR()
	case FormatProto:
		return codec.Proto(), nil
	default:
		return codec.MsgPack(), nil
	}
}

// marshalWith encodes v with the codec for f. Plain Go values sent as
// protobuf are carried as a structpb.Struct built from their JSON form.
func marshalWith(r *codec.Registry, f Format, v any) ([]byte, error) {
	c, err := CodecFor(r, f)
	if err != nil {
		return nil, err
	}
	if f == FormatProto {
		if _, ok := v.(proto.Message); !ok {
			s, err := toStruct(v)
			if err != nil {
				return nil, err
			}
			return c.Marshal(s)
		}
	}
	return c.Marshal(v)
}

func unmarshalWith(r *codec.Registry, f Format, b []byte, v any) error {
	c, err := CodecFor(r, f)
	if err != nil {
		return err
	}
	if f == FormatProto {
		if _, ok := v.(proto.Message); !ok {
			var s structpb.Struct
			if err := c.Unmarshal(b, &s); err != nil {
				return err
			}
			return fromStruct(&s, v)
		}
	}
	return c.Unmarshal(b, v)
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protobuf body must be an object: %w", err)
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// EncodeBody serializes v using the codec for f and prefixes the result
// with a single format byte.
func EncodeBody(r *codec.Registry, f Format, v any) ([]byte, error) {
	b, err := marshalWith(r, f, v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(b))
	out[0] = byte(f)
	copy(out[1:], b)
	return out, nil
}

// DecodeBody decodes a payload produced by EncodeBody into v.
func DecodeBody(r *codec.Registry, payload []byte, v any) (Format, error) {
	if len(payload) == 0 {
		return FormatUnknown, fmt.Errorf("empty payload")
	}
	f := Format(payload[0])
	if err := unmarshalWith(r, f, payload[1:], v); err != nil {
		return f, err
	}
	return f, nil
}
