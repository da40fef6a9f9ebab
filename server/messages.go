package server

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

// GetSchemaRequest asks for the schema of a package.
//
//	message GetSchemaRequest {
//	    string package = 1;
//	    string version = 2;
//	}
type GetSchemaRequest struct {
	Package string
	Version string
}

// GetSchemaResponse carries the canonical JSON schema. Version and Digest
// are extensions older clients skip as unknown fields.
//
//	message GetSchemaResponse {
//	    bytes schema = 1;
//	    string version = 2;
//	    string digest = 3;
//	}
type GetSchemaResponse struct {
	Schema  []byte
	Version string
	Digest  string
}

type wireMessage interface {
	marshalWire() []byte
	unmarshalWire([]byte) error
}

func (m *GetSchemaRequest) marshalWire() []byte {
	var b []byte
	b = appendString(b, 1, m.Package)
	b = appendString(b, 2, m.Version)
	return b
}

func (m *GetSchemaRequest) unmarshalWire(b []byte) error {
	*m = GetSchemaRequest{}
	return consumeFields(b, func(num protowire.Number, v []byte) {
		switch num {
		case 1:
			m.Package = string(v)
		case 2:
			m.Version = string(v)
		}
	})
}

func (m *GetSchemaResponse) marshalWire() []byte {
	var b []byte
	if len(m.Schema) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Schema)
	}
	b = appendString(b, 2, m.Version)
	b = appendString(b, 3, m.Digest)
	return b
}

func (m *GetSchemaResponse) unmarshalWire(b []byte) error {
	*m = GetSchemaResponse{}
	return consumeFields(b, func(num protowire.Number, v []byte) {
		switch num {
		case 1:
			m.Schema = append([]byte(nil), v...)
		case 2:
			m.Version = string(v)
		case 3:
			m.Digest = string(v)
		}
	})
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// consumeFields calls fn for every length-delimited field and skips the rest.
func consumeFields(b []byte, fn func(protowire.Number, []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			fn(num, v)
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

// Codec encodes the loader messages in protobuf wire format. Other proto
// messages, such as those of the health service, use the standard encoding.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case wireMessage:
		return m.marshalWire(), nil
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("codec: cannot marshal %T", v)
	}
}

func (Codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case wireMessage:
		return m.unmarshalWire(data)
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("codec: cannot unmarshal into %T", v)
	}
}

func (Codec) Name() string {
	return "proto"
}
