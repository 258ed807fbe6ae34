package grpcbridge

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from bridge.proto.
const (
	envelopeFieldJSONRPC   = 1
	envelopeFieldMetadata  = 2
	envelopeFieldSessionID = 3
	envelopeFieldSeq       = 4

	mapEntryFieldKey   = 1
	mapEntryFieldValue = 2

	healthFieldOk      = 1
	healthFieldMessage = 2
)

// marshal encodes the envelope in protobuf wire format. Map entries are
// emitted in sorted key order so encoding is deterministic.
func (e *Envelope) marshal() []byte {
	var b []byte
	if e.JSONRPC != "" {
		b = protowire.AppendTag(b, envelopeFieldJSONRPC, protowire.BytesType)
		b = protowire.AppendString(b, e.JSONRPC)
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			var entry []byte
			entry = protowire.AppendTag(entry, mapEntryFieldKey, protowire.BytesType)
			entry = protowire.AppendString(entry, k)
			entry = protowire.AppendTag(entry, mapEntryFieldValue, protowire.BytesType)
			entry = protowire.AppendString(entry, e.Metadata[k])

			b = protowire.AppendTag(b, envelopeFieldMetadata, protowire.BytesType)
			b = protowire.AppendBytes(b, entry)
		}
	}
	if e.SessionID != "" {
		b = protowire.AppendTag(b, envelopeFieldSessionID, protowire.BytesType)
		b = protowire.AppendString(b, e.SessionID)
	}
	if e.Seq != 0 {
		b = protowire.AppendTag(b, envelopeFieldSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, e.Seq)
	}
	return b
}

// unmarshal decodes protobuf wire format into the envelope. Unknown fields
// are skipped, matching proto3 semantics.
func (e *Envelope) unmarshal(data []byte) error {
	*e = Envelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("envelope: invalid tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == envelopeFieldJSONRPC && typ == protowire.BytesType:
			value, n := protowire.ConsumeString(data)
			if n < 0 {
				return fmt.Errorf("envelope: json_rpc: %w", protowire.ParseError(n))
			}
			e.JSONRPC = value
			data = data[n:]
		case num == envelopeFieldMetadata && typ == protowire.BytesType:
			entry, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("envelope: metadata entry: %w", protowire.ParseError(n))
			}
			key, value, err := unmarshalMapEntry(entry)
			if err != nil {
				return err
			}
			if e.Metadata == nil {
				e.Metadata = make(map[string]string)
			}
			e.Metadata[key] = value
			data = data[n:]
		case num == envelopeFieldSessionID && typ == protowire.BytesType:
			value, n := protowire.ConsumeString(data)
			if n < 0 {
				return fmt.Errorf("envelope: session_id: %w", protowire.ParseError(n))
			}
			e.SessionID = value
			data = data[n:]
		case num == envelopeFieldSeq && typ == protowire.VarintType:
			value, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("envelope: seq: %w", protowire.ParseError(n))
			}
			e.Seq = value
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("envelope: field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}

func unmarshalMapEntry(data []byte) (key, value string, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", "", fmt.Errorf("metadata entry: invalid tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == mapEntryFieldKey && typ == protowire.BytesType:
			key, n = protowire.ConsumeString(data)
		case num == mapEntryFieldValue && typ == protowire.BytesType:
			value, n = protowire.ConsumeString(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return "", "", fmt.Errorf("metadata entry: %w", protowire.ParseError(n))
		}
		data = data[n:]
	}
	return key, value, nil
}

func (h *HealthResponse) marshal() []byte {
	var b []byte
	if h.Ok {
		b = protowire.AppendTag(b, healthFieldOk, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if h.Message != "" {
		b = protowire.AppendTag(b, healthFieldMessage, protowire.BytesType)
		b = protowire.AppendString(b, h.Message)
	}
	return b
}

func (h *HealthResponse) unmarshal(data []byte) error {
	*h = HealthResponse{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("health response: invalid tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == healthFieldOk && typ == protowire.VarintType:
			value, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("health response: ok: %w", protowire.ParseError(n))
			}
			h.Ok = value != 0
			data = data[n:]
		case num == healthFieldMessage && typ == protowire.BytesType:
			value, n := protowire.ConsumeString(data)
			if n < 0 {
				return fmt.Errorf("health response: message: %w", protowire.ParseError(n))
			}
			h.Message = value
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("health response: field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}
