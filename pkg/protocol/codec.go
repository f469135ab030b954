package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Stores serialize message payloads as JSON. Plain JSON loses timestamps,
// URLs and binary blobs, so values of those types are encoded as typed
// markers of the form {"__$type": "...", "value": "..."} and restored on
// decode. EncodeValue followed by DecodeValue is the identity for any
// payload built from maps, slices, primitives, time.Time, *url.URL and
// []byte.

const typeMarkerKey = "__$type"

const (
	markerDate  = "Date"
	markerURL   = "URL"
	markerBytes = "Bytes"
)

// EncodeValue rewrites a payload into its marker-annotated form.
func EncodeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return map[string]any{typeMarkerKey: markerDate, "value": val.Format(time.RFC3339Nano)}
	case *url.URL:
		return map[string]any{typeMarkerKey: markerURL, "value": val.String()}
	case []byte:
		return map[string]any{typeMarkerKey: markerBytes, "value": base64.StdEncoding.EncodeToString(val)}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = EncodeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = EncodeValue(item)
		}
		return out
	default:
		return v
	}
}

// DecodeValue restores typed markers produced by EncodeValue.
func DecodeValue(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if marker, ok := val[typeMarkerKey].(string); ok {
			raw, _ := val["value"].(string)
			switch marker {
			case markerDate:
				t, err := time.Parse(time.RFC3339Nano, raw)
				if err != nil {
					return nil, fmt.Errorf("decode date marker: %w", err)
				}
				return t, nil
			case markerURL:
				u, err := url.Parse(raw)
				if err != nil {
					return nil, fmt.Errorf("decode url marker: %w", err)
				}
				return u, nil
			case markerBytes:
				b, err := base64.StdEncoding.DecodeString(raw)
				if err != nil {
					return nil, fmt.Errorf("decode bytes marker: %w", err)
				}
				return b, nil
			default:
				return nil, fmt.Errorf("unknown type marker %q", marker)
			}
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			decoded, err := DecodeValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = decoded
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			decoded, err := DecodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	default:
		return v, nil
	}
}

// MarshalMessage serializes a message with typed markers applied to tool
// arguments and results.
func MarshalMessage(msg Message) ([]byte, error) {
	encoded := msg
	encoded.Parts = make([]Part, len(msg.Parts))
	for i, p := range msg.Parts {
		encoded.Parts[i] = p
		if p.ToolCall != nil {
			call := *p.ToolCall
			if call.Args != nil {
				call.Args = EncodeValue(call.Args).(map[string]any)
			}
			encoded.Parts[i].ToolCall = &call
		}
		if p.ToolResult != nil {
			result := *p.ToolResult
			result.Result = EncodeValue(result.Result)
			encoded.Parts[i].ToolResult = &result
		}
	}
	return json.Marshal(encoded)
}

// UnmarshalMessage restores a message serialized by MarshalMessage.
func UnmarshalMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	for i, p := range msg.Parts {
		if p.ToolCall != nil && p.ToolCall.Args != nil {
			decoded, err := DecodeValue(p.ToolCall.Args)
			if err != nil {
				return Message{}, err
			}
			msg.Parts[i].ToolCall.Args = decoded.(map[string]any)
		}
		if p.ToolResult != nil && p.ToolResult.Result != nil {
			decoded, err := DecodeValue(p.ToolResult.Result)
			if err != nil {
				return Message{}, err
			}
			msg.Parts[i].ToolResult.Result = decoded
		}
	}
	return msg, nil
}
