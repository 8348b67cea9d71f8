package wire

import "encoding/json"

// Codec turns a Frame into bytes and back. The wire framing itself is an
// external interface per spec.md §1 ("Non-goals": "the serialization codec
// ... an opaque dependency"); JSONCodec is this server's concrete choice,
// matching the teacher's request/response marshaling idiom.
type Codec interface {
	Encode(Frame) ([]byte, error)
	Decode([]byte) (Frame, error)
}

// JSONCodec implements Codec over encoding/json.
type JSONCodec struct{}

// Encode marshals a frame to its JSON wire form.
func (JSONCodec) Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode unmarshals a frame's JSON wire form. The payload remains a raw
// json.RawMessage-backed map until the dispatcher decodes it against the
// frame's declared Type.
func (JSONCodec) Decode(data []byte) (Frame, error) {
	var raw struct {
		Type    Type            `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, err
	}
	return Frame{Type: raw.Type, Payload: raw.Payload}, nil
}

// DecodePayload unmarshals a frame's raw payload into dst. Call after
// Decode once the frame's Type is known.
func DecodePayload(f Frame, dst interface{}) error {
	raw, ok := f.Payload.(json.RawMessage)
	if !ok {
		return json.Unmarshal(mustMarshal(f.Payload), dst)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return data
}
