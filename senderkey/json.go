package senderkey

import (
	"encoding/json"
	"fmt"
)

// bufferJSON is the `{type:"Buffer", data:[...]}` shape the wire reviver
// recognizes for binary fields, per spec.md §6.
type bufferJSON struct {
	Type string `json:"type"`
	Data []byte `json:"data"`
}

// MarshalJSON renders b as {"type":"Buffer","data":[...]} with data as a
// plain byte array rather than base64, matching the reviver's wire shape.
func (b bufferJSON) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b.Data))
	for i, v := range b.Data {
		ints[i] = int(v)
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		Data []int  `json:"data"`
	}{Type: "Buffer", Data: ints})
}

func (b *bufferJSON) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type string `json:"type"`
		Data []int  `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.Type = raw.Type
	b.Data = make([]byte, len(raw.Data))
	for i, v := range raw.Data {
		b.Data[i] = byte(v)
	}
	return nil
}

type chainKeyJSON struct {
	Iteration uint32     `json:"iteration"`
	Seed      bufferJSON `json:"seed"`
}

type signingKeyJSON struct {
	Public  bufferJSON  `json:"public"`
	Private *bufferJSON `json:"private,omitempty"`
}

type messageKeyJSON struct {
	Iteration uint32     `json:"iteration"`
	Seed      bufferJSON `json:"seed"`
}

type stateJSON struct {
	SenderKeyID       uint32           `json:"senderKeyId"`
	SenderChainKey    chainKeyJSON     `json:"senderChainKey"`
	SenderSigningKey  signingKeyJSON   `json:"senderSigningKey"`
	SenderMessageKeys []messageKeyJSON `json:"senderMessageKeys"`
}

func toStateJSON(s State) stateJSON {
	out := stateJSON{
		SenderKeyID:    s.KeyID,
		SenderChainKey: chainKeyJSON{Iteration: s.ChainKey.Iteration, Seed: bufferJSON{Data: s.ChainKey.Seed}},
		SenderSigningKey: signingKeyJSON{
			Public: bufferJSON{Data: s.SigningKey.Public},
		},
	}
	if len(s.SigningKey.Private) > 0 {
		out.SenderSigningKey.Private = &bufferJSON{Data: s.SigningKey.Private}
	}
	for _, mk := range s.MessageKeys {
		out.SenderMessageKeys = append(out.SenderMessageKeys, messageKeyJSON{
			Iteration: mk.Iteration,
			Seed:      bufferJSON{Data: mk.Seed},
		})
	}
	return out
}

func fromStateJSON(s stateJSON) State {
	out := State{
		KeyID:      s.SenderKeyID,
		ChainKey:   ChainKey{Iteration: s.SenderChainKey.Iteration, Seed: s.SenderChainKey.Seed.Data},
		SigningKey: SigningKeyPair{Public: s.SenderSigningKey.Public.Data},
	}
	if s.SenderSigningKey.Private != nil {
		out.SigningKey.Private = s.SenderSigningKey.Private.Data
	}
	for _, mk := range s.SenderMessageKeys {
		out.MessageKeys = append(out.MessageKeys, MessageKey{Iteration: mk.Iteration, Seed: mk.Seed.Data})
	}
	return out
}

// Serialize renders the record as the JSON array shape from spec.md §6.
func (r *Record) Serialize() ([]byte, error) {
	arr := make([]stateJSON, len(r.states))
	for i, s := range r.states {
		arr[i] = toStateJSON(s)
	}
	return json.Marshal(arr)
}

// Deserialize builds a Record from input in any of the three accepted
// shapes: JSON text, a raw byte buffer holding UTF-8 JSON (both are just
// []byte/string in Go, so they're handled identically), or an
// already-parsed value (a []any of map[string]any, as produced by a
// generic json.Unmarshal into `any`).
func Deserialize(input any) (*Record, error) {
	switch v := input.(type) {
	case []byte:
		return deserializeJSON(v)
	case string:
		return deserializeJSON([]byte(v))
	case []any:
		return deserializeParsed(v)
	case nil:
		return NewRecord(), nil
	default:
		return nil, fmt.Errorf("senderkey: unsupported deserialize input type %T", input)
	}
}

func deserializeJSON(data []byte) (*Record, error) {
	if len(data) == 0 {
		return NewRecord(), nil
	}
	var arr []stateJSON
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("senderkey: decode record: %w", err)
	}
	r := NewRecord()
	for _, s := range arr {
		r.states = append(r.states, fromStateJSON(s))
	}
	return r, nil
}

// deserializeParsed rebuilds states from a generically-parsed JSON value
// (map[string]any per element), re-marshaling through encoding/json to
// reuse the same field mapping rather than hand-walking the map.
func deserializeParsed(arr []any) (*Record, error) {
	reencoded, err := json.Marshal(arr)
	if err != nil {
		return nil, fmt.Errorf("senderkey: re-encode parsed record: %w", err)
	}
	return deserializeJSON(reencoded)
}
