package senderkey

import (
	"bytes"
	"testing"
)

func TestAddStateEvictsHeadAtCapacity(t *testing.T) {
	r := NewRecord()
	for i := uint32(1); i <= maxStates; i++ {
		r.AddState(i, 0, nil, []byte{byte(i)})
	}
	if len(r.States()) != maxStates {
		t.Fatalf("len(states) = %d, want %d", len(r.States()), maxStates)
	}
	r.AddState(maxStates+1, 0, nil, []byte{byte(maxStates + 1)})
	states := r.States()
	if len(states) != maxStates {
		t.Fatalf("len(states) after overflow = %d, want %d", len(states), maxStates)
	}
	if states[0].KeyID != 2 {
		t.Errorf("oldest state KeyID = %d, want 2 (original head evicted)", states[0].KeyID)
	}
	if states[len(states)-1].KeyID != maxStates+1 {
		t.Errorf("newest state KeyID = %d, want %d", states[len(states)-1].KeyID, maxStates+1)
	}
}

func TestGetStateByIDSkipsInvalid(t *testing.T) {
	r := NewRecord()
	r.AddState(5, 0, nil, nil) // invalid: empty signing public key
	if _, ok := r.GetState(u32(5)); ok {
		t.Error("GetState(5) should not return an invalid state")
	}
}

func TestGetStateNoIDScansTailwardAndEmptiesOnAllInvalid(t *testing.T) {
	r := NewRecord()
	r.AddState(1, 0, nil, nil)
	r.AddState(2, 0, nil, nil)
	if _, ok := r.GetState(nil); ok {
		t.Error("GetState(nil) should report absence when every state is invalid")
	}
	if !r.IsEmpty() {
		t.Error("record should be emptied after GetState(nil) finds no valid state")
	}
}

func TestGetStateNoIDReturnsNewestValid(t *testing.T) {
	r := NewRecord()
	r.AddState(1, 0, nil, []byte("pub1"))
	r.AddState(2, 0, nil, nil) // invalid, should be skipped
	got, ok := r.GetState(nil)
	if !ok {
		t.Fatal("GetState(nil) should find the valid state")
	}
	if got.KeyID != 1 {
		t.Errorf("KeyID = %d, want 1", got.KeyID)
	}
}

func TestSetStateResetsRing(t *testing.T) {
	r := NewRecord()
	r.AddState(1, 0, nil, []byte("pub1"))
	r.AddState(2, 0, nil, []byte("pub2"))
	r.SetState(9, 3, []byte("seed"), SigningKeyPair{Public: []byte("pub9"), Private: []byte("priv9")})
	states := r.States()
	if len(states) != 1 {
		t.Fatalf("len(states) = %d, want 1", len(states))
	}
	if states[0].KeyID != 9 || !bytes.Equal(states[0].SigningKey.Private, []byte("priv9")) {
		t.Errorf("state = %+v", states[0])
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	r := NewRecord()
	r.AddState(1, 4, []byte{1, 2, 3}, []byte{4, 5, 6})
	r.SetState(7, 1, []byte{9, 9}, SigningKeyPair{Public: []byte{1}, Private: []byte{2}})

	data, err := r.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	// as raw bytes
	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize([]byte) error = %v", err)
	}
	assertRecordsEqual(t, r, got)

	// as JSON text (string)
	got2, err := Deserialize(string(data))
	if err != nil {
		t.Fatalf("Deserialize(string) error = %v", err)
	}
	assertRecordsEqual(t, r, got2)
}

func assertRecordsEqual(t *testing.T, want, got *Record) {
	t.Helper()
	ws, gs := want.States(), got.States()
	if len(ws) != len(gs) {
		t.Fatalf("len mismatch: want %d, got %d", len(ws), len(gs))
	}
	for i := range ws {
		if ws[i].KeyID != gs[i].KeyID ||
			ws[i].ChainKey.Iteration != gs[i].ChainKey.Iteration ||
			!bytes.Equal(ws[i].ChainKey.Seed, gs[i].ChainKey.Seed) ||
			!bytes.Equal(ws[i].SigningKey.Public, gs[i].SigningKey.Public) ||
			!bytes.Equal(ws[i].SigningKey.Private, gs[i].SigningKey.Private) {
			t.Errorf("state %d mismatch: want %+v, got %+v", i, ws[i], gs[i])
		}
	}
}

func TestDeserializeEmpty(t *testing.T) {
	r, err := Deserialize(nil)
	if err != nil {
		t.Fatalf("Deserialize(nil) error = %v", err)
	}
	if !r.IsEmpty() {
		t.Error("Deserialize(nil) should produce an empty record")
	}
	r2, err := Deserialize([]byte(""))
	if err != nil {
		t.Fatalf("Deserialize(empty bytes) error = %v", err)
	}
	if !r2.IsEmpty() {
		t.Error("Deserialize(empty bytes) should produce an empty record")
	}
}

func u32(v uint32) *uint32 { return &v }
