// Package senderkey implements the in-memory ring of group sender-key
// states (spec.md component A): validation, most-recent-valid selection,
// and the JSON wire shape used to persist a record through the store.
package senderkey

// maxStates is the ring's capacity; on overflow the oldest state is
// evicted, per spec.md §3/§4.A.
const maxStates = 5

// ChainKey is the hash-ratchet state for a sender key.
type ChainKey struct {
	Iteration uint32
	Seed      []byte
}

// SigningKeyPair is the Ed25519-ish signing key associated with a sender
// key state. Private is only populated for a key this endpoint owns.
type SigningKeyPair struct {
	Public  []byte
	Private []byte
}

// MessageKey is one entry of the bounded lookahead window kept for
// out-of-order message decryption.
type MessageKey struct {
	Iteration uint32
	Seed      []byte
}

// State is a single sender-key state in a group's ring.
type State struct {
	KeyID       uint32
	ChainKey    ChainKey
	SigningKey  SigningKeyPair
	MessageKeys []MessageKey
}

// Valid reports whether s satisfies the validity predicate from
// spec.md §3: a positive key id, a present chain key, and a non-empty
// signing public key.
func (s State) Valid() bool {
	return s.KeyID > 0 && len(s.SigningKey.Public) > 0
}

// Record is an ordered ring of up to maxStates States, newest at the tail.
type Record struct {
	states []State
}

// NewRecord builds an empty record.
func NewRecord() *Record {
	return &Record{}
}

// IsEmpty reports whether the record holds no states.
func (r *Record) IsEmpty() bool {
	return len(r.states) == 0
}

// GetState returns the state matching keyID, or, when keyID is nil, the
// newest state that passes [State.Valid], scanning tailward. If no valid
// state exists in the no-id case, the record is emptied and absence is
// reported — this is the self-healing behavior spec.md §3 describes for
// storage corruption.
func (r *Record) GetState(keyID *uint32) (State, bool) {
	if keyID != nil {
		for _, s := range r.states {
			if s.KeyID == *keyID && s.Valid() {
				return s, true
			}
		}
		return State{}, false
	}
	for i := len(r.states) - 1; i >= 0; i-- {
		if r.states[i].Valid() {
			return r.states[i], true
		}
	}
	r.states = nil
	return State{}, false
}

// AddState appends a new state built from its components, evicting the
// head if the ring is already at capacity.
func (r *Record) AddState(keyID uint32, iteration uint32, chainKeySeed []byte, publicSigningKey []byte) {
	r.append(State{
		KeyID:      keyID,
		ChainKey:   ChainKey{Iteration: iteration, Seed: chainKeySeed},
		SigningKey: SigningKeyPair{Public: publicSigningKey},
	})
}

// SetState clears the ring and installs a single full state, used when
// this endpoint is the sender and owns the private signing key.
func (r *Record) SetState(keyID uint32, iteration uint32, chainKeySeed []byte, signingKey SigningKeyPair) {
	r.states = []State{{
		KeyID:      keyID,
		ChainKey:   ChainKey{Iteration: iteration, Seed: chainKeySeed},
		SigningKey: signingKey,
	}}
}

func (r *Record) append(s State) {
	r.states = append(r.states, s)
	if len(r.states) > maxStates {
		r.states = r.states[len(r.states)-maxStates:]
	}
}

// States returns a copy of the ring, oldest first.
func (r *Record) States() []State {
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}

// ReplaceStates installs states verbatim (capped to maxStates, keeping the
// tail), used by the janitor after filtering.
func (r *Record) ReplaceStates(states []State) {
	if len(states) > maxStates {
		states = states[len(states)-maxStates:]
	}
	r.states = append([]State(nil), states...)
}
