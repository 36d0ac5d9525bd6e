// Package janitor implements the two opportunistic cleanup passes over
// the sender-key store (spec.md component C): both are idempotent, safe
// to run at any time, and never surface an error to the caller — a
// failed sweep is logged and the store is left untouched.
package janitor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dsonbaker/warelay/senderkey"
	"github.com/dsonbaker/warelay/store"
)

// defaultMaxStatesPerGroup bounds the aggressive key pass, matching the
// sender-key ring's own cap.
const defaultMaxStatesPerGroup = 5

// Janitor sweeps the sender-key and sender-key-memory categories. It
// requires the store to additionally implement [store.KeyLister]; without
// that capability both passes are no-ops (logged once, not per call).
type Janitor struct {
	store             store.KeyStore
	lister            store.KeyLister
	log               zerolog.Logger
	maxStatesPerGroup int
}

// New builds a Janitor over s, deriving its enumeration capability via a
// type assertion on s itself.
func New(s store.KeyStore, log zerolog.Logger) *Janitor {
	j := &Janitor{store: s, log: log, maxStatesPerGroup: defaultMaxStatesPerGroup}
	if lister, ok := s.(store.KeyLister); ok {
		j.lister = lister
	} else {
		log.Warn().Msg("store does not support key enumeration; janitor sweeps are disabled")
	}
	return j
}

// RunMemoryPass walks sender-key-memory: drops non-object entries, keeps
// only device-jid to true mappings, deletes now-empty groups, and writes
// back any group whose cleaned value differs from what was stored.
func (j *Janitor) RunMemoryPass(ctx context.Context) {
	if j.lister == nil {
		return
	}
	ids, err := j.lister.ListIDs(ctx, store.CategorySenderKeyMemory)
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: failed to list sender-key-memory")
		return
	}
	for _, group := range ids {
		if err := j.cleanMemoryEntry(ctx, group); err != nil {
			j.log.Warn().Err(err).Str("group", group).Msg("janitor: memory pass failed for group")
		}
	}
}

func (j *Janitor) cleanMemoryEntry(ctx context.Context, group string) error {
	values, err := j.store.Get(ctx, store.CategorySenderKeyMemory, []string{group})
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	raw, ok := values[group]
	if !ok {
		return nil
	}

	var parsed map[string]bool
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Not a JSON object at all: drop it outright.
		return j.writeMemory(ctx, group, nil)
	}
	cleaned := make(map[string]bool, len(parsed))
	for device, present := range parsed {
		if present {
			cleaned[device] = true
		}
	}
	if len(cleaned) == 0 {
		return j.writeMemory(ctx, group, nil)
	}
	if len(cleaned) == len(parsed) {
		return nil
	}
	encoded, err := json.Marshal(cleaned)
	if err != nil {
		return fmt.Errorf("encode cleaned memory: %w", err)
	}
	return j.writeMemory(ctx, group, encoded)
}

func (j *Janitor) writeMemory(ctx context.Context, group string, value []byte) error {
	return j.store.Set(ctx, map[store.Category]map[string][]byte{
		store.CategorySenderKeyMemory: {group: value},
	})
}

// RunKeyPass walks sender-key: decodes each record, drops malformed or
// empty ones, filters invalid states, trims to maxStatesPerGroup keeping
// the tail, and deletes any key left with zero valid states.
func (j *Janitor) RunKeyPass(ctx context.Context) {
	if j.lister == nil {
		return
	}
	ids, err := j.lister.ListIDs(ctx, store.CategorySenderKey)
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: failed to list sender-key")
		return
	}
	for _, id := range ids {
		if err := j.cleanKeyEntry(ctx, id); err != nil {
			j.log.Warn().Err(err).Str("key", id).Msg("janitor: key pass failed")
		}
	}
}

func (j *Janitor) cleanKeyEntry(ctx context.Context, id string) error {
	values, err := j.store.Get(ctx, store.CategorySenderKey, []string{id})
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	raw, ok := values[id]
	if !ok {
		return nil
	}

	record, err := senderkey.Deserialize(raw)
	if err != nil || record.IsEmpty() {
		return j.writeKey(ctx, id, nil)
	}

	var valid []senderkey.State
	for _, s := range record.States() {
		if s.Valid() {
			valid = append(valid, s)
		}
	}
	if len(valid) == 0 {
		return j.writeKey(ctx, id, nil)
	}
	if len(valid) > j.maxStatesPerGroup {
		valid = valid[len(valid)-j.maxStatesPerGroup:]
	}

	trimmed := senderkey.NewRecord()
	trimmed.ReplaceStates(valid)
	encoded, err := trimmed.Serialize()
	if err != nil {
		return fmt.Errorf("encode trimmed record: %w", err)
	}
	return j.writeKey(ctx, id, encoded)
}

func (j *Janitor) writeKey(ctx context.Context, id string, value []byte) error {
	return j.store.Set(ctx, map[store.Category]map[string][]byte{
		store.CategorySenderKey: {id: value},
	})
}

// ClearGroupMemory deletes sender-key-memory[group] entirely.
func (j *Janitor) ClearGroupMemory(ctx context.Context, group string) error {
	return j.writeMemory(ctx, group, nil)
}

// ClearLocalSenderKey deletes this endpoint's own sender key for group,
// synthesizing the composite key groupJid::meId::0 per spec.md §4.C.
func (j *Janitor) ClearLocalSenderKey(ctx context.Context, group, meJID string) error {
	return j.writeKey(ctx, fmt.Sprintf("%s::%s::0", group, meJID), nil)
}
