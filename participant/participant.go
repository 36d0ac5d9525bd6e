// Package participant implements the Participant Node Builder (spec.md
// component H): turn a message plus a set of recipient device JIDs into
// the per-recipient `<to><enc>` nodes the relay engine attaches to an
// outgoing stanza, encrypting once per device in parallel.
package participant

import (
	"context"
	"fmt"
	"sync"

	"github.com/dsonbaker/warelay/signalrepo"
	"github.com/dsonbaker/warelay/types"
	"github.com/dsonbaker/warelay/wabinary"
	"github.com/dsonbaker/warelay/waerror"
	"github.com/dsonbaker/warelay/wamsg"
)

// PatchFunc lets a caller adjust the message per recipient before it's
// serialized and encrypted, e.g. swapping in a deviceSentMessage wrapper
// for the sender's own other devices.
type PatchFunc func(jid types.JID, msg *wamsg.Message) *wamsg.Message

// Builder implements buildParticipantNodes.
type Builder struct {
	repo signalrepo.Repository
}

// New builds a Builder.
func New(repo signalrepo.Repository) *Builder {
	return &Builder{repo: repo}
}

// recipientResult is one recipient's encryption outcome, threaded through
// a fixed-size slice so that parallel encryption doesn't need a mutex
// around a shared accumulator.
type recipientResult struct {
	node  wabinary.Node
	pkmsg bool
	err   error
	jid   types.JID
}

// BuildParticipantNodes applies patch (if non-nil) per recipient,
// serializes once per recipient, encrypts in parallel via the Signal
// repository, and returns the `<to><enc>` nodes plus whether any
// recipient required a prekey message (in which case the caller must
// attach a device-identity node).
//
// An empty jids list returns (nil, false) without touching the
// encryption primitive at all.
func (b *Builder) BuildParticipantNodes(ctx context.Context, jids []types.JID, msg *wamsg.Message, patch PatchFunc, extraAttrs wabinary.Attrs) ([]wabinary.Node, bool, error) {
	if len(jids) == 0 {
		return nil, false, nil
	}

	results := make([]recipientResult, len(jids))
	var wg sync.WaitGroup
	for i, jid := range jids {
		wg.Add(1)
		go func(i int, jid types.JID) {
			defer wg.Done()
			results[i] = b.encryptFor(ctx, jid, msg, patch, extraAttrs)
		}(i, jid)
	}
	wg.Wait()

	nodes := make([]wabinary.Node, 0, len(jids))
	includeDeviceIdentity := false
	for _, r := range results {
		if r.err != nil {
			return nil, false, fmt.Errorf("participant: encrypt for %s: %w", r.jid, r.err)
		}
		nodes = append(nodes, r.node)
		if r.pkmsg {
			includeDeviceIdentity = true
		}
	}
	return nodes, includeDeviceIdentity, nil
}

func (b *Builder) encryptFor(ctx context.Context, jid types.JID, msg *wamsg.Message, patch PatchFunc, extraAttrs wabinary.Attrs) recipientResult {
	perRecipient := msg
	if patch != nil {
		perRecipient = patch(jid, msg)
	}
	plaintext := wamsg.Marshal(perRecipient)

	ciphertext, err := b.repo.EncryptForDevice(ctx, jid, plaintext)
	if err != nil {
		return recipientResult{err: fmt.Errorf("%w: %w", waerror.ErrCrypto, err), jid: jid}
	}

	encAttrs := wabinary.NewAttrs().Set("v", "2").Set("type", encTypeName(ciphertext.Type))
	for k, v := range extraAttrs {
		encAttrs.Set(k, v)
	}

	node := wabinary.Node{
		Tag:   "to",
		Attrs: wabinary.NewAttrs().Set("jid", jid),
		Content: []wabinary.Node{{
			Tag:     "enc",
			Attrs:   encAttrs,
			Content: ciphertext.Bytes,
		}},
	}
	return recipientResult{node: node, pkmsg: ciphertext.Type == signalrepo.TypePreKeyMessage, jid: jid}
}

func encTypeName(t signalrepo.CipherType) string {
	if t == signalrepo.TypePreKeyMessage {
		return "pkmsg"
	}
	return "msg"
}
