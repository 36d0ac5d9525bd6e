package relay

import (
	"context"
	"sync"

	"go.mau.fi/util/exslices"

	"github.com/dsonbaker/warelay/participant"
	"github.com/dsonbaker/warelay/types"
	"github.com/dsonbaker/warelay/wabinary"
	"github.com/dsonbaker/warelay/wamsg"
)

// relayUser implements spec.md §4.I's user/peer branch. ClassPeer skips
// device resolution entirely and addresses the given JID directly with a
// bare <enc> (no <participants> fan-out); ClassUser resolves the full
// {me, dest} device set and fans out to all of it.
func (e *Engine) relayUser(ctx context.Context, req Request, class Class) error {
	if class == ClassPeer {
		if _, err := e.asserter.AssertSessions(ctx, []types.JID{req.To}, false); err != nil {
			return err
		}
		d := dispatchInput{
			class:           class,
			dest:            req.To,
			deviceFanout:    false,
			singleDevice:    req.To,
			message:         req.Message,
			pinInChat:       req.PinInChat,
			extraAttrs:      req.ExtraAttributes,
			messageID:       req.ID,
			additionalNodes: req.AdditionalNodes,
		}
		return e.dispatch(ctx, d)
	}

	me := e.config.Me
	resolved, err := e.resolver.ResolveDevices(ctx, []types.JID{me, req.To}, true, true)
	if err != nil {
		return err
	}
	devices := exslices.DeduplicateUnsorted(append([]types.JID{me, req.To}, resolved...))

	if _, err := e.asserter.AssertSessions(ctx, devices, false); err != nil {
		return err
	}

	d := dispatchInput{
		class:           class,
		dest:            req.To,
		devices:         devices,
		deviceFanout:    true,
		message:         req.Message,
		pinInChat:       req.PinInChat,
		extraAttrs:      req.ExtraAttributes,
		messageID:       req.ID,
		additionalNodes: req.AdditionalNodes,
	}
	return e.dispatch(ctx, d)
}

// userDispatchPayload builds participant nodes for a plain user send,
// wrapping the message in a deviceSentMessage for the sender's own other
// devices, per spec.md §4.I "rewriting my user to lid format" and the
// deviceSentMessage convention. The two halves encrypt in parallel since
// they share no state.
func (e *Engine) userDispatchPayload(ctx context.Context, d dispatchInput, encExtra wabinary.Attrs) ([]wabinary.Node, bool, error) {
	me := e.config.Me
	myUser := me
	if d.dest.Server == types.HiddenUserServer && !e.config.MeLID.IsEmpty() {
		myUser = e.config.MeLID
	}

	var mine, other []types.JID
	for _, dev := range d.devices {
		if dev.UserEqual(me) {
			mine = append(mine, types.JID{User: myUser.User, Device: dev.Device, Server: myUser.Server})
		} else {
			other = append(other, dev)
		}
	}

	var mineNodes, otherNodes []wabinary.Node
	var mineIdentity, otherIdentity bool
	var mineErr, otherErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if len(mine) == 0 {
			return
		}
		mineNodes, mineIdentity, mineErr = e.participants.BuildParticipantNodes(ctx, mine, d.message, e.deviceSentPatch(d.dest), encExtra)
	}()
	go func() {
		defer wg.Done()
		if len(other) == 0 {
			return
		}
		otherNodes, otherIdentity, otherErr = e.participants.BuildParticipantNodes(ctx, other, d.message, e.patchFunc(), encExtra)
	}()
	wg.Wait()

	if mineErr != nil {
		return nil, false, mineErr
	}
	if otherErr != nil {
		return nil, false, otherErr
	}
	return append(mineNodes, otherNodes...), mineIdentity || otherIdentity, nil
}

// patchFunc composes the caller's MessagePatcher collaborator, if any,
// into a [participant.PatchFunc].
func (e *Engine) patchFunc() participant.PatchFunc {
	if e.collab.PatchMessage == nil {
		return nil
	}
	return func(jid types.JID, msg *wamsg.Message) *wamsg.Message {
		return e.collab.PatchMessage.PatchMessageBeforeSending(jid, msg)
	}
}

// deviceSentPatch wraps the message in a deviceSentMessage addressed to
// dest before applying any caller patch, for the sender's own other
// devices.
func (e *Engine) deviceSentPatch(dest types.JID) participant.PatchFunc {
	return func(jid types.JID, msg *wamsg.Message) *wamsg.Message {
		wrapped := &wamsg.Message{DeviceSentMessage: &wamsg.DeviceSentMessage{
			DestinationJID: dest.String(),
			Message:        msg,
		}}
		if e.collab.PatchMessage != nil {
			return e.collab.PatchMessage.PatchMessageBeforeSending(jid, wrapped)
		}
		return wrapped
	}
}
