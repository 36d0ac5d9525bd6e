package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dsonbaker/warelay/signalrepo"
	"github.com/dsonbaker/warelay/types"
	"github.com/dsonbaker/warelay/wabinary"
	"github.com/dsonbaker/warelay/wamsg"
)

// dispatchInput is the shared description of one stanza emission, built
// by whichever branch (participant override, user/peer, or a single
// group block) decided on a recipient set.
type dispatchInput struct {
	class Class
	dest  types.JID

	// groupJID is set iff class is ClassGroup or ClassStatusBroadcast.
	groupJID types.JID
	// devices is the fan-out recipient set when deviceFanout is true.
	devices []types.JID
	// skdmTargets is the subset of devices (group/status only) that
	// still needs the sender-key distribution message this round.
	skdmTargets []types.JID

	// deviceFanout selects between a <participants> wrapper (true) and a
	// single bare <enc> node directly under <message> (false), per
	// spec.md §4.I's "device_fanout" flag.
	deviceFanout bool
	// singleDevice is the one recipient device when deviceFanout is false.
	singleDevice types.JID

	// participantOverride is non-zero when the caller passed an explicit
	// recipient device, per spec.md §4.I's "Participant override branch".
	participantOverride types.JID

	message         *wamsg.Message
	pinInChat       bool
	extraAttrs      wabinary.Attrs
	messageID       types.MessageID
	phash           string
	additionalNodes []wabinary.Node
}

// dispatch implements spec.md §4.I's Dispatch sub-procedure: stamp
// media-type/decrypt-fail attrs, build the recipient content (group
// sender-key payload, fanned-out participant nodes, or a bare enc),
// assemble the stanza, and emit it.
func (e *Engine) dispatch(ctx context.Context, d dispatchInput) error {
	mediatype := e.mediaTypeCache.lookup(d.message)
	encExtra := wabinary.NewAttrs()
	encExtra.SetIf(mediatype != "", "mediatype", mediatype)
	encExtra.SetIf(d.pinInChat, "decrypt-fail", "hide")

	var participantsNodes []wabinary.Node
	includeIdentity := false
	var extraContent *wabinary.Node

	switch d.class {
	case ClassGroup, ClassStatusBroadcast:
		nodes, ident, enc, err := e.groupDispatchPayload(ctx, d, encExtra)
		if err != nil {
			return err
		}
		participantsNodes, includeIdentity, extraContent = nodes, ident, &enc
	default:
		if d.deviceFanout {
			nodes, ident, err := e.userDispatchPayload(ctx, d, encExtra)
			if err != nil {
				return err
			}
			participantsNodes, includeIdentity = nodes, ident
		} else {
			node, ident, err := e.bareDispatchPayload(ctx, d, encExtra)
			if err != nil {
				return err
			}
			extraContent, includeIdentity = &node, ident
		}
	}

	stanza := e.assembleStanza(d, participantsNodes, includeIdentity, extraContent)
	return e.sender.SendStanza(ctx, stanza)
}

// bareDispatchPayload encrypts for exactly one device and returns a bare
// <enc>, used for peer messages and non-group participant overrides
// (spec.md §4.I: "[category=peer: the single <enc> only]").
func (e *Engine) bareDispatchPayload(ctx context.Context, d dispatchInput, extraAttrs wabinary.Attrs) (wabinary.Node, bool, error) {
	msg := d.message
	if e.collab.PatchMessage != nil {
		msg = e.collab.PatchMessage.PatchMessageBeforeSending(d.singleDevice, msg)
	}
	ciphertext, err := e.repo.EncryptForDevice(ctx, d.singleDevice, wamsg.Marshal(msg))
	if err != nil {
		return wabinary.Node{}, false, err
	}

	attrs := wabinary.NewAttrs().Set("v", "2").Set("type", encTypeName(ciphertext.Type))
	for k, v := range extraAttrs {
		attrs.Set(k, v)
	}
	return wabinary.Node{Tag: "enc", Attrs: attrs, Content: ciphertext.Bytes}, ciphertext.Type == signalrepo.TypePreKeyMessage, nil
}

// assembleStanza builds the outgoing <message> node per spec.md §4.I's
// addressing-attribute table and content template.
func (e *Engine) assembleStanza(d dispatchInput, participantsNodes []wabinary.Node, includeIdentity bool, extraContent *wabinary.Node) wabinary.Node {
	attrs := wabinary.NewAttrs().Set("id", d.messageID)
	msgType := "text"
	if d.message.IsPollCreation() {
		msgType = "poll"
	}
	attrs.Set("type", msgType)
	for k, v := range d.extraAttrs {
		attrs.Set(k, v)
	}

	me := e.config.Me
	switch {
	case !d.participantOverride.IsEmpty() && (d.class == ClassGroup || d.class == ClassStatusBroadcast):
		attrs.Set("to", d.dest).Set("participant", d.participantOverride)
	case !d.participantOverride.IsEmpty() && d.participantOverride.UserEqual(me):
		attrs.Set("to", d.participantOverride).Set("recipient", d.dest)
	case !d.participantOverride.IsEmpty():
		attrs.Set("to", d.participantOverride)
	default:
		attrs.Set("to", d.dest)
	}
	attrs.SetIf(d.phash != "", "phash", d.phash)

	var content []wabinary.Node
	if d.deviceFanout && len(participantsNodes) > 0 {
		content = append(content, wabinary.Node{Tag: "participants", Content: participantsNodes})
	}
	if extraContent != nil {
		content = append(content, *extraContent)
	}
	if includeIdentity {
		content = append(content, wabinary.Node{Tag: "device-identity"})
	}
	if msgType == "poll" {
		content = append(content, wabinary.Node{Tag: "meta", Attrs: wabinary.NewAttrs().Set("polltype", "creation")})
	}
	content = append(content, d.additionalNodes...)

	return wabinary.Node{Tag: "message", Attrs: attrs, Content: content}
}

func encTypeName(t signalrepo.CipherType) string {
	if t == signalrepo.TypePreKeyMessage {
		return "pkmsg"
	}
	return "msg"
}

// mediaTypeCache implements spec.md §4.I's "cache the lookup by a hash of
// the message's top-level field names (bounded cache, cleared at 500
// entries or hourly)". The field-name list itself serves as the cache
// key; joining it into one string is equivalent to hashing it for a map
// key's purposes, so no separate hash function is used.
type mediaTypeCache struct {
	mu        sync.Mutex
	entries   map[string]string
	clearedAt time.Time
}

const (
	mediaTypeCacheLimit = 500
	mediaTypeCacheTTL   = time.Hour
)

func newMediaTypeCache() *mediaTypeCache {
	return &mediaTypeCache{entries: map[string]string{}, clearedAt: time.Now()}
}

func (c *mediaTypeCache) lookup(msg *wamsg.Message) string {
	key := strings.Join(msg.TopLevelFieldNames(), "|")

	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.clearedAt) > mediaTypeCacheTTL || len(c.entries) >= mediaTypeCacheLimit {
		c.entries = map[string]string{}
		c.clearedAt = time.Now()
	}
	if v, ok := c.entries[key]; ok {
		return v
	}
	v := wamsg.MediaTypeOf(msg)
	c.entries[key] = v
	return v
}
