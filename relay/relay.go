// Package relay implements the Relay Engine (spec.md component I), the
// central state machine that turns a caller's (destination, message)
// pair into one or more dispatched `message` stanzas: classifying the
// destination, resolving devices, managing group sender-key
// distribution, and building the per-recipient encrypted nodes via
// [participant.Builder].
package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/dsonbaker/warelay/participant"
	"github.com/dsonbaker/warelay/sessionassert"
	"github.com/dsonbaker/warelay/signalrepo"
	"github.com/dsonbaker/warelay/store"
	"github.com/dsonbaker/warelay/transport"
	"github.com/dsonbaker/warelay/types"
	"github.com/dsonbaker/warelay/usync"
	"github.com/dsonbaker/warelay/wabinary"
	"github.com/dsonbaker/warelay/wamsg"
)

// Class is the destination classification spec.md §4.I's Classify step
// computes.
type Class int

const (
	ClassUser Class = iota
	ClassGroup
	ClassPeer
	ClassStatusBroadcast
)

// GroupMetadata is the subset of group state the relay needs: who is in
// the group, for device resolution and sender-key fan-out.
type GroupMetadata struct {
	JID          types.JID
	Participants []types.JID
}

// GroupMetadataFetcher fetches current group membership over the wire.
// The wire shape of that query is a caller concern (spec.md §6's stanza
// list is silent on it, unlike media conn, prekeys, and USync), so the
// engine only depends on this narrow capability.
type GroupMetadataFetcher interface {
	FetchGroupMetadata(ctx context.Context, groupJID types.JID) (GroupMetadata, error)
}

// GroupMetadataCache is the optional "useCachedGroupMetadata" fast path.
type GroupMetadataCache interface {
	CachedGroupMetadata(ctx context.Context, groupJID types.JID) (GroupMetadata, bool)
}

// MessagePatcher lets a caller adjust a message per recipient right
// before it's serialized and encrypted.
type MessagePatcher interface {
	PatchMessageBeforeSending(jid types.JID, msg *wamsg.Message) *wamsg.Message
}

// MessageUpserter records the outgoing message (e.g. into chat history)
// once it has been dispatched. The Engine holds it in Collaborators, but
// RelayMessage does not call it.
type MessageUpserter interface {
	UpsertMessage(ctx context.Context, key types.MessageKey, msg *wamsg.Message) error
}

// Collaborators groups the small, single-method capabilities the source
// injects via a config object, per spec.md §9 ("Callback-shaped
// collaborators → trait/interface abstractions"). All fields are
// optional except GroupMetadata, which a group send needs unless
// UseCachedGroupMetadata is set and CachedGroupMetadata returns the
// membership. Status-broadcast sends (which use Request.StatusJidList)
// and participant overrides never consult it.
type Collaborators struct {
	GroupMetadata       GroupMetadataFetcher
	CachedGroupMetadata GroupMetadataCache
	PatchMessage        MessagePatcher
	UpsertMessage       MessageUpserter
}

// Config holds the engine's tunables, per spec.md §6 "Configuration".
type Config struct {
	// Me is the local account's JID (primary device, device 0).
	Me types.JID
	// MeLID is the local account's linked-identity JID, used to address
	// this device's own other devices when the destination is reached
	// over the lid server (spec.md §4.I "rewriting my user to lid
	// format"). Zero value disables the rewrite.
	MeLID types.JID
	// ParticipantBlockSize bounds how many group participants are
	// resolved and dispatched to per block; default 200.
	ParticipantBlockSize int
	// UseCachedGroupMetadata permits the CachedGroupMetadata collaborator
	// to satisfy a group metadata lookup without a wire fetch.
	UseCachedGroupMetadata bool
}

const defaultParticipantBlockSize = 200

func (c Config) blockSize() int {
	if c.ParticipantBlockSize > 0 {
		return c.ParticipantBlockSize
	}
	return defaultParticipantBlockSize
}

// Request is one relay invocation's input.
type Request struct {
	To      types.JID
	ID      types.MessageID
	Message *wamsg.Message

	// Participant, if non-zero, overrides the recipient set to this one
	// device (spec.md §4.I "Participant override branch").
	Participant types.JID

	// StatusJidList supplies the recipient set for a status-broadcast
	// send, bypassing group metadata fetch entirely.
	StatusJidList []types.JID

	// ExtraAttributes is the caller's additionalAttributes, merged onto
	// the outgoing <message> node. A "category"="peer" entry classifies
	// the destination as ClassPeer.
	ExtraAttributes wabinary.Attrs

	// PinInChat sets decrypt-fail=hide on every <enc> node of the stanza:
	// the per-recipient ones, a bare peer/override <enc>, and a group's
	// skmsg <enc>, per spec.md §4.I "Dispatch".
	PinInChat bool

	// AdditionalNodes are extra children appended to the outgoing
	// <message> node alongside <participants>/<enc>, per spec.md §4.I's
	// "[additionalNodes...]" caller-supplied content.
	AdditionalNodes []wabinary.Node
}

// Engine is the Relay Engine.
type Engine struct {
	sender       transport.Sender
	repo         signalrepo.Repository
	resolver     *usync.Resolver
	asserter     *sessionassert.Asserter
	participants *participant.Builder
	keys         store.KeyStore
	collab       Collaborators
	config       Config

	mediaTypeCache *mediaTypeCache
}

// New builds an Engine.
func New(sender transport.Sender, repo signalrepo.Repository, resolver *usync.Resolver, asserter *sessionassert.Asserter, participants *participant.Builder, keys store.KeyStore, collab Collaborators, config Config) *Engine {
	return &Engine{
		sender:         sender,
		repo:           repo,
		resolver:       resolver,
		asserter:       asserter,
		participants:   participants,
		keys:           keys,
		collab:         collab,
		config:         config,
		mediaTypeCache: newMediaTypeCache(),
	}
}

// GenerateMessageID produces a fresh random message id, grounded on the
// same 16-random-byte hex-encoding scheme used for outgoing message ids
// throughout the ecosystem.
func GenerateMessageID() types.MessageID {
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		panic(err)
	}
	return hex.EncodeToString(id)
}

// classify implements spec.md §4.I's Classify step.
func (e *Engine) classify(req Request) Class {
	switch {
	case req.To.IsBroadcast():
		return ClassStatusBroadcast
	case req.To.IsGroup():
		return ClassGroup
	case req.ExtraAttributes["category"] == "peer":
		return ClassPeer
	default:
		return ClassUser
	}
}

// RelayMessage is the engine's single entry point: classify, resolve
// recipients, and dispatch one or more `message` stanzas.
func (e *Engine) RelayMessage(ctx context.Context, req Request) error {
	if req.ID == "" {
		req.ID = GenerateMessageID()
	}
	class := e.classify(req)

	if !req.Participant.IsEmpty() {
		return e.dispatchParticipantOverride(ctx, req, class)
	}

	switch class {
	case ClassGroup, ClassStatusBroadcast:
		return e.relayGroup(ctx, req, class)
	default:
		return e.relayUser(ctx, req, class)
	}
}

// dispatchParticipantOverride implements spec.md §4.I's "Participant
// override branch": the recipient set is just the one explicit device.
// Group and status-broadcast destinations still go through the group
// sender-key machinery (a single-device block); everything else sends a
// bare <enc>, skipping the <participants> fan-out wrapper.
func (e *Engine) dispatchParticipantOverride(ctx context.Context, req Request, class Class) error {
	if class == ClassGroup || class == ClassStatusBroadcast {
		return e.groupOverrideDispatch(ctx, req, class)
	}

	if _, err := e.asserter.AssertSessions(ctx, []types.JID{req.Participant}, false); err != nil {
		return err
	}
	d := dispatchInput{
		class:               class,
		dest:                req.To,
		deviceFanout:        false,
		singleDevice:        req.Participant,
		participantOverride: req.Participant,
		message:             req.Message,
		pinInChat:           req.PinInChat,
		extraAttrs:          req.ExtraAttributes,
		messageID:           req.ID,
		additionalNodes:     req.AdditionalNodes,
	}
	return e.dispatch(ctx, d)
}

func missingGroupMetadataFetcher() error {
	return fmt.Errorf("relay: group send requires a GroupMetadata collaborator")
}
