package relay

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.mau.fi/util/exslices"

	"github.com/dsonbaker/warelay/store"
	"github.com/dsonbaker/warelay/types"
	"github.com/dsonbaker/warelay/wabinary"
	"github.com/dsonbaker/warelay/wamsg"
)

// relayGroup implements spec.md §4.I's group/status branch: fetch
// membership, split it into blocks, dispatch each block in parallel
// (computing its own sender-key distribution targets against the
// snapshot loaded before any block ran), then persist the merged
// sender-key-memory set in one write after every block has completed.
func (e *Engine) relayGroup(ctx context.Context, req Request, class Class) error {
	groupJID := req.To

	var participantUsers []types.JID
	if class == ClassStatusBroadcast {
		participantUsers = req.StatusJidList
	} else {
		meta, err := e.resolveGroupMetadata(ctx, groupJID)
		if err != nil {
			return err
		}
		participantUsers = meta.Participants
	}
	if len(participantUsers) == 0 {
		return nil
	}

	var phash string
	if class == ClassGroup {
		phash = participantListHash(participantUsers)
	}

	haveKey, err := e.loadSenderKeyMemory(ctx, groupJID)
	if err != nil {
		return err
	}

	blocks := exslices.Chunk(participantUsers, e.config.blockSize())
	results := make([][]types.JID, len(blocks))
	errs := make([]error, len(blocks))

	var wg sync.WaitGroup
	for i, block := range blocks {
		wg.Add(1)
		go func(i int, block []types.JID) {
			defer wg.Done()
			devices, err := e.resolver.ResolveDevices(ctx, block, true, false)
			if err != nil {
				errs[i] = err
				return
			}
			skdm, err := e.groupDeviceDispatch(ctx, req, class, groupJID, devices, haveKey, phash, types.JID{})
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = skdm
		}(i, block)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	for _, skdm := range results {
		for _, dev := range skdm {
			haveKey[dev.String()] = struct{}{}
		}
	}
	return e.storeSenderKeyMemory(ctx, groupJID, haveKey)
}

// groupOverrideDispatch implements a participant override onto a group or
// status-broadcast destination: a single-device "block" dispatched and
// persisted immediately, since there's only ever one block to wait for.
func (e *Engine) groupOverrideDispatch(ctx context.Context, req Request, class Class) error {
	groupJID := req.To
	haveKey, err := e.loadSenderKeyMemory(ctx, groupJID)
	if err != nil {
		return err
	}

	skdm, err := e.groupDeviceDispatch(ctx, req, class, groupJID, []types.JID{req.Participant}, haveKey, "", req.Participant)
	if err != nil {
		return err
	}
	if len(skdm) == 0 {
		return nil
	}
	for _, dev := range skdm {
		haveKey[dev.String()] = struct{}{}
	}
	return e.storeSenderKeyMemory(ctx, groupJID, haveKey)
}

// groupDeviceDispatch computes which of devices still needs the
// sender-key distribution message (against the haveKey snapshot), asserts
// sessions for those, and dispatches one group stanza. It returns the
// devices it distributed to, leaving the caller to merge and persist.
func (e *Engine) groupDeviceDispatch(ctx context.Context, req Request, class Class, groupJID types.JID, devices []types.JID, haveKey map[string]struct{}, phash string, participantOverride types.JID) ([]types.JID, error) {
	var skdmTargets []types.JID
	for _, dev := range devices {
		if _, ok := haveKey[dev.String()]; !ok {
			skdmTargets = append(skdmTargets, dev)
		}
	}

	d := dispatchInput{
		class:               class,
		dest:                groupJID,
		groupJID:            groupJID,
		devices:             devices,
		skdmTargets:         skdmTargets,
		deviceFanout:        true,
		participantOverride: participantOverride,
		message:             req.Message,
		pinInChat:           req.PinInChat,
		extraAttrs:          req.ExtraAttributes,
		messageID:           req.ID,
		phash:               phash,
		additionalNodes:     req.AdditionalNodes,
	}
	if err := e.dispatch(ctx, d); err != nil {
		return nil, err
	}
	return skdmTargets, nil
}

// groupDispatchPayload implements the group/status half of spec.md §4.I's
// Dispatch step: encrypt the message once under the group's sender key,
// and build distribution nodes for whichever devices still lack it.
func (e *Engine) groupDispatchPayload(ctx context.Context, d dispatchInput, encExtra wabinary.Attrs) ([]wabinary.Node, bool, wabinary.Node, error) {
	me := e.config.Me

	hasKey, err := e.repo.HasSenderKey(ctx, d.groupJID, me)
	if err != nil {
		return nil, false, wabinary.Node{}, err
	}

	var skdmBytes []byte
	if !hasKey || len(d.skdmTargets) > 0 {
		skdmBytes, err = e.repo.CreateSenderKeyDistribution(ctx, d.groupJID, me)
		if err != nil {
			return nil, false, wabinary.Node{}, err
		}
	}

	ciphertext, err := e.repo.EncryptForGroup(ctx, d.groupJID, me, wamsg.Marshal(d.message))
	if err != nil {
		return nil, false, wabinary.Node{}, err
	}

	encAttrs := wabinary.NewAttrs().Set("v", "2").Set("type", "skmsg")
	for k, v := range encExtra {
		encAttrs.Set(k, v)
	}
	groupEnc := wabinary.Node{Tag: "enc", Attrs: encAttrs, Content: ciphertext}

	if len(d.skdmTargets) == 0 {
		return nil, false, groupEnc, nil
	}

	if _, err := e.asserter.AssertSessions(ctx, d.skdmTargets, false); err != nil {
		return nil, false, wabinary.Node{}, err
	}

	skdmMsg := &wamsg.Message{SenderKeyDistributionMessage: &wamsg.SenderKeyDistributionMessage{
		GroupID:                             d.groupJID.String(),
		AxolotlSenderKeyDistributionMessage: skdmBytes,
	}}
	nodes, includeIdentity, err := e.participants.BuildParticipantNodes(ctx, d.skdmTargets, skdmMsg, e.patchFunc(), encExtra)
	if err != nil {
		return nil, false, wabinary.Node{}, err
	}
	return nodes, includeIdentity, groupEnc, nil
}

// loadSenderKeyMemory reads the set of devices already known to hold this
// group's current sender key, per spec.md §5's "sender-key-memory is an
// optimization, not a correctness aid" framing: it's just a bookkeeping
// cache keyed by group. Serialized as a `device -> true` JSON object,
// matching the shape [[janitor]]'s memory sweep already expects.
func (e *Engine) loadSenderKeyMemory(ctx context.Context, groupJID types.JID) (map[string]struct{}, error) {
	data, err := e.keys.Get(ctx, store.CategorySenderKeyMemory, []string{groupJID.String()})
	if err != nil {
		return nil, err
	}
	out := map[string]struct{}{}
	raw, ok := data[groupJID.String()]
	if !ok {
		return out, nil
	}
	var parsed map[string]bool
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("relay: decode sender-key-memory for %s: %w", groupJID, err)
	}
	for device, present := range parsed {
		if present {
			out[device] = struct{}{}
		}
	}
	return out, nil
}

func (e *Engine) storeSenderKeyMemory(ctx context.Context, groupJID types.JID, set map[string]struct{}) error {
	encoded := make(map[string]bool, len(set))
	for device := range set {
		encoded[device] = true
	}
	raw, err := json.Marshal(encoded)
	if err != nil {
		return err
	}
	return e.keys.WithTransaction(ctx, func(ctx context.Context) error {
		return e.keys.Set(ctx, map[store.Category]map[string][]byte{
			store.CategorySenderKeyMemory: {groupJID.String(): raw},
		})
	})
}

// resolveGroupMetadata satisfies a group metadata lookup from the cache
// collaborator first (if enabled), falling back to a live fetch.
func (e *Engine) resolveGroupMetadata(ctx context.Context, groupJID types.JID) (GroupMetadata, error) {
	if e.config.UseCachedGroupMetadata && e.collab.CachedGroupMetadata != nil {
		if meta, ok := e.collab.CachedGroupMetadata.CachedGroupMetadata(ctx, groupJID); ok {
			return meta, nil
		}
	}
	if e.collab.GroupMetadata == nil {
		return GroupMetadata{}, missingGroupMetadataFetcher()
	}
	return e.collab.GroupMetadata.FetchGroupMetadata(ctx, groupJID)
}

// participantListHash is the "phash" attribute attached to group message
// stanzas, grounded on gazandic-whatsmeow/multidevice's participant list
// hash: sort the non-AD participant JIDs, hash, take the first 6 bytes.
func participantListHash(participants []types.JID) string {
	strs := make([]string, len(participants))
	for i, p := range participants {
		strs[i] = p.ToNonAD().String()
	}
	sort.Strings(strs)
	sum := sha256.Sum256([]byte(strings.Join(strs, "")))
	return "2:" + base64.RawStdEncoding.EncodeToString(sum[:6])
}
