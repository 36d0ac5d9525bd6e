// Package sessionassert implements the Session Asserter (spec.md
// component E): given a set of device JIDs, make sure a Signal session
// exists for each, fetching and installing prekey bundles for whichever
// ones don't, and remembering verified JIDs to skip redundant checks.
package sessionassert

import (
	"context"
	"fmt"
	"sync"

	"go.mau.fi/util/exslices"

	"github.com/dsonbaker/warelay/signalrepo"
	"github.com/dsonbaker/warelay/transport"
	"github.com/dsonbaker/warelay/types"
	"github.com/dsonbaker/warelay/wabinary"
	"github.com/dsonbaker/warelay/waerror"
)

// maxVerified bounds the in-memory "recently verified" set; like every
// other process-local cache in spec.md §5, it's cleared wholesale on
// overflow rather than evicted piecewise.
const maxVerified = 1000

// Asserter is the Session Asserter.
type Asserter struct {
	sender transport.Sender
	repo   signalrepo.Repository

	mu       sync.Mutex
	verified map[string]struct{}
}

// New builds an Asserter.
func New(sender transport.Sender, repo signalrepo.Repository) *Asserter {
	return &Asserter{
		sender:   sender,
		repo:     repo,
		verified: make(map[string]struct{}),
	}
}

// AssertSessions ensures a Signal session exists for every jid, fetching
// and installing prekey bundles for whichever ones need it. It reports
// whether any fetch actually happened, per spec.md §4.E / §8.
func (a *Asserter) AssertSessions(ctx context.Context, jids []types.JID, force bool) (bool, error) {
	candidates := exslices.DeduplicateUnsorted(jids)
	if len(candidates) == 0 {
		return false, nil
	}

	var toCheck []types.JID
	if force {
		toCheck = candidates
	} else {
		a.mu.Lock()
		for _, jid := range candidates {
			if _, ok := a.verified[jid.String()]; !ok {
				toCheck = append(toCheck, jid)
			}
		}
		a.mu.Unlock()
	}
	if len(toCheck) == 0 {
		return false, nil
	}

	var missing []types.JID
	for _, jid := range toCheck {
		has, err := a.repo.HasSession(ctx, jid)
		if err != nil {
			return false, fmt.Errorf("sessionassert: check session for %s: %w", jid, err)
		}
		if !has {
			missing = append(missing, jid)
		}
	}
	if len(missing) == 0 {
		a.markVerified(toCheck)
		return false, nil
	}

	bundles, err := a.fetchBundles(ctx, missing)
	if err != nil {
		return false, err
	}
	for _, jid := range missing {
		bundle, ok := bundles[jid.String()]
		if !ok {
			continue
		}
		if err := a.repo.InstallSession(ctx, jid, bundle); err != nil {
			return false, fmt.Errorf("sessionassert: install session for %s: %w: %w", jid, waerror.ErrCrypto, err)
		}
	}
	a.markVerified(toCheck)
	return true, nil
}

func (a *Asserter) markVerified(jids []types.JID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.verified)+len(jids) > maxVerified {
		a.verified = make(map[string]struct{})
	}
	for _, jid := range jids {
		a.verified[jid.String()] = struct{}{}
	}
}

func (a *Asserter) fetchBundles(ctx context.Context, jids []types.JID) (map[string]signalrepo.PreKeyBundle, error) {
	userNodes := make([]wabinary.Node, len(jids))
	for i, jid := range jids {
		userNodes[i] = wabinary.Node{Tag: "user", Attrs: wabinary.NewAttrs().Set("jid", jid)}
	}
	query := wabinary.Node{
		Tag: "iq",
		Attrs: wabinary.NewAttrs().
			Set("to", string(types.DefaultUserServer)).
			Set("type", "get").
			Set("xmlns", "encrypt"),
		Content: []wabinary.Node{{Tag: "key", Content: userNodes}},
	}

	resp, err := a.sender.SendIQ(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sessionassert: fetch prekeys: %w", err)
	}
	return parseBundles(resp)
}

func parseBundles(resp wabinary.Node) (map[string]signalrepo.PreKeyBundle, error) {
	list, ok := resp.GetChildByTag("list")
	if !ok {
		return nil, &waerror.ElementMissingError{Tag: "list", In: "prekey response"}
	}

	out := map[string]signalrepo.PreKeyBundle{}
	for _, userNode := range list.GetChildrenByTag("user") {
		jid, err := types.ParseJID(userNode.AttrString("jid"))
		if err != nil {
			continue
		}

		registrationID, ok := userNode.GetChildByTag("registration")
		if !ok {
			continue
		}
		identityKey, ok := userNode.GetChildByTag("identity")
		if !ok {
			continue
		}
		signedKeyNode, ok := userNode.GetChildByTag("skey")
		if !ok {
			continue
		}
		signedID, signedPublic, signature, ok := parseKeyTriple(signedKeyNode)
		if !ok {
			continue
		}

		bundle := signalrepo.PreKeyBundle{
			RegistrationID: decodeUint32(registrationID.Bytes()),
			DeviceID:       uint32(jid.Device),
			SignedPreKeyID: signedID,
			SignedPreKey:   signedPublic,
			SignedSig:      signature,
			IdentityKey:    identityKey.Bytes(),
		}
		if keyNode, ok := userNode.GetChildByTag("key"); ok {
			if id, pub, _, ok := parseKeyTriple(keyNode); ok {
				bundle.PreKeyID = &id
				bundle.PreKeyPublic = pub
			}
		}
		out[jid.String()] = bundle
	}
	return out, nil
}

// parseKeyTriple reads the common `<key id="..."><value>b64</value>
// [<signature>b64</signature>]</key>` shape shared by `<key>` and
// `<skey>` children of a prekey bundle response.
func parseKeyTriple(node wabinary.Node) (id uint32, value, signature []byte, ok bool) {
	idNode, hasID := node.GetChildByTag("id")
	valueNode, hasValue := node.GetChildByTag("value")
	if !hasID || !hasValue {
		return 0, nil, nil, false
	}
	id = decodeUint32(idNode.Bytes())
	value = valueNode.Bytes()
	if sigNode, hasSig := node.GetChildByTag("signature"); hasSig {
		signature = sigNode.Bytes()
	}
	return id, value, signature, true
}

// decodeUint32 reads a big-endian integer out of a binary-node's raw byte
// content, the wire convention used for id/registration fields.
func decodeUint32(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}
