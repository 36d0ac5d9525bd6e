// Package usync implements device resolution (spec.md component D): a
// cached, batched query that turns a set of user JIDs into every active
// (user, device) pair, grounded on the USync stanza shape in
// gazandic-whatsmeow/multidevice/send.go's GetUSyncDevices.
package usync

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v3"
	"github.com/google/uuid"
	"go.mau.fi/util/exslices"

	"github.com/dsonbaker/warelay/transport"
	"github.com/dsonbaker/warelay/types"
	"github.com/dsonbaker/warelay/wabinary"
	"github.com/dsonbaker/warelay/waerror"
)

// DefaultCacheTTL is the default lifetime of a per-user device cache
// entry, per spec.md §4.D.
const DefaultCacheTTL = 5 * time.Minute

// maxCacheEntries bounds the per-user cache; like the other process-local
// caches in spec.md §5, it is cleared wholesale on overflow rather than
// evicted piecewise.
const maxCacheEntries = 1000

type cacheEntry struct {
	devices   []types.JID
	expiresAt time.Time
}

// Resolver resolves user JIDs to device JIDs via a USync query, caching
// results per user for TTL.
type Resolver struct {
	sender transport.Sender
	me     types.JID
	ttl    time.Duration

	mu    sync.Mutex
	cache *orderedmap.OrderedMap[string, cacheEntry]
}

// NewResolver builds a Resolver. me is the local account's JID, used to
// implement dropZeroDevices.
func NewResolver(sender transport.Sender, me types.JID, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Resolver{
		sender: sender,
		me:     me,
		ttl:    ttl,
		cache:  orderedmap.NewOrderedMap[string, cacheEntry](),
	}
}

// ResolveDevices resolves userJIDs to their active devices, deduping the
// input first. With useCache, fresh per-user cache entries are served
// without a network round trip; the remainder are fetched in one batched
// USync query. dropZeroDevices suppresses the local account's own primary
// device from the result, for callers that add it explicitly themselves.
func (r *Resolver) ResolveDevices(ctx context.Context, userJIDs []types.JID, useCache, dropZeroDevices bool) ([]types.JID, error) {
	users := exslices.DeduplicateUnsorted(userJIDs)
	if len(users) == 0 {
		return nil, nil
	}

	var result []types.JID
	var misses []types.JID

	if useCache {
		now := time.Now()
		r.mu.Lock()
		for _, u := range users {
			entry, ok := r.cache.Get(u.ToNonAD().String())
			if ok && now.Before(entry.expiresAt) {
				result = append(result, entry.devices...)
			} else {
				misses = append(misses, u)
			}
		}
		r.mu.Unlock()
	} else {
		misses = users
	}

	if len(misses) > 0 {
		fetched, err := r.fetch(ctx, misses)
		if err != nil {
			return nil, err
		}
		r.storeBatch(fetched)
		for _, u := range misses {
			result = append(result, fetched[u.ToNonAD().String()]...)
		}
	}

	if dropZeroDevices {
		result = filterZeroDevice(result, r.me)
	}
	return result, nil
}

func filterZeroDevice(devices []types.JID, me types.JID) []types.JID {
	out := devices[:0:0]
	for _, d := range devices {
		if d.UserEqual(me) && d.Device == 0 {
			continue
		}
		out = append(out, d)
	}
	return out
}

func (r *Resolver) storeBatch(fetched map[string][]types.JID) {
	if len(fetched) == 0 {
		return
	}
	expiresAt := time.Now().Add(r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache.Len()+len(fetched) > maxCacheEntries {
		r.cache = orderedmap.NewOrderedMap[string, cacheEntry]()
	}
	for user, devices := range fetched {
		r.cache.Set(user, cacheEntry{devices: devices, expiresAt: expiresAt})
	}
}

func (r *Resolver) fetch(ctx context.Context, users []types.JID) (map[string][]types.JID, error) {
	userList := make([]wabinary.Node, len(users))
	for i, u := range users {
		userList[i] = wabinary.Node{Tag: "user", Attrs: wabinary.NewAttrs().Set("jid", types.NewJID(u.User, types.DefaultUserServer))}
	}

	query := wabinary.Node{
		Tag: "iq",
		Attrs: wabinary.NewAttrs().
			Set("to", string(types.DefaultUserServer)).
			Set("type", "get").
			Set("xmlns", "usync"),
		Content: []wabinary.Node{{
			Tag: "usync",
			Attrs: wabinary.NewAttrs().
				Set("sid", uuid.NewString()).
				Set("mode", "query").
				Set("last", "true").
				Set("index", "0").
				Set("context", "message"),
			Content: []wabinary.Node{
				{Tag: "query", Content: []wabinary.Node{{
					Tag:   "devices",
					Attrs: wabinary.NewAttrs().Set("version", "2"),
				}}},
				{Tag: "list", Content: userList},
			},
		}},
	}

	resp, err := r.sender.SendIQ(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("usync: query: %w", err)
	}
	return parseResponse(resp)
}

func parseResponse(resp wabinary.Node) (map[string][]types.JID, error) {
	usync, ok := resp.GetChildByTag("usync")
	if !ok {
		return nil, &waerror.ElementMissingError{Tag: "usync", In: "usync response"}
	}
	list, ok := usync.GetChildByTag("list")
	if !ok {
		return nil, &waerror.ElementMissingError{Tag: "list", In: "usync response"}
	}

	out := map[string][]types.JID{}
	for _, userNode := range list.GetChildrenByTag("user") {
		jidStr := userNode.AttrString("jid")
		user, err := types.ParseJID(jidStr)
		if err != nil {
			continue
		}
		devicesNode, ok := userNode.GetChildByTag("devices")
		if !ok {
			continue
		}
		deviceList, ok := devicesNode.GetChildByTag("device-list")
		if !ok {
			continue
		}
		var devices []types.JID
		for _, deviceNode := range deviceList.GetChildrenByTag("device") {
			id, err := strconv.ParseUint(deviceNode.AttrString("id"), 10, 16)
			if err != nil {
				continue
			}
			devices = append(devices, types.NewADJID(user.User, uint16(id), types.DefaultUserServer))
		}
		out[user.ToNonAD().String()] = devices
	}
	return out, nil
}
