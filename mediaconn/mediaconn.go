// Package mediaconn implements the Media Conn Lease (spec.md component
// F): a single-flight, TTL-gated lease on the short-lived media-upload
// hosts and auth the server hands out.
package mediaconn

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dsonbaker/warelay/transport"
	"github.com/dsonbaker/warelay/wabinary"
	"github.com/dsonbaker/warelay/waerror"
)

// refreshGate is the minimum time between refreshes absent force=true or
// an absent current lease, per spec.md §4.F.
const refreshGate = 60 * time.Second

// Host is one media-upload endpoint.
type Host struct {
	Hostname              string
	MaxContentLengthBytes int64
}

// Info is the leased media-connection descriptor.
type Info struct {
	Auth string
	TTL  time.Duration
	Host []Host
}

// Lease implements the single-flight refresh(force) operation.
type Lease struct {
	sender transport.Sender

	mu         sync.Mutex
	current    *Info
	inflight   chan struct{}
	pending    *Info
	pendingErr error
	lastFetch  time.Time
}

// New builds a Lease.
func New(sender transport.Sender) *Lease {
	return &Lease{sender: sender}
}

// Refresh returns the current media-conn lease, fetching a fresh one if
// force is set, none exists yet, or the 60-second gate has elapsed.
// Concurrent callers that arrive while a fetch is in flight all receive
// the same resulting *Info (single-flight).
func (l *Lease) Refresh(ctx context.Context, force bool) (*Info, error) {
	l.mu.Lock()
	if l.inflight != nil {
		ch := l.inflight
		l.mu.Unlock()
		<-ch
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.pending, l.pendingErr
	}

	if !force && l.current != nil && time.Since(l.lastFetch) <= refreshGate {
		defer l.mu.Unlock()
		return l.current, nil
	}

	ch := make(chan struct{})
	l.inflight = ch
	l.mu.Unlock()

	info, err := l.fetch(ctx)

	l.mu.Lock()
	if err == nil {
		l.current = info
		l.lastFetch = time.Now()
	}
	l.pending, l.pendingErr = info, err
	l.inflight = nil
	l.mu.Unlock()
	close(ch)

	return info, err
}

func (l *Lease) fetch(ctx context.Context) (*Info, error) {
	query := wabinary.Node{
		Tag: "iq",
		Attrs: wabinary.NewAttrs().
			Set("type", "set").
			Set("xmlns", "w:m"),
		Content: []wabinary.Node{{Tag: "media_conn"}},
	}

	resp, err := l.sender.SendIQ(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("mediaconn: refresh: %w", err)
	}
	return parseResponse(resp)
}

func parseResponse(resp wabinary.Node) (*Info, error) {
	mediaConn, ok := resp.GetChildByTag("media_conn")
	if !ok {
		return nil, &waerror.ElementMissingError{Tag: "media_conn", In: "media conn response"}
	}

	info := &Info{Auth: mediaConn.AttrString("auth")}
	if ttlStr := mediaConn.AttrString("ttl"); ttlStr != "" {
		if seconds, err := strconv.Atoi(ttlStr); err == nil {
			info.TTL = time.Duration(seconds) * time.Second
		}
	}
	for _, h := range mediaConn.GetChildrenByTag("host") {
		host := Host{Hostname: h.AttrString("hostname")}
		if n, err := strconv.ParseInt(h.AttrString("maxContentLengthBytes"), 10, 64); err == nil {
			host.MaxContentLengthBytes = n
		}
		info.Host = append(info.Host, host)
	}
	return info, nil
}
