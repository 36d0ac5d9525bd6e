package usync

import (
	"context"
	"testing"
	"time"

	"github.com/dsonbaker/warelay/types"
	"github.com/dsonbaker/warelay/wabinary"
)

type fakeSender struct {
	queries  int
	response wabinary.Node
	err      error
}

func (f *fakeSender) SendIQ(ctx context.Context, query wabinary.Node) (wabinary.Node, error) {
	f.queries++
	return f.response, f.err
}

func (f *fakeSender) SendStanza(ctx context.Context, node wabinary.Node) error {
	return nil
}

func usyncResponseFor(user string, deviceIDs ...string) wabinary.Node {
	var deviceNodes []wabinary.Node
	for _, id := range deviceIDs {
		deviceNodes = append(deviceNodes, wabinary.Node{Tag: "device", Attrs: wabinary.Attrs{"id": id}})
	}
	return wabinary.Node{
		Tag: "iq",
		Content: []wabinary.Node{{
			Tag: "usync",
			Content: []wabinary.Node{{
				Tag: "list",
				Content: []wabinary.Node{{
					Tag:   "user",
					Attrs: wabinary.Attrs{"jid": user},
					Content: []wabinary.Node{{
						Tag: "devices",
						Content: []wabinary.Node{{
							Tag:     "device-list",
							Content: deviceNodes,
						}},
					}},
				}},
			}},
		}},
	}
}

func TestResolveDevicesEmptyInput(t *testing.T) {
	sender := &fakeSender{}
	r := NewResolver(sender, types.NewJID("me", types.DefaultUserServer), time.Minute)
	got, err := r.ResolveDevices(context.Background(), nil, true, false)
	if err != nil {
		t.Fatalf("ResolveDevices() error = %v", err)
	}
	if got != nil {
		t.Errorf("got %v, want nil", got)
	}
	if sender.queries != 0 {
		t.Errorf("queries = %d, want 0", sender.queries)
	}
}

func TestResolveDevicesCacheHitIssuesNoFetch(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{response: usyncResponseFor("b@s.whatsapp.net", "0", "5")}
	r := NewResolver(sender, types.NewJID("me", types.DefaultUserServer), time.Minute)
	bJID := types.NewJID("b", types.DefaultUserServer)

	if _, err := r.ResolveDevices(ctx, []types.JID{bJID}, true, false); err != nil {
		t.Fatalf("first ResolveDevices() error = %v", err)
	}
	if sender.queries != 1 {
		t.Fatalf("queries after first call = %d, want 1", sender.queries)
	}

	got, err := r.ResolveDevices(ctx, []types.JID{bJID}, true, false)
	if err != nil {
		t.Fatalf("second ResolveDevices() error = %v", err)
	}
	if sender.queries != 1 {
		t.Errorf("queries after cache hit = %d, want still 1", sender.queries)
	}
	if len(got) != 2 {
		t.Errorf("got %v, want 2 devices", got)
	}
}

func TestResolveDevicesDropZeroDevices(t *testing.T) {
	ctx := context.Background()
	me := types.NewJID("me", types.DefaultUserServer)
	sender := &fakeSender{response: usyncResponseFor("me@s.whatsapp.net", "0", "7")}
	r := NewResolver(sender, me, time.Minute)

	got, err := r.ResolveDevices(ctx, []types.JID{me}, false, true)
	if err != nil {
		t.Fatalf("ResolveDevices() error = %v", err)
	}
	for _, d := range got {
		if d.Device == 0 && d.UserEqual(me) {
			t.Errorf("dropZeroDevices=true should have suppressed the primary device, got %v", got)
		}
	}
	if len(got) != 1 || got[0].Device != 7 {
		t.Errorf("got %v, want exactly device 7", got)
	}
}

func TestResolveDevicesDedupesInput(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{response: usyncResponseFor("b@s.whatsapp.net", "0")}
	r := NewResolver(sender, types.NewJID("me", types.DefaultUserServer), time.Minute)
	bJID := types.NewJID("b", types.DefaultUserServer)

	_, err := r.ResolveDevices(ctx, []types.JID{bJID, bJID, bJID}, false, false)
	if err != nil {
		t.Fatalf("ResolveDevices() error = %v", err)
	}
	if sender.queries != 1 {
		t.Errorf("queries = %d, want 1 (deduped input)", sender.queries)
	}
}
