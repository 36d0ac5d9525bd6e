package receipt

import (
	"context"
	"sync"
	"testing"

	"github.com/dsonbaker/warelay/types"
	"github.com/dsonbaker/warelay/wabinary"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []wabinary.Node
	calls int
}

func (f *fakeSender) SendIQ(ctx context.Context, query wabinary.Node) (wabinary.Node, error) {
	return wabinary.Node{}, nil
}

func (f *fakeSender) SendStanza(ctx context.Context, node wabinary.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sent = append(f.sent, node)
	return nil
}

type fakePrivacy struct {
	setting string
	calls   int
}

func (p *fakePrivacy) ReadReceiptsSetting(ctx context.Context) (string, error) {
	p.calls++
	return p.setting, nil
}

var chatJID = types.NewJID("5550001", types.DefaultUserServer)
var groupJID = types.NewJID("1200099", types.GroupServer)

func TestSendReceiptDefaultAcknowledgementOmitsType(t *testing.T) {
	sender := &fakeSender{}
	e := New(sender, nil)

	if err := e.SendReceipt(context.Background(), chatJID, types.JID{}, []types.MessageID{"ABC"}, TypeDelivery); err != nil {
		t.Fatalf("SendReceipt() error = %v", err)
	}
	n := sender.sent[0]
	if n.Tag != "receipt" {
		t.Fatalf("tag = %q, want receipt", n.Tag)
	}
	if _, ok := n.Attrs["type"]; ok {
		t.Errorf("attrs = %+v, want no type attribute for the default acknowledgement", n.Attrs)
	}
	if n.AttrString("id") != "ABC" || n.AttrString("to") != chatJID.String() {
		t.Errorf("attrs = %+v", n.Attrs)
	}
}

func TestSendReceiptReadSetsTimestamp(t *testing.T) {
	sender := &fakeSender{}
	e := New(sender, nil)

	if err := e.SendReceipt(context.Background(), chatJID, types.JID{}, []types.MessageID{"ABC"}, TypeRead); err != nil {
		t.Fatalf("SendReceipt() error = %v", err)
	}
	n := sender.sent[0]
	if n.AttrString("type") != "read" {
		t.Errorf("type = %q, want read", n.AttrString("type"))
	}
	if n.AttrString("t") == "" {
		t.Error("read receipt missing t (unix seconds) attribute")
	}
}

func TestSendReceiptMultipleIDsAppendsList(t *testing.T) {
	sender := &fakeSender{}
	e := New(sender, nil)

	ids := []types.MessageID{"A", "B", "C"}
	if err := e.SendReceipt(context.Background(), chatJID, types.JID{}, ids, TypeDelivery); err != nil {
		t.Fatalf("SendReceipt() error = %v", err)
	}
	n := sender.sent[0]
	if n.AttrString("id") != "A" {
		t.Errorf("id = %q, want A", n.AttrString("id"))
	}
	list, ok := n.GetChildByTag("list")
	if !ok {
		t.Fatal("missing <list> for multi-id receipt")
	}
	items := list.GetChildrenByTag("item")
	if len(items) != 2 || items[0].AttrString("id") != "B" || items[1].AttrString("id") != "C" {
		t.Errorf("items = %+v, want B,C", items)
	}
}

func TestSendReceiptSenderToUserSwapsAddressing(t *testing.T) {
	sender := &fakeSender{}
	e := New(sender, nil)

	participant := types.NewJID("5559999", types.DefaultUserServer)
	if err := e.SendReceipt(context.Background(), chatJID, participant, []types.MessageID{"X"}, TypeSender); err != nil {
		t.Fatalf("SendReceipt() error = %v", err)
	}
	n := sender.sent[0]
	if n.AttrString("recipient") != chatJID.String() || n.AttrString("to") != participant.String() {
		t.Errorf("attrs = %+v, want recipient=%s to=%s", n.Attrs, chatJID, participant)
	}
}

func TestSendReceiptsEmptyIsNoOp(t *testing.T) {
	sender := &fakeSender{}
	e := New(sender, nil)

	if err := e.SendReceipts(context.Background(), nil, TypeDelivery); err != nil {
		t.Fatalf("SendReceipts() error = %v", err)
	}
	if sender.calls != 0 {
		t.Errorf("calls = %d, want 0", sender.calls)
	}
}

func TestSendReceiptsGroupsByJIDAndParticipantAndDropsSelfOriginated(t *testing.T) {
	sender := &fakeSender{}
	e := New(sender, nil)

	p1 := types.NewJID("1111", types.DefaultUserServer)
	p2 := types.NewJID("2222", types.DefaultUserServer)
	keys := []types.MessageKey{
		{RemoteJID: groupJID, Participant: p1, ID: "A"},
		{RemoteJID: groupJID, Participant: p1, ID: "B"},
		{RemoteJID: groupJID, Participant: p2, ID: "C"},
		{RemoteJID: chatJID, FromMe: true, ID: "D"},
	}
	if err := e.SendReceipts(context.Background(), keys, TypeDelivery); err != nil {
		t.Fatalf("SendReceipts() error = %v", err)
	}
	if sender.calls != 2 {
		t.Fatalf("calls = %d, want 2 (one per distinct participant)", sender.calls)
	}
}

func TestReadMessagesUsesReadWhenPrivacyAllowsIt(t *testing.T) {
	sender := &fakeSender{}
	privacy := &fakePrivacy{setting: ReadReceiptsAll}
	e := New(sender, privacy)

	keys := []types.MessageKey{{RemoteJID: chatJID, ID: "A"}}
	if err := e.ReadMessages(context.Background(), keys); err != nil {
		t.Fatalf("ReadMessages() error = %v", err)
	}
	if privacy.calls != 1 {
		t.Errorf("privacy.calls = %d, want 1", privacy.calls)
	}
	if sender.sent[0].AttrString("type") != "read" {
		t.Errorf("type = %q, want read", sender.sent[0].AttrString("type"))
	}
}

func TestReadMessagesFallsBackToReadSelf(t *testing.T) {
	sender := &fakeSender{}
	privacy := &fakePrivacy{setting: "contacts"}
	e := New(sender, privacy)

	keys := []types.MessageKey{{RemoteJID: chatJID, ID: "A"}}
	if err := e.ReadMessages(context.Background(), keys); err != nil {
		t.Fatalf("ReadMessages() error = %v", err)
	}
	if sender.sent[0].AttrString("type") != "read-self" {
		t.Errorf("type = %q, want read-self", sender.sent[0].AttrString("type"))
	}
}
