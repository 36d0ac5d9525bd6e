package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/dsonbaker/warelay/participant"
	"github.com/dsonbaker/warelay/sessionassert"
	"github.com/dsonbaker/warelay/signalrepo"
	"github.com/dsonbaker/warelay/store"
	"github.com/dsonbaker/warelay/types"
	"github.com/dsonbaker/warelay/usync"
	"github.com/dsonbaker/warelay/wabinary"
	"github.com/dsonbaker/warelay/wamsg"
)

// fakeSender answers usync queries from a canned device table and records
// every fired stanza; it never expects a prekey fetch since the fake
// signal repo always reports a session already exists.
type fakeSender struct {
	mu         sync.Mutex
	devices    map[string][]uint16
	usyncCalls int
	stanzas    []wabinary.Node
}

func (f *fakeSender) SendIQ(ctx context.Context, query wabinary.Node) (wabinary.Node, error) {
	usyncReq, ok := query.GetChildByTag("usync")
	if !ok {
		return wabinary.Node{}, fmt.Errorf("fakeSender: unexpected query %+v", query)
	}
	reqList, _ := usyncReq.GetChildByTag("list")

	f.mu.Lock()
	f.usyncCalls++
	f.mu.Unlock()

	var respUsers []wabinary.Node
	for _, userNode := range reqList.GetChildrenByTag("user") {
		jidStr := userNode.AttrString("jid")
		user, err := types.ParseJID(jidStr)
		if err != nil {
			continue
		}
		ids := f.devices[user.User]
		deviceNodes := make([]wabinary.Node, len(ids))
		for i, id := range ids {
			deviceNodes[i] = wabinary.Node{Tag: "device", Attrs: wabinary.NewAttrs().Set("id", fmt.Sprint(id))}
		}
		respUsers = append(respUsers, wabinary.Node{
			Tag:   "user",
			Attrs: wabinary.NewAttrs().Set("jid", jidStr),
			Content: []wabinary.Node{{
				Tag:     "devices",
				Content: []wabinary.Node{{Tag: "device-list", Content: deviceNodes}},
			}},
		})
	}
	return wabinary.Node{Tag: "iq", Content: []wabinary.Node{{
		Tag:     "usync",
		Content: []wabinary.Node{{Tag: "list", Content: respUsers}},
	}}}, nil
}

func (f *fakeSender) SendStanza(ctx context.Context, node wabinary.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stanzas = append(f.stanzas, node)
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stanzas)
}

// fakeSignalRepo is a Repository that never needs a real session or
// sender-key state: every device already has a session, and group
// sender-key creation just counts calls.
type fakeSignalRepo struct {
	mu           sync.Mutex
	hasSenderKey map[string]bool
	skdmCalls    int
	encryptCalls int
	groupCalls   int
}

func newFakeSignalRepo() *fakeSignalRepo {
	return &fakeSignalRepo{hasSenderKey: map[string]bool{}}
}

func (r *fakeSignalRepo) HasSession(ctx context.Context, jid types.JID) (bool, error) { return true, nil }
func (r *fakeSignalRepo) InstallSession(ctx context.Context, jid types.JID, bundle signalrepo.PreKeyBundle) error {
	return nil
}
func (r *fakeSignalRepo) EncryptForDevice(ctx context.Context, jid types.JID, plaintext []byte) (signalrepo.Ciphertext, error) {
	r.mu.Lock()
	r.encryptCalls++
	r.mu.Unlock()
	return signalrepo.Ciphertext{Type: signalrepo.TypeMessage, Bytes: append([]byte("ct:"), plaintext...)}, nil
}
func (r *fakeSignalRepo) HasSenderKey(ctx context.Context, groupJID, me types.JID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasSenderKey[groupJID.String()], nil
}
func (r *fakeSignalRepo) CreateSenderKeyDistribution(ctx context.Context, groupJID, me types.JID) ([]byte, error) {
	r.mu.Lock()
	r.skdmCalls++
	r.hasSenderKey[groupJID.String()] = true
	r.mu.Unlock()
	return []byte("skdm:" + groupJID.String()), nil
}
func (r *fakeSignalRepo) EncryptForGroup(ctx context.Context, groupJID, me types.JID, plaintext []byte) ([]byte, error) {
	r.mu.Lock()
	r.groupCalls++
	r.mu.Unlock()
	return append([]byte("gct:"), plaintext...), nil
}

type fakeGroupMetadata struct {
	participants []types.JID
}

func (f fakeGroupMetadata) FetchGroupMetadata(ctx context.Context, groupJID types.JID) (GroupMetadata, error) {
	return GroupMetadata{JID: groupJID, Participants: f.participants}, nil
}

func newEngine(sender *fakeSender, repo *fakeSignalRepo, me types.JID, collab Collaborators, cfg Config) *Engine {
	resolver := usync.NewResolver(sender, me, 0)
	asserter := sessionassert.New(sender, repo)
	builder := participant.New(repo)
	cfg.Me = me
	return New(sender, repo, resolver, asserter, builder, store.NewMemoryStore(), collab, cfg)
}

func textMessage(text string) *wamsg.Message {
	return &wamsg.Message{Conversation: &text}
}

var me = types.NewJID("1000", types.DefaultUserServer)

func TestRelayMessageFreshOneToOne(t *testing.T) {
	peer := types.NewJID("2000", types.DefaultUserServer)
	sender := &fakeSender{devices: map[string][]uint16{"1000": {0}, "2000": {0, 1}}}
	repo := newFakeSignalRepo()
	e := newEngine(sender, repo, me, Collaborators{}, Config{})

	err := e.RelayMessage(context.Background(), Request{To: peer, Message: textMessage("hi")})
	if err != nil {
		t.Fatalf("RelayMessage() error = %v", err)
	}
	if sender.sentCount() != 1 {
		t.Fatalf("sentCount = %d, want 1", sender.sentCount())
	}
	msg := sender.stanzas[0]
	if msg.Tag != "message" || msg.AttrString("to") != peer.String() {
		t.Errorf("stanza = %+v, want message to=%s", msg, peer)
	}
	participants, ok := msg.GetChildByTag("participants")
	if !ok {
		t.Fatal("message missing <participants>")
	}
	// me-primary (dropped as zero device, re-added explicitly) + peer's two devices
	if got := len(participants.Children()); got != 3 {
		t.Errorf("len(participants) = %d, want 3", got)
	}
}

func TestRelayMessageRepeatOneToOneUsesDeviceCache(t *testing.T) {
	peer := types.NewJID("2000", types.DefaultUserServer)
	sender := &fakeSender{devices: map[string][]uint16{"1000": {0}, "2000": {0}}}
	repo := newFakeSignalRepo()
	e := newEngine(sender, repo, me, Collaborators{}, Config{})

	ctx := context.Background()
	if err := e.RelayMessage(ctx, Request{To: peer, Message: textMessage("one")}); err != nil {
		t.Fatalf("first RelayMessage() error = %v", err)
	}
	if err := e.RelayMessage(ctx, Request{To: peer, Message: textMessage("two")}); err != nil {
		t.Fatalf("second RelayMessage() error = %v", err)
	}
	if sender.usyncCalls != 1 {
		t.Errorf("usyncCalls = %d, want 1 (second send should hit the device cache)", sender.usyncCalls)
	}
	if sender.sentCount() != 2 {
		t.Errorf("sentCount = %d, want 2", sender.sentCount())
	}
}

func TestRelayMessageGroupFirstSendDistributesSenderKey(t *testing.T) {
	group := types.NewJID("120036", types.GroupServer)
	participants := []types.JID{
		types.NewJID("2000", types.DefaultUserServer),
		types.NewJID("3000", types.DefaultUserServer),
	}
	sender := &fakeSender{devices: map[string][]uint16{"2000": {0}, "3000": {0}}}
	repo := newFakeSignalRepo()
	e := newEngine(sender, repo, me, Collaborators{GroupMetadata: fakeGroupMetadata{participants: participants}}, Config{})

	if err := e.RelayMessage(context.Background(), Request{To: group, Message: textMessage("hi group")}); err != nil {
		t.Fatalf("RelayMessage() error = %v", err)
	}
	if sender.sentCount() != 1 {
		t.Fatalf("sentCount = %d, want 1", sender.sentCount())
	}
	msg := sender.stanzas[0]
	if msg.AttrString("phash") == "" {
		t.Error("group message missing phash attribute")
	}
	if _, ok := msg.GetChildByTag("enc"); !ok {
		t.Error("group message missing top-level skmsg <enc>")
	}
	participantsNode, ok := msg.GetChildByTag("participants")
	if !ok || len(participantsNode.Children()) != 2 {
		t.Errorf("expected 2 sender-key distribution participant nodes, got %+v", participantsNode)
	}
	if repo.skdmCalls != 1 {
		t.Errorf("skdmCalls = %d, want 1", repo.skdmCalls)
	}
}

func TestRelayMessageGroupSecondSendSkipsRedistribution(t *testing.T) {
	group := types.NewJID("120036", types.GroupServer)
	participants := []types.JID{
		types.NewJID("2000", types.DefaultUserServer),
		types.NewJID("3000", types.DefaultUserServer),
	}
	sender := &fakeSender{devices: map[string][]uint16{"2000": {0}, "3000": {0}}}
	repo := newFakeSignalRepo()
	e := newEngine(sender, repo, me, Collaborators{GroupMetadata: fakeGroupMetadata{participants: participants}}, Config{})

	ctx := context.Background()
	if err := e.RelayMessage(ctx, Request{To: group, Message: textMessage("one")}); err != nil {
		t.Fatalf("first RelayMessage() error = %v", err)
	}
	if err := e.RelayMessage(ctx, Request{To: group, Message: textMessage("two")}); err != nil {
		t.Fatalf("second RelayMessage() error = %v", err)
	}
	if repo.skdmCalls != 1 {
		t.Errorf("skdmCalls = %d, want 1 (second send should find every device already in sender-key-memory)", repo.skdmCalls)
	}
	second := sender.stanzas[1]
	if _, ok := second.GetChildByTag("participants"); ok {
		t.Error("second group send should carry no sender-key distribution participants")
	}
}

func groupJIDs(n int, prefix string) []types.JID {
	out := make([]types.JID, n)
	devices := map[string][]uint16{}
	for i := range out {
		user := fmt.Sprintf("%s%d", prefix, i)
		out[i] = types.NewJID(user, types.DefaultUserServer)
		devices[user] = []uint16{0}
	}
	return out
}

func TestRelayMessageGroupBlockSplitProducesMultipleDispatches(t *testing.T) {
	group := types.NewJID("120037", types.GroupServer)
	participants := groupJIDs(250, "u")
	devices := map[string][]uint16{}
	for _, p := range participants {
		devices[p.User] = []uint16{0}
	}
	sender := &fakeSender{devices: devices}
	repo := newFakeSignalRepo()
	e := newEngine(sender, repo, me, Collaborators{GroupMetadata: fakeGroupMetadata{participants: participants}}, Config{})

	if err := e.RelayMessage(context.Background(), Request{To: group, Message: textMessage("blast")}); err != nil {
		t.Fatalf("RelayMessage() error = %v", err)
	}
	if sender.sentCount() != 2 {
		t.Errorf("sentCount = %d, want 2 (250 participants at block size 200)", sender.sentCount())
	}
}

func TestRelayMessageGroupExactBlockSizeProducesOneDispatch(t *testing.T) {
	group := types.NewJID("120038", types.GroupServer)
	participants := groupJIDs(200, "v")
	devices := map[string][]uint16{}
	for _, p := range participants {
		devices[p.User] = []uint16{0}
	}
	sender := &fakeSender{devices: devices}
	repo := newFakeSignalRepo()
	e := newEngine(sender, repo, me, Collaborators{GroupMetadata: fakeGroupMetadata{participants: participants}}, Config{})

	if err := e.RelayMessage(context.Background(), Request{To: group, Message: textMessage("blast")}); err != nil {
		t.Fatalf("RelayMessage() error = %v", err)
	}
	if sender.sentCount() != 1 {
		t.Errorf("sentCount = %d, want 1 (200 participants is exactly one block)", sender.sentCount())
	}
}

func TestRelayMessageGroupEmptyParticipantsShortCircuits(t *testing.T) {
	group := types.NewJID("120039", types.GroupServer)
	sender := &fakeSender{}
	repo := newFakeSignalRepo()
	e := newEngine(sender, repo, me, Collaborators{GroupMetadata: fakeGroupMetadata{}}, Config{})

	if err := e.RelayMessage(context.Background(), Request{To: group, Message: textMessage("nobody")}); err != nil {
		t.Fatalf("RelayMessage() error = %v", err)
	}
	if sender.sentCount() != 0 {
		t.Errorf("sentCount = %d, want 0", sender.sentCount())
	}
}

func TestRelayMessagePeerSkipsParticipantsFanout(t *testing.T) {
	peerDevice := types.NewADJID("2000", 3, types.DefaultUserServer)
	sender := &fakeSender{}
	repo := newFakeSignalRepo()
	e := newEngine(sender, repo, me, Collaborators{}, Config{})

	req := Request{To: peerDevice, Message: textMessage("sync"), ExtraAttributes: wabinary.Attrs{"category": "peer"}}
	if err := e.RelayMessage(context.Background(), req); err != nil {
		t.Fatalf("RelayMessage() error = %v", err)
	}
	if sender.usyncCalls != 0 {
		t.Errorf("usyncCalls = %d, want 0 (peer sends skip device resolution)", sender.usyncCalls)
	}
	msg := sender.stanzas[0]
	if _, ok := msg.GetChildByTag("participants"); ok {
		t.Error("peer message should not wrap its enc in <participants>")
	}
	if _, ok := msg.GetChildByTag("enc"); !ok {
		t.Error("peer message missing bare <enc>")
	}
	if msg.AttrString("to") != peerDevice.String() {
		t.Errorf("to = %q, want %q", msg.AttrString("to"), peerDevice.String())
	}
}

func TestRelayMessageParticipantOverrideAddressing(t *testing.T) {
	group := types.NewJID("120040", types.GroupServer)
	participantJID := types.NewADJID("2000", 1, types.DefaultUserServer)
	sender := &fakeSender{}
	repo := newFakeSignalRepo()
	e := newEngine(sender, repo, me, Collaborators{}, Config{})

	req := Request{To: group, Participant: participantJID, Message: textMessage("retry")}
	if err := e.RelayMessage(context.Background(), req); err != nil {
		t.Fatalf("RelayMessage() error = %v", err)
	}
	msg := sender.stanzas[0]
	if msg.AttrString("to") != group.String() || msg.AttrString("participant") != participantJID.String() {
		t.Errorf("attrs = %+v, want to=%s participant=%s", msg.Attrs, group, participantJID)
	}
}
