// Package receipt implements the Receipt Emitter (spec.md component J):
// turning a set of message keys into `<receipt>` stanzas, grouped by
// (chat, participant) and deduplicated against the local account's own
// messages.
package receipt

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dsonbaker/warelay/transport"
	"github.com/dsonbaker/warelay/types"
	"github.com/dsonbaker/warelay/wabinary"
)

// Receipt types. The empty string is the default delivery acknowledgement
// and is never written onto the wire as an explicit `type` attribute.
const (
	TypeDelivery = ""
	TypeRead     = "read"
	TypeReadSelf = "read-self"
	TypeSender   = "sender"
	TypeRetry    = "retry"
)

// PrivacySettings is the narrow collaborator ReadMessages consults to pick
// between a full read receipt and a read-self receipt.
type PrivacySettings interface {
	ReadReceiptsSetting(ctx context.Context) (string, error)
}

// ReadReceiptsAll is the privacy setting value that permits sending real
// read receipts; anything else downgrades to read-self.
const ReadReceiptsAll = "all"

// Emitter is the Receipt Emitter.
type Emitter struct {
	sender  transport.Sender
	privacy PrivacySettings
}

// New builds an Emitter.
func New(sender transport.Sender, privacy PrivacySettings) *Emitter {
	return &Emitter{sender: sender, privacy: privacy}
}

// SendReceipt emits one <receipt> stanza for ids, all addressed to the
// same (jid, participant) pair, per spec.md §4.J's rules.
func (e *Emitter) SendReceipt(ctx context.Context, jid, participant types.JID, ids []types.MessageID, receiptType string) error {
	if len(ids) == 0 {
		return fmt.Errorf("receipt: sendReceipt requires at least one id")
	}

	attrs := wabinary.NewAttrs().Set("id", ids[0])
	if receiptType == TypeRead || receiptType == TypeReadSelf {
		attrs.Set("t", strconv.FormatInt(time.Now().Unix(), 10))
	}

	if receiptType == TypeSender && jid.Server == types.DefaultUserServer {
		attrs.Set("recipient", jid).Set("to", participant)
	} else {
		attrs.Set("to", jid).SetIf(!participant.IsEmpty(), "participant", participant)
	}
	// Set skips empty values, so the default acknowledgement's type
	// attribute is simply never written.
	attrs.Set("type", receiptType)

	var content []wabinary.Node
	if len(ids) > 1 {
		items := make([]wabinary.Node, 0, len(ids)-1)
		for _, id := range ids[1:] {
			items = append(items, wabinary.Node{Tag: "item", Attrs: wabinary.NewAttrs().Set("id", id)})
		}
		content = []wabinary.Node{{Tag: "list", Content: items}}
	}

	return e.sender.SendStanza(ctx, wabinary.Node{Tag: "receipt", Attrs: attrs, Content: content})
}

// receiptGroup is one (jid, participant) bucket of message ids.
type receiptGroup struct {
	jid         types.JID
	participant types.JID
	ids         []types.MessageID
}

// groupReceiptKeys groups keys by (RemoteJID, Participant), dropping
// self-originated keys: you never send a receipt for your own message.
func groupReceiptKeys(keys []types.MessageKey) []receiptGroup {
	order := make([]string, 0, len(keys))
	byKey := map[string]*receiptGroup{}
	for _, k := range keys {
		if k.FromMe {
			continue
		}
		groupKey := k.RemoteJID.String() + "|" + k.Participant.String()
		g, ok := byKey[groupKey]
		if !ok {
			g = &receiptGroup{jid: k.RemoteJID, participant: k.Participant}
			byKey[groupKey] = g
			order = append(order, groupKey)
		}
		g.ids = append(g.ids, k.ID)
	}
	out := make([]receiptGroup, len(order))
	for i, gk := range order {
		out[i] = *byKey[gk]
	}
	return out
}

// SendReceipts groups keys by (jid, participant) and emits each group's
// receipt in parallel, per spec.md §4.J.
func (e *Emitter) SendReceipts(ctx context.Context, keys []types.MessageKey, receiptType string) error {
	groups := groupReceiptKeys(keys)
	if len(groups) == 0 {
		return nil
	}

	errs := make([]error, len(groups))
	var wg sync.WaitGroup
	for i, g := range groups {
		wg.Add(1)
		go func(i int, g receiptGroup) {
			defer wg.Done()
			errs[i] = e.SendReceipt(ctx, g.jid, g.participant, g.ids, receiptType)
		}(i, g)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadMessages reads the local privacy setting once and sends read (or
// read-self) receipts for every key, per spec.md §4.J.
func (e *Emitter) ReadMessages(ctx context.Context, keys []types.MessageKey) error {
	setting, err := e.privacy.ReadReceiptsSetting(ctx)
	if err != nil {
		return fmt.Errorf("receipt: read privacy setting: %w", err)
	}
	receiptType := TypeReadSelf
	if setting == ReadReceiptsAll {
		receiptType = TypeRead
	}
	return e.SendReceipts(ctx, keys, receiptType)
}
