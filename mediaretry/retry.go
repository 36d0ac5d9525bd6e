package mediaretry

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dsonbaker/warelay/events"
	"github.com/dsonbaker/warelay/transport"
	"github.com/dsonbaker/warelay/types"
	"github.com/dsonbaker/warelay/waerror"
	"github.com/dsonbaker/warelay/wabinary"
	"github.com/dsonbaker/warelay/wamsg"
)

// StoredMessage is the subset of a previously-sent message that media
// retry needs: its key (for addressing and correlation) and its content
// (to locate the media field to patch).
type StoredMessage struct {
	Key     types.MessageKey
	Message *wamsg.Message
}

// MediaUpdateEvent is published (by whatever component owns the incoming
// stanza dispatch) whenever a `media-update` notification arrives for a
// message this process is tracking. Err is set when the notification
// itself reported a delivery failure rather than a payload.
type MediaUpdateEvent struct {
	Key     types.MessageKey
	Payload []byte
	Err     error
}

// MessageUpdateEvent is published once a message's content has been
// patched in place, letting higher layers (chat state, UI) pick up the
// refreshed directPath/url.
type MessageUpdateEvent struct {
	Key     types.MessageKey
	Message *wamsg.Message
}

// Retrier implements updateMediaMessage (spec.md component G).
type Retrier struct {
	sender       transport.Sender
	mediaUpdates *events.Bus[MediaUpdateEvent]
	updates      *events.Bus[MessageUpdateEvent]
	self         types.JID
}

// New builds a Retrier. mediaUpdates is fed by the stanza dispatcher on
// receipt of a `media-update` notification; updates is where the patched
// message is announced once retry succeeds.
func New(sender transport.Sender, mediaUpdates *events.Bus[MediaUpdateEvent], updates *events.Bus[MessageUpdateEvent], self types.JID) *Retrier {
	return &Retrier{sender: sender, mediaUpdates: mediaUpdates, updates: updates, self: self}
}

// UpdateMediaMessage asks the server to re-issue the upload descriptor for
// msg's media, decrypts the response with the message's own mediaKey, and
// patches directPath/url on success.
func (r *Retrier) UpdateMediaMessage(ctx context.Context, msg *StoredMessage) error {
	if msg.Key.ID == "" {
		return fmt.Errorf("mediaretry: message key has no id")
	}
	content, ok := msg.Message.GetMediaContent()
	if !ok {
		return fmt.Errorf("mediaretry: message has no media content")
	}
	mediaKey := content.GetMediaKey()
	if len(mediaKey) == 0 {
		return fmt.Errorf("mediaretry: message has no mediaKey")
	}

	stanza, err := buildRetryStanza(msg.Key, mediaKey, r.self)
	if err != nil {
		return fmt.Errorf("mediaretry: build retry request: %w", err)
	}

	sendErrCh := make(chan error, 1)
	go func() {
		sendErrCh <- r.sender.SendStanza(ctx, stanza)
	}()

	evt, waitErr := events.WaitFor(ctx, r.mediaUpdates, func(e MediaUpdateEvent) bool {
		return e.Key.ID == msg.Key.ID
	})
	if sendErr := <-sendErrCh; sendErr != nil {
		return fmt.Errorf("mediaretry: emit retry request: %w", sendErr)
	}
	if waitErr != nil {
		return fmt.Errorf("mediaretry: wait for media update: %w", waitErr)
	}
	if evt.Err != nil {
		return evt.Err
	}

	plaintext, err := decryptRetryPayload(mediaKey, evt.Payload)
	if err != nil {
		return fmt.Errorf("mediaretry: decrypt retry payload: %w", err)
	}
	result, err := parseRetryResult(plaintext)
	if err != nil {
		return fmt.Errorf("mediaretry: parse retry result: %w", err)
	}
	if result.Code != "SUCCESS" {
		return waerror.NewMediaRetryFailed(result.Code)
	}

	content.SetDirectPath(result.DirectPath)
	content.SetURL(mediaURLFromDirectPath(result.DirectPath))

	r.updates.Publish(MessageUpdateEvent{Key: msg.Key, Message: msg.Message})
	return nil
}

// buildRetryStanza builds the signed retry-request receipt stanza: a
// `receipt` of type `retry` carrying an `<enc>` node with the HMAC tag
// derived from mediaKey, and an `<rmr>` node describing which message is
// being retried, per spec.md §4.G step 2.
func buildRetryStanza(key types.MessageKey, mediaKey []byte, self types.JID) (wabinary.Node, error) {
	sig, err := signRetryRequest(mediaKey, key.ID)
	if err != nil {
		return wabinary.Node{}, err
	}

	// participant identifies which device's copy of the message is being
	// retried: the group sender for group messages, or the local JID for
	// our own 1:1 sends (the remote side has no notion of "participant"
	// otherwise).
	participant := key.Participant
	if participant.IsEmpty() && key.FromMe {
		participant = self
	}

	attrs := wabinary.NewAttrs().
		Set("id", key.ID).
		Set("to", key.RemoteJID).
		Set("type", "retry")
	attrs.SetIf(!participant.IsEmpty(), "participant", participant)

	rmrAttrs := wabinary.NewAttrs().
		Set("jid", key.RemoteJID).
		Set("from_me", key.FromMe).
		Set("id", key.ID)
	rmrAttrs.SetIf(!participant.IsEmpty(), "participant", participant)

	return wabinary.Node{
		Tag:   "receipt",
		Attrs: attrs,
		Content: []wabinary.Node{
			{Tag: "enc", Attrs: wabinary.NewAttrs().Set("v", "1"), Content: sig},
			{Tag: "rmr", Attrs: rmrAttrs},
		},
	}, nil
}

// retryResult is the decoded form of the server's decrypted retry
// payload: a result code and, on success, the fresh direct path.
type retryResult struct {
	Code       string
	DirectPath string
}

const (
	fResultCode protowire.Number = 1
	fDirectPath protowire.Number = 2
)

// parseRetryResult decodes the decrypted retry payload using the same
// length-prefixed tag/value convention wamsg uses for message content,
// skipping unknown fields for forward compatibility.
func parseRetryResult(b []byte) (retryResult, error) {
	var out retryResult
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return retryResult{}, fmt.Errorf("mediaretry: invalid tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fResultCode:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return retryResult{}, fmt.Errorf("mediaretry: invalid result code field: %w", protowire.ParseError(n))
			}
			out.Code = string(v)
			b = b[n:]
		case fDirectPath:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return retryResult{}, fmt.Errorf("mediaretry: invalid direct path field: %w", protowire.ParseError(n))
			}
			out.DirectPath = string(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return retryResult{}, fmt.Errorf("mediaretry: invalid field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if out.Code == "" {
		return retryResult{}, fmt.Errorf("mediaretry: retry result missing result code")
	}
	return out, nil
}

// mediaURLFromDirectPath regenerates the CDN URL the rest of the stack
// uses for download from a freshly-issued direct path.
func mediaURLFromDirectPath(directPath string) string {
	return "https://mmg.whatsapp.net" + directPath
}
