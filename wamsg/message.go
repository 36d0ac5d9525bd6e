// Package wamsg defines the outbound message shape the relay core encrypts
// and the media-type classification table from spec.md §6. Wire encoding is
// built directly on google.golang.org/protobuf/encoding/protowire rather
// than full protoc-generated code; see DESIGN.md for why.
package wamsg

// Message is the top-level payload the relay serializes and encrypts: once
// under the sender key for a group or status-broadcast send, and once per
// recipient device otherwise. Exactly one of the content fields is
// normally set, mirroring the oneof shape of the real wire schema.
type Message struct {
	Conversation *string

	ImageMessage       *ImageMessage
	VideoMessage       *VideoMessage
	AudioMessage       *AudioMessage
	DocumentMessage    *DocumentMessage
	StickerMessage     *StickerMessage
	ContactMessage     *ContactMessage
	ContactsArray      *ContactsArrayMessage
	LiveLocationMsg    *LiveLocationMessage
	ListMessage        *ListMessage
	ListResponseMsg    *ListResponseMessage
	ButtonsResponseMsg *ButtonsResponseMessage
	OrderMessage       *OrderMessage
	ProductMessage     *ProductMessage
	InteractiveRespMsg *InteractiveResponseMessage
	GroupInviteMessage *GroupInviteMessage

	PollCreationMessage   *PollCreationMessage
	PollCreationMessageV2 *PollCreationMessage
	PollCreationMessageV3 *PollCreationMessage

	SenderKeyDistributionMessage *SenderKeyDistributionMessage
	DeviceSentMessage            *DeviceSentMessage
	ProtocolMessage              *ProtocolMessage
	EphemeralMessage             *EphemeralMessage
	ViewOnceMessage              *ViewOnceMessage
}

type MediaMessage struct {
	URL           string
	DirectPath    string
	MediaKey      []byte
	FileEncSHA256 []byte
	Mimetype      string
}

type ImageMessage struct{ MediaMessage }

type VideoMessage struct {
	MediaMessage
	GifPlayback bool
}

type AudioMessage struct {
	MediaMessage
	PTT bool
}

type DocumentMessage struct{ MediaMessage }
type StickerMessage struct{ MediaMessage }

type ContactMessage struct {
	DisplayName string
	Vcard       string
}

type ContactsArrayMessage struct {
	DisplayName string
	Contacts    []*ContactMessage
}

type LiveLocationMessage struct {
	CaptionText string
}

type ListMessage struct{ Title string }
type ListResponseMessage struct{ Title string }
type ButtonsResponseMessage struct{ SelectedButtonID string }
type OrderMessage struct{ OrderID string }
type ProductMessage struct{ ProductID string }
type InteractiveResponseMessage struct{ Body string }

type GroupInviteMessage struct {
	GroupJID   string
	InviteCode string
}

type PollCreationMessage struct {
	Name    string
	Options []string
}

type SenderKeyDistributionMessage struct {
	GroupID                              string
	AxolotlSenderKeyDistributionMessage []byte
}

type DeviceSentMessage struct {
	DestinationJID string
	Phash          string
	Message        *Message
}

// ProtocolMessageType enumerates the handful of protocol-message kinds the
// relay core cares about (edit/revoke are encoded via additionalAttributes
// per spec §6, not this enum; this covers the sync/history family).
type ProtocolMessageType int32

const (
	ProtocolMessageHistorySyncNotification ProtocolMessageType = 1
	ProtocolMessageAppStateSyncKeyShare    ProtocolMessageType = 2
)

type ProtocolMessage struct {
	Type ProtocolMessageType
	Key  *MessageKeyRef
}

type MessageKeyRef struct {
	RemoteJID string
	FromMe    bool
	ID        string
}

type EphemeralMessage struct{ Message *Message }
type ViewOnceMessage struct{ Message *Message }

// MediaContent is implemented by every message variant carrying a
// downloadable blob, letting media-retry (component G) and the mediatype
// table (§6) operate generically over "whichever media field is set".
type MediaContent interface {
	GetMediaKey() []byte
	GetDirectPath() string
	SetDirectPath(string)
	GetURL() string
	SetURL(string)
}

func (m *MediaMessage) GetMediaKey() []byte       { return m.MediaKey }
func (m *MediaMessage) GetDirectPath() string     { return m.DirectPath }
func (m *MediaMessage) SetDirectPath(p string)    { m.DirectPath = p }
func (m *MediaMessage) GetURL() string            { return m.URL }
func (m *MediaMessage) SetURL(u string)           { m.URL = u }

// GetMediaContent returns the media payload of whichever media field is
// set on the message, in the same precedence order as [MediaTypeOf].
func (m *Message) GetMediaContent() (MediaContent, bool) {
	switch {
	case m.ImageMessage != nil:
		return m.ImageMessage, true
	case m.VideoMessage != nil:
		return m.VideoMessage, true
	case m.AudioMessage != nil:
		return m.AudioMessage, true
	case m.DocumentMessage != nil:
		return m.DocumentMessage, true
	case m.StickerMessage != nil:
		return m.StickerMessage, true
	default:
		return nil, false
	}
}

// MediaTypeOf implements the first-match media type table from spec.md §6.
// It returns "" when no entry matches (the caller then omits the
// `mediatype` attribute entirely).
func MediaTypeOf(m *Message) string {
	switch {
	case m.ImageMessage != nil:
		return "image"
	case m.VideoMessage != nil:
		if m.VideoMessage.GifPlayback {
			return "gif"
		}
		return "video"
	case m.AudioMessage != nil:
		if m.AudioMessage.PTT {
			return "ptt"
		}
		return "audio"
	case m.DocumentMessage != nil:
		return "document"
	case m.StickerMessage != nil:
		return "sticker"
	case m.ContactMessage != nil:
		return "vcard"
	case m.ContactsArray != nil:
		return "contact_array"
	case m.LiveLocationMsg != nil:
		return "livelocation"
	case m.ListMessage != nil:
		return "list"
	case m.ListResponseMsg != nil:
		return "list_response"
	case m.ButtonsResponseMsg != nil:
		return "buttons_response"
	case m.OrderMessage != nil:
		return "order"
	case m.ProductMessage != nil:
		return "product"
	case m.InteractiveRespMsg != nil:
		return "native_flow_response"
	case m.GroupInviteMessage != nil:
		return "url"
	default:
		return ""
	}
}

// IsPollCreation reports whether the message is any of the three poll
// creation variants, per spec.md §4.I ("Type attribute").
func (m *Message) IsPollCreation() bool {
	return m.PollCreationMessage != nil || m.PollCreationMessageV2 != nil || m.PollCreationMessageV3 != nil
}

// TopLevelFieldNames returns the names of the content fields that are set,
// used by the relay's media-type lookup cache key (spec.md §4.I "Dispatch",
// "cache the lookup by a hash of the message's top-level field names").
func (m *Message) TopLevelFieldNames() []string {
	var names []string
	add := func(set bool, name string) {
		if set {
			names = append(names, name)
		}
	}
	add(m.Conversation != nil, "conversation")
	add(m.ImageMessage != nil, "imageMessage")
	add(m.VideoMessage != nil, "videoMessage")
	add(m.AudioMessage != nil, "audioMessage")
	add(m.DocumentMessage != nil, "documentMessage")
	add(m.StickerMessage != nil, "stickerMessage")
	add(m.ContactMessage != nil, "contactMessage")
	add(m.ContactsArray != nil, "contactsArrayMessage")
	add(m.LiveLocationMsg != nil, "liveLocationMessage")
	add(m.ListMessage != nil, "listMessage")
	add(m.ListResponseMsg != nil, "listResponseMessage")
	add(m.ButtonsResponseMsg != nil, "buttonsResponseMessage")
	add(m.OrderMessage != nil, "orderMessage")
	add(m.ProductMessage != nil, "productMessage")
	add(m.InteractiveRespMsg != nil, "interactiveResponseMessage")
	add(m.GroupInviteMessage != nil, "groupInviteMessage")
	add(m.PollCreationMessage != nil, "pollCreationMessage")
	add(m.PollCreationMessageV2 != nil, "pollCreationMessageV2")
	add(m.PollCreationMessageV3 != nil, "pollCreationMessageV3")
	add(m.SenderKeyDistributionMessage != nil, "senderKeyDistributionMessage")
	add(m.DeviceSentMessage != nil, "deviceSentMessage")
	add(m.ProtocolMessage != nil, "protocolMessage")
	add(m.EphemeralMessage != nil, "ephemeralMessage")
	add(m.ViewOnceMessage != nil, "viewOnceMessage")
	return names
}
