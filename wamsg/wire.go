package wamsg

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for Message. These are internal to this module and are not
// wire-compatible with any external schema; only this package's own
// Marshal/Unmarshal pair needs to agree on them.
const (
	fConversation          protowire.Number = 1
	fImageMessage          protowire.Number = 2
	fContactMessage        protowire.Number = 3
	fDocumentMessage       protowire.Number = 4
	fAudioMessage          protowire.Number = 5
	fVideoMessage          protowire.Number = 6
	fStickerMessage        protowire.Number = 7
	fContactsArray         protowire.Number = 8
	fLiveLocation          protowire.Number = 9
	fListMessage           protowire.Number = 10
	fListResponse          protowire.Number = 11
	fButtonsResponse       protowire.Number = 12
	fOrderMessage          protowire.Number = 13
	fProductMessage        protowire.Number = 14
	fInteractiveResponse   protowire.Number = 15
	fGroupInvite           protowire.Number = 16
	fPollCreation          protowire.Number = 17
	fPollCreationV2        protowire.Number = 18
	fPollCreationV3        protowire.Number = 19
	fSenderKeyDistribution protowire.Number = 20
	fDeviceSentMessage     protowire.Number = 21
	fProtocolMessage       protowire.Number = 22
	fEphemeralMessage      protowire.Number = 23
	fViewOnceMessage       protowire.Number = 24
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendEmbedded(b []byte, num protowire.Number, sub []byte) []byte {
	if sub == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

// Marshal encodes the message to its wire form. The result is what gets
// padded and handed to the Signal cipher by [signalrepo].
func Marshal(m *Message) []byte {
	if m == nil {
		return nil
	}
	var b []byte
	if m.Conversation != nil {
		b = appendString(b, fConversation, *m.Conversation)
	}
	if m.ImageMessage != nil {
		b = appendEmbedded(b, fImageMessage, marshalMedia(&m.ImageMessage.MediaMessage, 0, false))
	}
	if m.VideoMessage != nil {
		b = appendEmbedded(b, fVideoMessage, marshalMedia(&m.VideoMessage.MediaMessage, 6, m.VideoMessage.GifPlayback))
	}
	if m.AudioMessage != nil {
		b = appendEmbedded(b, fAudioMessage, marshalMedia(&m.AudioMessage.MediaMessage, 6, m.AudioMessage.PTT))
	}
	if m.DocumentMessage != nil {
		b = appendEmbedded(b, fDocumentMessage, marshalMedia(&m.DocumentMessage.MediaMessage, 0, false))
	}
	if m.StickerMessage != nil {
		b = appendEmbedded(b, fStickerMessage, marshalMedia(&m.StickerMessage.MediaMessage, 0, false))
	}
	if m.ContactMessage != nil {
		var cb []byte
		cb = appendString(cb, 1, m.ContactMessage.DisplayName)
		cb = appendString(cb, 2, m.ContactMessage.Vcard)
		b = appendEmbedded(b, fContactMessage, cb)
	}
	if m.ContactsArray != nil {
		var cb []byte
		cb = appendString(cb, 1, m.ContactsArray.DisplayName)
		for _, c := range m.ContactsArray.Contacts {
			var sub []byte
			sub = appendString(sub, 1, c.DisplayName)
			sub = appendString(sub, 2, c.Vcard)
			cb = appendEmbedded(cb, 2, sub)
		}
		b = appendEmbedded(b, fContactsArray, cb)
	}
	if m.LiveLocationMsg != nil {
		b = appendEmbedded(b, fLiveLocation, appendString(nil, 1, m.LiveLocationMsg.CaptionText))
	}
	if m.ListMessage != nil {
		b = appendEmbedded(b, fListMessage, appendString(nil, 1, m.ListMessage.Title))
	}
	if m.ListResponseMsg != nil {
		b = appendEmbedded(b, fListResponse, appendString(nil, 1, m.ListResponseMsg.Title))
	}
	if m.ButtonsResponseMsg != nil {
		b = appendEmbedded(b, fButtonsResponse, appendString(nil, 1, m.ButtonsResponseMsg.SelectedButtonID))
	}
	if m.OrderMessage != nil {
		b = appendEmbedded(b, fOrderMessage, appendString(nil, 1, m.OrderMessage.OrderID))
	}
	if m.ProductMessage != nil {
		b = appendEmbedded(b, fProductMessage, appendString(nil, 1, m.ProductMessage.ProductID))
	}
	if m.InteractiveRespMsg != nil {
		b = appendEmbedded(b, fInteractiveResponse, appendString(nil, 1, m.InteractiveRespMsg.Body))
	}
	if m.GroupInviteMessage != nil {
		var gb []byte
		gb = appendString(gb, 1, m.GroupInviteMessage.GroupJID)
		gb = appendString(gb, 2, m.GroupInviteMessage.InviteCode)
		b = appendEmbedded(b, fGroupInvite, gb)
	}
	if m.PollCreationMessage != nil {
		b = appendEmbedded(b, fPollCreation, marshalPoll(m.PollCreationMessage))
	}
	if m.PollCreationMessageV2 != nil {
		b = appendEmbedded(b, fPollCreationV2, marshalPoll(m.PollCreationMessageV2))
	}
	if m.PollCreationMessageV3 != nil {
		b = appendEmbedded(b, fPollCreationV3, marshalPoll(m.PollCreationMessageV3))
	}
	if m.SenderKeyDistributionMessage != nil {
		var sb []byte
		sb = appendString(sb, 1, m.SenderKeyDistributionMessage.GroupID)
		sb = appendBytes(sb, 2, m.SenderKeyDistributionMessage.AxolotlSenderKeyDistributionMessage)
		b = appendEmbedded(b, fSenderKeyDistribution, sb)
	}
	if m.DeviceSentMessage != nil {
		var db []byte
		db = appendString(db, 1, m.DeviceSentMessage.DestinationJID)
		db = appendString(db, 2, m.DeviceSentMessage.Phash)
		db = appendEmbedded(db, 3, Marshal(m.DeviceSentMessage.Message))
		b = appendEmbedded(b, fDeviceSentMessage, db)
	}
	if m.ProtocolMessage != nil {
		var pb []byte
		pb = appendVarint(pb, 1, uint64(m.ProtocolMessage.Type))
		if k := m.ProtocolMessage.Key; k != nil {
			var kb []byte
			kb = appendString(kb, 1, k.RemoteJID)
			kb = appendBool(kb, 2, k.FromMe)
			kb = appendString(kb, 3, k.ID)
			pb = appendEmbedded(pb, 2, kb)
		}
		b = appendEmbedded(b, fProtocolMessage, pb)
	}
	if m.EphemeralMessage != nil {
		b = appendEmbedded(b, fEphemeralMessage, appendEmbedded(nil, 1, Marshal(m.EphemeralMessage.Message)))
	}
	if m.ViewOnceMessage != nil {
		b = appendEmbedded(b, fViewOnceMessage, appendEmbedded(nil, 1, Marshal(m.ViewOnceMessage.Message)))
	}
	return b
}

func marshalMedia(m *MediaMessage, extraFieldNum protowire.Number, extraBool bool) []byte {
	var b []byte
	b = appendString(b, 1, m.URL)
	b = appendString(b, 2, m.DirectPath)
	b = appendBytes(b, 3, m.MediaKey)
	b = appendBytes(b, 4, m.FileEncSHA256)
	b = appendString(b, 5, m.Mimetype)
	if extraFieldNum != 0 {
		b = appendBool(b, extraFieldNum, extraBool)
	}
	return b
}

func marshalPoll(p *PollCreationMessage) []byte {
	var b []byte
	b = appendString(b, 1, p.Name)
	for _, opt := range p.Options {
		b = appendString(b, 2, opt)
	}
	return b
}

// Unmarshal decodes bytes produced by [Marshal]. It decodes only
// Conversation, the five media messages (with GifPlayback and PTT) and the
// three poll-creation versions; every other field, including the ones
// Marshal writes, is skipped like an unknown field via
// protowire.ConsumeFieldValue, matching the forward-compatible decoding
// style of generated protobuf code.
func Unmarshal(b []byte) (*Message, error) {
	m := &Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wamsg: invalid tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fConversation:
			s, n, err := consumeString(b, typ)
			if err != nil {
				return nil, err
			}
			m.Conversation = &s
			b = b[n:]
		case fImageMessage:
			sub, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			mm, _, err := unmarshalMedia(sub)
			if err != nil {
				return nil, err
			}
			m.ImageMessage = &ImageMessage{MediaMessage: *mm}
			b = b[n:]
		case fVideoMessage:
			sub, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			mm, extra, err := unmarshalMedia(sub)
			if err != nil {
				return nil, err
			}
			m.VideoMessage = &VideoMessage{MediaMessage: *mm, GifPlayback: extra}
			b = b[n:]
		case fAudioMessage:
			sub, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			mm, extra, err := unmarshalMedia(sub)
			if err != nil {
				return nil, err
			}
			m.AudioMessage = &AudioMessage{MediaMessage: *mm, PTT: extra}
			b = b[n:]
		case fDocumentMessage:
			sub, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			mm, _, err := unmarshalMedia(sub)
			if err != nil {
				return nil, err
			}
			m.DocumentMessage = &DocumentMessage{MediaMessage: *mm}
			b = b[n:]
		case fStickerMessage:
			sub, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			mm, _, err := unmarshalMedia(sub)
			if err != nil {
				return nil, err
			}
			m.StickerMessage = &StickerMessage{MediaMessage: *mm}
			b = b[n:]
		case fPollCreation, fPollCreationV2, fPollCreationV3:
			sub, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			poll, err := unmarshalPoll(sub)
			if err != nil {
				return nil, err
			}
			switch num {
			case fPollCreation:
				m.PollCreationMessage = poll
			case fPollCreationV2:
				m.PollCreationMessageV2 = poll
			case fPollCreationV3:
				m.PollCreationMessageV3 = poll
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wamsg: invalid field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

func consumeString(b []byte, typ protowire.Type) (string, int, error) {
	raw, n, err := consumeBytes(b, typ)
	if err != nil {
		return "", 0, err
	}
	return string(raw), n, nil
}

func consumeBytes(b []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("wamsg: expected bytes-typed field, got wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("wamsg: invalid length-delimited field: %w", protowire.ParseError(n))
	}
	return v, n, nil
}

func unmarshalMedia(b []byte) (*MediaMessage, bool, error) {
	m := &MediaMessage{}
	var extraBool bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, false, fmt.Errorf("wamsg: invalid media tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case 1:
			s, n, err := consumeString(b, typ)
			if err != nil {
				return nil, false, err
			}
			m.URL = s
			b = b[n:]
		case 2:
			s, n, err := consumeString(b, typ)
			if err != nil {
				return nil, false, err
			}
			m.DirectPath = s
			b = b[n:]
		case 3:
			v, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, false, err
			}
			m.MediaKey = v
			b = b[n:]
		case 4:
			v, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, false, err
			}
			m.FileEncSHA256 = v
			b = b[n:]
		case 5:
			s, n, err := consumeString(b, typ)
			if err != nil {
				return nil, false, err
			}
			m.Mimetype = s
			b = b[n:]
		case 6:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, false, fmt.Errorf("wamsg: invalid media bool: %w", protowire.ParseError(n))
			}
			extraBool = v != 0
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, false, fmt.Errorf("wamsg: invalid media field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, extraBool, nil
}

func unmarshalPoll(b []byte) (*PollCreationMessage, error) {
	p := &PollCreationMessage{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wamsg: invalid poll tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case 1:
			s, n, err := consumeString(b, typ)
			if err != nil {
				return nil, err
			}
			p.Name = s
			b = b[n:]
		case 2:
			s, n, err := consumeString(b, typ)
			if err != nil {
				return nil, err
			}
			p.Options = append(p.Options, s)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wamsg: invalid poll field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return p, nil
}
