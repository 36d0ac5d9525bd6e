package mediaretry

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dsonbaker/warelay/events"
	"github.com/dsonbaker/warelay/types"
	"github.com/dsonbaker/warelay/wabinary"
	"github.com/dsonbaker/warelay/wamsg"
)

// encryptForTest is the test-side mirror of decryptRetryPayload: it plays
// the part of the server, encrypting a retry result with the same key
// schedule the production decrypt path expects.
func encryptForTest(t *testing.T, mediaKey, plaintext []byte) []byte {
	t.Helper()
	cipherKey, macKey, err := expandMediaKey(mediaKey)
	if err != nil {
		t.Fatalf("expandMediaKey() error = %v", err)
	}

	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		t.Fatalf("aes.NewCipher() error = %v", err)
	}
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte{}, plaintext...), bytes.Repeat([]byte{byte(pad)}, pad)...)

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	body := append(append([]byte{}, iv...), ciphertext...)
	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	return append(body, mac.Sum(nil)...)
}

func encodeRetryResult(t *testing.T, code, directPath string) []byte {
	t.Helper()
	var b []byte
	b = protowire.AppendTag(b, fResultCode, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(code))
	if directPath != "" {
		b = protowire.AppendTag(b, fDirectPath, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(directPath))
	}
	return b
}

func TestMediaCryptoRoundTrip(t *testing.T) {
	mediaKey := bytes.Repeat([]byte{0x42}, 32)
	plaintext := encodeRetryResult(t, "SUCCESS", "/v/t/new-path")

	payload := encryptForTest(t, mediaKey, plaintext)
	decrypted, err := decryptRetryPayload(mediaKey, payload)
	if err != nil {
		t.Fatalf("decryptRetryPayload() error = %v", err)
	}
	result, err := parseRetryResult(decrypted)
	if err != nil {
		t.Fatalf("parseRetryResult() error = %v", err)
	}
	if result.Code != "SUCCESS" || result.DirectPath != "/v/t/new-path" {
		t.Errorf("result = %+v, want SUCCESS/new-path", result)
	}
}

func TestDecryptRetryPayloadRejectsTamperedMAC(t *testing.T) {
	mediaKey := bytes.Repeat([]byte{0x11}, 32)
	payload := encryptForTest(t, mediaKey, encodeRetryResult(t, "SUCCESS", "/x"))
	payload[len(payload)-1] ^= 0xff

	if _, err := decryptRetryPayload(mediaKey, payload); err == nil {
		t.Fatal("expected an error for a tampered MAC")
	}
}

type fakeSender struct {
	mu   sync.Mutex
	sent []wabinary.Node
}

func (f *fakeSender) SendIQ(ctx context.Context, query wabinary.Node) (wabinary.Node, error) {
	return wabinary.Node{}, nil
}
func (f *fakeSender) SendStanza(ctx context.Context, node wabinary.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, node)
	return nil
}

func TestUpdateMediaMessageSuccess(t *testing.T) {
	mediaKey := bytes.Repeat([]byte{0x07}, 32)
	msg := &StoredMessage{
		Key: types.MessageKey{
			RemoteJID: types.NewJID("123", types.DefaultUserServer),
			FromMe:    true,
			ID:        "ABCD1234",
		},
		Message: &wamsg.Message{
			ImageMessage: &wamsg.ImageMessage{MediaMessage: wamsg.MediaMessage{
				MediaKey:   mediaKey,
				DirectPath: "/v/t/old-path",
				URL:        "https://mmg.whatsapp.net/v/t/old-path",
			}},
		},
	}

	sender := &fakeSender{}
	mediaUpdates := events.NewBus[MediaUpdateEvent]()
	updates := events.NewBus[MessageUpdateEvent]()
	self := types.NewADJID("999", 0, types.DefaultUserServer)
	r := New(sender, mediaUpdates, updates, self)

	updateCh, unsubscribe := updates.Subscribe()
	defer unsubscribe()

	go func() {
		time.Sleep(10 * time.Millisecond)
		payload := encryptForTest(t, mediaKey, encodeRetryResult(t, "SUCCESS", "/v/t/fresh-path"))
		mediaUpdates.Publish(MediaUpdateEvent{Key: msg.Key, Payload: payload})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.UpdateMediaMessage(ctx, msg); err != nil {
		t.Fatalf("UpdateMediaMessage() error = %v", err)
	}

	content, _ := msg.Message.GetMediaContent()
	if content.GetDirectPath() != "/v/t/fresh-path" {
		t.Errorf("DirectPath = %q, want /v/t/fresh-path", content.GetDirectPath())
	}
	if content.GetURL() != "https://mmg.whatsapp.net/v/t/fresh-path" {
		t.Errorf("URL = %q, want regenerated from fresh path", content.GetURL())
	}

	sender.mu.Lock()
	if len(sender.sent) != 1 || sender.sent[0].Tag != "receipt" {
		t.Errorf("sent = %v, want exactly one <receipt> stanza", sender.sent)
	}
	sender.mu.Unlock()

	select {
	case evt := <-updateCh:
		if evt.Key.ID != msg.Key.ID {
			t.Errorf("published update key.ID = %q, want %q", evt.Key.ID, msg.Key.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no messages.update event published")
	}
}

func TestUpdateMediaMessageRequiresMessageID(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, events.NewBus[MediaUpdateEvent](), events.NewBus[MessageUpdateEvent](), types.JID{})
	msg := &StoredMessage{Message: &wamsg.Message{ImageMessage: &wamsg.ImageMessage{}}}

	if err := r.UpdateMediaMessage(context.Background(), msg); err == nil {
		t.Fatal("expected an error for a message with no key.id")
	}
}

func TestUpdateMediaMessageFailureCode(t *testing.T) {
	mediaKey := bytes.Repeat([]byte{0x09}, 32)
	msg := &StoredMessage{
		Key: types.MessageKey{RemoteJID: types.NewJID("1", types.DefaultUserServer), ID: "XYZ"},
		Message: &wamsg.Message{
			ImageMessage: &wamsg.ImageMessage{MediaMessage: wamsg.MediaMessage{MediaKey: mediaKey}},
		},
	}
	sender := &fakeSender{}
	mediaUpdates := events.NewBus[MediaUpdateEvent]()
	r := New(sender, mediaUpdates, events.NewBus[MessageUpdateEvent](), types.JID{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		payload := encryptForTest(t, mediaKey, encodeRetryResult(t, "NOT_FOUND", ""))
		mediaUpdates.Publish(MediaUpdateEvent{Key: msg.Key, Payload: payload})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := r.UpdateMediaMessage(ctx, msg)
	if err == nil {
		t.Fatal("expected a MediaRetryFailed error")
	}
}
