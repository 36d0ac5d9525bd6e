package wamsg

import (
	"bytes"
	"testing"
)

func TestMarshalUnmarshalConversation(t *testing.T) {
	text := "hello there"
	m := &Message{Conversation: &text}
	got, err := Unmarshal(Marshal(m))
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Conversation == nil || *got.Conversation != text {
		t.Fatalf("round trip = %+v, want Conversation=%q", got, text)
	}
}

func TestMarshalUnmarshalImageMessage(t *testing.T) {
	m := &Message{
		ImageMessage: &ImageMessage{MediaMessage: MediaMessage{
			URL:           "https://mmg.whatsapp.net/v/t1/abc",
			DirectPath:    "/v/t1/abc",
			MediaKey:      []byte{1, 2, 3, 4},
			FileEncSHA256: []byte{5, 6, 7, 8},
			Mimetype:      "image/jpeg",
		}},
	}
	got, err := Unmarshal(Marshal(m))
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.ImageMessage == nil {
		t.Fatal("ImageMessage missing after round trip")
	}
	want := m.ImageMessage.MediaMessage
	have := got.ImageMessage.MediaMessage
	if have.URL != want.URL || have.DirectPath != want.DirectPath || have.Mimetype != want.Mimetype {
		t.Errorf("round trip mismatch: got %+v, want %+v", have, want)
	}
	if !bytes.Equal(have.MediaKey, want.MediaKey) || !bytes.Equal(have.FileEncSHA256, want.FileEncSHA256) {
		t.Errorf("binary fields mismatch: got %+v, want %+v", have, want)
	}
}

func TestMarshalUnmarshalVideoGifFlag(t *testing.T) {
	m := &Message{VideoMessage: &VideoMessage{GifPlayback: true}}
	got, err := Unmarshal(Marshal(m))
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.VideoMessage == nil || !got.VideoMessage.GifPlayback {
		t.Fatalf("GifPlayback did not survive round trip: %+v", got.VideoMessage)
	}
}

func TestMarshalUnmarshalAudioPTT(t *testing.T) {
	m := &Message{AudioMessage: &AudioMessage{PTT: true}}
	got, err := Unmarshal(Marshal(m))
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.AudioMessage == nil || !got.AudioMessage.PTT {
		t.Fatalf("PTT did not survive round trip: %+v", got.AudioMessage)
	}
}

func TestMarshalUnmarshalPoll(t *testing.T) {
	m := &Message{PollCreationMessageV2: &PollCreationMessage{
		Name:    "Pick one",
		Options: []string{"a", "b", "c"},
	}}
	got, err := Unmarshal(Marshal(m))
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.PollCreationMessageV2 == nil {
		t.Fatal("PollCreationMessageV2 missing after round trip")
	}
	if got.PollCreationMessageV2.Name != "Pick one" {
		t.Errorf("Name = %q", got.PollCreationMessageV2.Name)
	}
	if len(got.PollCreationMessageV2.Options) != 3 {
		t.Errorf("Options = %v", got.PollCreationMessageV2.Options)
	}
}

func TestMarshalEmptyMessage(t *testing.T) {
	if b := Marshal(&Message{}); b != nil {
		t.Errorf("Marshal(empty) = %v, want nil", b)
	}
	if b := Marshal(nil); b != nil {
		t.Errorf("Marshal(nil) = %v, want nil", b)
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	// A field number this package never writes followed by a known field
	// must still decode the known field, matching forward-compatible
	// generated-code decoding behavior.
	text := "after unknown"
	known := Marshal(&Message{Conversation: &text})
	unknown := appendString(nil, 200, "ignore me")
	got, err := Unmarshal(append(unknown, known...))
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Conversation == nil || *got.Conversation != text {
		t.Fatalf("got %+v, want Conversation=%q", got, text)
	}
}
