package signalrepo

import (
	"context"
	"fmt"

	"go.mau.fi/libsignal/groups"
	groupStore "go.mau.fi/libsignal/groups/state/store"
	"go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/keys/prekey"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/serialize"
	"go.mau.fi/libsignal/session"
	"go.mau.fi/libsignal/state/store"

	"github.com/dsonbaker/warelay/types"
)

// SignalStore is the full set of store capabilities a go.mau.fi/libsignal
// session and group cipher need. It composes the library's own store
// interfaces (go.mau.fi/libsignal/state/store and
// go.mau.fi/libsignal/groups/state/store) rather than declaring new ones,
// so any existing libsignal store adapter (e.g. one backed by this
// module's own store.KeyStore) satisfies it unmodified.
type SignalStore interface {
	store.Session
	store.PreKey
	store.SignedPreKey
	store.IdentityKey
	groupStore.SenderKey
}

// LibsignalRepository implements Repository on top of go.mau.fi/libsignal,
// grounded on the encrypt/session-establish/group-cipher call sequence in
// gazandic-whatsmeow/multidevice/send.go's encryptMessageForDevice and
// sendGroup (written against the sibling fork
// github.com/RadicalApp/libsignal-protocol-go; go.mau.fi/libsignal keeps
// the same top-level shape, confirmed against its own session.Builder in
// the vendor tree: NewBuilderFromSignal, ProcessBundle, and the Session
// store's ContainsSession/LoadSession/StoreSession methods all match).
type LibsignalRepository struct {
	store      SignalStore
	serializer *serialize.Serializer
}

// NewLibsignalRepository builds a Repository backed by store.
func NewLibsignalRepository(store SignalStore) *LibsignalRepository {
	return &LibsignalRepository{
		store:      store,
		serializer: serialize.NewProtoBufSerializer(),
	}
}

func signalAddress(jid types.JID) *protocol.SignalAddress {
	return protocol.NewSignalAddress(jid.SignalAddressName(), uint32(jid.Device))
}

func (r *LibsignalRepository) HasSession(ctx context.Context, jid types.JID) (bool, error) {
	return r.store.ContainsSession(ctx, signalAddress(jid))
}

func (r *LibsignalRepository) InstallSession(ctx context.Context, jid types.JID, b PreKeyBundle) error {
	bundle, err := buildBundle(b)
	if err != nil {
		return fmt.Errorf("signalrepo: build bundle for %s: %w", jid, err)
	}

	builder := session.NewBuilderFromSignal(r.store, signalAddress(jid), r.serializer)
	if err := builder.ProcessBundle(ctx, bundle); err != nil {
		return fmt.Errorf("signalrepo: process bundle for %s: %w", jid, err)
	}
	return nil
}

func (r *LibsignalRepository) EncryptForDevice(ctx context.Context, jid types.JID, plaintext []byte) (Ciphertext, error) {
	addr := signalAddress(jid)
	cipher := session.NewCipher(session.NewBuilderFromSignal(r.store, addr, r.serializer), addr)
	ciphertext, err := cipher.Encrypt(ctx, padMessage(plaintext))
	if err != nil {
		return Ciphertext{}, fmt.Errorf("signalrepo: encrypt for %s: %w", jid, err)
	}
	out := Ciphertext{Bytes: ciphertext.Serialize()}
	if ciphertext.Type() == protocol.PREKEY_TYPE {
		out.Type = TypePreKeyMessage
	}
	return out, nil
}

func senderKeyName(groupJID, me types.JID) *protocol.SenderKeyName {
	return protocol.NewSenderKeyName(groupJID.String(), signalAddress(me))
}

func (r *LibsignalRepository) HasSenderKey(ctx context.Context, groupJID, me types.JID) (bool, error) {
	rec, err := r.store.LoadSenderKey(ctx, senderKeyName(groupJID, me))
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

func (r *LibsignalRepository) CreateSenderKeyDistribution(ctx context.Context, groupJID, me types.JID) ([]byte, error) {
	builder := groups.NewGroupSessionBuilder(r.store, r.serializer)
	skdm, err := builder.Create(ctx, senderKeyName(groupJID, me))
	if err != nil {
		return nil, fmt.Errorf("signalrepo: create sender key for %s: %w", groupJID, err)
	}
	return skdm.Serialize(), nil
}

func (r *LibsignalRepository) EncryptForGroup(ctx context.Context, groupJID, me types.JID, plaintext []byte) ([]byte, error) {
	name := senderKeyName(groupJID, me)
	builder := groups.NewGroupSessionBuilder(r.store, r.serializer)
	cipher := groups.NewGroupCipher(builder, name, r.store)
	encrypted, err := cipher.Encrypt(ctx, padMessage(plaintext))
	if err != nil {
		return nil, fmt.Errorf("signalrepo: encrypt group message for %s: %w", groupJID, err)
	}
	return encrypted.SignedSerialize(), nil
}

// buildBundle assembles a prekey.Bundle from the wire-format material
// fetched over USync/IQ. The zero PreKeyID case (no one-time prekey left
// on the server) is preserved as a nil *uint32, matching
// prekey.Bundle's own optional one-time-key field.
func buildBundle(b PreKeyBundle) (*prekey.Bundle, error) {
	idKey := identity.NewKeyFromBytes([32]byte(padKey(b.IdentityKey)))
	var preKeyID uint32
	var preKeyPublic []byte
	if b.PreKeyID != nil {
		preKeyID = *b.PreKeyID
		preKeyPublic = b.PreKeyPublic
	}
	return prekey.NewBundle(
		b.RegistrationID,
		b.DeviceID,
		optionalUint32(b.PreKeyID, preKeyID),
		preKeyPublic,
		b.SignedPreKeyID,
		b.SignedPreKey,
		b.SignedSig,
		identity.NewKey(idKey),
	), nil
}

func optionalUint32(present *uint32, v uint32) *uint32 {
	if present == nil {
		return nil
	}
	return &v
}

// padKey right-pads or truncates raw identity key bytes to the 32-byte
// curve25519 public key size libsignal's identity.Key expects.
func padKey(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}

// padMessage implements the padding WhatsApp applies around the ratchet
// before encryption, matching the padMessage helper in
// gazandic-whatsmeow/multidevice/send.go.
func padMessage(plaintext []byte) []byte {
	pad := make([]byte, 1)
	pad[0] = byte((len(plaintext) % 256))
	if pad[0] == 0 {
		pad[0] = 0xff
	}
	padded := make([]byte, 0, len(plaintext)+int(pad[0]))
	padded = append(padded, plaintext...)
	for i := byte(0); i < pad[0]; i++ {
		padded = append(padded, pad[0])
	}
	return padded
}
