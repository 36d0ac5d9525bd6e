// Package signalrepo wraps the Signal-protocol primitives (X3DH session
// establishment, the double ratchet, and group sender-key distribution)
// behind a narrow capability interface. The primitives themselves are out
// of scope (spec.md §1 treats "SignalRepository" as an opaque dependency);
// this package only pins down the one concrete shape the rest of the
// module needs: encrypt-for-device, encrypt-for-group, and prekey install.
package signalrepo

import (
	"context"

	"github.com/dsonbaker/warelay/types"
)

// CipherType distinguishes a fresh session-establishing ciphertext
// (PreKeySignalMessage) from one sent over an already-established session
// (SignalMessage), matching the `enc v=2 type=pkmsg|msg` stanza attribute.
type CipherType int

const (
	TypeMessage CipherType = iota
	TypePreKeyMessage
)

// Ciphertext is one encrypted payload addressed to a single device.
type Ciphertext struct {
	Type  CipherType
	Bytes []byte
}

// PreKeyBundle is the minimal material fetched from the server to
// establish a new session with a device that has none yet.
type PreKeyBundle struct {
	RegistrationID uint32
	DeviceID       uint32
	PreKeyID       *uint32
	PreKeyPublic   []byte
	SignedPreKeyID uint32
	SignedPreKey   []byte
	SignedSig      []byte
	IdentityKey    []byte
}

// Repository is the capability surface the relay core programs against.
// A concrete implementation owns the session/prekey/identity/sender-key
// stores and the actual cryptographic ratchet; callers never see key
// material directly.
type Repository interface {
	// HasSession reports whether a 1:1 session already exists for jid.
	HasSession(ctx context.Context, jid types.JID) (bool, error)

	// InstallSession establishes a new 1:1 session from a freshly fetched
	// prekey bundle. Called only when HasSession is false.
	InstallSession(ctx context.Context, jid types.JID, bundle PreKeyBundle) error

	// EncryptForDevice encrypts plaintext for a single device's 1:1
	// session, returning a pkmsg ciphertext if no session existed for it
	// yet was just installed, or a msg ciphertext otherwise.
	EncryptForDevice(ctx context.Context, jid types.JID, plaintext []byte) (Ciphertext, error)

	// HasSenderKey reports whether this process has already created (and
	// distributed) a sender-key for groupJID under the local identity.
	HasSenderKey(ctx context.Context, groupJID, me types.JID) (bool, error)

	// CreateSenderKeyDistribution creates (or rotates) the local
	// sender-key state for a group and serializes the SKDM payload that
	// must be delivered to every participant device via pkmsg/msg.
	CreateSenderKeyDistribution(ctx context.Context, groupJID, me types.JID) ([]byte, error)

	// EncryptForGroup encrypts plaintext under the local sender-key chain
	// for groupJID. CreateSenderKeyDistribution must have been called at
	// least once first.
	EncryptForGroup(ctx context.Context, groupJID, me types.JID, plaintext []byte) ([]byte, error)
}
