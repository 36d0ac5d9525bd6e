// Package types holds the addressable identities used throughout the relay
// core: JIDs, message keys, and the small value types that every component
// passes around.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Server identifies which namespace a JID's user part lives in.
type Server string

const (
	DefaultUserServer Server = "s.whatsapp.net"
	GroupServer       Server = "g.us"
	BroadcastServer   Server = "broadcast"
	HiddenUserServer  Server = "lid"
)

// JID is a structured WhatsApp-style identifier: user@server, optionally
// qualified with a device number for a specific companion device.
//
// Equality on users ignores device (use [JID.UserEqual]); full equality
// (including device) is plain ==, since JID has only comparable fields.
type JID struct {
	User   string
	Device uint16
	Server Server
}

// NewJID builds a primary-device JID (device 0).
func NewJID(user string, server Server) JID {
	return JID{User: user, Server: server}
}

// NewADJID builds a JID qualified with an explicit device number.
func NewADJID(user string, device uint16, server Server) JID {
	return JID{User: user, Device: device, Server: server}
}

// IsEmpty reports whether j is the zero JID.
func (j JID) IsEmpty() bool {
	return j.User == "" && j.Server == ""
}

// ToNonAD returns the primary-device JID for the same user.
func (j JID) ToNonAD() JID {
	return JID{User: j.User, Server: j.Server}
}

// UserEqual reports whether two JIDs refer to the same user, ignoring device.
func (j JID) UserEqual(other JID) bool {
	return j.User == other.User && j.Server == other.Server
}

// IsBroadcast reports whether this JID addresses the status-broadcast server.
func (j JID) IsBroadcast() bool {
	return j.Server == BroadcastServer
}

// IsGroup reports whether this JID addresses a group.
func (j JID) IsGroup() bool {
	return j.Server == GroupServer
}

// String renders the JID in user@server or user.device@server form.
func (j JID) String() string {
	if j.Device > 0 {
		return fmt.Sprintf("%s.%d@%s", j.User, j.Device, j.Server)
	}
	return fmt.Sprintf("%s@%s", j.User, j.Server)
}

// SignalAddressName returns the name component used to key Signal protocol
// store entries for this user (device-independent; the device number is
// passed separately to the Signal store APIs).
func (j JID) SignalAddressName() string {
	return j.User
}

// ParseJID parses a user@server or user.device@server string.
func ParseJID(s string) (JID, error) {
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return JID{}, fmt.Errorf("types: %q has no server part", s)
	}
	user, server := s[:at], Server(s[at+1:])
	if dot := strings.LastIndexByte(user, '.'); dot >= 0 {
		if device, err := strconv.ParseUint(user[dot+1:], 10, 16); err == nil {
			return JID{User: user[:dot], Device: uint16(device), Server: server}, nil
		}
	}
	return JID{User: user, Server: server}, nil
}

// MessageID is the opaque per-message identifier assigned by the sender.
type MessageID = string

// MessageKey identifies one message within a chat for receipt/retry purposes.
type MessageKey struct {
	RemoteJID   JID
	FromMe      bool
	ID          MessageID
	Participant JID // set for group messages
}
