// Package transport declares the narrow interface the relay core uses to
// talk to the wire. The actual socket, framing, and login/pairing
// handshake are out of scope (spec.md §1); this package only specifies
// the shape every other component programs against.
package transport

import (
	"context"

	"github.com/dsonbaker/warelay/wabinary"
)

// Sender is the injected stanza I/O capability. SendIQ emits a query-type
// stanza and waits for its matching response; SendStanza fires a stanza
// with no response expected (message, receipt, presence, ...).
type Sender interface {
	SendIQ(ctx context.Context, query wabinary.Node) (wabinary.Node, error)
	SendStanza(ctx context.Context, node wabinary.Node) error
}
