// Package wabinary implements the uniform binary-node stanza shape produced
// by every relay component and consumed by the transport, per spec.md §3
// ("Binary Node") and §6.
package wabinary

import (
	"fmt"
	"strconv"

	"github.com/dsonbaker/warelay/types"
)

// Attrs is the attribute map of a [Node]. Values are stored as strings on
// the wire; helpers below accept richer Go types and stringify them.
type Attrs map[string]string

// Node is a single stanza or stanza fragment: a tag, its attributes, and
// either raw byte content or a list of child nodes.
type Node struct {
	Tag     string
	Attrs   Attrs
	Content any // nil, []byte, or []Node
}

// NewAttrs returns an empty Attrs map, to be filled with the chainable
// Set/SetIf methods, which convert common value types (string,
// fmt.Stringer, bool, int) to their wire form. Set skips a value that
// stringifies to "" and leaves any existing entry for that key in place,
// so callers can build attribute sets conditionally in one expression.
func NewAttrs() Attrs {
	return Attrs{}
}

// Set stores a stringified value under key, skipping empty strings.
func (a Attrs) Set(key string, value any) Attrs {
	s := stringify(value)
	if s == "" {
		return a
	}
	a[key] = s
	return a
}

// SetIf stores the value only when cond is true.
func (a Attrs) SetIf(cond bool, key string, value any) Attrs {
	if !cond {
		return a
	}
	return a.Set(key, value)
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case types.JID:
		return v.String()
	case fmt.Stringer:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Children returns the node's content as a slice of child nodes, or nil if
// the content is not a node list.
func (n Node) Children() []Node {
	children, _ := n.Content.([]Node)
	return children
}

// Bytes returns the node's content as a byte slice, or nil if the content
// is not raw bytes.
func (n Node) Bytes() []byte {
	b, _ := n.Content.([]byte)
	return b
}

// GetChildByTag returns the first child with the given tag, and whether one
// was found.
func (n Node) GetChildByTag(tag string) (Node, bool) {
	for _, c := range n.Children() {
		if c.Tag == tag {
			return c, true
		}
	}
	return Node{}, false
}

// GetChildrenByTag returns every child with the given tag.
func (n Node) GetChildrenByTag(tag string) []Node {
	var out []Node
	for _, c := range n.Children() {
		if c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}

// AttrString returns the named attribute, or "" if absent.
func (n Node) AttrString(key string) string {
	if n.Attrs == nil {
		return ""
	}
	return n.Attrs[key]
}
