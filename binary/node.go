// Package binary implements the binary-node ("stanza") wire codec: a
// deterministic encoder/decoder between BinaryNode trees and the
// token-compressed, optionally zlib-framed byte strings carried inside the
// Noise channel.
package binary

import (
	"fmt"
	"strings"

	"github.com/lattice-chat/wacore/types"
)

// Attrs is the attribute map of a Node. Values are usually strings, but JIDs,
// booleans, and integers are also accepted so callers can build nodes
// without manually stringifying every attribute.
type Attrs map[string]interface{}

// Node is a single element of a binary-node tree: a tag, its attributes, and
// its content, which is either nil, raw bytes, or a list of child Nodes.
type Node struct {
	Tag     string
	Attrs   Attrs
	Content interface{}
}

// GetChildren returns the content as a slice of Nodes, or nil if the content
// isn't a node list.
func (n *Node) GetChildren() []Node {
	children, ok := n.Content.([]Node)
	if !ok {
		return nil
	}
	return children
}

// GetChildrenByTag returns all direct children whose Tag matches any of tags.
func (n *Node) GetChildrenByTag(tags ...string) []Node {
	var out []Node
	for _, child := range n.GetChildren() {
		for _, tag := range tags {
			if child.Tag == tag {
				out = append(out, child)
				break
			}
		}
	}
	return out
}

// GetOptionalChildByTag returns the first direct child with the given tag.
func (n *Node) GetOptionalChildByTag(tags ...string) (Node, bool) {
	children := n.GetChildrenByTag(tags...)
	if len(children) == 0 {
		return Node{}, false
	}
	return children[0], true
}

// GetChildByTag is GetOptionalChildByTag without the ok return; callers
// that already know the tag should be present (and just want to check
// n.Tag != "" or keep going with a zero Node otherwise) use this form.
func (n *Node) GetChildByTag(tags ...string) Node {
	child, _ := n.GetOptionalChildByTag(tags...)
	return child
}

// XMLString renders the node as an XML-ish string for debug logging; it is
// not a faithful XML serialization and is never fed back into the codec.
func (n *Node) XMLString() string {
	var sb strings.Builder
	n.writeXML(&sb)
	return sb.String()
}

func (n *Node) writeXML(sb *strings.Builder) {
	sb.WriteByte('<')
	sb.WriteString(n.Tag)
	for key, val := range n.Attrs {
		fmt.Fprintf(sb, " %s=%q", key, fmt.Sprint(val))
	}
	switch content := n.Content.(type) {
	case nil:
		sb.WriteString("/>")
	case []byte:
		sb.WriteByte('>')
		sb.WriteString(fmt.Sprintf("%d bytes", len(content)))
		sb.WriteString("</")
		sb.WriteString(n.Tag)
		sb.WriteByte('>')
	case []Node:
		sb.WriteByte('>')
		for i := range content {
			content[i].writeXML(sb)
		}
		sb.WriteString("</")
		sb.WriteString(n.Tag)
		sb.WriteByte('>')
	default:
		sb.WriteString("/>")
	}
}

// AttrGetter wraps a Node's Attrs with typed, error-accumulating accessors,
// so a sequence of reads can be checked once with OK()/Error() instead of
// after every individual read.
type AttrGetter struct {
	Attrs Attrs
	Errs  []error
}

// AttrGetter returns an AttrGetter for this node's attributes.
func (n *Node) AttrGetter() *AttrGetter {
	return &AttrGetter{Attrs: n.Attrs}
}

func (ag *AttrGetter) fail(key, expected string) {
	ag.Errs = append(ag.Errs, fmt.Errorf("didn't find expected %s attribute %q", expected, key))
}

// OK returns true if every access on this getter succeeded so far.
func (ag *AttrGetter) OK() bool {
	return len(ag.Errs) == 0
}

// Error returns a combined error for every failed access, or nil.
func (ag *AttrGetter) Error() error {
	if len(ag.Errs) == 0 {
		return nil
	}
	msgs := make([]string, len(ag.Errs))
	for i, err := range ag.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Errorf(strings.Join(msgs, "; "))
}

func (ag *AttrGetter) String(key string) string {
	val, ok := ag.Attrs[key]
	if !ok {
		ag.fail(key, "string")
		return ""
	}
	s, ok := val.(string)
	if !ok {
		ag.fail(key, "string")
		return ""
	}
	return s
}

func (ag *AttrGetter) OptionalString(key string) string {
	val, ok := ag.Attrs[key]
	if !ok {
		return ""
	}
	s, _ := val.(string)
	return s
}
