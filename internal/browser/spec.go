package browser

import (
	"strings"

	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/net/html"

	"github.com/hazyhaar/notifywatch/dom"
)

// specOf converts a CDP node into a dom.Spec keyed by its nodeId. Frames,
// shadow roots and pseudo elements are not mirrored.
func specOf(n *proto.DOMNode) *dom.Spec {
	if n == nil {
		return nil
	}
	s := &dom.Spec{
		Key:   dom.Key(n.NodeID),
		Type:  dom.NodeType(n.NodeType),
		Value: n.NodeValue,
	}
	switch s.Type {
	case dom.ElementNode:
		s.Name = strings.ToLower(n.NodeName)
		if n.LocalName != "" {
			s.Name = n.LocalName
		}
		for i := 0; i+1 < len(n.Attributes); i += 2 {
			s.Attrs = append(s.Attrs, html.Attribute{Key: n.Attributes[i], Val: n.Attributes[i+1]})
		}
	case dom.DoctypeNode:
		s.Name = n.NodeName
	case dom.TextNode, dom.CommentNode, dom.DocumentNode:
	default:
		return nil
	}
	for _, c := range n.Children {
		if cs := specOf(c); cs != nil {
			s.Children = append(s.Children, cs)
		}
	}
	return s
}

// pendingChildren reports whether n has children CDP has not sent yet.
func pendingChildren(n *proto.DOMNode) bool {
	return n.ChildNodeCount != nil && *n.ChildNodeCount > 0 && len(n.Children) == 0
}
