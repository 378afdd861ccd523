package xmltree

import (
	"sort"
	"strings"
)

// NodeID addresses a node inside the Document that owns it.
type NodeID int

// InvalidNode is the parent of a root node.
const InvalidNode NodeID = -1

// Node is one element of a Document.
type Node struct {
	// Tag is the element name, including any namespace prefix ("qemu:arg").
	Tag string

	// Attrs holds the element's attributes. Keys are unique, order is not kept.
	Attrs map[string]string

	// Text is the character data between the start tag and the first child.
	Text string

	// Tail is the character data after this element's end tag, up to the
	// next sibling or the parent's end tag. It belongs to the parent's text.
	Tail string

	// Children lists the child elements in document order.
	Children []NodeID

	// Parent is InvalidNode for the root.
	Parent NodeID
}

// Document is an arena of element nodes. Nodes never move and are never
// freed; a Document lives for one reconciliation.
type Document struct {
	nodes []Node
	root  NodeID
}

// NewDocument creates a document with a single root element.
func NewDocument(rootTag string) *Document {
	d := &Document{root: InvalidNode}
	d.root = d.newNode(rootTag, InvalidNode)
	return d
}

func (d *Document) newNode(tag string, parent NodeID) NodeID {
	d.nodes = append(d.nodes, Node{
		Tag:    tag,
		Attrs:  make(map[string]string),
		Parent: parent,
	})
	return NodeID(len(d.nodes) - 1)
}

// Root returns the root element.
func (d *Document) Root() NodeID {
	return d.root
}

// Len returns the number of nodes in the arena.
func (d *Document) Len() int {
	return len(d.nodes)
}

// Node returns the node for id. The pointer is valid until the next call
// that adds nodes to d.
func (d *Document) Node(id NodeID) *Node {
	return &d.nodes[id]
}

// Tag returns the element name of id.
func (d *Document) Tag(id NodeID) string {
	return d.nodes[id].Tag
}

// Children returns the child list of id. Callers must not modify it.
func (d *Document) Children(id NodeID) []NodeID {
	return d.nodes[id].Children
}

// Attr returns the value of attribute key on id.
func (d *Document) Attr(id NodeID, key string) (string, bool) {
	v, ok := d.nodes[id].Attrs[key]
	return v, ok
}

// SetAttr sets attribute key on id.
func (d *Document) SetAttr(id NodeID, key, value string) {
	d.nodes[id].Attrs[key] = value
}

// AttrKeys returns the attribute names of id in sorted order.
func (d *Document) AttrKeys(id NodeID) []string {
	keys := make([]string, 0, len(d.nodes[id].Attrs))
	for k := range d.nodes[id].Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AddChild appends a new element under parent and returns it.
func (d *Document) AddChild(parent NodeID, tag string) NodeID {
	id := d.newNode(tag, parent)
	d.nodes[parent].Children = append(d.nodes[parent].Children, id)
	return id
}

// DirectText returns the text directly owned by id: its own text followed by
// every child's tail, each trimmed of surrounding whitespace. Text nested in
// children is excluded. The document is not modified.
func (d *Document) DirectText(id NodeID) string {
	n := &d.nodes[id]
	var b strings.Builder
	b.WriteString(strings.TrimSpace(n.Text))
	for _, c := range n.Children {
		b.WriteString(strings.TrimSpace(d.nodes[c].Tail))
	}
	return b.String()
}

// NormalizeText moves the children's tails into the text of id, clears the
// tails and returns the resulting text. After normalization all direct text
// of id appears in front of its first child.
func (d *Document) NormalizeText(id NodeID) string {
	text := d.DirectText(id)
	d.SetText(id, text)
	return text
}

// SetText replaces the direct text of id. Children's tails are cleared so
// the text is the only direct character data of the node.
func (d *Document) SetText(id NodeID, text string) {
	d.nodes[id].Text = text
	for _, c := range d.nodes[id].Children {
		d.nodes[c].Tail = ""
	}
}

// Graft deep-copies the subtree rooted at srcID in src and appends the copy
// as the last child of parent. src may be d.
//
// The copy comes out normalized: every copied node carries its direct text
// in front of its first child and no copied node has a tail.
func (d *Document) Graft(parent NodeID, src *Document, srcID NodeID) NodeID {
	s := src.nodes[srcID]
	attrs := make(map[string]string, len(s.Attrs))
	for k, v := range s.Attrs {
		attrs[k] = v
	}
	text := src.DirectText(srcID)
	// Copy the child list before adding nodes: when src == d the arena may grow.
	children := append([]NodeID(nil), s.Children...)

	id := d.AddChild(parent, s.Tag)
	d.nodes[id].Attrs = attrs
	d.nodes[id].Text = text
	for _, c := range children {
		d.Graft(id, src, c)
	}
	return id
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	out := &Document{
		nodes: make([]Node, len(d.nodes)),
		root:  d.root,
	}
	for i, n := range d.nodes {
		attrs := make(map[string]string, len(n.Attrs))
		for k, v := range n.Attrs {
			attrs[k] = v
		}
		n.Attrs = attrs
		n.Children = append([]NodeID(nil), n.Children...)
		out.nodes[i] = n
	}
	return out
}

// GroupByTag partitions the children of id by tag, keeping document order
// inside each group.
func (d *Document) GroupByTag(id NodeID) map[string][]NodeID {
	groups := make(map[string][]NodeID)
	for _, c := range d.nodes[id].Children {
		tag := d.nodes[c].Tag
		groups[tag] = append(groups[tag], c)
	}
	return groups
}

// Find returns the first child of id with the given tag.
func (d *Document) Find(id NodeID, tag string) (NodeID, bool) {
	for _, c := range d.nodes[id].Children {
		if d.nodes[c].Tag == tag {
			return c, true
		}
	}
	return InvalidNode, false
}
