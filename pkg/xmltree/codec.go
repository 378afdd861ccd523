package xmltree

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/openfroyo/virtsync/pkg/engine"
)

// Parse reads one XML element tree from r.
//
// Namespace prefixes are kept verbatim in tags and attribute names.
// Comments, processing instructions and directives are dropped.
func Parse(r io.Reader) (*Document, error) {
	dec := xml.NewDecoder(r)

	var (
		doc   *Document
		stack []NodeID
	)
	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, parseError("malformed xml", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			tag := qualified(t.Name)
			var id NodeID
			switch {
			case doc == nil:
				doc = NewDocument(tag)
				id = doc.Root()
			case len(stack) == 0:
				return nil, parseError("multiple root elements", nil)
			default:
				id = doc.AddChild(stack[len(stack)-1], tag)
			}
			for _, a := range t.Attr {
				doc.SetAttr(id, qualified(a.Name), a.Value)
			}
			stack = append(stack, id)

		case xml.EndElement:
			if len(stack) == 0 {
				return nil, parseError(fmt.Sprintf("unexpected end element </%s>", qualified(t.Name)), nil)
			}
			top := stack[len(stack)-1]
			if doc.Tag(top) != qualified(t.Name) {
				return nil, parseError(fmt.Sprintf("element <%s> closed by </%s>", doc.Tag(top), qualified(t.Name)), nil)
			}
			stack = stack[:len(stack)-1]

		case xml.CharData:
			if doc == nil || len(stack) == 0 {
				if len(bytes.TrimSpace(t)) > 0 {
					return nil, parseError("character data outside the root element", nil)
				}
				continue
			}
			appendCharData(doc, stack[len(stack)-1], string(t))
		}
	}

	if doc == nil {
		return nil, parseError("no root element", nil)
	}
	if len(stack) != 0 {
		return nil, parseError(fmt.Sprintf("unclosed element <%s>", doc.Tag(stack[len(stack)-1])), nil)
	}
	return doc, nil
}

// ParseString is Parse over a string.
func ParseString(s string) (*Document, error) {
	return Parse(strings.NewReader(s))
}

// appendCharData attaches character data to the open element: before the
// first child it is the element's text, afterwards the tail of the last child.
func appendCharData(doc *Document, open NodeID, data string) {
	n := doc.Node(open)
	if len(n.Children) == 0 {
		n.Text += data
		return
	}
	last := doc.Node(n.Children[len(n.Children)-1])
	last.Tail += data
}

func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

func parseError(msg string, err error) error {
	return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeParse)
}

// xml.EscapeText also escapes newlines, which would flatten indentation.
var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "\n", "&#xA;", "\t", "&#x9;")
)

// WriteTo serializes the document as XML. Attributes are written in sorted
// order; text and tails are written as stored.
func (d *Document) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	d.write(&buf, d.root, false)
	return buf.WriteTo(w)
}

// String returns the serialized document.
func (d *Document) String() string {
	var buf bytes.Buffer
	d.write(&buf, d.root, false)
	return buf.String()
}

// Subtree returns the serialized element id without its tail.
func (d *Document) Subtree(id NodeID) string {
	var buf bytes.Buffer
	d.write(&buf, id, false)
	return buf.String()
}

func (d *Document) write(buf *bytes.Buffer, id NodeID, tail bool) {
	n := &d.nodes[id]
	buf.WriteByte('<')
	buf.WriteString(n.Tag)
	for _, k := range d.AttrKeys(id) {
		buf.WriteByte(' ')
		buf.WriteString(k)
		buf.WriteString(`="`)
		buf.WriteString(attrEscaper.Replace(n.Attrs[k]))
		buf.WriteByte('"')
	}
	if n.Text == "" && len(n.Children) == 0 {
		buf.WriteString("/>")
	} else {
		buf.WriteByte('>')
		buf.WriteString(textEscaper.Replace(n.Text))
		for _, c := range n.Children {
			d.write(buf, c, true)
		}
		buf.WriteString("</")
		buf.WriteString(n.Tag)
		buf.WriteByte('>')
	}
	if tail {
		buf.WriteString(textEscaper.Replace(n.Tail))
	}
}

// Indent rewrites whitespace-only text and tails so the document prints as
// an indented tree, two spaces per level. Non-blank text is left alone.
func Indent(d *Document) {
	d.indent(d.root, 0)
}

func (d *Document) indent(id NodeID, level int) {
	pad := "\n" + strings.Repeat("  ", level)
	n := &d.nodes[id]
	if len(n.Children) > 0 {
		if strings.TrimSpace(n.Text) == "" {
			n.Text = pad + "  "
		}
		for _, c := range n.Children {
			d.indent(c, level+1)
		}
		last := &d.nodes[n.Children[len(n.Children)-1]]
		if strings.TrimSpace(last.Tail) == "" {
			last.Tail = pad
		}
	}
	if level > 0 && strings.TrimSpace(n.Tail) == "" {
		n.Tail = pad
	}
}
