/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package stanza

import (
	"encoding/xml"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// ErrStreamClosedByPeer is returned by Parser.Next when the peer sends
// a bare closing stream tag ("</stream:stream>") instead of a new
// element. A WebSocket "<close/>" frame is a complete element and is
// returned by Next like any other.
var ErrStreamClosedByPeer = errors.New("stanza: stream closed by peer")

// Parser incrementally decodes a byte stream into top-level Elements,
// one stanza at a time.
type Parser struct {
	dec *xml.Decoder
}

// NewParser wraps r in a Parser.
func NewParser(r io.Reader) *Parser {
	return &Parser{dec: xml.NewDecoder(r)}
}

// Next reads the next top-level element (a stream header, a stanza, or
// a stream-level element such as <stream:features/>). It returns
// ErrStreamClosedByPeer on a naked closing tag with no matching open
// element read by this Parser.
func (p *Parser) Next() (*Element, error) {
	depth := 0
	var stack []*Element
	for {
		tok, err := p.dec.Token()
		if err != nil {
			// encoding/xml rejects a closing tag with no matching open
			// at the token level rather than handing us an EndElement,
			// since it tracks the open-element stack itself.
			if depth == 0 && strings.Contains(err.Error(), "unexpected end element") {
				return nil, ErrStreamClosedByPeer
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el := fromStartElement(t)
			if depth == 0 {
				stack = []*Element{el}
			} else if len(stack) > 0 {
				stack[len(stack)-1].AppendElement(el)
				stack = append(stack, el)
			}
			depth++

		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].AppendText(string(t))
			}

		case xml.EndElement:
			depth--
			if depth < 0 {
				return nil, ErrStreamClosedByPeer
			}
			if depth == 0 {
				return stack[0], nil
			}
			stack = stack[:len(stack)-1]
		}
	}
}

func fromStartElement(t xml.StartElement) *Element {
	el := NewElementName(qualifiedName(t.Name))
	for _, a := range t.Attr {
		el.SetAttribute(qualifiedName(a.Name), a.Value)
	}
	return el
}

const streamsNamespace = "http://etherx.jabber.org/streams"

func qualifiedName(n xml.Name) string {
	if len(n.Space) == 0 {
		return n.Local
	}
	// encoding/xml reports a bound prefix's URI in Space, and the
	// prefix verbatim when it is unbound. The "stream" prefix is the
	// only one callers address by its literal qualified name
	// ("stream:features"), so both spellings map back to it.
	if n.Space == "stream" || n.Space == streamsNamespace {
		return "stream:" + n.Local
	}
	return n.Local
}

// EscapeText escapes the XML special characters in s.
func EscapeText(s string) string {
	var sb strings.Builder
	if err := xml.EscapeText(stringWriter{&sb}, []byte(s)); err != nil {
		return s
	}
	return sb.String()
}

type stringWriter struct{ sb *strings.Builder }

func (w stringWriter) Write(p []byte) (int, error) { return w.sb.Write(p) }

// NamesEqual compares two qualified element names case-sensitively.
func NamesEqual(a, b string) bool { return a == b }

// StripFragment removes a "#..." namespace fragment, used when a
// handler's ignoreNamespaceFragment option is set.
func StripFragment(ns string) string {
	if i := strings.IndexByte(ns, '#'); i >= 0 {
		return ns[:i]
	}
	return ns
}

// HasNamespace reports whether el's own xmlns, or any immediate
// child's xmlns, equals ns, after optionally stripping '#' fragments
// from both sides.
func HasNamespace(el XElement, ns string, ignoreFragment bool) bool {
	want := ns
	if ignoreFragment {
		want = StripFragment(want)
	}
	got := el.Namespace()
	if ignoreFragment {
		got = StripFragment(got)
	}
	if got == want {
		return true
	}
	for _, c := range el.Elements() {
		cns := c.Namespace()
		if ignoreFragment {
			cns = StripFragment(cns)
		}
		if cns == want {
			return true
		}
	}
	return false
}
