/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package stanza implements the fluent stanza builder, the XML
// utilities, and the iq/presence/message stanza wrappers the connection
// core and application handlers operate on.
package stanza

import (
	"sort"
	"strings"
)

// XElement is the read side of an XML element tree: attribute lookup,
// children, and the handful of attributes (type/id/to/from) that
// dispatch and the stanza wrappers care about.
type XElement interface {
	Name() string
	Namespace() string
	Attribute(key string) string
	Attributes() map[string]string
	Text() string
	Elements() []XElement
	Child(name string) XElement
	ChildrenNamed(name string) []XElement
	ChildNamespace(name, namespace string) XElement

	ID() string
	Type() string
	To() string
	From() string

	String() string
}

// Element is the concrete, mutable XML tree node produced by Builder
// and by parsing incoming wire data.
type Element struct {
	name     string
	attrs    map[string]string
	children []*Element
	text     string
}

var _ XElement = (*Element)(nil)

// NewElementName creates a bare, namespace-less element.
func NewElementName(name string) *Element {
	return &Element{name: name, attrs: make(map[string]string)}
}

// NewElementNamespace creates an element with its xmlns attribute set.
func NewElementNamespace(name, namespace string) *Element {
	e := NewElementName(name)
	if len(namespace) > 0 {
		e.SetAttribute("xmlns", namespace)
	}
	return e
}

func (e *Element) Name() string { return e.name }

// SetName overwrites the element's tag name.
func (e *Element) SetName(name string) { e.name = name }

func (e *Element) Namespace() string { return e.attrs["xmlns"] }

// SetNamespace sets (or, given "", clears) the xmlns attribute.
func (e *Element) SetNamespace(ns string) {
	if len(ns) == 0 {
		delete(e.attrs, "xmlns")
		return
	}
	e.SetAttribute("xmlns", ns)
}

func (e *Element) Attribute(key string) string { return e.attrs[key] }

func (e *Element) Attributes() map[string]string {
	out := make(map[string]string, len(e.attrs))
	for k, v := range e.attrs {
		out[k] = v
	}
	return out
}

// SetAttribute sets key to value. An empty value still sets the
// attribute; callers wanting omission should use Builder.Attrs, which
// drops empty values.
func (e *Element) SetAttribute(key, value string) {
	if e.attrs == nil {
		e.attrs = make(map[string]string)
	}
	e.attrs[key] = value
}

// RemoveAttribute deletes key if present.
func (e *Element) RemoveAttribute(key string) { delete(e.attrs, key) }

func (e *Element) Text() string { return e.text }

// SetText replaces the element's character data.
func (e *Element) SetText(text string) { e.text = text }

// AppendText appends to the element's character data.
func (e *Element) AppendText(text string) { e.text += text }

func (e *Element) Elements() []XElement {
	out := make([]XElement, len(e.children))
	for i, c := range e.children {
		out[i] = c
	}
	return out
}

// ElementChildren returns the concrete *Element children, for callers
// that need to mutate them further (e.g. the builder cursor).
func (e *Element) ElementChildren() []*Element { return e.children }

func (e *Element) Child(name string) XElement {
	for _, c := range e.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (e *Element) ChildrenNamed(name string) []XElement {
	var out []XElement
	for _, c := range e.children {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

func (e *Element) ChildNamespace(name, namespace string) XElement {
	for _, c := range e.children {
		if c.name == name && c.Namespace() == namespace {
			return c
		}
	}
	return nil
}

// AppendElement appends a child and returns it, for chaining.
func (e *Element) AppendElement(child *Element) *Element {
	e.children = append(e.children, child)
	return child
}

// AppendElements appends several children in order.
func (e *Element) AppendElements(children []*Element) {
	e.children = append(e.children, children...)
}

func (e *Element) ID() string   { return e.attrs["id"] }
func (e *Element) Type() string { return e.attrs["type"] }
func (e *Element) To() string   { return e.attrs["to"] }
func (e *Element) From() string { return e.attrs["from"] }

// SetID, SetType, SetTo, SetFrom are convenience wrappers over
// SetAttribute for the four stanza-routing attributes.
func (e *Element) SetID(id string)     { e.SetAttribute("id", id) }
func (e *Element) SetType(typ string)  { e.SetAttribute("type", typ) }
func (e *Element) SetTo(to string)     { e.SetAttribute("to", to) }
func (e *Element) SetFrom(from string) { e.SetAttribute("from", from) }

// String serializes the element as well-formed XML. Attributes are
// emitted in a stable, sorted order so String is deterministic (and
// round-trips equal for the subset of XML the builder produces).
func (e *Element) String() string {
	var sb strings.Builder
	e.toXML(&sb)
	return sb.String()
}

func (e *Element) toXML(sb *strings.Builder) {
	sb.WriteByte('<')
	sb.WriteString(e.name)

	keys := make([]string, 0, len(e.attrs))
	for k, v := range e.attrs {
		if v == "" && k != "xmlns" {
			// undefined/nil attribute values are omitted, not
			// serialized as empty strings, except xmlns="" which a
			// caller may legitimately want to emit to clear a default
			// namespace.
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteByte(' ')
		sb.WriteString(k)
		sb.WriteString(`="`)
		sb.WriteString(EscapeText(e.attrs[k]))
		sb.WriteByte('"')
	}

	if len(e.children) == 0 && len(e.text) == 0 {
		sb.WriteString("/>")
		return
	}
	sb.WriteByte('>')
	if len(e.text) > 0 {
		sb.WriteString(EscapeText(e.text))
	}
	for _, c := range e.children {
		c.toXML(sb)
	}
	sb.WriteString("</")
	sb.WriteString(e.name)
	sb.WriteByte('>')
}

// Copy returns a deep copy of e.
func (e *Element) Copy() *Element {
	cp := &Element{name: e.name, text: e.text, attrs: make(map[string]string, len(e.attrs))}
	for k, v := range e.attrs {
		cp.attrs[k] = v
	}
	for _, c := range e.children {
		cp.children = append(cp.children, c.Copy())
	}
	return cp
}
