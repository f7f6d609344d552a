/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package stanza

// Builder provides a fluent tree-construction API: New/C/CNode/T/Up/
// Tree/Attrs. The cursor is a borrowed pointer into the tree the
// builder owns; Tree() should not be called while further mutation
// through the cursor is still intended.
type Builder struct {
	root   *Element
	cursor *Element
	stack  []*Element
}

// New starts a new builder rooted at an element named name with the
// given (possibly nil) attributes.
func New(name string, attrs map[string]string) *Builder {
	root := NewElementName(name)
	setAttrsOmitNil(root, attrs)
	return &Builder{root: root, cursor: root}
}

// FromElement wraps a pre-built element tree in a Builder, with the
// cursor positioned at the root.
func FromElement(e *Element) *Builder {
	return &Builder{root: e, cursor: e}
}

// C appends a child element at the cursor and moves the cursor to it.
func (b *Builder) C(name string, attrs map[string]string) *Builder {
	child := NewElementName(name)
	setAttrsOmitNil(child, attrs)
	b.cursor.AppendElement(child)
	b.stack = append(b.stack, b.cursor)
	b.cursor = child
	return b
}

// CNode attaches a pre-built subtree at the cursor and moves the
// cursor to it.
func (b *Builder) CNode(tree *Element) *Builder {
	b.cursor.AppendElement(tree)
	b.stack = append(b.stack, b.cursor)
	b.cursor = tree
	return b
}

// T adds a text node at the cursor. The cursor does not move.
func (b *Builder) T(text string) *Builder {
	b.cursor.AppendText(text)
	return b
}

// Up moves the cursor to its parent. Since Element does not track a
// parent pointer, Builder keeps its own stack of ancestors (pushed by
// C and CNode) so Up can walk back even after several C/CNode calls.
// At the root, Up is a no-op.
func (b *Builder) Up() *Builder {
	if len(b.stack) == 0 {
		return b
	}
	b.cursor = b.stack[len(b.stack)-1]
	b.stack = b.stack[:len(b.stack)-1]
	return b
}

// Attrs merges attrs into the cursor's attribute set. Nil/empty values
// are omitted rather than serialized.
func (b *Builder) Attrs(attrs map[string]string) *Builder {
	setAttrsOmitNil(b.cursor, attrs)
	return b
}

// Tree returns the root of the built element.
func (b *Builder) Tree() *Element { return b.root }

func setAttrsOmitNil(e *Element, attrs map[string]string) {
	for k, v := range attrs {
		if len(v) == 0 {
			continue
		}
		e.SetAttribute(k, v)
	}
}
