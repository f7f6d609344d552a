/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package jid implements parsing, validation and comparison of XMPP
// addresses of the form node@domain/resource, per RFC 7622.
package jid

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/secure/precis"
)

// ErrInvalidJID is returned when a string cannot be parsed as a JID.
var ErrInvalidJID = errors.New("jid: invalid JID")

// JID represents an XMPP address. The zero value is not a valid JID;
// use New or Parse to construct one.
type JID struct {
	node     string
	domain   string
	resource string
}

// New builds a JID from its three parts. Unless skipPrep is set, the
// node and resource are prepared with the PRECIS profiles and the
// domain is lower-cased; skipPrep is for callers that already know the
// value is well-formed.
func New(node, domain, resource string, skipPrep bool) (*JID, error) {
	if len(domain) == 0 {
		return nil, ErrInvalidJID
	}
	n, d, r := node, domain, resource
	if !skipPrep {
		var err error
		if n, err = prepNode(n); err != nil {
			return nil, err
		}
		d = strings.ToLower(d)
		if r, err = prepResource(r); err != nil {
			return nil, err
		}
	}
	return &JID{node: n, domain: d, resource: r}, nil
}

// Parse parses s (node@domain/resource, domain/resource, or node@domain)
// into a JID.
func Parse(s string) (*JID, error) {
	if len(s) == 0 {
		return nil, ErrInvalidJID
	}
	var node, domain, resource string
	rest := s
	if at := strings.Index(rest, "@"); at >= 0 {
		node = rest[:at]
		rest = rest[at+1:]
	}
	if slash := strings.Index(rest, "/"); slash >= 0 {
		domain = rest[:slash]
		resource = rest[slash+1:]
	} else {
		domain = rest
	}
	if len(domain) == 0 {
		return nil, ErrInvalidJID
	}
	// The wire form carries the node XEP-0106-escaped; the stored node
	// is always the logical form, and String() re-escapes it exactly
	// once.
	return New(UnescapeNode(node), domain, resource, false)
}

// MustParse is like Parse but panics on error; intended for tests and
// package-level constants.
func MustParse(s string) *JID {
	j, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return j
}

func prepNode(node string) (string, error) {
	if len(node) == 0 {
		return "", nil
	}
	prepped, err := precis.UsernameCaseMapped.String(node)
	if err != nil {
		return "", errors.Wrap(ErrInvalidJID, err.Error())
	}
	return prepped, nil
}

func prepResource(resource string) (string, error) {
	if len(resource) == 0 {
		return "", nil
	}
	prepped, err := precis.OpaqueString.String(resource)
	if err != nil {
		return "", errors.Wrap(ErrInvalidJID, err.Error())
	}
	return prepped, nil
}

// Node returns the local part (node), or "" if absent.
func (j *JID) Node() string { return j.node }

// Domain returns the domain part.
func (j *JID) Domain() string { return j.domain }

// Resource returns the resource part, or "" if absent.
func (j *JID) Resource() string { return j.resource }

// IsBare returns true if the JID has no resource.
func (j *JID) IsBare() bool { return len(j.resource) == 0 }

// IsFull returns true if the JID has a resource.
func (j *JID) IsFull() bool { return len(j.resource) > 0 }

// ToBareJID returns a copy of j with the resource stripped.
func (j *JID) ToBareJID() *JID {
	return &JID{node: j.node, domain: j.domain}
}

// Matches reports whether j and other share node and domain; if
// includeResource is true the resource must match too.
func (j *JID) Matches(other *JID, includeResource bool) bool {
	if other == nil {
		return false
	}
	if j.node != other.node || j.domain != other.domain {
		return false
	}
	if includeResource {
		return j.resource == other.resource
	}
	return true
}

// String renders the full JID string.
func (j *JID) String() string {
	var sb strings.Builder
	if len(j.node) > 0 {
		sb.WriteString(EscapeNode(j.node))
		sb.WriteByte('@')
	}
	sb.WriteString(j.domain)
	if len(j.resource) > 0 {
		sb.WriteByte('/')
		sb.WriteString(j.resource)
	}
	return sb.String()
}

// escapeTable implements XEP-0106 (JID escaping) for the reserved
// characters that cannot appear verbatim in a node.
var escapeTable = []struct {
	raw, escaped string
}{
	{"\\", `\5c`}, // must come first: escaping the escape character itself
	{" ", `\20`},
	{"\"", `\22`},
	{"&", `\26`},
	{"'", `\27`},
	{"/", `\2f`},
	{":", `\3a`},
	{"<", `\3c`},
	{">", `\3e`},
	{"@", `\40`},
}

// EscapeNode applies XEP-0106 escaping to a JID node so it may be safely
// embedded as the localpart of an address.
func EscapeNode(node string) string {
	if len(node) == 0 {
		return node
	}
	out := node
	for _, e := range escapeTable {
		out = strings.ReplaceAll(out, e.raw, e.escaped)
	}
	return out
}

// UnescapeNode reverses EscapeNode.
func UnescapeNode(node string) string {
	if len(node) == 0 {
		return node
	}
	out := node
	for i := len(escapeTable) - 1; i >= 0; i-- {
		e := escapeTable[i]
		out = strings.ReplaceAll(out, e.escaped, e.raw)
	}
	return out
}
