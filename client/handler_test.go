/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package client

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xmppgo/xmppcore/stanza"
)

var errBoom = errors.New("boom")

func noopHandler(stanza.XElement) (bool, error) { return true, nil }

func TestHandlerMatchesNamespaceOnChild(t *testing.T) {
	h := &handler{fn: noopHandler, opts: HandlerOptions{Namespace: "jabber:iq:roster"}}
	iq := stanza.NewElementName("iq")
	iq.AppendElement(stanza.NewElementNamespace("query", "jabber:iq:roster"))
	require.True(t, h.isMatch(iq))

	other := stanza.NewElementName("iq")
	other.AppendElement(stanza.NewElementNamespace("query", "jabber:iq:auth"))
	require.False(t, h.isMatch(other))
}

func TestHandlerIgnoreNamespaceFragment(t *testing.T) {
	h := &handler{fn: noopHandler, opts: HandlerOptions{
		Namespace:               "http://jabber.org/protocol/caps",
		IgnoreNamespaceFragment: true,
	}}
	el := stanza.NewElementNamespace("feature", "http://jabber.org/protocol/caps#ver")
	require.True(t, h.isMatch(el))
}

func TestHandlerMatchesName(t *testing.T) {
	h := &handler{fn: noopHandler, opts: HandlerOptions{Name: "presence"}}
	require.True(t, h.isMatch(stanza.NewElementName("presence")))
	require.False(t, h.isMatch(stanza.NewElementName("message")))
}

func TestHandlerMatchesTypes(t *testing.T) {
	h := &handler{fn: noopHandler, opts: HandlerOptions{Types: []string{"result", "error"}}}
	iq := stanza.NewElementName("iq")
	iq.SetType("result")
	require.True(t, h.isMatch(iq))
	iq.SetType("set")
	require.False(t, h.isMatch(iq))
}

func TestHandlerMatchesIDExact(t *testing.T) {
	h := &handler{fn: noopHandler, opts: HandlerOptions{ID: "abc123"}}
	el := stanza.NewElementName("iq")
	el.SetID("abc123")
	require.True(t, h.isMatch(el))
	el.SetID("abc1234")
	require.False(t, h.isMatch(el))
}

func TestHandlerMatchesIDStartsWith(t *testing.T) {
	h := &handler{fn: noopHandler, opts: HandlerOptions{ID: "bind_", StartsWithID: true}}
	el := stanza.NewElementName("iq")
	el.SetID("bind_1")
	require.True(t, h.isMatch(el))
	el.SetID("other_1")
	require.False(t, h.isMatch(el))
}

func TestHandlerMatchesIDEndsWith(t *testing.T) {
	h := &handler{fn: noopHandler, opts: HandlerOptions{ID: "_auth_2", EndsWithID: true}}
	el := stanza.NewElementName("iq")
	el.SetID("legacy_auth_2")
	require.True(t, h.isMatch(el))
	el.SetID("legacy_auth_3")
	require.False(t, h.isMatch(el))
}

func TestHandlerMatchesFromExact(t *testing.T) {
	h := &handler{fn: noopHandler, opts: HandlerOptions{From: "user@example.org/res1"}}
	el := stanza.NewElementName("message")
	el.SetFrom("user@example.org/res1")
	require.True(t, h.isMatch(el))
	el.SetFrom("user@example.org/res2")
	require.False(t, h.isMatch(el))
}

func TestHandlerMatchesBareFromJID(t *testing.T) {
	h := &handler{fn: noopHandler, opts: HandlerOptions{From: "user@example.org/res1", MatchBareFromJID: true}}
	el := stanza.NewElementName("message")
	el.SetFrom("user@example.org/res2")
	require.True(t, h.isMatch(el))
	el.SetFrom("other@example.org/res2")
	require.False(t, h.isMatch(el))
}

func TestHandlerRunDemotesOnError(t *testing.T) {
	h := &handler{fn: func(stanza.XElement) (bool, error) { return true, errBoom }}
	require.False(t, h.run(stanza.NewElementName("iq")))
}

func TestHandlerRunRecoversPanic(t *testing.T) {
	h := &handler{fn: func(stanza.XElement) (bool, error) { panic("boom") }}
	require.False(t, h.run(stanza.NewElementName("iq")))
}

func TestHandlerRunKeepsWhenRequested(t *testing.T) {
	h := &handler{fn: func(stanza.XElement) (bool, error) { return true, nil }}
	require.True(t, h.run(stanza.NewElementName("iq")))
}

func TestTimedHandlerDueAfterPeriod(t *testing.T) {
	th := &timedHandler{period: 0}
	require.True(t, th.due(th.lastRun))
}

func TestTimedHandlerRunRecoversPanic(t *testing.T) {
	th := &timedHandler{fn: func() (bool, error) { panic("boom") }}
	require.False(t, th.run())
}
