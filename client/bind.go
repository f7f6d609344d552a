/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package client

import (
	"github.com/pkg/errors"

	"github.com/xmppgo/xmppcore/jid"
	"github.com/xmppgo/xmppcore/stanza"
)

// beginBind requests resource binding after SASL success and the
// post-auth stream restart.
func (c *Connection) beginBind(features *stanza.Element) {
	bindFeature := features.ChildNamespace("bind", bindNS)
	if bindFeature == nil {
		c.changeConnectStatus(AuthFail, "", nil)
		c.doDisconnect(errors.New("client: server did not advertise resource binding"))
		return
	}
	c.doBind = false

	const bindID = "_bind_auth_2"
	iq := stanza.NewElementName("iq")
	iq.SetType("set")
	iq.SetID(bindID)
	bind := stanza.NewElementNamespace("bind", bindNS)
	if c.fullJID != nil && c.fullJID.IsFull() {
		res := stanza.NewElementName("resource")
		res.SetText(c.fullJID.Resource())
		bind.AppendElement(res)
	}
	iq.AppendElement(bind)

	c.addSystemHandler(func(el stanza.XElement) (bool, error) {
		c.handleBindResult(el)
		return false, nil
	}, HandlerOptions{Name: "iq", Types: []string{"result", "error"}, ID: bindID})

	c.sendNow(iq)
}

func (c *Connection) handleBindResult(el stanza.XElement) {
	if el.Type() == "error" {
		cond := "unknown"
		if e, ok := el.(*stanza.Element); ok {
			for _, child := range e.ElementChildren() {
				if child.Name() == "conflict" {
					cond = CondConflict
				}
			}
		}
		c.changeConnectStatus(AuthFail, cond, el)
		c.doDisconnect(errors.New("client: resource bind failed: " + cond))
		return
	}
	boundBind := el.ChildNamespace("bind", bindNS)
	if boundBind != nil {
		if jidEl := boundBind.Child("jid"); jidEl != nil {
			if parsed, err := jid.Parse(jidEl.Text()); err == nil {
				c.fullJID = parsed
			}
		}
	}
	if c.doSession && c.streamFeatures != nil && c.streamFeatures.ChildNamespace("session", sessionNS) != nil {
		c.beginSession()
		return
	}
	c.finishAuthentication()
}

// beginSession is the optional session-establishment step for servers
// that still advertise the (deprecated) xmpp-session feature.
func (c *Connection) beginSession() {
	c.doSession = false
	const sessionID = "_session_auth_2"
	iq := stanza.NewElementName("iq")
	iq.SetType("set")
	iq.SetID(sessionID)
	iq.AppendElement(stanza.NewElementNamespace("session", sessionNS))

	c.addSystemHandler(func(el stanza.XElement) (bool, error) {
		if el.Type() == "error" {
			c.changeConnectStatus(AuthFail, "", el)
			c.doDisconnect(errors.New("client: session establishment failed"))
			return false, nil
		}
		c.finishAuthentication()
		return false, nil
	}, HandlerOptions{Name: "iq", Types: []string{"result", "error"}, ID: sessionID})

	c.sendNow(iq)
}

func (c *Connection) finishAuthentication() {
	c.authenticated = true
	c.changeConnectStatus(Connected, "", nil)
	c.persistSession()
	c.scheduleIdle()
}
