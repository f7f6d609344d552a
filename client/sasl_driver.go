/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package client

import (
	"encoding/base64"

	"github.com/pkg/errors"

	"github.com/xmppgo/xmppcore/internal/xlog"
	saslpkg "github.com/xmppgo/xmppcore/sasl"
	"github.com/xmppgo/xmppcore/stanza"
)

const saslNS = "urn:ietf:params:xml:ns:xmpp-sasl"
const bindNS = "urn:ietf:params:xml:ns:xmpp-bind"
const sessionNS = "urn:ietf:params:xml:ns:xmpp-session"
const legacyAuthNS = "jabber:iq:auth"

// onStreamFeatures is the single entry point every <stream:features/>
// received over the life of the connection funnels through: first to
// pick and drive a SASL (or legacy) mechanism, then, after the
// post-auth stream restart delivers features again, to resource
// binding and session establishment.
func (c *Connection) onStreamFeatures(features *stanza.Element) {
	c.streamFeatures = features
	if c.doAuthentication {
		c.doAuthentication = false
		c.beginAuthentication(features)
		return
	}
	if c.doBind {
		c.beginBind(features)
	}
}

func (c *Connection) beginAuthentication(features *stanza.Element) {
	mechsEl := features.ChildNamespace("mechanisms", saslNS)
	if mechsEl != nil {
		var offered []string
		for _, m := range mechsEl.ChildrenNamed("mechanism") {
			offered = append(offered, m.Text())
		}
		matched := saslpkg.MatchOffered(c.mechanisms, offered)
		for _, m := range matched {
			if m.Test(c) {
				c.startSASL(m)
				return
			}
		}
	}
	if c.tryLegacyAuth(features) {
		return
	}
	c.changeConnectStatus(ConnFail, CondNoAuthMech, nil)
	c.doDisconnect(errors.New("client: " + CondNoAuthMech))
}

func (c *Connection) startSASL(mech saslpkg.Mechanism) {
	c.activeMechanism = mech
	c.changeConnectStatus(Authenticating, "", nil)

	var successRef, failureRef, challengeRef HandlerRef

	challengeRef = c.addSystemHandler(func(el stanza.XElement) (bool, error) {
		decoded, err := base64.StdEncoding.DecodeString(el.Text())
		if err != nil {
			c.failAuthentication(mech, successRef, failureRef, challengeRef)
			return false, nil
		}
		resp, err := mech.OnChallenge(c, decoded)
		if err != nil {
			c.failAuthentication(mech, successRef, failureRef, challengeRef)
			return false, nil
		}
		c.sendNow(saslResponseElement(resp))
		return true, nil
	}, HandlerOptions{Namespace: saslNS, Name: "challenge"})

	failureRef = c.addSystemHandler(func(el stanza.XElement) (bool, error) {
		c.deleteHandlerLocked(successRef.id)
		c.deleteHandlerLocked(challengeRef.id)
		mech.OnFailure(c)
		c.changeConnectStatus(AuthFail, "", el)
		c.doDisconnect(errors.New("client: sasl authentication failed"))
		return false, nil
	}, HandlerOptions{Namespace: saslNS, Name: "failure"})

	successRef = c.addSystemHandler(func(el stanza.XElement) (bool, error) {
		if sig := c.ServerSignature(); len(sig) > 0 {
			if !verifyServerSignature(sig, el.Text()) {
				c.failAuthentication(mech, successRef, failureRef, challengeRef)
				return false, nil
			}
		}
		c.deleteHandlerLocked(failureRef.id)
		c.deleteHandlerLocked(challengeRef.id)
		if err := mech.OnSuccess(c); err != nil {
			xlog.Error(err)
		}
		c.doBind = true
		c.enqueueRestart()
		return false, nil
	}, HandlerOptions{Namespace: saslNS, Name: "success"})

	if err := mech.OnStart(c); err != nil {
		xlog.Error(err)
	}

	auth := stanza.NewElementNamespace("auth", saslNS)
	auth.SetAttribute("mechanism", mech.Name())
	if mech.ClientFirst() {
		payload, err := mech.OnChallenge(c, nil)
		if err != nil {
			xlog.Error(err)
		} else if len(payload) > 0 {
			auth.SetText(base64.StdEncoding.EncodeToString(payload))
		}
	}
	c.sendNow(auth)
}

func (c *Connection) failAuthentication(mech saslpkg.Mechanism, successRef, failureRef, challengeRef HandlerRef) {
	c.deleteHandlerLocked(successRef.id)
	c.deleteHandlerLocked(failureRef.id)
	c.deleteHandlerLocked(challengeRef.id)
	mech.OnFailure(c)
	c.changeConnectStatus(AuthFail, "", nil)
	c.doDisconnect(errors.New("client: sasl server-signature mismatch"))
}

func saslResponseElement(payload []byte) *stanza.Element {
	resp := stanza.NewElementNamespace("response", saslNS)
	if len(payload) > 0 {
		resp.SetText(base64.StdEncoding.EncodeToString(payload))
	}
	return resp
}

// verifyServerSignature decodes the base64 <success> body and checks
// its "v=" field matches the stashed SCRAM server-signature bytewise.
func verifyServerSignature(stashed []byte, body string) bool {
	decoded, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return false
	}
	const prefix = "v="
	s := string(decoded)
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return false
	}
	return s[len(prefix):] == string(stashed)
}

// tryLegacyAuth is the non-SASL jabber:iq:auth fallback: only
// attempted when the server offered no SASL mechanism this registry
// could use.
func (c *Connection) tryLegacyAuth(features *stanza.Element) bool {
	if features.ChildNamespace("auth", legacyAuthNS) == nil {
		return false
	}
	if len(c.fullJID.Node()) == 0 {
		c.changeConnectStatus(AuthFail, CondBadNonAnonJID, nil)
		c.doDisconnect(errors.New("client: " + CondBadNonAnonJID))
		return true
	}
	c.changeConnectStatus(Authenticating, "", nil)

	const probeID = "_auth_1"
	probe := stanza.NewElementName("iq")
	probe.SetType("get")
	probe.SetID(probeID)
	query := stanza.NewElementNamespace("query", legacyAuthNS)
	username := stanza.NewElementName("username")
	username.SetText(c.fullJID.Node())
	query.AppendElement(username)
	probe.AppendElement(query)

	c.addSystemHandler(func(el stanza.XElement) (bool, error) {
		if el.Type() == "error" {
			c.changeConnectStatus(AuthFail, "", el)
			c.doDisconnect(errors.New("client: legacy auth probe failed"))
			return false, nil
		}
		c.sendLegacyAuthSet()
		return false, nil
	}, HandlerOptions{Name: "iq", Types: []string{"result", "error"}, ID: probeID})

	c.sendNow(probe)
	return true
}

func (c *Connection) sendLegacyAuthSet() {
	const setID = "_auth_2"
	iq := stanza.NewElementName("iq")
	iq.SetType("set")
	iq.SetID(setID)
	query := stanza.NewElementNamespace("query", legacyAuthNS)
	username := stanza.NewElementName("username")
	username.SetText(c.fullJID.Node())
	password := stanza.NewElementName("password")
	password.SetText(c.Password())
	resource := stanza.NewElementName("resource")
	res := c.fullJID.Resource()
	if len(res) == 0 {
		res = "strophe"
	}
	resource.SetText(res)
	query.AppendElements([]*stanza.Element{username, password, resource})
	iq.AppendElement(query)

	c.addSystemHandler(func(el stanza.XElement) (bool, error) {
		if el.Type() == "error" {
			c.changeConnectStatus(AuthFail, "", el)
			c.doDisconnect(errors.New("client: legacy auth failed"))
			return false, nil
		}
		c.authenticated = true
		c.changeConnectStatus(Connected, "", nil)
		c.persistSession()
		return false, nil
	}, HandlerOptions{Name: "iq", Types: []string{"result", "error"}, ID: setID})

	c.sendNow(iq)
}

// sendNow hands e to enqueue: with a transport attached it goes
// straight to the transport, otherwise it waits in the outgoing queue.
// It is only ever called from the actor goroutine in direct reaction
// to inbound data.
func (c *Connection) sendNow(e *stanza.Element) {
	c.enqueue(e)
}
