/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package client

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xmppgo/xmppcore/sasl"
	"github.com/xmppgo/xmppcore/stanza"
	"github.com/xmppgo/xmppcore/transport"
)

// fakeTransport stands in for bosh/wsocket in the connection-core tests
// below, recording every batch handed to Send/SendRestart instead of
// touching the network.
type fakeTransport struct {
	mu       sync.Mutex
	sent     [][]*stanza.Element
	restarts int
}

var _ transport.Transport = (*fakeTransport)(nil)

func (f *fakeTransport) Type() transport.Type          { return transport.BOSH }
func (f *fakeTransport) Connect(context.Context) error  { return nil }
func (f *fakeTransport) Disconnect(error)               {}
func (f *fakeTransport) EmptyQueue() bool               { return true }
func (f *fakeTransport) OnIdle()                        {}
func (f *fakeTransport) SendRestart() {
	f.mu.Lock()
	f.restarts++
	f.mu.Unlock()
}
func (f *fakeTransport) Send(elems []*stanza.Element) {
	f.mu.Lock()
	f.sent = append(f.sent, elems)
	f.mu.Unlock()
}

func (f *fakeTransport) last() *stanza.Element {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	batch := f.sent[len(f.sent)-1]
	if len(batch) == 0 {
		return nil
	}
	return batch[0]
}

func (f *fakeTransport) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}

type statusRecorder struct {
	mu    sync.Mutex
	recs  []Status
	conds []string
}

func (r *statusRecorder) cb(status Status, cond string, _ stanza.XElement) {
	r.mu.Lock()
	r.recs = append(r.recs, status)
	r.conds = append(r.conds, cond)
	r.mu.Unlock()
}

func (r *statusRecorder) condFor(s Status) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, st := range r.recs {
		if st == s {
			return r.conds[i]
		}
	}
	return ""
}

func (r *statusRecorder) has(s Status) bool { return r.count(s) > 0 }

func (r *statusRecorder) count(s Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.recs {
		if st == s {
			n++
		}
	}
	return n
}

func mechanismsFeatures(names ...string) *stanza.Element {
	features := stanza.NewElementName("stream:features")
	mechs := stanza.NewElementNamespace("mechanisms", saslNS)
	for _, n := range names {
		m := stanza.NewElementName("mechanism")
		m.SetText(n)
		mechs.AppendElement(m)
	}
	features.AppendElement(mechs)
	return features
}

// TestPlainAuthenticationFullRoundTrip drives PLAIN negotiation, the
// post-auth restart, resource bind and the resulting CONNECTED status,
// entirely against a fakeTransport.
func TestPlainAuthenticationFullRoundTrip(t *testing.T) {
	c := NewConnection("ws://example.org/xmpp", WithMechanisms([]string{"PLAIN"}))
	t.Cleanup(c.Close)

	tr := &fakeTransport{}
	rec := &statusRecorder{}
	c.do(func() {
		c.authzid = "user@example.org"
		c.authcid = "user"
		c.password = "secret"
		c.domain = "example.org"
		c.doAuthentication = true
		c.doBind = true
		c.doSession = true
		c.tr = tr
		c.statusCb = rec.cb
	})

	c.do(func() { c.onStreamFeatures(mechanismsFeatures("PLAIN")) })

	require.True(t, rec.has(Authenticating))
	auth := tr.last()
	require.NotNil(t, auth)
	require.Equal(t, "auth", auth.Name())
	require.Equal(t, "PLAIN", auth.Attribute("mechanism"))
	decoded, err := base64.StdEncoding.DecodeString(auth.Text())
	require.NoError(t, err)
	require.Equal(t, "user@example.org\x00user\x00secret", string(decoded))

	success := stanza.NewElementNamespace("success", saslNS)
	c.do(func() { c.processInbound("", success) })
	require.True(t, c.doBind)
	require.Equal(t, 1, tr.restartCount())

	bindFeatures := stanza.NewElementName("stream:features")
	bindFeatures.AppendElement(stanza.NewElementNamespace("bind", bindNS))
	c.do(func() { c.onStreamFeatures(bindFeatures) })

	bindReq := tr.last()
	require.NotNil(t, bindReq)
	require.Equal(t, "iq", bindReq.Name())
	require.Equal(t, "set", bindReq.Type())
	require.Equal(t, "_bind_auth_2", bindReq.ID())

	bindResult := stanza.NewElementName("iq")
	bindResult.SetType("result")
	bindResult.SetID("_bind_auth_2")
	boundBind := stanza.NewElementNamespace("bind", bindNS)
	jidEl := stanza.NewElementName("jid")
	jidEl.SetText("user@example.org/resourceX")
	boundBind.AppendElement(jidEl)
	bindResult.AppendElement(boundBind)
	c.do(func() { c.processInbound("", bindResult) })

	require.True(t, rec.has(Connected))
	require.True(t, c.Authenticated())
	require.Equal(t, "user@example.org/resourceX", c.FullJID().String())
}

// fakeSigMechanism stashes a server signature on its client-first
// payload and never matches whatever the simulated server echoes back,
// exercising the connection core's server-signature verification path
// without a full SCRAM exchange.
type fakeSigMechanism struct {
	failures int32
}

func (*fakeSigMechanism) Name() string      { return "FAKE-SIG" }
func (*fakeSigMechanism) Priority() int     { return 100 }
func (*fakeSigMechanism) ClientFirst() bool { return true }
func (*fakeSigMechanism) Test(sasl.Conn) bool { return true }
func (*fakeSigMechanism) OnStart(sasl.Conn) error { return nil }
func (f *fakeSigMechanism) OnChallenge(conn sasl.Conn, challenge []byte) ([]byte, error) {
	if challenge == nil {
		conn.SetServerSignature([]byte("expected-signature"))
		return []byte("client-first"), nil
	}
	return nil, nil
}
func (*fakeSigMechanism) OnSuccess(sasl.Conn) error { return nil }
func (f *fakeSigMechanism) OnFailure(sasl.Conn)     { atomic.AddInt32(&f.failures, 1) }

func TestServerSignatureMismatchFailsAuthentication(t *testing.T) {
	c := NewConnection("ws://example.org/xmpp")
	t.Cleanup(c.Close)

	mech := &fakeSigMechanism{}
	tr := &fakeTransport{}
	rec := &statusRecorder{}
	c.do(func() {
		c.authcid = "user"
		c.domain = "example.org"
		c.doAuthentication = true
		c.tr = tr
		c.statusCb = rec.cb
		c.mechanisms = sasl.NewRegistry()
		c.mechanisms.Register(mech)
	})

	c.do(func() { c.onStreamFeatures(mechanismsFeatures("FAKE-SIG")) })
	require.NotNil(t, tr.last())

	// The server's <success/> carries a base64 "v=" payload that does
	// not match the stashed signature.
	mismatched := stanza.NewElementNamespace("success", saslNS)
	mismatched.SetText(base64.StdEncoding.EncodeToString([]byte("v=not-the-expected-signature")))
	c.do(func() { c.processInbound("", mismatched) })

	require.Equal(t, int32(1), atomic.LoadInt32(&mech.failures))
	require.True(t, rec.has(AuthFail))
	require.False(t, c.Authenticated())
}

// TestSendIQTimeoutInvokesOnErrorOnce exercises the IQ-timeout path:
// onError(nil) fires exactly once, never onSuccess.
func TestSendIQTimeoutInvokesOnErrorOnce(t *testing.T) {
	c := NewConnection("ws://example.org/xmpp")
	t.Cleanup(c.Close)

	tr := &fakeTransport{}
	c.do(func() { c.tr = tr })

	var errCalls, successCalls int32
	iq := stanza.NewElementName("iq")
	iq.SetType("get")
	c.SendIQ(iq, func(stanza.XElement) {
		atomic.AddInt32(&successCalls, 1)
	}, func(stanza.XElement) {
		atomic.AddInt32(&errCalls, 1)
	}, time.Nanosecond)

	require.NotNil(t, tr.last())
	time.Sleep(2 * time.Millisecond)
	c.Flush()

	require.Equal(t, int32(1), atomic.LoadInt32(&errCalls))
	require.Equal(t, int32(0), atomic.LoadInt32(&successCalls))
}

// TestForcedDisconnectFailsPendingIQs verifies a forced disconnect
// resolves every outstanding sendIQ via onError(nil) rather than
// leaking the callback.
func TestForcedDisconnectFailsPendingIQs(t *testing.T) {
	c := NewConnection("ws://example.org/xmpp")
	t.Cleanup(c.Close)

	tr := &fakeTransport{}
	c.do(func() {
		c.tr = tr
		c.connected = true
	})

	var errCalls int32
	iq := stanza.NewElementName("iq")
	iq.SetType("get")
	c.SendIQ(iq, nil, func(stanza.XElement) {
		atomic.AddInt32(&errCalls, 1)
	}, 0)

	c.do(func() { c.doDisconnect(nil) })

	require.Equal(t, int32(1), atomic.LoadInt32(&errCalls))
}

// TestGracefulDisconnectTimesOut drives the forced-disconnect path: a
// graceful disconnect queues <presence type='unavailable'/>, and when
// the peer never confirms, the 3s system timed handler fires
// CONNTIMEOUT followed by DISCONNECTED.
func TestGracefulDisconnectTimesOut(t *testing.T) {
	c := NewConnection("ws://example.org/xmpp")
	t.Cleanup(c.Close)

	tr := &fakeTransport{}
	rec := &statusRecorder{}
	c.do(func() {
		c.tr = tr
		c.connected = true
		c.authenticated = true
		c.statusCb = rec.cb
	})

	c.Disconnect("bye")
	require.Equal(t, 1, rec.count(Disconnecting))
	unavail := tr.last()
	require.NotNil(t, unavail)
	require.Equal(t, "presence", unavail.Name())
	require.Equal(t, "unavailable", unavail.Type())

	// nowFn is only ever read on the actor goroutine, so swap it there
	// too.
	realNow := nowFn
	c.do(func() { nowFn = func() time.Time { return realNow().Add(4 * time.Second) } })
	defer func() { c.do(func() { nowFn = realNow }) }()
	c.Flush()

	require.Equal(t, 1, rec.count(ConnTimeout))
	require.Equal(t, 1, rec.count(Disconnected))
	require.False(t, c.Connected())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	c := NewConnection("ws://example.org/xmpp")
	t.Cleanup(c.Close)

	tr := &fakeTransport{}
	rec := &statusRecorder{}
	c.do(func() {
		c.tr = tr
		c.connected = true
		c.statusCb = rec.cb
	})

	c.Disconnect("first")
	c.Disconnect("second")
	require.Equal(t, 1, rec.count(Disconnecting))
}

func TestGetUniqueIDSuffixAndUniqueness(t *testing.T) {
	c := NewConnection("ws://example.org/xmpp")
	t.Cleanup(c.Close)

	id := c.GetUniqueID("ping")
	require.True(t, strings.HasSuffix(id, ":ping"))
	require.NotEqual(t, c.GetUniqueID(""), c.GetUniqueID(""))
}

// TestTerminateBodySurfacesCondition covers the childless BOSH
// termination: the type/condition attributes ride the <body> wrapper
// itself, so the connection must fail before unwrapping children.
func TestTerminateBodySurfacesCondition(t *testing.T) {
	c := NewConnection("http://example.org/http-bind")
	t.Cleanup(c.Close)

	tr := &fakeTransport{}
	rec := &statusRecorder{}
	c.do(func() {
		c.tr = tr
		c.connected = true
		c.statusCb = rec.cb
	})

	body := stanza.NewElementNamespace("body", "http://jabber.org/protocol/httpbind")
	body.SetType("terminate")
	body.SetAttribute("condition", "policy-violation")
	c.do(func() { c.processInbound("", body) })

	require.True(t, rec.has(ConnFail))
	require.Equal(t, "policy-violation", rec.condFor(ConnFail))
	require.True(t, rec.has(Disconnected))
	require.False(t, c.Connected())
}

// TestTerminateRemoteStreamErrorConflict pins the normalization of a
// remote-stream-error termination wrapping a nested <conflict/>.
func TestTerminateRemoteStreamErrorConflict(t *testing.T) {
	c := NewConnection("http://example.org/http-bind")
	t.Cleanup(c.Close)

	tr := &fakeTransport{}
	rec := &statusRecorder{}
	c.do(func() {
		c.tr = tr
		c.connected = true
		c.statusCb = rec.cb
	})

	body := stanza.NewElementNamespace("body", "http://jabber.org/protocol/httpbind")
	body.SetType("terminate")
	body.SetAttribute("condition", "remote-stream-error")
	streamErr := stanza.NewElementName("stream:error")
	streamErr.AppendElement(stanza.NewElementName("conflict"))
	body.AppendElement(streamErr)
	c.do(func() { c.processInbound("", body) })

	require.Equal(t, CondConflict, rec.condFor(ConnFail))
	require.True(t, rec.has(Disconnected))
}

// TestConnectResponseWithoutFeatures covers the no-auth dead end on
// the connect response itself: a <body> with a sid but no
// stream:features child (and no terminate) must fail with
// "no-auth-mech" instead of leaving the connection waiting forever.
func TestConnectResponseWithoutFeatures(t *testing.T) {
	c := NewConnection("http://example.org/http-bind")
	t.Cleanup(c.Close)

	tr := &fakeTransport{}
	rec := &statusRecorder{}
	c.do(func() {
		c.tr = tr
		c.doAuthentication = true
		c.statusCb = rec.cb
	})

	raw := `<body xmlns="http://jabber.org/protocol/httpbind" sid="s1" wait="60"/>`
	c.do(func() { c.handleConnectCb(raw, nil) })

	require.True(t, rec.has(ConnFail))
	require.Equal(t, CondNoAuthMech, rec.condFor(ConnFail))
	require.True(t, rec.has(Disconnected))
}

// TestNoUsableAuthMechanism covers the empty-features dead end: no
// SASL mechanism offered and no legacy <auth/> fallback means
// CONNFAIL with "no-auth-mech", then DISCONNECTED.
func TestNoUsableAuthMechanism(t *testing.T) {
	c := NewConnection("ws://example.org/xmpp")
	t.Cleanup(c.Close)

	tr := &fakeTransport{}
	rec := &statusRecorder{}
	c.do(func() {
		c.tr = tr
		c.connected = true
		c.doAuthentication = true
		c.statusCb = rec.cb
	})

	c.do(func() { c.onStreamFeatures(stanza.NewElementName("stream:features")) })

	require.True(t, rec.has(ConnFail))
	require.Equal(t, CondNoAuthMech, rec.condFor(ConnFail))
	require.True(t, rec.has(Disconnected))
	require.False(t, c.Connected())
}

// TestHandlerAddedDuringDispatchSkipsCurrentStanza pins down the
// deferred-add guarantee: a handler registered from inside another
// handler's callback must not observe the stanza being dispatched, but
// fires on the next one.
func TestHandlerAddedDuringDispatchSkipsCurrentStanza(t *testing.T) {
	c := NewConnection("ws://example.org/xmpp")
	t.Cleanup(c.Close)

	tr := &fakeTransport{}
	c.do(func() {
		c.tr = tr
		c.connected = true
		c.authenticated = true
	})

	var lateCalls int32
	c.do(func() {
		c.addSystemHandler(func(stanza.XElement) (bool, error) {
			c.addSystemHandler(func(stanza.XElement) (bool, error) {
				atomic.AddInt32(&lateCalls, 1)
				return true, nil
			}, HandlerOptions{Name: "message"})
			return true, nil
		}, HandlerOptions{Name: "message"})
	})

	msg := stanza.NewElementName("message")
	c.do(func() { c.processInbound("", msg) })
	require.Equal(t, int32(0), atomic.LoadInt32(&lateCalls))

	c.do(func() { c.processInbound("", msg.Copy()) })
	require.Equal(t, int32(1), atomic.LoadInt32(&lateCalls))
}
