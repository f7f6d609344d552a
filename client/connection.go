/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package client implements the connection core: a single actor-loop
// state machine that drives a BOSH or WebSocket transport through
// connect, SASL or legacy authentication, resource binding, session
// establishment, and steady-state stanza dispatch.
//
// A single goroutine drains a buffered channel of closures (actorCh)
// so that all connection state (handler lists, the outgoing queue,
// SASL scratchpad, flags) is mutated by exactly one logical thread
// of control, while network I/O runs concurrently in other goroutines
// and hands results back in as closures.
package client

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/text/secure/precis"

	"github.com/xmppgo/xmppcore/internal/xlog"
	"github.com/xmppgo/xmppcore/jid"
	"github.com/xmppgo/xmppcore/sasl"
	"github.com/xmppgo/xmppcore/stanza"
	"github.com/xmppgo/xmppcore/store"
	"github.com/xmppgo/xmppcore/transport"
	"github.com/xmppgo/xmppcore/transport/bosh"
	"github.com/xmppgo/xmppcore/transport/wsocket"
)

const idleTick = 100 * time.Millisecond
const disconnectTimeout = 3000 * time.Millisecond

// StatusFunc receives connection status changes: the status code, an
// optional condition string, and the triggering element, if any.
type StatusFunc func(status Status, condition string, trigger stanza.XElement)

// config is the set of options Connection recognizes.
type config struct {
	protocol        string // "ws", "wss", or "" (autodetect/BOSH)
	cookies         map[string]bosh.CookieSpec
	mechanisms      []string
	sync            bool
	customHeaders   http.Header
	keepalive       bool
	withCredentials bool
	contentType     string
	maxRetries      int
	store           store.SessionStore
}

// Option configures a Connection at construction time.
type Option func(*config)

func WithProtocol(p string) Option { return func(c *config) { c.protocol = p } }
func WithCookies(cookies map[string]bosh.CookieSpec) Option {
	return func(c *config) { c.cookies = cookies }
}
func WithMechanisms(names []string) Option { return func(c *config) { c.mechanisms = names } }
func WithSync(sync bool) Option            { return func(c *config) { c.sync = sync } }
func WithCustomHeaders(h http.Header) Option {
	return func(c *config) { c.customHeaders = h }
}
func WithKeepalive(store store.SessionStore) Option {
	return func(c *config) { c.keepalive = true; c.store = store }
}
func WithWithCredentials(v bool) Option { return func(c *config) { c.withCredentials = v } }
func WithContentType(ct string) Option  { return func(c *config) { c.contentType = ct } }
func WithMaxRetries(n int) Option       { return func(c *config) { c.maxRetries = n } }

// Connection is a transport-agnostic XMPP session engine. Its
// state-changing exported methods are safe to call from any goroutine;
// they marshal onto the single actor goroutine via actorCh. The plain
// accessors (Authzid, Authcid, Domain, Password, ServerSignature,
// SetServerSignature, FullJID, Authenticated, Connected) read and write
// fields directly, without going through actorCh.
type Connection struct {
	serviceURL string
	cfg        config

	tr transport.Transport

	// Identity, set by connect/attach/restore.
	fullJID *jid.JID
	authzid string
	authcid string
	password string
	domain   string

	statusCb StatusFunc

	// Session flags.
	connected        bool
	authenticated    bool
	disconnecting    bool
	paused           bool
	restored         bool
	doBind           bool
	doSession        bool
	doAuthentication bool

	streamFeatures *stanza.Element

	// SASL scratchpad.
	mechanisms       *sasl.Registry
	activeMechanism  sasl.Mechanism
	serverSignature  []byte

	uniqueID uint64

	// Outgoing queue. Stream restarts ride the queue as a tagged
	// item rather than an in-band sentinel stanza.
	queue []queueItem

	handlers        []*handler
	pendingAddH     []*handler
	pendingRemoveH  map[uint64]bool
	nextHandlerID   uint64

	timedHandlers       []*timedHandler
	pendingAddTH        []*timedHandler
	pendingRemoveTH     map[uint64]bool
	nextTimedHandlerID  uint64

	protocolErrorHandlers map[protoErrKey]func(stanza.XElement)

	pendingIQs map[string]*pendingIQ

	idleTimer *time.Timer

	// Observability hooks.
	xmlInput  func(stanza.XElement)
	xmlOutput func(stanza.XElement)
	rawInput  func(string)
	rawOutput func(string)

	// nextValidRid is guarded by mu, not the actor loop: the BOSH
	// transport reports rid advances from whichever goroutine holds the
	// request.
	nextValidRid func(uint64)

	// actorCh serializes every state mutation onto one goroutine.
	actorCh  chan func()
	doneCh   chan struct{}
	mu       sync.Mutex // guards closed and nextValidRid
	closed   bool
}

type queueItem struct {
	restart bool
	elem    *stanza.Element
}

type protoErrKey struct {
	protocol string
	code     int
}

// NewConnection constructs a Connection against serviceURL (a BOSH
// HTTP(S) URL or a ws(s):// URL).
func NewConnection(serviceURL string, opts ...Option) *Connection {
	cfg := config{contentType: "text/xml; charset=utf-8", maxRetries: 5}
	for _, o := range opts {
		o(&cfg)
	}
	mechs := sasl.NewDefaultRegistry()
	if len(cfg.mechanisms) > 0 {
		mechs = filterRegistry(mechs, cfg.mechanisms)
	}
	c := &Connection{
		serviceURL:            serviceURL,
		cfg:                   cfg,
		mechanisms:            mechs,
		pendingRemoveH:        make(map[uint64]bool),
		pendingRemoveTH:       make(map[uint64]bool),
		protocolErrorHandlers: make(map[protoErrKey]func(stanza.XElement)),
		pendingIQs:            make(map[string]*pendingIQ),
		actorCh:               make(chan func(), 256),
		doneCh:                make(chan struct{}),
		xmlInput:              debugXMLHook("in"),
		xmlOutput:             debugXMLHook("out"),
		rawInput:              debugRawHook("in"),
		rawOutput:             debugRawHook("out"),
	}
	go c.actorLoop()
	return c
}

func filterRegistry(full *sasl.Registry, names []string) *sasl.Registry {
	r := sasl.NewRegistry()
	for _, n := range names {
		if m, ok := full.Get(n); ok {
			r.Register(m)
		}
	}
	return r
}

func (c *Connection) actorLoop() {
	for {
		select {
		case fn := <-c.actorCh:
			fn()
		case <-c.doneCh:
			return
		}
	}
}

// do runs fn on the actor goroutine and blocks until it has run. After
// Close it is a no-op.
func (c *Connection) do(fn func()) {
	done := make(chan struct{})
	select {
	case c.actorCh <- func() { fn(); close(done) }:
	case <-c.doneCh:
		return
	}
	select {
	case <-done:
	case <-c.doneCh:
	}
}

// Sink implementation, consumed by the transport as a borrowed
// back-reference, never an owning one.

func (c *Connection) ConnectCb(rawBody string, err error) {
	c.do(func() { c.handleConnectCb(rawBody, err) })
}

func (c *Connection) DataRecv(raw string, elem *stanza.Element) {
	c.do(func() { c.handleDataRecv(raw, elem) })
}

func (c *Connection) DisconnectTimeout() {
	c.do(func() { c.doDisconnect(errors.New("client: disconnect timeout")) })
}

func (c *Connection) ProtocolError(protocol string, code int, trigger stanza.XElement) {
	c.do(func() { c.handleProtocolError(protocol, code, trigger) })
}

// handleProtocolError looks fn up in protocolErrorHandlers and invokes
// it, recovering a panic the same way changeConnectStatus does for the
// status callback.
func (c *Connection) handleProtocolError(protocol string, code int, trigger stanza.XElement) {
	fn, ok := c.protocolErrorHandlers[protoErrKey{protocol, code}]
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			xlog.Errorf("client: protocol error handler panicked: %v", r)
		}
	}()
	fn(trigger)
}

func (c *Connection) newTransport() (transport.Transport, error) {
	proto := c.cfg.protocol
	if len(proto) == 0 {
		if u, err := url.Parse(c.serviceURL); err == nil {
			if strings.HasPrefix(u.Scheme, "ws") {
				proto = u.Scheme
			}
		}
	}
	if proto == "ws" || proto == "wss" {
		return wsocket.New(c.serviceURL, c.domain, wsocket.Config{CustomHeaders: c.cfg.customHeaders}, c), nil
	}
	bcfg := bosh.Config{
		MaxRetries:      c.cfg.maxRetries,
		Sync:            c.cfg.sync,
		ContentType:     c.cfg.contentType,
		CustomHeaders:   c.cfg.customHeaders,
		Cookies:         c.cfg.cookies,
		WithCredentials: c.cfg.withCredentials,
		NextValidRID:    c.notifyNextValidRID,
	}
	return bosh.New(c.serviceURL, c.domain, bcfg, c)
}

// Connect starts a new session for the given jid/password. authcid,
// if empty, defaults to the JID's node.
func (c *Connection) Connect(ctx context.Context, jidStr, password string, cb StatusFunc, authcid string) error {
	j, err := jid.Parse(jidStr)
	if err != nil {
		return errors.Wrap(err, "client: invalid jid")
	}
	var trErr error
	c.do(func() {
		c.fullJID = j
		c.authzid = j.ToBareJID().String()
		c.authcid = authcid
		if len(c.authcid) == 0 {
			c.authcid = j.Node()
		}
		c.password = normalizePassword(password)
		c.domain = j.Domain()
		c.statusCb = cb
		c.doBind = true
		c.doSession = true
		c.doAuthentication = true

		tr, err := c.newTransport()
		if err != nil {
			trErr = err
			return
		}
		c.tr = tr
		c.changeConnectStatus(Connecting, "", nil)
	})
	if trErr != nil {
		return trErr
	}
	return c.tr.Connect(ctx)
}

// Attach resumes a BOSH session created out-of-band from its sid/rid.
func (c *Connection) Attach(ctx context.Context, jidStr, sid string, rid uint64, cb StatusFunc) error {
	j, err := jid.Parse(jidStr)
	if err != nil {
		return errors.Wrap(err, "client: invalid jid")
	}
	var attachable *bosh.Transport
	c.do(func() {
		c.fullJID = j
		c.authzid = j.ToBareJID().String()
		c.domain = j.Domain()
		c.statusCb = cb
		c.authenticated = true
		c.connected = true
		c.doBind = false
		c.doSession = false
		c.doAuthentication = false
		tr, terr := bosh.New(c.serviceURL, c.domain, bosh.Config{MaxRetries: c.cfg.maxRetries, ContentType: c.cfg.contentType}, c)
		if terr != nil {
			err = terr
			return
		}
		c.tr = tr
		attachable = tr
		c.scheduleIdle()
	})
	if err != nil {
		return err
	}
	if attachable != nil {
		attachable.Attach(sid, rid)
	}
	c.do(func() { c.changeConnectStatus(Attached, "", nil) })
	return nil
}

// Restore reloads the last persisted {jid, sid, rid} tuple from the
// configured session store and attaches to it. Requires WithKeepalive
// to have been supplied at construction.
func (c *Connection) Restore(ctx context.Context, cb StatusFunc) error {
	if !c.cfg.keepalive || c.cfg.store == nil {
		return ErrNoSessionStore
	}
	sess, err := c.cfg.store.Load(ctx, c.serviceURL)
	if err != nil {
		return errors.Wrap(err, "client: restore")
	}
	if sess == nil {
		return ErrNoSessionStore
	}
	return c.Attach(ctx, sess.JID, sess.SID, sess.RID, cb)
}

func (c *Connection) persistSession() {
	if !c.cfg.keepalive || c.cfg.store == nil {
		return
	}
	bt, ok := c.tr.(*bosh.Transport)
	if !ok {
		return
	}
	sess := &store.Session{JID: c.fullJID.String(), SID: bt.SID(), RID: bt.RID()}
	_ = c.cfg.store.Save(context.Background(), c.serviceURL, sess)
}

// Disconnect tears the session down gracefully. reason, if non-empty,
// is carried only for logging.
func (c *Connection) Disconnect(reason string) {
	c.do(func() { c.startDisconnect(reason) })
}

func (c *Connection) startDisconnect(reason string) {
	if c.disconnecting {
		return
	}
	c.disconnecting = true
	c.changeConnectStatus(Disconnecting, "", nil)
	if c.connected {
		if c.authenticated {
			unavail := stanza.NewElementName("presence")
			unavail.SetType("unavailable")
			c.enqueue(unavail)
		}
		c.armDisconnectTimeout()
		c.flushLocked()
		if c.tr != nil {
			c.tr.Disconnect(errors.New(reason))
		}
	} else {
		if c.tr != nil {
			c.tr.Disconnect(errors.New(reason))
		}
		c.doDisconnect(nil)
	}
}

func (c *Connection) armDisconnectTimeout() {
	c.addSystemTimedHandler(disconnectTimeout, func() (bool, error) {
		c.changeConnectStatus(ConnTimeout, "", nil)
		c.doDisconnect(errors.New("client: forced disconnect timeout"))
		return false, nil
	})
}

// doDisconnect finalizes disconnection. Pending sendIQ handlers are
// invoked with onError(nil) before the handler lists are cleared,
// rather than silently dropped.
func (c *Connection) doDisconnect(err error) {
	if !c.connected && !c.disconnecting && c.tr == nil {
		return
	}
	c.failPendingIQs()
	if c.tr != nil {
		// The graceful path (startDisconnect) already closed the
		// transport; failure paths arriving here directly have not.
		if !c.disconnecting {
			c.tr.Disconnect(err)
		}
		c.tr = nil
	}
	c.connected = false
	c.authenticated = false
	c.disconnecting = false
	c.handlers = nil
	c.pendingAddH = nil
	c.pendingRemoveH = make(map[uint64]bool)
	c.timedHandlers = nil
	c.pendingAddTH = nil
	c.pendingRemoveTH = make(map[uint64]bool)
	c.queue = nil
	if err != nil {
		xlog.Error(err)
	}
	c.changeConnectStatus(Disconnected, "", nil)
}

// Pause suspends the idle tick without tearing the session down.
func (c *Connection) Pause() { c.do(func() { c.paused = true }) }

// Resume re-arms the idle tick.
func (c *Connection) Resume() {
	c.do(func() {
		c.paused = false
		c.scheduleIdle()
	})
}

// Flush cancels the pending idle tick and runs its body immediately.
func (c *Connection) Flush() { c.do(c.flushLocked) }

func (c *Connection) flushLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.onIdle()
}

// Reset returns the uniqueId counter to 0, empties every handler list
// and the outgoing queue, and clears the connected, authenticated and
// disconnecting flags. Identity, transport, configuration and pending
// sendIQ entries are left as they are.
func (c *Connection) Reset() {
	c.do(func() {
		c.uniqueID = 0
		c.handlers = nil
		c.pendingAddH = nil
		c.pendingRemoveH = make(map[uint64]bool)
		c.timedHandlers = nil
		c.pendingAddTH = nil
		c.pendingRemoveTH = make(map[uint64]bool)
		c.queue = nil
		c.connected = false
		c.authenticated = false
		c.disconnecting = false
	})
}

// Send enqueues one or more stanzas for delivery.
func (c *Connection) Send(elems ...*stanza.Element) {
	c.do(func() {
		for _, e := range elems {
			c.enqueue(e)
		}
		c.flushLocked()
	})
}

// enqueue and enqueueRestart feed the tagged outgoing queue: once a
// transport exists, items are handed to it immediately (the transport
// owns all batching/timing decisions, e.g. BOSH's hold/wait window);
// before a transport exists they accumulate here and are flushed once
// one is attached.
func (c *Connection) enqueue(e *stanza.Element) {
	if c.xmlOutput != nil {
		c.xmlOutput(e)
	}
	if c.rawOutput != nil {
		c.rawOutput(e.String())
	}
	if c.tr == nil {
		c.queue = append(c.queue, queueItem{elem: e})
		return
	}
	c.tr.Send([]*stanza.Element{e})
}

func (c *Connection) enqueueRestart() {
	if c.tr == nil {
		c.queue = append(c.queue, queueItem{restart: true})
		return
	}
	c.tr.SendRestart()
}

// drainQueue flushes any items buffered before a transport existed.
func (c *Connection) drainQueue() {
	if c.tr == nil || len(c.queue) == 0 {
		return
	}
	pending := c.queue
	c.queue = nil
	for _, item := range pending {
		if item.restart {
			c.tr.SendRestart()
			continue
		}
		c.tr.Send([]*stanza.Element{item.elem})
	}
}

// GetUniqueID returns a version-4 UUID, optionally suffixed, and
// advances the monotonic uniqueId counter.
func (c *Connection) GetUniqueID(suffix string) string {
	var id string
	c.do(func() {
		c.uniqueID++
		id = uuid.New().String()
		if len(suffix) > 0 {
			id = id + ":" + suffix
		}
	})
	return id
}

// AddProtocolErrorHandler registers fn for the given (protocol,
// statusCode) pair.
func (c *Connection) AddProtocolErrorHandler(protocol string, statusCode int, fn func(stanza.XElement)) {
	c.do(func() { c.protocolErrorHandlers[protoErrKey{protocol, statusCode}] = fn })
}

// normalizePassword applies RFC 8265 OpaqueString profile to a raw
// password, the SASLprep successor the SCRAM/DIGEST-MD5/PLAIN
// mechanisms all expect their credential input to already be in. Falls
// back to the raw password if it isn't representable (e.g. contains an
// unassigned code point), matching precis' own guidance for passwords
// that must never be rejected outright at login time.
func normalizePassword(raw string) string {
	prepped, err := precis.OpaqueString.String(raw)
	if err != nil {
		return raw
	}
	return prepped
}

// SetXMLInput, SetXMLOutput, SetRawInput, SetRawOutput install the
// observability hooks, replacing the Debug-level logging default each
// is constructed with.
func (c *Connection) SetXMLInput(fn func(stanza.XElement))  { c.do(func() { c.xmlInput = fn }) }
func (c *Connection) SetXMLOutput(fn func(stanza.XElement)) { c.do(func() { c.xmlOutput = fn }) }
func (c *Connection) SetRawInput(fn func(string))           { c.do(func() { c.rawInput = fn }) }
func (c *Connection) SetRawOutput(fn func(string))          { c.do(func() { c.rawOutput = fn }) }

// SetNextValidRID installs a hook invoked with the next valid BOSH rid
// every time it advances, so applications doing their own session
// persistence can track it.
func (c *Connection) SetNextValidRID(fn func(uint64)) {
	c.mu.Lock()
	c.nextValidRid = fn
	c.mu.Unlock()
}

func (c *Connection) notifyNextValidRID(rid uint64) {
	c.mu.Lock()
	fn := c.nextValidRid
	c.mu.Unlock()
	if fn != nil {
		fn(rid)
	}
}

// debugXMLHook and debugRawHook are the default observability hooks
// NewConnection installs, logging at Debug level until an application
// overrides them via SetXMLInput/SetXMLOutput/SetRawInput/SetRawOutput.
func debugXMLHook(dir string) func(stanza.XElement) {
	return func(e stanza.XElement) { xlog.Debugf("client: xml %s: %s", dir, e.String()) }
}

func debugRawHook(dir string) func(string) {
	return func(s string) { xlog.Debugf("client: raw %s: %s", dir, s) }
}

// changeConnectStatus emits a status notification. It only notifies;
// tearing the session down on a failure status is doDisconnect's job.
func (c *Connection) changeConnectStatus(status Status, condition string, trigger stanza.XElement) {
	if status == Connected {
		c.connected = true
	}
	if status == Disconnected {
		c.connected = false
	}
	if c.statusCb != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					xlog.Errorf("client: status callback panicked: %v", r)
				}
			}()
			c.statusCb(status, condition, trigger)
		}()
	}
}

// sasl.Conn implementation.

func (c *Connection) Authzid() string  { return c.authzid }
func (c *Connection) Authcid() string  { return c.authcid }
func (c *Connection) Domain() string   { return c.domain }
func (c *Connection) Password() string { return c.password }

func (c *Connection) SetServerSignature(sig []byte) { c.serverSignature = sig }
func (c *Connection) ServerSignature() []byte        { return c.serverSignature }

// FullJID returns the bound resource JID once CONNECTED, or nil.
func (c *Connection) FullJID() *jid.JID { return c.fullJID }

// Authenticated reports whether the session completed authentication.
func (c *Connection) Authenticated() bool { return c.authenticated }

// Connected reports whether the transport session is established.
func (c *Connection) Connected() bool { return c.connected }

// Close stops the actor goroutine. Callers that are done with a
// Connection (whether or not it ever connected) should call this to
// release it; a Connection that is merely Disconnect()ed keeps its
// actor loop alive for a possible Reset()/reconnect.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.doneCh)
}
