/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package client

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/xmppgo/xmppcore/stanza"
)

// handleConnectCb is the Sink.ConnectCb body: the BOSH transport hands
// back the raw initial response (which already wraps stream:features),
// the WebSocket transport hands back an empty body and lets the first
// DataRecv carry features instead.
func (c *Connection) handleConnectCb(rawBody string, err error) {
	if err != nil {
		c.changeConnectStatus(ConnFail, CondUnknown, nil)
		c.doDisconnect(err)
		return
	}
	if len(rawBody) == 0 {
		return
	}
	elem, perr := stanza.NewParser(strings.NewReader(rawBody)).Next()
	if perr != nil {
		c.changeConnectStatus(ConnFail, CondBadFormat, nil)
		c.doDisconnect(perr)
		return
	}
	c.processInbound(rawBody, elem)
	// A connect response carrying neither stream:features nor a
	// terminate means the server offered nothing to authenticate with.
	if c.doAuthentication && !c.isTerminate(elem) && !hasStreamFeatures(elem) {
		c.changeConnectStatus(ConnFail, CondNoAuthMech, nil)
		c.doDisconnect(errors.New("client: " + CondNoAuthMech))
	}
}

// handleDataRecv is the Sink.DataRecv body.
func (c *Connection) handleDataRecv(raw string, elem *stanza.Element) {
	c.processInbound(raw, elem)
}

func (c *Connection) processInbound(raw string, elem *stanza.Element) {
	c.drainQueue()
	if c.rawInput != nil {
		c.rawInput(raw)
	}
	if c.xmlInput != nil {
		c.xmlInput(elem)
	}

	c.drainPendingHandlers()
	c.drainPendingTimedHandlers()

	if c.disconnecting && c.tr != nil && c.tr.EmptyQueue() {
		c.doDisconnect(nil)
		return
	}

	// A termination rides the wrapper itself: a BOSH <body
	// type='terminate' condition='...'/> usually carries no children at
	// all, so this check must see the raw top-level element, before any
	// unwrapping.
	if c.isTerminate(elem) {
		cond := conditionFromTerminate(elem)
		c.changeConnectStatus(ConnFail, cond, elem)
		c.doDisconnect(errors.New("client: stream terminated: " + cond))
		return
	}

	for _, child := range c.stanzasIn(elem) {
		if isStreamFeaturesName(child.Name()) {
			c.onStreamFeatures(child)
			continue
		}
		c.dispatch(child)
	}
}

// isStreamFeaturesName accepts both the prefix-qualified and the
// unqualified spelling, both of which occur in the wild.
func isStreamFeaturesName(name string) bool {
	return stanza.NamesEqual(name, "stream:features") || stanza.NamesEqual(name, "features")
}

// hasStreamFeatures reports whether elem is, or directly wraps, a
// stream:features element.
func hasStreamFeatures(elem *stanza.Element) bool {
	if isStreamFeaturesName(elem.Name()) {
		return true
	}
	for _, child := range elem.ElementChildren() {
		if isStreamFeaturesName(child.Name()) {
			return true
		}
	}
	return false
}

// stanzasIn normalizes BOSH's <body>-wrapped batch and WebSocket's
// one-stanza-per-message framing into a single list of top-level
// elements to dispatch.
func (c *Connection) stanzasIn(elem *stanza.Element) []*stanza.Element {
	if elem.Name() == "body" {
		return elem.ElementChildren()
	}
	return []*stanza.Element{elem}
}

func (c *Connection) isTerminate(elem *stanza.Element) bool {
	if elem.Attribute("type") == "terminate" {
		return true
	}
	return elem.Name() == "close" && elem.Namespace() == "urn:ietf:params:xml:ns:xmpp-framing"
}

func conditionFromTerminate(elem *stanza.Element) string {
	cond := elem.Attribute("condition")
	// A remote-stream-error wrapping a <conflict/> is normalized to the
	// plain "conflict" condition.
	if (len(cond) == 0 || cond == "remote-stream-error") && hasConflict(elem) {
		return CondConflict
	}
	if len(cond) > 0 {
		return cond
	}
	return CondUnknown
}

func hasConflict(elem *stanza.Element) bool {
	for _, c := range elem.ElementChildren() {
		if c.Name() == "conflict" || hasConflict(c) {
			return true
		}
	}
	return false
}

// dispatch runs every active handler matching elem, against a snapshot
// of the active list so handlers added mid-dispatch never observe the
// stanza currently being dispatched.
func (c *Connection) dispatch(elem *stanza.Element) {
	snapshot := make([]*handler, len(c.handlers))
	copy(snapshot, c.handlers)

	kept := c.handlers[:0:0]
	for _, h := range snapshot {
		if c.pendingRemoveH[h.id] {
			continue
		}
		if !h.isMatch(elem) {
			kept = append(kept, h)
			continue
		}
		if !h.opts.user || c.authenticated {
			if h.run(elem) {
				kept = append(kept, h)
			}
		} else {
			kept = append(kept, h)
		}
	}
	c.handlers = kept
}

// drainPendingHandlers applies the pending-remove list against the
// active handler list, then promotes pending-add into it.
func (c *Connection) drainPendingHandlers() {
	if len(c.pendingRemoveH) > 0 {
		kept := c.handlers[:0:0]
		for _, h := range c.handlers {
			if !c.pendingRemoveH[h.id] {
				kept = append(kept, h)
			}
		}
		c.handlers = kept
		c.pendingRemoveH = make(map[uint64]bool)
	}
	if len(c.pendingAddH) > 0 {
		c.handlers = append(c.handlers, c.pendingAddH...)
		c.pendingAddH = nil
	}
}

func (c *Connection) drainPendingTimedHandlers() {
	if len(c.pendingRemoveTH) > 0 {
		kept := c.timedHandlers[:0:0]
		for _, h := range c.timedHandlers {
			if !c.pendingRemoveTH[h.id] {
				kept = append(kept, h)
			}
		}
		c.timedHandlers = kept
		c.pendingRemoveTH = make(map[uint64]bool)
	}
	if len(c.pendingAddTH) > 0 {
		c.timedHandlers = append(c.timedHandlers, c.pendingAddTH...)
		c.pendingAddTH = nil
	}
}

// AddHandler registers a user stanza handler, gated on authenticated.
// It is added to the pending-add list and becomes active at the start
// of the next inbound batch.
func (c *Connection) AddHandler(fn HandlerFunc, opts HandlerOptions) HandlerRef {
	var ref HandlerRef
	opts.user = true
	c.do(func() {
		c.nextHandlerID++
		h := &handler{id: c.nextHandlerID, fn: fn, opts: opts}
		c.pendingAddH = append(c.pendingAddH, h)
		ref = HandlerRef{id: h.id}
	})
	return ref
}

func (c *Connection) addSystemHandler(fn HandlerFunc, opts HandlerOptions) HandlerRef {
	opts.user = false
	c.nextHandlerID++
	h := &handler{id: c.nextHandlerID, fn: fn, opts: opts}
	c.pendingAddH = append(c.pendingAddH, h)
	return HandlerRef{id: h.id}
}

// DeleteHandler removes a previously registered handler: pending-add
// handlers are removed from that list atomically; active handlers are
// marked pending-remove.
func (c *Connection) DeleteHandler(ref HandlerRef) {
	c.do(func() { c.deleteHandlerLocked(ref.id) })
}

func (c *Connection) deleteHandlerLocked(id uint64) {
	for i, h := range c.pendingAddH {
		if h.id == id {
			c.pendingAddH = append(c.pendingAddH[:i], c.pendingAddH[i+1:]...)
			return
		}
	}
	c.pendingRemoveH[id] = true
}

// AddTimedHandler registers a periodic user callback.
func (c *Connection) AddTimedHandler(period time.Duration, fn TimedHandlerFunc) TimedRef {
	var ref TimedRef
	c.do(func() {
		c.nextTimedHandlerID++
		th := &timedHandler{id: c.nextTimedHandlerID, period: period, lastRun: nowFn(), fn: fn, user: true}
		c.pendingAddTH = append(c.pendingAddTH, th)
		ref = TimedRef{id: th.id}
	})
	return ref
}

func (c *Connection) addSystemTimedHandler(period time.Duration, fn TimedHandlerFunc) TimedRef {
	c.nextTimedHandlerID++
	th := &timedHandler{id: c.nextTimedHandlerID, period: period, lastRun: nowFn(), fn: fn, user: false}
	c.pendingAddTH = append(c.pendingAddTH, th)
	return TimedRef{id: th.id}
}

// DeleteTimedHandler removes a previously registered timed handler.
func (c *Connection) DeleteTimedHandler(ref TimedRef) {
	c.do(func() {
		for i, h := range c.pendingAddTH {
			if h.id == ref.id {
				c.pendingAddTH = append(c.pendingAddTH[:i], c.pendingAddTH[i+1:]...)
				return
			}
		}
		c.pendingRemoveTH[ref.id] = true
	})
}

func (c *Connection) scheduleIdle() {
	if c.paused || !c.connected {
		return
	}
	c.idleTimer = time.AfterFunc(idleTick, func() { c.do(c.onIdle) })
}

// onIdle is the idle tick body: promote/drain timed handlers, fire the
// due ones, let the transport flush, then reschedule only while
// connected.
func (c *Connection) onIdle() {
	if c.paused {
		return
	}
	c.drainPendingTimedHandlers()

	now := nowFn()
	kept := c.timedHandlers[:0:0]
	for _, th := range c.timedHandlers {
		if !th.due(now) {
			kept = append(kept, th)
			continue
		}
		if th.user && !c.authenticated {
			kept = append(kept, th)
			continue
		}
		if th.run() {
			th.lastRun = now
			kept = append(kept, th)
		}
	}
	c.timedHandlers = kept

	if c.tr != nil {
		c.tr.OnIdle()
	}
	c.scheduleIdle()
}

// nowFn is the single clock source for timed-handler bookkeeping,
// swappable in tests.
var nowFn = time.Now
