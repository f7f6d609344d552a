/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package client

import (
	"time"

	"github.com/google/uuid"

	"github.com/xmppgo/xmppcore/stanza"
)

// pendingIQ tracks a sendIQ awaiting a result/error response or a
// timeout, so a forced disconnect can resolve it rather than leak it
// silently.
type pendingIQ struct {
	onError   func(stanza.XElement)
	handler   HandlerRef
	timed     TimedRef
	hasTimed  bool
}

// SendIQ sends iq, ensuring it carries an id, and arranges for
// exactly one of onSuccess/onError to be invoked: onSuccess on a
// type=result response, onError(response) on type=error, onError(nil)
// on timeout or forced disconnect. Returns the id used.
func (c *Connection) SendIQ(iq *stanza.Element, onSuccess func(stanza.XElement), onError func(stanza.XElement), timeout time.Duration) string {
	var id string
	c.do(func() {
		id = iq.ID()
		if len(id) == 0 {
			id = c.nextIQID()
			iq.SetID(id)
		}
		c.registerPendingIQ(id, onSuccess, onError, timeout)
		c.enqueue(iq)
	})
	return id
}

// SendIQ2 behaves like SendIQ but queues the stanza instead of sending
// immediately when the connection is not yet connected.
func (c *Connection) SendIQ2(iq *stanza.Element, onSuccess func(stanza.XElement), onError func(stanza.XElement), timeout time.Duration) string {
	var id string
	c.do(func() {
		id = iq.ID()
		if len(id) == 0 {
			id = c.nextIQID()
			iq.SetID(id)
		}
		c.registerPendingIQ(id, onSuccess, onError, timeout)
		if !c.connected {
			c.queue = append(c.queue, queueItem{elem: iq})
			return
		}
		c.enqueue(iq)
	})
	return id
}

func (c *Connection) nextIQID() string {
	c.uniqueID++
	return uuid.New().String() + ":sendIQ"
}

func (c *Connection) registerPendingIQ(id string, onSuccess, onError func(stanza.XElement), timeout time.Duration) {
	c.registerPending(id, HandlerOptions{Name: "iq", Types: []string{"result", "error"}, ID: id}, onSuccess, onError, timeout)
}

// registerPending is the shared bookkeeping behind SendIQ/SendIQ2 and
// SendPresence: it registers both the response handler and (if
// timeout > 0) the timeout's timed handler in c.pendingIQs, so that
// whichever fires first (response or timeout) deletes the entry and
// disarms the other, and failPendingIQs can resolve it on a forced
// disconnect. matchOpts selects which stanza the response handler
// matches (iq result/error vs. any presence).
func (c *Connection) registerPending(id string, matchOpts HandlerOptions, onSuccess, onError func(stanza.XElement), timeout time.Duration) {
	ref := c.addSystemHandler(func(el stanza.XElement) (bool, error) {
		entry, ok := c.pendingIQs[id]
		if !ok {
			return false, nil
		}
		delete(c.pendingIQs, id)
		if entry.hasTimed {
			c.deleteTimedHandlerLocked(entry.timed.id)
		}
		if el.Type() == "error" {
			if onError != nil {
				onError(el)
			}
		} else if onSuccess != nil {
			onSuccess(el)
		}
		return false, nil
	}, matchOpts)

	entry := &pendingIQ{onError: onError, handler: ref}
	if timeout > 0 {
		entry.hasTimed = true
		entry.timed = c.addSystemTimedHandlerLocked(timeout, func() (bool, error) {
			if _, ok := c.pendingIQs[id]; !ok {
				return false, nil
			}
			delete(c.pendingIQs, id)
			c.deleteHandlerLocked(ref.id)
			if onError != nil {
				onError(nil)
			}
			return false, nil
		})
	}
	c.pendingIQs[id] = entry
}

// addSystemTimedHandlerLocked is addSystemTimedHandler's name inside
// this file's call sites, which already run on the actor goroutine.
func (c *Connection) addSystemTimedHandlerLocked(period time.Duration, fn TimedHandlerFunc) TimedRef {
	return c.addSystemTimedHandler(period, fn)
}

func (c *Connection) deleteTimedHandlerLocked(id uint64) {
	for i, h := range c.pendingAddTH {
		if h.id == id {
			c.pendingAddTH = append(c.pendingAddTH[:i], c.pendingAddTH[i+1:]...)
			return
		}
	}
	c.pendingRemoveTH[id] = true
}

// SendPresence is SendIQ's counterpart for <presence/>, matched by
// name and id only (no type filter).
func (c *Connection) SendPresence(pres *stanza.Element, onSuccess func(stanza.XElement), onError func(stanza.XElement), timeout time.Duration) string {
	var id string
	c.do(func() {
		id = pres.ID()
		if len(id) == 0 {
			id = c.nextIQID()
			pres.SetID(id)
		}
		c.registerPending(id, HandlerOptions{Name: "presence", ID: id}, onSuccess, onError, timeout)
		c.enqueue(pres)
	})
	return id
}

// failPendingIQs is invoked from doDisconnect: a forced disconnect
// invokes every outstanding sendIQ's onError(nil) rather than silently
// dropping the callback.
func (c *Connection) failPendingIQs() {
	for id, entry := range c.pendingIQs {
		delete(c.pendingIQs, id)
		if entry.onError != nil {
			entry.onError(nil)
		}
	}
}
