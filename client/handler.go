/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package client

import (
	"time"

	"github.com/xmppgo/xmppcore/internal/xlog"
	"github.com/xmppgo/xmppcore/jid"
	"github.com/xmppgo/xmppcore/stanza"
)

// HandlerFunc is a stanza handler callback. Returning true keeps the
// handler registered for the next matching stanza; false (or an error)
// removes it.
type HandlerFunc func(elem stanza.XElement) (bool, error)

// TimedHandlerFunc is a periodic callback. Returning true rearms it.
type TimedHandlerFunc func() (bool, error)

// HandlerOptions configures a handler's match predicates. Only the
// fields set are used to restrict matching; the zero value matches
// every stanza.
type HandlerOptions struct {
	Namespace               string
	Name                    string
	Types                   []string
	ID                      string
	From                    string
	MatchBareFromJID        bool
	IgnoreNamespaceFragment bool
	StartsWithID            bool
	EndsWithID              bool
	// User distinguishes a user handler (gated on authenticated) from a
	// system handler (always eligible). Application code never sets
	// this directly; addHandler always registers user handlers, the
	// connection core installs system ones via addSystemHandler.
	user bool
}

// handler is the internal record backing a HandlerRef.
type handler struct {
	id   uint64
	fn   HandlerFunc
	opts HandlerOptions
}

// HandlerRef identifies a registered stanza handler for deletion.
type HandlerRef struct{ id uint64 }

func (h *handler) isMatch(el stanza.XElement) bool {
	o := &h.opts
	if len(o.Namespace) > 0 {
		if !stanza.HasNamespace(el, o.Namespace, o.IgnoreNamespaceFragment) {
			return false
		}
	}
	if len(o.Name) > 0 && !stanza.NamesEqual(el.Name(), o.Name) {
		return false
	}
	if len(o.Types) > 0 {
		typ := el.Type()
		matched := false
		for _, t := range o.Types {
			if t == typ {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(o.ID) > 0 {
		id := el.ID()
		switch {
		case o.StartsWithID:
			if len(id) < len(o.ID) || id[:len(o.ID)] != o.ID {
				return false
			}
		case o.EndsWithID:
			if len(id) < len(o.ID) || id[len(id)-len(o.ID):] != o.ID {
				return false
			}
		default:
			if id != o.ID {
				return false
			}
		}
	}
	if len(o.From) > 0 {
		from := el.From()
		if o.MatchBareFromJID {
			want, err1 := jid.Parse(o.From)
			got, err2 := jid.Parse(from)
			if err1 != nil || err2 != nil || !want.ToBareJID().Matches(got.ToBareJID(), true) {
				return false
			}
		} else if from != o.From {
			return false
		}
	}
	return true
}

func (h *handler) run(el stanza.XElement) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			xlog.Errorf("client: handler recovered panic: %v", r)
			cont = false
		}
	}()
	keep, err := h.fn(el)
	if err != nil {
		xlog.Error(err)
		return false
	}
	return keep
}

// timedHandler is the internal record backing a TimedRef.
type timedHandler struct {
	id       uint64
	period   time.Duration
	lastRun  time.Time
	fn       TimedHandlerFunc
	user     bool
}

// TimedRef identifies a registered timed handler for deletion.
type TimedRef struct{ id uint64 }

func (t *timedHandler) due(now time.Time) bool {
	return now.Sub(t.lastRun) >= t.period
}

func (t *timedHandler) run() (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			xlog.Errorf("client: timed handler recovered panic: %v", r)
			cont = false
		}
	}()
	keep, err := t.fn()
	if err != nil {
		xlog.Error(err)
		return false
	}
	return keep
}
