/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package client

import "github.com/pkg/errors"

// Status is the connection state machine's status code, delivered to
// the status callback supplied to Connect/Attach/Restore.
type Status int

const (
	Error Status = iota
	Connecting
	ConnFail
	Authenticating
	AuthFail
	Connected
	Disconnected
	Disconnecting
	Attached
	Redirect
	ConnTimeout
)

func (s Status) String() string {
	switch s {
	case Error:
		return "error"
	case Connecting:
		return "connecting"
	case ConnFail:
		return "connfail"
	case Authenticating:
		return "authenticating"
	case AuthFail:
		return "authfail"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Disconnecting:
		return "disconnecting"
	case Attached:
		return "attached"
	case Redirect:
		return "redirect"
	case ConnTimeout:
		return "conntimeout"
	default:
		return "unknown"
	}
}

// Condition strings carried alongside a Status.
const (
	CondBadFormat     = "bad-format"
	CondConflict      = "conflict"
	CondBadNonAnonJID = "x-strophe-bad-non-anon-jid"
	CondNoAuthMech    = "no-auth-mech"
	CondUnknown       = "unknown"
)

// ErrNotConnected reports that an operation needs an established
// connection. No Connection method returns it.
var ErrNotConnected = errors.New("client: not connected")

// ErrNoSessionStore is returned by Restore when no session store was
// configured at construction, or when the store holds no saved session.
var ErrNoSessionStore = errors.New("client: restore requires a session store")
