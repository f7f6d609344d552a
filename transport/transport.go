/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package transport defines the transport abstraction the connection
// core drives (connect, send, sendRestart, disconnect, emptyQueue,
// onIdle) plus the callback surface a transport uses to hand inbound
// data back to the connection core.
package transport

import (
	"context"

	"github.com/xmppgo/xmppcore/stanza"
)

// Type identifies which wire protocol a Transport speaks.
type Type int

const (
	// BOSH is the long-polling HTTP transport (XEP-0124/0206).
	BOSH Type = iota
	// WebSocket is the RFC 7395 framed transport.
	WebSocket
)

func (t Type) String() string {
	switch t {
	case BOSH:
		return "bosh"
	case WebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// Sink is the borrowed, non-owning callback interface a Transport uses
// to notify its owning Connection. A Transport never owns a Sink and
// must not outlive the Connection that supplied it.
type Sink interface {
	// ConnectCb is invoked once the initial connect attempt completes
	// (successfully or not). rawBody is the raw wire payload received,
	// if any; err is non-nil on a connect failure.
	ConnectCb(rawBody string, err error)

	// DataRecv is invoked for every inbound top-level element parsed
	// off the wire, carrying both the parsed tree and (for xmlInput/
	// rawInput observability hooks) the original raw text.
	DataRecv(raw string, elem *stanza.Element)

	// DisconnectTimeout is invoked by a transport that enforces its own
	// disconnect deadline. Neither the BOSH nor the WebSocket transport
	// calls it; both leave that to the connection core's 3000ms timed
	// handler.
	DisconnectTimeout()

	// ProtocolError is invoked when a transport failure carries a
	// protocol-specific status code (an HTTP status for BOSH, a close
	// code for WebSocket), routed to the AddProtocolErrorHandler table.
	// trigger, if non-nil, is the element that accompanied the failure.
	ProtocolError(protocol string, code int, trigger stanza.XElement)
}

// Transport is the abstract connection surface the connection core
// drives; BOSH and WebSocket are its two concrete implementations.
type Transport interface {
	// Type reports which wire protocol this Transport implements.
	Type() Type

	// Connect dials out and performs whatever handshake the protocol
	// requires before stream:features can be read (the BOSH initial
	// request pair, or the WebSocket <open/> frame).
	Connect(ctx context.Context) error

	// Send enqueues elements for delivery. Implementations must
	// preserve FIFO order.
	Send(elems []*stanza.Element)

	// SendRestart requests a stream restart (BOSH: xmpp:restart='true'
	// on the next request; WebSocket: a fresh <open/>).
	SendRestart()

	// Disconnect tears down the transport. err, if non-nil, indicates
	// an abnormal close reason for logging purposes only.
	Disconnect(err error)

	// EmptyQueue reports whether there is no outgoing data in flight
	// and no request pending, used by the graceful-disconnect check.
	EmptyQueue() bool

	// OnIdle is invoked by the connection core's 100ms idle tick so the
	// transport can flush batched output or poll.
	OnIdle()
}
