/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package wsocket implements the RFC 7395 WebSocket framing transport:
// a single long-lived connection, <open/>/<close/> framing, one stanza
// per text message, and stream restarts realized as fresh opens.
package wsocket

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"

	"github.com/xmppgo/xmppcore/internal/xlog"
	"github.com/xmppgo/xmppcore/stanza"
	"github.com/xmppgo/xmppcore/transport"
)

const framingNamespace = "urn:ietf:params:xml:ns:xmpp-framing"

// Config configures a WebSocket Transport.
type Config struct {
	CustomHeaders http.Header
}

// Transport implements transport.Transport over a single WebSocket
// connection.
type Transport struct {
	serviceURL string
	domain     string
	cfg        Config
	sink       transport.Sink

	mu          sync.Mutex
	conn        *websocket.Conn
	sendBuf     int
	closed      bool
	closingSelf bool
}

var _ transport.Transport = (*Transport)(nil)

// New constructs a WebSocket transport dialing serviceURL (a ws:// or
// wss:// URL) for the given domain.
func New(serviceURL, domain string, cfg Config, sink transport.Sink) *Transport {
	return &Transport{serviceURL: serviceURL, domain: domain, cfg: cfg, sink: sink}
}

func (t *Transport) Type() transport.Type { return transport.WebSocket }

// Connect dials the WebSocket endpoint, sends the initial <open/>
// frame, and starts the read loop.
func (t *Transport) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{Subprotocols: []string{"xmpp"}}
	conn, _, err := dialer.DialContext(ctx, t.serviceURL, t.cfg.CustomHeaders)
	if err != nil {
		t.sink.ConnectCb("", errors.Wrap(err, "wsocket: dial failed"))
		return err
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	open := t.openFrame()
	if werr := t.writeText(open); werr != nil {
		t.sink.ConnectCb("", werr)
		return werr
	}
	go t.readLoop()
	t.sink.ConnectCb("", nil)
	return nil
}

func (t *Transport) openFrame() string {
	return fmt.Sprintf(`<open xmlns='%s' to='%s' version='1.0'/>`, framingNamespace, t.domain)
}

func (t *Transport) closeFrame() string {
	return fmt.Sprintf(`<close xmlns='%s'/>`, framingNamespace)
}

func (t *Transport) writeText(s string) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("wsocket: not connected")
	}
	t.mu.Lock()
	t.sendBuf++
	t.mu.Unlock()
	err := conn.WriteMessage(websocket.TextMessage, []byte(s))
	t.mu.Lock()
	t.sendBuf--
	t.mu.Unlock()
	return err
}

func (t *Transport) readLoop() {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			wasSelf := t.closingSelf
			t.mu.Unlock()
			if !wasSelf {
				// Peer closed without a prior graceful disconnect.
				closeElem := stanza.NewElementNamespace("close", framingNamespace)
				if ce, ok := err.(*websocket.CloseError); ok {
					t.sink.ProtocolError("websocket", ce.Code, closeElem)
				}
				t.sink.DataRecv("", closeElem)
			}
			return
		}
		elem, perr := stanza.NewParser(bytes.NewReader(data)).Next()
		if perr != nil {
			xlog.Error(perr)
			continue
		}
		t.sink.DataRecv(string(data), elem)
	}
}

// Send implements transport.Transport: one WebSocket text message per
// stanza, per RFC 7395.
func (t *Transport) Send(elems []*stanza.Element) {
	for _, e := range elems {
		if err := t.writeText(e.String()); err != nil {
			xlog.Error(err)
			return
		}
	}
}

// SendRestart implements transport.Transport: a stream restart is a
// fresh <open/> frame.
func (t *Transport) SendRestart() {
	if err := t.writeText(t.openFrame()); err != nil {
		xlog.Error(err)
	}
}

// Disconnect implements transport.Transport: sends <close/> and closes
// the socket.
func (t *Transport) Disconnect(err error) {
	t.mu.Lock()
	t.closingSelf = true
	conn := t.conn
	t.closed = true
	t.mu.Unlock()
	if conn == nil {
		return
	}
	_ = t.writeText(t.closeFrame())
	_ = conn.Close()
}

// EmptyQueue implements transport.Transport.
func (t *Transport) EmptyQueue() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendBuf == 0
}

// OnIdle implements transport.Transport; the WebSocket transport has
// no batching to flush.
func (t *Transport) OnIdle() {}

// NewStreamID returns a fresh identifier suitable for stream/bind ids.
func NewStreamID() string { return uuid.New() }
