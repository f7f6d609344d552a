/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package sasl

import "fmt"

// Plain implements the PLAIN SASL mechanism (RFC 4616).
type Plain struct{}

// NewPlain returns a new PLAIN mechanism, priority 70.
func NewPlain() *Plain { return &Plain{} }

func (*Plain) Name() string      { return "PLAIN" }
func (*Plain) Priority() int     { return 70 }
func (*Plain) ClientFirst() bool { return true }

func (*Plain) Test(conn Conn) bool { return len(conn.Authcid()) > 0 }

func (*Plain) OnStart(Conn) error { return nil }

func (*Plain) OnChallenge(conn Conn, _ []byte) ([]byte, error) {
	resp := fmt.Sprintf("%s\x00%s\x00%s", conn.Authzid(), conn.Authcid(), conn.Password())
	return []byte(resp), nil
}

func (*Plain) OnSuccess(Conn) error { return nil }

func (*Plain) OnFailure(Conn) {}
