/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package sasl

// Anonymous implements the ANONYMOUS SASL mechanism (RFC 4505).
type Anonymous struct{}

// NewAnonymous returns a new ANONYMOUS mechanism, priority 20.
func NewAnonymous() *Anonymous { return &Anonymous{} }

func (*Anonymous) Name() string     { return "ANONYMOUS" }
func (*Anonymous) Priority() int    { return 20 }
func (*Anonymous) ClientFirst() bool { return false }

func (*Anonymous) Test(conn Conn) bool { return len(conn.Authcid()) == 0 }

func (*Anonymous) OnStart(Conn) error { return nil }

func (*Anonymous) OnChallenge(Conn, []byte) ([]byte, error) { return nil, nil }

func (*Anonymous) OnSuccess(Conn) error { return nil }

func (*Anonymous) OnFailure(Conn) {}
