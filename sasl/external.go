/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package sasl

// External implements the EXTERNAL SASL mechanism (RFC 4422 appendix A),
// where the identity is established out-of-band (e.g. a TLS client
// certificate) and the payload merely carries the authzid if it differs
// from the authcid.
type External struct{}

// NewExternal returns a new EXTERNAL mechanism, priority 10.
func NewExternal() *External { return &External{} }

func (*External) Name() string      { return "EXTERNAL" }
func (*External) Priority() int     { return 10 }
func (*External) ClientFirst() bool { return true }

func (*External) Test(Conn) bool { return true }

func (*External) OnStart(Conn) error { return nil }

func (*External) OnChallenge(conn Conn, _ []byte) ([]byte, error) {
	if conn.Authcid() != conn.Authzid() {
		return []byte(conn.Authzid()), nil
	}
	return []byte{}, nil
}

func (*External) OnSuccess(Conn) error { return nil }

func (*External) OnFailure(Conn) {}
