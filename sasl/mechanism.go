/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package sasl implements the SASL mechanisms the connection core
// negotiates with, behind a uniform test/onStart/onChallenge/
// onSuccess/onFailure contract. The connection core drives the
// exchange and decodes/encodes the base64 framing; mechanisms only
// see raw payloads.
package sasl

// Conn is the minimal view of a Connection a Mechanism needs. It is
// implemented by *client.Connection; keeping it as an interface avoids
// an import cycle and keeps mechanisms independently testable.
type Conn interface {
	// Authzid is the bare authorization JID (node@domain).
	Authzid() string
	// Authcid is the authentication identity (usually the JID node).
	Authcid() string
	// Domain is the server domain being authenticated against.
	Domain() string
	// Password is the plaintext password supplied to Connect.
	Password() string

	// SetServerSignature stashes the expected SCRAM server-signature so
	// the connection core can verify it against the server's success
	// payload.
	SetServerSignature(sig []byte)
	// ServerSignature returns the previously stashed value, or nil.
	ServerSignature() []byte
}

// Mechanism is the uniform contract every SASL mechanism implements.
type Mechanism interface {
	// Name is the SASL mechanism name sent on the wire (e.g. "PLAIN").
	Name() string
	// Priority orders mechanism selection; higher wins.
	Priority() int
	// ClientFirst reports whether the mechanism sends a payload with
	// the initial <auth/> element.
	ClientFirst() bool

	// Test reports whether conn has enough information (authcid,
	// password, ...) to attempt this mechanism.
	Test(conn Conn) bool

	// OnStart is called once, before the initial <auth/> is sent.
	OnStart(conn Conn) error

	// OnChallenge is called for the client-first payload (challenge is
	// nil) and for every subsequent <challenge/>. It returns the raw
	// (not yet base64-encoded) response payload.
	OnChallenge(conn Conn, challenge []byte) ([]byte, error)

	// OnSuccess is called once negotiation concludes with <success/>.
	OnSuccess(conn Conn) error

	// OnFailure is called once negotiation concludes with <failure/>.
	OnFailure(conn Conn)
}
