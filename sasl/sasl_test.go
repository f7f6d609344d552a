/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package sasl

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
)

// fakeConn is a minimal Conn used to drive mechanisms without a real
// Connection.
type fakeConn struct {
	authzid string
	authcid string
	domain  string
	pass    string
	sig     []byte
}

func (f *fakeConn) Authzid() string             { return f.authzid }
func (f *fakeConn) Authcid() string             { return f.authcid }
func (f *fakeConn) Domain() string              { return f.domain }
func (f *fakeConn) Password() string            { return f.pass }
func (f *fakeConn) SetServerSignature(s []byte) { f.sig = s }
func (f *fakeConn) ServerSignature() []byte     { return f.sig }

func TestPlainPayloadEncoding(t *testing.T) {
	conn := &fakeConn{authzid: "user@example.org", authcid: "user", pass: "secret"}
	p := NewPlain()
	require.True(t, p.Test(conn))

	payload, err := p.OnChallenge(conn, nil)
	require.NoError(t, err)
	require.Equal(t, "user@example.org\x00user\x00secret", string(payload))
}

func TestPlainRequiresAuthcid(t *testing.T) {
	p := NewPlain()
	require.False(t, p.Test(&fakeConn{}))
}

func TestAnonymousOnlyWithoutAuthcid(t *testing.T) {
	a := NewAnonymous()
	require.True(t, a.Test(&fakeConn{}))
	require.False(t, a.Test(&fakeConn{authcid: "user"}))
}

func TestExternalOmitsPayloadWhenIdentitiesMatch(t *testing.T) {
	e := NewExternal()
	conn := &fakeConn{authzid: "user@example.org", authcid: "user@example.org"}
	payload, err := e.OnChallenge(conn, nil)
	require.NoError(t, err)
	require.Empty(t, payload)
}

func TestExternalCarriesAuthzidWhenDiffers(t *testing.T) {
	e := NewExternal()
	conn := &fakeConn{authzid: "other@example.org", authcid: "user@example.org"}
	payload, err := e.OnChallenge(conn, nil)
	require.NoError(t, err)
	require.Equal(t, "other@example.org", string(payload))
}

func TestMatchOfferedFiltersAndSortsByPriority(t *testing.T) {
	r := NewDefaultRegistry()
	matched := MatchOffered(r, []string{"ANONYMOUS", "PLAIN", "DIGEST-MD5", "UNKNOWN-MECH"})
	require.Len(t, matched, 3)
	require.Equal(t, "PLAIN", matched[0].Name())
	require.Equal(t, "DIGEST-MD5", matched[1].Name())
	require.Equal(t, "ANONYMOUS", matched[2].Name())
}

func TestFilteredRegistryOnlyExposesNamed(t *testing.T) {
	r := NewRegistry()
	r.Register(NewPlain())
	_, ok := r.Get("SCRAM-SHA-1")
	require.False(t, ok)
	m, ok := r.Get("PLAIN")
	require.True(t, ok)
	require.Equal(t, "PLAIN", m.Name())
}

// scramServerFirst builds a synthetic server-first message and the
// matching server signature, so the test can drive SCRAMSHA1 through a
// full round without a live server.
func scramServerFirst(t *testing.T, s *SCRAMSHA1, conn *fakeConn, salt []byte, iterations int) (serverFirst string, serverSignature []byte) {
	t.Helper()
	clientFirst, err := s.OnChallenge(conn, nil)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(clientFirst), "n,,n="+conn.Authcid()+",r="+s.cnonce))

	serverNonce := s.cnonce + "servernonce"
	saltB64 := base64.StdEncoding.EncodeToString(salt)
	serverFirst = fmt.Sprintf("r=%s,s=%s,i=%d", serverNonce, saltB64, iterations)

	saltedPassword := pbkdf2.Key([]byte(conn.Password()), salt, iterations, sha1.Size, sha1.New)
	serverKey := hmacSHA1(saltedPassword, []byte("Server Key"))

	channelBinding := "c=biws"
	clientFinalNoProof := channelBinding + ",r=" + serverNonce
	authMessage := s.clientFirstBare + "," + serverFirst + "," + clientFinalNoProof
	serverSignature = hmacSHA1(serverKey, []byte(authMessage))
	return serverFirst, serverSignature
}

func TestScramSha1RoundTripStashesMatchingServerSignature(t *testing.T) {
	conn := &fakeConn{authcid: "user", pass: "secret"}
	s := NewSCRAMSHA1()
	require.NoError(t, s.OnStart(conn))

	serverFirst, wantSig := scramServerFirst(t, s, conn, []byte("0102030405060708"), 4096)

	clientFinal, err := s.OnChallenge(conn, []byte(serverFirst))
	require.NoError(t, err)
	require.Contains(t, string(clientFinal), ",p=")

	require.Equal(t, base64.StdEncoding.EncodeToString(wantSig), string(conn.ServerSignature()))
}

func TestScramSha1NonceMismatchFails(t *testing.T) {
	conn := &fakeConn{authcid: "user", pass: "secret"}
	s := NewSCRAMSHA1()
	require.NoError(t, s.OnStart(conn))
	_, err := s.OnChallenge(conn, nil)
	require.NoError(t, err)

	badServerFirst := "r=totally-different-nonce,s=MDEwMjAzMDQ=,i=4096"
	_, err = s.OnChallenge(conn, []byte(badServerFirst))
	require.ErrorIs(t, err, ErrScramNonceMismatch)
}

func TestDigestMD5SecondRoundAcksWithEmptyPayload(t *testing.T) {
	conn := &fakeConn{authcid: "user", pass: "secret", domain: "example.org"}
	d := NewDigestMD5()
	require.NoError(t, d.OnStart(conn))

	first, err := d.OnChallenge(conn, []byte(`realm="example.org",nonce="abc123",qop="auth",charset=utf-8`))
	require.NoError(t, err)
	require.Contains(t, string(first), `realm="example.org"`)
	require.Contains(t, string(first), `digest-uri="xmpp/example.org"`)

	second, err := d.OnChallenge(conn, []byte(`rspauth=deadbeef`))
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestDigestResponseIsDeterministic(t *testing.T) {
	r1 := digestResponse("user", "example.org", "secret", "nonce1", "cnonce1", "00000001", "auth", "xmpp/example.org")
	r2 := digestResponse("user", "example.org", "secret", "nonce1", "cnonce1", "00000001", "auth", "xmpp/example.org")
	require.Equal(t, r1, r2)

	r3 := digestResponse("user", "example.org", "wrong", "nonce1", "cnonce1", "00000001", "auth", "xmpp/example.org")
	require.NotEqual(t, r1, r3)
}

func TestHMACSHA1Helper(t *testing.T) {
	h := hmac.New(sha1.New, []byte("key"))
	h.Write([]byte("data"))
	require.Equal(t, h.Sum(nil), hmacSHA1([]byte("key"), []byte("data")))
}
