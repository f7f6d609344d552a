/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

// ErrScramNonceMismatch is returned when the server's nonce does not
// begin with the client-generated cnonce.
var ErrScramNonceMismatch = errors.New("sasl: scram server nonce does not match client nonce")

// SCRAMSHA1 implements the SCRAM-SHA-1 SASL mechanism (RFC 5802).
type SCRAMSHA1 struct {
	cnonce          string
	clientFirstBare string
	round           int
}

// NewSCRAMSHA1 returns a new SCRAM-SHA-1 mechanism, priority 50.
func NewSCRAMSHA1() *SCRAMSHA1 { return &SCRAMSHA1{} }

func (*SCRAMSHA1) Name() string      { return "SCRAM-SHA-1" }
func (*SCRAMSHA1) Priority() int     { return 50 }
func (*SCRAMSHA1) ClientFirst() bool { return true }

func (s *SCRAMSHA1) Test(conn Conn) bool { return len(conn.Authcid()) > 0 }

func (s *SCRAMSHA1) OnStart(Conn) error {
	s.round = 0
	s.cnonce = md5Hex(uuid.New().String())
	return nil
}

func (s *SCRAMSHA1) OnChallenge(conn Conn, challenge []byte) ([]byte, error) {
	s.round++
	if s.round == 1 {
		s.clientFirstBare = fmt.Sprintf("n=%s,r=%s", conn.Authcid(), s.cnonce)
		return []byte("n,," + s.clientFirstBare), nil
	}

	serverFirst := string(challenge)
	params := parseScramParams(serverFirst)
	nonce := params["r"]
	saltB64 := params["s"]
	iterStr := params["i"]

	if !strings.HasPrefix(nonce, s.cnonce) {
		return nil, ErrScramNonceMismatch
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, errors.Wrap(err, "sasl: invalid scram salt")
	}
	iterations := 0
	fmt.Sscanf(iterStr, "%d", &iterations)
	if iterations <= 0 {
		iterations = 4096
	}

	saltedPassword := pbkdf2.Key([]byte(conn.Password()), salt, iterations, sha1.Size, sha1.New)
	clientKey := hmacSHA1(saltedPassword, []byte("Client Key"))
	serverKey := hmacSHA1(saltedPassword, []byte("Server Key"))
	storedKey := sha1Sum(clientKey)

	channelBinding := "c=biws" // base64("n,,")
	clientFinalNoProof := channelBinding + ",r=" + nonce
	authMessage := s.clientFirstBare + "," + serverFirst + "," + clientFinalNoProof

	clientSignature := hmacSHA1(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	serverSignature := hmacSHA1(serverKey, []byte(authMessage))
	conn.SetServerSignature([]byte(base64.StdEncoding.EncodeToString(serverSignature)))

	resp := clientFinalNoProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)
	return []byte(resp), nil
}

func (*SCRAMSHA1) OnSuccess(Conn) error { return nil }

func (*SCRAMSHA1) OnFailure(Conn) {}

func parseScramParams(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			continue
		}
		out[part[:eq]] = part[eq+1:]
	}
	return out
}

func hmacSHA1(key, data []byte) []byte {
	h := hmac.New(sha1.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha1Sum(data []byte) []byte {
	sum := sha1.Sum(data)
	return sum[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return fmt.Sprintf("%x", sum)
}
