/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package sasl

import "fmt"

// OAuthBearer implements the OAUTHBEARER SASL mechanism (RFC 7628).
type OAuthBearer struct{}

// NewOAuthBearer returns a new OAUTHBEARER mechanism, priority 60.
func NewOAuthBearer() *OAuthBearer { return &OAuthBearer{} }

func (*OAuthBearer) Name() string      { return "OAUTHBEARER" }
func (*OAuthBearer) Priority() int     { return 60 }
func (*OAuthBearer) ClientFirst() bool { return true }

func (*OAuthBearer) Test(conn Conn) bool { return len(conn.Password()) > 0 }

func (*OAuthBearer) OnStart(Conn) error { return nil }

func (*OAuthBearer) OnChallenge(conn Conn, _ []byte) ([]byte, error) {
	resp := fmt.Sprintf("n,a=%s,\x01auth=Bearer %s\x01\x01", conn.Authzid(), conn.Password())
	return []byte(resp), nil
}

func (*OAuthBearer) OnSuccess(Conn) error { return nil }

func (*OAuthBearer) OnFailure(Conn) {}
