/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package sasl

import "fmt"

// XOAuth2 implements Google's X-OAUTH2 SASL mechanism.
type XOAuth2 struct{}

// NewXOAuth2 returns a new X-OAUTH2 mechanism, priority 30.
func NewXOAuth2() *XOAuth2 { return &XOAuth2{} }

func (*XOAuth2) Name() string      { return "X-OAUTH2" }
func (*XOAuth2) Priority() int     { return 30 }
func (*XOAuth2) ClientFirst() bool { return true }

func (*XOAuth2) Test(conn Conn) bool { return len(conn.Password()) > 0 }

func (*XOAuth2) OnStart(Conn) error { return nil }

func (*XOAuth2) OnChallenge(conn Conn, _ []byte) ([]byte, error) {
	resp := fmt.Sprintf("\x00%s\x00%s", conn.Authzid(), conn.Password())
	return []byte(resp), nil
}

func (*XOAuth2) OnSuccess(Conn) error { return nil }

func (*XOAuth2) OnFailure(Conn) {}
