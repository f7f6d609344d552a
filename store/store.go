/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package store implements the session-storage collaborator the
// keepalive BOSH mode depends on: the {jid, sid, rid} tuple a
// Connection needs to re-Attach to a still-live BOSH session across a
// process restart.
package store

import "context"

// Session is the persisted {jid, sid, rid} tuple, stored under a
// library-owned key.
type Session struct {
	JID string
	SID string
	RID uint64
}

// SessionStore is the collaborator interface a Connection's keepalive
// mode depends on: it saves the BOSH session once connected and
// Connection.Restore loads it. A missing entry is equivalent to "no
// session to restore": Load returns (nil, nil) in that case, not an
// error. An entry that exists but cannot be read back (for sqlstore, a
// row whose columns fail to scan) is returned as an error.
type SessionStore interface {
	Save(ctx context.Context, key string, sess *Session) error
	Load(ctx context.Context, key string) (*Session, error)
}
