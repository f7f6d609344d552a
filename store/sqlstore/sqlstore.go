/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package sqlstore implements store.SessionStore over database/sql,
// building its queries with Masterminds/squirrel against a single
// xmppcore_sessions table.
package sqlstore

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	"github.com/xmppgo/xmppcore/store"
)

// dialect distinguishes the upsert syntax MySQL requires (ON DUPLICATE
// KEY UPDATE) from the ON CONFLICT ... DO UPDATE syntax postgres and
// sqlite3 both accept.
type dialect int

const (
	dialectStandard dialect = iota // postgres, sqlite3
	dialectMySQL
)

// Store is a database/sql-backed store.SessionStore against sqlite3,
// mysql, or postgres. Save's upsert statement is branched per dialect;
// everything else (Load, CreateTable) is shared across all three.
type Store struct {
	db      *sql.DB
	builder sq.StatementBuilderType
	dialect dialect
}

// New wraps db using the ON CONFLICT upsert dialect (postgres,
// sqlite3). placeholderFormat should be sq.Question for sqlite3 or
// sq.Dollar for postgres. Use NewMySQL for a MySQL *sql.DB, whose
// upsert syntax this constructor does not produce.
func New(db *sql.DB, placeholderFormat sq.PlaceholderFormat) *Store {
	return &Store{db: db, builder: sq.StatementBuilder.PlaceholderFormat(placeholderFormat), dialect: dialectStandard}
}

// NewMySQL is the per-driver convenience constructor for MySQL.
func NewMySQL(db *sql.DB) *Store {
	return &Store{db: db, builder: sq.StatementBuilder.PlaceholderFormat(sq.Question), dialect: dialectMySQL}
}

// NewPostgres is a convenience constructor for the Dollar placeholder
// dialect.
func NewPostgres(db *sql.DB) *Store { return New(db, sq.Dollar) }

// NewSQLite is a convenience constructor for the sqlite3 driver.
func NewSQLite(db *sql.DB) *Store { return New(db, sq.Question) }

const sessionsTable = "xmppcore_sessions"

// Save implements store.SessionStore.
func (s *Store) Save(ctx context.Context, key string, sess *store.Session) error {
	q := s.builder.Insert(sessionsTable).
		Columns("session_key", "jid", "sid", "rid").
		Values(key, sess.JID, sess.SID, sess.RID).
		Suffix(s.upsertSuffix())

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return errors.Wrap(err, "sqlstore: build insert")
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return errors.Wrap(err, "sqlstore: save session")
	}
	return nil
}

// upsertSuffix returns the dialect-appropriate upsert clause: MySQL
// rejects ON CONFLICT outright, and postgres/sqlite3 don't understand
// ON DUPLICATE KEY UPDATE.
func (s *Store) upsertSuffix() string {
	if s.dialect == dialectMySQL {
		return "ON DUPLICATE KEY UPDATE jid = VALUES(jid), sid = VALUES(sid), rid = VALUES(rid)"
	}
	return "ON CONFLICT (session_key) DO UPDATE SET jid = excluded.jid, sid = excluded.sid, rid = excluded.rid"
}

// Load implements store.SessionStore. A missing row is reported as
// (nil, nil), per the store.SessionStore contract.
func (s *Store) Load(ctx context.Context, key string) (*store.Session, error) {
	q := s.builder.Select("jid", "sid", "rid").From(sessionsTable).Where(sq.Eq{"session_key": key})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: build select")
	}
	row := s.db.QueryRowContext(ctx, sqlStr, args...)
	var sess store.Session
	switch err := row.Scan(&sess.JID, &sess.SID, &sess.RID); err {
	case nil:
		return &sess, nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, errors.Wrap(err, "sqlstore: load session")
	}
}

var _ store.SessionStore = (*Store)(nil)

// CreateTable issues the DDL for the sessions table against the
// configured driver's dialect of IF NOT EXISTS.
func (s *Store) CreateTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+sessionsTable+` (
		session_key VARCHAR(255) PRIMARY KEY,
		jid VARCHAR(255) NOT NULL,
		sid VARCHAR(255) NOT NULL,
		rid BIGINT NOT NULL
	)`)
	return err
}
