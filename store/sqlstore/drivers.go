/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package sqlstore

// Blank-imported so NewMySQL/NewPostgres/NewSQLite (sqlstore.go) work
// against a DSN directly with database/sql.Open.
import (
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)
