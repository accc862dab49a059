//go:build sqlite3_cgo

package sqlite3

import _ "github.com/mattn/go-sqlite3"

const driverName = "sqlite3"
