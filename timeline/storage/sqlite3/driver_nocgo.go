//go:build !sqlite3_cgo

package sqlite3

import _ "modernc.org/sqlite"

const driverName = "sqlite"
