//go:build cgo && sqlite3_cgo

package db

// opt in with -tags sqlite3_cgo
import _ "github.com/mattn/go-sqlite3"

const (
	driverName  = "sqlite3"
	driverLabel = "mattn/go-sqlite3 (cgo)"
)
