//go:build sqlite3_cgo

package db

import (
	// cgo driver, opt in with -tags sqlite3_cgo
	_ "github.com/mattn/go-sqlite3"
)

const (
	driverID   = "mattn/go-sqlite3"
	driverName = "sqlite3"
)
