//go:build cgo

package store

import (
	_ "github.com/tursodatabase/go-libsql"
)

func init() {
	registerDriver(driverLibSQL, openSQL(driverLibSQL))
}
