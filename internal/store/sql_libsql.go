//go:build cgo

package store

// go-libsql is a cgo driver; CGO-free builds use the modernc sqlite driver.
import _ "github.com/tursodatabase/go-libsql"
