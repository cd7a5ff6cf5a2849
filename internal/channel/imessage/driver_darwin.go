//go:build darwin

package imessage

// The production poller links the cgo sqlite driver; tests run the
// pure-Go driver so they work on any platform.
import _ "github.com/mattn/go-sqlite3"

const defaultDriver = "sqlite3"
