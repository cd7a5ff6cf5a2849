//go:build !darwin

package imessage

// Off darwin there is no chat.db to read; the name only exists so the
// poller compiles. Tests override Poller.Driver with the pure-Go
// driver.
const defaultDriver = "sqlite3"
