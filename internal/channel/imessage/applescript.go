// Package imessage is the iMessage relay adapter for macOS hosts.
// Outbound goes through osascript driving Messages.app; inbound comes
// from polling the Messages chat.db directly.
package imessage

import "strings"

// escapeAppleScript turns arbitrary text into a safe AppleScript string
// literal body. Backslashes must be doubled before quotes are escaped,
// and newlines are rebuilt with the linefeed constant so the script
// stays a single literal.
func escapeAppleScript(text string) string {
	text = strings.ReplaceAll(text, `\`, `\\`)
	text = strings.ReplaceAll(text, `"`, `\"`)

	// Normalize CRLF and CR to LF, then stitch lines with linefeed.
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	return strings.Join(lines, `" & linefeed & "`)
}

// sendScript builds the osascript program that sends text to recipient
// through Messages.app.
func sendScript(recipient, text string) string {
	var b strings.Builder
	b.WriteString("tell application \"Messages\"\n")
	b.WriteString("  set targetService to 1st account whose service type = iMessage\n")
	b.WriteString("  set targetBuddy to participant \"")
	b.WriteString(escapeAppleScript(recipient))
	b.WriteString("\" of targetService\n")
	b.WriteString("  send \"")
	b.WriteString(escapeAppleScript(text))
	b.WriteString("\" to targetBuddy\n")
	b.WriteString("end tell")
	return b.String()
}
