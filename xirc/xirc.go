// Package xirc contains small IRC wire-protocol helpers shared by the
// upstream connection: SASL chunking and the IRCv3 server-time format.
package xirc

import (
	"time"
)

// MaxSASLLength is the maximum length, in bytes, of a single base64-encoded
// AUTHENTICATE parameter. A response longer than this must be split across
// several AUTHENTICATE lines, terminated by an empty "+" line if the final
// chunk happens to be exactly this long.
const MaxSASLLength = 400

// ServerTimeLayout is the timestamp layout used by the IRCv3 server-time
// message tag.
const ServerTimeLayout = "2006-01-02T15:04:05.000Z"

// FormatServerTime formats a time with the server-time layout.
func FormatServerTime(t time.Time) string {
	return t.UTC().Format(ServerTimeLayout)
}
