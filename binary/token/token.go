// Package token contains the fixed dictionaries the binary-node codec uses
// to compress common tag/attribute-name/attribute-value strings into a
// single byte (or two bytes for the extended dictionary) instead of a
// length-prefixed literal.
package token

// SingleByteTokens is the primary token dictionary. Index 0 is reserved
// (never emitted); index i>0 is the token value emitted on the wire for
// SingleByteTokens[i].
var SingleByteTokens = [...]string{
	"",
	"xmlstreamstart", "xmlstreamend", "s.whatsapp.net", "type", "participants",
	"lid", "group", "status", "id", "iq", "get", "set", "result", "error",
	"to", "from", "notification", "message", "receipt", "presence",
	"chatstate", "call", "ib", "stream:error", "success", "failure",
	"ack", "relaylatency", "offer", "accept", "terminate", "reject",
	"available", "unavailable", "composing", "paused", "recording",
	"read", "read-self", "sender", "delivery", "played", "retry",
	"list", "item", "usync", "query", "devices", "key-index", "last",
	"context", "mode", "index", "sid", "user", "version", "key",
	"encrypt", "media_conn", "hostname", "maxContentLengthBytes",
	"media_conn_host", "auth", "ttl", "fetch_date", "w:m", "md", "w:p",
	"enc", "pkmsg", "msg", "skmsg", "device-identity", "participant",
	"recipient", "t", "notify", "category", "unavailable", "count",
	"registration", "identity", "keys", "signed-pre-key", "skey",
	"value", "signature", "device_fanout", "edit", "mediatype",
	"image", "video", "gif", "ptt", "audio", "vcard", "document",
	"contact_array", "livelocation", "sticker", "order", "product",
	"native_flow_response", "url", "newsletter", "plaintext", "g.us",
	"broadcast", "encrypt:0", "server-error", "xmlstreamstart:stream",
	"ping", "config", "w", "remove-companion-device", "jid", "reason",
	"devicesent", "pin_in_chat", "decrypt-fail", "hide",
}

// DoubleByteTokens holds the second-tier token set, written on the wire as
// a dictionary marker byte followed by a one-byte index into this slice.
// WhatsApp uses this for a smaller set of less-common strings that
// still benefit from token compression.
var DoubleByteTokens = [...]string{
	"interactive_response", "poll_creation", "poll_update",
	"encEventResponseMessage", "newsletter_admin_invite",
	"placeholder_message_resend", "biz_cover_photo",
}

// IndexOfSingleByte returns the token index for s in SingleByteTokens, or
// (0, false) if s isn't tokenized (the caller should fall back to a
// length-prefixed literal).
func IndexOfSingleByte(s string) (uint8, bool) {
	for i := 1; i < len(SingleByteTokens); i++ {
		if SingleByteTokens[i] == s {
			return uint8(i), true
		}
	}
	return 0, false
}

// IndexOfDoubleByte returns the token index for s in DoubleByteTokens, or
// (0, false) if s isn't tokenized.
func IndexOfDoubleByte(s string) (uint8, bool) {
	for i := 0; i < len(DoubleByteTokens); i++ {
		if DoubleByteTokens[i] == s {
			return uint8(i), true
		}
	}
	return 0, false
}
