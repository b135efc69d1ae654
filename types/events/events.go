// Package events contains the payload types published on the event bus
// (component H). Each type corresponds to one of the named channels in
// spec §4.H; Client.dispatchEvent hands these to registered handlers and
// to internal/eventbus.Bus.Publish under the matching channel constant.
package events

import (
	"time"

	"github.com/lattice-chat/wacore/binary"
	"github.com/lattice-chat/wacore/types"
	"github.com/lattice-chat/wacore/waproto"
)

// QR is emitted with each new pairing QR code string while waiting for
// the phone to scan it.
type QR struct {
	Codes []string
}

// PairSuccess is emitted once the phone has scanned the QR (or completed
// phone-number linking) and the server has confirmed pairing.
type PairSuccess struct {
	ID           types.JID
	LID          types.JID
	BusinessName string
	Platform     string
}

// PairError is emitted when pairing fails.
type PairError struct {
	Error error
}

// Connected is emitted once the socket has completed the Noise handshake
// and (for an already-registered device) finished the post-handshake
// login exchange.
type Connected struct{}

// Disconnected is emitted when the websocket disconnects without an
// explicit local Client.Disconnect call.
type Disconnected struct{}

// LoggedOut is emitted when the server tells us the device has been
// unlinked (stream error / failure node with a logged-out reason). Per
// spec §7, a LoggedOut disconnect is the one case autoReconnect must not
// retry.
type LoggedOut struct {
	OnConnect bool
	Reason    ConnectFailureReason
}

// ConnectFailureReason is the numeric reason code carried by a <failure>
// stream element.
type ConnectFailureReason int

const (
	ConnectFailureLoggedOut ConnectFailureReason = 401
)

func (r ConnectFailureReason) IsLoggedOut() bool {
	return r == ConnectFailureLoggedOut
}

// StreamError is emitted on a <stream:error> element the client doesn't
// have more specific handling for.
type StreamError struct {
	Code string
	Raw  any
}

// TemporaryBan/ConnectFailure/ClientOutdated are distinct stream-level
// failures the server can report; modeled separately so handlers can
// switch on them instead of parsing Code strings themselves.
type ConnectFailure struct {
	Reason  ConnectFailureReason
	Message string
}

type ClientOutdated struct{}

// Message is the event fired for every successfully decrypted inbound
// application message (pairwise or group).
type Message struct {
	Info       types.MessageInfo
	RawMessage *waproto.Message
	Message    *waproto.Message
}

// UndecryptableMessage is emitted when an inbound message's ciphertext
// could not be decrypted (bad session, unknown sender-key, etc); the
// retry-receipt path (component I client semantics, spec §7) is driven
// off this.
type UndecryptableMessage struct {
	Info            types.MessageInfo
	IsUnavailable   bool
	UnavailableType string
}

// Receipt is emitted for inbound <receipt> stanzas, both delivery/read
// acknowledgements of our own sent messages and retry requests (which
// are additionally routed into the retry-receipt flow).
type Receipt struct {
	types.MessageSource
	MessageIDs    []types.MessageID
	Timestamp     time.Time
	Type          ReceiptType
	MessageSender types.JID
}

type ReceiptType string

const (
	ReceiptTypeDelivered ReceiptType = ""
	ReceiptTypeSender    ReceiptType = "sender"
	ReceiptTypeRetry     ReceiptType = "retry"
	ReceiptTypeRead      ReceiptType = "read"
	ReceiptTypeReadSelf  ReceiptType = "read-self"
	ReceiptTypePlayed    ReceiptType = "played"
)

// GroupInfo is emitted when group metadata changes (participant add/
// remove, subject change, ...); the relay engine's own cache invalidation
// publishes this on GroupsUpdate, it does not originate user-facing
// group admin operations (those are out of core scope per spec §1).
type GroupInfo struct {
	JID          types.JID
	Notify       string
	Sender       *types.JID
	Timestamp    time.Time
	PrevParticipants []types.JID
	JoinReason   string
}

// Presence is emitted for inbound <presence> stanzas.
type Presence struct {
	From         types.JID
	Unavailable  bool
	LastSeen     time.Time
}

// ChatPresence is emitted for inbound <chatstate> stanzas.
type ChatPresence struct {
	MessageSource
	State ChatPresenceState
	Media ChatPresenceMedia
}

type ChatPresenceState string
type ChatPresenceMedia string

const (
	ChatPresenceComposing ChatPresenceState = "composing"
	ChatPresencePaused    ChatPresenceState = "paused"

	ChatPresenceMediaText  ChatPresenceMedia = ""
	ChatPresenceMediaAudio ChatPresenceMedia = "audio"
)

// HistorySync is emitted when a history-sync blob notification has been
// downloaded, decompressed and decoded.
type HistorySync struct {
	Data *waproto.HistorySync
}

// IdentityChange is emitted when the server sends an encrypt notification
// with an <identity> child, reporting that a contact's identity key changed.
type IdentityChange struct {
	JID     types.JID
	Timestamp time.Time
	Implicit  bool
}

// KeepAliveTimeout/Restored track consecutive keepalive ping failures.
type KeepAliveTimeout struct {
	ErrorCount        int
	LastSuccess       time.Time
}

type KeepAliveRestored struct{}

// AppStateSyncComplete is emitted once an app-state patch sync round
// completes for the given name.
type AppStateSyncComplete struct {
	Name string
}

// CallOffer and friends mirror the <call> child element tags dispatched
// in call.go.
type CallOffer struct {
	types.BasicCallMeta
	types.CallRemoteMeta
	Data *binary.Node
}

type CallOfferNotice struct {
	types.BasicCallMeta
	Media string
	Type  string
	Data  *binary.Node
}

type CallRelayLatency struct {
	types.BasicCallMeta
	Data *binary.Node
}

type CallAccept struct {
	types.BasicCallMeta
	types.CallRemoteMeta
	Data *binary.Node
}

type CallPreAccept struct {
	types.BasicCallMeta
	types.CallRemoteMeta
	Data *binary.Node
}

type CallTransport struct {
	types.BasicCallMeta
	types.CallRemoteMeta
	Data *binary.Node
}

type CallTerminate struct {
	types.BasicCallMeta
	Reason string
	Data   *binary.Node
}

type UnknownCallEvent struct {
	Node *binary.Node
}
