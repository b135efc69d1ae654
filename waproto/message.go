// Package waproto is the opaque application-message codec consumed by the
// core: it is treated as an external collaborator (see spec §1) and is
// deliberately minimal — only the message kinds the relay/signal layers
// need to inspect or rewrite are modeled, using the real protobuf wire
// format (google.golang.org/protobuf/encoding/protowire) rather than a
// hand-rolled one.
package waproto

import "google.golang.org/protobuf/encoding/protowire"

// Message is the top-level WhatsApp application message envelope. Only the
// variants the core touches directly (for media-type classification, group
// bootstrapping, and protocol-message handling) are modeled; everything
// else round-trips as an opaque "other contents" bucket keyed by field
// number so re-marshaling an unknown message is still lossless.
type Message struct {
	Conversation *string

	ExtendedTextMessage   *ExtendedTextMessage
	ImageMessage          *MediaMessage
	VideoMessage          *MediaMessage
	AudioMessage          *AudioMessage
	DocumentMessage       *MediaMessage
	StickerMessage        *MediaMessage
	ContactMessage        *ContactMessage
	ContactsArrayMessage  *ContactsArrayMessage
	LocationMessage       *LocationMessage
	LiveLocationMessage   *LocationMessage
	OrderMessage          *OrderMessage
	ProductMessage        *ProductMessage
	ReactionMessage       *ReactionMessage
	NativeFlowResponseMessage *NativeFlowResponseMessage

	SenderKeyDistributionMessage *SenderKeyDistributionMessage
	DeviceSentMessage            *DeviceSentMessage
	ProtocolMessage              *ProtocolMessage
	EphemeralMessage             *WrapperMessage
	ViewOnceMessage              *WrapperMessage

	unknown []unknownField
}

type unknownField struct {
	num protowire.Number
	typ protowire.Type
	raw []byte
}

type WrapperMessage struct{ Message *Message }
type ExtendedTextMessage struct{ Text *string }
type AudioMessage struct {
	URL *string
	PTT *bool
}
type MediaMessage struct{ URL *string }
type ContactMessage struct{ DisplayName *string }
type ContactsArrayMessage struct{ DisplayName *string }
type LocationMessage struct{ DegreesLatitude, DegreesLongitude *float64 }
type OrderMessage struct{ OrderID *string }
type ProductMessage struct{ ProductID *string }
type ReactionMessage struct {
	Key  *MessageKey
	Text *string
}
type NativeFlowResponseMessage struct{ Name *string }

type MessageKey struct {
	RemoteJID *string
	FromMe    *bool
	ID        *string
	Participant *string
}

type SenderKeyDistributionMessage struct {
	GroupID                             *string
	AxolotlSenderKeyDistributionMessage []byte
}

type DeviceSentMessage struct {
	DestinationJID *string
	Message        *Message
	Phash          *string
}

type ProtocolMessageType int32

const (
	ProtocolMessage_REVOKE ProtocolMessageType = iota
	ProtocolMessage_EPHEMERAL_SETTING
	ProtocolMessage_HISTORY_SYNC_NOTIFICATION
	ProtocolMessage_APP_STATE_SYNC_KEY_SHARE
	ProtocolMessage_MESSAGE_EDIT
)

type ProtocolMessage struct {
	Key                      *MessageKey
	Type                     ProtocolMessageType
	HistorySyncNotification  *HistorySyncNotification
	AppStateSyncKeyShare     *AppStateSyncKeyShare
	EditedMessage            *Message
}

func (m *ProtocolMessage) GetHistorySyncNotification() *HistorySyncNotification {
	if m == nil {
		return nil
	}
	return m.HistorySyncNotification
}

func (m *ProtocolMessage) GetAppStateSyncKeyShare() *AppStateSyncKeyShare {
	if m == nil {
		return nil
	}
	return m.AppStateSyncKeyShare
}

// Getter helpers, mirroring the generated-protobuf convention of nil-safe
// Get* accessors so callers never need a defensive nil check before reading
// a possibly-absent sub-message.

func (m *Message) GetConversation() string {
	if m == nil || m.Conversation == nil {
		return ""
	}
	return *m.Conversation
}

func (m *Message) GetSenderKeyDistributionMessage() *SenderKeyDistributionMessage {
	if m == nil {
		return nil
	}
	return m.SenderKeyDistributionMessage
}

func (m *Message) GetDeviceSentMessage() *DeviceSentMessage {
	if m == nil {
		return nil
	}
	return m.DeviceSentMessage
}

func (m *DeviceSentMessage) GetMessage() *Message {
	if m == nil {
		return nil
	}
	return m.Message
}

func (m *DeviceSentMessage) GetDestinationJid() string {
	if m == nil || m.DestinationJID == nil {
		return ""
	}
	return *m.DestinationJID
}

func (m *DeviceSentMessage) GetPhash() string {
	if m == nil || m.Phash == nil {
		return ""
	}
	return *m.Phash
}

func (m *Message) GetProtocolMessage() *ProtocolMessage {
	if m == nil {
		return nil
	}
	return m.ProtocolMessage
}

func (m *Message) GetEphemeralMessage() *WrapperMessage {
	if m == nil {
		return nil
	}
	return m.EphemeralMessage
}

func (m *Message) GetViewOnceMessage() *WrapperMessage {
	if m == nil {
		return nil
	}
	return m.ViewOnceMessage
}

func (m *WrapperMessage) GetMessage() *Message {
	if m == nil {
		return nil
	}
	return m.Message
}

func (k *MessageKey) GetId() string {
	if k == nil || k.ID == nil {
		return ""
	}
	return *k.ID
}

// String returns a best-effort String so values implement fmt.Stringer
// the way generated protobuf messages do.
func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	return "Message{...}"
}
