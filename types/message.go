package types

import "time"

// MessageSource contains basic sender and chat information about where a message was sent.
type MessageSource struct {
	Chat     JID  // The chat where the message was sent.
	Sender   JID  // The user who sent the message.
	IsFromMe bool // Whether the message was sent by the current user instead of someone else.
	IsGroup  bool // Whether the message was sent to a group chat.

	// BroadcastListOwner is the owner of the broadcast list the message was sent in, if any.
	BroadcastListOwner JID
}

// DeviceSentMeta contains metadata from messages sent by another one of the user's own devices.
type DeviceSentMeta struct {
	DestinationJID string
	Phash          string
}

// MessageInfo contains metadata about an incoming message.
type MessageInfo struct {
	MessageSource
	ID        MessageID
	PushName  string
	Timestamp time.Time
	Category  string
	Multicast bool

	// DeviceSentMeta is only present for messages sent by another one of the user's own devices.
	DeviceSentMeta *DeviceSentMeta
}

// SourceString returns a string identifying where the message came from, for logging.
func (info *MessageInfo) SourceString() string {
	var deviceSuffix string
	if info.DeviceSentMeta != nil {
		deviceSuffix = " (deviceSent)"
	}
	return info.Chat.String() + "/" + info.Sender.String() + deviceSuffix
}
