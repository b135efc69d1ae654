package types

// ContactInfo holds the locally known display names for a contact, as
// populated from push names seen on incoming messages and from contact
// sync/app-state mutations.
type ContactInfo struct {
	Found bool

	FirstName    string
	FullName     string
	PushName     string
	BusinessName string
}

// LocalChatSettings holds the user's local (client-only, not synced to the
// phone) preferences for a chat: mute/pin/archive state.
type LocalChatSettings struct {
	Found bool

	MutedUntil int64
	Pinned     bool
	Archived   bool
}
