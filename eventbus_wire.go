package wacore

import (
	"time"

	"github.com/lattice-chat/wacore/internal/eventbus"
	"github.com/lattice-chat/wacore/types/events"
)

// defaultBusFlushInterval is how often the internal event bus (component
// H) batches and flushes published events to its own consumers, distinct
// from the synchronous AddEventHandler dispatch path.
const defaultBusFlushInterval = 100 * time.Millisecond

// eventBusChannel maps a dispatched event payload to the event-bus channel
// it belongs on, mirroring the category split spec §4.H's channel list
// draws between connection state, history, message upserts/updates,
// receipts, groups, contacts, calls and presence. Event types with no
// channel here (QR, PairError, ...) are delivered only to synchronous
// AddEventHandler listeners.
func eventBusChannel(evt interface{}) (string, bool) {
	switch evt.(type) {
	case *events.Connected, *events.Disconnected, *events.LoggedOut,
		*events.StreamError, *events.ConnectFailure, *events.ClientOutdated,
		*events.KeepAliveTimeout, *events.KeepAliveRestored:
		return eventbus.ChannelConnectionUpdate, true
	case *events.PairSuccess:
		return eventbus.ChannelCredsUpdate, true
	case *events.HistorySync:
		return eventbus.ChannelHistorySet, true
	case *events.Message, *events.UndecryptableMessage:
		return eventbus.ChannelMessagesUpsert, true
	case *events.Receipt:
		return eventbus.ChannelMessageReceiptUpdate, true
	case *events.GroupInfo:
		return eventbus.ChannelGroupsUpdate, true
	case *events.Presence, *events.ChatPresence:
		return eventbus.ChannelPresenceUpdate, true
	case *events.CallOffer, *events.CallOfferNotice, *events.CallRelayLatency,
		*events.CallAccept, *events.CallPreAccept, *events.CallTransport,
		*events.CallTerminate, *events.UnknownCallEvent:
		return eventbus.ChannelCall, true
	default:
		return "", false
	}
}
