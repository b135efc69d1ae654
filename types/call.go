package types

import "time"

// BasicCallMeta contains the basic metadata common to all call events.
type BasicCallMeta struct {
	From        JID
	Timestamp   time.Time
	CallCreator JID
	CallID      string
}

// CallRemoteMeta contains information about the platform/version of the caller, included in some call events.
type CallRemoteMeta struct {
	RemotePlatform string
	RemoteVersion  string
}
