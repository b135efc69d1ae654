// Package types contains some types used in the WhatsApp web API.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// JID server identifiers.
const (
	DefaultUserServer = "s.whatsapp.net"
	GroupServer       = "g.us"
	LegacyUserServer  = "c.us"
	BroadcastServer   = "broadcast"
	HiddenUserServer  = "lid"
	MessengerServer   = "msgr"
	InteropServer     = "interop"
	NewsletterServer  = "newsletter"
	HostedServer      = "hosted"
)

// Some JIDs that are contacted often.
var (
	EmptyJID       = JID{}
	GroupServerJID = NewJID("", GroupServer)
	ServerJID      = NewJID("", DefaultUserServer)
	BroadcastServerJID = NewJID("", BroadcastServer)
	StatusBroadcastJID = NewJID("status", BroadcastServer)
	PSAJID             = NewJID("0", LegacyUserServer)
)

// MessageID is the internal ID of a WhatsApp message.
type MessageID = string

// JID represents a WhatsApp user ID.
//
// There are two types of JIDs: regular JID pairs (user and server) and AD-JIDs
// (user, agent, device and server).
type JID struct {
	User   string
	RawAgent uint8
	Device   uint16
	Integrator uint16
	Server   string

	// AD is true if this JID is an AD-JID (it has a device part).
	AD bool
}

// NewJID creates a new regular JID.
func NewJID(user, server string) JID {
	return JID{User: user, Server: server}
}

// NewADJID creates a new AD-JID.
func NewADJID(user string, agent, device uint8) JID {
	return JID{User: user, RawAgent: agent, Device: uint16(device), Server: DefaultUserServer, AD: true}
}

// ToNonAD converts the JID to a non-AD JID, i.e. a JID without the device part (and agent if not hidden user).
func (jid JID) ToNonAD() JID {
	return JID{User: jid.User, Server: jid.Server}
}

// String converts the JID to a string representation, either user@server or user.device@server (or user:agent@server).
func (jid JID) String() string {
	if jid.AD {
		if jid.RawAgent == 0 {
			return fmt.Sprintf("%s.%d:%d@%s", jid.User, jid.Device, jid.Integrator, jid.Server)
		}
		return fmt.Sprintf("%s.%d:%d:%d@%s", jid.User, jid.RawAgent, jid.Device, jid.Integrator, jid.Server)
	} else if jid.Device > 0 {
		return fmt.Sprintf("%s:%d@%s", jid.User, jid.Device, jid.Server)
	} else if len(jid.User) > 0 {
		return fmt.Sprintf("%s@%s", jid.User, jid.Server)
	}
	return jid.Server
}

// SignalAddress returns the Signal protocol address for the user in this JID.
func (jid JID) SignalAddress() string {
	user := jid.User
	if jid.Device > 0 {
		user = fmt.Sprintf("%s.%d", jid.User, jid.Device)
	} else {
		user = fmt.Sprintf("%s.0", jid.User)
	}
	return user
}

// IsEmpty returns true if the JID has no server (which is required for all JIDs).
func (jid JID) IsEmpty() bool {
	return len(jid.Server) == 0
}

// IsBroadcastList returns true if the JID is a broadcast list (including status broadcast).
func (jid JID) IsBroadcastList() bool {
	return jid.Server == BroadcastServer
}

// ParseJID parses a JID out of the given string. It supports both the user.device@server / user:agent@server
// AD forms and the plain user@server form.
func ParseJID(jid string) (JID, error) {
	if jid == "" {
		return JID{}, fmt.Errorf("cannot parse empty JID")
	}
	parts := strings.SplitN(jid, "@", 2)
	if len(parts) != 2 {
		return NewJID(jid, DefaultUserServer), nil
	}
	return parseJIDUser(parts[0], parts[1])
}

func parseJIDUser(user, server string) (JID, error) {
	if dotIdx := strings.Index(user, "."); dotIdx >= 0 {
		device, err := strconv.ParseUint(user[dotIdx+1:], 10, 16)
		if err != nil {
			return JID{}, fmt.Errorf("failed to parse device from JID: %w", err)
		}
		return JID{User: user[:dotIdx], Device: uint16(device), Server: server, AD: true}, nil
	} else if colonIdx := strings.Index(user, ":"); colonIdx >= 0 {
		device, err := strconv.ParseUint(user[colonIdx+1:], 10, 16)
		if err != nil {
			return JID{}, fmt.Errorf("failed to parse device from JID: %w", err)
		}
		return JID{User: user[:colonIdx], Device: uint16(device), Server: server}, nil
	}
	return NewJID(user, server), nil
}

// ADString returns the Agent-Device representation of the JID used on the wire.
func (jid JID) ADString() string {
	return jid.String()
}
