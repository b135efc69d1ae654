package wacore

import (
	"time"

	waBinary "github.com/lattice-chat/wacore/binary"
	"github.com/lattice-chat/wacore/types"
	"github.com/lattice-chat/wacore/types/events"
)

// activeCallMeta is what's remembered about an offered call between its
// <offer> and whatever eventually resolves it (<terminate>, or this
// client declining via RejectCall), so the resolution doesn't have to
// carry the creator JID around itself.
type activeCallMeta struct {
	creator types.JID
	from    types.JID
	started time.Time
}

// activeCallTTL bounds how long an unresolved offer is remembered; a call
// that never gets a terminate (the client went offline, the network ate
// the stanza) shouldn't pin memory forever.
const activeCallTTL = 2 * time.Hour

func (cli *Client) handleCallEvent(node *waBinary.Node) {
	go cli.sendAck(node)

	children := node.GetChildren()
	if len(children) != 1 {
		cli.dispatchEvent(&events.UnknownCallEvent{Node: node})
		return
	}
	ag := node.AttrGetter()
	child := children[0]
	cag := child.AttrGetter()
	basicMeta := types.BasicCallMeta{
		From:        ag.JID("from"),
		Timestamp:   ag.UnixTime("t"),
		CallCreator: cag.JID("call-creator"),
		CallID:      cag.String("call-id"),
	}
	cli.pruneActiveCalls()
	switch child.Tag {
	case "offer":
		cli.activeCalls.Store(basicMeta.CallID, activeCallMeta{
			creator: basicMeta.CallCreator,
			from:    basicMeta.From,
			started: time.Now(),
		})
		cli.dispatchEvent(&events.CallOffer{
			BasicCallMeta: basicMeta,
			CallRemoteMeta: types.CallRemoteMeta{
				RemotePlatform: ag.OptionalString("platform"),
				RemoteVersion:  ag.OptionalString("version"),
			},
			Data: &child,
		})
	case "offer_notice":
		cli.dispatchEvent(&events.CallOfferNotice{
			BasicCallMeta: basicMeta,
			Media:         cag.OptionalString("media"),
			Type:          cag.OptionalString("type"),
			Data:          &child,
		})
	case "relaylatency":
		cli.dispatchEvent(&events.CallRelayLatency{
			BasicCallMeta: basicMeta,
			Data:          &child,
		})
	case "accept":
		cli.dispatchEvent(&events.CallAccept{
			BasicCallMeta: basicMeta,
			CallRemoteMeta: types.CallRemoteMeta{
				RemotePlatform: ag.OptionalString("platform"),
				RemoteVersion:  ag.OptionalString("version"),
			},
			Data: &child,
		})
	case "preaccept":
		cli.dispatchEvent(&events.CallPreAccept{
			BasicCallMeta: basicMeta,
			CallRemoteMeta: types.CallRemoteMeta{
				RemotePlatform: ag.OptionalString("platform"),
				RemoteVersion:  ag.OptionalString("version"),
			},
			Data: &child,
		})
	case "transport":
		cli.dispatchEvent(&events.CallTransport{
			BasicCallMeta: basicMeta,
			CallRemoteMeta: types.CallRemoteMeta{
				RemotePlatform: ag.OptionalString("platform"),
				RemoteVersion:  ag.OptionalString("version"),
			},
			Data: &child,
		})
	case "terminate":
		cli.activeCalls.Delete(basicMeta.CallID)
		cli.dispatchEvent(&events.CallTerminate{
			BasicCallMeta: basicMeta,
			Reason:        cag.OptionalString("reason"),
			Data:          &child,
		})
	default:
		cli.dispatchEvent(&events.UnknownCallEvent{Node: node})
	}
}

// pruneActiveCalls drops offers that have outlived activeCallTTL without a
// terminate ever arriving.
func (cli *Client) pruneActiveCalls() {
	cutoff := time.Now().Add(-activeCallTTL)
	cli.activeCalls.Range(func(callID string, meta activeCallMeta) bool {
		if meta.started.Before(cutoff) {
			cli.activeCalls.Delete(callID)
		}
		return true
	})
}

// RejectCall sends a <call><reject/></call> stanza, declining an incoming
// call offer. If callFrom is empty, the creator recorded from the
// matching <offer> in activeCalls is used instead, so callers that only
// have a call-id (e.g. from events.CallOffer) don't need to thread
// the offering JID through separately.
func (cli *Client) RejectCall(callID string, callFrom types.JID, messageID types.MessageID) error {
	ownID := cli.getOwnJID()
	if ownID.IsEmpty() {
		return ErrNotLoggedIn
	}
	if callFrom.IsEmpty() {
		if meta, ok := cli.activeCalls.Load(callID); ok {
			callFrom = meta.creator
		}
	}
	if messageID == "" {
		messageID = GenerateMessageID()
	}
	ownID = ownID.ToNonAD()
	callFrom = callFrom.ToNonAD()

	err := cli.sendNode(waBinary.Node{
		Tag: "call",
		Attrs: waBinary.Attrs{
			"id":   messageID,
			"from": ownID,
			"to":   callFrom,
		},
		Content: []waBinary.Node{
			{
				Tag: "reject",
				Attrs: waBinary.Attrs{
					"call-id":      callID,
					"call-creator": callFrom,
					"count":        "0",
				},
			},
		},
	})
	if err == nil {
		cli.activeCalls.Delete(callID)
	}
	return err
}
