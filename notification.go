package wacore

import (
	waBinary "github.com/lattice-chat/wacore/binary"
	"github.com/lattice-chat/wacore/types"
	"github.com/lattice-chat/wacore/types/events"
)

// handleNotification is the "notification" nodeHandler: it dispatches on
// the stanza's type attribute to one of the narrower handlers below, per
// spec §4's supplemented notification handling.
func (cli *Client) handleNotification(node *waBinary.Node) {
	go cli.sendAck(node)
	ag := node.AttrGetter()
	notifType := ag.String("type")
	if !ag.OK() {
		return
	}
	switch notifType {
	case "encrypt":
		cli.handleEncryptNotification(node)
	case "devices":
		cli.handleDeviceListNotification(node)
	case "picture":
		cli.handlePictureNotification(node)
	default:
		cli.Log.Debugf("Unhandled notification with type %s", notifType)
	}
}

// handleEncryptNotification reacts to the server's periodic one-time-prekey
// count report, replenishing the pool once it drops below minPreKeyCount,
// and to identity-change pushes when a contact's identity key rotates.
func (cli *Client) handleEncryptNotification(node *waBinary.Node) {
	from := node.AttrGetter().JID("from")
	if from == types.ServerJID {
		count := node.GetChildByTag("count")
		ag := count.AttrGetter()
		otksLeft := ag.Int("value")
		if !ag.OK() {
			cli.Log.Warnf("Didn't get number of OTKs left in encryption notification %s", node.XMLString())
			return
		}
		cli.Log.Debugf("Got prekey count from server: %d", otksLeft)
		if otksLeft < minPreKeyCount {
			if err := cli.uploadPreKeys(); err != nil {
				cli.Log.Errorf("Failed to upload more prekeys after server count notification: %v", err)
			}
		}
	} else if _, ok := node.GetOptionalChildByTag("identity"); ok {
		cli.Log.Debugf("Got identity change notification for %s", from)
		cli.dispatchEvent(&events.IdentityChange{JID: from, Timestamp: node.AttrGetter().UnixTime("t")})
	} else {
		cli.Log.Debugf("Got unknown encryption notification from server: %s", node.XMLString())
	}
}

// handleDeviceListNotification drops the cached device list for the
// notifying user so the next send re-queries it via usync, rather than
// trying to replay the add/remove diff against a hash it doesn't track.
func (cli *Client) handleDeviceListNotification(node *waBinary.Node) {
	from := node.AttrGetter().JID("from")
	if from.IsEmpty() {
		return
	}
	if _, ok := cli.userDevicesCache.Load(from); ok {
		cli.Log.Debugf("%s's device list changed, dropping cached devices", from)
		cli.userDevicesCache.Delete(from)
	}
}

// handlePictureNotification just logs; this module doesn't expose a
// profile-picture event type, so there's nothing to dispatch yet.
func (cli *Client) handlePictureNotification(node *waBinary.Node) {
	ag := node.AttrGetter()
	jid := ag.OptionalJIDOrEmpty("from")
	cli.Log.Debugf("Received picture change notification for %s", jid)
}
