package wacore

import (
	"fmt"
	"sync"
	"time"

	waBinary "github.com/lattice-chat/wacore/binary"
	"github.com/lattice-chat/wacore/types"
)

// usyncCacheTTL bounds how long a user's resolved device list is trusted
// before getUSyncDevices re-queries the server, per spec §4.F.
const usyncCacheTTL = 5 * time.Minute

type usyncCacheEntry struct {
	devices []types.JID
	fetched time.Time
}

// usyncFetchTimes wraps the plain *xsync.MapOf[types.JID, []types.JID]
// Client.userDevicesCache with a fetch timestamp, using a secondary map
// keyed the same way since xsync.MapOf doesn't carry TTL natively (mirrors
// store/cache.go's own approach of pairing a TTL field alongside the
// cached value rather than a separate expiring-cache type).
var usyncFetchTimes sync.Map

// getUSyncDevices resolves the full set of devices for every user in jids,
// via a single batched <usync> IQ. Results are cached per-user for
// usyncCacheTTL unless useCache is false. ignoreZeroDevices drops entries
// for device 0 (the primary/phone device already implied by a bare JID)
// from devices discovered via usync, keeping only devices that explicitly
// advertised themselves.
func (cli *Client) getUSyncDevices(jids []types.JID, useCache, ignoreZeroDevices bool) ([]types.JID, error) {
	var devices []types.JID
	var toFetch []types.JID

	if useCache {
		now := time.Now()
		for _, jid := range jids {
			plain := jid.ToNonAD()
			if cached, ok := cli.userDevicesCache.Load(plain); ok {
				if fetchedAt, ok := usyncFetchTimes.Load(plain); ok && now.Sub(fetchedAt.(time.Time)) < usyncCacheTTL {
					devices = append(devices, cached...)
					continue
				}
			}
			toFetch = append(toFetch, plain)
		}
	} else {
		for _, jid := range jids {
			toFetch = append(toFetch, jid.ToNonAD())
		}
	}
	if len(toFetch) == 0 {
		return devices, nil
	}

	userList := make([]waBinary.Node, len(toFetch))
	for i, jid := range toFetch {
		userList[i] = waBinary.Node{Tag: "user", Attrs: waBinary.Attrs{"jid": jid}}
	}

	resp, err := cli.sendIQ(infoQuery{
		Namespace: "usync",
		Type:      iqGet,
		To:        types.ServerJID,
		Content: []waBinary.Node{{
			Tag: "usync",
			Attrs: waBinary.Attrs{
				"sid":     cli.generateRequestID(),
				"mode":    "query",
				"last":    "true",
				"index":   "0",
				"context": "message",
			},
			Content: []waBinary.Node{
				{Tag: "query", Content: []waBinary.Node{
					{Tag: "devices", Attrs: waBinary.Attrs{"version": "2"}},
				}},
				{Tag: "list", Content: userList},
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send usync query: %w", err)
	}

	usyncNode := resp.GetChildByTag("usync")
	if usyncNode.Tag != "usync" {
		return nil, fmt.Errorf("unexpected children in response to usync query")
	}
	listNode := usyncNode.GetChildByTag("list")
	if listNode.Tag != "list" {
		return nil, fmt.Errorf("usync response missing user list")
	}

	ownID := cli.getOwnJID().ToNonAD()
	now := time.Now()
	for _, userNode := range listNode.GetChildrenByTag("user") {
		uag := userNode.AttrGetter()
		plain := uag.JID("jid").ToNonAD()
		if !uag.OK() {
			continue
		}
		userDevices := extractDeviceJids(plain, userNode, ownID, ignoreZeroDevices)
		cli.userDevicesCache.Store(plain, userDevices)
		usyncFetchTimes.Store(plain, now)
		devices = append(devices, userDevices...)
	}
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	return devices, nil
}

// extractDeviceJids reads the <devices><device-list> children of a usync
// <user> node, applying the filter spec §4.F names: drop device 0 when
// ignoreZeroDevices is set, drop the requester's own device, and for any
// other non-zero device require a non-empty key-index (a device that
// hasn't uploaded identity keys yet can't receive pairwise-encrypted
// fan-out).
func extractDeviceJids(user types.JID, userNode waBinary.Node, ownID types.JID, ignoreZeroDevices bool) []types.JID {
	devicesNode := userNode.GetChildByTag("devices")
	if devicesNode.Tag != "devices" {
		return nil
	}
	deviceList := devicesNode.GetChildByTag("device-list")
	if deviceList.Tag != "device-list" {
		return nil
	}
	var out []types.JID
	for _, deviceNode := range deviceList.GetChildrenByTag("device") {
		dag := deviceNode.AttrGetter()
		deviceID := dag.Int("id")
		if !dag.OK() {
			continue
		}
		if deviceID == 0 {
			if ignoreZeroDevices {
				continue
			}
		} else if dag.OptionalString("key-index") == "" {
			continue
		}
		jid := types.JID{User: user.User, Device: uint16(deviceID), Server: user.Server}
		if jid.User == ownID.User && jid.Device == ownID.Device {
			continue
		}
		out = append(out, jid)
	}
	return out
}
