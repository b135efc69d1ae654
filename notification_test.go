package wacore

import (
	"testing"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/stretchr/testify/require"

	waBinary "github.com/lattice-chat/wacore/binary"
	"github.com/lattice-chat/wacore/types"
	waLog "github.com/lattice-chat/wacore/util/log"
)

func TestHandleDeviceListNotification_DropsCachedEntry(t *testing.T) {
	cli := &Client{Log: waLog.Noop, userDevicesCache: xsync.NewMapOf[types.JID, []types.JID]()}
	user := types.NewJID("123", types.DefaultUserServer)
	cli.userDevicesCache.Store(user, []types.JID{user})

	node := &waBinary.Node{Tag: "notification", Attrs: waBinary.Attrs{"from": user}}
	cli.handleDeviceListNotification(node)

	_, ok := cli.userDevicesCache.Load(user)
	require.False(t, ok)
}

func TestHandleDeviceListNotification_IgnoresMissingFrom(t *testing.T) {
	cli := &Client{Log: waLog.Noop, userDevicesCache: xsync.NewMapOf[types.JID, []types.JID]()}
	node := &waBinary.Node{Tag: "notification", Attrs: waBinary.Attrs{}}
	require.NotPanics(t, func() { cli.handleDeviceListNotification(node) })
}
