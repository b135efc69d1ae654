package wacore

import (
	"context"
	"math/rand"
	"time"

	waBinary "github.com/lattice-chat/wacore/binary"
	"github.com/lattice-chat/wacore/types"
	"github.com/lattice-chat/wacore/types/events"
)

// keepAliveIntervalMin/Max bound the randomized interval between pings, so
// many clients reconnecting around the same time don't all ping in lockstep.
const (
	keepAliveIntervalMin = 20 * time.Second
	keepAliveIntervalMax = 30 * time.Second
)

// keepAliveMaxFailures is how many consecutive ping failures trigger
// events.KeepAliveTimeout and a disconnect.
const keepAliveMaxFailures = 4

// keepAliveLoop pings the server periodically for as long as ctx is alive
// (ctx is the socket's own context, so it ends when the socket does),
// disconnecting after too many consecutive failures so the caller's
// reconnect logic can take over.
func (cli *Client) keepAliveLoop(ctx context.Context) {
	errorCount := 0
	for {
		interval := keepAliveIntervalMin + time.Duration(rand.Int63n(int64(keepAliveIntervalMax-keepAliveIntervalMin)))
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}
		if !cli.sendKeepAlive(ctx) {
			errorCount++
			cli.Log.Debugf("Keepalive ping failed (%d consecutive failures)", errorCount)
			if errorCount >= keepAliveMaxFailures {
				cli.dispatchEvent(&events.KeepAliveTimeout{ErrorCount: errorCount, LastSuccess: cli.lastSuccessfulKeepAlive})
				go cli.Disconnect()
				return
			}
		} else {
			if errorCount > 0 {
				cli.dispatchEvent(&events.KeepAliveRestored{})
			}
			errorCount = 0
			cli.lastSuccessfulKeepAlive = time.Now()
		}
	}
}

// sendKeepAlive sends the <ping/> IQ the server expects to keep the
// websocket from being treated as stale, reporting whether it got an
// uncancelled response back.
func (cli *Client) sendKeepAlive(ctx context.Context) bool {
	_, err := cli.sendIQ(infoQuery{
		Namespace: "w:p",
		Type:      iqGet,
		To:        types.ServerJID,
		Content:   []waBinary.Node{{Tag: "ping"}},
		Context:   ctx,
		Timeout:   10 * time.Second,
	})
	if err != nil {
		cli.Log.Warnf("Keepalive ping failed: %v", err)
		return false
	}
	return true
}
