// Copyright (c) 2021 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package wacore implements the connection, pairing and message-relay core
// of a WhatsApp-web multidevice client.
package wacore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.mau.fi/util/random"

	waBinary "github.com/lattice-chat/wacore/binary"
	"github.com/lattice-chat/wacore/internal/eventbus"
	"github.com/lattice-chat/wacore/keys"
	"github.com/lattice-chat/wacore/signalrepo"
	"github.com/lattice-chat/wacore/socket"
	"github.com/lattice-chat/wacore/store"
	"github.com/lattice-chat/wacore/types"
	"github.com/lattice-chat/wacore/types/events"
	waLog "github.com/lattice-chat/wacore/util/log"
	"github.com/lattice-chat/wacore/waproto"
)

// EventHandler is a function that can handle events emitted by a Client.
type EventHandler func(evt interface{})
type nodeHandler func(node *waBinary.Node)

var nextHandlerID uint32

type wrappedEventHandler struct {
	fn EventHandler
	id uint32
}

// Config holds connection-time options that aren't naturally a Client
// field (spec §6's options table).
type Config struct {
	Version                        [3]int
	GenerateHighQualityLinkPreview bool
}

// Client contains everything necessary to connect to and interact with
// the WhatsApp web multidevice API. The fields mirror the shape spec §6
// describes: connection state, per-class send policy toggles, and the
// caches/queues backing components C through I.
type Client struct {
	Store   *store.Device
	Log     waLog.Logger
	recvLog waLog.Logger
	sendLog waLog.Logger
	Config  Config
	signal  *signalrepo.Repository

	socket     *socket.NoiseSocket
	socketLock xsync.RBMutex
	socketWait chan struct{}

	isLoggedIn            uint32
	expectedDisconnectVal uint32
	EnableAutoReconnect   bool
	LastSuccessfulConnect time.Time
	AutoReconnectErrors   int
	// AutoReconnectHook is called when auto-reconnection fails. If it
	// returns false, the client stops retrying.
	AutoReconnectHook func(error) bool

	bus *eventbus.Bus
	// BusFlushInterval controls how often the internal event bus (component
	// H) flushes batched events to its own consumers. It is independent of
	// the synchronous AddEventHandler dispatch, which runs inline.
	BusFlushInterval time.Duration

	uploadPreKeysLock sync.Mutex
	lastPreKeyUpload  time.Time

	mediaConnCache *MediaConn
	mediaConnLock  sync.Mutex

	responseWaiters *xsync.MapOf[string, chan<- *waBinary.Node]

	nodeHandlers      *xsync.MapOf[string, nodeHandler]
	handlerQueue      chan *waBinary.Node
	eventHandlers     []wrappedEventHandler
	eventHandlersLock xsync.RBMutex

	messageRetries *xsync.MapOf[string, int]

	incomingRetryRequestCounter *xsync.MapOf[incomingRetryKey, int]

	groupParticipantsCache *xsync.MapOf[types.JID, []types.JID]
	userDevicesCache       *xsync.MapOf[types.JID, []types.JID]

	// activeCalls tracks in-flight call offers by call-id so a later
	// <call><terminate/> or RejectCall can be matched back to the offer's
	// creator without the caller having to carry that state itself.
	activeCalls *xsync.MapOf[string, activeCallMeta]

	// senderKeyMemory tracks, per group/status-broadcast JID, which
	// devices have already received this client's sender-key via a
	// skmsg's companion pkmsg/msg SKDM recipient (spec §4.G step 6).
	senderKeyMemory *xsync.MapOf[types.JID, *xsync.MapOf[types.JID, bool]]

	recentMessagesMap  *xsync.MapOf[recentMessageKey, *waproto.Message]
	recentMessagesList [recentMessagesSize]recentMessageKey
	recentMessagesPtr  int
	recentMessagesLock sync.Mutex

	sessionRecreateHistory *xsync.MapOf[types.JID, time.Time]

	// lastSuccessfulKeepAlive is the last time keepAliveLoop's ping
	// succeeded, reported on events.KeepAliveTimeout.
	lastSuccessfulKeepAlive time.Time
	// GetMessageForRetry finds the source message for a retry receipt
	// when it's fallen out of the recent-message cache.
	GetMessageForRetry func(requester, to types.JID, id types.MessageID) *waproto.Message
	// PreRetryCallback is called before a retry receipt is accepted; if
	// it returns false the retry is ignored.
	PreRetryCallback func(receipt *events.Receipt, id types.MessageID, retryCount int, msg *waproto.Message) bool

	// PrePairCallback is called before pairing completes. Returning
	// false cancels pairing and disconnects.
	PrePairCallback func(jid types.JID, platform, businessName string) bool

	// AutoTrustIdentity is not read by any code in this package: decrypt
	// failures are handled the same way whatever its value, and stored
	// identities and Signal sessions are not cleared on an identity
	// mismatch. events.IdentityChange comes only from the server's identity
	// notifications (handleEncryptNotification).
	AutoTrustIdentity bool

	// DontSendSelfBroadcast skips the sending device's own other devices
	// when relaying a status broadcast.
	DontSendSelfBroadcast bool

	// PatchMessageBeforeSending lets a caller rewrite the outgoing message
	// (e.g. to inline a bot-context participant list) once relayMessage
	// has resolved the final recipient device set but before it encrypts
	// per-device. Returning the message unchanged is the default.
	PatchMessageBeforeSending func(msg *waproto.Message, toJIDs []types.JID) *waproto.Message

	// ErrorOnSubscribePresenceWithoutToken is not read by any code in this
	// package, which has no presence-subscription method for it to affect.
	ErrorOnSubscribePresenceWithoutToken bool

	uniqueID  string
	idCounter uint32

	proxy socket.Proxy
	http  *http.Client
}

// handlerQueueSize bounds the channel every incoming node passes through
// before its nodeHandler runs (spec §4.E/G dispatch path).
const handlerQueueSize = 2048

// NewClient initializes a new WhatsApp web client. log may be nil, in
// which case it defaults to a no-op logger.
func NewClient(deviceStore *store.Device, log waLog.Logger) *Client {
	if log == nil {
		log = waLog.Noop
	}
	uniqueIDPrefix := random.Bytes(2)
	cli := &Client{
		http: &http.Client{
			Transport: (http.DefaultTransport.(*http.Transport)).Clone(),
		},
		proxy:           http.ProxyFromEnvironment,
		Store:           deviceStore,
		signal:          signalrepo.New(deviceStore),
		Log:             log,
		recvLog:         log.Sub("Recv"),
		sendLog:         log.Sub("Send"),
		uniqueID:        fmt.Sprintf("%d.%d-", uniqueIDPrefix[0], uniqueIDPrefix[1]),
		responseWaiters: xsync.NewMapOf[string, chan<- *waBinary.Node](),
		eventHandlers:   make([]wrappedEventHandler, 0, 1),
		messageRetries:  xsync.NewMapOf[string, int](),
		nodeHandlers:    xsync.NewMapOfPresized[string, nodeHandler](11),
		handlerQueue:    make(chan *waBinary.Node, handlerQueueSize),
		socketWait:      make(chan struct{}),
		bus:             eventbus.New(defaultBusFlushInterval),

		BusFlushInterval: defaultBusFlushInterval,

		incomingRetryRequestCounter: xsync.NewMapOf[incomingRetryKey, int](),

		groupParticipantsCache: xsync.NewMapOf[types.JID, []types.JID](),
		userDevicesCache:       xsync.NewMapOf[types.JID, []types.JID](),
		activeCalls:            xsync.NewMapOf[string, activeCallMeta](),
		senderKeyMemory:        xsync.NewMapOf[types.JID, *xsync.MapOf[types.JID, bool]](),

		recentMessagesMap:      xsync.NewMapOfPresized[recentMessageKey, *waproto.Message](recentMessagesSize),
		sessionRecreateHistory: xsync.NewMapOf[types.JID, time.Time](),
		GetMessageForRetry:     func(requester, to types.JID, id types.MessageID) *waproto.Message { return nil },

		EnableAutoReconnect:   true,
		AutoTrustIdentity:     true,
		DontSendSelfBroadcast: true,
		PatchMessageBeforeSending: func(msg *waproto.Message, toJIDs []types.JID) *waproto.Message {
			return msg
		},
	}
	cli.nodeHandlers.Store("message", cli.handleEncryptedMessage)
	cli.nodeHandlers.Store("receipt", cli.handleReceipt)
	cli.nodeHandlers.Store("call", cli.handleCallEvent)
	cli.nodeHandlers.Store("notification", cli.handleNotification)
	cli.nodeHandlers.Store("success", cli.handleConnectSuccess)
	cli.nodeHandlers.Store("failure", cli.handleConnectFailure)
	cli.nodeHandlers.Store("stream:error", cli.handleStreamError)
	cli.nodeHandlers.Store("iq", cli.handleIQ)
	cli.bus.Start()
	return cli
}

// SetProxyAddress parses addr and calls SetProxy with the result.
func (cli *Client) SetProxyAddress(addr string) error {
	parsed, err := url.Parse(addr)
	if err != nil {
		return err
	}
	cli.SetProxy(http.ProxyURL(parsed))
	return nil
}

// SetProxy sets the proxy used for the websocket connection and media
// transfers. Must be called before Connect to affect the websocket dial.
func (cli *Client) SetProxy(proxy socket.Proxy) {
	cli.proxy = proxy
	cli.http.Transport.(*http.Transport).Proxy = proxy
}

func (cli *Client) getSocketWaitChan() <-chan struct{} {
	t := cli.socketLock.RLock()
	ch := cli.socketWait
	cli.socketLock.RUnlock(t)
	return ch
}

func (cli *Client) closeSocketWaitChan() {
	cli.socketLock.Lock()
	close(cli.socketWait)
	cli.socketWait = make(chan struct{})
	cli.socketLock.Unlock()
}

func (cli *Client) getOwnJID() types.JID {
	return cli.Store.GetJID()
}

// WaitForConnection blocks until the socket is connected and logged in,
// or timeout elapses.
func (cli *Client) WaitForConnection(timeout time.Duration) bool {
	timeoutChan := time.After(timeout)
	t := cli.socketLock.RLock()
	for cli.socket == nil || !cli.socket.IsConnected() || !cli.IsLoggedIn() {
		ch := cli.socketWait
		cli.socketLock.RUnlock(t)
		select {
		case <-ch:
		case <-timeoutChan:
			return false
		}
		t = cli.socketLock.RLock()
	}
	cli.socketLock.RUnlock(t)
	return true
}

// Connect dials the WhatsApp web websocket. After connecting it either
// authenticates (device store already has credentials) or starts emitting
// events.QR for a new pairing.
func (cli *Client) Connect() error {
	cli.socketLock.Lock()
	defer cli.socketLock.Unlock()
	if cli.socket != nil {
		if !cli.socket.IsConnected() {
			cli.unlockedDisconnect()
		} else {
			return ErrAlreadyConnected
		}
	}

	cli.resetExpectedDisconnect()
	fs := socket.NewFrameSocket(cli.Log.Sub("Socket"), socket.WAConnHeader, cli.proxy)
	if err := fs.Connect(); err != nil {
		fs.Close(0)
		return err
	} else if err = cli.doHandshake(fs, *keys.NewKeyPair()); err != nil {
		fs.Close(0)
		return fmt.Errorf("noise handshake failed: %w", err)
	}
	go cli.keepAliveLoop(cli.socket.Context())
	go cli.handlerQueueLoop(cli.socket.Context())
	ns := cli.socket
	go func() {
		<-ns.Context().Done()
		cli.onDisconnect(ns, true)
	}()
	return nil
}

// IsLoggedIn returns true once the post-handshake login exchange has
// completed for a previously-paired device.
func (cli *Client) IsLoggedIn() bool {
	return atomic.LoadUint32(&cli.isLoggedIn) == 1
}

func (cli *Client) onDisconnect(ns *socket.NoiseSocket, remote bool) {
	ns.Stop(0)
	cli.socketLock.Lock()
	defer cli.socketLock.Unlock()
	if cli.socket == ns {
		cli.socket = nil
		cli.clearResponseWaiters(xmlStreamEndNode)
		if !cli.isExpectedDisconnect() && remote {
			cli.Log.Debugf("Emitting Disconnected event")
			go cli.dispatchEvent(&events.Disconnected{})
			go cli.autoReconnect()
		} else if remote {
			cli.Log.Debugf("OnDisconnect() called, but it was expected, so not emitting event")
		} else {
			cli.Log.Debugf("OnDisconnect() called after manual disconnection")
		}
	} else {
		cli.Log.Debugf("Ignoring OnDisconnect on different socket")
	}
}

func (cli *Client) expectDisconnect() {
	atomic.StoreUint32(&cli.expectedDisconnectVal, 1)
}

func (cli *Client) resetExpectedDisconnect() {
	atomic.StoreUint32(&cli.expectedDisconnectVal, 0)
}

func (cli *Client) isExpectedDisconnect() bool {
	return atomic.LoadUint32(&cli.expectedDisconnectVal) == 1
}

func (cli *Client) autoReconnect() {
	if !cli.EnableAutoReconnect || cli.Store.ID == nil {
		return
	}
	for {
		autoReconnectDelay := time.Duration(cli.AutoReconnectErrors) * 2 * time.Second
		cli.Log.Debugf("Automatically reconnecting after %v", autoReconnectDelay)
		cli.AutoReconnectErrors++
		time.Sleep(autoReconnectDelay)
		err := cli.Connect()
		if errors.Is(err, ErrAlreadyConnected) {
			cli.Log.Debugf("Connect() said we're already connected after autoreconnect sleep")
			return
		} else if err != nil {
			cli.Log.Errorf("Error reconnecting after autoreconnect sleep: %v", err)
			if cli.AutoReconnectHook != nil && !cli.AutoReconnectHook(err) {
				cli.Log.Debugf("AutoReconnectHook returned false, not reconnecting")
				return
			}
		} else {
			return
		}
	}
}

// IsConnected reports whether the websocket is connected. It does not
// imply IsLoggedIn.
func (cli *Client) IsConnected() bool {
	t := cli.socketLock.RLock()
	connected := cli.socket != nil && cli.socket.IsConnected()
	cli.socketLock.RUnlock(t)
	return connected
}

// Disconnect closes the websocket connection. It does not emit
// events.Disconnected; that's reserved for server/network-initiated drops.
func (cli *Client) Disconnect() {
	if cli.socket == nil {
		return
	}
	cli.socketLock.Lock()
	cli.unlockedDisconnect()
	cli.socketLock.Unlock()
}

func (cli *Client) unlockedDisconnect() {
	if cli.socket != nil {
		cli.socket.Stop(1000) // websocket normal-closure status
		cli.socket = nil
		cli.clearResponseWaiters(xmlStreamEndNode)
	}
}

// Logout unlinks the device from the server, disconnects, and clears the
// local device store. If the unlink request fails, neither disconnection
// nor store deletion happens.
func (cli *Client) Logout() error {
	ownID := cli.getOwnJID()
	if ownID.IsEmpty() {
		return ErrNotLoggedIn
	}
	_, err := cli.sendIQ(infoQuery{
		Namespace: "md",
		Type:      iqSet,
		To:        types.ServerJID,
		Content: []waBinary.Node{{
			Tag: "remove-companion-device",
			Attrs: waBinary.Attrs{
				"jid":    ownID,
				"reason": "user_initiated",
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("error sending logout request: %w", err)
	}
	cli.Disconnect()
	return cli.Store.Delete()
}

// AddEventHandler registers handler to receive every event this Client
// emits. The returned ID can be passed to RemoveEventHandler.
func (cli *Client) AddEventHandler(handler EventHandler) uint32 {
	nextID := atomic.AddUint32(&nextHandlerID, 1)
	cli.eventHandlersLock.Lock()
	cli.eventHandlers = append(cli.eventHandlers, wrappedEventHandler{handler, nextID})
	cli.eventHandlersLock.Unlock()
	return nextID
}

// RemoveEventHandler removes a previously registered handler by ID.
//
// Do not call this directly from within an event handler; dispatchEvent
// holds a read lock on the handler list for the duration of dispatch.
// Call it from a goroutine instead.
func (cli *Client) RemoveEventHandler(id uint32) bool {
	cli.eventHandlersLock.Lock()
	defer cli.eventHandlersLock.Unlock()
	for index := range cli.eventHandlers {
		if cli.eventHandlers[index].id == id {
			if index == 0 {
				cli.eventHandlers[0].fn = nil
				cli.eventHandlers = cli.eventHandlers[1:]
				return true
			} else if index < len(cli.eventHandlers)-1 {
				copy(cli.eventHandlers[index:], cli.eventHandlers[index+1:])
			}
			cli.eventHandlers[len(cli.eventHandlers)-1].fn = nil
			cli.eventHandlers = cli.eventHandlers[:len(cli.eventHandlers)-1]
			return true
		}
	}
	return false
}

// RemoveEventHandlers removes every handler registered with AddEventHandler.
func (cli *Client) RemoveEventHandlers() {
	cli.eventHandlersLock.Lock()
	cli.eventHandlers = make([]wrappedEventHandler, 0, 1)
	cli.eventHandlersLock.Unlock()
}

func (cli *Client) handleFrame(data []byte) {
	decompressed, err := waBinary.Unpack(data)
	if err != nil {
		cli.Log.Warnf("Failed to decompress frame: %v", err)
		cli.Log.Debugf("Errored frame hex: %s", hex.EncodeToString(data))
		return
	}
	node, err := waBinary.Unmarshal(decompressed)
	if err != nil {
		cli.Log.Warnf("Failed to decode node in frame: %v", err)
		cli.Log.Debugf("Errored frame hex: %s", hex.EncodeToString(decompressed))
		return
	}
	cli.recvLog.Debugf("%s", node.XMLString())
	if node.Tag == "xmlstreamend" {
		if !cli.isExpectedDisconnect() {
			cli.Log.Warnf("Received stream end frame")
		}
	} else if cli.receiveResponse(node) {
		// handled by a pending IQ waiter
	} else if _, ok := cli.nodeHandlers.Load(node.Tag); ok {
		select {
		case cli.handlerQueue <- node:
		default:
			cli.Log.Warnf("Handler queue is full, message ordering is no longer guaranteed")
			go func() {
				cli.handlerQueue <- node
			}()
		}
	} else if node.Tag != "ack" {
		cli.Log.Debugf("Didn't handle node %s", node.Tag)
	}
}

func stopAndDrainTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

func (cli *Client) handlerQueueLoop(ctx context.Context) {
	timer := time.NewTimer(5 * time.Minute)
	stopAndDrainTimer(timer)
	cli.Log.Debugf("Starting handler queue loop")
	for {
		select {
		case node := <-cli.handlerQueue:
			doneChan := make(chan struct{}, 1)
			go func() {
				start := time.Now()
				f, ok := cli.nodeHandlers.Load(node.Tag)
				if ok {
					f(node)
				}
				duration := time.Since(start)
				doneChan <- struct{}{}
				if duration > 5*time.Second {
					cli.Log.Warnf("Node handling took %s for %s", duration, node.XMLString())
				}
			}()
			timer.Reset(5 * time.Minute)
			select {
			case <-doneChan:
				stopAndDrainTimer(timer)
			case <-timer.C:
				cli.Log.Warnf("Node handling is taking long for %s - continuing in background", node.XMLString())
			}
		case <-ctx.Done():
			cli.Log.Debugf("Closing handler queue loop")
			return
		}
	}
}

func (cli *Client) sendNodeAndGetData(node waBinary.Node) ([]byte, error) {
	t := cli.socketLock.RLock()
	sock := cli.socket
	cli.socketLock.RUnlock(t)
	if sock == nil {
		return nil, ErrNotConnected
	}

	payload, err := waBinary.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal node: %w", err)
	}

	cli.sendLog.Debugf("%s", node.XMLString())
	return payload, sock.SendFrame(payload)
}

func (cli *Client) sendNode(node waBinary.Node) error {
	_, err := cli.sendNodeAndGetData(node)
	return err
}

// sendAck sends a generic <ack> in reply to an inbound stanza, per the
// same `id`/`to`/`class` echo the teacher uses for message/call/receipt acks.
func (cli *Client) sendAck(node *waBinary.Node) {
	attrs := waBinary.Attrs{
		"class": node.Tag,
		"id":    node.Attrs["id"],
	}
	if from, ok := node.Attrs["from"]; ok {
		attrs["to"] = from
	}
	if participant, ok := node.Attrs["participant"]; ok {
		attrs["participant"] = participant
	}
	if recipient, ok := node.Attrs["recipient"]; ok {
		attrs["recipient"] = recipient
	}
	if err := cli.sendNode(waBinary.Node{Tag: "ack", Attrs: attrs}); err != nil {
		cli.Log.Warnf("Failed to send acknowledgement for %s %s: %v", node.Tag, node.Attrs["id"], err)
	}
}

// dispatchEvent fans evt out to every handler registered with
// AddEventHandler and publishes it on the internal event bus (component H),
// recovering from a panicking handler so one bad listener can't take down
// the dispatch loop.
func (cli *Client) dispatchEvent(evt interface{}) {
	if channel, ok := eventBusChannel(evt); ok {
		cli.bus.Publish(channel, evt)
	}
	t := cli.eventHandlersLock.RLock()
	defer func() {
		cli.eventHandlersLock.RUnlock(t)
		err := recover()
		if err != nil {
			cli.Log.Errorf("Event handler panicked while handling a %T: %v\n%s", evt, err, debug.Stack())
		}
	}()
	for _, handler := range cli.eventHandlers {
		handler.fn(evt)
	}
}
