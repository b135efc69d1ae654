package wacore

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.mau.fi/util/random"

	waBinary "github.com/lattice-chat/wacore/binary"
	"github.com/lattice-chat/wacore/types"
)

// infoQueryType is the `type` attribute of an <iq> stanza.
type infoQueryType string

const (
	iqSet    infoQueryType = "set"
	iqGet    infoQueryType = "get"
	iqResult infoQueryType = "result"
	iqError  infoQueryType = "error"
)

// defaultRequestTimeout bounds how long sendIQ waits for a matching
// response before returning ErrIQTimedOut (spec §4.E).
const defaultRequestTimeout = 75 * time.Second

// xmlStreamEndNode is delivered to every pending response waiter when the
// socket disconnects, so blocked sendIQ calls unblock with ErrIQDisconnected
// instead of hanging until their timeout.
var xmlStreamEndNode = &waBinary.Node{Tag: "xmlstreamend"}

// infoQuery describes one outgoing <iq> request: its namespace/type/target
// plus content, and optionally a caller-supplied context and id.
type infoQuery struct {
	Namespace string
	Type      infoQueryType
	To        types.JID
	Target    types.JID
	ID        string
	Content   interface{}
	Timeout   time.Duration
	Context   context.Context
}

// generateRequestID returns a stanza id unique within this Client's
// lifetime, scoped by a per-client prefix so ids from concurrent Clients
// sharing a process never collide.
func (cli *Client) generateRequestID() string {
	return cli.uniqueID + strconv.FormatUint(uint64(atomic.AddUint32(&cli.idCounter, 1)), 10)
}

// sendIQ sends query and blocks until a response with the same stanza id
// arrives, the context/timeout expires, or the socket disconnects.
func (cli *Client) sendIQ(query infoQuery) (*waBinary.Node, error) {
	id := query.ID
	if id == "" {
		id = cli.generateRequestID()
	}
	waiter := make(chan *waBinary.Node, 1)
	cli.responseWaiters.Store(id, waiter)
	defer cli.responseWaiters.Delete(id)

	attrs := waBinary.Attrs{
		"id":    id,
		"xmlns": query.Namespace,
		"type":  string(query.Type),
	}
	if !query.To.IsEmpty() {
		attrs["to"] = query.To
	}
	if !query.Target.IsEmpty() {
		attrs["target"] = query.Target
	}
	if err := cli.sendNode(waBinary.Node{Tag: "iq", Attrs: attrs, Content: query.Content}); err != nil {
		return nil, fmt.Errorf("failed to send IQ: %w", err)
	}

	timeout := query.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	ctx := query.Context
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case resp := <-waiter:
		if resp == xmlStreamEndNode {
			return nil, ErrIQDisconnected
		}
		return cli.parseIQResponse(resp)
	case <-time.After(timeout):
		return nil, ErrIQTimedOut
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (cli *Client) parseIQResponse(resp *waBinary.Node) (*waBinary.Node, error) {
	if errorNode, ok := resp.GetOptionalChildByTag("error"); ok {
		return nil, parseIQError(errorNode)
	}
	return resp, nil
}

func parseIQError(errorNode waBinary.Node) error {
	ag := errorNode.AttrGetter()
	code := ag.OptionalInt("code")
	text := ag.OptionalString("text")
	return &ServerErrorResponse{Code: code, Text: text}
}

// receiveResponse routes an inbound stanza to its pending sendIQ waiter, if
// node's id matches one (its tag is not checked), and reports whether it
// found and delivered to one.
func (cli *Client) receiveResponse(node *waBinary.Node) bool {
	id, ok := node.Attrs["id"].(string)
	if !ok {
		return false
	}
	waiter, ok := cli.responseWaiters.Load(id)
	if !ok {
		return false
	}
	waiter <- node
	cli.responseWaiters.Delete(id)
	return true
}

// clearResponseWaiters delivers sentinel to every still-pending sendIQ
// waiter, unblocking them with ErrIQDisconnected instead of leaving them to
// time out on a socket that's already gone.
func (cli *Client) clearResponseWaiters(sentinel *waBinary.Node) {
	cli.responseWaiters.Range(func(id string, waiter chan<- *waBinary.Node) bool {
		waiter <- sentinel
		cli.responseWaiters.Delete(id)
		return true
	})
}

// assertNodeErrorFree returns a *ServerErrorResponse if node has an <error>
// child, nil otherwise. Used by callers of sendIQ's raw *waBinary.Node that
// want the same error-extraction sendIQ itself applies without going
// through the full response-waiting machinery (e.g. ack parsing).
func assertNodeErrorFree(node *waBinary.Node) error {
	if errorNode, ok := node.GetOptionalChildByTag("error"); ok {
		return parseIQError(errorNode)
	}
	return nil
}
