package wacore

import (
	"fmt"

	waBinary "github.com/lattice-chat/wacore/binary"
	"github.com/lattice-chat/wacore/types"
	"github.com/lattice-chat/wacore/types/events"
)

// handleReceipt is the "receipt" nodeHandler: it parses the stanza into an
// events.Receipt and either routes it into the retry-receipt flow or
// dispatches it as-is, per spec §4's receipt handling.
func (cli *Client) handleReceipt(node *waBinary.Node) {
	receipt, err := cli.parseReceipt(node)
	if err != nil {
		cli.Log.Warnf("Failed to parse receipt: %v", err)
		return
	}
	go cli.sendAck(node)
	if receipt.Type == events.ReceiptTypeRetry {
		if err := cli.handleRetryReceipt(receipt, node); err != nil {
			cli.Log.Warnf("Failed to handle retry receipt for %v: %v", receipt.MessageIDs, err)
		}
	}
	cli.dispatchEvent(receipt)
}

func (cli *Client) parseReceipt(node *waBinary.Node) (*events.Receipt, error) {
	ag := node.AttrGetter()
	source, err := cli.parseMessageSource(node)
	if err != nil {
		return nil, err
	}
	receipt := &events.Receipt{
		MessageSource: source,
		Timestamp:     ag.UnixTime("t"),
		Type:          events.ReceiptType(ag.OptionalString("type")),
	}
	if !ag.OK() {
		return nil, ag.Error()
	}
	receipt.MessageIDs = append(receipt.MessageIDs, types.MessageID(ag.String("id")))
	if listTag, ok := node.GetOptionalChildByTag("list"); ok {
		for _, item := range listTag.GetChildrenByTag("item") {
			itemAg := item.AttrGetter()
			receipt.MessageIDs = append(receipt.MessageIDs, types.MessageID(itemAg.String("id")))
		}
	}
	if receipt.IsFromMe {
		receipt.MessageSender = receipt.Sender
	} else {
		receipt.MessageSender = receipt.Chat
	}
	return receipt, nil
}

// sendMessageReceipt acknowledges a successfully-decrypted inbound message,
// per spec §6's "sender" (own message echoed back) vs plain delivery
// receipt distinction.
func (cli *Client) sendMessageReceipt(info *types.MessageInfo) {
	attrs := waBinary.Attrs{
		"id": string(info.ID),
	}
	if info.IsFromMe {
		attrs["type"] = "sender"
	} else {
		attrs["type"] = "delivery"
	}
	if info.IsGroup {
		attrs["to"] = info.Chat
		attrs["participant"] = info.Sender
	} else {
		attrs["to"] = info.Sender
		if info.IsFromMe {
			attrs["recipient"] = info.Chat
		}
	}
	if err := cli.sendNode(waBinary.Node{Tag: "receipt", Attrs: attrs}); err != nil {
		cli.Log.Warnf("Failed to send receipt for %s: %v", info.ID, err)
	}
}

// ReceiptTarget names one message to acknowledge with sendReceipts: all ids
// batched into the same call must share the same chat/sender, since a
// receipt stanza carries a single `to`.
type ReceiptTarget struct {
	Chat   types.JID
	Sender types.JID
	ID     types.MessageID
}

// sendReceipts acknowledges keys with a single "receipt" stanza of the
// given type, batching every id after the first into a <list>, per
// spec §8's "sendReceipts(keys, type)" testable property.
func (cli *Client) sendReceipts(keys []ReceiptTarget, receiptType events.ReceiptType) error {
	if len(keys) == 0 {
		return nil
	}
	first := keys[0]
	attrs := waBinary.Attrs{
		"id": string(first.ID),
		"to": first.Chat,
	}
	if receiptType != events.ReceiptTypeDelivered {
		attrs["type"] = string(receiptType)
	}
	if !first.Sender.IsEmpty() && first.Sender != first.Chat {
		attrs["participant"] = first.Sender
	}
	var content []waBinary.Node
	if len(keys) > 1 {
		items := make([]waBinary.Node, len(keys)-1)
		for i, key := range keys[1:] {
			items[i] = waBinary.Node{Tag: "item", Attrs: waBinary.Attrs{"id": string(key.ID)}}
		}
		content = []waBinary.Node{{Tag: "list", Content: items}}
	}
	if err := cli.sendNode(waBinary.Node{Tag: "receipt", Attrs: attrs, Content: content}); err != nil {
		return fmt.Errorf("failed to send receipts: %w", err)
	}
	return nil
}
