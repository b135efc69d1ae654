package wacore

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	waBinary "github.com/lattice-chat/wacore/binary"
	"github.com/lattice-chat/wacore/types"
	"github.com/lattice-chat/wacore/types/events"
	"github.com/lattice-chat/wacore/waproto"
)

// handleEncryptedMessage is the "message" nodeHandler: parses the stanza's
// metadata, then decrypts every <enc> child it carries, per spec §4.D/E.
func (cli *Client) handleEncryptedMessage(node *waBinary.Node) {
	info, err := cli.parseMessageInfo(node)
	if err != nil {
		cli.Log.Warnf("Failed to parse message: %v", err)
		return
	}
	if len(info.PushName) > 0 && info.PushName != "-" {
		go cli.updatePushName(info.Sender, info.PushName)
	}
	cli.decryptMessages(info, node)
}

func (cli *Client) parseMessageSource(node *waBinary.Node) (source types.MessageSource, err error) {
	ag := node.AttrGetter()
	from := ag.JID("from")
	if !ag.OK() {
		return source, fmt.Errorf("didn't find valid `from` attribute in message")
	}
	if from.Server == types.GroupServer || from.Server == types.BroadcastServer {
		source.IsGroup = true
		source.Chat = from
		source.Sender = ag.JID("participant")
		if !ag.OK() {
			return source, fmt.Errorf("didn't find valid `participant` attribute in group message")
		}
		if source.Sender.User == cli.Store.ID.User {
			source.IsFromMe = true
		}
		if from.Server == types.BroadcastServer {
			source.BroadcastListOwner = ag.OptionalJIDOrEmpty("recipient")
		}
	} else if from.User == cli.Store.ID.User {
		source.IsFromMe = true
		source.Sender = from
		recipient := ag.OptionalJIDOrEmpty("recipient")
		if recipient.IsEmpty() {
			source.Chat = from.ToNonAD()
		} else {
			source.Chat = recipient
		}
	} else {
		source.Chat = from.ToNonAD()
		source.Sender = from
	}
	return source, nil
}

func (cli *Client) parseMessageInfo(node *waBinary.Node) (*types.MessageInfo, error) {
	var info types.MessageInfo
	var err error
	info.MessageSource, err = cli.parseMessageSource(node)
	if err != nil {
		return nil, err
	}

	ag := node.AttrGetter()
	info.ID = types.MessageID(ag.String("id"))
	info.Timestamp = ag.UnixTime("t")
	if !ag.OK() {
		return nil, fmt.Errorf("missing id/t attribute in message")
	}
	info.PushName = ag.OptionalString("notify")
	info.Category = ag.OptionalString("category")
	return &info, nil
}

// decryptMessages walks node's <enc> children, decrypting each and handing
// the result to handleDecryptedMessage. An all-<unavailable> node or a
// decrypt failure triggers the retry-receipt flow (spec §7) instead.
func (cli *Client) decryptMessages(info *types.MessageInfo, node *waBinary.Node) {
	go cli.sendAck(node)
	children := node.GetChildren()
	if len(node.GetChildrenByTag("unavailable")) == len(children) {
		cli.Log.Warnf("Unavailable message %s from %s", info.ID, info.SourceString())
		go cli.sendRetryReceipt(node, info, true)
		cli.dispatchEvent(&events.UndecryptableMessage{Info: *info, IsUnavailable: true})
		return
	}

	handled := false
	for _, child := range children {
		if child.Tag != "enc" {
			continue
		}
		ag := child.AttrGetter()
		encType := ag.OptionalString("type")
		var decrypted []byte
		var err error
		switch {
		case encType == "pkmsg" || encType == "msg":
			decrypted, err = cli.decryptDM(&child, info.Sender, encType == "pkmsg")
		case info.IsGroup && encType == "skmsg":
			decrypted, err = cli.decryptGroupMsg(&child, info.Sender, info.Chat)
		default:
			cli.Log.Warnf("Unhandled encrypted message (type %s) from %s", encType, info.SourceString())
			continue
		}
		if err != nil {
			cli.Log.Warnf("Error decrypting message from %s: %v", info.SourceString(), err)
			go cli.sendRetryReceipt(node, info, false)
			cli.dispatchEvent(&events.UndecryptableMessage{Info: *info, IsUnavailable: false})
			return
		}

		msg := &waproto.Message{}
		if err = waproto.Unmarshal(decrypted, msg); err != nil {
			cli.Log.Warnf("Error unmarshaling decrypted message from %s: %v", info.SourceString(), err)
			continue
		}
		cli.handleDecryptedMessage(info, msg)
		handled = true
	}
	if handled {
		go cli.sendMessageReceipt(info)
	}
}

func (cli *Client) decryptDM(child *waBinary.Node, from types.JID, isPreKey bool) ([]byte, error) {
	content, _ := child.Content.([]byte)
	plaintext, err := cli.signal.DecryptMessage(from, content, isPreKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt direct message: %w", err)
	}
	return unpadMessage(plaintext)
}

func (cli *Client) decryptGroupMsg(child *waBinary.Node, from types.JID, chat types.JID) ([]byte, error) {
	content, _ := child.Content.([]byte)
	plaintext, err := cli.signal.DecryptGroupMessage(chat, from, content)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt group message: %w", err)
	}
	return unpadMessage(plaintext)
}

func (cli *Client) handleSenderKeyDistributionMessage(chat, from types.JID, rawSKDMsg *waproto.SenderKeyDistributionMessage) {
	if err := cli.signal.ProcessSenderKeyDistributionMessage(chat, from, rawSKDMsg.AxolotlSenderKeyDistributionMessage); err != nil {
		cli.Log.Errorf("Failed to process sender key distribution message from %s for %s: %v", from, chat, err)
		return
	}
	cli.Log.Debugf("Processed sender key distribution message from %s in %s", from, chat)
}

// handleHistorySyncNotification downloads and decompresses the blob notif
// points at, per spec §4's supplemented history-sync handling.
func (cli *Client) handleHistorySyncNotification(notif *waproto.HistorySyncNotification) {
	data, err := cli.downloadHistorySync(notif)
	if err != nil {
		cli.Log.Errorf("Failed to download history sync data: %v", err)
		return
	}
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		cli.Log.Errorf("Failed to create zlib reader for history sync data: %v", err)
		return
	}
	rawData, err := io.ReadAll(reader)
	if err != nil {
		cli.Log.Errorf("Failed to decompress history sync data: %v", err)
		return
	}
	historySync := &waproto.HistorySync{}
	if err = waproto.UnmarshalHistorySync(rawData, historySync); err != nil {
		cli.Log.Errorf("Failed to unmarshal history sync data: %v", err)
		return
	}
	cli.Log.Debugf("Received history sync (%v)", historySync.GetSyncType())
	if historySync.GetSyncType() == waproto.HistorySync_PUSH_NAME {
		go cli.handleHistoricalPushNames(historySync.GetPushnames())
	}
	cli.dispatchEvent(&events.HistorySync{Data: historySync})
}

func (cli *Client) handleHistoricalPushNames(names []*waproto.PushName) {
	for _, name := range names {
		id := name.GetId()
		if id == "" {
			continue
		}
		jid, err := types.ParseJID(id)
		if err != nil {
			continue
		}
		if _, _, err := cli.Store.Contacts.PutPushName(jid, name.GetPushname()); err != nil {
			cli.Log.Warnf("Failed to store historical push name for %s: %v", jid, err)
		}
	}
}

func (cli *Client) handleProtocolMessage(info *types.MessageInfo, msg *waproto.Message) {
	protoMsg := msg.GetProtocolMessage()
	if protoMsg.GetHistorySyncNotification() != nil && info.IsFromMe {
		cli.handleHistorySyncNotification(protoMsg.HistorySyncNotification)
		cli.sendProtocolMessageReceipt(info.ID, "hist_sync")
	}
	if info.Category == "peer" {
		cli.sendProtocolMessageReceipt(info.ID, "peer_msg")
	}
}

func (cli *Client) handleDecryptedMessage(info *types.MessageInfo, msg *waproto.Message) {
	evt := &events.Message{Info: *info, RawMessage: msg}

	if msg.GetDeviceSentMessage().GetMessage() != nil {
		dsm := msg.GetDeviceSentMessage()
		msg = dsm.Message
		evt.Info.DeviceSentMeta = &types.DeviceSentMeta{
			DestinationJID: dsm.GetDestinationJid(),
			Phash:          dsm.GetPhash(),
		}
	}

	if msg.GetSenderKeyDistributionMessage() != nil {
		if !info.IsGroup {
			cli.Log.Warnf("Got sender key distribution message in non-group chat from %s", info.Sender)
		} else {
			cli.handleSenderKeyDistributionMessage(info.Chat, info.Sender, msg.SenderKeyDistributionMessage)
		}
	}
	if msg.GetProtocolMessage() != nil {
		go cli.handleProtocolMessage(info, msg)
	}

	if msg.GetEphemeralMessage().GetMessage() != nil {
		msg = msg.GetEphemeralMessage().Message
	}
	if msg.GetViewOnceMessage().GetMessage() != nil {
		msg = msg.GetViewOnceMessage().Message
	}
	evt.Message = msg

	cli.dispatchEvent(evt)
}

func (cli *Client) sendProtocolMessageReceipt(id types.MessageID, msgType string) {
	if len(id) == 0 || cli.Store.ID == nil {
		return
	}
	err := cli.sendNode(waBinary.Node{
		Tag: "receipt",
		Attrs: waBinary.Attrs{
			"id":   string(id),
			"type": msgType,
			"to":   types.NewJID(cli.Store.ID.User, types.DefaultUserServer),
		},
	})
	if err != nil {
		cli.Log.Warnf("Failed to send acknowledgement for protocol message %s: %v", id, err)
	}
}

func (cli *Client) updatePushName(from types.JID, pushName string) {
	changed, _, err := cli.Store.Contacts.PutPushName(from, pushName)
	if err != nil {
		cli.Log.Errorf("Failed to save push name of %s: %v", from, err)
	} else if changed {
		cli.Log.Debugf("Push name of %s changed to %s", from, pushName)
	}
}
