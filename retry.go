package wacore

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.mau.fi/libsignal/ecc"

	waBinary "github.com/lattice-chat/wacore/binary"
	"github.com/lattice-chat/wacore/signalrepo"
	"github.com/lattice-chat/wacore/types"
	"github.com/lattice-chat/wacore/types/events"
	"github.com/lattice-chat/wacore/waproto"
)

// recentMessagesSize is how many outgoing messages addRecentMessage keeps
// in memory for re-sending on a retry receipt.
const recentMessagesSize = 256

type recentMessageKey struct {
	To types.JID
	ID types.MessageID
}

// addRecentMessage records an outgoing message so a later retry receipt
// from a recipient who failed to decrypt it can be answered without the
// caller having to re-supply it via GetMessageForRetry.
func (cli *Client) addRecentMessage(to types.JID, id types.MessageID, message *waproto.Message) {
	cli.recentMessagesLock.Lock()
	defer cli.recentMessagesLock.Unlock()
	key := recentMessageKey{to, id}
	if cli.recentMessagesList[cli.recentMessagesPtr].ID != "" {
		cli.recentMessagesMap.Delete(cli.recentMessagesList[cli.recentMessagesPtr])
	}
	cli.recentMessagesMap.Store(key, message)
	cli.recentMessagesList[cli.recentMessagesPtr] = key
	cli.recentMessagesPtr++
	if cli.recentMessagesPtr >= len(cli.recentMessagesList) {
		cli.recentMessagesPtr = 0
	}
}

func (cli *Client) getRecentMessage(to types.JID, id types.MessageID) *waproto.Message {
	msg, _ := cli.recentMessagesMap.Load(recentMessageKey{to, id})
	return msg
}

func (cli *Client) getMessageForRetry(receipt *events.Receipt, messageID types.MessageID) (*waproto.Message, error) {
	msg := cli.getRecentMessage(receipt.Chat, messageID)
	if msg != nil {
		cli.Log.Debugf("Found message in local cache to accept retry receipt for %s/%s from %s", receipt.Chat, messageID, receipt.Sender)
		return msg, nil
	}
	msg = cli.GetMessageForRetry(receipt.Sender, receipt.Chat, messageID)
	if msg == nil {
		return nil, fmt.Errorf("couldn't find message %s", messageID)
	}
	cli.Log.Debugf("Found message in GetMessageForRetry to accept retry receipt for %s/%s from %s", receipt.Chat, messageID, receipt.Sender)
	return msg, nil
}

// recreateSessionTimeout bounds how often shouldRecreateSession asks for a
// fresh prekey bundle for the same peer, so a peer stuck re-requesting
// doesn't make us hammer the server.
const recreateSessionTimeout = 1 * time.Hour

func (cli *Client) shouldRecreateSession(retryCount int, jid types.JID) (reason string, recreate bool) {
	if !cli.signal.HasSession(jid) {
		cli.sessionRecreateHistory.Store(jid, time.Now())
		return "we don't have a Signal session with them", true
	} else if retryCount < 2 {
		return "", false
	}
	prevTime, ok := cli.sessionRecreateHistory.Load(jid)
	if !ok || prevTime.Add(recreateSessionTimeout).Before(time.Now()) {
		cli.sessionRecreateHistory.Store(jid, time.Now())
		return "retry count > 1 and over an hour since last recreation", true
	}
	return "", false
}

type incomingRetryKey struct {
	jid       types.JID
	messageID types.MessageID
}

// handleRetryReceipt answers an incoming retry receipt for an outgoing
// message: re-encrypts it for the requester, bootstrapping a session from
// either the bundle the retry carries or a freshly-fetched one, per
// spec §7's decrypt-failure retry flow.
func (cli *Client) handleRetryReceipt(receipt *events.Receipt, node *waBinary.Node) error {
	retryChild, ok := node.GetOptionalChildByTag("retry")
	if !ok {
		return fmt.Errorf("missing <retry> in retry receipt")
	}
	ag := retryChild.AttrGetter()
	messageID := ag.String("id")
	timestamp := ag.UnixTime("t")
	retryCount := ag.Int("count")
	if !ag.OK() {
		return ag.Error()
	}

	msg, err := cli.getMessageForRetry(receipt, messageID)
	if err != nil {
		return err
	}

	retryKey := incomingRetryKey{receipt.Sender, messageID}
	internalCounter, _ := cli.incomingRetryRequestCounter.Load(retryKey)
	internalCounter++
	cli.incomingRetryRequestCounter.Store(retryKey, internalCounter)
	if internalCounter >= 10 {
		cli.Log.Warnf("Dropping retry request from %s for %s: internal retry counter is %d", receipt.Sender, messageID, internalCounter)
		return nil
	}

	ownID := cli.getOwnJID()
	if ownID.IsEmpty() {
		return fmt.Errorf("can't answer retry receipt while logged out")
	}

	if receipt.IsGroup {
		skdm, err := cli.signal.BuildSenderKeyDistributionMessage(receipt.Chat, ownID)
		if err != nil {
			cli.Log.Warnf("Failed to build sender key distribution message to include in retry of %s in %s to %s: %v", messageID, receipt.Chat, receipt.Sender, err)
		} else {
			msg = &waproto.Message{
				Conversation:                 msg.Conversation,
				SenderKeyDistributionMessage: &waproto.SenderKeyDistributionMessage{GroupID: strPtr(receipt.Chat.String()), AxolotlSenderKeyDistributionMessage: skdm},
			}
		}
	} else if receipt.IsFromMe {
		dest := receipt.Chat.String()
		msg = &waproto.Message{DeviceSentMessage: &waproto.DeviceSentMessage{DestinationJID: &dest, Message: msg}}
	}

	if cli.PreRetryCallback != nil && !cli.PreRetryCallback(receipt, messageID, retryCount, msg) {
		cli.Log.Debugf("Cancelled retry receipt in PreRetryCallback")
		return nil
	}

	plaintext, err := waproto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, hasKeys := node.GetOptionalChildByTag("keys"); hasKeys {
		bundle, err := nodeToRetryPreKeyBundle(node)
		if err != nil {
			return fmt.Errorf("failed to read prekey bundle in retry receipt: %w", err)
		}
		if err := cli.signal.InjectE2ESession(receipt.Sender, *bundle); err != nil {
			return fmt.Errorf("failed to inject session from retry receipt bundle: %w", err)
		}
	} else if reason, recreate := cli.shouldRecreateSession(retryCount, receipt.Sender); recreate {
		cli.Log.Debugf("Fetching prekeys for %s for handling retry receipt with no prekey bundle because %s", receipt.Sender, reason)
		keys, err := cli.fetchPreKeys(context.Background(), []types.JID{receipt.Sender})
		if err != nil {
			return err
		}
		resp := keys[receipt.Sender]
		if resp.err != nil {
			return fmt.Errorf("failed to fetch prekeys: %w", resp.err)
		}
		if err := cli.signal.InjectE2ESession(receipt.Sender, *resp.bundle); err != nil {
			return fmt.Errorf("failed to inject fetched session: %w", err)
		}
	}

	encrypted, includeDeviceIdentity, err := cli.encryptMessageForDevice(plaintext, receipt.Sender, "")
	if err != nil {
		return fmt.Errorf("failed to encrypt message for retry: %w", err)
	}
	encNode := encrypted.GetChildByTag("enc")
	encNode.Attrs["count"] = retryCount
	if mediaType := getMediaTypeFromMessage(msg); mediaType != "" {
		encNode.Attrs["mediatype"] = mediaType
	}

	attrs := waBinary.Attrs{
		"to":   node.Attrs["from"],
		"type": getTypeFromMessage(msg),
		"id":   messageID,
		"t":    timestamp.Unix(),
	}
	if !receipt.IsGroup {
		attrs["device_fanout"] = false
	}
	if participant, ok := node.Attrs["participant"]; ok {
		attrs["participant"] = participant
	}
	if recipient, ok := node.Attrs["recipient"]; ok {
		attrs["recipient"] = recipient
	}

	sendNode := waBinary.Node{Tag: "message", Attrs: attrs, Content: []waBinary.Node{encNode}}
	if includeDeviceIdentity {
		cli.appendDeviceIdentityNode(&sendNode)
	}
	if err = cli.sendNode(sendNode); err != nil {
		return fmt.Errorf("failed to send retry message: %w", err)
	}
	cli.Log.Debugf("Sent retry #%d for %s/%s to %s", retryCount, receipt.Chat, messageID, receipt.Sender)
	return nil
}

// sendRetryReceipt sends a retry receipt for an incoming message this
// device failed to decrypt, attaching a fresh prekey bundle once the retry
// count (or forceIncludeIdentity, for an "unavailable" message) suggests
// the sender needs to rebuild its session with us, per spec §7.
func (cli *Client) sendRetryReceipt(node *waBinary.Node, info *types.MessageInfo, forceIncludeIdentity bool) {
	id, _ := node.Attrs["id"].(string)
	children := node.GetChildren()
	var retryCountInMsg int
	if len(children) == 1 && children[0].Tag == "enc" {
		retryCountInMsg = children[0].AttrGetter().OptionalInt("count")
	}
	retryCount, _ := cli.messageRetries.Load(id)
	retryCount++
	cli.messageRetries.Store(id, retryCount)
	if retryCount == 1 && retryCountInMsg > 0 {
		retryCount = retryCountInMsg + 1
		cli.messageRetries.Store(id, retryCount)
	}
	if retryCount >= 5 {
		cli.Log.Warnf("Not sending any more retry receipts for %s from %s", id, info.SourceString())
		return
	}

	var registrationIDBytes [4]byte
	binary.BigEndian.PutUint32(registrationIDBytes[:], cli.Store.RegistrationID)
	attrs := waBinary.Attrs{
		"id":   id,
		"type": "retry",
		"to":   node.Attrs["from"],
	}
	if recipient, ok := node.Attrs["recipient"]; ok {
		attrs["recipient"] = recipient
	}
	if participant, ok := node.Attrs["participant"]; ok {
		attrs["participant"] = participant
	}
	payload := waBinary.Node{
		Tag:   "receipt",
		Attrs: attrs,
		Content: []waBinary.Node{
			{Tag: "retry", Attrs: waBinary.Attrs{
				"count": retryCount,
				"id":    id,
				"t":     node.Attrs["t"],
				"v":     1,
			}},
			{Tag: "registration", Content: registrationIDBytes[:]},
		},
	}
	if retryCount > 1 || forceIncludeIdentity {
		if key, err := cli.Store.PreKeys.GetOrGenPreKeys(1); err != nil || len(key) == 0 {
			cli.Log.Errorf("Failed to get prekey for retry receipt: %v", err)
		} else {
			deviceIdentity := waproto.MarshalDeviceIdentity(cli.Store.Account)
			payload.Content = append(payload.GetChildren(), waBinary.Node{
				Tag: "keys",
				Content: []waBinary.Node{
					{Tag: "type", Content: []byte{ecc.DjbType}},
					{Tag: "identity", Content: cli.Store.IdentityKey.Pub[:]},
					preKeyToNode(key[0]),
					{Tag: "skey", Content: preKeyToNode(cli.Store.SignedPreKey).Content},
					{Tag: "device-identity", Content: deviceIdentity},
				},
			})
		}
	}
	if err := cli.sendNode(payload); err != nil {
		cli.Log.Errorf("Failed to send retry receipt for %s: %v", id, err)
	}
}

// nodeToRetryPreKeyBundle parses the <registration>/<keys> pair a retry
// receipt carries when the sender doesn't yet have a session with us, per
// spec §7.
func nodeToRetryPreKeyBundle(node *waBinary.Node) (*signalrepo.PreKeyBundleInput, error) {
	registrationBytes, ok := node.GetChildByTag("registration").Content.([]byte)
	if !ok || len(registrationBytes) != 4 {
		return nil, fmt.Errorf("missing or invalid registration ID in retry receipt")
	}
	registrationID := binary.BigEndian.Uint32(registrationBytes)

	keysNode := node.GetChildByTag("keys")
	identityBytes, ok := keysNode.GetChildByTag("identity").Content.([]byte)
	if !ok || len(identityBytes) != 32 {
		return nil, fmt.Errorf("missing or invalid identity key in retry receipt")
	}
	var identityKey [32]byte
	copy(identityKey[:], identityBytes)

	skeyNode := keysNode.GetChildByTag("skey")
	signedPreKeyID, signedPreKey, signedSig, err := parseKeyNode(skeyNode, true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signed prekey: %w", err)
	}

	bundle := &signalrepo.PreKeyBundleInput{
		RegistrationID: registrationID,
		IdentityKey:    identityKey,
		SignedPreKeyID: signedPreKeyID,
		SignedPreKey:   signedPreKey,
		SignedSig:      signedSig,
	}
	if keyNode, hasKey := keysNode.GetOptionalChildByTag("key"); hasKey {
		preKeyID, preKeyPub, _, err := parseKeyNode(keyNode, false)
		if err != nil {
			return nil, fmt.Errorf("failed to parse one-time prekey: %w", err)
		}
		bundle.PreKeyID = &preKeyID
		bundle.PreKey = &preKeyPub
	}
	return bundle, nil
}
