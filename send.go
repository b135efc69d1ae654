package wacore

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"

	waBinary "github.com/lattice-chat/wacore/binary"
	"github.com/lattice-chat/wacore/signalrepo"
	"github.com/lattice-chat/wacore/types"
	"github.com/lattice-chat/wacore/waproto"
)

// messageClass is which of the five fan-out policies relayMessage applies
// to an outgoing message, chosen from the recipient JID's server, per
// spec §4.G.
type messageClass int

const (
	classIndividual messageClass = iota
	classLID
	classGroup
	classStatus
	classNewsletter
)

func classify(to types.JID) messageClass {
	switch to.Server {
	case types.GroupServer:
		return classGroup
	case types.BroadcastServer:
		return classStatus
	case types.NewsletterServer:
		return classNewsletter
	case types.HiddenUserServer:
		return classLID
	default:
		return classIndividual
	}
}

// GenerateMessageID returns a fresh random stanza/message id, used when a
// caller doesn't pass one in explicitly.
func GenerateMessageID() string {
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		panic(err)
	}
	return hex.EncodeToString(id)
}

// GenerateMessageIDV2 derives a message id from 8 random bytes plus the
// sending user's own number: the id is the first 9 bytes of their SHA-256
// digest as 18 upper-case hex characters, per spec §4.G step 1.
func GenerateMessageIDV2(ownID types.JID) string {
	data := make([]byte, 8, 8+len(ownID.User))
	if _, err := rand.Read(data); err != nil {
		panic(err)
	}
	data = append(data, []byte(ownID.User)...)
	hash := sha256.Sum256(data)
	return strings.ToUpper(hex.EncodeToString(hash[:9]))
}

// RelayOptions customizes relayMessage's fan-out beyond the default
// "resolve every device of every participant" behavior.
type RelayOptions struct {
	// ID is the stanza id to use; if empty one is generated.
	ID types.MessageID
	// Participant narrows the fan-out to a single JID (one group member,
	// or one of the peer's/own other devices), per spec §4.G's
	// participant-targeted routing rows.
	Participant *types.JID
	// StatusAudience lists who a status-broadcast should be seeded with,
	// since the server has no membership list for status JIDs.
	StatusAudience []types.JID
	// Category, when "peer", inlines a single <enc> child directly under
	// <message> instead of wrapping it in <participants>, per spec §4.G's
	// peer-message boundary case (used for retry receipts, protocol acks).
	Category string
	// AdditionalNodes are appended to the outgoing <message> stanza as-is.
	AdditionalNodes []waBinary.Node
}

// SendMessage relays message to to, encrypting per-device for every
// recipient and routing through the class-appropriate fan-out depending on
// to.Server, per spec §4.G. It returns the id actually put on the wire,
// which for an edit/revoke may differ from opts.ID.
func (cli *Client) SendMessage(to types.JID, id string, message *waproto.Message) (types.MessageID, error) {
	return cli.relayMessage(to, message, RelayOptions{ID: types.MessageID(id)})
}

// relayMessage implements spec §4.G's 11-step relay procedure.
func (cli *Client) relayMessage(to types.JID, message *waproto.Message, opts RelayOptions) (types.MessageID, error) {
	if to.AD {
		return "", fmt.Errorf("message recipient must be a non-AD JID")
	}
	class := classify(to)
	if class == classNewsletter {
		return cli.sendNewsletter(to, opts, message)
	}

	msgID := opts.ID
	if len(msgID) == 0 {
		msgID = types.MessageID(GenerateMessageIDV2(cli.getOwnJID()))
	}

	switch class {
	case classGroup, classStatus:
		return msgID, cli.sendGroupOrStatus(to, class, msgID, message, opts)
	default:
		return msgID, cli.sendDM(to, msgID, message, opts)
	}
}

// participantListHashV2 is the "phash" attribute WhatsApp expects on group
// messages, a short digest of the sorted participant list so the server can
// detect a stale audience without the client re-sending the whole list.
func participantListHashV2(participantJIDs []string) string {
	sorted := append([]string(nil), participantJIDs...)
	sort.Strings(sorted)
	hash := sha256.Sum256([]byte(strings.Join(sorted, "")))
	return fmt.Sprintf("2:%s", base64.RawStdEncoding.EncodeToString(hash[:6]))
}

// senderKeyMemoryFor returns this group/status JID's device-memory map,
// creating it on first use.
func (cli *Client) senderKeyMemoryFor(chat types.JID) *xsync.MapOf[types.JID, bool] {
	memory, ok := cli.senderKeyMemory.Load(chat)
	if !ok {
		memory = xsync.NewMapOf[types.JID, bool]()
		cli.senderKeyMemory.Store(chat, memory)
	}
	return memory
}

// sendGroupOrStatus handles the classGroup and classStatus fan-out: a
// sender-key-encrypted skmsg broadcast to the audience, with SKDM-bearing
// pkmsg/msg recipient nodes sent only to devices sender-key-memory[chat]
// doesn't already mark as having received it (spec §4.G step 6).
func (cli *Client) sendGroupOrStatus(chat types.JID, class messageClass, id types.MessageID, message *waproto.Message, opts RelayOptions) error {
	var participants []types.JID
	var err error
	if opts.Participant != nil {
		participants = []types.JID{*opts.Participant}
	} else if class == classStatus {
		participants = opts.StatusAudience
	} else {
		participants, err = cli.getCachedGroupParticipants(chat)
		if err != nil {
			return fmt.Errorf("failed to get group participants: %w", err)
		}
	}

	message = cli.PatchMessageBeforeSending(message, participants)

	plaintext, err := waproto.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	encrypted, err := cli.signal.EncryptGroupMessage(chat, cli.getOwnJID(), padMessage(plaintext))
	if err != nil {
		return fmt.Errorf("failed to encrypt group message to send %s to %s: %w", id, chat, err)
	}

	allDevices, err := cli.getUSyncDevices(participants, true, false)
	if err != nil {
		return fmt.Errorf("failed to get device list: %w", err)
	}
	if class == classStatus && cli.DontSendSelfBroadcast {
		ownUser := cli.getOwnJID().User
		var others []types.JID
		for _, jid := range allDevices {
			if jid.User != ownUser {
				others = append(others, jid)
			}
		}
		allDevices = others
	}

	memory := cli.senderKeyMemoryFor(chat)
	var skdTargets []types.JID
	if opts.Participant != nil {
		skdTargets = allDevices
	} else {
		for _, jid := range allDevices {
			if _, known := memory.Load(jid); !known {
				skdTargets = append(skdTargets, jid)
			}
		}
	}

	var participantNodes []waBinary.Node
	includeIdentity := false
	if len(skdTargets) > 0 {
		skdMessage := &waproto.Message{
			SenderKeyDistributionMessage: &waproto.SenderKeyDistributionMessage{
				GroupID:                             strPtr(chat.String()),
				AxolotlSenderKeyDistributionMessage: encrypted.SenderKeyDistributionMessage,
			},
		}
		skdPlaintext, err := waproto.Marshal(skdMessage)
		if err != nil {
			return fmt.Errorf("failed to marshal sender key distribution message to send %s to %s: %w", id, chat, err)
		}
		participantNodes, includeIdentity = cli.encryptMessageForDevices(skdTargets, string(id), skdPlaintext, nil, "")
		if class == classGroup {
			for _, jid := range skdTargets {
				memory.Store(jid, true)
			}
		}
	}

	attrs := waBinary.Attrs{
		"id":   string(id),
		"type": getTypeFromMessage(message),
		"to":   chat,
	}
	if class == classGroup {
		participantsStrings := make([]string, len(participants))
		for i, jid := range participants {
			participantsStrings[i] = jid.String()
		}
		attrs["phash"] = participantListHashV2(participantsStrings)
	}

	encAttrs := waBinary.Attrs{"v": "2", "type": "skmsg"}
	if mediaType := getMediaTypeFromMessage(message); mediaType != "" {
		encAttrs["mediatype"] = mediaType
	}
	content := []waBinary.Node{
		{Tag: "enc", Content: encrypted.Ciphertext, Attrs: encAttrs},
	}
	if len(participantNodes) > 0 {
		content = append(content, waBinary.Node{Tag: "participants", Content: participantNodes})
	}
	content = append(content, opts.AdditionalNodes...)

	node := waBinary.Node{Tag: "message", Attrs: attrs, Content: content}
	if includeIdentity {
		cli.appendDeviceIdentityNode(&node)
	}
	if err = cli.sendNode(node); err != nil {
		return fmt.Errorf("failed to send message node: %w", err)
	}
	return nil
}

// sendDM handles the classIndividual and classLID fan-out: every device is
// encrypted to directly, with the sender's own other devices receiving a
// DeviceSentMessage-wrapped copy instead of the plaintext original, per
// spec §4.G steps 7-9.
func (cli *Client) sendDM(to types.JID, id types.MessageID, message *waproto.Message, opts RelayOptions) error {
	var devices []types.JID
	var err error
	if opts.Participant != nil {
		devices = []types.JID{*opts.Participant}
	} else {
		devices, err = cli.getUSyncDevices([]types.JID{to, cli.getOwnJID()}, true, false)
		if err != nil {
			return fmt.Errorf("failed to get device list: %w", err)
		}
	}

	message = cli.PatchMessageBeforeSending(message, devices)

	messagePlaintext, dsmPlaintext, err := marshalMessage(to, message)
	if err != nil {
		return err
	}

	participantNodes, includeIdentity := cli.encryptMessageForDevices(devices, string(id), messagePlaintext, dsmPlaintext, getMediaTypeFromMessage(message))

	attrs := waBinary.Attrs{
		"id":   string(id),
		"type": getTypeFromMessage(message),
	}
	setRoutingAttrs(attrs, to, opts.Participant, cli.getOwnJID())

	var content []waBinary.Node
	if opts.Category == "peer" && len(participantNodes) == 1 {
		content = participantNodes[0].GetChildren()
		attrs["category"] = "peer"
	} else {
		content = []waBinary.Node{{Tag: "participants", Content: participantNodes}}
	}
	content = append(content, opts.AdditionalNodes...)

	node := waBinary.Node{Tag: "message", Attrs: attrs, Content: content}
	if includeIdentity {
		cli.appendDeviceIdentityNode(&node)
	}
	if err = cli.sendNode(node); err != nil {
		return fmt.Errorf("failed to send message node: %w", err)
	}
	return nil
}

// setRoutingAttrs fills in the to/participant/recipient attribute
// combination spec §4.G's routing table calls for, depending on whether
// this send targets a single participant and whether that participant is
// one of the sender's own devices.
func setRoutingAttrs(attrs waBinary.Attrs, destination types.JID, participant *types.JID, ownJID types.JID) {
	if participant == nil {
		attrs["to"] = destination
		return
	}
	if participant.User == ownJID.User {
		attrs["to"] = *participant
		attrs["recipient"] = destination
	} else {
		attrs["to"] = *participant
	}
}

// sendNewsletter handles the classNewsletter fan-out: newsletters carry no
// per-device encryption, so the stanza has zero <to> nodes and a single
// <plaintext> child. Edits and revokes reuse the edited message's original
// id instead of minting a fresh one (SPEC_FULL.md Open Question #2).
func (cli *Client) sendNewsletter(to types.JID, opts RelayOptions, message *waproto.Message) (types.MessageID, error) {
	id := opts.ID
	outbound := message
	if pm := message.GetProtocolMessage(); pm != nil && pm.Key != nil {
		if pm.Type == waproto.ProtocolMessage_REVOKE || pm.Type == waproto.ProtocolMessage_MESSAGE_EDIT {
			if original := pm.Key.GetId(); original != "" {
				id = types.MessageID(original)
			}
			if pm.EditedMessage != nil {
				outbound = pm.EditedMessage
			}
		}
	}
	if len(id) == 0 {
		id = types.MessageID(GenerateMessageIDV2(cli.getOwnJID()))
	}

	plaintext, err := waproto.Marshal(outbound)
	if err != nil {
		return "", fmt.Errorf("failed to marshal newsletter message: %w", err)
	}

	node := waBinary.Node{
		Tag: "message",
		Attrs: waBinary.Attrs{
			"id":   string(id),
			"type": getTypeFromMessage(outbound),
			"to":   to,
		},
		Content: append([]waBinary.Node{{Tag: "plaintext", Content: plaintext}}, opts.AdditionalNodes...),
	}
	if err = cli.sendNode(node); err != nil {
		return "", fmt.Errorf("failed to send newsletter message node: %w", err)
	}
	return id, nil
}

// marshalMessage returns the plaintext for ordinary recipients, plus (for
// non-group recipients) a DeviceSentMessage-wrapped plaintext for the
// sender's own other devices, which need to know the message was already
// delivered to destinationJID rather than treat it as a new outgoing one.
func marshalMessage(to types.JID, message *waproto.Message) (plaintext, dsmPlaintext []byte, err error) {
	plaintext, err = waproto.Marshal(message)
	if err != nil {
		err = fmt.Errorf("failed to marshal message: %w", err)
		return
	}

	dest := to.String()
	dsmPlaintext, err = waproto.Marshal(&waproto.Message{
		DeviceSentMessage: &waproto.DeviceSentMessage{
			DestinationJID: &dest,
			Message:        message,
		},
	})
	if err != nil {
		err = fmt.Errorf("failed to marshal message (for own devices): %w", err)
		return
	}
	return
}

// appendDeviceIdentityNode attaches the sender's signed device identity, so
// recipients who don't yet have it cached (i.e. every recipient of a pkmsg)
// can verify the device belongs to the sender's account, per spec §4.G
// step 10.
func (cli *Client) appendDeviceIdentityNode(node *waBinary.Node) {
	node.Content = append(node.GetChildren(), waBinary.Node{
		Tag:     "device-identity",
		Content: waproto.MarshalDeviceIdentity(cli.Store.Account),
	})
}

// encryptMessageForDevices encrypts plaintext (or dsmPlaintext, for the
// sender's own devices) for every device in allDevices, retrying devices
// without an established session after fetching their prekey bundle. Its
// second return reports whether any recipient received a pkmsg, which
// means the device-identity node must be attached (spec §4.G's
// shouldIncludeDeviceIdentity).
func (cli *Client) encryptMessageForDevices(allDevices []types.JID, id string, msgPlaintext, dsmPlaintext []byte, mediaType string) ([]waBinary.Node, bool) {
	includeIdentity := false
	ownUser := cli.getOwnJID().User
	participantNodes := make([]waBinary.Node, 0, len(allDevices))
	var retryDevices []types.JID
	for _, jid := range allDevices {
		plaintext := msgPlaintext
		if jid.User == ownUser && dsmPlaintext != nil {
			plaintext = dsmPlaintext
		}
		encrypted, isPreKey, err := cli.encryptMessageForDevice(plaintext, jid, mediaType)
		if errors.Is(err, signalrepo.ErrNoSession) {
			retryDevices = append(retryDevices, jid)
			continue
		} else if err != nil {
			cli.Log.Warnf("Failed to encrypt %s for %s: %v", id, jid, err)
			continue
		}
		participantNodes = append(participantNodes, *encrypted)
		if isPreKey {
			includeIdentity = true
		}
	}
	if len(retryDevices) > 0 {
		bundles, err := cli.fetchPreKeys(context.Background(), retryDevices)
		if err != nil {
			cli.Log.Warnf("Failed to fetch prekeys for %v to retry encryption: %v", retryDevices, err)
		} else {
			for _, jid := range retryDevices {
				resp := bundles[jid]
				if resp.err != nil {
					cli.Log.Warnf("Failed to fetch prekey for %s: %v", jid, resp.err)
					continue
				}
				if err := cli.signal.InjectE2ESession(jid, *resp.bundle); err != nil {
					cli.Log.Warnf("Failed to inject session for %s: %v", jid, err)
					continue
				}
				plaintext := msgPlaintext
				if jid.User == ownUser && dsmPlaintext != nil {
					plaintext = dsmPlaintext
				}
				encrypted, isPreKey, err := cli.encryptMessageForDevice(plaintext, jid, mediaType)
				if err != nil {
					cli.Log.Warnf("Failed to encrypt %s for %s (retry): %v", id, jid, err)
					continue
				}
				participantNodes = append(participantNodes, *encrypted)
				if isPreKey {
					includeIdentity = true
				}
			}
		}
	}
	return participantNodes, includeIdentity
}

// encryptMessageForDevice ratchets plaintext for delivery to to's device,
// wrapping the ciphertext in the <to><enc> node the fan-out attaches to a
// <message> stanza. Its second return reports whether the ciphertext is a
// pkmsg (bootstraps a session) rather than an ordinary msg.
func (cli *Client) encryptMessageForDevice(plaintext []byte, to types.JID, mediaType string) (*waBinary.Node, bool, error) {
	encrypted, err := cli.signal.EncryptMessage(to, padMessage(plaintext))
	if err != nil {
		return nil, false, err
	}
	isPreKey := encrypted.Type == signalrepo.MsgTypePreKey
	encType := "msg"
	if isPreKey {
		encType = "pkmsg"
	}
	encAttrs := waBinary.Attrs{"v": "2", "type": encType}
	if mediaType != "" {
		encAttrs["mediatype"] = mediaType
	}
	return &waBinary.Node{
		Tag:   "to",
		Attrs: waBinary.Attrs{"jid": to},
		Content: []waBinary.Node{{
			Tag:     "enc",
			Attrs:   encAttrs,
			Content: encrypted.Ciphertext,
		}},
	}, isPreKey, nil
}

// getTypeFromMessage derives the outer <message type=...> attribute: any
// message with a classifiable media payload is "media", a reaction is
// "reaction", everything else ("text", extended-text, location, contacts
// without a media payload) is "text".
func getTypeFromMessage(msg *waproto.Message) string {
	if getMediaTypeFromMessage(msg) != "" {
		return "media"
	}
	if msg.ReactionMessage != nil {
		return "reaction"
	}
	return "text"
}

// getMediaTypeFromMessage derives the <enc mediatype=...> attribute from
// msg's populated field, using the literal token set spec §4.G's
// "Mediatype attribute" subsection names.
func getMediaTypeFromMessage(msg *waproto.Message) string {
	switch {
	case msg.ImageMessage != nil:
		return "image"
	case msg.VideoMessage != nil:
		return "video"
	case msg.AudioMessage != nil:
		if msg.AudioMessage.PTT != nil && *msg.AudioMessage.PTT {
			return "ptt"
		}
		return "audio"
	case msg.DocumentMessage != nil:
		return "document"
	case msg.StickerMessage != nil:
		return "sticker"
	case msg.ContactMessage != nil:
		return "vcard"
	case msg.ContactsArrayMessage != nil:
		return "contact_array"
	case msg.LiveLocationMessage != nil:
		return "livelocation"
	case msg.OrderMessage != nil:
		return "order"
	case msg.ProductMessage != nil:
		return "product"
	case msg.NativeFlowResponseMessage != nil:
		return "native_flow_response"
	default:
		return ""
	}
}

// CheckPadding enables unpadMessage's trailing-byte verification. Disabled
// only in tests that feed in hand-built plaintext without padding.
var CheckPadding = true

// padMessage appends 1-15 bytes of PKCS7-style padding (the pad byte's low
// nibble gives the count), per spec §4.G step 5.
func padMessage(plaintext []byte) []byte {
	var pad [1]byte
	if _, err := rand.Read(pad[:]); err != nil {
		panic(err)
	}
	pad[0] &= 0xf
	if pad[0] == 0 {
		pad[0] = 1
	}
	return append(plaintext, bytes.Repeat(pad[:], int(pad[0]))...)
}

// unpadMessage strips the padding padMessage added and verifies it, per
// spec §4.G step 5.
func unpadMessage(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot unpad empty plaintext")
	}
	lastByte := plaintext[len(plaintext)-1]
	if CheckPadding {
		expectedPadding := bytes.Repeat([]byte{lastByte}, int(lastByte))
		if !bytes.HasSuffix(plaintext, expectedPadding) {
			return nil, fmt.Errorf("plaintext doesn't have expected padding")
		}
	}
	return plaintext[:len(plaintext)-int(lastByte)], nil
}

func strPtr(s string) *string { return &s }
