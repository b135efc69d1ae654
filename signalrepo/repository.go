// Package signalrepo implements the Signal-protocol primitives (component
// D): pairwise Double Ratchet sessions, group sender-keys, and prekey
// bundle processing, layered over a store.Device via go.mau.fi/libsignal.
//
// Grounded on the pairwise/group session builder and cipher usage shown
// in the teacher's send.go (sendDM/sendGroup/encryptMessageForDevice),
// adapted from the RadicalApp libsignal-protocol-go fork it used to the
// go.mau.fi/libsignal fork this module depends on.
package signalrepo

import (
	"fmt"

	"go.mau.fi/libsignal/groups"
	"go.mau.fi/libsignal/keys/prekey"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/serialize"
	"go.mau.fi/libsignal/session"

	"github.com/lattice-chat/wacore/keys"
	"github.com/lattice-chat/wacore/store"
	"github.com/lattice-chat/wacore/types"
)

var pbSerializer = serialize.NewProtoBufSerializer()

// EncryptedMessage is the result of EncryptMessage: PreKey when the
// ciphertext embeds a prekey bundle response to bootstrap a new session,
// Msg for an ordinary ratcheted message.
type EncryptedMessageType int

const (
	MsgTypeMsg EncryptedMessageType = iota
	MsgTypePreKey
)

type EncryptedMessage struct {
	Type       EncryptedMessageType
	Ciphertext []byte
}

// GroupEncryptedMessage bundles a sender-key-encrypted ciphertext with the
// distribution message new recipients need to decrypt it, per spec §4.D.
type GroupEncryptedMessage struct {
	Ciphertext                   []byte
	SenderKeyDistributionMessage []byte
}

// PreKeyBundleInput is the wire-level prekey bundle fetched from the
// server's <iq type="get" xmlns="encrypt"> response, passed to
// InjectE2ESession to bootstrap a new pairwise session.
type PreKeyBundleInput struct {
	RegistrationID uint32
	IdentityKey    [32]byte
	SignedPreKeyID uint32
	SignedPreKey   [32]byte
	SignedSig      [64]byte
	PreKeyID       *uint32
	PreKey         *[32]byte
}

// Repository wraps a Device's signal store with the higher-level
// encrypt/decrypt/inject operations spec §4.D names.
type Repository struct {
	device *store.Device
	signal *store.SignalProtocolStore
}

func New(device *store.Device) *Repository {
	return &Repository{device: device, signal: store.NewSignalProtocolStore(device)}
}

// JIDToSignalProtocolAddress renders a device-qualified jid as the
// "user.device" string go.mau.fi/libsignal uses to key sessions, or
// "user.0" for non-AD jids (primary device), per spec §4.D.
func JIDToSignalProtocolAddress(jid types.JID) *protocol.SignalAddress {
	device := jid.Device
	return protocol.NewSignalAddress(jid.User, uint32(device))
}

// EncryptMessage ratchets plaintext forward (or bootstraps a session from
// a pending prekey bundle) for delivery to jid's device.
func (r *Repository) EncryptMessage(jid types.JID, plaintext []byte) (*EncryptedMessage, error) {
	address := JIDToSignalProtocolAddress(jid)
	if !r.signal.ContainsSession(address) {
		return nil, ErrNoSession
	}
	builder := session.NewBuilderFromSignal(r.signal, address, pbSerializer)
	cipher := session.NewCipher(builder, address)
	ciphertext, err := cipher.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("signalrepo: encrypt failed: %w", err)
	}
	msgType := MsgTypeMsg
	if ciphertext.Type() == protocol.PREKEY_TYPE {
		msgType = MsgTypePreKey
	}
	return &EncryptedMessage{Type: msgType, Ciphertext: ciphertext.Serialize()}, nil
}

// DecryptMessage is the inverse of EncryptMessage. isPreKey indicates the
// ciphertext carries a prekey bundle response and must be parsed as one.
func (r *Repository) DecryptMessage(jid types.JID, ciphertext []byte, isPreKey bool) ([]byte, error) {
	address := JIDToSignalProtocolAddress(jid)
	builder := session.NewBuilderFromSignal(r.signal, address, pbSerializer)
	cipher := session.NewCipher(builder, address)

	if isPreKey {
		msg, err := protocol.NewPreKeySignalMessageFromBytes(ciphertext, pbSerializer.PreKeySignalMessage, pbSerializer.SignalMessage)
		if err != nil {
			return nil, fmt.Errorf("signalrepo: failed to parse prekey message: %w", err)
		}
		plaintext, err := cipher.DecryptMessage(msg)
		if err != nil {
			return nil, fmt.Errorf("signalrepo: failed to decrypt prekey message: %w", err)
		}
		return plaintext, nil
	}

	msg, err := protocol.NewSignalMessageFromBytes(ciphertext, pbSerializer.SignalMessage)
	if err != nil {
		return nil, fmt.Errorf("signalrepo: failed to parse message: %w", err)
	}
	plaintext, err := cipher.Decrypt(msg)
	if err != nil {
		return nil, fmt.Errorf("signalrepo: failed to decrypt message: %w", err)
	}
	return plaintext, nil
}

// EncryptGroupMessage produces a sender-key-encrypted ciphertext for
// group, distributing a fresh SKDM alongside it (new recipients consume
// the SKDM once and then only need the ciphertext).
func (r *Repository) EncryptGroupMessage(group types.JID, meID types.JID, plaintext []byte) (*GroupEncryptedMessage, error) {
	senderKeyName := protocol.NewSenderKeyName(group.String(), JIDToSignalProtocolAddress(meID))
	builder := groups.NewGroupSessionBuilder(r.signal, pbSerializer)

	skdm, err := builder.Create(senderKeyName)
	if err != nil {
		return nil, fmt.Errorf("signalrepo: failed to create sender key distribution message: %w", err)
	}

	cipher := groups.NewGroupCipher(builder, senderKeyName, r.signal)
	ciphertext, err := cipher.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("signalrepo: group encrypt failed: %w", err)
	}

	return &GroupEncryptedMessage{
		Ciphertext:                   ciphertext.SignedSerialize(),
		SenderKeyDistributionMessage: skdm.Serialize(),
	}, nil
}

// DecryptGroupMessage decrypts a sender-key ciphertext from sender within
// group. The caller must have already fed any SenderKeyDistributionMessage
// from sender into ProcessSenderKeyDistributionMessage.
func (r *Repository) DecryptGroupMessage(group types.JID, sender types.JID, ciphertext []byte) ([]byte, error) {
	senderKeyName := protocol.NewSenderKeyName(group.String(), JIDToSignalProtocolAddress(sender))
	builder := groups.NewGroupSessionBuilder(r.signal, pbSerializer)
	cipher := groups.NewGroupCipher(builder, senderKeyName, r.signal)

	msg, err := protocol.NewSenderKeyMessageFromBytes(ciphertext, pbSerializer.SenderKeyMessage)
	if err != nil {
		return nil, fmt.Errorf("signalrepo: failed to parse sender key message: %w", err)
	}
	plaintext, err := cipher.Decrypt(msg)
	if err != nil {
		return nil, fmt.Errorf("signalrepo: group decrypt failed: %w", err)
	}
	return plaintext, nil
}

// ProcessSenderKeyDistributionMessage records a sender's group ratchet
// state so subsequent DecryptGroupMessage calls from them succeed.
func (r *Repository) ProcessSenderKeyDistributionMessage(group types.JID, sender types.JID, raw []byte) error {
	senderKeyName := protocol.NewSenderKeyName(group.String(), JIDToSignalProtocolAddress(sender))
	builder := groups.NewGroupSessionBuilder(r.signal, pbSerializer)
	skdm, err := protocol.NewSenderKeyDistributionMessageFromBytes(raw, pbSerializer.SenderKeyDistributionMessage)
	if err != nil {
		return fmt.Errorf("signalrepo: failed to parse sender key distribution message: %w", err)
	}
	builder.Process(senderKeyName, skdm)
	return nil
}

// InjectE2ESession builds a fresh pairwise session with jid from a prekey
// bundle fetched from the server, per spec §4.D.
func (r *Repository) InjectE2ESession(jid types.JID, bundle PreKeyBundleInput) error {
	address := JIDToSignalProtocolAddress(jid)
	builder := session.NewBuilderFromSignal(r.signal, address, pbSerializer)

	var preKeyID *uint32
	var preKeyPublic keys.KeyPair
	if bundle.PreKeyID != nil {
		preKeyID = bundle.PreKeyID
		preKeyPublic.Pub = bundle.PreKey
	}

	pkBundle, err := prekey.NewBundle(
		bundle.RegistrationID,
		uint32(jid.Device),
		preKeyID,
		bundle.SignedPreKeyID,
		preKeyPublic.Pub,
		bundle.SignedPreKey[:],
		bundle.SignedSig[:],
		bundle.IdentityKey,
	)
	if err != nil {
		return fmt.Errorf("signalrepo: failed to build prekey bundle: %w", err)
	}

	if err := builder.ProcessBundle(pkBundle); err != nil {
		return fmt.Errorf("signalrepo: failed to process prekey bundle: %w", err)
	}
	return nil
}

// HasSession reports whether a pairwise session already exists with jid's
// device, so a caller can decide whether a retry needs a fresh prekey
// bundle before re-encrypting.
func (r *Repository) HasSession(jid types.JID) bool {
	return r.signal.ContainsSession(JIDToSignalProtocolAddress(jid))
}

// BuildSenderKeyDistributionMessage returns a fresh SKDM for group without
// re-encrypting a message, for attaching to a retried message that the
// recipient never got the original SKDM-bearing ciphertext for.
func (r *Repository) BuildSenderKeyDistributionMessage(group types.JID, meID types.JID) ([]byte, error) {
	senderKeyName := protocol.NewSenderKeyName(group.String(), JIDToSignalProtocolAddress(meID))
	builder := groups.NewGroupSessionBuilder(r.signal, pbSerializer)
	skdm, err := builder.Create(senderKeyName)
	if err != nil {
		return nil, fmt.Errorf("signalrepo: failed to create sender key distribution message: %w", err)
	}
	return skdm.Serialize(), nil
}

// ErrNoSession is returned by EncryptMessage when no pairwise session
// exists yet for the destination device; the caller (the relay engine)
// must fetch a prekey bundle, call InjectE2ESession, and retry.
var ErrNoSession = fmt.Errorf("signalrepo: no session established")
