package store

import (
	"go.mau.fi/libsignal/ecc"
	groupRecord "go.mau.fi/libsignal/groups/state/record"
	"go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/serialize"
	"go.mau.fi/libsignal/state/record"
)

// serializer is shared by every session/sender-key record this store
// (de)serializes, matching the protobuf wire format go.mau.fi/libsignal
// uses by default.
var serializer = serialize.NewProtoBufSerializer()

// SignalProtocolStore adapts a Device's own typed stores (IdentityStore,
// SessionStore, PreKeyStore, SenderKeyStore) to the store interfaces
// go.mau.fi/libsignal expects from a protocol participant, grounded on
// the same adapter shape whatsmeow keeps between its Device and
// libsignal (see the store.Device fields this wraps).
type SignalProtocolStore struct {
	Device *Device
}

func NewSignalProtocolStore(device *Device) *SignalProtocolStore {
	return &SignalProtocolStore{Device: device}
}

func (s *SignalProtocolStore) GetIdentityKeyPair() *identity.KeyPair {
	pub := identity.NewKey(ecc.NewDjbECPublicKey(*s.Device.IdentityKey.Pub))
	priv := ecc.NewDjbECPrivateKey(*s.Device.IdentityKey.Priv)
	return identity.NewKeyPair(pub, priv)
}

func (s *SignalProtocolStore) GetLocalRegistrationId() uint32 {
	return s.Device.RegistrationID
}

func (s *SignalProtocolStore) SaveIdentity(address *protocol.SignalAddress, identityKey *identity.Key) error {
	var key [32]byte
	copy(key[:], identityKey.PublicKey().PublicKey()[:])
	return s.Device.Identities.PutIdentity(address.String(), key)
}

func (s *SignalProtocolStore) IsTrustedIdentity(address *protocol.SignalAddress, identityKey *identity.Key) bool {
	var key [32]byte
	copy(key[:], identityKey.PublicKey().PublicKey()[:])
	trusted, err := s.Device.Identities.IsTrustedIdentity(address.String(), key)
	if err != nil {
		s.Device.Log.Errorf("Failed to check trusted identity for %s: %v", address, err)
		return false
	}
	return trusted
}

func (s *SignalProtocolStore) LoadSession(address *protocol.SignalAddress) *record.Session {
	rawSession, err := s.Device.Sessions.GetSession(address.String())
	if err != nil {
		s.Device.Log.Errorf("Failed to load session for %s: %v", address, err)
	}
	if len(rawSession) == 0 {
		return record.NewSession(serializer, serializer)
	}
	sess, err := record.NewSessionFromBytes(rawSession, serializer, serializer)
	if err != nil {
		s.Device.Log.Errorf("Failed to deserialize session for %s: %v", address, err)
		return record.NewSession(serializer, serializer)
	}
	return sess
}

func (s *SignalProtocolStore) GetSubDeviceSessions(name string) []uint32 {
	return nil
}

func (s *SignalProtocolStore) StoreSession(address *protocol.SignalAddress, record *record.Session) {
	if err := s.Device.Sessions.PutSession(address.String(), record.Serialize()); err != nil {
		s.Device.Log.Errorf("Failed to store session for %s: %v", address, err)
	}
}

func (s *SignalProtocolStore) ContainsSession(address *protocol.SignalAddress) bool {
	has, err := s.Device.Sessions.HasSession(address.String())
	if err != nil {
		s.Device.Log.Errorf("Failed to check session existence for %s: %v", address, err)
		return false
	}
	return has
}

func (s *SignalProtocolStore) DeleteSession(address *protocol.SignalAddress) {
	if err := s.Device.Sessions.DeleteSession(address.String()); err != nil {
		s.Device.Log.Errorf("Failed to delete session for %s: %v", address, err)
	}
}

func (s *SignalProtocolStore) DeleteAllSessions() {
	// whatsmeow never needs this; left unimplemented like the teacher's
	// equivalent adapter does for the same reason.
}

func (s *SignalProtocolStore) LoadPreKey(id uint32) *record.PreKey {
	preKey, err := s.Device.PreKeys.GetPreKey(id)
	if err != nil || preKey == nil {
		return nil
	}
	return record.NewPreKey(preKey.KeyID, ecc.NewECKeyPair(
		ecc.NewDjbECPublicKey(*preKey.Pub),
		ecc.NewDjbECPrivateKey(*preKey.Priv),
	), nil)
}

func (s *SignalProtocolStore) StorePreKey(preKeyID uint32, preKeyRecord *record.PreKey) {
	// Prekeys are generated in bulk up front; overwriting one out-of-band
	// here would desync GetOrGenPreKeys's bookkeeping, so this is a no-op.
}

func (s *SignalProtocolStore) ContainsPreKey(preKeyID uint32) bool {
	preKey, err := s.Device.PreKeys.GetPreKey(preKeyID)
	return err == nil && preKey != nil
}

func (s *SignalProtocolStore) RemovePreKey(preKeyID uint32) {
	if err := s.Device.PreKeys.RemovePreKey(preKeyID); err != nil {
		s.Device.Log.Errorf("Failed to remove used prekey %d: %v", preKeyID, err)
	}
}

func (s *SignalProtocolStore) LoadSignedPreKey(signedPreKeyID uint32) *record.SignedPreKey {
	spk := s.Device.SignedPreKey
	if spk == nil || spk.KeyID != signedPreKeyID {
		return nil
	}
	return record.NewSignedPreKey(spk.KeyID, 0, ecc.NewECKeyPair(
		ecc.NewDjbECPublicKey(*spk.Pub),
		ecc.NewDjbECPrivateKey(*spk.Priv),
	), spk.Signature[:], nil)
}

func (s *SignalProtocolStore) LoadSignedPreKeys() []*record.SignedPreKey {
	if s.Device.SignedPreKey == nil {
		return nil
	}
	return []*record.SignedPreKey{s.LoadSignedPreKey(s.Device.SignedPreKey.KeyID)}
}

func (s *SignalProtocolStore) StoreSignedPreKey(signedPreKeyID uint32, record *record.SignedPreKey) {
	// Only one signed prekey is kept per device in this store; rotation
	// replaces Device.SignedPreKey directly instead of going through here.
}

func (s *SignalProtocolStore) ContainsSignedPreKey(signedPreKeyID uint32) bool {
	return s.Device.SignedPreKey != nil && s.Device.SignedPreKey.KeyID == signedPreKeyID
}

func (s *SignalProtocolStore) RemoveSignedPreKey(signedPreKeyID uint32) {
	// Signed prekeys aren't individually removable in this model.
}

func (s *SignalProtocolStore) LoadSenderKey(senderKeyName *protocol.SenderKeyName) *groupRecord.SenderKeyRecord {
	raw, err := s.Device.SenderKeys.GetSenderKey(senderKeyName.GroupID(), senderKeyName.Sender().String())
	if err != nil {
		s.Device.Log.Errorf("Failed to load sender key for %s: %v", senderKeyName, err)
	}
	if len(raw) == 0 {
		return groupRecord.NewSenderKeyRecord()
	}
	rec, err := groupRecord.NewSenderKeyRecordFromBytes(raw, serializer, serializer)
	if err != nil {
		s.Device.Log.Errorf("Failed to deserialize sender key for %s: %v", senderKeyName, err)
		return groupRecord.NewSenderKeyRecord()
	}
	return rec
}

func (s *SignalProtocolStore) StoreSenderKey(senderKeyName *protocol.SenderKeyName, keyRecord *groupRecord.SenderKeyRecord) {
	err := s.Device.SenderKeys.PutSenderKey(senderKeyName.GroupID(), senderKeyName.Sender().String(), keyRecord.Serialize())
	if err != nil {
		s.Device.Log.Errorf("Failed to store sender key for %s: %v", senderKeyName, err)
	}
}
