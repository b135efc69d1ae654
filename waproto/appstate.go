package waproto

import "google.golang.org/protobuf/encoding/protowire"

// AppStateSyncKeyShare carries one or more app-state sync keys pushed from
// the primary device so this device can decrypt app-state patches.
type AppStateSyncKeyShare struct {
	Keys []*AppStateSyncKey
}

func (a *AppStateSyncKeyShare) GetKeys() []*AppStateSyncKey {
	if a == nil {
		return nil
	}
	return a.Keys
}

type AppStateSyncKeyId struct {
	KeyID []byte
}

func (k *AppStateSyncKeyId) GetKeyId() []byte {
	if k == nil {
		return nil
	}
	return k.KeyID
}

type AppStateSyncKeyFingerprint struct {
	RawID         *uint32
	CurrentIndex  *uint32
	DeviceIndexes []uint32
}

type AppStateSyncKeyData struct {
	KeyData     []byte
	Fingerprint []byte
	Timestamp   int64
}

func (d *AppStateSyncKeyData) GetKeyData() []byte {
	if d == nil {
		return nil
	}
	return d.KeyData
}

func (d *AppStateSyncKeyData) GetFingerprint() []byte {
	if d == nil {
		return nil
	}
	return d.Fingerprint
}

func (d *AppStateSyncKeyData) GetTimestamp() int64 {
	if d == nil {
		return 0
	}
	return d.Timestamp
}

type AppStateSyncKey struct {
	KeyID   *AppStateSyncKeyId
	KeyData *AppStateSyncKeyData
}

func (k *AppStateSyncKey) GetKeyId() *AppStateSyncKeyId {
	if k == nil {
		return nil
	}
	return k.KeyID
}

func (k *AppStateSyncKey) GetKeyData() *AppStateSyncKeyData {
	if k == nil {
		return nil
	}
	return k.KeyData
}

// ADVSignedDeviceIdentity is the signed proof of device identity exchanged
// during pairing and attached to outbound stanzas whenever a recipient node
// is a pkmsg (see spec §3 and §4.G step 10).
type ADVSignedDeviceIdentity struct {
	Details             []byte
	AccountSignatureKey []byte
	AccountSignature    []byte
	DeviceSignature     []byte
}

func (a *ADVSignedDeviceIdentity) GetDetails() []byte {
	if a == nil {
		return nil
	}
	return a.Details
}

// MarshalDeviceIdentity encodes a to its wire form, for embedding in a
// <device-identity> node (spec §4.G step 10).
func MarshalDeviceIdentity(a *ADVSignedDeviceIdentity) []byte {
	var b []byte
	if a == nil {
		return b
	}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, a.Details)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, a.AccountSignatureKey)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, a.AccountSignature)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, a.DeviceSignature)
	return b
}
