// Copyright (c) 2021 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package store contains the interfaces a Device needs its persistence
// layer to implement, plus the Device struct itself (component C).
package store

import (
	"time"

	"github.com/lattice-chat/wacore/keys"
	"github.com/lattice-chat/wacore/types"
	"github.com/lattice-chat/wacore/waproto"
	waLog "github.com/lattice-chat/wacore/util/log"
)

type IdentityStore interface {
	PutIdentity(address string, key [32]byte) error
	IsTrustedIdentity(address string, key [32]byte) (bool, error)
	DeleteIdentity(address string) error
}

type SessionStore interface {
	GetSession(address string) ([]byte, error)
	HasSession(address string) (bool, error)
	PutSession(address string, session []byte) error
	DeleteSession(address string) error
}

type PreKeyStore interface {
	GetOrGenPreKeys(count uint32) ([]*keys.PreKey, error)
	GenOnePreKey() (*keys.PreKey, error)
	GetPreKey(id uint32) (*keys.PreKey, error)
	RemovePreKey(id uint32) error
	MarkPreKeysAsUploaded(upToID uint32) error
	UploadedPreKeyCount() (int, error)
}

type SenderKeyStore interface {
	PutSenderKey(group, user string, session []byte) error
	GetSenderKey(group, user string) ([]byte, error)
}

// AppStateSyncKey is a single app-state mutation-decryption key, keyed by
// its opaque key ID (spec §4.C: "keys are content-addressed, never
// overwritten, and have no expiry of their own").
type AppStateSyncKey struct {
	Data        []byte
	Fingerprint []byte
	Timestamp   int64
}

type AppStateSyncKeyStore interface {
	PutAppStateSyncKey(id []byte, key AppStateSyncKey) error
	GetAppStateSyncKey(id []byte) (*AppStateSyncKey, error)
}

type AppStateMutationMAC struct {
	IndexMAC []byte
	ValueMAC []byte
}

type AppStateStore interface {
	PutAppStateVersion(name string, version uint64, hash [128]byte) error
	GetAppStateVersion(name string) (uint64, [128]byte, error)
	DeleteAppStateVersion(name string) error

	PutAppStateMutationMACs(name string, version uint64, mutations []AppStateMutationMAC) error
	DeleteAppStateMutationMACs(name string, indexMACs [][]byte) error
	GetAppStateMutationMAC(name string, indexMAC []byte) (valueMAC []byte, err error)
}

type ContactStore interface {
	PutPushName(user types.JID, pushName string) (changed bool, previous string, err error)
	PutBusinessName(user types.JID, businessName string) error
	PutContactName(user types.JID, fullName, firstName string) error
	GetContact(user types.JID) (types.ContactInfo, error)
}

type ChatSettingsStore interface {
	PutMutedUntil(chat types.JID, mutedUntil time.Time) error
	PutPinned(chat types.JID, pinned bool) error
	PutArchived(chat types.JID, archived bool) error
	GetChatSettings(chat types.JID) (types.LocalChatSettings, error)
}

// DeviceContainer is implemented by whatever holds many Devices (a SQL
// table keyed by JID, typically); Device.Save/Delete call back into it.
type DeviceContainer interface {
	PutDevice(store *Device) error
	DeleteDevice(store *Device) error
}

// Device is the full set of keys and persistence handles that identify
// one logged-in WhatsApp multidevice session (spec's "authentication
// credentials" concept, component C).
type Device struct {
	Log waLog.Logger

	NoiseKey       *keys.KeyPair
	IdentityKey    *keys.KeyPair
	SignedPreKey   *keys.PreKey
	RegistrationID uint32
	AdvSecretKey   []byte

	ID           *types.JID
	LID          types.JID
	Account      *waproto.ADVSignedDeviceIdentity
	Platform     string
	BusinessName string
	PushName     string

	FacebookUUID []byte

	Initialized  bool
	Identities   IdentityStore
	Sessions     SessionStore
	PreKeys      PreKeyStore
	SenderKeys   SenderKeyStore
	AppStateKeys AppStateSyncKeyStore
	AppState     AppStateStore
	Contacts     ContactStore
	ChatSettings ChatSettingsStore
	Container    DeviceContainer
}

func (device *Device) Save() error {
	return device.Container.PutDevice(device)
}

func (device *Device) Delete() error {
	return device.Container.DeleteDevice(device)
}

// GetJID returns the device's own JID, or an empty JID if it hasn't
// completed pairing yet.
func (device *Device) GetJID() types.JID {
	if device.ID == nil {
		return types.EmptyJID
	}
	return *device.ID
}
