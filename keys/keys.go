// Package keys contains some wrappers for encryption keys used in WhatsApp web.
package keys

import (
	"crypto/rand"

	"go.mau.fi/libsignal/ecc"
	"golang.org/x/crypto/curve25519"
)

// KeyPair is a public-private key pair used in the X25519/Noise and Signal primitives.
type KeyPair struct {
	Pub  *[32]byte
	Priv *[32]byte
}

// NewKeyPair generates a new x25519 keypair, clamped per the Curve25519 spec.
func NewKeyPair() *KeyPair {
	var priv, pub [32]byte
	_, err := rand.Read(priv[:])
	if err != nil {
		panic(err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	curve25519.ScalarBaseMult(&pub, &priv)
	return &KeyPair{
		Pub:  &pub,
		Priv: &priv,
	}
}

// PreKey is a normal key pair with an ID and optionally a signature attached, used for the initial Signal prekeys.
type PreKey struct {
	KeyPair
	KeyID     uint32
	Signature *[64]byte
}

// CreateSignedPreKey creates a new PreKey with the given ID and signs it using the given identity key pair.
func CreateSignedPreKey(keyID uint32, identityKeyPair *KeyPair) *PreKey {
	key := &PreKey{
		KeyPair: *NewKeyPair(),
		KeyID:   keyID,
	}
	sig := sign(identityKeyPair, key.Pub[:])
	key.Signature = &sig
	return key
}

// sign signs the given data with the given x25519 keypair using the XEdDSA
// construction libsignal expects (go.mau.fi/libsignal/ecc.CalculateSignature).
func sign(keyPair *KeyPair, data []byte) (signature [64]byte) {
	priv := ecc.NewDjbECPrivateKey(*keyPair.Priv)
	sig, err := ecc.CalculateSignature(rand.Reader, priv, data)
	if err != nil {
		panic(err)
	}
	copy(signature[:], sig[:])
	return
}
