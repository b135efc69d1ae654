package socket

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/lattice-chat/wacore/keys"
	waLog "github.com/lattice-chat/wacore/util/log"
)

// NoiseConstruction is the Noise protocol name this transport speaks, per
// spec §4.B: Noise_XX_25519_AESGCM_SHA256.
const NoiseConstruction = "Noise_XX_25519_AESGCM_SHA256"

// NoiseHandshake tracks the symmetric state (hash + chaining key) of an
// in-progress Noise_XX handshake. mixHash/mixKey mirror the construction
// used by Noise implementations generally (see e.g. wireguard-go's
// device/noise-protocol.go), adapted here to AES-GCM/SHA256 instead of
// ChaChaPoly/BLAKE2s.
type NoiseHandshake struct {
	hash [32]byte
	salt [32]byte
	key  cipher.AEAD
}

// NewNoiseHandshake starts a new handshake state with hash and salt both
// set to the SHA-256 of NoiseConstruction. The header bytes sent before the
// Noise client hello are mixed in afterwards by the caller via Authenticate.
func NewNoiseHandshake() *NoiseHandshake {
	nh := &NoiseHandshake{}
	nh.hash = sha256.Sum256([]byte(NoiseConstruction))
	nh.salt = nh.hash
	return nh
}

func (nh *NoiseHandshake) Authenticate(data []byte) {
	h := sha256.New()
	h.Write(nh.hash[:])
	h.Write(data)
	copy(nh.hash[:], h.Sum(nil))
}

// MixIntoKey runs HKDF over the current salt with the given DH output,
// producing a new salt and a new AES-GCM key for the next direction.
func (nh *NoiseHandshake) MixIntoKey(data []byte) error {
	newSalt, newKey := sha512HKDF(nh.salt[:], data)
	copy(nh.salt[:], newSalt)
	aead, err := newAESGCM(newKey)
	if err != nil {
		return fmt.Errorf("noise: failed to create aes cipher: %w", err)
	}
	nh.key = aead
	return nil
}

func sha512HKDF(salt, input []byte) (part1, part2 []byte) {
	reader := hkdf.New(sha256.New, input, salt, nil)
	out := make([]byte, 64)
	_, _ = reader.Read(out)
	return out[:32], out[32:]
}

func (nh *NoiseHandshake) Encrypt(plaintext []byte) ([]byte, error) {
	ciphertext := nh.key.Seal(nil, generateIV(0), plaintext, nh.hash[:])
	nh.Authenticate(ciphertext)
	return ciphertext, nil
}

func (nh *NoiseHandshake) Decrypt(ciphertext []byte) ([]byte, error) {
	plaintext, err := nh.key.Open(nil, generateIV(0), ciphertext, nh.hash[:])
	if err != nil {
		return nil, fmt.Errorf("noise: %w", err)
	}
	nh.Authenticate(ciphertext)
	return plaintext, nil
}

func generateIV(count uint64) []byte {
	iv := make([]byte, 12)
	iv[4] = byte(count >> 56)
	iv[5] = byte(count >> 48)
	iv[6] = byte(count >> 40)
	iv[7] = byte(count >> 32)
	iv[8] = byte(count >> 24)
	iv[9] = byte(count >> 16)
	iv[10] = byte(count >> 8)
	iv[11] = byte(count)
	return iv
}

func dh(priv *[32]byte, pub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("noise: dh failed: %w", err)
	}
	return shared, nil
}

// EphemeralKeyPair is a thin alias so call sites in handshake.go read
// naturally without importing keys directly everywhere.
type EphemeralKeyPair = keys.KeyPair

// DH performs the X25519 agreement between a local private key and a
// remote public key, exported for the root-level handshake driver.
func DH(priv *[32]byte, pub [32]byte) ([]byte, error) {
	return dh(priv, pub)
}

// Finish derives the final write/read traffic keys from the handshake
// salt (no DH input, per Noise XX: the last MixKey call before transport
// takes place implicitly by hashing zero bytes) and wraps fs in a
// NoiseSocket using them. After Finish the handshake's own key is no
// longer used; all further framing goes through the returned socket.
func (nh *NoiseHandshake) Finish(fs *FrameSocket, log waLog.Logger, onFrame func([]byte)) (*NoiseSocket, error) {
	writeKeyBytes, readKeyBytes := sha512HKDF(nh.salt[:], nil)
	writeCipher, err := newAESGCM(writeKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("noise: failed to build write cipher: %w", err)
	}
	readCipher, err := newAESGCM(readKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("noise: failed to build read cipher: %w", err)
	}
	writeState := &NoiseHandshake{key: writeCipher}
	readState := &NoiseHandshake{key: readCipher}
	return NewNoiseSocket(fs, log, writeState, readState, onFrame), nil
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
