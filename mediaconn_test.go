package wacore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMediaConn_Expired(t *testing.T) {
	var mc *MediaConn
	require.True(t, mc.expired(), "nil media conn is always expired")

	mc = &MediaConn{TTL: time.Minute, FetchedAt: time.Now()}
	require.False(t, mc.expired())

	mc = &MediaConn{TTL: time.Minute, FetchedAt: time.Now().Add(-2 * time.Minute)}
	require.True(t, mc.expired())
}

func TestMediaHKDFExpand_DeterministicAndDistinctByInfo(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	iv1, cipherKey1, macKey1, err := mediaHKDFExpand(key, "WhatsApp History Keys")
	require.NoError(t, err)
	require.Len(t, iv1, 16)
	require.Len(t, cipherKey1, 32)
	require.Len(t, macKey1, 32)

	iv2, _, _, err := mediaHKDFExpand(key, "WhatsApp Image Keys")
	require.NoError(t, err)
	require.NotEqual(t, iv1, iv2, "different info strings must derive different keys")

	iv1Again, cipherKey1Again, macKey1Again, err := mediaHKDFExpand(key, "WhatsApp History Keys")
	require.NoError(t, err)
	require.Equal(t, iv1, iv1Again)
	require.Equal(t, cipherKey1, cipherKey1Again)
	require.Equal(t, macKey1, macKey1Again)
}

func encryptMediaPayloadForTest(t *testing.T, plaintext, iv, cipherKey, macKey []byte) []byte {
	t.Helper()
	padded, err := padPKCS7ForTest(plaintext)
	require.NoError(t, err)
	block, err := aes.NewCipher(cipherKey)
	require.NoError(t, err)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	h := hmac.New(sha256.New, macKey)
	h.Write(iv)
	h.Write(ciphertext)
	mac := h.Sum(nil)[:10]
	return append(ciphertext, mac...)
}

func padPKCS7ForTest(data []byte) ([]byte, error) {
	padLen := aes.BlockSize - len(data)%aes.BlockSize
	return append(append([]byte(nil), data...), makeRepeated(byte(padLen), padLen)...), nil
}

func makeRepeated(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestDecryptMediaPayload_RoundTrip(t *testing.T) {
	mediaKey := []byte("supersecretmediakeyyyyyyyyyyyyyy")
	iv, cipherKey, macKey, err := mediaHKDFExpand(mediaKey, mediaAppInfoHistorySync)
	require.NoError(t, err)

	plaintext := []byte("this is a fake history sync blob payload")
	payload := encryptMediaPayloadForTest(t, plaintext, iv, cipherKey, macKey)

	decrypted, err := decryptMediaPayload(payload, iv, cipherKey, macKey)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestDecryptMediaPayload_RejectsTamperedMAC(t *testing.T) {
	mediaKey := []byte("supersecretmediakeyyyyyyyyyyyyyy")
	iv, cipherKey, macKey, err := mediaHKDFExpand(mediaKey, mediaAppInfoHistorySync)
	require.NoError(t, err)

	payload := encryptMediaPayloadForTest(t, []byte("hello"), iv, cipherKey, macKey)
	payload[len(payload)-1] ^= 0xFF

	_, err = decryptMediaPayload(payload, iv, cipherKey, macKey)
	require.Error(t, err)
}

func TestUnpadPKCS7_RejectsInvalid(t *testing.T) {
	_, err := unpadPKCS7(nil)
	require.Error(t, err)

	_, err = unpadPKCS7([]byte{1, 2, 3, 0})
	require.Error(t, err)
}
