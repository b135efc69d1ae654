package wacore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/hkdf"

	waBinary "github.com/lattice-chat/wacore/binary"
	"github.com/lattice-chat/wacore/types"
	"github.com/lattice-chat/wacore/waproto"
)

// MediaConn is the parsed response of an `iq type=set xmlns=w:m` media_conn
// query: a set of upload/download hosts plus the auth token to present to
// them, valid for TTL from FetchedAt, per spec §6 "Media conn (outbound)".
type MediaConn struct {
	Hosts     []MediaConnHost
	Auth      string
	TTL       time.Duration
	FetchedAt time.Time
}

type MediaConnHost struct {
	Hostname string
}

func (mc *MediaConn) expired() bool {
	return mc == nil || time.Since(mc.FetchedAt) > mc.TTL
}

// refreshMediaConn returns the cached media conn if it's still within its
// TTL, otherwise queries the server for a fresh one.
func (cli *Client) refreshMediaConn(force bool) (*MediaConn, error) {
	cli.mediaConnLock.Lock()
	defer cli.mediaConnLock.Unlock()
	if !force && !cli.mediaConnCache.expired() {
		return cli.mediaConnCache, nil
	}
	resp, err := cli.sendIQ(infoQuery{
		Namespace: "w:m",
		Type:      iqSet,
		To:        types.ServerJID,
		Content:   []waBinary.Node{{Tag: "media_conn"}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query media_conn: %w", err)
	}
	mediaConnNode, ok := resp.GetOptionalChildByTag("media_conn")
	if !ok {
		return nil, fmt.Errorf("media_conn response is missing media_conn tag")
	}
	ag := mediaConnNode.AttrGetter()
	mc := &MediaConn{
		Auth:      ag.String("auth"),
		TTL:       time.Duration(ag.Int("ttl")) * time.Second,
		FetchedAt: time.Now(),
	}
	for _, hostNode := range mediaConnNode.GetChildrenByTag("host") {
		hostname := hostNode.AttrGetter().String("host")
		if hostname != "" {
			mc.Hosts = append(mc.Hosts, MediaConnHost{Hostname: hostname})
		}
	}
	if !ag.OK() || len(mc.Hosts) == 0 {
		return nil, fmt.Errorf("media_conn response is missing required attributes or hosts")
	}
	cli.mediaConnCache = mc
	return mc, nil
}

// mediaHKDFExpand derives the iv/cipher/mac keys WhatsApp uses for every
// encrypted-media download (the last 32 bytes of the 112-byte expansion,
// the ref key, are not returned), keyed by mediaKey and the per-type
// info string the server and client both derive from the app-info label.
func mediaHKDFExpand(mediaKey []byte, appInfo string) (iv, cipherKey, macKey []byte, err error) {
	reader := hkdf.New(sha256.New, mediaKey, nil, []byte(appInfo))
	expanded := make([]byte, 112)
	if _, err = io.ReadFull(reader, expanded); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to expand media key: %w", err)
	}
	return expanded[:16], expanded[16:48], expanded[48:80], nil
}

// downloadEncryptedMedia fetches ciphertext from one of the cached media
// conn hosts at directPath, verifies its trailing HMAC-SHA256 MAC, and
// returns the decrypted plaintext.
func (cli *Client) downloadEncryptedMedia(directPath string, mediaKey []byte, appInfo string) ([]byte, error) {
	mc, err := cli.refreshMediaConn(false)
	if err != nil {
		return nil, fmt.Errorf("failed to get media conn: %w", err)
	}
	if len(mc.Hosts) == 0 {
		return nil, fmt.Errorf("no media hosts available")
	}
	iv, cipherKey, macKey, err := mediaHKDFExpand(mediaKey, appInfo)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, host := range mc.Hosts {
		url := fmt.Sprintf("https://%s%s&auth=%s", host.Hostname, directPath, mc.Auth)
		data, err := cli.fetchMediaBytes(url)
		if err != nil {
			lastErr = err
			continue
		}
		return decryptMediaPayload(data, iv, cipherKey, macKey)
	}
	return nil, fmt.Errorf("failed to download from any media host: %w", lastErr)
}

func (cli *Client) fetchMediaBytes(url string) ([]byte, error) {
	resp, err := cli.http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to request media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d fetching media", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// decryptMediaPayload splits data into ciphertext and its trailing 10-byte
// truncated HMAC-SHA256 tag, verifies it, then AES-256-CBC decrypts.
func decryptMediaPayload(data, iv, cipherKey, macKey []byte) ([]byte, error) {
	const macLength = 10
	if len(data) < macLength {
		return nil, fmt.Errorf("encrypted media payload too short")
	}
	ciphertext, mac := data[:len(data)-macLength], data[len(data)-macLength:]

	h := hmac.New(sha256.New, macKey)
	h.Write(iv)
	h.Write(ciphertext)
	expectedMAC := h.Sum(nil)[:macLength]
	if !hmac.Equal(mac, expectedMAC) {
		return nil, fmt.Errorf("media MAC verification failed")
	}

	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("encrypted media payload is not a multiple of the AES block size")
	}
	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return unpadPKCS7(plaintext)
}

func unpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unpad empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, fmt.Errorf("invalid PKCS7 padding")
	}
	if !bytes.Equal(data[len(data)-padLen:], bytes.Repeat([]byte{byte(padLen)}, padLen)) {
		return nil, fmt.Errorf("invalid PKCS7 padding")
	}
	return data[:len(data)-padLen], nil
}

// mediaAppInfoHistorySync is the HKDF info label the server uses for
// history-sync blob encryption, mirroring the per-media-type labels
// ("WhatsApp Image Keys" etc.) WhatsApp derives encrypted attachments with.
const mediaAppInfoHistorySync = "WhatsApp History Keys"

// downloadHistorySync fetches and decrypts the history-sync blob notif
// points at, returning the zlib-compressed HistorySync protobuf bytes for
// handleHistorySyncNotification to decompress and parse.
func (cli *Client) downloadHistorySync(notif *waproto.HistorySyncNotification) ([]byte, error) {
	if notif.DirectPath == nil || *notif.DirectPath == "" {
		return nil, fmt.Errorf("history sync notification is missing a direct path")
	}
	return cli.downloadEncryptedMedia(*notif.DirectPath, notif.MediaKey, mediaAppInfoHistorySync)
}
