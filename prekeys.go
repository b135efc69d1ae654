package wacore

import (
	"context"
	"fmt"
	"time"

	"go.mau.fi/libsignal/ecc"

	waBinary "github.com/lattice-chat/wacore/binary"
	"github.com/lattice-chat/wacore/keys"
	"github.com/lattice-chat/wacore/signalrepo"
	"github.com/lattice-chat/wacore/types"
)

// wantedPreKeyCount is how many one-time prekeys uploadPreKeys tries to
// keep available on the server at once (spec §8 scenario 2 uses a batch
// of 5 for its exhaustion walkthrough; production keeps a larger buffer).
const wantedPreKeyCount = 50

// minPreKeyCount is the server-reported remaining-prekey threshold below
// which uploadPreKeys tops the pool back up.
const minPreKeyCount = 5

// preKeyUploadInterval throttles re-checking the server's remaining
// prekey count, grounded on the teacher's uploadPreKeysLock/lastPreKeyUpload
// fields.
const preKeyUploadInterval = 10 * time.Minute

func preKeyToNode(key *keys.PreKey) waBinary.Node {
	content := []waBinary.Node{
		{Tag: "id", Content: marshalKeyID(key.KeyID)},
		{Tag: "value", Content: key.Pub[:]},
	}
	if key.Signature != nil {
		content = append(content, waBinary.Node{Tag: "signature", Content: key.Signature[:]})
	}
	return waBinary.Node{Tag: "key", Content: content}
}

func marshalKeyID(id uint32) []byte {
	return []byte{byte(id >> 16), byte(id >> 8), byte(id)}
}

func unmarshalKeyID(data []byte) uint32 {
	var id uint32
	for _, b := range data {
		id = id<<8 | uint32(b)
	}
	return id
}

// uploadPreKeys ensures the server has at least minPreKeyCount one-time
// prekeys available, generating and uploading a fresh batch of
// wantedPreKeyCount when it's run low, per spec §8 scenario 2.
func (cli *Client) uploadPreKeys() error {
	cli.uploadPreKeysLock.Lock()
	defer cli.uploadPreKeysLock.Unlock()
	if time.Since(cli.lastPreKeyUpload) < preKeyUploadInterval {
		return nil
	}

	uploaded, err := cli.Store.PreKeys.UploadedPreKeyCount()
	if err != nil {
		return fmt.Errorf("failed to get uploaded prekey count: %w", err)
	}
	if uploaded >= minPreKeyCount {
		cli.lastPreKeyUpload = time.Now()
		return nil
	}

	newKeys, err := cli.Store.PreKeys.GetOrGenPreKeys(wantedPreKeyCount)
	if err != nil {
		return fmt.Errorf("failed to get prekeys to upload: %w", err)
	}
	if len(newKeys) == 0 {
		cli.lastPreKeyUpload = time.Now()
		return nil
	}

	keyNodes := make([]waBinary.Node, len(newKeys))
	var maxKeyID uint32
	for i, key := range newKeys {
		keyNodes[i] = preKeyToNode(key)
		if key.KeyID > maxKeyID {
			maxKeyID = key.KeyID
		}
	}

	registrationIDBytes := marshalKeyID(cli.Store.RegistrationID)
	_, err = cli.sendIQ(infoQuery{
		Namespace: "encrypt",
		Type:      iqSet,
		To:        types.ServerJID,
		Content: []waBinary.Node{
			{Tag: "registration", Content: registrationIDBytes[1:]},
			{Tag: "type", Content: []byte{ecc.DjbType}},
			{Tag: "identity", Content: cli.Store.IdentityKey.Pub[:]},
			{Tag: "list", Content: keyNodes},
			preKeyToNode(cli.Store.SignedPreKey),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send prekeys: %w", err)
	}

	if err = cli.Store.PreKeys.MarkPreKeysAsUploaded(maxKeyID); err != nil {
		return fmt.Errorf("failed to mark prekeys as uploaded: %w", err)
	}
	cli.lastPreKeyUpload = time.Now()
	return nil
}

// preKeyResp is one entry of fetchPreKeys' result: either a usable bundle
// or the error encountered parsing/requesting it.
type preKeyResp struct {
	bundle *signalrepo.PreKeyBundleInput
	err    error
}

// fetchPreKeys requests prekey bundles for jids via a single
// <iq type=get xmlns=encrypt> and parses each <user> child's response.
func (cli *Client) fetchPreKeys(ctx context.Context, jids []types.JID) (map[types.JID]preKeyResp, error) {
	keyUsers := make([]waBinary.Node, len(jids))
	for i, jid := range jids {
		keyUsers[i] = waBinary.Node{Tag: "user", Attrs: waBinary.Attrs{"jid": jid}}
	}
	resp, err := cli.sendIQ(infoQuery{
		Namespace: "encrypt",
		Type:      iqGet,
		To:        types.ServerJID,
		Context:   ctx,
		Content: []waBinary.Node{{
			Tag:     "key",
			Content: keyUsers,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send prekey request: %w", err)
	}

	out := make(map[types.JID]preKeyResp, len(jids))
	listNode := resp.GetChildByTag("list")
	for _, userNode := range listNode.GetChildrenByTag("user") {
		jid := userNode.AttrGetter().JID("jid")
		bundle, parseErr := nodeToPreKeyBundle(&userNode)
		out[jid] = preKeyResp{bundle: bundle, err: parseErr}
	}
	for _, jid := range jids {
		if _, ok := out[jid]; !ok {
			out[jid] = preKeyResp{err: ErrInvalidPrekeyResp}
		}
	}
	return out, nil
}

// nodeToPreKeyBundle parses a usersNode <user><registration/><identity/>
// <skey>.../<key>...</user> response into the input InjectE2ESession wants.
func nodeToPreKeyBundle(userNode *waBinary.Node) (*signalrepo.PreKeyBundleInput, error) {
	errorNode, ok := userNode.GetOptionalChildByTag("error")
	if ok {
		return nil, &ServerErrorResponse{Code: errorNode.AttrGetter().OptionalInt("code")}
	}

	registrationBytes, ok := userNode.GetChildByTag("registration").Content.([]byte)
	if !ok {
		return nil, fmt.Errorf("missing registration ID in prekey response")
	}
	registrationID := unmarshalKeyID(registrationBytes)

	identityNode := userNode.GetChildByTag("identity")
	identityBytes, ok := identityNode.Content.([]byte)
	if !ok || len(identityBytes) != 32 {
		return nil, fmt.Errorf("missing or invalid identity key in prekey response")
	}
	var identityKey [32]byte
	copy(identityKey[:], identityBytes)

	skeyNode := userNode.GetChildByTag("skey")
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

	keyNode, hasKey := userNode.GetOptionalChildByTag("key")
	if hasKey {
		preKeyID, preKeyPub, _, err := parseKeyNode(keyNode, false)
		if err != nil {
			return nil, fmt.Errorf("failed to parse one-time prekey: %w", err)
		}
		id := preKeyID
		pub := preKeyPub
		bundle.PreKeyID = &id
		bundle.PreKey = &pub
	}
	return bundle, nil
}

func parseKeyNode(node waBinary.Node, signed bool) (id uint32, pub [32]byte, sig [64]byte, err error) {
	idNode := node.GetChildByTag("id")
	idBytes, ok := idNode.Content.([]byte)
	if !ok {
		err = fmt.Errorf("missing key id")
		return
	}
	id = unmarshalKeyID(idBytes)

	valueNode := node.GetChildByTag("value")
	valueBytes, ok := valueNode.Content.([]byte)
	if !ok || len(valueBytes) != 32 {
		err = fmt.Errorf("missing or invalid key value")
		return
	}
	copy(pub[:], valueBytes)

	if signed {
		sigNode := node.GetChildByTag("signature")
		sigBytes, ok := sigNode.Content.([]byte)
		if !ok || len(sigBytes) != 64 {
			err = fmt.Errorf("missing or invalid signature")
			return
		}
		copy(sig[:], sigBytes)
	}
	return
}
