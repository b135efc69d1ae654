package wacore

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lattice-chat/wacore/keys"
	"github.com/lattice-chat/wacore/socket"
)

// Handshake message field numbers, component B (spec §4.B). These mirror
// the wire shape of WhatsApp's own HandshakeMessage: one of clientHello,
// serverHello or clientFinish is set per frame, each carrying an
// ephemeral/static/payload trio.
const (
	fieldClientHello  = 2
	fieldServerHello  = 3
	fieldClientFinish = 4

	fieldHelloEphemeral = 1
	fieldHelloStatic    = 2
	fieldHelloPayload   = 3
)

func encodeClientHello(ephemeral [32]byte) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, fieldHelloEphemeral, protowire.BytesType)
	inner = protowire.AppendBytes(inner, ephemeral[:])
	var out []byte
	out = protowire.AppendTag(out, fieldClientHello, protowire.BytesType)
	out = protowire.AppendBytes(out, inner)
	return out
}

func encodeClientFinish(encryptedStatic, encryptedPayload []byte) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, fieldHelloStatic, protowire.BytesType)
	inner = protowire.AppendBytes(inner, encryptedStatic)
	inner = protowire.AppendTag(inner, fieldHelloPayload, protowire.BytesType)
	inner = protowire.AppendBytes(inner, encryptedPayload)
	var out []byte
	out = protowire.AppendTag(out, fieldClientFinish, protowire.BytesType)
	out = protowire.AppendBytes(out, inner)
	return out
}

type serverHello struct {
	ephemeral [32]byte
	static    []byte
	payload   []byte
}

func decodeServerHello(data []byte) (*serverHello, error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("handshake: malformed server hello tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if num != fieldServerHello || typ != protowire.BytesType {
			skip := protowire.ConsumeFieldValue(num, typ, data)
			if skip < 0 {
				return nil, fmt.Errorf("handshake: malformed server hello field: %w", protowire.ParseError(skip))
			}
			data = data[skip:]
			continue
		}
		inner, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("handshake: malformed server hello body: %w", protowire.ParseError(n))
		}
		return parseServerHelloBody(inner)
	}
	return nil, fmt.Errorf("handshake: response did not contain a server hello")
}

func parseServerHelloBody(data []byte) (*serverHello, error) {
	sh := &serverHello{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("handshake: malformed server hello body tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			skip := protowire.ConsumeFieldValue(num, typ, data)
			if skip < 0 {
				return nil, fmt.Errorf("handshake: malformed server hello body field: %w", protowire.ParseError(skip))
			}
			data = data[skip:]
			continue
		}
		val, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("handshake: malformed server hello body bytes: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldHelloEphemeral:
			if len(val) != 32 {
				return nil, fmt.Errorf("handshake: server ephemeral key has wrong length %d", len(val))
			}
			copy(sh.ephemeral[:], val)
		case fieldHelloStatic:
			sh.static = val
		case fieldHelloPayload:
			sh.payload = val
		}
	}
	return sh, nil
}

// doHandshake drives the Noise_XX_25519_AESGCM_SHA256 handshake over fs
// (spec §4.B), installing the resulting NoiseSocket as cli.socket on
// success. ephemeralKP is the client's handshake ephemeral keypair,
// generated fresh per connection attempt by the caller.
//
// fs.Header, already written by fs.Connect, is mixed into the handshake
// hash. The device store holds no routing info, so nothing is prepended
// ahead of that header. This function only drives the three XX messages
// once the header is on the wire.
func (cli *Client) doHandshake(fs *socket.FrameSocket, ephemeralKP keys.KeyPair) error {
	nh := socket.NewNoiseHandshake()
	nh.Authenticate(fs.Header)
	nh.Authenticate(ephemeralKP.Pub[:])

	if err := fs.SendFrame(encodeClientHello(*ephemeralKP.Pub)); err != nil {
		return &HandshakeError{Stage: "client hello", Err: err}
	}

	var resp []byte
	select {
	case resp = <-fs.Frames:
	case <-fs.Context().Done():
		return &HandshakeError{Stage: "server hello", Err: ErrConnectionClosed}
	}

	sh, err := decodeServerHello(resp)
	if err != nil {
		return &HandshakeError{Stage: "server hello", Err: err}
	}
	nh.Authenticate(sh.ephemeral[:])

	dh1, err := socket.DH(ephemeralKP.Priv, sh.ephemeral)
	if err != nil {
		return &HandshakeError{Stage: "ee", Err: err}
	}
	if err = nh.MixIntoKey(dh1); err != nil {
		return &HandshakeError{Stage: "ee", Err: err}
	}

	serverStaticKey, err := nh.Decrypt(sh.static)
	if err != nil {
		return &HandshakeError{Stage: "decrypt server static", Err: err}
	}
	var serverStatic [32]byte
	copy(serverStatic[:], serverStaticKey)

	dh2, err := socket.DH(ephemeralKP.Priv, serverStatic)
	if err != nil {
		return &HandshakeError{Stage: "es", Err: err}
	}
	if err = nh.MixIntoKey(dh2); err != nil {
		return &HandshakeError{Stage: "es", Err: err}
	}

	// The server hello payload carries the signed cert chain proving the
	// static key above; decrypting it is enough to advance the hash, the
	// chain itself is an opaque credential the core doesn't interpret
	// beyond this point.
	if _, err = nh.Decrypt(sh.payload); err != nil {
		return &HandshakeError{Stage: "decrypt cert chain", Err: err}
	}

	encryptedStatic, err := nh.Encrypt(cli.Store.NoiseKey.Pub[:])
	if err != nil {
		return &HandshakeError{Stage: "client finish static", Err: err}
	}

	dh3, err := socket.DH(cli.Store.NoiseKey.Priv, sh.ephemeral)
	if err != nil {
		return &HandshakeError{Stage: "se", Err: err}
	}
	if err = nh.MixIntoKey(dh3); err != nil {
		return &HandshakeError{Stage: "se", Err: err}
	}

	payload, err := cli.getClientPayload()
	if err != nil {
		return &HandshakeError{Stage: "client payload", Err: err}
	}
	encryptedPayload, err := nh.Encrypt(payload)
	if err != nil {
		return &HandshakeError{Stage: "client finish payload", Err: err}
	}

	if err = fs.SendFrame(encodeClientFinish(encryptedStatic, encryptedPayload)); err != nil {
		return &HandshakeError{Stage: "client finish", Err: err}
	}

	ns, err := nh.Finish(fs, cli.Log.Sub("Noise"), cli.handleFrame)
	if err != nil {
		return &HandshakeError{Stage: "finish", Err: err}
	}
	cli.socket = ns
	return nil
}
