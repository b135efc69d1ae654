package socket

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	waLog "github.com/lattice-chat/wacore/util/log"
)

// NoiseSocket wraps a FrameSocket once the Noise_XX handshake has
// completed, encrypting outgoing frames and decrypting incoming ones with
// independent monotonically-increasing counters for each direction (spec
// §4.B: "write and read nonces are separate monotonic counters seeded at
// zero after the handshake finishes").
type NoiseSocket struct {
	fs  *FrameSocket
	log waLog.Logger

	writeKey cipherState
	readKey  cipherState

	onFrame      func([]byte)
	destroyed    atomic.Bool
	stopConsumer chan struct{}
	stopOnce     sync.Once
}

type cipherState struct {
	hs      *NoiseHandshake
	counter uint64
}

// NewNoiseSocket builds the post-handshake socket from the split traffic
// keys the handshake derived. writeKey/readKey carry AES-GCM
// keys only; their hash fields are unused after the handshake completes.
func NewNoiseSocket(fs *FrameSocket, log waLog.Logger, writeKey, readKey *NoiseHandshake, onFrame func([]byte)) *NoiseSocket {
	ns := &NoiseSocket{
		fs:           fs,
		log:          log,
		writeKey:     cipherState{hs: writeKey},
		readKey:      cipherState{hs: readKey},
		onFrame:      onFrame,
		stopConsumer: make(chan struct{}),
	}
	fs.OnDisconnect = ns.onDisconnect
	go ns.consumeLoop()
	return ns
}

func (ns *NoiseSocket) onDisconnect(remote bool) {
	ns.destroyed.Store(true)
	ns.stopOnce.Do(func() { close(ns.stopConsumer) })
}

func (ns *NoiseSocket) consumeLoop() {
	for {
		select {
		case frame := <-ns.fs.Frames:
			plaintext, err := ns.decrypt(frame)
			if err != nil {
				ns.log.Errorf("Failed to decrypt frame: %v", err)
				continue
			}
			if ns.onFrame != nil {
				ns.onFrame(plaintext)
			}
		case <-ns.stopConsumer:
			return
		case <-ns.fs.Context().Done():
			return
		}
	}
}

func (ns *NoiseSocket) encrypt(plaintext []byte) ([]byte, error) {
	ciphertext := ns.writeKey.hs.key.Seal(nil, generateIV(ns.writeKey.counter), plaintext, nil)
	ns.writeKey.counter++
	return ciphertext, nil
}

func (ns *NoiseSocket) decrypt(ciphertext []byte) ([]byte, error) {
	plaintext, err := ns.readKey.hs.key.Open(nil, generateIV(ns.readKey.counter), ciphertext, nil)
	ns.readKey.counter++
	if err != nil {
		return nil, fmt.Errorf("noise socket: decrypt failed: %w", err)
	}
	return plaintext, nil
}

// SendFrame encrypts data with the write key/counter and sends it through
// the underlying FrameSocket's length-prefixed framing.
func (ns *NoiseSocket) SendFrame(plaintext []byte) error {
	if ns.destroyed.Load() {
		return ErrSocketClosed
	}
	ciphertext, err := ns.encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("noise socket: encrypt failed: %w", err)
	}
	return ns.fs.SendFrame(ciphertext)
}

func (ns *NoiseSocket) IsConnected() bool {
	return !ns.destroyed.Load()
}

func (ns *NoiseSocket) Context() context.Context {
	return ns.fs.Context()
}

// Stop closes the underlying frame socket. A nonzero code is sent first as
// the websocket close status (see FrameSocket.Close); 0 closes without one.
func (ns *NoiseSocket) Stop(code int) {
	if ns.destroyed.Swap(true) {
		return
	}
	ns.fs.Close(code)
}
