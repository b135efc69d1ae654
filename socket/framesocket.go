package socket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	waLog "github.com/lattice-chat/wacore/util/log"
)

// WAConnHeader is sent as the first bytes of the websocket connection,
// before the Noise handshake client hello. It identifies this as a
// WhatsApp-web-protocol speaker and the wire version in use.
var WAConnHeader = []byte{'W', 'A', 6, 2}

const (
	wsOrigin = "https://web.whatsapp.com"
	wsURL    = "wss://web.whatsapp.com/ws/chat"
)

// FrameSocket wraps a websocket.Conn with the 3-byte big-endian length
// framing used before the Noise session is established (spec §4.B: "every
// Noise message is preceded by a 3-byte big-endian length").
type FrameSocket struct {
	conn  *websocket.Conn
	log   waLog.Logger
	proxy Proxy

	Header []byte

	OnDisconnect func(remote bool)
	Frames       chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	writeLock sync.Mutex

	// Partial-frame reassembly state, carried across readLoop calls when a
	// length-prefixed frame (or even its 3-byte length header) arrives split
	// across more than one underlying websocket message.
	partialHeader []byte
	partialFrame  []byte
	partialNeed   int
}

// NewFrameSocket creates a FrameSocket ready to Connect.
func NewFrameSocket(log waLog.Logger, header []byte, proxy Proxy) *FrameSocket {
	ctx, cancel := context.WithCancel(context.Background())
	return &FrameSocket{
		log:    log,
		Header: header,
		proxy:  proxy,
		Frames: make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (fs *FrameSocket) Context() context.Context {
	return fs.ctx
}

// Connect dials the WhatsApp web websocket and starts the read loop. The
// header (fs.Header; Client.Connect always passes WAConnHeader, and no
// routing info is stored or prepended) is written as the very first bytes
// on the wire, ahead of anything Noise-framed.
func (fs *FrameSocket) Connect() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
		Proxy:            fs.proxy,
	}
	headers := http.Header{"Origin": {wsOrigin}}
	conn, _, err := dialer.Dial(wsURL, headers)
	if err != nil {
		return fmt.Errorf("failed to dial websocket: %w", err)
	}
	fs.conn = conn
	if _, err = fs.writeRaw(fs.Header); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send header: %w", err)
	}
	go fs.readLoop()
	return nil
}

func (fs *FrameSocket) writeRaw(data []byte) (int, error) {
	fs.writeLock.Lock()
	defer fs.writeLock.Unlock()
	return len(data), fs.conn.WriteMessage(websocket.BinaryMessage, data)
}

// SendFrame writes data prefixed with its 3-byte big-endian length.
func (fs *FrameSocket) SendFrame(data []byte) error {
	if fs.conn == nil {
		return ErrSocketClosed
	}
	length := len(data)
	if length >= FrameMaxSize {
		return fmt.Errorf("frame too large (%d bytes)", length)
	}
	frame := make([]byte, 3+length)
	frame[0] = byte(length >> 16)
	frame[1] = byte(length >> 8)
	frame[2] = byte(length)
	copy(frame[3:], data)
	_, err := fs.writeRaw(frame)
	return err
}

func (fs *FrameSocket) readLoop() {
	defer func() {
		fs.cancel()
		if fs.OnDisconnect != nil {
			fs.OnDisconnect(true)
		}
	}()
	for {
		_, msg, err := fs.conn.ReadMessage()
		if err != nil {
			fs.log.Debugf("Error reading from websocket: %v", err)
			return
		}
		fs.framePartial(msg)
	}
}

// framePartial buffers bytes until at least one complete length-prefixed
// frame is available, then emits it on Frames. WhatsApp's websocket
// transport frames may batch multiple logical Noise frames into a single
// underlying websocket message and vice versa, and a single frame's bytes
// (even its 3-byte length header) can arrive split across reads; both the
// in-progress header and the in-progress body are carried over to the next
// call instead of being dropped.
func (fs *FrameSocket) framePartial(data []byte) {
	if len(fs.partialHeader) > 0 {
		data = append(fs.partialHeader, data...)
		fs.partialHeader = nil
	}
	if fs.partialFrame != nil {
		need := fs.partialNeed - len(fs.partialFrame)
		if len(data) < need {
			fs.partialFrame = append(fs.partialFrame, data...)
			return
		}
		fs.partialFrame = append(fs.partialFrame, data[:need]...)
		data = data[need:]
		fs.emitFrame(fs.partialFrame)
		fs.partialFrame = nil
		fs.partialNeed = 0
	}
	for len(data) >= 3 {
		length := int(data[0])<<16 | int(data[1])<<8 | int(data[2])
		data = data[3:]
		if len(data) < length {
			fs.partialFrame = append([]byte{}, data...)
			fs.partialNeed = length
			return
		}
		fs.emitFrame(data[:length])
		data = data[length:]
	}
	if len(data) > 0 {
		fs.partialHeader = append([]byte{}, data...)
	}
}

func (fs *FrameSocket) emitFrame(frame []byte) {
	select {
	case fs.Frames <- append([]byte{}, frame...):
	default:
		fs.log.Warnf("Frame channel full, dropping frame")
	}
}

// Close closes the underlying websocket. A nonzero code sends a close
// frame with that status code first (graceful close per spec §4.B);
// code==0 closes ungracefully.
func (fs *FrameSocket) Close(code int) {
	if fs.conn == nil {
		return
	}
	if code != 0 {
		msg := websocket.FormatCloseMessage(code, "")
		_ = fs.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	_ = fs.conn.Close()
	fs.cancel()
}
