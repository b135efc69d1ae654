package socket

import "errors"

var (
	// ErrSocketClosed is returned by SendFrame calls made after the socket
	// has been closed or before it has connected.
	ErrSocketClosed = errors.New("frame socket is closed")
	// ErrIQTimedOut is not returned by any code in this module; the
	// handshake's wait for the server hello (handshake.go) has no deadline
	// and ends only when a frame arrives or the frame socket closes.
	ErrIQTimedOut = errors.New("noise handshake timed out")
)
