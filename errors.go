// Copyright (c) 2021 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package wacore

import (
	"errors"
	"fmt"

	"github.com/lattice-chat/wacore/types"
)

var (
	ErrNotConnected     = errors.New("websocket not connected")
	ErrNotLoggedIn      = errors.New("the store doesn't contain a device JID")
	ErrAlreadyConnected = errors.New("websocket is already connected")

	ErrIQTimedOut         = errors.New("info query timed out")
	ErrIQDisconnected     = errors.New("websocket disconnected before info query returned response")
	ErrNotSubscribed      = errors.New("can't send IQ to a user you're not subscribed to")
	ErrTimeout            = errors.New("request timed out")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrNoResponseHandlers = errors.New("no more response handlers available")

	ErrNoSession         = errors.New("no signal session established")
	ErrNoPrekeyBundle    = errors.New("didn't find prekey bundle for device")
	ErrInvalidPrekeyResp = errors.New("invalid prekey bundle response")
	ErrNoDevices         = errors.New("usync returned no devices")

	ErrUnknownServer            = errors.New("cannot send message to unknown server")
	ErrRecipientADJID           = errors.New("message recipient must not be an AD jid")
	ErrBroadcastListUnsupported = errors.New("sending to broadcast lists is not currently supported")
)

// MalformedFrameError indicates a frame's binary-node encoding could not
// be parsed (component A).
type MalformedFrameError struct {
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

// HandshakeError wraps a failure during the Noise_XX handshake
// (component B).
type HandshakeError struct {
	Stage string
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("noise handshake failed at %s: %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// DecryptError wraps a failure to decrypt an inbound message, carrying
// enough context for the retry-receipt path to decide whether to
// request a resend.
type DecryptError struct {
	Sender  types.JID
	IsGroup bool
	Err     error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("failed to decrypt message from %s: %v", e.Sender, e.Err)
}

func (e *DecryptError) Unwrap() error {
	return e.Err
}

// ServerErrorResponse wraps a <error> stanza returned in reply to an IQ.
type ServerErrorResponse struct {
	Code int
	Text string
}

func (e *ServerErrorResponse) Error() string {
	return fmt.Sprintf("server returned error %d: %s", e.Code, e.Text)
}

// ElementMissingError indicates a response stanza didn't contain a
// required child element.
type ElementMissingError struct {
	Tag string
	In  string
}

func (e *ElementMissingError) Error() string {
	return fmt.Sprintf("missing <%s> element in %s", e.Tag, e.In)
}
