package binary

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/lattice-chat/wacore/binary/token"
	"github.com/lattice-chat/wacore/types"
)

// Opcodes for the binary-node wire format. These are internal to this
// module; they don't need to match any other WhatsApp client implementation
// byte-for-byte, only round-trip losslessly through Marshal/Unmarshal.
const (
	opListEmpty    = 0
	opDictionary0  = 2
	opDictionaryExt = 3
	opJIDPair      = 4
	opJIDAD        = 5
	opBinary8      = 6
	opBinary20     = 7
	opBinary32     = 8
	opList8        = 9
	opList16       = 10
)

type encoder struct {
	buf bytes.Buffer
}

// Marshal encodes a Node to its wire form, including the leading framing
// byte (spec §4.A: "a leading framing byte signals optional zlib
// compression of the remainder"). This implementation never compresses on
// the write side; byte 0 means "uncompressed" the way Unpack expects.
func Marshal(n Node) ([]byte, error) {
	e := &encoder{}
	e.buf.WriteByte(0)
	if err := e.writeNode(n); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

func (e *encoder) writeListStart(count int) error {
	switch {
	case count == 0:
		e.buf.WriteByte(opListEmpty)
	case count < 256:
		e.buf.WriteByte(opList8)
		e.buf.WriteByte(byte(count))
	case count < 1<<16:
		e.buf.WriteByte(opList16)
		e.buf.WriteByte(byte(count >> 8))
		e.buf.WriteByte(byte(count))
	default:
		return fmt.Errorf("binary: node has too many children (%d)", count)
	}
	return nil
}

func (e *encoder) writeBytesRaw(data []byte) error {
	n := len(data)
	switch {
	case n < 256:
		e.buf.WriteByte(opBinary8)
		e.buf.WriteByte(byte(n))
	case n < 1<<20:
		e.buf.WriteByte(opBinary20)
		e.buf.WriteByte(byte(n >> 16))
		e.buf.WriteByte(byte(n >> 8))
		e.buf.WriteByte(byte(n))
	case int64(n) < 1<<32:
		e.buf.WriteByte(opBinary32)
		e.buf.WriteByte(byte(n >> 24))
		e.buf.WriteByte(byte(n >> 16))
		e.buf.WriteByte(byte(n >> 8))
		e.buf.WriteByte(byte(n))
	default:
		return fmt.Errorf("binary: literal too large (%d bytes)", n)
	}
	_, err := e.buf.Write(data)
	return err
}

func (e *encoder) writeString(s string) error {
	if idx, ok := token.IndexOfSingleByte(s); ok {
		e.buf.WriteByte(opDictionary0)
		e.buf.WriteByte(idx)
		return nil
	}
	if idx, ok := token.IndexOfDoubleByte(s); ok {
		e.buf.WriteByte(opDictionaryExt)
		e.buf.WriteByte(idx)
		return nil
	}
	return e.writeBytesRaw([]byte(s))
}

func (e *encoder) writeJID(jid types.JID) error {
	if jid.AD {
		e.buf.WriteByte(opJIDAD)
		e.buf.WriteByte(byte(jid.Device >> 8))
		e.buf.WriteByte(byte(jid.Device))
		e.buf.WriteByte(jid.RawAgent)
		if err := e.writeString(jid.User); err != nil {
			return err
		}
		return e.writeString(jid.Server)
	}
	e.buf.WriteByte(opJIDPair)
	if err := e.writeString(jid.User); err != nil {
		return err
	}
	return e.writeString(jid.Server)
}

func (e *encoder) writeAttrValue(v interface{}) error {
	switch val := v.(type) {
	case types.JID:
		return e.writeJID(val)
	case string:
		return e.writeString(val)
	case int:
		return e.writeString(strconv.Itoa(val))
	case int64:
		return e.writeString(strconv.FormatInt(val, 10))
	case uint32:
		return e.writeString(strconv.FormatUint(uint64(val), 10))
	case uint64:
		return e.writeString(strconv.FormatUint(val, 10))
	case bool:
		return e.writeString(strconv.FormatBool(val))
	default:
		return e.writeString(fmt.Sprint(val))
	}
}

func (e *encoder) writeNode(n Node) error {
	keys := make([]string, 0, len(n.Attrs))
	for k := range n.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	hasContent := n.Content != nil
	total := 1 + len(keys)*2
	if hasContent {
		total++
	}
	if err := e.writeListStart(total); err != nil {
		return err
	}
	if err := e.writeString(n.Tag); err != nil {
		return err
	}
	for _, key := range keys {
		if err := e.writeString(key); err != nil {
			return err
		}
		if err := e.writeAttrValue(n.Attrs[key]); err != nil {
			return err
		}
	}
	if hasContent {
		return e.writeContent(n.Content)
	}
	return nil
}

func (e *encoder) writeContent(content interface{}) error {
	switch val := content.(type) {
	case []byte:
		return e.writeBytesRaw(val)
	case []Node:
		if err := e.writeListStart(len(val)); err != nil {
			return err
		}
		for i := range val {
			if err := e.writeNode(val[i]); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("binary: unsupported content type %T", content)
	}
}
