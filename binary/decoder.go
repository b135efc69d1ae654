package binary

import (
	"fmt"

	"github.com/lattice-chat/wacore/binary/token"
	"github.com/lattice-chat/wacore/types"
)

// MalformedFrameError is returned when a byte sequence doesn't decode to a
// well-formed Node tree.
type MalformedFrameError struct {
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

type decoder struct {
	data []byte
	pos  int
}

func malformed(format string, args ...interface{}) error {
	return &MalformedFrameError{Reason: fmt.Sprintf(format, args...)}
}

func (d *decoder) readByte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, malformed("unexpected end of input")
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readBytes(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.data) {
		return nil, malformed("unexpected end of input (wanted %d bytes)", n)
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) readListStart() (int, error) {
	op, err := d.readByte()
	if err != nil {
		return 0, err
	}
	switch op {
	case opListEmpty:
		return 0, nil
	case opList8:
		n, err := d.readByte()
		return int(n), err
	case opList16:
		b, err := d.readBytes(2)
		if err != nil {
			return 0, err
		}
		return int(b[0])<<8 | int(b[1]), nil
	default:
		return 0, malformed("expected list start, got opcode %d", op)
	}
}

func (d *decoder) readRawString(op byte) (string, error) {
	switch op {
	case opDictionary0:
		idx, err := d.readByte()
		if err != nil {
			return "", err
		}
		if int(idx) >= len(token.SingleByteTokens) {
			return "", malformed("single-byte token index %d out of range", idx)
		}
		return token.SingleByteTokens[idx], nil
	case opDictionaryExt:
		idx, err := d.readByte()
		if err != nil {
			return "", err
		}
		if int(idx) >= len(token.DoubleByteTokens) {
			return "", malformed("double-byte token index %d out of range", idx)
		}
		return token.DoubleByteTokens[idx], nil
	case opBinary8:
		n, err := d.readByte()
		if err != nil {
			return "", err
		}
		b, err := d.readBytes(int(n))
		return string(b), err
	case opBinary20:
		lb, err := d.readBytes(3)
		if err != nil {
			return "", err
		}
		n := int(lb[0])<<16 | int(lb[1])<<8 | int(lb[2])
		b, err := d.readBytes(n)
		return string(b), err
	case opBinary32:
		lb, err := d.readBytes(4)
		if err != nil {
			return "", err
		}
		n := int(lb[0])<<24 | int(lb[1])<<16 | int(lb[2])<<8 | int(lb[3])
		b, err := d.readBytes(n)
		return string(b), err
	default:
		return "", malformed("expected string, got opcode %d", op)
	}
}

func (d *decoder) readString() (string, error) {
	op, err := d.readByte()
	if err != nil {
		return "", err
	}
	return d.readRawString(op)
}

func (d *decoder) readJID(op byte) (types.JID, error) {
	switch op {
	case opJIDPair:
		user, err := d.readString()
		if err != nil {
			return types.JID{}, err
		}
		server, err := d.readString()
		if err != nil {
			return types.JID{}, err
		}
		return types.NewJID(user, server), nil
	case opJIDAD:
		b, err := d.readBytes(3)
		if err != nil {
			return types.JID{}, err
		}
		device := uint16(b[0])<<8 | uint16(b[1])
		agent := b[2]
		user, err := d.readString()
		if err != nil {
			return types.JID{}, err
		}
		server, err := d.readString()
		if err != nil {
			return types.JID{}, err
		}
		return types.JID{User: user, Device: device, RawAgent: agent, Server: server, AD: true}, nil
	default:
		return types.JID{}, malformed("expected JID, got opcode %d", op)
	}
}

func (d *decoder) readAttrValue() (interface{}, error) {
	op, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if op == opJIDPair || op == opJIDAD {
		return d.readJID(op)
	}
	return d.readRawString(op)
}

func (d *decoder) readContent() (interface{}, error) {
	op, err := d.readByte()
	if err != nil {
		return nil, err
	}
	switch op {
	case opBinary8, opBinary20, opBinary32:
		s, err := d.readRawString(op)
		if err != nil {
			return nil, err
		}
		return []byte(s), nil
	case opListEmpty:
		return []Node{}, nil
	case opList8:
		n, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return d.readNodeList(int(n))
	case opList16:
		b, err := d.readBytes(2)
		if err != nil {
			return nil, err
		}
		return d.readNodeList(int(b[0])<<8 | int(b[1]))
	default:
		return nil, malformed("expected node content, got opcode %d", op)
	}
}

func (d *decoder) readNodeList(count int) ([]Node, error) {
	nodes := make([]Node, count)
	for i := 0; i < count; i++ {
		n, err := d.readNode()
		if err != nil {
			return nil, err
		}
		nodes[i] = n
	}
	return nodes, nil
}

func (d *decoder) readNode() (Node, error) {
	count, err := d.readListStart()
	if err != nil {
		return Node{}, err
	}
	if count == 0 {
		return Node{}, malformed("node must have at least a tag")
	}
	tag, err := d.readString()
	if err != nil {
		return Node{}, err
	}
	remaining := count - 1
	numAttrs := remaining / 2
	hasContent := remaining%2 == 1
	attrs := make(Attrs, numAttrs)
	for i := 0; i < numAttrs; i++ {
		key, err := d.readString()
		if err != nil {
			return Node{}, err
		}
		val, err := d.readAttrValue()
		if err != nil {
			return Node{}, err
		}
		attrs[key] = val
	}
	var content interface{}
	if hasContent {
		content, err = d.readContent()
		if err != nil {
			return Node{}, err
		}
	}
	return Node{Tag: tag, Attrs: attrs, Content: content}, nil
}

// Unmarshal decodes bytes produced by Marshal (minus the leading framing
// byte, which Unpack strips) into a Node tree. It is total over well-formed
// input and returns a *MalformedFrameError otherwise.
func Unmarshal(data []byte) (*Node, error) {
	d := &decoder{data: data}
	n, err := d.readNode()
	if err != nil {
		return nil, err
	}
	return &n, nil
}
