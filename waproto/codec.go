package waproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers used on the wire. These are internal to this module (the
// codec is opaque to the rest of the core per spec §1) so they don't need to
// match WhatsApp's own upstream schema, only be stable across encode/decode.
const (
	fieldConversation          = 1
	fieldSenderKeyDistribution = 2
	fieldDeviceSentMessage     = 3
	fieldProtocolMessage       = 4
	fieldEphemeralMessage      = 5
	fieldViewOnceMessage       = 6
	fieldExtendedTextMessage   = 7
	fieldReactionMessage       = 8
	fieldAudioMessage          = 9
	fieldImageMessage          = 10
)

// Marshal encodes a Message to its wire form. Unknown fields captured during
// Unmarshal are replayed verbatim so re-marshaling an unrecognized message
// never drops data.
func Marshal(m *Message) ([]byte, error) {
	var b []byte
	if m == nil {
		return b, nil
	}
	if m.Conversation != nil {
		b = protowire.AppendTag(b, fieldConversation, protowire.BytesType)
		b = protowire.AppendString(b, *m.Conversation)
	}
	if m.SenderKeyDistributionMessage != nil {
		sub := marshalSKDM(m.SenderKeyDistributionMessage)
		b = protowire.AppendTag(b, fieldSenderKeyDistribution, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	if m.DeviceSentMessage != nil {
		sub, err := marshalDeviceSent(m.DeviceSentMessage)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldDeviceSentMessage, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	if m.ProtocolMessage != nil {
		sub, err := marshalProtocolMessage(m.ProtocolMessage)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldProtocolMessage, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	if m.ExtendedTextMessage != nil && m.ExtendedTextMessage.Text != nil {
		b = protowire.AppendTag(b, fieldExtendedTextMessage, protowire.BytesType)
		b = protowire.AppendBytes(b, protowire.AppendString(nil, *m.ExtendedTextMessage.Text))
	}
	for _, u := range m.unknown {
		b = protowire.AppendTag(b, u.num, u.typ)
		b = append(b, u.raw...)
	}
	return b, nil
}

func marshalSKDM(s *SenderKeyDistributionMessage) []byte {
	var b []byte
	if s.GroupID != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, *s.GroupID)
	}
	if s.AxolotlSenderKeyDistributionMessage != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, s.AxolotlSenderKeyDistributionMessage)
	}
	return b
}

func marshalDeviceSent(d *DeviceSentMessage) ([]byte, error) {
	var b []byte
	if d.DestinationJID != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, *d.DestinationJID)
	}
	if d.Message != nil {
		inner, err := Marshal(d.Message)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	if d.Phash != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, *d.Phash)
	}
	return b, nil
}

func marshalProtocolMessage(p *ProtocolMessage) ([]byte, error) {
	var b []byte
	if p.Key != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalMessageKey(p.Key))
	}
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Type))
	if p.HistorySyncNotification != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalHistorySyncNotification(p.HistorySyncNotification))
	}
	if p.AppStateSyncKeyShare != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalAppStateSyncKeyShare(p.AppStateSyncKeyShare))
	}
	if p.EditedMessage != nil {
		inner, err := Marshal(p.EditedMessage)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b, nil
}

func marshalMessageKey(k *MessageKey) []byte {
	var b []byte
	if k.RemoteJID != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, *k.RemoteJID)
	}
	if k.FromMe != nil {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		v := uint64(0)
		if *k.FromMe {
			v = 1
		}
		b = protowire.AppendVarint(b, v)
	}
	if k.ID != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, *k.ID)
	}
	if k.Participant != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, *k.Participant)
	}
	return b
}

// Unmarshal decodes bytes produced by Marshal into dst. Fields it doesn't
// recognize are preserved as opaque bytes so a subsequent Marshal is
// lossless.
func Unmarshal(data []byte, dst *Message) error {
	*dst = Message{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("waproto: invalid tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldConversation:
			s, m, err := consumeString(data, typ)
			if err != nil {
				return err
			}
			dst.Conversation = &s
			data = data[m:]
		case fieldSenderKeyDistribution:
			raw, m, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			skdm := &SenderKeyDistributionMessage{}
			if err := unmarshalSKDM(raw, skdm); err != nil {
				return err
			}
			dst.SenderKeyDistributionMessage = skdm
			data = data[m:]
		case fieldDeviceSentMessage:
			raw, m, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			dsm := &DeviceSentMessage{}
			if err := unmarshalDeviceSent(raw, dsm); err != nil {
				return err
			}
			dst.DeviceSentMessage = dsm
			data = data[m:]
		case fieldProtocolMessage:
			raw, m, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			pm := &ProtocolMessage{}
			if err := unmarshalProtocolMessage(raw, pm); err != nil {
				return err
			}
			dst.ProtocolMessage = pm
			data = data[m:]
		case fieldExtendedTextMessage:
			raw, m, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			s, _, err := consumeString(raw, protowire.BytesType)
			if err == nil {
				dst.ExtendedTextMessage = &ExtendedTextMessage{Text: &s}
			}
			data = data[m:]
		default:
			raw, m, err := consumeRaw(data, typ)
			if err != nil {
				return err
			}
			dst.unknown = append(dst.unknown, unknownField{num: num, typ: typ, raw: raw})
			data = data[m:]
		}
	}
	return nil
}

func consumeString(data []byte, typ protowire.Type) (string, int, error) {
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return "", 0, fmt.Errorf("waproto: invalid string field: %w", protowire.ParseError(n))
	}
	return string(v), n, nil
}

func consumeBytes(data []byte, typ protowire.Type) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, 0, fmt.Errorf("waproto: invalid bytes field: %w", protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeRaw(data []byte, typ protowire.Type) ([]byte, int, error) {
	n := protowire.ConsumeFieldValue(0, typ, data)
	if n < 0 {
		return nil, 0, fmt.Errorf("waproto: invalid field: %w", protowire.ParseError(n))
	}
	raw := make([]byte, n)
	copy(raw, data[:n])
	return raw, n, nil
}

func unmarshalSKDM(data []byte, dst *SenderKeyDistributionMessage) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case 1:
			s, m, err := consumeString(data, typ)
			if err != nil {
				return err
			}
			dst.GroupID = &s
			data = data[m:]
		case 2:
			v, m, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			dst.AxolotlSenderKeyDistributionMessage = append([]byte{}, v...)
			data = data[m:]
		default:
			raw, m, err := consumeRaw(data, typ)
			if err != nil {
				return err
			}
			_ = raw
			data = data[m:]
		}
	}
	return nil
}

func unmarshalDeviceSent(data []byte, dst *DeviceSentMessage) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case 1:
			s, m, err := consumeString(data, typ)
			if err != nil {
				return err
			}
			dst.DestinationJID = &s
			data = data[m:]
		case 2:
			raw, m, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			inner := &Message{}
			if err := Unmarshal(raw, inner); err != nil {
				return err
			}
			dst.Message = inner
			data = data[m:]
		case 3:
			s, m, err := consumeString(data, typ)
			if err != nil {
				return err
			}
			dst.Phash = &s
			data = data[m:]
		default:
			raw, m, err := consumeRaw(data, typ)
			if err != nil {
				return err
			}
			_ = raw
			data = data[m:]
		}
	}
	return nil
}

func marshalHistorySyncNotification(h *HistorySyncNotification) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.SyncType))
	if h.FileSHA256 != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, h.FileSHA256)
	}
	if h.DirectPath != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, *h.DirectPath)
	}
	if h.MediaKey != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, h.MediaKey)
	}
	if h.FileEncSHA256 != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, h.FileEncSHA256)
	}
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, h.FileLength)
	return b
}

func marshalAppStateSyncKeyShare(a *AppStateSyncKeyShare) []byte {
	var b []byte
	for _, k := range a.Keys {
		sub := marshalAppStateSyncKey(k)
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	return b
}

func marshalAppStateSyncKey(k *AppStateSyncKey) []byte {
	var b []byte
	if k.KeyID != nil && k.KeyID.KeyID != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, k.KeyID.KeyID)
	}
	if k.KeyData != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalAppStateSyncKeyData(k.KeyData))
	}
	return b
}

func marshalAppStateSyncKeyData(d *AppStateSyncKeyData) []byte {
	var b []byte
	if d.KeyData != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, d.KeyData)
	}
	if d.Fingerprint != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, d.Fingerprint)
	}
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(d.Timestamp))
	return b
}

func unmarshalProtocolMessage(data []byte, dst *ProtocolMessage) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case 1:
			raw, m, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			key := &MessageKey{}
			if err := unmarshalMessageKey(raw, key); err != nil {
				return err
			}
			dst.Key = key
			data = data[m:]
		case 2:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			dst.Type = ProtocolMessageType(v)
			data = data[m:]
		case 3:
			raw, m, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			h := &HistorySyncNotification{}
			if err := unmarshalHistorySyncNotification(raw, h); err != nil {
				return err
			}
			dst.HistorySyncNotification = h
			data = data[m:]
		case 4:
			raw, m, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			a := &AppStateSyncKeyShare{}
			if err := unmarshalAppStateSyncKeyShare(raw, a); err != nil {
				return err
			}
			dst.AppStateSyncKeyShare = a
			data = data[m:]
		case 5:
			raw, m, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			inner := &Message{}
			if err := Unmarshal(raw, inner); err != nil {
				return err
			}
			dst.EditedMessage = inner
			data = data[m:]
		default:
			raw, m, err := consumeRaw(data, typ)
			if err != nil {
				return err
			}
			_ = raw
			data = data[m:]
		}
	}
	return nil
}

func unmarshalMessageKey(data []byte, dst *MessageKey) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case 1:
			s, m, err := consumeString(data, typ)
			if err != nil {
				return err
			}
			dst.RemoteJID = &s
			data = data[m:]
		case 2:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b := v != 0
			dst.FromMe = &b
			data = data[m:]
		case 3:
			s, m, err := consumeString(data, typ)
			if err != nil {
				return err
			}
			dst.ID = &s
			data = data[m:]
		case 4:
			s, m, err := consumeString(data, typ)
			if err != nil {
				return err
			}
			dst.Participant = &s
			data = data[m:]
		default:
			raw, m, err := consumeRaw(data, typ)
			if err != nil {
				return err
			}
			_ = raw
			data = data[m:]
		}
	}
	return nil
}

func unmarshalHistorySyncNotification(data []byte, dst *HistorySyncNotification) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case 1:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			dst.SyncType = HistorySyncType(v)
			data = data[m:]
		case 2:
			v, m, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			dst.FileSHA256 = append([]byte{}, v...)
			data = data[m:]
		case 3:
			s, m, err := consumeString(data, typ)
			if err != nil {
				return err
			}
			dst.DirectPath = &s
			data = data[m:]
		case 4:
			v, m, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			dst.MediaKey = append([]byte{}, v...)
			data = data[m:]
		case 5:
			v, m, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			dst.FileEncSHA256 = append([]byte{}, v...)
			data = data[m:]
		case 6:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			dst.FileLength = v
			data = data[m:]
		default:
			raw, m, err := consumeRaw(data, typ)
			if err != nil {
				return err
			}
			_ = raw
			data = data[m:]
		}
	}
	return nil
}

func unmarshalAppStateSyncKeyShare(data []byte, dst *AppStateSyncKeyShare) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case 1:
			raw, m, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			k := &AppStateSyncKey{}
			if err := unmarshalAppStateSyncKey(raw, k); err != nil {
				return err
			}
			dst.Keys = append(dst.Keys, k)
			data = data[m:]
		default:
			raw, m, err := consumeRaw(data, typ)
			if err != nil {
				return err
			}
			_ = raw
			data = data[m:]
		}
	}
	return nil
}

func unmarshalAppStateSyncKey(data []byte, dst *AppStateSyncKey) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case 1:
			v, m, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			dst.KeyID = &AppStateSyncKeyId{KeyID: append([]byte{}, v...)}
			data = data[m:]
		case 2:
			raw, m, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			d := &AppStateSyncKeyData{}
			if err := unmarshalAppStateSyncKeyData(raw, d); err != nil {
				return err
			}
			dst.KeyData = d
			data = data[m:]
		default:
			raw, m, err := consumeRaw(data, typ)
			if err != nil {
				return err
			}
			_ = raw
			data = data[m:]
		}
	}
	return nil
}

func unmarshalAppStateSyncKeyData(data []byte, dst *AppStateSyncKeyData) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case 1:
			v, m, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			dst.KeyData = append([]byte{}, v...)
			data = data[m:]
		case 2:
			v, m, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			dst.Fingerprint = append([]byte{}, v...)
			data = data[m:]
		case 3:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			dst.Timestamp = int64(v)
			data = data[m:]
		default:
			raw, m, err := consumeRaw(data, typ)
			if err != nil {
				return err
			}
			_ = raw
			data = data[m:]
		}
	}
	return nil
}
