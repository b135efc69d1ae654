package waproto

import "google.golang.org/protobuf/encoding/protowire"

// HistorySyncType distinguishes what kind of backfill payload a history-sync
// notification points at.
type HistorySyncType int32

const (
	HistorySync_INITIAL_BOOTSTRAP HistorySyncType = iota
	HistorySync_INITIAL_STATUS_V3
	HistorySync_FULL
	HistorySync_RECENT
	HistorySync_PUSH_NAME
	HistorySync_NON_BLOCKING_DATA
)

// HistorySyncNotification points at a zlib-compressed, out-of-band blob
// containing a HistorySync payload (see message.go's
// handleHistorySyncNotification).
type HistorySyncNotification struct {
	FileSHA256    []byte
	FileLength    uint64
	MediaKey      []byte
	FileEncSHA256 []byte
	DirectPath    *string
	SyncType      HistorySyncType
}

func (h *HistorySyncNotification) GetSyncType() HistorySyncType {
	if h == nil {
		return HistorySync_INITIAL_BOOTSTRAP
	}
	return h.SyncType
}

// HistorySync is the decompressed payload referenced by HistorySyncNotification.
type HistorySync struct {
	SyncType  HistorySyncType
	Pushnames []*PushName
}

func (h *HistorySync) GetSyncType() HistorySyncType {
	if h == nil {
		return HistorySync_INITIAL_BOOTSTRAP
	}
	return h.SyncType
}

func (h *HistorySync) GetPushnames() []*PushName {
	if h == nil {
		return nil
	}
	return h.Pushnames
}

// PushName carries a historical push-name association for a JID.
type PushName struct {
	ID       *string
	Pushname *string
}

func (p *PushName) GetId() string {
	if p == nil || p.ID == nil {
		return ""
	}
	return *p.ID
}

func (p *PushName) GetPushname() string {
	if p == nil || p.Pushname == nil {
		return ""
	}
	return *p.Pushname
}

// MarshalHistorySync encodes h to its wire form.
func MarshalHistorySync(h *HistorySync) []byte {
	var b []byte
	if h == nil {
		return b
	}
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.SyncType))
	for _, name := range h.Pushnames {
		sub := marshalPushName(name)
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	return b
}

func marshalPushName(p *PushName) []byte {
	var b []byte
	if p.ID != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, *p.ID)
	}
	if p.Pushname != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, *p.Pushname)
	}
	return b
}

// UnmarshalHistorySync decodes data (the zlib-decompressed payload a
// HistorySyncNotification points at) into a HistorySync.
func UnmarshalHistorySync(data []byte, dst *HistorySync) error {
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
			raw, m, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			name := &PushName{}
			if err := unmarshalPushName(raw, name); err != nil {
				return err
			}
			dst.Pushnames = append(dst.Pushnames, name)
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

func unmarshalPushName(data []byte, dst *PushName) error {
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
			dst.ID = &s
			data = data[m:]
		case 2:
			s, m, err := consumeString(data, typ)
			if err != nil {
				return err
			}
			dst.Pushname = &s
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
