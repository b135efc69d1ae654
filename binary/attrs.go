package binary

import (
	"strconv"
	"time"

	"github.com/lattice-chat/wacore/types"
)

// JID reads the given attribute as a JID. The encoder always stores JIDs as
// typed values (rather than pre-stringified text) so the happy path is a
// type assertion; a string value is still accepted and parsed for nodes
// built by hand in tests.
func (ag *AttrGetter) JID(key string) types.JID {
	val, ok := ag.Attrs[key]
	if !ok {
		ag.fail(key, "JID")
		return types.EmptyJID
	}
	switch v := val.(type) {
	case types.JID:
		return v
	case string:
		jid, err := types.ParseJID(v)
		if err != nil {
			ag.Errs = append(ag.Errs, err)
			return types.EmptyJID
		}
		return jid
	default:
		ag.fail(key, "JID")
		return types.EmptyJID
	}
}

func (ag *AttrGetter) OptionalJIDOrEmpty(key string) types.JID {
	val, ok := ag.Attrs[key]
	if !ok {
		return types.EmptyJID
	}
	switch v := val.(type) {
	case types.JID:
		return v
	case string:
		jid, err := types.ParseJID(v)
		if err != nil {
			return types.EmptyJID
		}
		return jid
	}
	return types.EmptyJID
}

func (ag *AttrGetter) Int(key string) int {
	val, ok := ag.Attrs[key]
	if !ok {
		ag.fail(key, "int")
		return 0
	}
	switch v := val.(type) {
	case int:
		return v
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			ag.Errs = append(ag.Errs, err)
			return 0
		}
		return n
	default:
		ag.fail(key, "int")
		return 0
	}
}

func (ag *AttrGetter) OptionalInt(key string) int {
	val, ok := ag.Attrs[key]
	if !ok {
		return 0
	}
	switch v := val.(type) {
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

func (ag *AttrGetter) UnixTime(key string) time.Time {
	val, ok := ag.Attrs[key]
	if !ok {
		ag.fail(key, "unix time")
		return time.Time{}
	}
	var seconds int64
	switch v := val.(type) {
	case int64:
		seconds = v
	case int:
		seconds = int64(v)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			ag.Errs = append(ag.Errs, err)
			return time.Time{}
		}
		seconds = n
	default:
		ag.fail(key, "unix time")
		return time.Time{}
	}
	return time.Unix(seconds, 0)
}
