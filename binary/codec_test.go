package binary

import (
	"testing"

	"github.com/lattice-chat/wacore/types"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, n Node) Node {
	t.Helper()
	encoded, err := Marshal(n)
	require.NoError(t, err)
	unpacked, err := Unpack(encoded)
	require.NoError(t, err)
	decoded, err := Unmarshal(unpacked)
	require.NoError(t, err)
	return *decoded
}

func TestRoundTrip_SimpleNode(t *testing.T) {
	n := Node{Tag: "iq", Attrs: Attrs{"id": "abc123", "type": "get", "xmlns": "usync"}}
	decoded := roundTrip(t, n)
	require.Equal(t, n.Tag, decoded.Tag)
	require.Equal(t, n.Attrs, decoded.Attrs)
	require.Nil(t, decoded.Content)
}

func TestRoundTrip_WithChildren(t *testing.T) {
	n := Node{
		Tag:   "message",
		Attrs: Attrs{"id": "xyz", "type": "text", "to": types.NewJID("123", types.DefaultUserServer)},
		Content: []Node{
			{Tag: "enc", Attrs: Attrs{"type": "pkmsg", "v": "2"}, Content: []byte{1, 2, 3, 4, 5}},
		},
	}
	decoded := roundTrip(t, n)
	require.Equal(t, n.Tag, decoded.Tag)
	require.Equal(t, n.Attrs["to"], decoded.Attrs["to"])
	children := decoded.GetChildren()
	require.Len(t, children, 1)
	require.Equal(t, "enc", children[0].Tag)
	require.Equal(t, []byte{1, 2, 3, 4, 5}, children[0].Content)
}

func TestRoundTrip_ADJID(t *testing.T) {
	jid := types.NewADJID("5551234", 0, 3)
	n := Node{Tag: "to", Attrs: Attrs{"jid": jid}}
	decoded := roundTrip(t, n)
	require.Equal(t, jid, decoded.Attrs["jid"])
}

func TestRoundTrip_EmptyContentList(t *testing.T) {
	n := Node{Tag: "list", Attrs: Attrs{}, Content: []Node{}}
	decoded := roundTrip(t, n)
	require.NotNil(t, decoded.Content)
	require.Empty(t, decoded.GetChildren())
}

func TestRoundTrip_UntokenizedLiteral(t *testing.T) {
	n := Node{Tag: "some-very-unusual-tag-name-not-in-dictionary", Attrs: Attrs{"k": "v"}}
	decoded := roundTrip(t, n)
	require.Equal(t, n.Tag, decoded.Tag)
}

func TestUnmarshal_MalformedInput(t *testing.T) {
	_, err := Unmarshal([]byte{opBinary8, 50})
	require.Error(t, err)
	var malformed *MalformedFrameError
	require.ErrorAs(t, err, &malformed)
}

func TestAttrGetter(t *testing.T) {
	n := Node{Tag: "retry", Attrs: Attrs{"id": "abc", "count": "3", "t": "1700000000"}}
	ag := n.AttrGetter()
	require.Equal(t, "abc", ag.String("id"))
	require.Equal(t, 3, ag.Int("count"))
	require.True(t, ag.OK())
	require.Equal(t, int64(1700000000), ag.UnixTime("t").Unix())

	ag2 := n.AttrGetter()
	ag2.String("missing")
	require.False(t, ag2.OK())
	require.Error(t, ag2.Error())
}
