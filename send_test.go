package wacore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lattice-chat/wacore/types"
	"github.com/lattice-chat/wacore/waproto"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		jid  types.JID
		want messageClass
	}{
		{types.NewJID("123", types.DefaultUserServer), classIndividual},
		{types.NewJID("123", types.GroupServer), classGroup},
		{types.NewJID("123", types.BroadcastServer), classStatus},
		{types.NewJID("123", types.NewsletterServer), classNewsletter},
		{types.NewJID("123", types.HiddenUserServer), classLID},
	}
	for _, c := range cases {
		require.Equal(t, c.want, classify(c.jid))
	}
}

func TestGenerateMessageIDV2_DeterministicLengthAndCase(t *testing.T) {
	own := types.NewJID("5511999999999", types.DefaultUserServer)
	id := GenerateMessageIDV2(own)
	require.Len(t, id, 18)
	require.Equal(t, id, id)
	for _, r := range id {
		require.False(t, r >= 'a' && r <= 'z', "id should be uppercase hex")
	}
}

func TestGenerateMessageIDV2_DiffersAcrossCalls(t *testing.T) {
	own := types.NewJID("123", types.DefaultUserServer)
	a := GenerateMessageIDV2(own)
	b := GenerateMessageIDV2(own)
	require.NotEqual(t, a, b)
}

func TestParticipantListHashV2_StableUnderReordering(t *testing.T) {
	h1 := participantListHashV2([]string{"a@s.whatsapp.net", "b@s.whatsapp.net"})
	h2 := participantListHashV2([]string{"b@s.whatsapp.net", "a@s.whatsapp.net"})
	require.Equal(t, h1, h2)
	require.Regexp(t, "^2:", h1)
}

func TestGetTypeFromMessage(t *testing.T) {
	require.Equal(t, "text", getTypeFromMessage(&waproto.Message{Conversation: strPtr("hi")}))
	require.Equal(t, "reaction", getTypeFromMessage(&waproto.Message{ReactionMessage: &waproto.ReactionMessage{}}))
	require.Equal(t, "media", getTypeFromMessage(&waproto.Message{ImageMessage: &waproto.MediaMessage{}}))
}

func TestGetMediaTypeFromMessage(t *testing.T) {
	require.Equal(t, "image", getMediaTypeFromMessage(&waproto.Message{ImageMessage: &waproto.MediaMessage{}}))
	require.Equal(t, "document", getMediaTypeFromMessage(&waproto.Message{DocumentMessage: &waproto.MediaMessage{}}))
	ptt := true
	require.Equal(t, "ptt", getMediaTypeFromMessage(&waproto.Message{AudioMessage: &waproto.AudioMessage{PTT: &ptt}}))
	require.Equal(t, "audio", getMediaTypeFromMessage(&waproto.Message{AudioMessage: &waproto.AudioMessage{}}))
	require.Equal(t, "", getMediaTypeFromMessage(&waproto.Message{Conversation: strPtr("hi")}))
}

func TestPadUnpadMessage_RoundTrip(t *testing.T) {
	plaintext := []byte("hello world")
	padded := padMessage(append([]byte(nil), plaintext...))
	require.Greater(t, len(padded), len(plaintext))
	unpadded, err := unpadMessage(padded)
	require.NoError(t, err)
	require.Equal(t, plaintext, unpadded)
}

func TestUnpadMessage_RejectsBadPadding(t *testing.T) {
	_, err := unpadMessage([]byte{1, 2, 3, 4})
	require.Error(t, err)
}

func TestUnpadMessage_RejectsEmpty(t *testing.T) {
	_, err := unpadMessage(nil)
	require.Error(t, err)
}
