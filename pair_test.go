package wacore

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lattice-chat/wacore/store"
	"github.com/lattice-chat/wacore/types"
)

func TestPhoneNumberFromJID(t *testing.T) {
	n, err := phoneNumberFromJID(types.NewJID("5511999999999", types.DefaultUserServer))
	require.NoError(t, err)
	require.Equal(t, uint64(5511999999999), n)

	_, err = phoneNumberFromJID(types.NewJID("not-a-number", types.DefaultUserServer))
	require.Error(t, err)
}

func TestEncodeAppVersion_RoundTripsThroughProtowire(t *testing.T) {
	encoded := encodeAppVersion(2, 23, 7)

	got := map[protowire.Number]uint64{}
	for len(encoded) > 0 {
		num, typ, n := protowire.ConsumeTag(encoded)
		require.Greater(t, n, 0)
		require.Equal(t, protowire.VarintType, typ)
		encoded = encoded[n:]
		v, n := protowire.ConsumeVarint(encoded)
		require.Greater(t, n, 0)
		encoded = encoded[n:]
		got[num] = v
	}
	require.Equal(t, uint64(2), got[fieldAppVersionPrimary])
	require.Equal(t, uint64(23), got[fieldAppVersionSecondary])
	require.Equal(t, uint64(7), got[fieldAppVersionTertiary])
}

func TestEncodeUserAgent_ContainsAppVersionBytesField(t *testing.T) {
	encoded := encodeUserAgent([3]int{2, 23, 7})
	require.NotEmpty(t, encoded)

	for len(encoded) > 0 {
		num, typ, n := protowire.ConsumeTag(encoded)
		require.Greater(t, n, 0)
		encoded = encoded[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(encoded)
			require.Greater(t, n, 0)
			if num == fieldUserAgentPlatform {
				require.Equal(t, uint64(1), v)
			}
			encoded = encoded[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(encoded)
			require.Greater(t, n, 0)
			if num == fieldUserAgentAppVersion {
				require.Equal(t, encodeAppVersion(2, 23, 7), v)
			}
			encoded = encoded[n:]
		default:
			t.Fatalf("unexpected wire type %v", typ)
		}
	}
}

// payloadVarints collects the top-level varint fields of an encoded
// ClientPayload, skipping its length-delimited ones.
func payloadVarints(t *testing.T, payload []byte) map[protowire.Number]uint64 {
	got := map[protowire.Number]uint64{}
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		require.Greater(t, n, 0)
		payload = payload[n:]
		n = protowire.ConsumeFieldValue(num, typ, payload)
		require.Greater(t, n, 0)
		if typ == protowire.VarintType {
			got[num], _ = protowire.ConsumeVarint(payload)
		}
		payload = payload[n:]
	}
	return got
}

func TestGetClientPayload_NotPassiveWhenNoStoredID(t *testing.T) {
	cli := &Client{Store: &store.Device{}}
	cli.Config.Version = [3]int{2, 23, 7}

	payload, err := cli.getClientPayload()
	require.NoError(t, err)
	require.NotEmpty(t, payload)

	fields := payloadVarints(t, payload)
	passive, ok := fields[fieldPayloadPassive]
	require.True(t, ok)
	require.Equal(t, uint64(0), passive)
	_, hasUsername := fields[fieldPayloadUsername]
	require.False(t, hasUsername)
}

func TestGetClientPayload_IncludesUsernameWhenRegistered(t *testing.T) {
	jid := types.NewJID("5511999999999", types.DefaultUserServer)
	cli := &Client{Store: &store.Device{ID: &jid, PushName: "tester"}}
	cli.Config.Version = [3]int{2, 23, 7}

	payload, err := cli.getClientPayload()
	require.NoError(t, err)
	require.NotEmpty(t, payload)

	fields := payloadVarints(t, payload)
	require.Equal(t, uint64(5511999999999), fields[fieldPayloadUsername])
	require.Equal(t, uint64(1), fields[fieldPayloadPassive])
}
