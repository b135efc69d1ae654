package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_FlushBatchesAcrossPublishes(t *testing.T) {
	b := New(time.Hour)
	var got Batch
	b.Process(func(batch Batch) { got = batch })

	b.Publish(ChannelMessagesUpsert, "m1")
	b.Publish(ChannelMessagesUpsert, "m2")
	b.Publish(ChannelCall, "c1")

	b.Flush()
	require.Len(t, got[ChannelMessagesUpsert], 2)
	require.Equal(t, []any{"m1", "m2"}, got[ChannelMessagesUpsert])
	require.Equal(t, []any{"c1"}, got[ChannelCall])
}

func TestBus_FlushIsAtMostOncePerTick(t *testing.T) {
	b := New(time.Hour)
	calls := 0
	b.Process(func(Batch) { calls++ })

	b.Publish(ChannelCall, "x")
	b.Flush()
	b.Flush() // nothing pending; handler must not fire again
	require.Equal(t, 1, calls)
}

func TestBus_Unregister(t *testing.T) {
	b := New(time.Hour)
	calls := 0
	unregister := b.Process(func(Batch) { calls++ })
	unregister()

	b.Publish(ChannelCall, "x")
	b.Flush()
	require.Equal(t, 0, calls)
}
