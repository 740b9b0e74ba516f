package presence

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelNameIsNamespacedPerRoom(t *testing.T) {
	require.Equal(t, "presence:room:abc123", channelName("abc123"))
	require.NotEqual(t, channelName("room-a"), channelName("room-b"))
}

func TestEventRoundTripsThroughJSON(t *testing.T) {
	ev := Event{Kind: EventJoined, Room: "room-1", Address: "0xabc"}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, ev, decoded)
}
