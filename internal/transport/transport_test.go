package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestClient(room, address string) *Client {
	return &Client{
		send:    make(chan []byte, sendBuffer),
		Room:    room,
		Address: address,
	}
}

func TestForwardFrameDeliversToOtherRoomMembersOnly(t *testing.T) {
	hub := NewHub()
	alice := newTestClient("room-1", "0xalice")
	bob := newTestClient("room-1", "0xbob")
	stranger := newTestClient("room-2", "0xstranger")

	hub.registerClient(alice)
	hub.registerClient(bob)
	hub.registerClient(stranger)

	hub.forwardFrame(forwardRequest{from: alice, frame: []byte("hello")})

	select {
	case got := <-bob.send:
		require.Equal(t, []byte("hello"), got)
	default:
		t.Fatal("expected bob to receive the forwarded frame")
	}

	select {
	case <-alice.send:
		t.Fatal("sender must not receive its own frame back")
	default:
	}

	select {
	case <-stranger.send:
		t.Fatal("a client in a different room must not receive the frame")
	default:
	}
}

func TestUnregisterClientRemovesEmptyRoom(t *testing.T) {
	hub := NewHub()
	alice := newTestClient("room-1", "0xalice")

	hub.registerClient(alice)
	require.Len(t, hub.rooms["room-1"], 1)

	hub.unregisterClient(alice)
	_, exists := hub.rooms["room-1"]
	require.False(t, exists, "the room entry should be cleaned up once its last member leaves")
}

func TestUnregisterClosesSendChannel(t *testing.T) {
	hub := NewHub()
	alice := newTestClient("room-1", "0xalice")
	hub.registerClient(alice)
	hub.unregisterClient(alice)

	_, open := <-alice.send
	require.False(t, open, "send channel must be closed on unregister so WritePump exits")
}
