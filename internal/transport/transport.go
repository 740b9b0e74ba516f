// Package transport is the dumb frame-forwarding relay: it never
// inspects plaintext, never terminates protocol-level identity, and
// holds no orchestrator state. It only knows how to group connections
// by room and copy whatever bytes one member sends to every other
// member of that room.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jaydenbeard/e2e-messaging-core/internal/metrics"
	"github.com/jaydenbeard/e2e-messaging-core/internal/presence"
	"github.com/jaydenbeard/e2e-messaging-core/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // a media frame carries at most one sealed 16 KiB chunk, base64-encoded
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one peer's WebSocket connection, identified by the room it
// joined and the address it claims within that room.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	Room    string
	Address string
}

func newClient(hub *Hub, conn *websocket.Conn, room, address string) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		Room:    room,
		Address: address,
	}
}

// ReadPump pumps frames from the WebSocket connection to the hub for
// fan-out to the room's other members.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		if err := c.conn.Close(); err != nil {
			c.hub.logger.Printf("warning: failed to close connection: %v", err)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.logger.Printf("warning: failed to set read deadline: %v", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Printf("connection error for %s in room %s: %v", c.Address, c.Room, err)
			}
			break
		}
		c.hub.forward <- forwardRequest{from: c, frame: frame}
	}
}

// WritePump pumps frames the hub forwards to this client out over the
// WebSocket connection, pinging on an idle interval to keep the
// connection alive through intermediate proxies.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil {
			c.hub.logger.Printf("warning: failed to close connection: %v", err)
		}
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Printf("warning: failed to set write deadline: %v", err)
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Printf("warning: failed to set write deadline: %v", err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type forwardRequest struct {
	from  *Client
	frame []byte
}

// Hub holds the registry of connected clients, keyed by room, and
// fans each inbound frame out to every other client in that room.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Client]bool
	register chan *Client

	unregister chan *Client
	forward    chan forwardRequest
	shutdown   chan struct{}
	logger     *log.Logger

	presence    *presence.Client
	instanceID  string
	roomCancels map[string]context.CancelFunc
}

// NewHub creates an empty Hub. Presence fan-out across relay instances
// is disabled until AttachPresence is called.
func NewHub() *Hub {
	return &Hub{
		rooms:       make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		forward:     make(chan forwardRequest, 256),
		shutdown:    make(chan struct{}),
		logger:      log.New(os.Stdout, "[RELAY] ", log.Ldate|log.Ltime|log.LUTC),
		roomCancels: make(map[string]context.CancelFunc),
	}
}

// AttachPresence wires a presence.Client into the hub: room joins and
// leaves are published under instanceID, and presence events published
// by other relay instances are re-injected as UserJoined/UserLeft/
// IAmHere wire frames for this instance's local room members.
func (h *Hub) AttachPresence(client *presence.Client, instanceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presence = client
	h.instanceID = instanceID
}

// Run processes register/unregister/forward events until Shutdown is
// called. It should run in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case req := <-h.forward:
			h.forwardFrame(req)
		case <-h.shutdown:
			return
		}
	}
}

// Shutdown stops the hub's Run loop and every room's presence
// subscription.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	for room, cancel := range h.roomCancels {
		cancel()
		delete(h.roomCancels, room)
	}
	h.mu.Unlock()
	close(h.shutdown)
}

func (h *Hub) registerClient(c *Client) {
	h.mu.Lock()
	if h.rooms[c.Room] == nil {
		h.rooms[c.Room] = make(map[*Client]bool)
	}
	roomWasEmpty := len(h.rooms[c.Room]) == 0
	h.rooms[c.Room][c] = true
	metrics.RelayConnections.Inc()
	if roomWasEmpty && h.presence != nil {
		h.subscribeRoomLocked(c.Room)
	}
	presenceClient, instanceID := h.presence, h.instanceID
	h.mu.Unlock()

	h.logger.Printf("client registered: address=%s room=%s", c.Address, c.Room)
	if presenceClient != nil {
		go h.publishPresence(presenceClient, presence.EventJoined, c.Room, c.Address, instanceID)
	}
}

func (h *Hub) unregisterClient(c *Client) {
	h.mu.Lock()
	var roomNowEmpty bool
	if members, ok := h.rooms[c.Room]; ok {
		if _, present := members[c]; present {
			delete(members, c)
			close(c.send)
			metrics.RelayConnections.Dec()
		}
		if len(members) == 0 {
			delete(h.rooms, c.Room)
			roomNowEmpty = true
		}
	}
	if roomNowEmpty {
		if cancel, ok := h.roomCancels[c.Room]; ok {
			cancel()
			delete(h.roomCancels, c.Room)
		}
	}
	presenceClient, instanceID := h.presence, h.instanceID
	h.mu.Unlock()

	h.logger.Printf("client unregistered: address=%s room=%s", c.Address, c.Room)
	if presenceClient != nil {
		go h.publishPresence(presenceClient, presence.EventLeft, c.Room, c.Address, instanceID)
	}
}

// publishPresence is run in its own goroutine so a slow or unreachable
// Redis instance never stalls the hub's single-threaded event loop.
func (h *Hub) publishPresence(client *presence.Client, kind, room, address, instanceID string) {
	ev := presence.Event{Kind: kind, Room: room, Address: address, Origin: instanceID}
	if err := client.Publish(room, ev); err != nil {
		h.logger.Printf("warning: failed to publish presence event: %v", err)
	}
}

// subscribeRoomLocked starts a background subscription to room's
// presence channel, re-injecting events from other instances as local
// wire frames. Caller must hold h.mu.
func (h *Hub) subscribeRoomLocked(room string) {
	ctx, cancel := context.WithCancel(context.Background())
	h.roomCancels[room] = cancel
	listener := &roomPresenceListener{hub: h, room: room, instanceID: h.instanceID}
	go func() {
		if err := h.presence.Subscribe(ctx, room, listener); err != nil && ctx.Err() == nil {
			h.logger.Printf("warning: presence subscription for room %s ended: %v", room, err)
		}
	}()
}

// roomPresenceListener re-injects remote presence events as local wire
// frames for one room.
type roomPresenceListener struct {
	hub        *Hub
	room       string
	instanceID string
}

func (l *roomPresenceListener) OnPresenceEvent(ev presence.Event) {
	if ev.Origin == l.instanceID {
		return
	}

	var frame []byte
	switch ev.Kind {
	case presence.EventJoined:
		frame, _ = json.Marshal(wire.UserJoined{Type: wire.TypeUserJoined, Address: ev.Address})
	case presence.EventLeft:
		frame, _ = json.Marshal(wire.UserLeft{Type: wire.TypeUserLeft, Address: ev.Address})
	case presence.EventHere:
		frame, _ = json.Marshal(wire.IAmHere{Type: wire.TypeIAmHere, Address: ev.Address})
	default:
		return
	}
	if frame == nil {
		return
	}

	l.hub.mu.RLock()
	defer l.hub.mu.RUnlock()
	for peer := range l.hub.rooms[l.room] {
		select {
		case peer.send <- frame:
		default:
			l.hub.logger.Printf("warning: dropping remote presence frame, send buffer full for address=%s room=%s", peer.Address, peer.Room)
		}
	}
}

// forwardFrame fans req out to every other client in its room. The hub
// never decodes frame to pick a metrics label more specific than
// "opaque" — doing so would mean parsing the wire protocol it is
// deliberately blind to.
func (h *Hub) forwardFrame(req forwardRequest) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	metrics.RecordRelayFrame("opaque", "inbound")
	for peer := range h.rooms[req.from.Room] {
		if peer == req.from {
			continue
		}
		select {
		case peer.send <- req.frame:
			metrics.RecordRelayFrame("opaque", "outbound")
		default:
			h.logger.Printf("warning: dropping frame, send buffer full for address=%s room=%s", peer.Address, peer.Room)
		}
	}
}

// ServeWS upgrades r to a WebSocket connection, registers a Client for
// (room, address), and blocks running its read/write pumps until the
// connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	address := r.URL.Query().Get("address")
	if room == "" || address == "" {
		http.Error(w, "room and address query parameters are required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed: %v", err)
		return
	}

	client := newClient(h, conn, room, address)
	h.register <- client

	go client.WritePump()
	client.ReadPump()
}

// Conn is a demo client's connection to a relay: a dialed WebSocket
// with the same read/write pump split as the relay's own Client, minus
// the hub registry the relay side needs.
type Conn struct {
	conn   *websocket.Conn
	send   chan []byte
	Frames chan []byte
	logger *log.Logger
}

// Dial connects to relayURL, joining room as address.
func Dial(relayURL, room, address string) (*Conn, error) {
	u, err := parseWSURL(relayURL, room, address)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		Frames: make(chan []byte, sendBuffer),
		logger: log.New(os.Stdout, "[CLIENT] ", log.Ldate|log.Ltime|log.LUTC),
	}
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

func parseWSURL(base, room, address string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("transport: parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("room", room)
	q.Set("address", address)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Send queues frame for delivery to the relay.
func (c *Conn) Send(frame []byte) {
	c.send <- frame
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) readLoop() {
	defer close(c.Frames)
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Printf("warning: failed to set read deadline: %v", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Printf("connection error: %v", err)
			}
			return
		}
		c.Frames <- frame
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Printf("warning: failed to set write deadline: %v", err)
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Printf("warning: failed to set write deadline: %v", err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
