package relay

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"roomdrop/signal"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// client is one websocket connection bound to a peer in a room.
type client struct {
	hub      *Hub
	conn     *websocket.Conn
	peerID   string
	roomCode string

	sendMu sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn, peerID, roomCode string) *client {
	return &client{
		hub:      hub,
		conn:     conn,
		peerID:   peerID,
		roomCode: roomCode,
		send:     make(chan []byte, sendBufferSize),
	}
}

// enqueue hands a frame to the write pump. A full buffer drops the frame
// rather than blocking the sender's read loop.
func (c *client) enqueue(payload []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
	default:
		log.Printf("send buffer full for peer %s, dropping frame", c.peerID)
	}
}

// closeSend stops the write pump, which closes the connection on its way out.
func (c *client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *client) sendMessage(msg signal.Message) {
	payload, err := signal.Encode(msg)
	if err != nil {
		log.Printf("encode message for peer %s: %v", c.peerID, err)
		return
	}
	c.enqueue(payload)
}

func (c *client) sendError(text string) {
	c.sendMessage(signal.Message{Type: signal.TypeError, Error: text})
}

func (c *client) readPump() {
	defer func() {
		if c.hub.unregister(c) {
			c.hub.broadcast(c.roomCode, signal.Message{
				Type:     signal.TypePeerLeft,
				RoomCode: c.roomCode,
				PeerID:   c.peerID,
			}, c.peerID)
		}
		c.closeSend()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("read error from peer %s: %v", c.peerID, err)
			}
			return
		}

		msg, err := signal.Decode(payload)
		if err != nil {
			c.sendError(err.Error())
			continue
		}
		if !c.handleMessage(msg) {
			return
		}
	}
}

// handleMessage routes one inbound frame. It returns false when the client
// asked to leave.
func (c *client) handleMessage(msg signal.Message) bool {
	// Protocol-level pings also refresh the read deadline, for clients
	// that do not answer websocket control pings.
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	switch msg.Type {
	case signal.TypeLeave:
		return false

	case signal.TypePing:
		c.sendMessage(signal.Message{Type: signal.TypePong})

	case signal.TypeSignal:
		if msg.Signal == nil {
			c.sendError("signal message without signal payload")
			return true
		}
		// The relay is authoritative for the sender identity.
		sig := *msg.Signal
		sig.From = c.peerID
		sig.RoomCode = c.roomCode
		forward := signal.Message{
			Type:     signal.TypeSignal,
			RoomCode: c.roomCode,
			PeerID:   c.peerID,
			Signal:   &sig,
		}
		if sig.To != "" {
			if !c.hub.sendTo(c.roomCode, sig.To, forward) {
				c.sendError("peer " + sig.To + " is not in the room")
			}
		} else {
			c.hub.broadcast(c.roomCode, forward, c.peerID)
		}

	case signal.TypeBroadcast:
		c.hub.broadcast(c.roomCode, signal.Message{
			Type:     signal.TypeBroadcast,
			RoomCode: c.roomCode,
			PeerID:   c.peerID,
			Data:     msg.Data,
		}, c.peerID)

	case signal.TypeJoin:
		// Already joined on this connection.
		c.sendError("already joined")

	default:
		c.sendError("unexpected message type " + string(msg.Type))
	}
	return true
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("write to peer %s: %v", c.peerID, err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
