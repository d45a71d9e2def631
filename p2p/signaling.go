package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"roomdrop/signal"
)

const (
	// DefaultHeartbeatInterval is how often ping frames probe the relay link.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultReconnectBaseDelay seeds the exponential reconnect backoff.
	DefaultReconnectBaseDelay = time.Second
	// DefaultMaxReconnectAttempts caps automatic reconnection.
	DefaultMaxReconnectAttempts = 5
)

// ErrSignalingUnavailable is the terminal reconnect failure: the relay stayed
// unreachable past the attempt cap and a new Connect call is required.
var ErrSignalingUnavailable = errors.New("p2p: signaling unavailable after reconnect attempts")

// SignalingState is the lifecycle state of the relay control channel.
type SignalingState string

const (
	SignalingDisconnected SignalingState = "disconnected"
	SignalingConnecting   SignalingState = "connecting"
	SignalingConnected    SignalingState = "connected"
	SignalingError        SignalingState = "error"
)

// SignalingCallbacks receive relay events. Callbacks run on the client's read
// goroutine; heavy work should be handed off by the owner.
type SignalingCallbacks struct {
	OnSignal      func(signal.Signal)
	OnPeerJoined  func(peerID string)
	OnPeerLeft    func(peerID string)
	OnBroadcast   func(peerID string, data json.RawMessage)
	OnStateChange func(SignalingState)
	OnError       func(error)
}

// SignalingOptions configures a SignalingClient.
type SignalingOptions struct {
	RelayURL string
	RoomCode string
	PeerID   string

	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int

	Callbacks SignalingCallbacks
}

func (o SignalingOptions) withDefaults() SignalingOptions {
	out := o
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.ReconnectBaseDelay <= 0 {
		out.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	return out
}

// SignalingClient maintains the websocket control channel to the relay:
// join/leave, addressed signal forwarding, heartbeat, and reconnection with
// exponential backoff.
type SignalingClient struct {
	options SignalingOptions

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	stateMu sync.Mutex
	state   SignalingState

	// reconnectAttempts is explicit client state: incremented per failed
	// attempt, reset to zero only on a successful connected transition.
	reconnectAttempts int

	lifecycleMu sync.Mutex
	stopCh      chan struct{}
	stopped     bool
	wg          sync.WaitGroup
}

// NewSignalingClient creates a client for one room session.
func NewSignalingClient(options SignalingOptions) (*SignalingClient, error) {
	if options.RelayURL == "" {
		return nil, errors.New("p2p: relay URL is required")
	}
	if options.RoomCode == "" {
		return nil, errors.New("p2p: room code is required")
	}
	if options.PeerID == "" {
		return nil, errors.New("p2p: peer ID is required")
	}

	return &SignalingClient{
		options: options.withDefaults(),
		state:   SignalingDisconnected,
	}, nil
}

// State returns the current control channel state.
func (c *SignalingClient) State() SignalingState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Connect opens the control channel, joins the room, and starts the
// heartbeat. It also re-arms reconnection after a terminal error state.
func (c *SignalingClient) Connect(ctx context.Context) error {
	c.lifecycleMu.Lock()
	if c.stopCh == nil || c.stopped {
		c.stopCh = make(chan struct{})
		c.stopped = false
	}
	c.lifecycleMu.Unlock()

	c.resetAttempts()
	return c.dial(ctx)
}

func (c *SignalingClient) dial(ctx context.Context) error {
	c.setState(SignalingConnecting)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.options.RelayURL, nil)
	if err != nil {
		c.setState(SignalingDisconnected)
		return fmt.Errorf("dial relay: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	if err := c.write(signal.Message{
		Type:     signal.TypeJoin,
		RoomCode: c.options.RoomCode,
		PeerID:   c.options.PeerID,
	}); err != nil {
		_ = conn.Close()
		c.setState(SignalingDisconnected)
		return fmt.Errorf("send join: %w", err)
	}

	c.resetAttempts()
	c.setState(SignalingConnected)

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.heartbeatLoop(conn)

	return nil
}

// SendSignal forwards an addressed negotiation message through the relay.
func (c *SignalingClient) SendSignal(sig signal.Signal) error {
	if sig.From == "" {
		sig.From = c.options.PeerID
	}
	if sig.RoomCode == "" {
		sig.RoomCode = c.options.RoomCode
	}
	return c.write(signal.Message{
		Type:     signal.TypeSignal,
		RoomCode: c.options.RoomCode,
		PeerID:   c.options.PeerID,
		Signal:   &sig,
	})
}

// Broadcast sends room-scoped data with no specific recipient.
func (c *SignalingClient) Broadcast(data json.RawMessage) error {
	return c.write(signal.Message{
		Type:     signal.TypeBroadcast,
		RoomCode: c.options.RoomCode,
		PeerID:   c.options.PeerID,
		Data:     data,
	})
}

// Disconnect sends an explicit leave so the relay frees presence immediately,
// then closes the channel without scheduling reconnection.
func (c *SignalingClient) Disconnect() {
	c.lifecycleMu.Lock()
	if c.stopped {
		c.lifecycleMu.Unlock()
		return
	}
	c.stopped = true
	if c.stopCh != nil {
		close(c.stopCh)
	}
	c.lifecycleMu.Unlock()

	_ = c.write(signal.Message{
		Type:     signal.TypeLeave,
		RoomCode: c.options.RoomCode,
		PeerID:   c.options.PeerID,
	})

	c.closeConn()
	c.wg.Wait()
	c.setState(SignalingDisconnected)
}

func (c *SignalingClient) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if c.isStopping() {
				return
			}
			c.closeConn()
			c.scheduleReconnect()
			return
		}

		msg, err := signal.Decode(payload)
		if err != nil {
			c.reportError(err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *SignalingClient) dispatch(msg signal.Message) {
	cb := c.options.Callbacks
	switch msg.Type {
	case signal.TypeSignal:
		if msg.Signal != nil && cb.OnSignal != nil {
			cb.OnSignal(*msg.Signal)
		}
	case signal.TypePeerJoined:
		if msg.PeerID != "" && msg.PeerID != c.options.PeerID && cb.OnPeerJoined != nil {
			cb.OnPeerJoined(msg.PeerID)
		}
	case signal.TypePeerLeft:
		if msg.PeerID != "" && cb.OnPeerLeft != nil {
			cb.OnPeerLeft(msg.PeerID)
		}
	case signal.TypeRoomPeers:
		// Membership snapshot on join, replayed as per-peer joins.
		if cb.OnPeerJoined != nil {
			for _, peerID := range msg.Peers {
				if peerID != c.options.PeerID {
					cb.OnPeerJoined(peerID)
				}
			}
		}
	case signal.TypeBroadcast:
		if cb.OnBroadcast != nil {
			cb.OnBroadcast(msg.PeerID, msg.Data)
		}
	case signal.TypePong:
		// Heartbeat ack.
	case signal.TypeError:
		c.reportError(fmt.Errorf("relay error: %s", msg.Error))
	case signal.TypeJoin, signal.TypeLeave, signal.TypePing:
		// Client-to-server only; a conforming relay never sends these.
	}
}

func (c *SignalingClient) heartbeatLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.options.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.currentConn() != conn {
				return
			}
			if err := c.write(signal.Message{Type: signal.TypePing}); err != nil {
				return
			}
		case <-c.stopChan():
			return
		}
	}
}

func (c *SignalingClient) scheduleReconnect() {
	c.stateMu.Lock()
	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	c.stateMu.Unlock()

	if attempt > c.options.MaxReconnectAttempts {
		c.setState(SignalingError)
		c.reportError(ErrSignalingUnavailable)
		return
	}

	delay := c.reconnectDelay(attempt)
	c.setState(SignalingConnecting)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-c.stopChan():
			return
		}

		if err := c.dial(context.Background()); err != nil {
			c.scheduleReconnect()
		}
	}()
}

// reconnectDelay returns base * 2^(attempt-1): 1s, 2s, 4s, 8s, 16s for the
// default base delay.
func (c *SignalingClient) reconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return c.options.ReconnectBaseDelay << (attempt - 1)
}

func (c *SignalingClient) setState(state SignalingState) {
	c.stateMu.Lock()
	if c.state == state {
		c.stateMu.Unlock()
		return
	}
	c.state = state
	c.stateMu.Unlock()

	if c.options.Callbacks.OnStateChange != nil {
		c.options.Callbacks.OnStateChange(state)
	}
}

func (c *SignalingClient) resetAttempts() {
	c.stateMu.Lock()
	c.reconnectAttempts = 0
	c.stateMu.Unlock()
}

func (c *SignalingClient) write(msg signal.Message) error {
	conn := c.currentConn()
	if conn == nil {
		return errors.New("p2p: signaling channel is not connected")
	}

	payload, err := signal.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *SignalingClient) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *SignalingClient) closeConn() {
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

func (c *SignalingClient) stopChan() <-chan struct{} {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.stopCh
}

func (c *SignalingClient) isStopping() bool {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.stopped
}

func (c *SignalingClient) reportError(err error) {
	if err == nil {
		return
	}
	if c.options.Callbacks.OnError != nil {
		c.options.Callbacks.OnError(err)
	}
}
