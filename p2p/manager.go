package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"roomdrop/signal"
)

// DefaultConnectTimeout bounds one connection-establishment attempt.
const DefaultConnectTimeout = 30 * time.Second

var (
	// ErrConnectionTimeout indicates the peer link did not reach
	// connected+open within the deadline. The caller may retry.
	ErrConnectionTimeout = errors.New("p2p: connection attempt timed out")
	// ErrPeerNotConnected indicates an operation that needs an established
	// link to a peer that has none.
	ErrPeerNotConnected = errors.New("p2p: peer is not connected")
)

// PresencePeer mirrors one entry of the externally supplied room membership.
type PresencePeer struct {
	PeerID      string
	DisplayName string
	JoinedAt    time.Time
}

// PeerInfo is the caller-facing view of one known peer.
type PeerInfo struct {
	PeerID      string
	DisplayName string
	Connected   bool
}

// BroadcastResult records the per-peer outcome of a broadcast send.
type BroadcastResult struct {
	TransferID string
	Err        error
}

// Events are the subscriptions exposed to the presentation layer. Handlers
// run on manager goroutines and must not block.
type Events struct {
	OnPeerConnected    func(peerID string)
	OnPeerDisconnected func(peerID string)
	OnTransferProgress func(TaskSnapshot)
	OnFileReceived     func(ReceivedFile)
	OnBroadcast        func(peerID string, data json.RawMessage)
	OnSignalingState   func(SignalingState)
}

// ManagerOptions configures one room session.
type ManagerOptions struct {
	RelayURL    string
	RoomCode    string
	PeerID      string
	DisplayName string

	ICEServers     []webrtc.ICEServer
	ChunkSize      int
	ConnectTimeout time.Duration

	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int

	Events Events
}

// peerLink couples one PeerConn with its transfer engine.
type peerLink struct {
	peerID    string
	conn      *PeerConn
	transfer  *transferEngine
	initiator bool
}

// Manager orchestrates one room session: it owns the signaling client, the
// set of peer links, and the aggregate transfer task view, and it routes
// inbound signals to the right PeerConn.
type Manager struct {
	options ManagerOptions

	signaling *SignalingClient

	mu        sync.Mutex
	links     map[string]*peerLink
	available map[string]PresencePeer
	closed    bool

	errors chan error
}

// NewManager creates a manager for one room session and wires its signaling
// client. Start must be called before any peer operation.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.PeerID == "" {
		return nil, errors.New("p2p: peer ID is required")
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = DefaultConnectTimeout
	}

	m := &Manager{
		options:   options,
		links:     make(map[string]*peerLink),
		available: make(map[string]PresencePeer),
		errors:    make(chan error, 64),
	}

	client, err := NewSignalingClient(SignalingOptions{
		RelayURL:             options.RelayURL,
		RoomCode:             options.RoomCode,
		PeerID:               options.PeerID,
		HeartbeatInterval:    options.HeartbeatInterval,
		ReconnectBaseDelay:   options.ReconnectBaseDelay,
		MaxReconnectAttempts: options.MaxReconnectAttempts,
		Callbacks: SignalingCallbacks{
			OnSignal:      m.handleSignal,
			OnPeerJoined:  m.handlePeerJoined,
			OnPeerLeft:    m.handlePeerLeft,
			OnBroadcast:   m.handleBroadcast,
			OnStateChange: m.handleSignalingState,
			OnError:       m.reportError,
		},
	})
	if err != nil {
		return nil, err
	}
	m.signaling = client

	return m, nil
}

// Start connects the signaling control channel and joins the room.
func (m *Manager) Start(ctx context.Context) error {
	return m.signaling.Connect(ctx)
}

// Close tears down all peer links and leaves the room.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	links := make([]*peerLink, 0, len(m.links))
	for _, link := range m.links {
		links = append(links, link)
	}
	m.links = make(map[string]*peerLink)
	m.available = make(map[string]PresencePeer)
	m.mu.Unlock()

	for _, link := range links {
		link.transfer.FailAll("session closed")
		_ = link.conn.Close()
	}
	m.signaling.Disconnect()
}

// Errors surfaces asynchronous routing and protocol errors.
func (m *Manager) Errors() <-chan error {
	return m.errors
}

// ConnectToPeer establishes a data channel to a peer. It is idempotent: an
// already connected peer returns immediately. The wait is event-driven,
// racing the link's Ready signal against the configured deadline.
func (m *Manager) ConnectToPeer(ctx context.Context, peerID string) error {
	if peerID == m.options.PeerID {
		return errors.New("p2p: cannot connect to self")
	}

	link, created, err := m.getOrCreateLink(peerID, true)
	if err != nil {
		return err
	}
	if link.conn.Connected() {
		return nil
	}

	if created {
		offer, err := link.conn.CreateOffer()
		if err != nil {
			m.dropLink(peerID, link)
			return err
		}
		if err := m.signaling.SendSignal(offer); err != nil {
			m.dropLink(peerID, link)
			return fmt.Errorf("send offer: %w", err)
		}
	}

	timer := time.NewTimer(m.options.ConnectTimeout)
	defer timer.Stop()

	for {
		select {
		case <-link.conn.Ready():
			return nil
		case <-link.conn.Done():
			// An inbound offer may have superseded this link during
			// glare; keep waiting on its replacement.
			if next := m.getLink(peerID); next != nil && next != link {
				link = next
				continue
			}
			return ErrPeerNotConnected
		case <-timer.C:
			m.dropLink(peerID, link)
			_ = link.conn.Close()
			return ErrConnectionTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendFile transfers payload to one peer, connecting on demand. When
// encrypted is true the payload must already be ciphertext and iv declares
// the nonce the receiver will decrypt with.
func (m *Manager) SendFile(ctx context.Context, peerID, filename string, payload []byte, encrypted bool, iv []byte) (string, error) {
	if err := m.ConnectToPeer(ctx, peerID); err != nil {
		return "", err
	}

	link := m.getLink(peerID)
	if link == nil {
		return "", ErrPeerNotConnected
	}
	return link.transfer.SendFile(payload, filename, encrypted, iv)
}

// BroadcastFile fans the payload out to every currently connected peer,
// best-effort, and reports the per-peer outcome so partial failures stay
// visible.
func (m *Manager) BroadcastFile(filename string, payload []byte, encrypted bool, iv []byte) map[string]BroadcastResult {
	m.mu.Lock()
	connected := make([]*peerLink, 0, len(m.links))
	for _, link := range m.links {
		if link.conn.Connected() {
			connected = append(connected, link)
		}
	}
	m.mu.Unlock()

	results := make(map[string]BroadcastResult, len(connected))
	for _, link := range connected {
		transferID, err := link.transfer.SendFile(payload, filename, encrypted, iv)
		results[link.peerID] = BroadcastResult{TransferID: transferID, Err: err}
	}
	return results
}

// Broadcast sends application data to every peer in the room through the
// relay. It does not require established peer links.
func (m *Manager) Broadcast(data json.RawMessage) error {
	return m.signaling.Broadcast(data)
}

// CancelTransfer cancels the task with the given id on whichever peer link
// owns it.
func (m *Manager) CancelTransfer(transferID string) error {
	for _, link := range m.snapshotLinks() {
		if err := link.transfer.Cancel(transferID); !errors.Is(err, ErrUnknownTransfer) {
			return err
		}
	}
	return ErrUnknownTransfer
}

// RemoveTask drops a finished task record from the aggregate view.
func (m *Manager) RemoveTask(transferID string) error {
	for _, link := range m.snapshotLinks() {
		if err := link.transfer.Remove(transferID); !errors.Is(err, ErrUnknownTransfer) {
			return err
		}
	}
	return ErrUnknownTransfer
}

// Task returns one task snapshot by id.
func (m *Manager) Task(transferID string) (TaskSnapshot, error) {
	for _, link := range m.snapshotLinks() {
		if snapshot, err := link.transfer.Task(transferID); err == nil {
			return snapshot, nil
		}
	}
	return TaskSnapshot{}, ErrUnknownTransfer
}

// Tasks returns all task snapshots across peers, finished ones included.
func (m *Manager) Tasks() []TaskSnapshot {
	var out []TaskSnapshot
	for _, link := range m.snapshotLinks() {
		out = append(out, link.transfer.Tasks()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransferID < out[j].TransferID })
	return out
}

// DisconnectPeer tears down the link to one peer, failing its in-flight
// transfers.
func (m *Manager) DisconnectPeer(peerID string) error {
	m.mu.Lock()
	link := m.links[peerID]
	delete(m.links, peerID)
	m.mu.Unlock()

	if link == nil {
		return ErrPeerNotConnected
	}
	link.transfer.FailAll("peer disconnected")
	return link.conn.Close()
}

// SetPeers replaces the available-peers view with a full presence snapshot.
func (m *Manager) SetPeers(peers []PresencePeer) {
	m.mu.Lock()
	m.available = make(map[string]PresencePeer, len(peers))
	for _, peer := range peers {
		if peer.PeerID != m.options.PeerID {
			m.available[peer.PeerID] = peer
		}
	}
	m.mu.Unlock()
}

// AddPeer records one presence addition.
func (m *Manager) AddPeer(peer PresencePeer) {
	if peer.PeerID == m.options.PeerID {
		return
	}
	m.mu.Lock()
	m.available[peer.PeerID] = peer
	m.mu.Unlock()
}

// RemovePeer drops one peer from presence and closes any link to it; the
// relay reported it gone, so the connection cannot outlive the membership.
func (m *Manager) RemovePeer(peerID string) {
	m.mu.Lock()
	delete(m.available, peerID)
	link := m.links[peerID]
	delete(m.links, peerID)
	m.mu.Unlock()

	if link != nil {
		link.transfer.FailAll("peer left the room")
		_ = link.conn.Close()
	}
}

// Peers lists known peers with their connectivity.
func (m *Manager) Peers() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PeerInfo, 0, len(m.available)+len(m.links))
	seen := make(map[string]bool)
	for id, peer := range m.available {
		link := m.links[id]
		out = append(out, PeerInfo{
			PeerID:      id,
			DisplayName: peer.DisplayName,
			Connected:   link != nil && link.conn.Connected(),
		})
		seen[id] = true
	}
	for id, link := range m.links {
		if !seen[id] {
			out = append(out, PeerInfo{PeerID: id, Connected: link.conn.Connected()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// handleSignal routes one inbound negotiation message. Messages not
// addressed to the local identity are discarded unprocessed.
func (m *Manager) handleSignal(sig signal.Signal) {
	if sig.To != m.options.PeerID {
		return
	}

	switch sig.Type {
	case signal.SignalOffer:
		m.handleOffer(sig)
	case signal.SignalAnswer:
		link := m.getLink(sig.From)
		if link == nil {
			m.reportError(fmt.Errorf("p2p: answer from unknown peer %q", sig.From))
			return
		}
		if err := link.conn.HandleAnswer(sig); err != nil {
			m.reportError(fmt.Errorf("handle answer from %q: %w", sig.From, err))
		}
	case signal.SignalCandidate:
		link := m.getLink(sig.From)
		if link == nil {
			return
		}
		if err := link.conn.HandleICECandidate(sig); err != nil {
			m.reportError(fmt.Errorf("handle candidate from %q: %w", sig.From, err))
		}
	}
}

func (m *Manager) handleOffer(sig signal.Signal) {
	remoteID := sig.From

	m.mu.Lock()
	existing := m.links[remoteID]
	if existing != nil {
		if existing.conn.Connected() && existing.conn.State() == ConnConnected {
			// Live link; the offer is a stale renegotiation attempt.
			m.mu.Unlock()
			return
		}
		// Offer glare: both sides dialed at once. The lexicographically
		// smaller peer id is the canonical offerer; if that is us, ignore
		// their offer and let our own attempt finish.
		if existing.initiator && m.options.PeerID < remoteID {
			m.mu.Unlock()
			return
		}
		delete(m.links, remoteID)
	}
	m.mu.Unlock()

	link, err := m.newLink(remoteID, false)
	if err != nil {
		if existing != nil {
			existing.transfer.FailAll("connection superseded")
			_ = existing.conn.Close()
		}
		m.reportError(err)
		return
	}
	m.mu.Lock()
	m.links[remoteID] = link
	m.mu.Unlock()

	// The replacement is registered before the superseded connection is
	// closed, so a ConnectToPeer waiter can pick it up.
	if existing != nil {
		existing.transfer.FailAll("connection superseded")
		_ = existing.conn.Close()
	}

	answer, err := link.conn.HandleOffer(sig)
	if err != nil {
		m.dropLink(remoteID, link)
		_ = link.conn.Close()
		m.reportError(fmt.Errorf("handle offer from %q: %w", remoteID, err))
		return
	}
	if err := m.signaling.SendSignal(answer); err != nil {
		m.dropLink(remoteID, link)
		_ = link.conn.Close()
		m.reportError(fmt.Errorf("send answer to %q: %w", remoteID, err))
	}
}

func (m *Manager) handlePeerJoined(peerID string) {
	m.AddPeer(PresencePeer{PeerID: peerID, JoinedAt: time.Now()})
}

func (m *Manager) handlePeerLeft(peerID string) {
	m.RemovePeer(peerID)
}

func (m *Manager) handleBroadcast(peerID string, data json.RawMessage) {
	if m.options.Events.OnBroadcast != nil {
		m.options.Events.OnBroadcast(peerID, data)
	}
}

func (m *Manager) handleSignalingState(state SignalingState) {
	if m.options.Events.OnSignalingState != nil {
		m.options.Events.OnSignalingState(state)
	}
}

func (m *Manager) getOrCreateLink(peerID string, initiator bool) (link *peerLink, created bool, err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, errors.New("p2p: manager is closed")
	}
	if existing := m.links[peerID]; existing != nil {
		m.mu.Unlock()
		return existing, false, nil
	}
	m.mu.Unlock()

	link, err = m.newLink(peerID, initiator)
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	if existing := m.links[peerID]; existing != nil {
		// Lost a race with an inbound offer; keep the established entry.
		m.mu.Unlock()
		_ = link.conn.Close()
		return existing, false, nil
	}
	m.links[peerID] = link
	m.mu.Unlock()
	return link, true, nil
}

func (m *Manager) newLink(peerID string, initiator bool) (*peerLink, error) {
	link := &peerLink{peerID: peerID, initiator: initiator}

	conn, err := newPeerConn(m.options.PeerID, peerID, m.options.RoomCode, m.options.ICEServers, initiator, PeerConnCallbacks{
		OnSignal: func(sig signal.Signal) {
			if err := m.signaling.SendSignal(sig); err != nil {
				m.reportError(fmt.Errorf("relay signal to %q: %w", peerID, err))
			}
		},
		OnMessage: func(data []byte) {
			link.transfer.HandleFrame(data)
		},
		OnStateChange: func(state ConnState) {
			m.handleConnState(link, state)
		},
	})
	if err != nil {
		return nil, err
	}
	link.conn = conn

	link.transfer = newTransferEngine(m.options.PeerID, peerID, m.options.ChunkSize, conn.Send, transferCallbacks{
		onProgress:     m.emitProgress,
		onFileReceived: m.emitFileReceived,
		onError:        m.reportError,
	})
	return link, nil
}

func (m *Manager) handleConnState(link *peerLink, state ConnState) {
	switch state {
	case ConnConnected:
		if m.options.Events.OnPeerConnected != nil {
			m.options.Events.OnPeerConnected(link.peerID)
		}
	case ConnDisconnected, ConnFailed, ConnClosed:
		m.mu.Lock()
		current := m.links[link.peerID]
		if current == link {
			delete(m.links, link.peerID)
		}
		m.mu.Unlock()

		// Fail in-flight transfers for this peer only; other peers'
		// transfers are untouched.
		link.transfer.FailAll("data channel closed")
		if current == link && m.options.Events.OnPeerDisconnected != nil {
			m.options.Events.OnPeerDisconnected(link.peerID)
		}
	}
}

func (m *Manager) emitProgress(snapshot TaskSnapshot) {
	if m.options.Events.OnTransferProgress != nil {
		m.options.Events.OnTransferProgress(snapshot)
	}
}

func (m *Manager) emitFileReceived(file ReceivedFile) {
	if m.options.Events.OnFileReceived != nil {
		m.options.Events.OnFileReceived(file)
	}
}

func (m *Manager) getLink(peerID string) *peerLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[peerID]
}

func (m *Manager) snapshotLinks() []*peerLink {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*peerLink, 0, len(m.links))
	for _, link := range m.links {
		out = append(out, link)
	}
	return out
}

func (m *Manager) dropLink(peerID string, link *peerLink) {
	m.mu.Lock()
	if current := m.links[peerID]; current == link {
		delete(m.links, peerID)
	}
	m.mu.Unlock()
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case m.errors <- err:
	default:
	}
}
