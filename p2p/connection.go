package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"roomdrop/signal"
)

const (
	// dataChannelLabel names the single transfer channel per peer pair.
	dataChannelLabel = "transfer"
	// maxChannelRetransmits bounds per-message retransmission on the data
	// channel. Delivery is ordered but not guaranteed; the transfer layer
	// detects gaps by chunk index.
	maxChannelRetransmits uint16 = 3
)

// ConnState is the combined connection + data channel readiness of one peer
// link.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// PeerConnCallbacks observe one peer link. OnSignal carries locally gathered
// ICE candidates that must be relayed to the remote peer.
type PeerConnCallbacks struct {
	OnSignal      func(signal.Signal)
	OnMessage     func(data []byte)
	OnStateChange func(state ConnState)
}

// PeerConn is one negotiated transport to a single remote peer: a pion
// PeerConnection carrying one ordered, bounded-retry data channel, driven by
// offer/answer/candidate exchange relayed through the signaling client.
type PeerConn struct {
	localID  string
	remoteID string
	roomCode string

	pc        *webrtc.PeerConnection
	callbacks PeerConnCallbacks

	mu                sync.Mutex
	dc                *webrtc.DataChannel
	state             ConnState
	remoteDescSet     bool
	pendingCandidates []webrtc.ICECandidateInit

	ready     chan struct{}
	readyOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once
}

type sdpPayload struct {
	SDP  string `json:"sdp"`
	Type string `json:"sdpType"`
}

// newPeerConn builds the pion PeerConnection. When initiator is true the
// local side opens the data channel; otherwise it waits for the remote one.
func newPeerConn(localID, remoteID, roomCode string, iceServers []webrtc.ICEServer, initiator bool, callbacks PeerConnCallbacks) (*PeerConn, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	conn := &PeerConn{
		localID:   localID,
		remoteID:  remoteID,
		roomCode:  roomCode,
		pc:        pc,
		callbacks: callbacks,
		state:     ConnNew,
		ready:     make(chan struct{}),
		closed:    make(chan struct{}),
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		payload, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			return
		}
		conn.emitSignal(signal.SignalCandidate, payload)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		conn.handleTransportState(state)
	})

	if initiator {
		ordered := true
		retransmits := maxChannelRetransmits
		dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
			Ordered:        &ordered,
			MaxRetransmits: &retransmits,
		})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		conn.attachDataChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != dataChannelLabel {
				return
			}
			conn.attachDataChannel(dc)
		})
	}

	return conn, nil
}

// RemoteID returns the peer identity this link targets.
func (conn *PeerConn) RemoteID() string {
	return conn.remoteID
}

// State returns the current combined link state.
func (conn *PeerConn) State() ConnState {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.state
}

// Connected reports whether the transport is up and the channel is open.
func (conn *PeerConn) Connected() bool {
	select {
	case <-conn.ready:
		return conn.State() == ConnConnected
	default:
		return false
	}
}

// Ready is closed exactly when the connection reaches connected with an open
// data channel. Callers race it against their own deadline.
func (conn *PeerConn) Ready() <-chan struct{} {
	return conn.ready
}

// Done is closed when the link is torn down.
func (conn *PeerConn) Done() <-chan struct{} {
	return conn.closed
}

// CreateOffer produces the offer signal for the remote peer.
func (conn *PeerConn) CreateOffer() (signal.Signal, error) {
	offer, err := conn.pc.CreateOffer(nil)
	if err != nil {
		return signal.Signal{}, fmt.Errorf("create offer: %w", err)
	}
	if err := conn.pc.SetLocalDescription(offer); err != nil {
		return signal.Signal{}, fmt.Errorf("set local description: %w", err)
	}
	return conn.descriptionSignal(signal.SignalOffer, offer)
}

// HandleOffer applies a remote offer and produces the answer signal.
func (conn *PeerConn) HandleOffer(sig signal.Signal) (signal.Signal, error) {
	desc, err := decodeDescription(sig, webrtc.SDPTypeOffer)
	if err != nil {
		return signal.Signal{}, err
	}
	if err := conn.setRemoteDescription(desc); err != nil {
		return signal.Signal{}, err
	}

	answer, err := conn.pc.CreateAnswer(nil)
	if err != nil {
		return signal.Signal{}, fmt.Errorf("create answer: %w", err)
	}
	if err := conn.pc.SetLocalDescription(answer); err != nil {
		return signal.Signal{}, fmt.Errorf("set local description: %w", err)
	}
	return conn.descriptionSignal(signal.SignalAnswer, answer)
}

// HandleAnswer applies the remote answer to a locally created offer.
func (conn *PeerConn) HandleAnswer(sig signal.Signal) error {
	desc, err := decodeDescription(sig, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	return conn.setRemoteDescription(desc)
}

// HandleICECandidate applies one relayed remote candidate. Candidates that
// arrive before the remote description are buffered and flushed afterwards.
func (conn *PeerConn) HandleICECandidate(sig signal.Signal) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(sig.Payload, &candidate); err != nil {
		return fmt.Errorf("decode ice candidate: %w", err)
	}

	conn.mu.Lock()
	if !conn.remoteDescSet {
		conn.pendingCandidates = append(conn.pendingCandidates, candidate)
		conn.mu.Unlock()
		return nil
	}
	conn.mu.Unlock()

	if err := conn.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Send writes one message to the data channel.
func (conn *PeerConn) Send(data []byte) error {
	conn.mu.Lock()
	dc := conn.dc
	conn.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errors.New("p2p: data channel is not open")
	}
	return dc.Send(data)
}

// Close tears down the data channel and the underlying connection.
func (conn *PeerConn) Close() error {
	var err error
	conn.closeOnce.Do(func() {
		conn.mu.Lock()
		dc := conn.dc
		conn.mu.Unlock()
		if dc != nil {
			_ = dc.Close()
		}
		err = conn.pc.Close()
		conn.setState(ConnClosed)
		close(conn.closed)
	})
	return err
}

func (conn *PeerConn) attachDataChannel(dc *webrtc.DataChannel) {
	conn.mu.Lock()
	conn.dc = dc
	conn.mu.Unlock()

	dc.OnOpen(func() {
		conn.maybeReady()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if conn.callbacks.OnMessage != nil {
			conn.callbacks.OnMessage(msg.Data)
		}
	})
	dc.OnClose(func() {
		conn.setState(ConnDisconnected)
		_ = conn.Close()
	})
}

func (conn *PeerConn) handleTransportState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		conn.setState(ConnConnecting)
	case webrtc.PeerConnectionStateConnected:
		conn.maybeReady()
	case webrtc.PeerConnectionStateDisconnected:
		conn.setState(ConnDisconnected)
	case webrtc.PeerConnectionStateFailed:
		conn.setState(ConnFailed)
		_ = conn.Close()
	case webrtc.PeerConnectionStateClosed:
		conn.setState(ConnClosed)
	}
}

// maybeReady closes the ready channel once both the transport is connected
// and the data channel is open.
func (conn *PeerConn) maybeReady() {
	conn.mu.Lock()
	dc := conn.dc
	conn.mu.Unlock()

	if conn.pc.ConnectionState() != webrtc.PeerConnectionStateConnected {
		return
	}
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}

	conn.setState(ConnConnected)
	conn.readyOnce.Do(func() {
		close(conn.ready)
	})
}

func (conn *PeerConn) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := conn.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	conn.mu.Lock()
	conn.remoteDescSet = true
	pending := conn.pendingCandidates
	conn.pendingCandidates = nil
	conn.mu.Unlock()

	for _, candidate := range pending {
		if err := conn.pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("add buffered ice candidate: %w", err)
		}
	}
	return nil
}

func (conn *PeerConn) descriptionSignal(sigType signal.SignalType, desc webrtc.SessionDescription) (signal.Signal, error) {
	payload, err := json.Marshal(sdpPayload{SDP: desc.SDP, Type: desc.Type.String()})
	if err != nil {
		return signal.Signal{}, fmt.Errorf("marshal session description: %w", err)
	}
	return signal.Signal{
		Type:     sigType,
		From:     conn.localID,
		To:       conn.remoteID,
		RoomCode: conn.roomCode,
		Payload:  payload,
	}, nil
}

func (conn *PeerConn) emitSignal(sigType signal.SignalType, payload json.RawMessage) {
	if conn.callbacks.OnSignal == nil {
		return
	}
	conn.callbacks.OnSignal(signal.Signal{
		Type:     sigType,
		From:     conn.localID,
		To:       conn.remoteID,
		RoomCode: conn.roomCode,
		Payload:  payload,
	})
}

func (conn *PeerConn) setState(state ConnState) {
	conn.mu.Lock()
	if conn.state == state || conn.state == ConnClosed {
		conn.mu.Unlock()
		return
	}
	conn.state = state
	conn.mu.Unlock()

	if conn.callbacks.OnStateChange != nil {
		conn.callbacks.OnStateChange(state)
	}
}

func decodeDescription(sig signal.Signal, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var payload sdpPayload
	if err := json.Unmarshal(sig.Payload, &payload); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode session description: %w", err)
	}
	desc := webrtc.SessionDescription{Type: want, SDP: payload.SDP}
	if desc.SDP == "" {
		return webrtc.SessionDescription{}, errors.New("p2p: empty session description")
	}
	return desc, nil
}
