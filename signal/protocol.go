// Package signal defines the JSON wire protocol spoken between clients and
// the signaling relay. Both directions share one framed Message type; the
// negotiation payload inside a Signal is opaque to the relay.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies a relay protocol frame.
type MessageType string

const (
	// Client to server.
	TypeJoin      MessageType = "join"
	TypeLeave     MessageType = "leave"
	TypeSignal    MessageType = "signal"
	TypeBroadcast MessageType = "broadcast"
	TypePing      MessageType = "ping"

	// Server to client.
	TypePeerJoined MessageType = "peer-joined"
	TypePeerLeft   MessageType = "peer-left"
	TypeRoomPeers  MessageType = "room-peers"
	TypePong       MessageType = "pong"
	TypeError      MessageType = "error"
)

// SignalType identifies a negotiation payload kind.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
)

var (
	// ErrInvalidMessageType indicates a frame whose type field is missing or unknown.
	ErrInvalidMessageType = errors.New("signal: invalid message type")
	// ErrInvalidSignalType indicates an unknown negotiation payload kind.
	ErrInvalidSignalType = errors.New("signal: invalid signal type")
)

// Signal carries one opaque negotiation payload between two peers. The relay
// routes it by To without inspecting Payload.
type Signal struct {
	Type     SignalType      `json:"type"`
	From     string          `json:"from"`
	To       string          `json:"to"`
	RoomCode string          `json:"roomCode"`
	Payload  json.RawMessage `json:"payload"`
}

// Message is the single JSON frame exchanged over the relay connection.
// Fields beyond Type are populated per type; see the protocol table.
type Message struct {
	Type     MessageType     `json:"type"`
	RoomCode string          `json:"roomCode,omitempty"`
	PeerID   string          `json:"peerId,omitempty"`
	Peers    []string        `json:"peers,omitempty"`
	Signal   *Signal         `json:"signal,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeJoin, TypeLeave, TypeSignal, TypeBroadcast, TypePing,
		TypePeerJoined, TypePeerLeft, TypeRoomPeers, TypePong, TypeError:
		return true
	}
	return false
}

// Valid reports whether t is a known signal type.
func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalCandidate:
		return true
	}
	return false
}

// Encode marshals a message to its wire form.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal signal message: %w", err)
	}
	return payload, nil
}

// Decode parses one wire frame and rejects unknown message types, so a new
// protocol message is an explicit decision rather than a silent no-op.
func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("decode signal message: %w", err)
	}
	if !msg.Type.Valid() {
		return Message{}, ErrInvalidMessageType
	}
	if msg.Signal != nil && !msg.Signal.Type.Valid() {
		return Message{}, ErrInvalidSignalType
	}
	return msg, nil
}
