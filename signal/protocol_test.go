package signal

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeRejectsUnknownMessageType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"teleport","roomCode":"ABCD"}`)); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType, got %v", err)
	}
	if _, err := Decode([]byte(`{"roomCode":"ABCD"}`)); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType for missing type, got %v", err)
	}
}

func TestDecodeRejectsUnknownSignalType(t *testing.T) {
	raw := []byte(`{"type":"signal","signal":{"type":"smoke","from":"a","to":"b","roomCode":"ABCD"}}`)
	if _, err := Decode(raw); !errors.Is(err, ErrInvalidSignalType) {
		t.Fatalf("expected ErrInvalidSignalType, got %v", err)
	}
}

func TestEncodeDecodeSignalFrame(t *testing.T) {
	msg := Message{
		Type: TypeSignal,
		Signal: &Signal{
			Type:     SignalOffer,
			From:     "peer-a",
			To:       "peer-b",
			RoomCode: "ABCD123",
			Payload:  json.RawMessage(`{"sdp":"v=0..."}`),
		},
	}

	raw, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Signal == nil || decoded.Signal.To != "peer-b" || decoded.Signal.Type != SignalOffer {
		t.Fatalf("unexpected decoded signal: %+v", decoded.Signal)
	}
	if string(decoded.Signal.Payload) != `{"sdp":"v=0..."}` {
		t.Fatalf("payload must pass through opaque, got %s", decoded.Signal.Payload)
	}
}
