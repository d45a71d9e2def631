package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"roomdrop/signal"
)

func newTestServer(t *testing.T, config *Config) *httptest.Server {
	t.Helper()
	if config == nil {
		config = &Config{Environment: "production", AllowedOrigins: []string{"*"}}
	}
	server := httptest.NewServer(NewServer(config, NewHub(nil)).Handler())
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

type testPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func joinRoom(t *testing.T, server *httptest.Server, roomCode, peerID string) *testPeer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	peer := &testPeer{t: t, conn: conn}
	peer.send(signal.Message{Type: signal.TypeJoin, RoomCode: roomCode, PeerID: peerID})
	return peer
}

func (p *testPeer) send(msg signal.Message) {
	p.t.Helper()
	payload, err := signal.Encode(msg)
	if err != nil {
		p.t.Fatalf("encode message: %v", err)
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		p.t.Fatalf("write message: %v", err)
	}
}

func (p *testPeer) recv() signal.Message {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := p.conn.ReadMessage()
	if err != nil {
		p.t.Fatalf("read message: %v", err)
	}
	msg, err := signal.Decode(payload)
	if err != nil {
		p.t.Fatalf("decode message: %v", err)
	}
	return msg
}

func (p *testPeer) expect(msgType signal.MessageType) signal.Message {
	p.t.Helper()
	msg := p.recv()
	if msg.Type != msgType {
		p.t.Fatalf("received %q, want %q", msg.Type, msgType)
	}
	return msg
}

func TestRelayJoinHandshake(t *testing.T) {
	server := newTestServer(t, nil)

	alice := joinRoom(t, server, "ROOM42", "alice")
	snapshot := alice.expect(signal.TypeRoomPeers)
	if snapshot.RoomCode != "ROOM42" {
		t.Errorf("snapshot room = %q, want ROOM42", snapshot.RoomCode)
	}
	if len(snapshot.Peers) != 1 || snapshot.Peers[0] != "alice" {
		t.Errorf("snapshot peers = %v, want [alice]", snapshot.Peers)
	}

	bob := joinRoom(t, server, "ROOM42", "bob")
	snapshot = bob.expect(signal.TypeRoomPeers)
	if len(snapshot.Peers) != 2 {
		t.Errorf("snapshot peers = %v, want alice and bob", snapshot.Peers)
	}

	joined := alice.expect(signal.TypePeerJoined)
	if joined.PeerID != "bob" {
		t.Errorf("peer joined %q, want bob", joined.PeerID)
	}
}

func TestRelayAssignsPeerID(t *testing.T) {
	server := newTestServer(t, nil)

	anon := joinRoom(t, server, "ROOM42", "")
	snapshot := anon.expect(signal.TypeRoomPeers)
	if snapshot.PeerID == "" {
		t.Error("relay did not assign a peer id")
	}
	if len(snapshot.Peers) != 1 || snapshot.Peers[0] != snapshot.PeerID {
		t.Errorf("snapshot peers = %v, want the assigned id", snapshot.Peers)
	}
}

func TestRelayRejectsNonJoinFirstFrame(t *testing.T) {
	server := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	payload, _ := signal.Encode(signal.Message{Type: signal.TypePing})
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write message: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection survived a non-join first frame")
	}
}

func TestRelayForwardsAddressedSignal(t *testing.T) {
	server := newTestServer(t, nil)

	alice := joinRoom(t, server, "ROOM42", "alice")
	alice.expect(signal.TypeRoomPeers)
	bob := joinRoom(t, server, "ROOM42", "bob")
	bob.expect(signal.TypeRoomPeers)
	alice.expect(signal.TypePeerJoined)

	alice.send(signal.Message{
		Type: signal.TypeSignal,
		Signal: &signal.Signal{
			Type:    signal.SignalOffer,
			From:    "mallory", // the relay must overwrite this
			To:      "bob",
			Payload: json.RawMessage(`{"sdp":"v=0","type":"offer"}`),
		},
	})

	msg := bob.expect(signal.TypeSignal)
	if msg.Signal == nil {
		t.Fatal("forwarded message carries no signal")
	}
	if msg.Signal.From != "alice" {
		t.Errorf("signal from = %q, want alice (sender identity is relay-authoritative)", msg.Signal.From)
	}
	if msg.Signal.RoomCode != "ROOM42" || msg.Signal.To != "bob" {
		t.Errorf("signal = %+v, want offer to bob in ROOM42", msg.Signal)
	}
}

func TestRelaySignalToMissingPeer(t *testing.T) {
	server := newTestServer(t, nil)

	alice := joinRoom(t, server, "ROOM42", "alice")
	alice.expect(signal.TypeRoomPeers)

	alice.send(signal.Message{
		Type:   signal.TypeSignal,
		Signal: &signal.Signal{Type: signal.SignalOffer, To: "ghost"},
	})

	errMsg := alice.expect(signal.TypeError)
	if !strings.Contains(errMsg.Error, "ghost") {
		t.Errorf("error = %q, want mention of the missing peer", errMsg.Error)
	}
}

func TestRelayBroadcast(t *testing.T) {
	server := newTestServer(t, nil)

	alice := joinRoom(t, server, "ROOM42", "alice")
	alice.expect(signal.TypeRoomPeers)
	bob := joinRoom(t, server, "ROOM42", "bob")
	bob.expect(signal.TypeRoomPeers)
	alice.expect(signal.TypePeerJoined)
	carol := joinRoom(t, server, "ROOM42", "carol")
	carol.expect(signal.TypeRoomPeers)
	alice.expect(signal.TypePeerJoined)
	bob.expect(signal.TypePeerJoined)

	alice.send(signal.Message{Type: signal.TypeBroadcast, Data: json.RawMessage(`{"hello":true}`)})

	for _, peer := range []*testPeer{bob, carol} {
		msg := peer.expect(signal.TypeBroadcast)
		if msg.PeerID != "alice" {
			t.Errorf("broadcast from %q, want alice", msg.PeerID)
		}
		if string(msg.Data) != `{"hello":true}` {
			t.Errorf("broadcast data = %s", msg.Data)
		}
	}
}

func TestRelayRoomIsolation(t *testing.T) {
	server := newTestServer(t, nil)

	alice := joinRoom(t, server, "ROOM-A", "alice")
	alice.expect(signal.TypeRoomPeers)
	bob := joinRoom(t, server, "ROOM-B", "bob")
	snapshot := bob.expect(signal.TypeRoomPeers)

	if len(snapshot.Peers) != 1 || snapshot.Peers[0] != "bob" {
		t.Errorf("snapshot peers = %v, want bob alone", snapshot.Peers)
	}

	alice.send(signal.Message{Type: signal.TypeBroadcast, Data: json.RawMessage(`"x"`)})
	alice.send(signal.Message{Type: signal.TypePing})
	alice.expect(signal.TypePong)

	// Bob saw nothing from the other room; his next frame is the pong to
	// his own ping.
	bob.send(signal.Message{Type: signal.TypePing})
	bob.expect(signal.TypePong)
}

func TestRelayPingPong(t *testing.T) {
	server := newTestServer(t, nil)

	alice := joinRoom(t, server, "ROOM42", "alice")
	alice.expect(signal.TypeRoomPeers)

	alice.send(signal.Message{Type: signal.TypePing})
	alice.expect(signal.TypePong)
}

func TestRelayLeaveNotifiesRoom(t *testing.T) {
	server := newTestServer(t, nil)

	alice := joinRoom(t, server, "ROOM42", "alice")
	alice.expect(signal.TypeRoomPeers)
	bob := joinRoom(t, server, "ROOM42", "bob")
	bob.expect(signal.TypeRoomPeers)
	alice.expect(signal.TypePeerJoined)

	bob.send(signal.Message{Type: signal.TypeLeave, RoomCode: "ROOM42", PeerID: "bob"})

	left := alice.expect(signal.TypePeerLeft)
	if left.PeerID != "bob" {
		t.Errorf("peer left %q, want bob", left.PeerID)
	}
}

func TestRelayDropNotifiesRoom(t *testing.T) {
	server := newTestServer(t, nil)

	alice := joinRoom(t, server, "ROOM42", "alice")
	alice.expect(signal.TypeRoomPeers)
	bob := joinRoom(t, server, "ROOM42", "bob")
	bob.expect(signal.TypeRoomPeers)
	alice.expect(signal.TypePeerJoined)

	// An abrupt close must surface the same as an explicit leave.
	_ = bob.conn.Close()

	left := alice.expect(signal.TypePeerLeft)
	if left.PeerID != "bob" {
		t.Errorf("peer left %q, want bob", left.PeerID)
	}
}

func TestRelaySupersedesDuplicateJoin(t *testing.T) {
	server := newTestServer(t, nil)

	first := joinRoom(t, server, "ROOM42", "alice")
	first.expect(signal.TypeRoomPeers)

	second := joinRoom(t, server, "ROOM42", "alice")
	snapshot := second.expect(signal.TypeRoomPeers)
	if len(snapshot.Peers) != 1 || snapshot.Peers[0] != "alice" {
		t.Errorf("snapshot peers = %v, want alice alone", snapshot.Peers)
	}

	// The first connection is closed; no peer-left is broadcast because
	// alice never left the room.
	_ = first.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := first.conn.ReadMessage()
		if err != nil {
			break
		}
	}

	second.send(signal.Message{Type: signal.TypePing})
	second.expect(signal.TypePong)
}

func TestRelayRoomInfo(t *testing.T) {
	server := newTestServer(t, nil)

	alice := joinRoom(t, server, "ROOM42", "alice")
	alice.expect(signal.TypeRoomPeers)

	resp, err := http.Get(server.URL + "/api/rooms/ROOM42")
	if err != nil {
		t.Fatalf("room info request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var info struct {
		RoomCode  string   `json:"roomCode"`
		PeerCount int      `json:"peerCount"`
		Peers     []string `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode room info: %v", err)
	}
	if info.PeerCount != 1 || len(info.Peers) != 1 || info.Peers[0] != "alice" {
		t.Errorf("room info = %+v, want alice alone", info)
	}

	missing, err := http.Get(server.URL + "/api/rooms/NOPE")
	if err != nil {
		t.Fatalf("missing room request: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d for unknown room, want 404", missing.StatusCode)
	}
}

func TestRelayJWTRequired(t *testing.T) {
	const secret = "test-secret"
	server := newTestServer(t, &Config{
		Environment:    "production",
		AllowedOrigins: []string{"*"},
		JWTSecret:      secret,
	})

	if _, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil); err == nil {
		t.Fatal("unauthenticated websocket dial succeeded")
	}

	token, err := IssueToken(secret, "alice")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server)+"?token="+token, nil)
	if err != nil {
		t.Fatalf("authenticated dial failed: %v", err)
	}
	defer conn.Close()

	peer := &testPeer{t: t, conn: conn}
	peer.send(signal.Message{Type: signal.TypeJoin, RoomCode: "ROOM42", PeerID: "alice"})
	peer.expect(signal.TypeRoomPeers)
}

func TestRelayOriginFilter(t *testing.T) {
	server := newTestServer(t, &Config{
		Environment:    "production",
		AllowedOrigins: []string{"https://app.example.com"},
	})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	if _, _, err := websocket.DefaultDialer.Dial(wsURL(server), header); err == nil {
		t.Fatal("disallowed origin accepted")
	}

	header = http.Header{"Origin": []string{"https://app.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), header)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}
