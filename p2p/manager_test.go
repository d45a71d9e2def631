package p2p

import (
	"context"
	"errors"
	"testing"
	"time"

	"roomdrop/signal"
)

func newTestManager(t *testing.T, relay *fakeRelay, peerID string) *Manager {
	t.Helper()
	m, err := NewManager(ManagerOptions{
		RelayURL:       relay.url(),
		RoomCode:       "ROOM42",
		PeerID:         peerID,
		ConnectTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(m.Close)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	relay.expect(t, signal.TypeJoin)
	return m
}

// offerFrom builds a genuine SDP offer as a remote peer would send it.
func offerFrom(t *testing.T, fromID, toID string) signal.Signal {
	t.Helper()
	conn, err := newPeerConn(fromID, toID, "ROOM42", nil, true, PeerConnCallbacks{})
	if err != nil {
		t.Fatalf("newPeerConn failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	offer, err := conn.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	return offer
}

func TestManagerValidation(t *testing.T) {
	if _, err := NewManager(ManagerOptions{RelayURL: "ws://x", RoomCode: "r"}); err == nil {
		t.Error("missing peer ID accepted")
	}
}

func TestManagerPresence(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay, "alice")

	m.SetPeers([]PresencePeer{
		{PeerID: "alice", DisplayName: "me"},
		{PeerID: "bob", DisplayName: "Bob"},
		{PeerID: "carol", DisplayName: "Carol"},
	})

	peers := m.Peers()
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2 (self excluded)", len(peers))
	}
	if peers[0].PeerID != "bob" || peers[1].PeerID != "carol" {
		t.Errorf("peers = %+v, want bob then carol", peers)
	}
	for _, peer := range peers {
		if peer.Connected {
			t.Errorf("peer %q reported connected with no link", peer.PeerID)
		}
	}

	m.RemovePeer("bob")
	m.AddPeer(PresencePeer{PeerID: "dave", DisplayName: "Dave"})
	m.AddPeer(PresencePeer{PeerID: "alice"})

	peers = m.Peers()
	if len(peers) != 2 {
		t.Fatalf("got %d peers after churn, want 2", len(peers))
	}
	if peers[0].PeerID != "carol" || peers[1].PeerID != "dave" {
		t.Errorf("peers = %+v, want carol then dave", peers)
	}
}

func TestManagerDiscardsMisaddressedSignals(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay, "alice")

	offer := offerFrom(t, "bob", "carol")
	m.handleSignal(offer)

	// The offer was for carol; no link may exist and nothing may have been
	// answered on alice's behalf.
	if link := m.getLink("bob"); link != nil {
		t.Error("misaddressed offer created a peer link")
	}
	select {
	case msg := <-relay.inbound:
		t.Errorf("relay received unexpected %q", msg.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManagerAnswersInboundOffer(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay, "alice")

	m.handleSignal(offerFrom(t, "bob", "alice"))

	msg := relay.expect(t, signal.TypeSignal)
	if msg.Signal == nil || msg.Signal.Type != signal.SignalAnswer {
		t.Fatalf("relay received %+v, want an answer", msg.Signal)
	}
	if msg.Signal.To != "bob" || msg.Signal.From != "alice" {
		t.Errorf("answer addressed %q -> %q, want alice -> bob", msg.Signal.From, msg.Signal.To)
	}

	link := m.getLink("bob")
	if link == nil {
		t.Fatal("no link created for inbound offer")
	}
	if link.initiator {
		t.Error("responder link marked initiator")
	}
}

func TestManagerOfferGlareTieBreak(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay, "bbb")

	// Dial out first so an initiator link exists when the rival offer
	// lands. The attempt times out in the background; only the link state
	// matters here.
	done := make(chan error, 1)
	go func() { done <- m.ConnectToPeer(context.Background(), "ccc") }()
	relay.expect(t, signal.TypeSignal)

	// ccc is lexicographically larger, so bbb's own offer wins and the
	// inbound one is ignored.
	m.handleSignal(offerFrom(t, "ccc", "bbb"))
	select {
	case msg := <-relay.inbound:
		t.Errorf("relay received %q, want offer from ccc ignored", msg.Type)
	case <-time.After(100 * time.Millisecond):
	}

	link := m.getLink("ccc")
	if link == nil || !link.initiator {
		t.Fatal("initiator link to ccc not preserved")
	}

	if err := <-done; !errors.Is(err, ErrConnectionTimeout) {
		t.Errorf("ConnectToPeer = %v, want ErrConnectionTimeout", err)
	}
}

func TestManagerOfferGlareYields(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay, "bbb")

	done := make(chan error, 1)
	go func() { done <- m.ConnectToPeer(context.Background(), "aaa") }()
	relay.expect(t, signal.TypeSignal)

	// aaa is lexicographically smaller, so its offer supersedes bbb's own
	// attempt and gets answered.
	m.handleSignal(offerFrom(t, "aaa", "bbb"))

	msg := relay.expect(t, signal.TypeSignal)
	if msg.Signal == nil || msg.Signal.Type != signal.SignalAnswer || msg.Signal.To != "aaa" {
		t.Fatalf("relay received %+v, want answer to aaa", msg.Signal)
	}

	link := m.getLink("aaa")
	if link == nil || link.initiator {
		t.Fatal("responder link to aaa not established")
	}

	// The superseded dial attempt adopts the responder link and keeps
	// waiting on it rather than failing when its own connection closes.
	// With no real ICE in play that wait ends at the deadline.
	err := <-done
	if errors.Is(err, ErrPeerNotConnected) {
		t.Fatalf("ConnectToPeer failed at supersede instead of adopting the replacement: %v", err)
	}
	if !errors.Is(err, ErrConnectionTimeout) {
		t.Fatalf("ConnectToPeer = %v, want ErrConnectionTimeout", err)
	}
}

func TestManagerConnectTimeout(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay, "alice")

	start := time.Now()
	err := m.ConnectToPeer(context.Background(), "bob")
	if !errors.Is(err, ErrConnectionTimeout) {
		t.Fatalf("ConnectToPeer = %v, want ErrConnectionTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("timed out after %v, before the deadline", elapsed)
	}

	// The failed link is gone; a later attempt starts fresh.
	if link := m.getLink("bob"); link != nil {
		t.Error("timed-out link still registered")
	}
}

func TestManagerConnectToSelf(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay, "alice")

	if err := m.ConnectToPeer(context.Background(), "alice"); err == nil {
		t.Error("ConnectToPeer to self succeeded")
	}
}

func TestManagerTransferLookupAcrossPeers(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay, "alice")

	if err := m.CancelTransfer("nope"); !errors.Is(err, ErrUnknownTransfer) {
		t.Errorf("CancelTransfer = %v, want ErrUnknownTransfer", err)
	}
	if err := m.RemoveTask("nope"); !errors.Is(err, ErrUnknownTransfer) {
		t.Errorf("RemoveTask = %v, want ErrUnknownTransfer", err)
	}
	if _, err := m.Task("nope"); !errors.Is(err, ErrUnknownTransfer) {
		t.Errorf("Task = %v, want ErrUnknownTransfer", err)
	}
	if tasks := m.Tasks(); len(tasks) != 0 {
		t.Errorf("Tasks = %d entries, want none", len(tasks))
	}
}

func TestManagerPeerLeftTearsDownLink(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay, "alice")

	m.handleSignal(offerFrom(t, "bob", "alice"))
	relay.expect(t, signal.TypeSignal)
	if m.getLink("bob") == nil {
		t.Fatal("no link created for inbound offer")
	}

	m.RemovePeer("bob")
	if m.getLink("bob") != nil {
		t.Error("link survived peer departure")
	}

	for _, peer := range m.Peers() {
		if peer.PeerID == "bob" {
			t.Error("departed peer still listed")
		}
	}
}

func TestManagerSendFileRequiresConnection(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay, "alice")

	_, err := m.SendFile(context.Background(), "bob", "a.txt", []byte("data"), false, nil)
	if !errors.Is(err, ErrConnectionTimeout) {
		t.Errorf("SendFile = %v, want ErrConnectionTimeout", err)
	}
}

func TestManagerBroadcastWithNoPeers(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay, "alice")

	results := m.BroadcastFile("a.txt", []byte("data"), false, nil)
	if len(results) != 0 {
		t.Errorf("BroadcastFile = %d results with no peers, want 0", len(results))
	}
}

func TestManagerCloseIdempotent(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay, "alice")

	m.handleSignal(offerFrom(t, "bob", "alice"))
	relay.expect(t, signal.TypeSignal)

	m.Close()
	m.Close()

	if link := m.getLink("bob"); link != nil {
		t.Error("link survived Close")
	}
	if err := m.ConnectToPeer(context.Background(), "bob"); err == nil {
		t.Error("ConnectToPeer succeeded after Close")
	}
}
