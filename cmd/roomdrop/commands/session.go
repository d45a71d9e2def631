package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"roomdrop/config"
	"roomdrop/crypto"
	"roomdrop/history"
	"roomdrop/p2p"
)

// keySettleWait is how long a joiner waits for an incumbent peer to answer
// its key request before treating its own derived parameters as canonical.
const keySettleWait = 2 * time.Second

const (
	keyMsgRequest = "key-request"
	keyMsgParams  = "key-params"
)

// keyMessage is the room-scoped broadcast used to agree on key parameters.
// The first peer in a room derives a fresh salt; later joiners request the
// incumbent parameters and re-derive the key from the shared password.
type keyMessage struct {
	Type    string `json:"type"`
	Salt    string `json:"salt,omitempty"`
	KeyHash string `json:"keyHash,omitempty"`
}

// session wires the keystore, peer manager and history store together for
// one room membership.
type session struct {
	cfg      *config.ClientConfig
	roomCode string
	password string

	keystore *crypto.Keystore
	manager  *p2p.Manager
	store    *history.Store

	mu      sync.Mutex
	settled bool
}

func newSession(roomCode, password string) (*session, error) {
	if roomCode == "" {
		return nil, fmt.Errorf("room code required (-r)")
	}
	if password == "" {
		return nil, fmt.Errorf("room password required (-p)")
	}

	s := &session{
		cfg:      cfg,
		roomCode: roomCode,
		password: password,
		keystore: crypto.NewKeystore(),
	}
	if _, err := s.keystore.EnsureKey(roomCode, password); err != nil {
		return nil, err
	}

	store, _, err := history.Open(dataDir)
	if err != nil {
		return nil, err
	}
	s.store = store

	manager, err := p2p.NewManager(p2p.ManagerOptions{
		RelayURL:    cfg.RelayURL,
		RoomCode:    roomCode,
		PeerID:      cfg.PeerID,
		DisplayName: cfg.DisplayName,
		Events: p2p.Events{
			OnPeerConnected: func(peerID string) {
				fmt.Printf("peer %s connected\n", peerID)
			},
			OnPeerDisconnected: func(peerID string) {
				fmt.Printf("peer %s disconnected\n", peerID)
			},
			OnTransferProgress: s.printProgress,
			OnFileReceived:     s.saveReceivedFile,
			OnBroadcast:        s.handleKeyMessage,
			OnSignalingState: func(state p2p.SignalingState) {
				fmt.Printf("signaling: %s\n", state)
			},
		},
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	s.manager = manager
	return s, nil
}

// start joins the room and runs the key parameter exchange.
func (s *session) start(ctx context.Context) error {
	if err := s.manager.Start(ctx); err != nil {
		s.store.Close()
		return err
	}

	go s.drainErrors()

	request, _ := json.Marshal(keyMessage{Type: keyMsgRequest})
	if err := s.manager.Broadcast(request); err != nil {
		fmt.Fprintf(os.Stderr, "key request failed: %v\n", err)
	}
	time.AfterFunc(keySettleWait, func() {
		s.mu.Lock()
		s.settled = true
		s.mu.Unlock()
	})
	return nil
}

func (s *session) close() {
	s.manager.Close()
	s.keystore.Clear(s.roomCode)
	s.store.Close()
}

func (s *session) drainErrors() {
	for err := range s.manager.Errors() {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
}

func (s *session) handleKeyMessage(peerID string, data json.RawMessage) {
	var msg keyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case keyMsgRequest:
		s.mu.Lock()
		settled := s.settled
		s.mu.Unlock()
		if !settled {
			return
		}
		key, err := s.keystore.Get(s.roomCode)
		if err != nil {
			return
		}
		params, _ := json.Marshal(keyMessage{
			Type:    keyMsgParams,
			Salt:    key.Salt(),
			KeyHash: key.KeyHash(),
		})
		if err := s.manager.Broadcast(params); err != nil {
			fmt.Fprintf(os.Stderr, "key params broadcast failed: %v\n", err)
		}

	case keyMsgParams:
		s.mu.Lock()
		if s.settled {
			s.mu.Unlock()
			return
		}
		s.settled = true
		s.mu.Unlock()

		ok, err := s.keystore.AdoptKey(s.roomCode, s.password, msg.Salt, msg.KeyHash)
		if err != nil {
			fmt.Fprintf(os.Stderr, "adopting room key from %s failed: %v\n", peerID, err)
			return
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "room password does not match the one used by %s\n", peerID)
			return
		}
		fmt.Printf("using room key parameters from %s\n", peerID)
	}
}

func (s *session) roomKey() ([]byte, error) {
	key, err := s.keystore.Get(s.roomCode)
	if err != nil {
		return nil, err
	}
	return key.Key(), nil
}

func (s *session) printProgress(snap p2p.TaskSnapshot) {
	switch snap.Status {
	case p2p.StatusTransferring:
		fmt.Printf("%s %s: %s / %s (%s/s, ETA %.0fs)\n",
			snap.Direction, snap.Filename,
			humanBytes(snap.TransferredSize), humanBytes(snap.TotalSize),
			humanBytes(int64(snap.Speed)), snap.ETA)
	case p2p.StatusCompleted:
		fmt.Printf("%s %s: done (%s)\n", snap.Direction, snap.Filename, humanBytes(snap.TotalSize))
	case p2p.StatusFailed:
		fmt.Printf("%s %s: failed: %s\n", snap.Direction, snap.Filename, snap.Error)
	case p2p.StatusCancelled:
		fmt.Printf("%s %s: cancelled\n", snap.Direction, snap.Filename)
	}
}

func (s *session) saveReceivedFile(file p2p.ReceivedFile) {
	data := file.Data
	if file.Encrypted {
		key, err := s.roomKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "no key to decrypt %s from %s\n", file.Filename, file.PeerID)
			return
		}
		plain, err := crypto.Decrypt(key, file.IV, data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "decrypting %s from %s failed: %v\n", file.Filename, file.PeerID, err)
			s.recordReceive(file, int64(len(file.Data)), string(p2p.StatusFailed), err.Error())
			return
		}
		data = plain
	}

	path, err := writeUnique(s.cfg.DownloadDir, file.Filename, data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "saving %s failed: %v\n", file.Filename, err)
		s.recordReceive(file, int64(len(data)), string(p2p.StatusFailed), err.Error())
		return
	}

	fmt.Printf("received %s from %s -> %s\n", file.Filename, file.PeerID, path)
	s.recordReceive(file, int64(len(data)), string(p2p.StatusCompleted), "")
}

// recordReceive logs an inbound transfer; size is the plaintext length when
// decryption succeeded, the transmitted length otherwise.
func (s *session) recordReceive(file p2p.ReceivedFile, size int64, status, errText string) {
	now := time.Now()
	record := history.Transfer{
		TransferID: file.TransferID,
		RoomCode:   s.roomCode,
		PeerID:     file.PeerID,
		Direction:  string(p2p.DirectionReceive),
		Filename:   file.Filename,
		TotalSize:  size,
		Checksum:   file.Checksum,
		Encrypted:  file.Encrypted,
		Status:     status,
		Error:      errText,
		FinishedAt: &now,
	}
	if err := s.store.RecordTransfer(record); err != nil {
		fmt.Fprintf(os.Stderr, "recording transfer history failed: %v\n", err)
	}
}

// writeUnique writes data under dir, appending a numeric suffix when the
// plain filename is already taken.
func writeUnique(dir, filename string, data []byte) (string, error) {
	name := filepath.Base(filename)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		name = "download"
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	path := filepath.Join(dir, name)
	for i := 1; ; i++ {
		_, err := os.Stat(path)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return "", err
		}
		path = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
