package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"roomdrop/crypto"
	"roomdrop/history"
	"roomdrop/p2p"
)

const (
	peerWaitTimeout = 30 * time.Second
	taskPollEvery   = 200 * time.Millisecond
)

// send <file>: encrypt a file and send it to one peer or to everyone in
// the room.
func sendCmd() *cobra.Command {
	var toPeer string

	cmd := &cobra.Command{
		Use:   "send <file>",
		Short: "Encrypt and send a file to peers in the room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			filename := filepath.Base(args[0])

			s, err := newSession(roomCode, password)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := s.start(ctx); err != nil {
				return err
			}
			defer s.close()

			targets, err := waitForPeers(ctx, s.manager, toPeer)
			if err != nil {
				return err
			}

			// Key parameters may still be arriving from an incumbent
			// peer; encrypt only once the exchange has settled.
			waitForSettle(ctx, s)
			key, err := s.roomKey()
			if err != nil {
				return err
			}
			ciphertext, iv, err := crypto.Encrypt(key, payload)
			if err != nil {
				return err
			}

			var transferIDs []string
			for _, peerID := range targets {
				if err := s.manager.ConnectToPeer(ctx, peerID); err != nil {
					fmt.Fprintf(os.Stderr, "connecting to %s failed: %v\n", peerID, err)
					continue
				}
				transferID, err := s.manager.SendFile(ctx, peerID, filename, ciphertext, true, iv)
				if err != nil {
					fmt.Fprintf(os.Stderr, "sending to %s failed: %v\n", peerID, err)
					continue
				}
				recordSend(s, transferID, peerID, filename, int64(len(payload)))
				transferIDs = append(transferIDs, transferID)
			}
			if len(transferIDs) == 0 {
				return errors.New("no transfer started")
			}

			return awaitTransfers(ctx, s, transferIDs)
		},
	}

	cmd.Flags().StringVar(&toPeer, "to", "", "peer id to send to (default: everyone in the room)")
	return cmd
}

// waitForPeers blocks until the target peer (or, with no target, anyone at
// all) shows up in the room's presence list.
func waitForPeers(ctx context.Context, manager *p2p.Manager, toPeer string) ([]string, error) {
	deadline := time.Now().Add(peerWaitTimeout)
	for {
		var targets []string
		for _, peer := range manager.Peers() {
			if toPeer == "" || peer.PeerID == toPeer {
				targets = append(targets, peer.PeerID)
			}
		}
		if len(targets) > 0 {
			return targets, nil
		}
		if time.Now().After(deadline) {
			if toPeer != "" {
				return nil, fmt.Errorf("peer %s did not join the room", toPeer)
			}
			return nil, errors.New("no peers in the room")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(taskPollEvery):
		}
	}
}

func waitForSettle(ctx context.Context, s *session) {
	deadline := time.Now().Add(keySettleWait + time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		settled := s.settled
		s.mu.Unlock()
		if settled {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func recordSend(s *session, transferID, peerID, filename string, size int64) {
	record := history.Transfer{
		TransferID: transferID,
		RoomCode:   s.roomCode,
		PeerID:     peerID,
		Direction:  string(p2p.DirectionSend),
		Filename:   filename,
		TotalSize:  size,
		Encrypted:  true,
		Status:     string(p2p.StatusPending),
	}
	if err := s.store.RecordTransfer(record); err != nil {
		fmt.Fprintf(os.Stderr, "recording transfer history failed: %v\n", err)
	}
}

// awaitTransfers polls until every transfer reaches a terminal status and
// mirrors the outcomes into the history store.
func awaitTransfers(ctx context.Context, s *session, transferIDs []string) error {
	pending := make(map[string]bool, len(transferIDs))
	for _, id := range transferIDs {
		pending[id] = true
	}

	var failed int
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			for id := range pending {
				if err := s.manager.CancelTransfer(id); err == nil {
					updateHistory(s, id, string(p2p.StatusCancelled), "interrupted")
				}
			}
			return ctx.Err()
		case <-time.After(taskPollEvery):
		}

		for id := range pending {
			snap, err := s.manager.Task(id)
			if err != nil {
				// Link torn down before the task finished.
				updateHistory(s, id, string(p2p.StatusFailed), "peer disconnected")
				delete(pending, id)
				failed++
				continue
			}
			switch snap.Status {
			case p2p.StatusCompleted:
				updateHistory(s, id, string(snap.Status), "")
				delete(pending, id)
			case p2p.StatusFailed, p2p.StatusCancelled:
				updateHistory(s, id, string(snap.Status), snap.Error)
				delete(pending, id)
				failed++
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d transfers did not complete", failed, len(transferIDs))
	}
	return nil
}

func updateHistory(s *session, transferID, status, errText string) {
	if err := s.store.UpdateStatus(transferID, status, errText); err != nil {
		fmt.Fprintf(os.Stderr, "updating transfer history failed: %v\n", err)
	}
}
