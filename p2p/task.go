package p2p

import (
	"sync"
	"time"
)

// Direction distinguishes the two ends of a transfer.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// TaskStatus is the lifecycle state of one transfer task. Transitions follow
// the partial order pending -> transferring -> {completed, failed, cancelled};
// terminal states never regress.
type TaskStatus string

const (
	StatusPending      TaskStatus = "pending"
	StatusTransferring TaskStatus = "transferring"
	StatusCompleted    TaskStatus = "completed"
	StatusFailed       TaskStatus = "failed"
	StatusCancelled    TaskStatus = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func statusRank(s TaskStatus) int {
	switch s {
	case StatusPending:
		return 0
	case StatusTransferring:
		return 1
	default:
		return 2
	}
}

// speedWindow is the sliding window over which transfer speed is averaged.
const speedWindow = 3 * time.Second

// TaskSnapshot is an immutable view of a transfer task, safe to hand to
// subscribers.
type TaskSnapshot struct {
	TransferID      string
	PeerID          string
	Direction       Direction
	Filename        string
	TotalSize       int64
	TransferredSize int64
	Speed           float64 // bytes per second, window-averaged
	ETA             float64 // seconds, derived from speed and remaining bytes
	Status          TaskStatus
	Error           string
}

type speedSample struct {
	at    time.Time
	bytes int64
}

// task is the mutable transfer record owned by a transferEngine.
type task struct {
	mu sync.Mutex

	transferID string
	peerID     string
	direction  Direction
	filename   string
	totalSize  int64

	transferred int64
	samples     []speedSample
	speed       float64

	status TaskStatus
	errMsg string
}

func newTask(transferID, peerID string, direction Direction, filename string, totalSize int64) *task {
	return &task{
		transferID: transferID,
		peerID:     peerID,
		direction:  direction,
		filename:   filename,
		totalSize:  totalSize,
		status:     StatusPending,
	}
}

// advance moves the task forward in the status order. Attempts to regress or
// to leave a terminal state are ignored and reported as false.
func (t *task) advance(status TaskStatus, errMsg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.Terminal() {
		return false
	}
	if statusRank(status) < statusRank(t.status) {
		return false
	}
	t.status = status
	if errMsg != "" {
		t.errMsg = errMsg
	}
	return true
}

// addProgress records newly transferred bytes and refreshes the windowed
// speed estimate. It returns false when the task is already terminal, so no
// progress is reported past completion or cancellation.
func (t *task) addProgress(bytes int64, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.Terminal() {
		return false
	}

	t.transferred += bytes
	t.samples = append(t.samples, speedSample{at: now, bytes: bytes})

	cutoff := now.Add(-speedWindow)
	trimmed := t.samples[:0]
	var windowBytes int64
	for _, sample := range t.samples {
		if sample.at.Before(cutoff) {
			continue
		}
		trimmed = append(trimmed, sample)
		windowBytes += sample.bytes
	}
	t.samples = trimmed

	elapsed := speedWindow.Seconds()
	if len(t.samples) > 0 {
		if span := now.Sub(t.samples[0].at).Seconds(); span > 0 && span < elapsed {
			elapsed = span
		}
	}
	if elapsed > 0 {
		t.speed = float64(windowBytes) / elapsed
	}
	return true
}

func (t *task) snapshot() TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	const epsilon = 1.0 // bytes/sec floor so ETA stays finite
	remaining := t.totalSize - t.transferred
	if remaining < 0 {
		remaining = 0
	}
	speed := t.speed
	eta := 0.0
	if remaining > 0 {
		divisor := speed
		if divisor < epsilon {
			divisor = epsilon
		}
		eta = float64(remaining) / divisor
	}

	return TaskSnapshot{
		TransferID:      t.transferID,
		PeerID:          t.peerID,
		Direction:       t.direction,
		Filename:        t.filename,
		TotalSize:       t.totalSize,
		TransferredSize: t.transferred,
		Speed:           speed,
		ETA:             eta,
		Status:          t.status,
		Error:           t.errMsg,
	}
}

func (t *task) currentStatus() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}
