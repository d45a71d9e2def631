package p2p

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultChunkSize is the payload size per data-channel chunk. Small enough
// to avoid channel buffering stalls, large enough to keep framing overhead
// negligible.
const DefaultChunkSize = 64 * 1024

// MaxTransferSize bounds a single transfer. Both sides hold the complete
// payload in memory, and the receive buffer is sized from the peer-declared
// total, so metas beyond this limit are rejected before any allocation.
const MaxTransferSize int64 = 1 << 30

const (
	frameFileMeta   = "file-meta"
	frameFileChunk  = "file-chunk"
	frameFileCancel = "file-cancel"
)

// ErrUnknownTransfer indicates an operation against a transfer id this
// engine does not own.
var ErrUnknownTransfer = errors.New("p2p: unknown transfer")

// ErrTransferTooLarge indicates a payload or declared total beyond
// MaxTransferSize.
var ErrTransferTooLarge = errors.New("p2p: transfer exceeds size limit")

type transferEnvelope struct {
	Type string `json:"type"`
}

type fileMeta struct {
	Type        string `json:"type"`
	TransferID  string `json:"transferId"`
	Filename    string `json:"filename"`
	TotalSize   int64  `json:"totalSize"`
	ChunkSize   int    `json:"chunkSize"`
	TotalChunks int    `json:"totalChunks"`
	Checksum    string `json:"checksum"`
	Encrypted   bool   `json:"encrypted"`
	IV          string `json:"iv,omitempty"`
}

type fileChunk struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	Index      int    `json:"index"`
	Data       []byte `json:"data"`
	IsLast     bool   `json:"isLast"`
}

type fileCancel struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	Reason     string `json:"reason,omitempty"`
}

// ReceivedFile is a fully reassembled, checksum-verified inbound payload.
// When Encrypted is true, Data is ciphertext and decryption with the declared
// IV is the caller's responsibility; the transfer protocol never touches key
// material.
type ReceivedFile struct {
	TransferID string
	PeerID     string
	Filename   string
	Data       []byte
	Encrypted  bool
	IV         []byte
	Checksum   string
}

type transferCallbacks struct {
	onProgress     func(TaskSnapshot)
	onFileReceived func(ReceivedFile)
	onError        func(error)
}

// inboundTransfer accumulates one incoming file. Chunks are placed by index
// offset so out-of-order arrival reassembles deterministically; duplicates
// and out-of-range indices reject the transfer.
type inboundTransfer struct {
	meta     fileMeta
	iv       []byte
	buf      []byte
	seen     map[int]bool
	received int64
	seenLast bool
}

// transferEngine runs the chunked send/receive protocol for one peer link.
// It writes frames through a send function and is fed inbound frames by the
// owner, so it is independent of the underlying channel implementation.
type transferEngine struct {
	localID   string
	peerID    string
	chunkSize int
	send      func([]byte) error
	callbacks transferCallbacks

	mu      sync.Mutex
	tasks   map[string]*task
	inbound map[string]*inboundTransfer
}

func newTransferEngine(localID, peerID string, chunkSize int, send func([]byte) error, callbacks transferCallbacks) *transferEngine {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &transferEngine{
		localID:   localID,
		peerID:    peerID,
		chunkSize: chunkSize,
		send:      send,
		callbacks: callbacks,
		tasks:     make(map[string]*task),
		inbound:   make(map[string]*inboundTransfer),
	}
}

// SendFile streams payload to the peer in fixed-size chunks and returns the
// generated transfer id. When encrypted is true the payload is expected to be
// ciphertext and iv is declared to the receiver for post-reassembly
// decryption. The checksum always covers the transmitted bytes.
func (e *transferEngine) SendFile(payload []byte, filename string, encrypted bool, iv []byte) (string, error) {
	if filename == "" {
		return "", errors.New("p2p: filename is required")
	}
	if len(payload) == 0 {
		return "", errors.New("p2p: payload is required")
	}
	if int64(len(payload)) > MaxTransferSize {
		return "", fmt.Errorf("%w: %d bytes", ErrTransferTooLarge, len(payload))
	}

	transferID := uuid.NewString()
	totalChunks := (len(payload) + e.chunkSize - 1) / e.chunkSize
	digest := sha256.Sum256(payload)

	meta := fileMeta{
		Type:        frameFileMeta,
		TransferID:  transferID,
		Filename:    filename,
		TotalSize:   int64(len(payload)),
		ChunkSize:   e.chunkSize,
		TotalChunks: totalChunks,
		Checksum:    hex.EncodeToString(digest[:]),
		Encrypted:   encrypted,
	}
	if encrypted {
		meta.IV = base64.StdEncoding.EncodeToString(iv)
	}

	t := newTask(transferID, e.peerID, DirectionSend, filename, meta.TotalSize)
	e.mu.Lock()
	e.tasks[transferID] = t
	e.mu.Unlock()

	if err := e.sendJSON(meta); err != nil {
		t.advance(StatusFailed, err.Error())
		e.emitProgress(t)
		return "", err
	}

	go e.streamChunks(t, payload, totalChunks)
	return transferID, nil
}

func (e *transferEngine) streamChunks(t *task, payload []byte, totalChunks int) {
	t.advance(StatusTransferring, "")
	e.emitProgress(t)

	for index := 0; index < totalChunks; index++ {
		// Cooperative cancellation: checked per chunk boundary. Frames
		// already handed to the channel are not recalled.
		if t.currentStatus().Terminal() {
			return
		}

		start := index * e.chunkSize
		end := start + e.chunkSize
		if end > len(payload) {
			end = len(payload)
		}

		chunk := fileChunk{
			Type:       frameFileChunk,
			TransferID: t.transferID,
			Index:      index,
			Data:       payload[start:end],
			IsLast:     index == totalChunks-1,
		}
		if err := e.sendJSON(chunk); err != nil {
			if t.advance(StatusFailed, err.Error()) {
				e.emitProgress(t)
			}
			return
		}

		if t.addProgress(int64(end-start), time.Now()) {
			e.emitProgress(t)
		}
	}

	if t.advance(StatusCompleted, "") {
		e.emitProgress(t)
	}
}

// Cancel cooperatively stops a transfer in either direction and notifies the
// remote side. Cancelling an unknown or already terminal transfer is an error.
func (e *transferEngine) Cancel(transferID string) error {
	e.mu.Lock()
	t := e.tasks[transferID]
	delete(e.inbound, transferID)
	e.mu.Unlock()

	if t == nil {
		return ErrUnknownTransfer
	}
	if !t.advance(StatusCancelled, "") {
		return fmt.Errorf("p2p: transfer %q is already %s", transferID, t.currentStatus())
	}
	e.emitProgress(t)

	_ = e.sendJSON(fileCancel{
		Type:       frameFileCancel,
		TransferID: transferID,
		Reason:     "cancelled by peer",
	})
	return nil
}

// HandleFrame dispatches one inbound data-channel frame.
func (e *transferEngine) HandleFrame(data []byte) {
	var envelope transferEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		e.reportError(fmt.Errorf("decode transfer frame: %w", err))
		return
	}

	switch envelope.Type {
	case frameFileMeta:
		var meta fileMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			e.reportError(fmt.Errorf("decode file meta: %w", err))
			return
		}
		e.handleMeta(meta)
	case frameFileChunk:
		var chunk fileChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			e.reportError(fmt.Errorf("decode file chunk: %w", err))
			return
		}
		e.handleChunk(chunk)
	case frameFileCancel:
		var cancel fileCancel
		if err := json.Unmarshal(data, &cancel); err != nil {
			e.reportError(fmt.Errorf("decode file cancel: %w", err))
			return
		}
		e.handleCancel(cancel)
	default:
		e.reportError(fmt.Errorf("p2p: unknown transfer frame type %q", envelope.Type))
	}
}

func (e *transferEngine) handleMeta(meta fileMeta) {
	if meta.TransferID == "" || meta.TotalSize <= 0 || meta.ChunkSize <= 0 || meta.TotalChunks <= 0 || meta.Checksum == "" {
		e.reportError(fmt.Errorf("p2p: malformed file meta for %q", meta.TransferID))
		return
	}
	if meta.TotalSize > MaxTransferSize {
		e.reportError(fmt.Errorf("%w: meta for %q declares %d bytes", ErrTransferTooLarge, meta.TransferID, meta.TotalSize))
		_ = e.sendJSON(fileCancel{
			Type:       frameFileCancel,
			TransferID: meta.TransferID,
			Reason:     "size limit exceeded",
		})
		return
	}
	// The chunk count must follow from the declared sizes; anything else
	// would let the chunk-offset arithmetic write past the buffer.
	if want := (meta.TotalSize + int64(meta.ChunkSize) - 1) / int64(meta.ChunkSize); int64(meta.TotalChunks) != want {
		e.reportError(fmt.Errorf("p2p: file meta for %q declares %d chunks, want %d", meta.TransferID, meta.TotalChunks, want))
		return
	}

	var iv []byte
	if meta.Encrypted {
		decoded, err := base64.StdEncoding.DecodeString(meta.IV)
		if err != nil {
			e.reportError(fmt.Errorf("decode transfer iv: %w", err))
			return
		}
		iv = decoded
	}

	t := newTask(meta.TransferID, e.peerID, DirectionReceive, meta.Filename, meta.TotalSize)

	e.mu.Lock()
	if _, exists := e.tasks[meta.TransferID]; exists {
		e.mu.Unlock()
		e.reportError(fmt.Errorf("p2p: duplicate transfer id %q", meta.TransferID))
		return
	}
	e.tasks[meta.TransferID] = t
	e.inbound[meta.TransferID] = &inboundTransfer{
		meta: meta,
		iv:   iv,
		buf:  make([]byte, meta.TotalSize),
		seen: make(map[int]bool),
	}
	e.mu.Unlock()

	e.emitProgress(t)
}

func (e *transferEngine) handleChunk(chunk fileChunk) {
	e.mu.Lock()
	t := e.tasks[chunk.TransferID]
	inbound := e.inbound[chunk.TransferID]
	e.mu.Unlock()

	if t == nil || inbound == nil {
		// Either never announced or already finalized/cancelled; late
		// chunks after cancellation are expected and dropped.
		return
	}
	if t.currentStatus().Terminal() {
		return
	}

	t.advance(StatusTransferring, "")

	if chunk.Index < 0 || chunk.Index >= inbound.meta.TotalChunks {
		e.failInbound(t, chunk.TransferID, fmt.Sprintf("chunk index %d out of range (total %d)", chunk.Index, inbound.meta.TotalChunks))
		return
	}
	if inbound.seen[chunk.Index] {
		e.failInbound(t, chunk.TransferID, fmt.Sprintf("duplicate chunk index %d", chunk.Index))
		return
	}
	if chunk.IsLast != (chunk.Index == inbound.meta.TotalChunks-1) {
		e.failInbound(t, chunk.TransferID, "isLast flag does not match final chunk index")
		return
	}

	// Each non-final chunk is exactly ChunkSize bytes, so the index fixes
	// its byte offset and arrival order does not matter for reassembly.
	offset := int64(chunk.Index) * int64(inbound.meta.ChunkSize)
	want := int64(inbound.meta.ChunkSize)
	if chunk.Index == inbound.meta.TotalChunks-1 {
		want = inbound.meta.TotalSize - offset
	}
	if int64(len(chunk.Data)) != want {
		e.failInbound(t, chunk.TransferID, fmt.Sprintf("chunk %d size %d, want %d", chunk.Index, len(chunk.Data), want))
		return
	}

	copy(inbound.buf[offset:], chunk.Data)
	inbound.seen[chunk.Index] = true
	inbound.received += int64(len(chunk.Data))
	if chunk.IsLast {
		inbound.seenLast = true
	}

	if t.addProgress(int64(len(chunk.Data)), time.Now()) {
		e.emitProgress(t)
	}

	// Materialize only once the last-flagged chunk has been seen and every
	// declared byte is accounted for; reordering may deliver the final
	// chunk before earlier ones.
	if inbound.seenLast && inbound.received == inbound.meta.TotalSize && len(inbound.seen) == inbound.meta.TotalChunks {
		e.finalizeInbound(t, inbound)
	}
}

func (e *transferEngine) finalizeInbound(t *task, inbound *inboundTransfer) {
	transferID := inbound.meta.TransferID

	digest := sha256.Sum256(inbound.buf)
	if hex.EncodeToString(digest[:]) != inbound.meta.Checksum {
		e.failInbound(t, transferID, "checksum mismatch")
		return
	}

	e.mu.Lock()
	delete(e.inbound, transferID)
	e.mu.Unlock()

	if t.advance(StatusCompleted, "") {
		e.emitProgress(t)
	}

	if e.callbacks.onFileReceived != nil {
		e.callbacks.onFileReceived(ReceivedFile{
			TransferID: transferID,
			PeerID:     e.peerID,
			Filename:   inbound.meta.Filename,
			Data:       inbound.buf,
			Encrypted:  inbound.meta.Encrypted,
			IV:         inbound.iv,
			Checksum:   inbound.meta.Checksum,
		})
	}
}

func (e *transferEngine) handleCancel(cancel fileCancel) {
	e.mu.Lock()
	t := e.tasks[cancel.TransferID]
	delete(e.inbound, cancel.TransferID)
	e.mu.Unlock()

	if t == nil {
		return
	}
	if t.advance(StatusCancelled, cancel.Reason) {
		e.emitProgress(t)
	}
}

func (e *transferEngine) failInbound(t *task, transferID, reason string) {
	e.mu.Lock()
	delete(e.inbound, transferID)
	e.mu.Unlock()

	if t.advance(StatusFailed, reason) {
		e.emitProgress(t)
	}
}

// FailAll marks every non-terminal task failed and releases partial buffers.
// Called when the underlying channel closes mid-flight.
func (e *transferEngine) FailAll(reason string) {
	e.mu.Lock()
	tasks := make([]*task, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, t)
	}
	e.inbound = make(map[string]*inboundTransfer)
	e.mu.Unlock()

	for _, t := range tasks {
		if t.advance(StatusFailed, reason) {
			e.emitProgress(t)
		}
	}
}

// Task returns a snapshot of one task.
func (e *transferEngine) Task(transferID string) (TaskSnapshot, error) {
	e.mu.Lock()
	t := e.tasks[transferID]
	e.mu.Unlock()

	if t == nil {
		return TaskSnapshot{}, ErrUnknownTransfer
	}
	return t.snapshot(), nil
}

// Tasks returns snapshots of all tasks, finished ones included.
func (e *transferEngine) Tasks() []TaskSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]TaskSnapshot, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, t.snapshot())
	}
	return out
}

// Remove drops a finished task record. Active tasks must be cancelled first.
func (e *transferEngine) Remove(transferID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.tasks[transferID]
	if t == nil {
		return ErrUnknownTransfer
	}
	if !t.currentStatus().Terminal() {
		return fmt.Errorf("p2p: transfer %q is still active", transferID)
	}
	delete(e.tasks, transferID)
	delete(e.inbound, transferID)
	return nil
}

func (e *transferEngine) sendJSON(frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal transfer frame: %w", err)
	}
	return e.send(payload)
}

func (e *transferEngine) emitProgress(t *task) {
	if e.callbacks.onProgress != nil {
		e.callbacks.onProgress(t.snapshot())
	}
}

func (e *transferEngine) reportError(err error) {
	if err == nil {
		return
	}
	if e.callbacks.onError != nil {
		e.callbacks.onError(err)
	}
}
