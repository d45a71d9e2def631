package crypto

import (
	"encoding/base64"
	"errors"
	"sync"
)

// ErrNoRoomKey indicates no key material exists for a room.
var ErrNoRoomKey = errors.New("crypto: no key for room")

// RoomKey holds in-memory key material for one room. The key itself must
// never leave the process: only Salt and KeyHash are exportable.
type RoomKey struct {
	key     []byte
	salt    []byte
	keyHash string
}

// Key returns a copy of the raw key bytes.
func (rk *RoomKey) Key() []byte {
	return append([]byte(nil), rk.key...)
}

// Salt returns the derivation salt as portable base64.
func (rk *RoomKey) Salt() string {
	return base64.StdEncoding.EncodeToString(rk.salt)
}

// KeyHash returns the non-secret verification hash for the key.
func (rk *RoomKey) KeyHash() string {
	return rk.keyHash
}

// Keystore caches derived room keys for one session. Each session owns its
// own instance; there is no process-global key state.
type Keystore struct {
	mu   sync.Mutex
	keys map[string]*RoomKey
}

// NewKeystore creates an empty per-session keystore.
func NewKeystore() *Keystore {
	return &Keystore{keys: make(map[string]*RoomKey)}
}

// EnsureKey returns the cached key for a room, deriving one from the password
// with a fresh salt on first use.
func (ks *Keystore) EnsureKey(roomCode, password string) (*RoomKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if existing, ok := ks.keys[roomCode]; ok {
		return existing, nil
	}

	key, salt, err := DeriveKey(password)
	if err != nil {
		return nil, err
	}
	hash, err := CreateKeyHash(key)
	if err != nil {
		return nil, err
	}

	rk := &RoomKey{key: key, salt: salt, keyHash: hash}
	ks.keys[roomCode] = rk
	return rk, nil
}

// AdoptKey verifies a password against a known salt and expected hash and, on
// success, caches the re-derived key for the room. A wrong password returns
// (false, nil) without mutating the store.
func (ks *Keystore) AdoptKey(roomCode, password, saltBase64, expectedHash string) (bool, error) {
	salt, err := base64.StdEncoding.DecodeString(saltBase64)
	if err != nil {
		return false, errors.New("crypto: malformed salt encoding")
	}
	if !VerifyPassword(password, salt, expectedHash) {
		return false, nil
	}

	key, err := DeriveKeyWithSalt(password, salt)
	if err != nil {
		return false, err
	}

	ks.mu.Lock()
	ks.keys[roomCode] = &RoomKey{key: key, salt: salt, keyHash: expectedHash}
	ks.mu.Unlock()
	return true, nil
}

// Get returns the cached key for a room.
func (ks *Keystore) Get(roomCode string) (*RoomKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	rk, ok := ks.keys[roomCode]
	if !ok {
		return nil, ErrNoRoomKey
	}
	return rk, nil
}

// Clear drops key material for one room.
func (ks *Keystore) Clear(roomCode string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if rk, ok := ks.keys[roomCode]; ok {
		zero(rk.key)
		delete(ks.keys, roomCode)
	}
}

// ClearAll drops all cached keys.
func (ks *Keystore) ClearAll() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	for room, rk := range ks.keys {
		zero(rk.key)
		delete(ks.keys, room)
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
