package commands

import (
	"os"
	"path/filepath"
	"testing"

	"roomdrop/config"
	"roomdrop/p2p"
)

// bootstrapGlobals loads config into the package globals the way the root
// command's PersistentPreRunE does.
func bootstrapGlobals(t *testing.T) {
	t.Helper()

	t.Setenv("ROOMDROP_DATA_DIR", t.TempDir())
	loaded, dir, err := config.LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	cfg = loaded
	dataDir = dir
}

func TestSessionBootstrap(t *testing.T) {
	bootstrapGlobals(t)

	s, err := newSession("ROOM42", "hunter2")
	if err != nil {
		t.Fatalf("newSession failed: %v", err)
	}
	defer s.close()

	payload := []byte("the quick brown fox jumps over the lazy dog")

	recordSend(s, "t-send", "bob", "notes.txt", int64(len(payload)))
	sent, err := s.store.GetTransfer("t-send")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if sent.TotalSize != int64(len(payload)) {
		t.Fatalf("expected recorded size %d, got %d", len(payload), sent.TotalSize)
	}

	// Encrypted receives carry ciphertext; the record must still hold the
	// plaintext size.
	received := p2p.ReceivedFile{
		TransferID: "t-recv",
		PeerID:     "bob",
		Filename:   "notes.txt",
		Data:       make([]byte, len(payload)+28),
		Encrypted:  true,
	}
	s.recordReceive(received, int64(len(payload)), string(p2p.StatusCompleted), "")
	got, err := s.store.GetTransfer("t-recv")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.TotalSize != int64(len(payload)) {
		t.Fatalf("expected recorded size %d, got %d", len(payload), got.TotalSize)
	}
}

func TestWriteUniqueAvoidsCollisions(t *testing.T) {
	dir := t.TempDir()

	first, err := writeUnique(dir, "report.txt", []byte("one"))
	if err != nil {
		t.Fatalf("writeUnique: %v", err)
	}
	if first != filepath.Join(dir, "report.txt") {
		t.Fatalf("unexpected path %s", first)
	}

	second, err := writeUnique(dir, "report.txt", []byte("two"))
	if err != nil {
		t.Fatalf("writeUnique: %v", err)
	}
	if second != filepath.Join(dir, "report (1).txt") {
		t.Fatalf("unexpected path %s", second)
	}

	data, err := os.ReadFile(second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "two" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestWriteUniqueStripsDirectoryComponents(t *testing.T) {
	dir := t.TempDir()

	path, err := writeUnique(dir, "../../etc/passwd", []byte("x"))
	if err != nil {
		t.Fatalf("writeUnique: %v", err)
	}
	if path != filepath.Join(dir, "passwd") {
		t.Fatalf("path escaped download dir: %s", path)
	}
}

func TestHumanBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, tc := range cases {
		if got := humanBytes(tc.in); got != tc.want {
			t.Errorf("humanBytes(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
