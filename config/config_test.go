package config

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("ROOMDROP_DATA_DIR", tempDir)

	firstCfg, firstDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.PeerID == "" {
		t.Fatalf("expected non-empty peer ID")
	}
	if firstCfg.RelayURL != DefaultRelayURL {
		t.Fatalf("expected default relay URL %q, got %q", DefaultRelayURL, firstCfg.RelayURL)
	}
	if firstCfg.DownloadDir != filepath.Join(tempDir, "downloads") {
		t.Fatalf("expected download dir under data dir, got %q", firstCfg.DownloadDir)
	}

	if firstDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, firstDir)
	}
	if _, err := Load(ConfigPath(firstDir)); err != nil {
		t.Fatalf("expected config file under the returned data dir: %v", err)
	}

	secondCfg, secondDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondDir != firstDir {
		t.Fatalf("expected data dir to be stable, got %q then %q", firstDir, secondDir)
	}
	if secondCfg.PeerID != firstCfg.PeerID {
		t.Fatalf("expected stable peer ID, got %q then %q", firstCfg.PeerID, secondCfg.PeerID)
	}
	if secondCfg.DisplayName != firstCfg.DisplayName {
		t.Fatalf("expected stable display name, got %q then %q", firstCfg.DisplayName, secondCfg.DisplayName)
	}
}

func TestLoadOrCreateFillsMissingFields(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("ROOMDROP_DATA_DIR", tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	partial := &ClientConfig{
		DisplayName: "Old Laptop",
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.PeerID == "" {
		t.Fatalf("expected generated peer ID for partial config")
	}
	if cfg.DisplayName != "Old Laptop" {
		t.Fatalf("expected display name to be retained, got %q", cfg.DisplayName)
	}
	if cfg.RelayURL != DefaultRelayURL {
		t.Fatalf("expected relay URL to be defaulted, got %q", cfg.RelayURL)
	}

	// The fill must have been persisted.
	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.PeerID != cfg.PeerID {
		t.Fatalf("expected persisted peer ID, got %q then %q", cfg.PeerID, reloaded.PeerID)
	}
}
