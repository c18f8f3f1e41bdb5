// Package config persists server settings as JSON in an OS-aware data
// directory, creating sensible defaults on first run.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "voidlink"
	// DefaultListeningPort is the TCP port used when no override exists.
	DefaultListeningPort = 8000
	// DefaultMaxFileSizeBytes caps accepted uploads (100 MiB).
	DefaultMaxFileSizeBytes = 100 * 1024 * 1024
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ServerConfig contains persistent server settings.
type ServerConfig struct {
	ServerID              string `json:"server_id"`
	ServerName            string `json:"server_name"`
	ListeningPort         int    `json:"listening_port"`
	MaxFileSizeBytes      int64  `json:"max_file_size_bytes"`
	Ed25519PrivateKeyPath string `json:"ed25519_private_key_path"`
	Ed25519PublicKeyPath  string `json:"ed25519_public_key_path"`
	KeyFingerprint        string `json:"key_fingerprint"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If VOIDLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("VOIDLINK_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// FilesDir returns the durable file store directory.
func FilesDir(dataDir string) string {
	return filepath.Join(dataDir, "files")
}

// QuarantineDir returns the quarantine directory for unsafe files.
func QuarantineDir(dataDir string) string {
	return filepath.Join(dataDir, "quarantine")
}

// TempDir returns the in-flight transfer temp directory.
func TempDir(dataDir string) string {
	return filepath.Join(dataDir, "temp")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		FilesDir(dataDir),
		QuarantineDir(dataDir),
		TempDir(dataDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ServerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ServerConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*ServerConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, dataDir, nil
}

func defaultConfig(dataDir string) *ServerConfig {
	serverName := "VoidLink Server"
	if host, err := os.Hostname(); err == nil && host != "" {
		serverName = host
	}

	keysDir := filepath.Join(dataDir, "keys")
	return &ServerConfig{
		ServerID:              uuid.NewString(),
		ServerName:            serverName,
		ListeningPort:         DefaultListeningPort,
		MaxFileSizeBytes:      DefaultMaxFileSizeBytes,
		Ed25519PrivateKeyPath: filepath.Join(keysDir, "ed25519_private.pem"),
		Ed25519PublicKeyPath:  filepath.Join(keysDir, "ed25519_public.pem"),
		KeyFingerprint:        "",
	}
}

func normalizeDefaults(cfg *ServerConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.ServerID == "" {
		cfg.ServerID = uuid.NewString()
		updated = true
	}

	if cfg.ServerName == "" {
		serverName := "VoidLink Server"
		if host, err := os.Hostname(); err == nil && host != "" {
			serverName = host
		}
		cfg.ServerName = serverName
		updated = true
	}

	if cfg.ListeningPort <= 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}

	if cfg.MaxFileSizeBytes <= 0 {
		cfg.MaxFileSizeBytes = DefaultMaxFileSizeBytes
		updated = true
	}

	if cfg.Ed25519PrivateKeyPath == "" {
		cfg.Ed25519PrivateKeyPath = filepath.Join(keysDir, "ed25519_private.pem")
		updated = true
	}

	if cfg.Ed25519PublicKeyPath == "" {
		cfg.Ed25519PublicKeyPath = filepath.Join(keysDir, "ed25519_public.pem")
		updated = true
	}

	return updated
}
