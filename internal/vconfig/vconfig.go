// Package vconfig resolves the download engine's configuration table
// (spec.md section 6) from the environment, with an optional config.json
// override living next to the teacher's config-directory convention.
package vconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kelseyhightower/envconfig"
)

// DownloadMethod selects concurrency shape and optional external fetch
// engine, per spec.md section 4.9.
type DownloadMethod string

const (
	MethodAuto     DownloadMethod = "auto"
	MethodMaxSpeed DownloadMethod = "max_speed"
	MethodBalance  DownloadMethod = "balance"
	MethodCDN      DownloadMethod = "cdn"
)

// PeerMode selects the peer-server source-IP ACL, per spec.md section 4.3.
type PeerMode string

const (
	PeerModeLANOnly PeerMode = "lan_only"
	PeerModeLANVPN  PeerMode = "lan_vpn"
)

// testConfigDir overrides configDir in tests.
var testConfigDir string

// SetTestConfigDir overrides the config directory for tests. Pass "" to
// reset to the OS default.
func SetTestConfigDir(dir string) { testConfigDir = dir }

// Config is the full enumerated configuration table from spec.md section 6.
type Config struct {
	InstallRoot     string `envconfig:"install_root"`
	DepotRoot       string `envconfig:"depot_root"`
	DepotMaxBytes   int64  `envconfig:"depot_max_bytes" default:"68719476736"` // 64 GiB
	MaxConcurrentChunks int `envconfig:"max_concurrent_chunks" default:"24"`

	BandwidthMaxBPS int64 `envconfig:"bandwidth_max_bps" default:"0"`

	PeerEnabled      bool     `envconfig:"peer_enabled" default:"true"`
	PeerShareEnabled bool     `envconfig:"peer_share_enabled" default:"true"`
	PeerMode         PeerMode `envconfig:"peer_mode" default:"lan_only"`
	PeerPort         int      `envconfig:"peer_port" default:"0"`
	PeerUploadBPS    int64    `envconfig:"peer_upload_bps" default:"0"`
	// PeerDirectoryURL is the base URL of the remote peer directory
	// service (registration/heartbeat/discovery). Empty disables P2P
	// regardless of PeerEnabled, since there is nowhere to register.
	PeerDirectoryURL string `envconfig:"peer_directory_url" default:""`

	DownloadMethod DownloadMethod `envconfig:"download_method" default:"auto"`

	HTTPTimeoutMS          int `envconfig:"http_timeout_ms" default:"60000"`
	HTTPConnectTimeoutMS   int `envconfig:"http_connect_timeout_ms" default:"10000"`
	HTTPChunkMaxAttempts   int `envconfig:"http_chunk_max_attempts" default:"6"`
	HTTPChunkRetryBaseMS   int `envconfig:"http_chunk_retry_base_ms" default:"900"`

	PreScanHashMaxBytes int64 `envconfig:"pre_scan_hash_max_bytes" default:"33554432"` // 32 MiB

	StorageSafetyMarginBytes int64 `envconfig:"storage_safety_margin_bytes" default:"268435456"` // 256 MiB
}

// defaultInstallBasePath mirrors the teacher's <home>/Games/<slug> convention.
func defaultInstallBasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "Games", "vaultcore")
}

// configDir returns e.g. ~/.config/vaultcore, honoring SetTestConfigDir.
func configDir() (string, error) {
	if testConfigDir != "" {
		return testConfigDir, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "vaultcore"), nil
}

// Load binds environment variables prefixed VAULTCORE_ over the defaults,
// then merges a config.json override if one exists in the config
// directory. File values win over environment values, matching the
// teacher's "explicit flag beats persisted state" precedence.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("vaultcore", &cfg); err != nil {
		return nil, err
	}

	if cfg.InstallRoot == "" {
		cfg.InstallRoot = defaultInstallBasePath()
	}
	if cfg.DepotRoot == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		cfg.DepotRoot = filepath.Join(dir, "depot")
	}

	dir, err := configDir()
	if err != nil {
		return &cfg, nil
	}
	overridePath := filepath.Join(dir, "config.json")
	data, err := os.ReadFile(overridePath)
	if err != nil {
		return &cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// StorePath returns the path to the SQLite persistent store database.
func StorePath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "vaultcore.db"), nil
}

// SupportsUSNJournal reports whether the host platform can accelerate
// scans with the NTFS USN journal (spec.md section 4.7).
func SupportsUSNJournal() bool {
	return runtime.GOOS == "windows"
}
