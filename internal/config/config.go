// Package config loads the gateway configuration file.
package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/hivegate/internal/alert"
	"github.com/ppiankov/hivegate/internal/canon"
	"github.com/ppiankov/hivegate/internal/confirm"
	"github.com/ppiankov/hivegate/internal/logging"
)

// Memory selects in-process stores instead of SQLite.
const Memory = ":memory:"

type Config struct {
	ListenAddr    string `yaml:"listen_addr"`
	MetricsAddr   string `yaml:"metrics_addr"`
	DataDir       string `yaml:"data_dir"`
	PolicyPath    string `yaml:"policy_path"`
	OverridesPath string `yaml:"overrides_path"`
	PendingDir    string `yaml:"pending_dir"`
	// Database is a SQLite file path, or ":memory:".
	Database string `yaml:"database"`

	Verification VerificationConfig `yaml:"verification"`
	Node         NodeConfig         `yaml:"node"`
	Operators    []confirm.Operator `yaml:"operators"`
	Confirmation confirm.Timeouts   `yaml:"confirmation_timeouts"`
	Escrow       EscrowConfig       `yaml:"escrow"`

	SweepInterval     time.Duration `yaml:"sweep_interval"`
	BatchInterval     time.Duration `yaml:"batch_interval"`
	SettlementTimeout time.Duration `yaml:"settlement_timeout"`

	Log logging.Config `yaml:"log"`

	Alerts []alert.Config `yaml:"alerts,omitempty"`
}

type VerificationConfig struct {
	Mode           string        `yaml:"mode"` // degraded | full
	ResolverURL    string        `yaml:"resolver_url"`
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`
	CacheSize      int           `yaml:"cache_size"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	MaxSkew        time.Duration `yaml:"max_skew"`
}

type NodeConfig struct {
	// SigningSeed is a hex ed25519 seed, usually "${HIVEGATE_NODE_SEED}".
	SigningSeed string `yaml:"signing_seed"`
	// KeyFile holds the seed when SigningSeed is empty. It is created on
	// first use.
	KeyFile string `yaml:"key_file"`
}

type EscrowConfig struct {
	FunderURL              string        `yaml:"funder_url"`
	FundTimeout            time.Duration `yaml:"fund_timeout"`
	ReplenishThresholdMsat int64         `yaml:"replenish_threshold_msat"`
	ReplenishAmountMsat    int64         `yaml:"replenish_amount_msat"`
	// ReplenishPubKey is the claim key of replenished PubKeyLock locks.
	ReplenishPubKey string `yaml:"replenish_pubkey"`
}

// DefaultDir returns ~/.hivegate.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "hivegate")
	}
	return filepath.Join(home, ".hivegate")
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// Default returns a config rooted at dir.
func Default(dir string) Config {
	return Config{
		ListenAddr:    "127.0.0.1:9740",
		MetricsAddr:   "127.0.0.1:9741",
		DataDir:       dir,
		PolicyPath:    filepath.Join(dir, "policy.yaml"),
		OverridesPath: filepath.Join(dir, "overrides.json"),
		PendingDir:    filepath.Join(dir, "pending"),
		Database:      filepath.Join(dir, "hivegate.db"),
		Verification: VerificationConfig{
			Mode:           "degraded",
			ResolveTimeout: 3 * time.Second,
			CacheSize:      1024,
			CacheTTL:       5 * time.Minute,
			MaxSkew:        5 * time.Minute,
		},
		Node:              NodeConfig{KeyFile: filepath.Join(dir, "node.key")},
		Confirmation:      confirm.DefaultTimeouts(),
		Escrow:            EscrowConfig{FundTimeout: 10 * time.Second},
		SweepInterval:     30 * time.Second,
		BatchInterval:     time.Hour,
		SettlementTimeout: 10 * time.Second,
		Log:               logging.DefaultConfig(),
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
// ${VAR} references are expanded from the environment.
func Load(path string) (Config, error) {
	cfg := Default(DefaultDir())
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return Config{}, err
	}
	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("listen_addr is required"))
	}
	if c.PolicyPath == "" {
		errs = append(errs, fmt.Errorf("policy_path is required"))
	}
	if c.PendingDir == "" {
		errs = append(errs, fmt.Errorf("pending_dir is required"))
	}
	if c.Database == "" {
		errs = append(errs, fmt.Errorf("database is required"))
	}
	switch c.Verification.Mode {
	case "degraded":
	case "full":
		if c.Verification.ResolverURL == "" {
			errs = append(errs, fmt.Errorf("verification.resolver_url is required in full mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("verification.mode %q: must be degraded or full", c.Verification.Mode))
	}
	if c.Node.SigningSeed == "" && c.Node.KeyFile == "" {
		errs = append(errs, fmt.Errorf("node.signing_seed or node.key_file is required"))
	}
	for i, op := range c.Operators {
		if _, err := canon.ParsePublicKey(op.PublicKey); err != nil {
			errs = append(errs, fmt.Errorf("operators[%d] %q: %w", i, op.ID, err))
		}
	}
	for i, a := range c.Alerts {
		if err := a.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("alerts[%d]: %w", i, err))
		}
	}
	if c.Escrow.ReplenishAmountMsat < 0 || c.Escrow.ReplenishThresholdMsat < 0 {
		errs = append(errs, fmt.Errorf("escrow replenish amounts must not be negative"))
	}
	if c.Escrow.ReplenishThresholdMsat > 0 {
		if c.Escrow.FunderURL == "" || c.Escrow.ReplenishAmountMsat == 0 {
			errs = append(errs, fmt.Errorf("escrow.funder_url and escrow.replenish_amount_msat are required when replenishing"))
		}
		if _, err := canon.ParsePublicKey(c.Escrow.ReplenishPubKey); err != nil {
			errs = append(errs, fmt.Errorf("escrow.replenish_pubkey: %w", err))
		}
	}
	for name, d := range map[string]time.Duration{
		"sweep_interval":     c.SweepInterval,
		"batch_interval":     c.BatchInterval,
		"settlement_timeout": c.SettlementTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NodeSigner returns the node's receipt signing key. Without an inline
// seed, the key file is read, or created with a fresh seed.
func (c Config) NodeSigner() (*canon.KeySigner, error) {
	if c.Node.SigningSeed != "" {
		return canon.SignerFromSeedHex(c.Node.SigningSeed)
	}
	data, err := os.ReadFile(c.Node.KeyFile)
	if err == nil {
		return canon.SignerFromSeedHex(string(data))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read node key: %w", err)
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(c.Node.KeyFile), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(c.Node.KeyFile, []byte(hex.EncodeToString(seed)), 0600); err != nil {
		return nil, fmt.Errorf("write node key: %w", err)
	}
	return canon.SignerFromSeedHex(hex.EncodeToString(seed))
}
