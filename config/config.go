// Copyright (c) 2024 The BitFS developers
// Use of this source code is governed by the Open BSV License v5
// that can be found in the LICENSE file.

// Package config loads and saves the path402d operator configuration.
//
// The file is a plain "key = value" list with '#' comments. Values are
// layered by viper: built-in defaults, then the file, then PATH402_*
// environment variables (PATH402_NETWORK, PATH402_POSTGRES, ...).
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PATH402"

// Config keys as they appear in the file.
const (
	KeyDataDir            = "datadir"
	KeyListen             = "listen"
	KeyNetwork            = "network"
	KeyLogLevel           = "loglevel"
	KeyLogFile            = "logfile"
	KeyPostgres           = "postgres"
	KeyRPCURL             = "rpcurl"
	KeyRPCUser            = "rpcuser"
	KeyRPCPass            = "rpcpass"
	KeyEVMRPC             = "evmrpc"
	KeySolanaRPC          = "solanarpc"
	KeyPoolShareBps       = "poolsharebps"
	KeyMinPayout          = "minpayout"
	KeyDistributeInterval = "distributeinterval"
	KeySettleInterval     = "settleinterval"
	KeyOutboxInterval     = "outboxinterval"
	KeyDNSSEC             = "dnssec"
	KeyDNSUpstream        = "dnsupstream"
)

// Config holds the operator configuration.
type Config struct {
	DataDir    string // ledger, keystore and logs live here
	ListenAddr string // HTTP API address
	Network    string // "mainnet", "testnet" or "regtest"
	LogLevel   string // "debug", "info", "warn" or "error"
	LogFile    string // empty logs to stderr

	// Postgres selects the SQL ledger store. Empty uses bbolt in DataDir.
	Postgres string

	RPCURL    string
	RPCUser   string
	RPCPass   string
	EVMRPC    string
	SolanaRPC string

	PoolShareBps       uint64
	MinPayout          uint64
	DistributeInterval time.Duration
	SettleInterval     time.Duration
	OutboxInterval     time.Duration

	// DNSSEC requires authenticated SRV answers for paymail hosts.
	DNSSEC      bool
	DNSUpstream string
}

// DefaultDataDir returns ~/.path402, or .path402 in the working directory
// when the home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".path402"
	}
	return filepath.Join(home, ".path402")
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		DataDir:            DefaultDataDir(),
		ListenAddr:         ":8080",
		Network:            "mainnet",
		LogLevel:           "info",
		PoolShareBps:       7500,
		MinPayout:          546,
		DistributeInterval: 24 * time.Hour,
		SettleInterval:     10 * time.Minute,
		OutboxInterval:     30 * time.Second,
		DNSSEC:             true,
		DNSUpstream:        "8.8.8.8:53",
	}
}

// ConfigPath returns the config file path inside dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config")
}

// LoadConfig reads path over the defaults and applies environment
// overrides.
func LoadConfig(path string) (Config, error) {
	values, err := readFile(path)
	if err != nil {
		return Config{}, err
	}
	v := newViper()
	if err := v.MergeConfigMap(values); err != nil {
		return Config{}, fmt.Errorf("config: merge %s: %w", path, err)
	}
	return fromViper(v), nil
}

// LoadEnv returns the defaults with environment overrides applied, for
// running without a config file.
func LoadEnv() Config {
	return fromViper(newViper())
}

// SaveConfig writes cfg to path, creating parent directories.
func SaveConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}

	var b strings.Builder
	b.WriteString("# path402 Configuration\n\n")
	for _, kv := range [][2]string{
		{KeyDataDir, cfg.DataDir},
		{KeyListen, cfg.ListenAddr},
		{KeyNetwork, cfg.Network},
		{KeyLogLevel, cfg.LogLevel},
		{KeyLogFile, cfg.LogFile},
		{KeyPostgres, cfg.Postgres},
		{KeyRPCURL, cfg.RPCURL},
		{KeyRPCUser, cfg.RPCUser},
		{KeyRPCPass, cfg.RPCPass},
		{KeyEVMRPC, cfg.EVMRPC},
		{KeySolanaRPC, cfg.SolanaRPC},
		{KeyPoolShareBps, fmt.Sprint(cfg.PoolShareBps)},
		{KeyMinPayout, fmt.Sprint(cfg.MinPayout)},
		{KeyDistributeInterval, cfg.DistributeInterval.String()},
		{KeySettleInterval, cfg.SettleInterval.String()},
		{KeyOutboxInterval, cfg.OutboxInterval.String()},
		{KeyDNSSEC, fmt.Sprint(cfg.DNSSEC)},
		{KeyDNSUpstream, cfg.DNSUpstream},
	} {
		fmt.Fprintf(&b, "%s = %s\n", kv[0], kv[1])
	}
	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	d := DefaultConfig()
	v.SetDefault(KeyDataDir, d.DataDir)
	v.SetDefault(KeyListen, d.ListenAddr)
	v.SetDefault(KeyNetwork, d.Network)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyLogFile, d.LogFile)
	v.SetDefault(KeyPostgres, "")
	v.SetDefault(KeyRPCURL, "")
	v.SetDefault(KeyRPCUser, "")
	v.SetDefault(KeyRPCPass, "")
	v.SetDefault(KeyEVMRPC, "")
	v.SetDefault(KeySolanaRPC, "")
	v.SetDefault(KeyPoolShareBps, d.PoolShareBps)
	v.SetDefault(KeyMinPayout, d.MinPayout)
	v.SetDefault(KeyDistributeInterval, d.DistributeInterval)
	v.SetDefault(KeySettleInterval, d.SettleInterval)
	v.SetDefault(KeyOutboxInterval, d.OutboxInterval)
	v.SetDefault(KeyDNSSEC, d.DNSSEC)
	v.SetDefault(KeyDNSUpstream, d.DNSUpstream)
	return v
}

func fromViper(v *viper.Viper) Config {
	return Config{
		DataDir:            v.GetString(KeyDataDir),
		ListenAddr:         v.GetString(KeyListen),
		Network:            v.GetString(KeyNetwork),
		LogLevel:           v.GetString(KeyLogLevel),
		LogFile:            v.GetString(KeyLogFile),
		Postgres:           v.GetString(KeyPostgres),
		RPCURL:             v.GetString(KeyRPCURL),
		RPCUser:            v.GetString(KeyRPCUser),
		RPCPass:            v.GetString(KeyRPCPass),
		EVMRPC:             v.GetString(KeyEVMRPC),
		SolanaRPC:          v.GetString(KeySolanaRPC),
		PoolShareBps:       v.GetUint64(KeyPoolShareBps),
		MinPayout:          v.GetUint64(KeyMinPayout),
		DistributeInterval: v.GetDuration(KeyDistributeInterval),
		SettleInterval:     v.GetDuration(KeySettleInterval),
		OutboxInterval:     v.GetDuration(KeyOutboxInterval),
		DNSSEC:             v.GetBool(KeyDNSSEC),
		DNSUpstream:        v.GetString(KeyDNSUpstream),
	}
}

// readFile parses the key = value lines of path.
func readFile(path string) (map[string]any, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	values := make(map[string]any)
	scanner := bufio.NewScanner(f)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, err := parseKeyValue(line)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %q", err, n, line)
		}
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}

// parseKeyValue splits line on its first '='. Keys are case-insensitive.
func parseKeyValue(line string) (string, string, error) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return "", "", ErrInvalidConfigLine
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return "", "", ErrInvalidConfigLine
	}
	return key, strings.TrimSpace(value), nil
}
