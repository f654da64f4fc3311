package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkPresets(t *testing.T) {
	tests := []struct {
		name    string
		network string
		url     string
	}{
		{"regtest defaults", "regtest", "http://localhost:18332"},
		{"testnet defaults", "testnet", "http://localhost:18333"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			preset, ok := NetworkPresets[tt.network]
			require.True(t, ok)
			assert.Equal(t, tt.url, preset.URL)
			assert.Equal(t, "path402", preset.User)
		})
	}

	_, ok := NetworkPresets["mainnet"]
	assert.False(t, ok)
}

func TestResolveConfig(t *testing.T) {
	tests := []struct {
		name     string
		flags    *RPCConfig
		env      map[string]string
		network  string
		wantURL  string
		wantUser string
		wantPass string
	}{
		{
			name:     "preset fallback",
			network:  "regtest",
			wantURL:  "http://localhost:18332",
			wantUser: "path402",
			wantPass: "path402",
		},
		{
			name:     "env overrides preset",
			env:      map[string]string{EnvRPCURL: "http://env-node:18332", EnvRPCUser: "envuser"},
			network:  "regtest",
			wantURL:  "http://env-node:18332",
			wantUser: "envuser",
			wantPass: "path402",
		},
		{
			name:     "flags override env",
			flags:    &RPCConfig{URL: "http://custom:9999", User: "me", Password: "secret"},
			env:      map[string]string{EnvRPCURL: "http://env-node:18332", EnvRPCPass: "envpass"},
			network:  "regtest",
			wantURL:  "http://custom:9999",
			wantUser: "me",
			wantPass: "secret",
		},
		{
			name:     "mainnet from env",
			env:      map[string]string{EnvRPCURL: "http://main:8332"},
			network:  "mainnet",
			wantURL:  "http://main:8332",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ResolveConfig(tt.flags, tt.env, tt.network)
			require.NoError(t, err)
			assert.Equal(t, tt.wantURL, cfg.URL)
			assert.Equal(t, tt.wantUser, cfg.User)
			assert.Equal(t, tt.wantPass, cfg.Password)
			assert.Equal(t, tt.network, cfg.Network)
		})
	}
}

func TestResolveConfigMainnetRequiresExplicit(t *testing.T) {
	_, err := ResolveConfig(nil, nil, "mainnet")
	require.ErrorIs(t, err, ErrMissingConfig)
	assert.Contains(t, err.Error(), "mainnet")
}

func TestResolveConfigTimeoutFromFlags(t *testing.T) {
	cfg, err := ResolveConfig(&RPCConfig{Timeout: 5 * time.Second}, nil, "testnet")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
}

func TestTxStatusDepth(t *testing.T) {
	tests := []struct {
		name   string
		status *TxStatus
		tip    uint64
		want   uint64
	}{
		{"nil", nil, 100, 0},
		{"unconfirmed", &TxStatus{}, 100, 0},
		{"tip block", &TxStatus{Confirmed: true, BlockHeight: 100}, 100, 1},
		{"buried", &TxStatus{Confirmed: true, BlockHeight: 95}, 100, 6},
		{"no height", &TxStatus{Confirmed: true, Confirmations: 3}, 100, 3},
		{"tip behind", &TxStatus{Confirmed: true, BlockHeight: 120, Confirmations: 2}, 100, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Depth(tt.tip))
		})
	}
}
