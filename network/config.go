package network

import (
	"fmt"
	"time"
)

// RPCConfig holds the connection parameters for a BSV node's JSON-RPC interface.
type RPCConfig struct {
	URL      string        `json:"url"`
	User     string        `json:"user"`
	Password string        `json:"password"`
	Network  string        `json:"network"`
	Timeout  time.Duration `json:"timeout"`
}

// Environment variables consulted by ResolveConfig.
const (
	EnvRPCURL  = "PATH402_RPC_URL"
	EnvRPCUser = "PATH402_RPC_USER"
	EnvRPCPass = "PATH402_RPC_PASS"
)

// NetworkPresets holds local-node defaults. Mainnet has none and must be
// configured explicitly.
var NetworkPresets = map[string]RPCConfig{
	"regtest": {URL: "http://localhost:18332", User: "path402", Password: "path402"},
	"testnet": {URL: "http://localhost:18333", User: "path402", Password: "path402"},
}

// ResolveConfig merges RPC settings from flags, then environment, then
// presets, in decreasing priority.
func ResolveConfig(flags *RPCConfig, env map[string]string, network string) (*RPCConfig, error) {
	result := RPCConfig{Network: network}

	if preset, ok := NetworkPresets[network]; ok {
		result = preset
		result.Network = network
	}

	if v := env[EnvRPCURL]; v != "" {
		result.URL = v
	}
	if v := env[EnvRPCUser]; v != "" {
		result.User = v
	}
	if v := env[EnvRPCPass]; v != "" {
		result.Password = v
	}

	if flags != nil {
		if flags.URL != "" {
			result.URL = flags.URL
		}
		if flags.User != "" {
			result.User = flags.User
		}
		if flags.Password != "" {
			result.Password = flags.Password
		}
		if flags.Timeout > 0 {
			result.Timeout = flags.Timeout
		}
	}

	if result.URL == "" {
		return nil, fmt.Errorf("%w: %s requires an explicit RPC URL (set rpcurl or %s)", ErrMissingConfig, network, EnvRPCURL)
	}
	return &result, nil
}
