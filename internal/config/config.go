// Package config loads the rover's TOML configuration file, mirroring the
// geth-family convention of a naoina/toml loader with strict field
// matching and custom error positions.
package config

import (
	"fmt"
	"io"
	"os"
	"reflect"

	"github.com/naoina/toml"

	"github.com/ethereum/go-ethereum/p2p/enode"
)

// Network selects BC_NETWORK ∈ {main, test}.
type Network string

const (
	NetworkMain Network = "main"
	NetworkTest Network = "test"
)

// Ethereum bundles the Ethereum-rover-specific configuration surface.
type Ethereum struct {
	MaximumPeers int      `toml:",omitempty"` // target peer count before jitter
	AltBootnodes []string `toml:",omitempty"` // enode:// URLs, unioned with the chain defaults
	PrivateKeyHex string  `toml:",omitempty"`
}

// Lisk bundles the Lisk-rover-specific configuration surface.
type Lisk struct {
	Nodes          []string `toml:",omitempty"` // candidate HTTP API base URLs
	RandomizeNodes bool     `toml:",omitempty"` // forwarded to the HTTP client's node-selection policy
	BannedPeers    []string `toml:",omitempty"` // forwarded to the HTTP client, never dialed
}

// Config is the top-level rover configuration document.
type Config struct {
	Network Network `toml:",omitempty"`

	// IsStandalone, if true, skips parent-RPC emission and settlement
	// lookups entirely.
	IsStandalone bool `toml:",omitempty"`

	// DesignatedWalletKey is the designated-asset sender public key; empty
	// disables designated-asset marking for the chain.
	DesignatedWalletKey string `toml:",omitempty"`

	// RPCEndpoint is the parent coordinator's websocket URL; unused when
	// IsStandalone is true.
	RPCEndpoint string `toml:",omitempty"`

	Ethereum Ethereum `toml:",omitempty"`
	Lisk     Lisk     `toml:",omitempty"`
}

// tomlSettings mirrors geth's strict-missing-field loader: unrecognized
// keys in the file are a load error rather than silently ignored.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("config: field %q is not defined in %s", field, rt.String())
	},
}

// Load reads and strictly decodes the TOML document at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode strictly decodes a TOML document from r.
func Decode(r io.Reader) (Config, error) {
	var cfg Config
	if err := tomlSettings.NewDecoder(r).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if cfg.Network == "" {
		cfg.Network = NetworkMain
	}
	if cfg.Network != NetworkMain && cfg.Network != NetworkTest {
		return Config{}, fmt.Errorf("config: invalid BC_NETWORK %q, want %q or %q", cfg.Network, NetworkMain, NetworkTest)
	}
	return cfg, nil
}

// ParseBootnodes resolves a list of enode:// URLs. It stops at the first URL
// that fails to parse, returning the nodes parsed before it along with the
// error.
func ParseBootnodes(urls []string) ([]*enode.Node, error) {
	nodes := make([]*enode.Node, 0, len(urls))
	for _, u := range urls {
		n, err := enode.ParseV4(u)
		if err != nil {
			return nodes, fmt.Errorf("config: parse bootnode %q: %w", u, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
