// Package netconfig holds the per-network defaults this method needs to
// talk to a Bitcoin network: which chain parameters it maps onto and
// which esplora-compatible explorer API serves it, per libbtcr2's
// network_config.py DEFAULT_NETWORK_DEFINITIONS. It follows the same
// singleton-getter shape as shared/featureconfig/config.go: a package
// global set once at startup (or left at its default), read everywhere
// else through Config().
package netconfig

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "netconfig")

// NetworkDefinition is one network's explorer endpoint and the chain
// parameter family it belongs to.
type NetworkDefinition struct {
	BtcNetwork string `toml:"btc_network"`
	EsploraAPI string `toml:"esplora_api"`
}

// DefaultNetworkDefinitions mirrors network_config.py's
// DEFAULT_NETWORK_DEFINITIONS exactly: regtest, signet, mutinynet and
// bitcoin, each with its esplora API default. Custom networks (spec.md
// §3's networks 1-4) carry no default and must be added via InitConfig
// or LoadFile before they can be resolved.
func DefaultNetworkDefinitions() map[string]NetworkDefinition {
	return map[string]NetworkDefinition{
		"regtest":   {BtcNetwork: "regtest", EsploraAPI: "http://localhost:3000"},
		"signet":    {BtcNetwork: "signet", EsploraAPI: "https://mempool.space/signet/api"},
		"mutinynet": {BtcNetwork: "signet", EsploraAPI: "https://mutinynet.com/api"},
		"bitcoin":   {BtcNetwork: "mainnet", EsploraAPI: "https://mempool.space/api"},
	}
}

var netConfig map[string]NetworkDefinition

// Config retrieves the active network definition table, falling back to
// DefaultNetworkDefinitions if InitConfig has never been called —
// mirroring FeatureConfig()'s nil-fallback.
func Config() map[string]NetworkDefinition {
	if netConfig == nil {
		return DefaultNetworkDefinitions()
	}
	return netConfig
}

// InitConfig sets the global network definition table, replacing
// whatever was previously active, mirroring InitFeatureConfig.
func InitConfig(defs map[string]NetworkDefinition) {
	netConfig = defs
	log.WithField("networks", len(defs)).Info("initialized network config")
}

// Lookup resolves name (e.g. "regtest", or a custom network's name) in
// the active table.
func Lookup(name string) (NetworkDefinition, bool) {
	def, ok := Config()[name]
	return def, ok
}

// tomlFile is the on-disk override format: a "[networks.<name>]" table
// per entry, letting an operator add custom networks or repoint an
// esplora_api without a rebuild.
type tomlFile struct {
	Networks map[string]NetworkDefinition `toml:"networks"`
}

// LoadFile reads a TOML file of "[networks.<name>]" tables and merges
// them over DefaultNetworkDefinitions, returning the merged table
// without installing it — callers decide whether to InitConfig it.
func LoadFile(path string) (map[string]NetworkDefinition, error) {
	var parsed tomlFile
	if _, err := toml.DecodeFile(path, &parsed); err != nil {
		return nil, fmt.Errorf("netconfig: decode %s: %w", path, err)
	}

	merged := DefaultNetworkDefinitions()
	for name, def := range parsed.Networks {
		merged[name] = def
	}
	return merged, nil
}
