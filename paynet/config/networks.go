package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Networks models networks.yaml with settlement endpoints.
type Networks struct {
	Networks map[string]Network `yaml:"networks"`
}

type Network struct {
	ChainID         int64  `yaml:"chain_id"`
	RPCURL          string `yaml:"rpc_url"`
	ChannelContract string `yaml:"channel_contract"`
	Token           string `yaml:"token"`
	Description     string `yaml:"description"`
}

// LoadNetworks parses the YAML file with network definitions, empty path gives no networks.
func LoadNetworks(path string) (Networks, error) {
	if strings.TrimSpace(path) == "" {
		return Networks{Networks: map[string]Network{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Networks{}, fmt.Errorf("failed to read networks file: %w", err)
	}

	var defs Networks
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Networks{}, fmt.Errorf("failed to parse networks file: %w", err)
	}
	if defs.Networks == nil {
		defs.Networks = map[string]Network{}
	}
	return defs, nil
}

func (n Networks) Get(name string) (Network, error) {
	net, ok := n.Networks[name]
	if !ok {
		return Network{}, fmt.Errorf("network %q is not defined", name)
	}
	if net.RPCURL == "" {
		return Network{}, fmt.Errorf("network %q has no rpc url", name)
	}
	return net, nil
}
