package ledger

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// NetworkDefinitions models the structure of configs/networks.yaml.
type NetworkDefinitions struct {
	Networks map[string]NetworkDefinition `yaml:"networks"`
}

// NetworkDefinition describes one ledger network and the escrow deployment on it.
type NetworkDefinition struct {
	RPCURL         string `yaml:"rpc_url"`
	WSURL          string `yaml:"ws_url"`
	ChainID        int64  `yaml:"chain_id"`
	EscrowContract string `yaml:"escrow_contract"`
	Token          string `yaml:"token"`
	Description    string `yaml:"description"`
}

// EscrowAddress returns the escrow contract address.
func (d NetworkDefinition) EscrowAddress() common.Address {
	return common.HexToAddress(d.EscrowContract)
}

// TokenAddress returns the escrow token address.
func (d NetworkDefinition) TokenAddress() common.Address {
	return common.HexToAddress(d.Token)
}

// Validate checks the fields required to talk to the network.
func (d NetworkDefinition) Validate(name string) error {
	if strings.TrimSpace(d.RPCURL) == "" {
		return fmt.Errorf("网络 %s 未配置 rpc_url", name)
	}
	if !common.IsHexAddress(d.EscrowContract) {
		return fmt.Errorf("网络 %s 的 escrow_contract 不是合法地址", name)
	}
	if !common.IsHexAddress(d.Token) {
		return fmt.Errorf("网络 %s 的 token 不是合法地址", name)
	}
	return nil
}

// Names returns the sorted network names.
func (n NetworkDefinitions) Names() []string {
	names := make([]string, 0, len(n.Networks))
	for name := range n.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadNetworkDefinitions parses the YAML file containing network metadata.
func LoadNetworkDefinitions(path string) (NetworkDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return NetworkDefinitions{Networks: map[string]NetworkDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return NetworkDefinitions{}, fmt.Errorf("读取网络配置失败: %w", err)
	}

	var defs NetworkDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return NetworkDefinitions{}, fmt.Errorf("解析网络配置失败: %w", err)
	}
	if defs.Networks == nil {
		defs.Networks = map[string]NetworkDefinition{}
	}
	return defs, nil
}
