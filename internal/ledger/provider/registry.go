package provider

import (
	"context"
	"fmt"
	"sync"

	"AgentEscrow-Chain/internal/ledger"
)

// Registry resolves the configured network name to its definition and hands
// out a lazily dialled ledger client.
type Registry struct {
	selected string
	defs     ledger.NetworkDefinitions
	dial     func(context.Context, ledger.NetworkDefinition, ...ledger.Option) (*ledger.Client, error)

	mu     sync.Mutex
	client *ledger.Client
}

// NewRegistry loads network definitions and checks the selected network.
func NewRegistry(networksFile, selected string) (*Registry, error) {
	defs, err := ledger.LoadNetworkDefinitions(networksFile)
	if err != nil {
		return nil, err
	}
	return FromDefinitions(defs, selected)
}

// FromDefinitions builds a registry over already loaded definitions.
func FromDefinitions(defs ledger.NetworkDefinitions, selected string) (*Registry, error) {
	def, ok := defs.Networks[selected]
	if !ok {
		return nil, fmt.Errorf("网络 %s 未在配置中找到，可选: %v", selected, defs.Names())
	}
	if err := def.Validate(selected); err != nil {
		return nil, err
	}
	return &Registry{selected: selected, defs: defs, dial: ledger.Dial}, nil
}

// Selected returns the active network name.
func (r *Registry) Selected() string {
	return r.selected
}

// Network returns the active network definition.
func (r *Registry) Network() ledger.NetworkDefinition {
	return r.defs.Networks[r.selected]
}

// Networks returns the list of configured network names.
func (r *Registry) Networks() []string {
	return r.defs.Names()
}

// Client dials the active network on first use.
func (r *Registry) Client(ctx context.Context, opts ...ledger.Option) (*ledger.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	client, err := r.dial(ctx, r.Network(), opts...)
	if err != nil {
		return nil, fmt.Errorf("初始化网络 %s 失败: %w", r.selected, err)
	}
	r.client = client
	return client, nil
}

// Close releases the dialled client.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
}
