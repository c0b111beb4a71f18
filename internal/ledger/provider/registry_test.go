package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentEscrow-Chain/internal/ledger"
)

func definitions() ledger.NetworkDefinitions {
	return ledger.NetworkDefinitions{Networks: map[string]ledger.NetworkDefinition{
		"testnet": {
			RPCURL:         "http://127.0.0.1:8545",
			EscrowContract: "0x00000000000000000000000000000000000000e5",
			Token:          "0x00000000000000000000000000000000000000f1",
		},
		"broken": {RPCURL: "http://127.0.0.1:8545"},
	}}
}

func TestFromDefinitionsSelectsNetwork(t *testing.T) {
	_, err := FromDefinitions(definitions(), "mainnet")
	require.Error(t, err)

	_, err = FromDefinitions(definitions(), "broken")
	require.Error(t, err)

	r, err := FromDefinitions(definitions(), "testnet")
	require.NoError(t, err)
	assert.Equal(t, "testnet", r.Selected())
	assert.Equal(t, []string{"broken", "testnet"}, r.Networks())
}

func TestClientDialsOnce(t *testing.T) {
	r, err := FromDefinitions(definitions(), "testnet")
	require.NoError(t, err)

	calls := 0
	r.dial = func(_ context.Context, def ledger.NetworkDefinition, _ ...ledger.Option) (*ledger.Client, error) {
		calls++
		assert.Equal(t, "http://127.0.0.1:8545", def.RPCURL)
		return ledger.NewClient(nil), nil
	}

	first, err := r.Client(context.Background())
	require.NoError(t, err)
	second, err := r.Client(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)
	r.Close()
}

func TestClientDialFailure(t *testing.T) {
	r, err := FromDefinitions(definitions(), "testnet")
	require.NoError(t, err)
	r.dial = func(context.Context, ledger.NetworkDefinition, ...ledger.Option) (*ledger.Client, error) {
		return nil, errors.New("refused")
	}
	_, err = r.Client(context.Background())
	assert.ErrorContains(t, err, "refused")
}
