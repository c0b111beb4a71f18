package escrow

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ContractABI is the escrow contract interface.
const ContractABI = `[
 {"type":"function","name":"createJob","stateMutability":"nonpayable",
  "inputs":[{"name":"hirer","type":"address"},{"name":"agentOwner","type":"address"},{"name":"agentId","type":"string"},{"name":"amount","type":"int128"},{"name":"token","type":"address"}],
  "outputs":[{"name":"","type":"uint64"}]},
 {"type":"function","name":"completeJob","stateMutability":"nonpayable",
  "inputs":[{"name":"jobId","type":"uint64"},{"name":"resultsHash","type":"bytes32"},{"name":"token","type":"address"}],"outputs":[]},
 {"type":"function","name":"cancelJob","stateMutability":"nonpayable",
  "inputs":[{"name":"jobId","type":"uint64"},{"name":"token","type":"address"}],"outputs":[]},
 {"type":"function","name":"disputeJob","stateMutability":"nonpayable",
  "inputs":[{"name":"caller","type":"address"},{"name":"jobId","type":"uint64"}],"outputs":[]},
 {"type":"function","name":"getJob","stateMutability":"view",
  "inputs":[{"name":"jobId","type":"uint64"}],
  "outputs":[{"name":"","type":"tuple","components":[
    {"name":"id","type":"uint64"},{"name":"hirer","type":"address"},{"name":"agentOwner","type":"address"},
    {"name":"agentId","type":"string"},{"name":"amount","type":"int128"},{"name":"status","type":"uint8"},
    {"name":"createdAt","type":"uint64"},{"name":"completedAt","type":"uint64"},{"name":"resultsHash","type":"bytes32"}]}]},
 {"type":"function","name":"getJobsByHirer","stateMutability":"view",
  "inputs":[{"name":"hirer","type":"address"}],"outputs":[{"name":"","type":"uint64[]"}]},
 {"type":"function","name":"getJobsByOwner","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint64[]"}]},
 {"type":"event","name":"JobCreated","anonymous":false,"inputs":[
  {"name":"jobId","type":"uint64","indexed":true},{"name":"hirer","type":"address","indexed":false},
  {"name":"agentOwner","type":"address","indexed":false},{"name":"agentId","type":"string","indexed":false},
  {"name":"amount","type":"int128","indexed":false}]},
 {"type":"event","name":"JobCompleted","anonymous":false,"inputs":[
  {"name":"jobId","type":"uint64","indexed":true},{"name":"agentOwner","type":"address","indexed":false},
  {"name":"amount","type":"int128","indexed":false},{"name":"resultsHash","type":"bytes32","indexed":false}]},
 {"type":"event","name":"JobCancelled","anonymous":false,"inputs":[
  {"name":"jobId","type":"uint64","indexed":true},{"name":"hirer","type":"address","indexed":false},
  {"name":"amount","type":"int128","indexed":false}]},
 {"type":"event","name":"DisputeInitiated","anonymous":false,"inputs":[
  {"name":"jobId","type":"uint64","indexed":true}]}
]`

var contractABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(ContractABI))
	if err != nil {
		panic(fmt.Sprintf("parse escrow abi: %v", err))
	}
	return parsed
}()

// ABI returns the parsed escrow contract interface.
func ABI() abi.ABI {
	return contractABI
}
