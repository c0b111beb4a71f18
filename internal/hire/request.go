package hire

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentEscrow-Chain/internal/errors"
	"AgentEscrow-Chain/internal/execution"
	"AgentEscrow-Chain/internal/ledger"
)

// Member is one agent in a hire. Price is the catalog display string, for
// example "0.05 XLM".
type Member struct {
	AgentID     string                         `json:"agent_id"`
	Owner       common.Address                 `json:"owner"`
	Price       string                         `json:"price"`
	Inputs      map[string]any                 `json:"inputs,omitempty"`
	InputSpecs  map[string]execution.InputSpec `json:"input_specs,omitempty"`
	Credentials map[string]string              `json:"credentials,omitempty"`
}

// Request is a single hire intent. TeamName is set for team hires and is
// used as the escrow agent id.
type Request struct {
	TeamName string   `json:"team_name,omitempty"`
	Members  []Member `json:"members"`
}

// TotalCost sums member prices in atomic units.
func (r Request) TotalCost() (*big.Int, error) {
	if len(r.Members) == 0 {
		return nil, xerrors.New(CodeInvalidRequest, "雇佣请求至少包含一个智能体")
	}
	total := new(big.Int)
	for _, m := range r.Members {
		price, err := ledger.ParseDisplay(m.Price)
		if err != nil {
			return nil, xerrors.Wrap(CodeInvalidPrice, err, fmt.Sprintf("智能体 %s 的价格无效: %q", m.AgentID, m.Price))
		}
		total.Add(total, price)
	}
	return total, nil
}

// AgentID is the identifier recorded on the escrow job.
func (r Request) AgentID() string {
	if name := strings.TrimSpace(r.TeamName); name != "" {
		return name
	}
	ids := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		ids = append(ids, m.AgentID)
	}
	return strings.Join(ids, ",")
}

// Payee is the single owner shared by every member, or the hirer when
// members belong to different owners.
func (r Request) Payee(hirer common.Address) common.Address {
	if len(r.Members) == 0 {
		return hirer
	}
	owner := r.Members[0].Owner
	for _, m := range r.Members[1:] {
		if m.Owner != owner {
			return hirer
		}
	}
	if owner == (common.Address{}) {
		return hirer
	}
	return owner
}

func (r Request) validate() error {
	if len(r.Members) == 0 {
		return xerrors.New(CodeInvalidRequest, "雇佣请求至少包含一个智能体")
	}
	for i, m := range r.Members {
		if strings.TrimSpace(m.AgentID) == "" {
			return xerrors.New(CodeInvalidRequest, fmt.Sprintf("第 %d 个成员缺少 agent_id", i+1))
		}
	}
	return nil
}

// executionRequests coerces inputs before any funds move.
func (r Request) executionRequests() ([]execution.Request, error) {
	out := make([]execution.Request, 0, len(r.Members))
	for _, m := range r.Members {
		inputs, err := execution.CoerceInputs(m.Inputs, m.InputSpecs)
		if err != nil {
			return nil, xerrors.Wrap(CodeInvalidRequest, err, fmt.Sprintf("智能体 %s 的输入无效", m.AgentID))
		}
		out = append(out, execution.Request{AgentID: m.AgentID, Environment: m.Credentials, Inputs: inputs})
	}
	return out, nil
}

// MemberOutcome is the execution result for one member. Exactly one of
// Result and Error is meaningful.
type MemberOutcome struct {
	AgentID string          `json:"agent_id"`
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// 成员执行状态。
const (
	MemberSuccess = "success"
	MemberError   = "error"
)

// Succeeded reports a successful member.
func (m MemberOutcome) Succeeded() bool {
	return m.Status == MemberSuccess
}

// ResultsHash is the SHA-256 of the compact JSON encoding of the ordered
// outcomes.
func ResultsHash(outcomes []MemberOutcome) ([32]byte, error) {
	normalized := make([]MemberOutcome, len(outcomes))
	for i, o := range outcomes {
		normalized[i] = o
		if len(o.Result) > 0 {
			var buf bytes.Buffer
			if err := json.Compact(&buf, o.Result); err != nil {
				return [32]byte{}, fmt.Errorf("成员 %s 的结果不是合法 JSON: %w", o.AgentID, err)
			}
			normalized[i].Result = buf.Bytes()
		}
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// collectBatch maps a batch response back onto members in request order.
// Results are matched by agent id. When the service omits agent ids but
// reports exactly one entry per member, the unlabeled entries are taken in
// order. Members the service did not report on are recorded as errors.
func collectBatch(members []Member, resp *execution.BatchResponse) []MemberOutcome {
	results := make(map[string][]execution.Response)
	for _, r := range resp.Results {
		results[r.AgentID] = append(results[r.AgentID], r)
	}
	failures := make(map[string][]string)
	byIndex := make(map[int]string)
	for _, e := range resp.Errors {
		if e.Index != nil {
			byIndex[*e.Index] = e.Error
			continue
		}
		failures[e.AgentID] = append(failures[e.AgentID], e.Error)
	}
	positional := len(resp.Results)+len(resp.Errors) == len(members) &&
		(len(results[""]) > 0 || len(failures[""]) > 0)

	out := make([]MemberOutcome, len(members))
	for i, m := range members {
		if msg, ok := byIndex[i]; ok {
			out[i] = MemberOutcome{AgentID: m.AgentID, Status: MemberError, Error: msg}
			continue
		}
		if r, ok := take(results, m.AgentID); ok {
			out[i] = fromResponse(m.AgentID, r)
			continue
		}
		if msg, ok := take(failures, m.AgentID); ok {
			out[i] = MemberOutcome{AgentID: m.AgentID, Status: MemberError, Error: msg}
			continue
		}
		if positional {
			if r, ok := take(results, ""); ok {
				out[i] = fromResponse(m.AgentID, r)
				continue
			}
			if msg, ok := take(failures, ""); ok {
				out[i] = MemberOutcome{AgentID: m.AgentID, Status: MemberError, Error: msg}
				continue
			}
		}
		out[i] = MemberOutcome{AgentID: m.AgentID, Status: MemberError, Error: "执行服务未返回该智能体的结果"}
	}
	return out
}

func take[T any](queues map[string][]T, key string) (T, bool) {
	q := queues[key]
	if len(q) == 0 {
		var zero T
		return zero, false
	}
	queues[key] = q[1:]
	return q[0], true
}

func fromResponse(agentID string, r execution.Response) MemberOutcome {
	if r.Succeeded() {
		return MemberOutcome{AgentID: agentID, Status: MemberSuccess, Result: r.Result}
	}
	msg := r.Error
	if msg == "" {
		msg = fmt.Sprintf("执行状态: %s", r.Status)
	}
	return MemberOutcome{AgentID: agentID, Status: MemberError, Result: r.Result, Error: msg}
}
