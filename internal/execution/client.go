package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	xerrors "AgentEscrow-Chain/internal/errors"
)

// DefaultTimeout bounds a single execution call. Agents may run for a while,
// so this is much longer than a typical API timeout.
const DefaultTimeout = 120 * time.Second

// 执行服务错误码。
const (
	CodeServiceUnavailable xerrors.Code = "EXECUTION_SERVICE_UNAVAILABLE"
	CodeServiceRejected    xerrors.Code = "EXECUTION_SERVICE_REJECTED"
	CodeMalformedResponse  xerrors.Code = "EXECUTION_MALFORMED_RESPONSE"
)

func init() {
	xerrors.Register(CodeServiceUnavailable, xerrors.Attributes{
		Message:   "execution service unavailable",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryPreflight,
		Retryable: true,
	})
	xerrors.Register(CodeServiceRejected, xerrors.Attributes{
		Message:  "execution service rejected the request",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryPreflight,
	})
	xerrors.Register(CodeMalformedResponse, xerrors.Attributes{
		Message:  "execution service returned an unreadable response",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryPreflight,
	})
}

// Request is one agent invocation.
type Request struct {
	AgentID     string            `json:"agent_id"`
	Environment map[string]string `json:"env,omitempty"`
	Inputs      map[string]any    `json:"inputs,omitempty"`
}

// Response is the outcome of one agent invocation.
type Response struct {
	AgentID string          `json:"agent_id,omitempty"`
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Succeeded reports whether the agent finished without error.
func (r Response) Succeeded() bool {
	return strings.EqualFold(r.Status, "success") && r.Error == ""
}

// BatchError is a per-request failure reported by the batch endpoint.
type BatchError struct {
	AgentID string `json:"agent_id,omitempty"`
	Index   *int   `json:"index,omitempty"`
	Error   string `json:"error"`
}

// BatchResponse carries per-request results and errors.
type BatchResponse struct {
	Results []Response   `json:"results"`
	Errors  []BatchError `json:"errors"`
}

// APIError is a non-2xx reply. Body holds the service's JSON error verbatim
// when it sent one.
type APIError struct {
	StatusCode int
	Status     string
	Body       json.RawMessage
	Details    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Body) > 0 {
		return fmt.Sprintf("execution service error (%d): %s", e.StatusCode, string(e.Body))
	}
	if e.Details != "" {
		return fmt.Sprintf("execution service error (%d): %s: %s", e.StatusCode, e.Status, e.Details)
	}
	return fmt.Sprintf("execution service error (%d): %s", e.StatusCode, e.Status)
}

// Client talks to the remote agent execution service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// NewClient creates a client for the service at rawURL. When httpClient is
// nil a client with DefaultTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("执行服务地址无效: %q", rawURL))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Execute runs a single agent.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	var out Response
	if err := c.post(ctx, "/execute", normalize(req), &out); err != nil {
		return nil, err
	}
	if out.AgentID == "" {
		out.AgentID = req.AgentID
	}
	return &out, nil
}

// ExecuteBatch runs several agents in one call. A member failure is reported
// inside the response; only transport or service failures return an error.
func (c *Client) ExecuteBatch(ctx context.Context, reqs []Request) (*BatchResponse, error) {
	payload := struct {
		Requests []Request `json:"requests"`
	}{Requests: make([]Request, 0, len(reqs))}
	for _, r := range reqs {
		payload.Requests = append(payload.Requests, normalize(r))
	}
	var out BatchResponse
	if err := c.post(ctx, "/execute_batch", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// normalize lower-cases environment keys, which the service expects.
func normalize(r Request) Request {
	if len(r.Environment) == 0 {
		return r
	}
	env := make(map[string]string, len(r.Environment))
	for k, v := range r.Environment {
		env[strings.ToLower(k)] = v
	}
	r.Environment = env
	return r
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行请求失败")
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.ResolveReference(rel).String(), bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "创建执行请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(CodeServiceUnavailable, err, "无法连接执行服务")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return xerrors.Wrap(CodeServiceUnavailable, err, "读取执行服务响应失败")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
		trimmed := bytes.TrimSpace(data)
		if json.Valid(trimmed) && len(trimmed) > 0 {
			apiErr.Body = json.RawMessage(trimmed)
		} else {
			apiErr.Details = string(trimmed)
		}
		code := CodeServiceRejected
		if resp.StatusCode >= 500 {
			code = CodeServiceUnavailable
		}
		return xerrors.Wrap(code, apiErr, "执行服务返回错误")
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return xerrors.Wrap(CodeMalformedResponse, err, "解析执行服务响应失败")
	}
	return nil
}
