package meshclient

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// remoteToolError is raised when a remote call's JSON-RPC envelope carries
// an "error" field.
type remoteToolError struct {
	message string
}

func (e *remoteToolError) Error() string { return fmt.Sprintf("remote tool error: %s", e.message) }

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int            `json:"id"`
	Method  string         `json:"method"`
	Params  jsonRPCParams  `json:"params"`
}

type jsonRPCParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// CrossServiceProxy calls a remote agent's tool over HTTP, one fresh
// connection per invocation: the teacher's Python client deliberately
// disables connection pooling so a Kubernetes-fronted peer load-balances
// every call instead of pinning to whichever pod the pool happened to
// connect to first. A gobreaker.CircuitBreaker per endpoint, keyed by the
// full endpoint string, fails fast once a peer has gone down instead of spending a
// full request timeout on every heartbeat-driven retry.
type CrossServiceProxy struct {
	Endpoint     string
	FunctionName string
	Kwargs       map[string]any
	SessionID    string

	breaker *gobreaker.CircuitBreaker
}

var breakersMu sync.Mutex
var breakers = make(map[string]*gobreaker.CircuitBreaker)

func breakerFor(endpoint string) *gobreaker.CircuitBreaker {
	breakersMu.Lock()
	defer breakersMu.Unlock()
	if b, ok := breakers[endpoint]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	breakers[endpoint] = b
	return b
}

// NewCrossServiceProxy builds a proxy for one remote dependency slot.
func NewCrossServiceProxy(endpoint, functionName string, kwargs map[string]any) *CrossServiceProxy {
	return &CrossServiceProxy{
		Endpoint:     strings.TrimRight(endpoint, "/"),
		FunctionName: functionName,
		Kwargs:       kwargs,
		breaker:      breakerFor(endpoint),
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
}

// Call performs one JSON-RPC `tools/call` request (spec §4.H).
func (p *CrossServiceProxy) Call(args map[string]any) (any, error) {
	merged := mergeKwargs(p.Kwargs, args)
	result, err := p.breaker.Execute(func() (any, error) {
		return p.call(merged, false)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// StreamCall issues the same request with Accept restricted to
// text/event-stream and returns the sequence of decoded JSON chunks (spec
// §4.H streaming extension). X-Session-ID is propagated, when set, for
// session-pinning middleware downstream.
func (p *CrossServiceProxy) StreamCall(args map[string]any) ([]json.RawMessage, error) {
	merged := mergeKwargs(p.Kwargs, args)
	result, err := p.breaker.Execute(func() (any, error) {
		return p.call(merged, true)
	})
	if err != nil {
		return nil, err
	}
	chunks, _ := result.([]json.RawMessage)
	return chunks, nil
}

func mergeKwargs(configured, call map[string]any) map[string]any {
	out := make(map[string]any, len(configured)+len(call))
	for k, v := range configured {
		out[k] = v
	}
	for k, v := range call {
		out[k] = v
	}
	return out
}

func (p *CrossServiceProxy) call(args map[string]any, stream bool) (any, error) {
	payload := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "tools/call",
		Params:  jsonRPCParams{Name: p.FunctionName, Arguments: args},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := p.Endpoint + "/mcp/" // trailing slash avoids a 307 redirect
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json, text/event-stream")
	}
	if p.SessionID != "" {
		req.Header.Set("X-Session-ID", p.SessionID)
	}

	client := newHTTPClient()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", p.FunctionName, err)
	}
	defer resp.Body.Close()

	if stream {
		return parseSSEChunks(resp.Body)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return extractJSONRPCResult(raw)
}

// extractJSONRPCResult parses either a plain JSON-RPC response body or an
// SSE-framed one (FastMCP-style `event:`/`data:` lines) and unwraps the
// common {content:[{type:"text",text:...}]} unit-content envelope into a
// plain string when it is the sole content item.
func extractJSONRPCResult(raw []byte) (any, error) {
	body := raw
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("event:")) {
		data, err := sseData(raw)
		if err != nil {
			return nil, err
		}
		body = data
	}

	var rpc jsonRPCResponse
	if err := json.Unmarshal(body, &rpc); err != nil {
		return nil, fmt.Errorf("decoding JSON-RPC response: %w", err)
	}
	if rpc.Error != nil {
		return nil, &remoteToolError{message: rpc.Error.Message}
	}
	return extractContent(rpc.Result), nil
}

func sseData(raw []byte) ([]byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			return []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), nil
		}
	}
	return nil, fmt.Errorf("no data: line found in SSE response")
}

func parseSSEChunks(r io.Reader) ([]json.RawMessage, error) {
	var chunks []json.RawMessage
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		chunks = append(chunks, json.RawMessage(payload))
	}
	return chunks, scanner.Err()
}

// extractContent unwraps the common MCP {content:[{type:"text",text:...}]}
// shape into a plain string when it is the sole content item; any other
// shape is returned as its generically decoded JSON value (maps, slices,
// float64, ...), or as the raw text when it is not valid JSON.
func extractContent(result json.RawMessage) any {
	if len(result) == 0 {
		return nil
	}
	var wrapper struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &wrapper); err == nil && len(wrapper.Content) == 1 && wrapper.Content[0].Type == "text" {
		return wrapper.Content[0].Text
	}
	var generic any
	if err := json.Unmarshal(result, &generic); err == nil {
		return generic
	}
	return string(result)
}

// SelfProxy invokes a locally-registered wrapper directly, bypassing HTTP
// entirely, so a self-dependency preserves its own nested dependency
// injection chain (spec §4.F step 6, §4.H).
type SelfProxy struct {
	invoke func(args map[string]any) (any, error)
}

// Call satisfies Proxy.
func (p *SelfProxy) Call(args map[string]any) (any, error) { return p.invoke(args) }

// NewSelfProxy wraps a local function invocation as a Proxy.
func NewSelfProxy(fn func(args map[string]any) (any, error)) *SelfProxy {
	return &SelfProxy{invoke: fn}
}
