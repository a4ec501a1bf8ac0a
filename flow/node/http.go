package node

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dshills/flowrun/flow"
)

// DefaultHTTPTimeout bounds http-request nodes without an explicit timeout.
const DefaultHTTPTimeout = 30 * time.Second

// maxHTTPResponseBytes caps how much of a response body is read.
const maxHTTPResponseBytes = 4 << 20

// HTTPRequestNode performs one HTTP request. URL, headers and body support
// {{path}} interpolation against the input data. Network failures and
// timeouts are errors (and thus retryable); HTTP error statuses are
// returned in the output unless failOnError is set.
type HTTPRequestNode struct {
	// Client overrides the default HTTP client, for tests.
	Client *http.Client
}

// Type returns "http-request".
func (n *HTTPRequestNode) Type() string { return TypeHTTPRequest }

// Validate requires a URL and a known method.
func (n *HTTPRequestNode) Validate(config map[string]any) flow.ValidationResult {
	rawURL := configString(config, "url")
	if rawURL == "" {
		return flow.Invalid("http-request requires url")
	}
	if !strings.Contains(rawURL, "{{") {
		if _, err := url.ParseRequestURI(rawURL); err != nil {
			return flow.Invalid("invalid url: " + err.Error())
		}
	}
	switch strings.ToUpper(configString(config, "method")) {
	case "", http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
		return flow.ValidOK()
	}
	return flow.Invalid("unsupported method: " + configString(config, "method"))
}

// Execute performs the request.
func (n *HTTPRequestNode) Execute(ctx context.Context, input flow.NodeInput, rc *flow.RunContext) (flow.NodeOutput, error) {
	config := input.Metadata.NodeConfig
	method := strings.ToUpper(configString(config, "method"))
	if method == "" {
		method = http.MethodGet
	}
	target := flow.Interpolate(configString(config, "url"), input.Data)

	var body io.Reader
	if raw, ok := config["body"]; ok && method != http.MethodGet && method != http.MethodHead {
		resolved := flow.InterpolateAny(raw, input.Data)
		switch t := resolved.(type) {
		case string:
			body = strings.NewReader(t)
		default:
			encoded, err := json.Marshal(resolved)
			if err != nil {
				return flow.NodeOutput{}, execErrCause(rc, err, "encode request body")
			}
			body = bytes.NewReader(encoded)
		}
	}

	timeout := DefaultHTTPTimeout
	if ms := configInt(config, "timeoutMs", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return flow.NodeOutput{}, execErrCause(rc, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := flow.InterpolateAny(v, input.Data).(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return flow.NodeOutput{}, execErrCause(rc, err, "http request")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
	if err != nil {
		return flow.NodeOutput{}, execErrCause(rc, err, "read response")
	}

	var parsed any = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			parsed = decoded
		}
	}

	if configBool(config, "failOnError") && resp.StatusCode >= 400 {
		return flow.NodeOutput{}, execErr(rc, "http %d from %s %s", resp.StatusCode, method, target)
	}

	return flow.NodeOutput{Data: map[string]any{
		"status": resp.StatusCode,
		"body":   parsed,
		"_http": map[string]any{
			"method": method,
			"url":    target,
			"status": resp.StatusCode,
		},
	}}, nil
}
