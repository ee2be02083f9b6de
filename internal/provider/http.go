package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxResponseBytes = 4 << 20

type httpCall struct {
	provider string
	client   *http.Client
	method   string
	url      string
	headers  map[string]string
	body     interface{}
}

// do sends a JSON request and decodes a JSON response into out. Non-2xx
// responses become *Error with the vendor message extracted when possible.
func (c httpCall) do(ctx context.Context, out interface{}) error {
	var reader io.Reader
	if c.body != nil {
		payload, err := json.Marshal(c.body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", c.provider, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, c.method, c.url, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.provider, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	client := c.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return transportError(c.provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportError(c.provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code, message := extractVendorMessage(raw)
		if message == "" {
			message = logSnippet(string(raw))
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return newError(c.provider, resp.StatusCode, code, message)
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return newError(c.provider, resp.StatusCode, "invalid_response", fmt.Sprintf("decode response: %v", err))
	}
	return nil
}

// extractVendorMessage looks for the common error envelope shapes.
func extractVendorMessage(raw []byte) (code, message string) {
	var envelope map[string]interface{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", ""
	}
	if nested, ok := envelope["error"].(map[string]interface{}); ok {
		envelope = nested
	} else if s, ok := envelope["error"].(string); ok && strings.TrimSpace(s) != "" {
		return "", s
	}
	for _, key := range []string{"message", "detail", "description", "msg"} {
		if s, ok := envelope[key].(string); ok && strings.TrimSpace(s) != "" {
			message = s
			break
		}
	}
	switch v := envelope["code"].(type) {
	case string:
		code = v
	case float64:
		code = fmt.Sprintf("%d", int64(v))
	}
	if code == "" {
		if s, ok := envelope["status"].(string); ok {
			code = s
		}
	}
	return code, message
}

func joinEndpoint(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/" + strings.TrimLeft(path, "/")
}
