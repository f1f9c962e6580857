package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const accountHeader = "X-Account-ID"

// TestContext carries one scenario's HTTP state against a running server.
type TestContext struct {
	baseURL  string
	client   *http.Client
	accounts map[string]string
	account  string
	vars     map[string]string

	status int
	body   []byte
	parsed map[string]any
}

func NewTestContext(baseURL string) *TestContext {
	return &TestContext{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Reset clears everything a previous scenario left behind.
func (tc *TestContext) Reset() {
	tc.accounts = make(map[string]string)
	tc.vars = make(map[string]string)
	tc.account = ""
	tc.status = 0
	tc.body = nil
	tc.parsed = nil
}

// UseAccount makes later requests act as the named account. Each name maps to
// a fresh account id for the scenario; an empty name sends no header.
func (tc *TestContext) UseAccount(name string) {
	if name == "" {
		tc.account = ""
		return
	}
	accountID, ok := tc.accounts[name]
	if !ok {
		accountID = uuid.NewString()
		tc.accounts[name] = accountID
	}
	tc.account = accountID
}

func (tc *TestContext) GET(path string) error {
	return tc.Do(http.MethodGet, path, nil)
}

func (tc *TestContext) POST(path string, body any) error {
	return tc.Do(http.MethodPost, path, body)
}

func (tc *TestContext) DELETE(path string) error {
	return tc.Do(http.MethodDelete, path, nil)
}

// Do sends a request and records the response for later assertions.
func (tc *TestContext) Do(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, tc.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tc.account != "" {
		req.Header.Set(accountHeader, tc.account)
	}

	resp, err := tc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	tc.status = resp.StatusCode
	tc.body, err = io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	tc.parsed = nil
	if len(tc.body) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var m map[string]any
		if err := json.Unmarshal(tc.body, &m); err == nil {
			tc.parsed = m
		}
	}
	return nil
}

func (tc *TestContext) StatusCode() int {
	return tc.status
}

func (tc *TestContext) Body() string {
	return string(tc.body)
}

// GetResponseField resolves a dotted path such as "prompt.redirect_url" or
// "transitions.0.to" in the last JSON response.
func (tc *TestContext) GetResponseField(path string) (any, error) {
	if tc.parsed == nil {
		return nil, fmt.Errorf("response is not a JSON object: %s", tc.body)
	}
	var cur any = tc.parsed
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, fmt.Errorf("field %q not found in %s", path, tc.body)
			}
			cur = v
		case []any:
			var i int
			if _, err := fmt.Sscanf(part, "%d", &i); err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("bad index %q in %q", part, path)
			}
			cur = node[i]
		default:
			return nil, fmt.Errorf("field %q does not resolve in %s", path, tc.body)
		}
	}
	return cur, nil
}

func (tc *TestContext) Remember(key, value string) {
	tc.vars[key] = value
}

func (tc *TestContext) Recall(key string) string {
	return tc.vars[key]
}
