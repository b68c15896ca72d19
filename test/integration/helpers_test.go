//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

var env *Env

// Env holds shared state for all integration tests. The suite expects a
// running controller and a browser with at least one page exposing a tool
// registry (e.g. the todo demo app on localhost).
type Env struct {
	BaseURL   string
	Client    *http.Client
	PageIndex int // first connected page, discovered during setup
}

type pageInfo struct {
	Index    int    `json:"index"`
	TargetID string `json:"target_id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
}

type registeredTool struct {
	ToolID    string `json:"tool_id"`
	PageIndex int    `json:"page_index"`
	DomainTag string `json:"domain_tag"`
}

// connectFirstPage bridges every discovered page and records the first
// successfully connected index.
func (e *Env) connectFirstPage() error {
	resp, err := e.Client.Post(e.BaseURL+"/api/v1/pages/connect", "application/json", nil)
	if err != nil {
		return fmt.Errorf("server not reachable at %s: %w", e.BaseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("connect-all: status %d: %s", resp.StatusCode, body)
	}

	var result struct {
		Connected []int          `json:"connected"`
		Failed    map[int]string `json:"failed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode connect-all: %w", err)
	}
	if len(result.Connected) == 0 {
		return fmt.Errorf("no pages with a tool registry (failed: %v)", result.Failed)
	}
	e.PageIndex = result.Connected[0]
	return nil
}

func TestMain(m *testing.M) {
	baseURL := os.Getenv("WEBMCP_CONTROLLER_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8199"
	}

	env = &Env{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}

	if err := env.connectFirstPage(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "integration: using page %d at %s\n", env.PageIndex, env.BaseURL)

	os.Exit(m.Run())
}

// --- HTTP helpers ---

func (e *Env) GET(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := e.Client.Get(e.BaseURL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (e *Env) POST(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, path, body)
}

func (e *Env) DELETE(t *testing.T, path string) *http.Response {
	t.Helper()
	return e.do(t, http.MethodDelete, path, nil)
}

func (e *Env) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("%s %s: marshal body: %v", method, path, err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.BaseURL+path, r)
	if err != nil {
		t.Fatalf("%s %s: new request: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// --- Assertion helpers ---

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, want, body)
	}
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// listTools queries the catalog with optional query string.
func (e *Env) listTools(t *testing.T, query string) []registeredTool {
	t.Helper()
	path := "/api/v1/tools"
	if query != "" {
		path += "?" + query
	}
	resp := e.GET(t, path)
	requireStatus(t, resp, http.StatusOK)
	result := decodeJSON[struct {
		Tools []registeredTool `json:"tools"`
	}](t, resp)
	return result.Tools
}
