package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// statusError is a non-2xx sidecar response.
type statusError struct {
	Code int
	Body string
	Op   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("sandbox: %s: status %d: %s", e.Op, e.Code, e.Body)
}

// HTTPProvider talks to a sandbox sidecar service over REST. The
// sidecar fronts the actual execution backend (Daytona, Firecracker,
// plain containers); this client only knows the wire contract.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider creates a client for the sidecar at baseURL.
func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: execTimeout + 5*time.Second},
	}
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("sandbox: marshal request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("sandbox: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{Code: resp.StatusCode, Body: string(raw), Op: method + " " + path}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("sandbox: decode response: %w", err)
		}
	}
	return nil
}

// Create provisions a sandbox.
func (p *HTTPProvider) Create(ctx context.Context, name, language string) (string, error) {
	var resp struct {
		Handle string `json:"handle"`
	}
	err := p.do(ctx, http.MethodPost, "/sandboxes", map[string]string{
		"name":     name,
		"language": language,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Handle, nil
}

// Exec runs a command with the standard execution timeout.
func (p *HTTPProvider) Exec(ctx context.Context, handle, cmd string) (ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	var resp ExecResult
	err := p.do(ctx, http.MethodPost, "/sandboxes/"+handle+"/exec", map[string]string{
		"cmd": cmd,
	}, &resp)
	return resp, err
}

// Upload writes a file into the sandbox.
func (p *HTTPProvider) Upload(ctx context.Context, handle, path string, data []byte) error {
	return p.do(ctx, http.MethodPost, "/sandboxes/"+handle+"/files", map[string]string{
		"path":    path,
		"content": base64.StdEncoding.EncodeToString(data),
	}, nil)
}

// PreviewURL asks the sidecar for the public URL of a port.
func (p *HTTPProvider) PreviewURL(ctx context.Context, handle string, port int) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	err := p.do(ctx, http.MethodGet, fmt.Sprintf("/sandboxes/%s/preview/%d", handle, port), nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}

// FindByName looks up an existing sandbox. A 404 maps to ("", nil).
func (p *HTTPProvider) FindByName(ctx context.Context, name string) (string, error) {
	var resp struct {
		Handle string `json:"handle"`
	}
	err := p.do(ctx, http.MethodGet, "/sandboxes/by-name/"+name, nil, &resp)
	var se *statusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return resp.Handle, nil
}

// Delete releases the sandbox.
func (p *HTTPProvider) Delete(ctx context.Context, handle string) error {
	return p.do(ctx, http.MethodDelete, "/sandboxes/"+handle, nil, nil)
}
