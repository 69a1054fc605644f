package chain

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"creditline/internal/domain"
)

// HTTPClient submits intents to a ledger gateway over HTTP. Intent bodies are
// JCS-canonical and signed with HMAC-SHA256 of the API key.
type HTTPClient struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
}

func NewHTTPClient(endpoint, apiKey string) *HTTPClient {
	return &HTTPClient{
		Endpoint:   strings.TrimRight(endpoint, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) Submit(ctx context.Context, in Intent) (string, error) {
	body, err := Canonical(in)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/intents", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
		req.Header.Set("X-Intent-Signature", sign(c.APIKey, body))
	}
	var out struct {
		Hash string `json:"hash"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.Hash == "" {
		return "", fmt.Errorf("ledger returned no transaction hash")
	}
	return out.Hash, nil
}

func (c *HTTPClient) Status(ctx context.Context, hash string) (Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint+"/transactions/"+url.PathEscape(hash), nil)
	if err != nil {
		return Receipt{}, err
	}
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	var r Receipt
	if err := c.do(req, &r); err != nil {
		return Receipt{}, err
	}
	if r.Hash == "" {
		r.Hash = hash
	}
	return r, nil
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, req.URL.Path)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	case resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ledger rejected request: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func sign(key string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
