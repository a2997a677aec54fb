// Package authz proves that a signing key is authorized by an on-chain
// account under a named permission, resolving delegated authorities
// recursively with loop and depth guards.
package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AccountInfo is the slice of the chain's get_account response the verifier
// needs: each permission with its satisfying keys and delegated accounts.
type AccountInfo struct {
	AccountName string       `json:"account_name"`
	Permissions []Permission `json:"permissions"`
}

// Permission is one named permission level on an account.
type Permission struct {
	PermName     string       `json:"perm_name"`
	Parent       string       `json:"parent"`
	RequiredAuth RequiredAuth `json:"required_auth"`
}

// RequiredAuth lists what can satisfy a permission. Waits are time delays
// that never bind a signing key, so the verifier ignores them.
type RequiredAuth struct {
	Threshold uint32          `json:"threshold"`
	Keys      []KeyWeight     `json:"keys"`
	Accounts  []AccountWeight `json:"accounts"`
	Waits     []WaitWeight    `json:"waits"`
}

// KeyWeight is a direct public-key entry.
type KeyWeight struct {
	Key    string `json:"key"`
	Weight uint16 `json:"weight"`
}

// AccountWeight is a delegated account-permission entry.
type AccountWeight struct {
	Permission PermissionLevel `json:"permission"`
	Weight     uint16          `json:"weight"`
}

// PermissionLevel names an account and one of its permissions.
type PermissionLevel struct {
	Actor      string `json:"actor"`
	Permission string `json:"permission"`
}

// WaitWeight is a time-delay entry.
type WaitWeight struct {
	WaitSec uint32 `json:"wait_sec"`
	Weight  uint16 `json:"weight"`
}

// FindPermission returns the named permission, nil when absent.
func (a *AccountInfo) FindPermission(name string) *Permission {
	for i := range a.Permissions {
		if a.Permissions[i].PermName == name {
			return &a.Permissions[i]
		}
	}
	return nil
}

// ChainClient fetches account permission sets from the chain.
type ChainClient interface {
	GetAccount(ctx context.Context, account string) (*AccountInfo, error)
}

// HTTPClient implements ChainClient against a chain RPC node.
type HTTPClient struct {
	rpcURL string
	hc     *http.Client
}

// NewHTTPClient creates a client for the node at rpcURL.
func NewHTTPClient(rpcURL string) *HTTPClient {
	return &HTTPClient{
		rpcURL: rpcURL,
		hc:     &http.Client{Timeout: 10 * time.Second},
	}
}

// GetAccount posts /v1/chain/get_account for the named account.
func (c *HTTPClient) GetAccount(ctx context.Context, account string) (*AccountInfo, error) {
	body, err := json.Marshal(map[string]string{"account_name": account})
	if err != nil {
		return nil, fmt.Errorf("authz: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.rpcURL+"/v1/chain/get_account", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("authz: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authz: rpc call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("authz: rpc returned %d for %s: %s", resp.StatusCode, account, snippet)
	}

	var info AccountInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("authz: decode response: %w", err)
	}
	return &info, nil
}
