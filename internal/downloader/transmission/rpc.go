// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package transmission

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const sessionHeader = "X-Transmission-Session-Id"

var (
	errUnauthorized = errors.New("transmission rejected credentials")
	errConflict     = errors.New("transmission session id rejected")
)

type rpcRequest struct {
	Method    string `json:"method"`
	Arguments any    `json:"arguments,omitempty"`
	Tag       int    `json:"tag,omitempty"`
}

type rpcResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
	Tag       int             `json:"tag"`
}

// rpc is a minimal Transmission JSON-RPC transport. It performs the
// session-id handshake transparently.
type rpc struct {
	endpoint string
	username string
	password string
	http     *http.Client

	mu        sync.Mutex
	sessionID string
	tag       int
}

func newRPC(endpoint, username, password string, tlsSkipVerify bool, timeout time.Duration) *rpc {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &rpc{
		endpoint: endpoint,
		username: username,
		password: password,
		http:     &http.Client{Transport: transport, Timeout: timeout},
	}
}

func (r *rpc) nextTag() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tag++
	return r.tag
}

func (r *rpc) setSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = id
}

// call runs method and decodes the response arguments into out when non-nil.
func (r *rpc) call(ctx context.Context, method string, args any, out any) error {
	body, err := json.Marshal(rpcRequest{Method: method, Arguments: args, Tag: r.nextTag()})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	// One retry after a 409 carrying a fresh session id.
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := r.do(ctx, body)
		if errors.Is(err, errConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		if resp.Result != "success" {
			return fmt.Errorf("%s: %s", method, resp.Result)
		}
		if out != nil && len(resp.Arguments) > 0 {
			if err := json.Unmarshal(resp.Arguments, out); err != nil {
				return fmt.Errorf("decode %s: %w", method, err)
			}
		}
		return nil
	}
	return fmt.Errorf("%s: %w", method, errConflict)
}

func (r *rpc) do(ctx context.Context, body []byte) (*rpcResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	r.mu.Lock()
	if r.sessionID != "" {
		req.Header.Set(sessionHeader, r.sessionID)
	}
	r.mu.Unlock()
	if r.username != "" || r.password != "" {
		req.SetBasicAuth(r.username, r.password)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusConflict:
		r.setSession(resp.Header.Get(sessionHeader))
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, errConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, errUnauthorized
	case http.StatusOK:
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}
