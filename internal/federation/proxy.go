package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mux-run/mux/internal/common/logger"
	"github.com/mux-run/mux/internal/muxerr"
	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// Proxy forwards one RPC-style operation to a remote mux peer and rewrites
// ids across the boundary. It holds no per-request state; callers construct
// the body and read the rewritten response.
type Proxy struct {
	registry *Registry
	client   *http.Client
	logger   *logger.Logger
}

// NewProxy builds a Proxy. client may be nil, in which case a client with a
// 30s timeout is used.
func NewProxy(registry *Registry, client *http.Client, log *logger.Logger) *Proxy {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Proxy{registry: registry, client: client, logger: log}
}

// ShouldIntercept reports whether primaryID names a federated peer and, if
// so, the serverId a caller can use to build an operation path.
func ShouldIntercept(primaryID string) (serverID string, ok bool) {
	serverID, _, ok = v1.DecodeRemoteID(primaryID)
	return serverID, ok
}

// Forward decodes primaryID, rewrites body's id fields inbound, POSTs the
// operation to the resolved remote server, and rewrites the JSON response's
// id fields back to remote.<serverId>.<x> form before returning it.
//
// operationPath is the upstream route to call, e.g. "/api/v1/workspaces/get".
func (p *Proxy) Forward(ctx context.Context, operationPath, primaryID string, body map[string]any) (map[string]any, error) {
	serverID, _, ok := v1.DecodeRemoteID(primaryID)
	if !ok {
		return nil, muxerr.New(muxerr.KindUnknown, "id is not a federated remote id")
	}

	if p.registry.IsUnreachable(serverID) {
		return nil, muxerr.New(muxerr.KindNetwork, fmt.Sprintf("remote server %q marked unreachable by the last liveness sweep", serverID))
	}

	server, ok := p.registry.Lookup(serverID)
	if !ok {
		return nil, muxerr.New(muxerr.KindNetwork, fmt.Sprintf("unknown remote server %q", serverID))
	}

	rewritten := RewriteInbound(any(body))
	reqBody, err := json.Marshal(rewritten)
	if err != nil {
		return nil, muxerr.Wrap(muxerr.KindNetwork, "failed to marshal federated request body", err)
	}

	url := server.BaseURL + operationPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, muxerr.Wrap(muxerr.KindNetwork, "failed to build federated request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if server.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+server.AuthToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("federated request failed", zap.String("server_id", serverID), zap.Error(err))
		return nil, muxerr.Wrap(muxerr.KindNetwork, fmt.Sprintf("request to remote server %q failed", serverID), err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, muxerr.Wrap(muxerr.KindNetwork, "failed to read federated response body", err)
	}
	if resp.StatusCode >= 400 {
		return nil, muxerr.New(muxerr.KindNetwork, fmt.Sprintf("remote server %q returned status %d", serverID, resp.StatusCode))
	}

	var decoded map[string]any
	if len(respBytes) > 0 {
		if err := json.Unmarshal(respBytes, &decoded); err != nil {
			return nil, muxerr.Wrap(muxerr.KindNetwork, "failed to decode federated response body", err)
		}
	}

	out, _ := RewriteOutbound(any(decoded), serverID).(map[string]any)
	return out, nil
}

// RewriteStreamChunk rewrites a single streaming event chunk received from a
// federated peer before it is rebroadcast locally.
func (p *Proxy) RewriteStreamChunk(chunk map[string]any, serverID string) map[string]any {
	out, _ := RewriteOutbound(any(chunk), serverID).(map[string]any)
	return out
}
