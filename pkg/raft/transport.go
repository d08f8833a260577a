package raft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"quorumkv/pkg/types"
)

const (
	raftEndpoint     = "/internal/raft"
	transportTimeout = 3 * time.Second
	maxRetries       = 3
	retryDelay       = 100 * time.Millisecond
)

// HTTPTransport posts protocol messages to peers as JSON. Sends are
// asynchronous: the node must never block on a slow peer.
type HTTPTransport struct {
	peersMu    sync.RWMutex
	peers      map[types.NodeID]string
	httpClient *http.Client
}

func NewHTTPTransport(peers map[types.NodeID]string) *HTTPTransport {
	return &HTTPTransport{
		peers: peers,
		httpClient: &http.Client{
			Timeout: transportTimeout,
		},
	}
}

func (t *HTTPTransport) PeerURL(id types.NodeID) string {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	return t.peers[id]
}

func (t *HTTPTransport) Send(msg Message) {
	go func() {
		if err := t.send(msg); err != nil {
			slog.Warn("failed to send raft message",
				"to", msg.To,
				"type", msg.Type,
				"error", err)
		}
	}()
}

func (t *HTTPTransport) send(msg Message) error {
	t.peersMu.RLock()
	targetAddr, ok := t.peers[msg.To]
	t.peersMu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown peer node: %d", msg.To)
	}

	url := targetAddr + raftEndpoint

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := t.sendHTTP(url, body); err != nil {
			lastErr = err
			time.Sleep(retryDelay * time.Duration(attempt+1))
			continue
		}
		return nil
	}

	return fmt.Errorf("failed to send after %d retries: %w", maxRetries, lastErr)
}

func (t *HTTPTransport) sendHTTP(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}
