// Package bridge tunnels the local HTTP API through a public WebSocket
// relay so the dashboard stays reachable away from home.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

type Config struct {
	PublicWS   string // ws://relay-host/agent
	LocalURL   string // http://localhost:<port>
	AgentID    string
	RetryDelay time.Duration
}

type requestMsg struct {
	Type   string      `json:"type"`
	ReqID  string      `json:"reqId"`
	Method string      `json:"method"`
	Path   string      `json:"path"`
	Token  string      `json:"token"`
	Body   interface{} `json:"body"`
}

type responseMsg struct {
	Type   string      `json:"type"`
	ReqID  string      `json:"reqId"`
	Status int         `json:"status"`
	Body   interface{} `json:"body"`
}

// Start keeps a relay connection alive until the context is cancelled.
func Start(ctx context.Context, cfg Config) {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}

	for {
		run(ctx, cfg)
		select {
		case <-ctx.Done():
			log.Println("BRIDGE: Shutting down")
			return
		case <-time.After(cfg.RetryDelay):
			log.Println("BRIDGE: Relay disconnected, reconnecting...")
		}
	}
}

func run(ctx context.Context, cfg Config) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.PublicWS, nil)
	if err != nil {
		log.Printf("BRIDGE: Failed to reach relay %s: %v", cfg.PublicWS, err)
		return
	}
	defer ws.Close()

	if err := ws.WriteJSON(map[string]interface{}{
		"type": "register",
		"id":   cfg.AgentID,
	}); err != nil {
		log.Printf("BRIDGE: Failed to register agent: %v", err)
		return
	}
	log.Printf("BRIDGE: Registered agent %s with relay", cfg.AgentID)

	// close the socket when the context ends so ReadMessage unblocks
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var req requestMsg
		if err := json.Unmarshal(msg, &req); err != nil || req.Type != "request" {
			continue
		}

		body, status := doLocalRequest(cfg.LocalURL, req)
		if err := ws.WriteJSON(responseMsg{
			Type:   "response",
			ReqID:  req.ReqID,
			Status: status,
			Body:   body,
		}); err != nil {
			return
		}
	}
}

// doLocalRequest replays a relayed request against the local API.
func doLocalRequest(base string, req requestMsg) (interface{}, int) {
	bodyBytes, err := json.Marshal(req.Body)
	if err != nil {
		return "bad request body", http.StatusBadRequest
	}

	httpReq, err := http.NewRequest(req.Method, base+req.Path, bytes.NewBuffer(bodyBytes))
	if err != nil {
		return "bad request", http.StatusBadRequest
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		log.Printf("BRIDGE: Local request %s %s failed: %v", req.Method, req.Path, err)
		return "local request failed", http.StatusInternalServerError
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var parsed interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		parsed = string(raw)
	}
	return parsed, resp.StatusCode
}
