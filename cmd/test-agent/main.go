// Test agent is a minimal tunnel agent for exercising a tunneld server.
//
// It connects to the agent WebSocket endpoint, registers a tunnel, and
// answers request frames by replaying them against a local HTTP server.
//
// Usage:
//
//	./test-agent -server ws://localhost:8080/agent -token TOKEN -agent-id demo -port 8000
//
// Flags:
//
//	-server: Agent WebSocket URL (default: ws://localhost:8080/agent)
//	-token: Session token (required)
//	-agent-id: Tunnel id to register (default: demo)
//	-subdomain: Explicit subdomain (optional)
//	-port: Local port to forward traffic to (default: 8000)
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/essajiwa/tunneld/pkg/protocol"
	"github.com/gorilla/websocket"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/agent", "Agent WebSocket URL")
	token := flag.String("token", "", "Session token")
	agentID := flag.String("agent-id", "demo", "Tunnel id to register")
	subdomain := flag.String("subdomain", "", "Explicit subdomain")
	localPort := flag.Int("port", 8000, "Local port to forward")
	flag.Parse()

	if *token == "" {
		log.Fatal("Token is required. Use -token flag")
	}

	log.Printf("Connecting to %s", *serverURL)
	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	var welcome protocol.WelcomeFrame
	if err := conn.ReadJSON(&welcome); err != nil {
		log.Fatalf("Failed to read welcome: %v", err)
	}

	register := &protocol.RegisterFrame{
		Type:      protocol.FrameRegister,
		AgentID:   *agentID,
		Token:     *token,
		Subdomain: *subdomain,
		LocalPort: *localPort,
	}
	if err := conn.WriteJSON(register); err != nil {
		log.Fatalf("Failed to send register frame: %v", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		log.Fatalf("Failed to read registration response: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Fatalf("Malformed registration response: %v", err)
	}
	if env.Type == protocol.FrameError {
		var errFrame protocol.ErrorFrame
		json.Unmarshal(data, &errFrame)
		log.Fatalf("Registration failed: %s", errFrame.Message)
	}
	var registered protocol.RegisteredFrame
	if err := json.Unmarshal(data, &registered); err != nil {
		log.Fatalf("Malformed registered frame: %v", err)
	}

	log.Printf("Tunnel registered!")
	log.Printf("  Public URL: %s", registered.URL)
	log.Printf("  Forwarding to: localhost:%d", *localPort)
	log.Printf("Press Ctrl+C to stop")

	writeCh := make(chan interface{}, 16)
	go func() {
		for frame := range writeCh {
			if err := conn.WriteJSON(frame); err != nil {
				log.Printf("Write failed: %v", err)
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			writeCh <- &protocol.PingFrame{Type: protocol.FramePing, Timestamp: time.Now().Unix()}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Fatalf("Connection closed: %v", err)
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.FrameRequest:
			var req protocol.RequestFrame
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			go func() {
				writeCh <- handleRequest(&req, *localPort)
			}()
		case protocol.FramePong:
		default:
		}
	}
}

// handleRequest replays a framed request against the local server and wraps
// the answer in a response frame.
func handleRequest(req *protocol.RequestFrame, localPort int) *protocol.ResponseFrame {
	url := fmt.Sprintf("http://localhost:%d%s", localPort, req.Path)
	httpReq, err := http.NewRequest(req.Method, url, strings.NewReader(req.Body))
	if err != nil {
		return errorResponse(req.ID, err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResponse(req.ID, err)
	}

	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}
	encoded, _ := json.Marshal(string(body))

	return &protocol.ResponseFrame{
		Type:       protocol.FrameResponse,
		ID:         req.ID,
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       encoded,
	}
}

func errorResponse(id string, err error) *protocol.ResponseFrame {
	body, _ := json.Marshal(fmt.Sprintf("local request failed: %v", err))
	return &protocol.ResponseFrame{
		Type:       protocol.FrameResponse,
		ID:         id,
		StatusCode: http.StatusBadGateway,
		Headers:    map[string]string{"Content-Type": "text/plain"},
		Body:       body,
	}
}
