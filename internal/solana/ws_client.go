package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"solana-custody-engine/internal/errcode"
)

// WSConfirmer waits for signature confirmation over a WebSocket
// signatureSubscribe, avoiding status polling when a WS endpoint is
// configured. Each wait dials its own short-lived connection; the
// subscription auto-cancels server-side after the notification fires.
type WSConfirmer struct {
	endpoint         string
	handshakeTimeout time.Duration
}

// NewWSConfirmer creates a confirmer for the given WS endpoint.
func NewWSConfirmer(endpoint string) *WSConfirmer {
	return &WSConfirmer{
		endpoint:         endpoint,
		handshakeTimeout: 10 * time.Second,
	}
}

// wsRequest is a JSON-RPC 2.0 request over WebSocket.
type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// wsMessage is any inbound frame: subscription ack or notification.
type wsMessage struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params *struct {
		Result struct {
			Value struct {
				Err interface{} `json:"err"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

// WaitForSignature blocks until the signature reaches the commitment level,
// fails on-chain, or ctx expires.
func (w *WSConfirmer) WaitForSignature(ctx context.Context, signature, commitment string) error {
	if commitment == "" {
		commitment = CommitmentConfirmed
	}

	dialer := websocket.Dialer{HandshakeTimeout: w.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.endpoint, nil)
	if err != nil {
		return errcode.Wrap(errcode.RPCConnection, err, "websocket dial %s", w.endpoint)
	}
	defer conn.Close()

	req := wsRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "signatureSubscribe",
		Params: []interface{}{
			signature,
			map[string]interface{}{"commitment": commitment},
		},
	}
	if err := conn.WriteJSON(req); err != nil {
		return errcode.Wrap(errcode.RPCConnection, err, "signatureSubscribe write")
	}

	// Unblock ReadMessage when ctx expires.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return errcode.Wrap(errcode.TxTimeout, ctx.Err(), "confirmation wait for %s expired", signature)
			}
			return errcode.Wrap(errcode.RPCConnection, err, "websocket read")
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("unmarshal websocket frame: %w", err)
		}

		if msg.Error != nil {
			return msg.Error
		}

		if msg.Method == "signatureNotification" && msg.Params != nil {
			if txErr := msg.Params.Result.Value.Err; txErr != nil {
				return errcode.New(errcode.TxFailed, "transaction %s failed on-chain: %v", signature, txErr)
			}
			return nil
		}
		// subscription ack and unrelated frames are skipped
	}
}
