package transport

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

// readLimit bounds one WebSocket message. NetConn sends each Write as one message,
// and a gateway writes whole frames, so this must exceed the largest frame.
const readLimit = 32 << 20

// DialWebSocket opens a binary WebSocket to url and returns it as a Transport.
// The context bounds only the dial; the connection lives until Close.
func DialWebSocket(ctx context.Context, url string, httpClient *http.Client) (*Socket, error) {
	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:      httpClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket %s: %w", url, err)
	}
	wsConn.SetReadLimit(readLimit)
	s := NewSocket(websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary))
	s.name = "websocket " + url
	return s, nil
}

// AcceptWebSocket upgrades an HTTP request to a binary WebSocket Transport.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request) (*Socket, error) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("accepting WebSocket: %w", err)
	}
	wsConn.SetReadLimit(readLimit)
	s := NewSocket(websocket.NetConn(r.Context(), wsConn, websocket.MessageBinary))
	s.name = "websocket from " + r.RemoteAddr
	return s, nil
}
