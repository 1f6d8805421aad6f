package websocket

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 64
)

// socketClient is a single connected websocket. Writes are funneled through
// the send channel so that only the write loop touches the connection.
type socketClient struct {
	id     uuid.UUID
	socket *websocket.Conn
	send   chan *SocketMessage
}

func newSocketClient(conn *websocket.Conn) *socketClient {
	return &socketClient{id: uuid.New(), socket: conn, send: make(chan *SocketMessage, clientSendSize)}
}

// enqueue queues the message for delivery, returning false if the
// client is not keeping up.
func (client *socketClient) enqueue(message *SocketMessage) bool {
	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// writeLoop delivers queued messages, and periodically pings the client, until the
// send channel is closed or a write fails.
func (client *socketClient) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.socket.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.socket.WriteJSON(message); err != nil {
				socketLogger.Warnf("Write to client {%v} failed: %v\n", client.id, err)
				return
			}
		case <-ticker.C:
			client.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards anything the client sends, returning once the connection
// is closed. Clients are not expected to send messages, however reading is
// required to process control frames.
func (client *socketClient) readLoop() error {
	client.socket.SetReadLimit(512)
	client.socket.SetReadDeadline(time.Now().Add(pongWait))
	client.socket.SetPongHandler(func(string) error {
		return client.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := client.socket.ReadMessage(); err != nil {
			return err
		}
	}
}
