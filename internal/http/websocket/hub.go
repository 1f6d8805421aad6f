package websocket

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hbomb79/Siphon/pkg/logger"
)

var socketLogger = logger.Get("WebSocket")

// SocketHub is the struct responsible for managing
// the websocket upgrading, connecting and pushing
// of messages to clients.
type SocketHub struct {
	mu                 sync.Mutex
	upgrader           *websocket.Upgrader
	clients            map[uuid.UUID]*socketClient
	registerCh         chan *socketClient
	deregisterCh       chan *socketClient
	sendCh             chan *SocketMessage
	connectionCallback func() map[string]any
	running            bool
	done               chan struct{}
}

// New returns a new SocketHub. The hub must be started using Start
// before clients can connect.
func New() *SocketHub {
	return &SocketHub{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:      make(map[uuid.UUID]*socketClient),
		registerCh:   make(chan *socketClient),
		deregisterCh: make(chan *socketClient),
		sendCh:       make(chan *SocketMessage, 64),
		done:         make(chan struct{}),
	}
}

// WithConnectionCallback sets a callback that will be executed each time a new client
// connects to this hub. This allows the client to be furnished with a payload
// of the servers current state, without having to wait for an update.
func (hub *SocketHub) WithConnectionCallback(callback func() map[string]any) {
	hub.connectionCallback = callback
}

// Start runs the socket hub, blocking until the context provided is cancelled. Once
// cancelled, all connected clients are closed.
func (hub *SocketHub) Start(ctx context.Context) {
	hub.mu.Lock()
	if hub.running {
		hub.mu.Unlock()
		socketLogger.Emit(logger.WARNING, "Attempting to start socket hub when already running! Ignoring request.\n")
		return
	} else if ctx.Err() != nil || hub.closed() {
		hub.mu.Unlock()
		socketLogger.Emit(logger.STOP, "Refusing to start socket hub as it is closed, or the provided context is already cancelled\n")
		return
	}
	hub.running = true
	hub.mu.Unlock()

	socketLogger.Emit(logger.INFO, "Opening socket hub\n")
	defer hub.close()
	for {
		select {
		case message := <-hub.sendCh:
			hub.deliver(message)
		case client := <-hub.registerCh:
			hub.clients[client.id] = client
			socketLogger.Emit(logger.NEW, "Registered new client {%v}\n", client.id)
		case client := <-hub.deregisterCh:
			if _, ok := hub.clients[client.id]; ok {
				delete(hub.clients, client.id)
				close(client.send)
				socketLogger.Emit(logger.REMOVE, "Deregistered client {%v}\n", client.id)
			}
		case <-ctx.Done():
			socketLogger.Emit(logger.REMOVE, "Shutting down socket hub! Closing all clients.\n")
			return
		}
	}
}

// Send queues the message for delivery. The message is dropped if the
// hub is not running.
func (hub *SocketHub) Send(message *SocketMessage) {
	if !hub.isRunning() {
		socketLogger.Emit(logger.DEBUG, "Socket hub is offline, dropping message %s\n", message.Title)
		return
	}

	select {
	case hub.sendCh <- message:
	default:
		socketLogger.Emit(logger.WARNING, "Socket hub send buffer is full, dropping message %s\n", message.Title)
	}
}

// UpgradeToSocket upgrades the HTTP request provided to a websocket and registers
// it with the hub. This method blocks until the client disconnects.
func (hub *SocketHub) UpgradeToSocket(w http.ResponseWriter, r *http.Request) {
	if !hub.isRunning() {
		socketLogger.Emit(logger.ERROR, "Failed to upgrade incoming HTTP request to a websocket: socket hub has not been started!\n")
		http.Error(w, "socket hub offline", http.StatusServiceUnavailable)
		return
	}

	sock, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		socketLogger.Emit(logger.ERROR, "Failed to upgrade incoming HTTP request to a websocket: %v\n", err)
		return
	}

	client := newSocketClient(sock)
	body := make(map[string]any)
	if hub.connectionCallback != nil {
		for k, v := range hub.connectionCallback() {
			body[k] = v
		}
	}
	body["client"] = client.id
	client.enqueue(&SocketMessage{Title: "CONNECTION_ESTABLISHED", Body: body, Type: Welcome})

	select {
	case hub.registerCh <- client:
	case <-hub.done:
		sock.Close()
		return
	}
	go client.writeLoop()

	if err := client.readLoop(); err != nil {
		socketLogger.Emit(logger.DEBUG, "Client {%v} closed: %v\n", client.id, err)
	}

	select {
	case hub.deregisterCh <- client:
	case <-hub.done:
	}
}

func (hub *SocketHub) deliver(message *SocketMessage) {
	if message.Target != nil {
		client, ok := hub.clients[*message.Target]
		if !ok {
			socketLogger.Emit(logger.WARNING, "Attempted to send message to target {%v}, but no matching client was found.\n", *message.Target)
			return
		}

		hub.enqueueOrDrop(client, message)
		return
	}

	for _, client := range hub.clients {
		hub.enqueueOrDrop(client, message)
	}
}

// enqueueOrDrop queues the message for the client. Clients which cannot keep
// up are disconnected.
func (hub *SocketHub) enqueueOrDrop(client *socketClient, message *SocketMessage) {
	if client.enqueue(message) {
		return
	}

	socketLogger.Emit(logger.WARNING, "Client {%v} is not keeping up, disconnecting\n", client.id)
	delete(hub.clients, client.id)
	close(client.send)
}

func (hub *SocketHub) closed() bool {
	select {
	case <-hub.done:
		return true
	default:
		return false
	}
}

func (hub *SocketHub) isRunning() bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return hub.running
}

// close deregisters and closes all connected clients.
func (hub *SocketHub) close() {
	hub.mu.Lock()
	hub.running = false
	close(hub.done)
	hub.mu.Unlock()

	for id, client := range hub.clients {
		close(client.send)
		delete(hub.clients, id)
	}

	socketLogger.Emit(logger.STOP, "Socket hub is now closed!\n")
}
