package chathub

import (
	"confidant/backend/internal/config"
	"confidant/backend/internal/models"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
)

var validate = newCommandValidator()

// newCommandValidator checks commands from the wire. Audio content is only a duration marker.
func newCommandValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		cmd := sl.Current().Interface().(models.Command)
		if cmd.Action == models.ActionSend && cmd.Type == models.MessageAudio && !models.IsAudioMarker(cmd.Content) {
			sl.ReportError(cmd.Content, "Content", "content", "audio_marker", "")
		}
	}, models.Command{})
	return v
}

// WebSocketClient реалізує інтерфейс chathub.Client
type WebSocketClient struct {
	UserID string
	Conn   *websocket.Conn
	Hub    *ManagerService
	log    *slog.Logger

	mu     sync.Mutex
	send   chan models.Event
	closed bool
}

func NewWebSocketClient(userID string, conn *websocket.Conn, hub *ManagerService, log *slog.Logger) *WebSocketClient {
	return &WebSocketClient{
		UserID: userID,
		Conn:   conn,
		Hub:    hub,
		log:    log.With("user_id", userID, "transport", "ws"),
		send:   make(chan models.Event, config.ClientSendBuffer),
	}
}

// --- Реалізація методів інтерфейсу ---

func (c *WebSocketClient) GetUserID() string { return c.UserID }

func (c *WebSocketClient) Deliver(evt models.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- evt:
		return true
	default:
		return false
	}
}

// Run запускає 'pumps' для WebSocket
func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

// Close закриває send канал (що зупинить writePump)
func (c *WebSocketClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump decodes commands and submits them to the hub. A broken connection unregisters the
// client, which closes its session exactly like an exit.
func (c *WebSocketClient) readPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("Error reading message", "error", err)
			}
			return
		}

		var cmd models.Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.log.Debug("Invalid JSON from client", "error", err)
			c.Deliver(models.Event{Type: models.EventError, Error: CodeInvalidCommand})
			continue
		}
		if err := validate.Struct(cmd); err != nil {
			c.log.Debug("Invalid command", "error", err)
			c.Deliver(models.Event{Type: models.EventError, Error: CodeInvalidCommand})
			continue
		}

		cmd.UserID = c.UserID
		if !c.Hub.Submit(cmd) {
			return
		}
	}
}

// writePump (маленька 'w') читає події з каналу send і записує їх у WebSocket.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Канал закрито хабом, закриваємо з'єднання WS
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(evt); err != nil {
				c.log.Debug("Write failed", "error", err)
				return
			}

		case <-ticker.C:
			// Надсилаємо Ping для підтримки з'єднання активним
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
