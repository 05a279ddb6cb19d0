package telegram

import (
	"confidant/backend/internal/config"
	"confidant/backend/internal/localization"
	"confidant/backend/internal/models"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Client реалізує інтерфейс chathub.Client для одного Telegram чату
type Client struct {
	ChatID    int64
	UserID    string
	BotAPI    BotAPI
	Localizer *localization.Localizer
	log       *slog.Logger

	mu     sync.Mutex
	lang   string
	send   chan models.Event
	closed bool

	// Стан, яким володіє лише writePump
	state       string
	partnerLeft bool
	seen        map[string]struct{}
}

func NewClient(chatID int64, userID string, api BotAPI, localizer *localization.Localizer, lang string, log *slog.Logger) *Client {
	return &Client{
		ChatID:    chatID,
		UserID:    userID,
		BotAPI:    api,
		Localizer: localizer,
		log:       log.With("user_id", userID),
		lang:      lang,
		send:      make(chan models.Event, config.ClientSendBuffer),
		state:     "idle",
		seen:      make(map[string]struct{}),
	}
}

// --- Реалізація методів інтерфейсу ---

func (c *Client) GetUserID() string { return c.UserID }

func (c *Client) Deliver(evt models.Event) bool {
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

// Run запускає 'write pump'. 'Read pump' обробляється централізовано в BotService.
func (c *Client) Run() {
	go c.writePump()
}

// Close закриває send канал
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) setLang(lang string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lang = lang
}

func (c *Client) language() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lang
}

// writePump слухає канал send і надсилає повідомлення в Telegram
func (c *Client) writePump() {
	defer c.log.Debug("Telegram writePump stopped")

	for evt := range c.send {
		c.render(evt)
	}
}

// render turns one session event into Telegram messages.
func (c *Client) render(evt models.Event) {
	switch evt.Type {
	case models.EventState:
		c.renderState(evt.State)
	case models.EventMessages:
		c.renderMessages(evt.Messages)
	case models.EventPIIWarning:
		sent, ok := c.notify(localization.KeyPIIWarning)
		if ok && evt.DurationMS > 0 {
			// The warning is transient, like the toast of the web client.
			time.AfterFunc(time.Duration(evt.DurationMS)*time.Millisecond, func() { c.deleteMessage(sent.MessageID) })
		}
	case models.EventPartnerLeft:
		c.partnerLeft = true
		c.notify(localization.KeyPartnerLeft)
	case models.EventExpired:
		c.notify(localization.KeyExpired)
	case models.EventError:
		c.notifyText(c.Localizer.ErrorText(c.language(), evt.Error))
	}
}

func (c *Client) renderState(state string) {
	prev := c.state
	c.state = state

	switch state {
	case "matching":
		c.partnerLeft = false
		c.seen = make(map[string]struct{})
		c.notify(localization.KeySearching)
	case "paired":
		c.notify(localization.KeyPaired)
	case "counselor":
		c.seen = make(map[string]struct{})
		c.notify(localization.KeyCounselorStarted)
	case "ended":
		if !c.partnerLeft {
			c.notify(localization.KeyChatEnded)
		}
	case "idle":
		if prev == "matching" {
			c.notify(localization.KeySearchCancelled)
		}
	}
}

// renderMessages forwards messages not shown yet. Snapshots repeat the whole log, and the
// user's own messages are already visible in their chat.
func (c *Client) renderMessages(msgs []models.ChatMessage) {
	for _, m := range msgs {
		if _, ok := c.seen[m.ID]; ok {
			continue
		}
		c.seen[m.ID] = struct{}{}
		if m.Sender == models.SenderMe {
			continue
		}
		text := m.Content
		if m.Type == models.MessageAudio {
			text = "🎤 " + m.Content
		}
		c.notifyText(text)
	}
}

func (c *Client) notify(key string) (tgbotapi.Message, bool) {
	return c.notifyText(c.Localizer.GetString(c.language(), key))
}

func (c *Client) notifyText(text string) (tgbotapi.Message, bool) {
	sent, err := c.BotAPI.Send(tgbotapi.NewMessage(c.ChatID, text))
	if err != nil {
		c.log.Warn("Failed to send Telegram message", "error", err)
		return tgbotapi.Message{}, false
	}
	return sent, true
}

// deleteMessage deletes a message from the chat.
func (c *Client) deleteMessage(messageID int) {
	if _, err := c.BotAPI.Request(tgbotapi.NewDeleteMessage(c.ChatID, messageID)); err != nil {
		c.log.Debug("Failed to delete Telegram message", "message_id", messageID, "error", err)
	}
}
