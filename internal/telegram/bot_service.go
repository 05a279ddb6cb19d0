// Package telegram handles the integration with the Telegram Bot API.
// It is responsible for receiving updates from Telegram, translating them into
// session commands, and registering one chathub client per Telegram chat.
package telegram

import (
	"confidant/backend/internal/chathub"
	"confidant/backend/internal/localization"
	"confidant/backend/internal/models"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// userNamespace derives stable pseudonymous user ids from Telegram chat ids, so the chat id
// itself never reaches the chat core.
var userNamespace = uuid.MustParse("6f0b7a5e-2f7c-4d0a-9a51-4c1c8e2b7d33")

// BotAPI is the part of *tgbotapi.BotAPI the transport uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// BotService is responsible for receiving Telegram updates and routing them to the hub.
type BotService struct {
	BotAPI    BotAPI
	Hub       *chathub.ManagerService
	Localizer *localization.Localizer
	lang      string
	log       *slog.Logger

	mu      sync.Mutex
	clients map[int64]*Client
}

// NewBotService authorizes the bot token and creates the service.
func NewBotService(token string, hub *chathub.ManagerService, localizer *localization.Localizer, lang string, log *slog.Logger) (*BotService, *tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, nil, fmt.Errorf("telegram authorization failed: %w", err)
	}
	bot.Debug = false
	log.Info("Authorized on Telegram", "account", bot.Self.UserName)

	return newBotService(bot, hub, localizer, lang, log), bot, nil
}

func newBotService(api BotAPI, hub *chathub.ManagerService, localizer *localization.Localizer, lang string, log *slog.Logger) *BotService {
	return &BotService{
		BotAPI:    api,
		Hub:       hub,
		Localizer: localizer,
		lang:      lang,
		log:       log.With("transport", "telegram"),
		clients:   make(map[int64]*Client),
	}
}

// UserIDForChat returns the anonymous user id used for a Telegram chat.
func UserIDForChat(chatID int64) string {
	return uuid.NewSHA1(userNamespace, []byte(strconv.FormatInt(chatID, 10))).String()
}

// Run is the main loop for receiving Telegram updates. It stops when ctx is cancelled.
func (s *BotService) Run(ctx context.Context, bot *tgbotapi.BotAPI) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			s.log.Info("Telegram bot stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			s.HandleUpdate(update)
		}
	}
}

// HandleUpdate processes one update. Only new messages are handled; edits of sent
// messages cannot be applied to an immutable chat log.
func (s *BotService) HandleUpdate(update tgbotapi.Update) {
	if update.Message == nil {
		return
	}
	s.handleIncomingMessage(update.Message)
}

func (s *BotService) handleIncomingMessage(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	lang := s.lang
	if msg.From != nil && s.Localizer.Has(msg.From.LanguageCode) {
		lang = localization.Normalize(msg.From.LanguageCode)
	}

	c := s.getOrCreateClient(chatID, lang)
	if c == nil {
		return
	}

	if msg.IsCommand() {
		s.handleCommand(c, msg.Command(), msg.CommandArguments())
		return
	}

	switch {
	case msg.Voice != nil:
		// Only the duration crosses the chat: the voice file stays in Telegram.
		s.submit(c, models.Command{Action: models.ActionSend, Type: models.MessageAudio, Content: fmt.Sprintf("%ds", msg.Voice.Duration)})
	case strings.TrimSpace(extractMessageContent(msg)) != "":
		s.submit(c, models.Command{Action: models.ActionSend, Type: models.MessageText, Content: extractMessageContent(msg)})
	default:
		c.notify(localization.KeyUnsupportedMessage)
	}
}

// handleCommand maps bot commands to session actions.
func (s *BotService) handleCommand(c *Client, command, args string) {
	switch command {
	case "start":
		s.submit(c, models.Command{Action: models.ActionMatch})
	case "counselor":
		s.submit(c, models.Command{Action: models.ActionCounselor, Persona: strings.TrimSpace(args)})
	case "cancel":
		s.submit(c, models.Command{Action: models.ActionCancel})
	case "stop":
		s.submit(c, models.Command{Action: models.ActionExit})
	case "home":
		s.submit(c, models.Command{Action: models.ActionReset})
		c.notify(localization.KeyHome)
	case "help":
		c.notify(localization.KeyWelcome)
	default:
		c.notifyText(c.Localizer.ErrorText(c.lang, chathub.CodeInvalidCommand))
	}
}

func (s *BotService) submit(c *Client, cmd models.Command) {
	cmd.UserID = c.UserID
	if cmd.Action == models.ActionCounselor && cmd.Persona == "" {
		cmd.Persona = "counselor"
	}
	if !s.Hub.Submit(cmd) {
		s.log.Warn("Hub stopped, command dropped", "user_id", c.UserID, "action", cmd.Action)
	}
}

// getOrCreateClient retrieves the registered client of a chat or registers a new one.
func (s *BotService) getOrCreateClient(chatID int64, lang string) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A closed client was released by the hub (replaced or shut down).
	if existing, ok := s.clients[chatID]; ok && !existing.isClosed() {
		existing.setLang(lang)
		return existing
	}

	c := NewClient(chatID, UserIDForChat(chatID), s.BotAPI, s.Localizer, lang, s.log)
	if !s.Hub.Register(c) {
		s.log.Warn("Hub stopped, cannot register chat", "chat_id", chatID)
		return nil
	}
	s.clients[chatID] = c
	return c
}

// extractMessageContent uniformly extracts text or a caption from a message.
func extractMessageContent(msg *tgbotapi.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}
