package telegram

import (
	"confidant/backend/internal/chathub"
	"confidant/backend/internal/counselor"
	"confidant/backend/internal/localization"
	"confidant/backend/internal/pii"
	"confidant/backend/internal/storage"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// fakeBotAPI records what the bot sends.
type fakeBotAPI struct {
	mu      sync.Mutex
	nextID  int
	sent    map[int64][]string
	deleted []int
}

func newFakeBotAPI() *fakeBotAPI {
	return &fakeBotAPI{sent: make(map[int64][]string)}
}

func (f *fakeBotAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent[msg.ChatID] = append(f.sent[msg.ChatID], msg.Text)
	}
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeBotAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if del, ok := c.(tgbotapi.DeleteMessageConfig); ok {
		f.deleted = append(f.deleted, del.MessageID)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBotAPI) texts(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[chatID]...)
}

func (f *fakeBotAPI) received(chatID int64, want string) bool {
	for _, text := range f.texts(chatID) {
		if strings.Contains(text, want) {
			return true
		}
	}
	return false
}

func (f *fakeBotAPI) deletedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

type fixture struct {
	bot   *BotService
	api   *fakeBotAPI
	hub   *chathub.ManagerService
	store *storage.MemoryStore
	loc   *localization.Localizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	store := storage.NewMemoryStore()
	guard, err := pii.NewGuard()
	require.NoError(t, err)
	loc, err := localization.NewDefaultLocalizer()
	require.NoError(t, err)

	hub := chathub.NewManagerService(chathub.Services{
		Matcher:   chathub.NewMatcherService(store, log),
		Channel:   chathub.NewChannel(store, guard, log),
		Teardown:  chathub.NewTeardown(store, log),
		Counselor: counselor.NewService(counselor.NewEchoCompleter(), loc.GetString("pt", localization.KeyFallbackReply), log),
	}, log)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	api := newFakeBotAPI()
	return &fixture{bot: newBotService(api, hub, loc, "pt", log), api: api, hub: hub, store: store, loc: loc}
}

func command(chatID int64, text string) tgbotapi.Update {
	name := strings.SplitN(text, " ", 2)[0]
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: int(time.Now().UnixNano() % 1e6),
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
		Chat:      tgbotapi.Chat{ID: chatID},
	}}
}

func text(chatID int64, body string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{Text: body, Chat: tgbotapi.Chat{ID: chatID}}}
}

func voice(chatID int64, seconds int) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{Voice: &tgbotapi.Voice{Duration: seconds}, Chat: tgbotapi.Chat{ID: chatID}}}
}

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func TestUserIDForChat_StableAndDistinct(t *testing.T) {
	assert.Equal(t, UserIDForChat(42), UserIDForChat(42))
	assert.NotEqual(t, UserIDForChat(42), UserIDForChat(43))
	assert.NotContains(t, UserIDForChat(42), "42")
}

func TestBot_StrangerChat(t *testing.T) {
	f := newFixture(t)
	const alice, bob = int64(1001), int64(1002)
	say := func(key string) string { return f.loc.GetString("pt", key) }

	f.bot.HandleUpdate(command(alice, "/start"))
	assert.Eventually(t, func() bool { return f.api.received(alice, say(localization.KeySearching)) }, waitFor, tick)

	f.bot.HandleUpdate(command(bob, "/start"))
	assert.Eventually(t, func() bool {
		return f.api.received(alice, say(localization.KeyPaired)) && f.api.received(bob, say(localization.KeyPaired))
	}, waitFor, tick)

	f.bot.HandleUpdate(text(alice, "Oi! Tudo bem por aí?"))
	assert.Eventually(t, func() bool { return f.api.received(bob, "Oi! Tudo bem por aí?") }, waitFor, tick)
	assert.False(t, f.api.received(alice, "Oi! Tudo bem por aí?"), "own messages are not echoed")

	f.bot.HandleUpdate(voice(bob, 15))
	assert.Eventually(t, func() bool { return f.api.received(alice, "🎤 15s") }, waitFor, tick)

	f.bot.HandleUpdate(command(alice, "/stop"))
	assert.Eventually(t, func() bool { return f.api.received(bob, say(localization.KeyPartnerLeft)) }, waitFor, tick)
	assert.Eventually(t, func() bool { return f.api.received(alice, say(localization.KeyChatEnded)) }, waitFor, tick)
	assert.False(t, f.api.received(bob, say(localization.KeyChatEnded)), "the partner sees partner_left only")
}

func TestBot_PIIWarningIsDeleted(t *testing.T) {
	f := newFixture(t)
	const alice, bob = int64(2001), int64(2002)

	f.bot.HandleUpdate(command(alice, "/start"))
	f.bot.HandleUpdate(command(bob, "/start"))
	paired := f.loc.GetString("pt", localization.KeyPaired)
	require.Eventually(t, func() bool { return f.api.received(alice, paired) && f.api.received(bob, paired) }, waitFor, tick)

	f.bot.HandleUpdate(text(alice, "meu email é ana@exemplo.com"))

	assert.Eventually(t, func() bool { return f.api.received(alice, f.loc.GetString("pt", localization.KeyPIIWarning)) }, waitFor, tick)
	assert.False(t, f.api.received(bob, "ana@exemplo.com"))
	assert.Eventually(t, func() bool { return f.api.deletedCount() == 1 }, 10*time.Second, 50*time.Millisecond)
}

func TestBot_CancelSearch(t *testing.T) {
	f := newFixture(t)
	const alice = int64(3001)

	f.bot.HandleUpdate(command(alice, "/start"))
	assert.Eventually(t, func() bool { return f.api.received(alice, f.loc.GetString("pt", localization.KeySearching)) }, waitFor, tick)

	f.bot.HandleUpdate(command(alice, "/cancel"))
	assert.Eventually(t, func() bool { return f.api.received(alice, f.loc.GetString("pt", localization.KeySearchCancelled)) }, waitFor, tick)

	rooms, err := f.store.FindWaitingRooms(context.Background(), "someone-else", 10)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestBot_CounselorConversation(t *testing.T) {
	f := newFixture(t)
	const alice = int64(4001)

	f.bot.HandleUpdate(command(alice, "/counselor"))
	assert.Eventually(t, func() bool { return f.api.received(alice, "Conselheiro 24") }, waitFor, tick)

	f.bot.HandleUpdate(text(alice, "Estou ansioso"))
	assert.Eventually(t, func() bool { return f.api.received(alice, `"Estou ansioso"`) }, waitFor, tick)

	f.bot.HandleUpdate(command(alice, "/stop"))
	assert.Eventually(t, func() bool { return f.api.received(alice, f.loc.GetString("pt", localization.KeyChatEnded)) }, waitFor, tick)

	f.bot.HandleUpdate(command(alice, "/home"))
	assert.Eventually(t, func() bool { return f.api.received(alice, f.loc.GetString("pt", localization.KeyHome)) }, waitFor, tick)
}

func TestBot_ErrorsAreLocalized(t *testing.T) {
	f := newFixture(t)
	const alice = int64(5001)

	f.bot.HandleUpdate(text(alice, "alguém aí?"))
	assert.Eventually(t, func() bool { return f.api.received(alice, f.loc.ErrorText("pt", chathub.CodeNotInChat)) }, waitFor, tick)

	f.bot.HandleUpdate(command(alice, "/dance"))
	assert.Eventually(t, func() bool { return f.api.received(alice, f.loc.ErrorText("pt", chathub.CodeInvalidCommand)) }, waitFor, tick)

	f.bot.HandleUpdate(tgbotapi.Update{Message: &tgbotapi.Message{Chat: tgbotapi.Chat{ID: alice}}})
	assert.Eventually(t, func() bool { return f.api.received(alice, f.loc.GetString("pt", localization.KeyUnsupportedMessage)) }, waitFor, tick)
}

func TestBot_ReusesClientPerChat(t *testing.T) {
	f := newFixture(t)
	const alice = int64(6001)

	f.bot.HandleUpdate(command(alice, "/help"))
	f.bot.HandleUpdate(command(alice, "/help"))

	assert.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, waitFor, tick)
	c, ok := f.hub.Client(UserIDForChat(alice))
	require.True(t, ok)
	assert.Same(t, f.bot.clients[alice], c)
	assert.Len(t, f.api.texts(alice), 2)
}
