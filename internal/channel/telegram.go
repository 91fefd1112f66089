package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/samber/oops"

	"github.com/stellarlinkco/chatsync/internal/bus"
	"github.com/stellarlinkco/chatsync/internal/config"
)

const (
	telegramChannelName = "telegram"

	// MetaFilePath carries a downloaded attachment to be sent as a file.
	MetaFilePath = "file_path"

	sendCommand    = "send"
	maxForwardRefs = 1024
)

// TelegramBot is the subset of the bot API the bridge uses.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

func (w *tgBotWrapper) GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error) {
	return w.bot.GetFile(config)
}

// BotFactory creates TelegramBot instances.
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel forwards delivered messages to one Telegram chat and
// accepts "/send <contact> <text>" commands or replies to forwarded
// messages.
type TelegramChannel struct {
	BaseChannel
	token      string
	chatID     int64
	bot        TelegramBot
	proxy      string
	httpClient *http.Client
	cancel     context.CancelFunc
	botFactory BotFactory
	downloads  string
	log        *slog.Logger

	mu        sync.Mutex
	forwarded map[int]string // telegram message id -> contact
	order     []int
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, defaultBotFactory)
}

func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, oops.In("telegram").Errorf("telegram token is required")
	}

	ch := &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		chatID:      cfg.ChatID,
		proxy:       cfg.Proxy,
		httpClient:  http.DefaultClient,
		botFactory:  factory,
		downloads:   filepath.Join(os.TempDir(), "chatsync-telegram"),
		log:         slog.Default().With("component", "telegram"),
		forwarded:   make(map[int]string),
	}
	return ch, nil
}

func (t *TelegramChannel) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return oops.In("telegram").With("proxy", t.proxy).Wrapf(err, "parse proxy url")
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}
	t.httpClient = client

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return oops.In("telegram").Wrapf(err, "create telegram bot")
	}
	t.bot = bot
	t.log.Info("authorized", "username", bot.GetSelf().UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil {
					continue
				}
				t.handleMessage(update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	t.log.Info("polling started")
	return nil
}

func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)

	if !t.IsAllowed(senderID) {
		t.log.Warn("rejected message", "sender", senderID, "username", msg.From.UserName)
		return
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	contact, text, ok := t.route(msg, content)
	if !ok {
		t.reply(msg.Chat.ID, "usage: /send <contact> <text>, or reply to a forwarded message")
		return
	}

	meta := map[string]any{
		"username":   msg.From.UserName,
		"message_id": msg.MessageID,
	}
	if msg.Document != nil {
		path, err := t.downloadDocument(msg.Document)
		if err != nil {
			t.log.Warn("download document failed", "file_id", msg.Document.FileID, "error", err)
			t.reply(msg.Chat.ID, "could not download the attachment")
			return
		}
		meta[MetaFilePath] = path
	} else if text == "" {
		return
	}

	t.bus.Inbound <- bus.InboundMessage{
		Channel:   telegramChannelName,
		SenderID:  senderID,
		ChatID:    chatID,
		Contact:   contact,
		Content:   text,
		Timestamp: time.Unix(int64(msg.Date), 0),
		Metadata:  meta,
	}
}

// route resolves the target contact from a /send command or from the
// forwarded message being replied to.
func (t *TelegramChannel) route(msg *tgbotapi.Message, content string) (contact, text string, ok bool) {
	if contact, text, ok := parseSendCommand(content); ok {
		return contact, text, true
	}
	if msg.ReplyToMessage != nil {
		t.mu.Lock()
		contact, found := t.forwarded[msg.ReplyToMessage.MessageID]
		t.mu.Unlock()
		if found {
			return contact, strings.TrimSpace(content), true
		}
	}
	return "", "", false
}

// parseSendCommand splits "/send <contact> <text>". The bot-name suffix
// form "/send@bot" is accepted. The text may be empty when a file is
// attached.
func parseSendCommand(s string) (contact, text string, ok bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "/") {
		return "", "", false
	}
	cmd, rest, _ := strings.Cut(s[1:], " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	if cmd != sendCommand {
		return "", "", false
	}
	rest = strings.TrimSpace(rest)
	contact, text, _ = strings.Cut(rest, " ")
	if contact == "" {
		return "", "", false
	}
	return contact, strings.TrimSpace(text), true
}

func (t *TelegramChannel) downloadDocument(doc *tgbotapi.Document) (string, error) {
	data, err := t.downloadFileData(doc.FileID)
	if err != nil {
		return "", err
	}
	name := filepath.Base(doc.FileName)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = doc.FileUniqueID
	}
	if err := os.MkdirAll(t.downloads, 0755); err != nil {
		return "", oops.In("telegram").Wrapf(err, "create download dir")
	}
	dir, err := os.MkdirTemp(t.downloads, "doc-")
	if err != nil {
		return "", oops.In("telegram").Wrapf(err, "create download dir")
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", oops.In("telegram").Wrapf(err, "write attachment")
	}
	return path, nil
}

func (t *TelegramChannel) downloadFileData(fileID string) ([]byte, error) {
	if t.bot == nil {
		return nil, oops.In("telegram").Errorf("telegram bot not initialized")
	}

	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, oops.In("telegram").Wrapf(err, "get telegram file")
	}

	client := t.httpClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Get(file.Link(t.token))
	if err != nil {
		return nil, oops.In("telegram").Wrapf(err, "download telegram file")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, oops.In("telegram").With("status", resp.StatusCode).Errorf("download telegram file: unexpected status")
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, oops.In("telegram").Wrapf(err, "read telegram file body")
	}
	if len(data) == 0 {
		return nil, oops.In("telegram").Errorf("telegram file is empty")
	}
	return data, nil
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	t.log.Info("stopped")
	return nil
}

func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

// Send delivers msg to its ChatID, or to the configured chat when unset.
// Messages carrying an event are formatted as "[contact] content" and
// remembered so replies route back to the contact.
func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	if t.bot == nil {
		return oops.In("telegram").Errorf("telegram bot not initialized")
	}

	chatID := t.chatID
	if msg.ChatID != "" {
		parsed, err := strconv.ParseInt(msg.ChatID, 10, 64)
		if err != nil {
			return oops.In("telegram").With("chat_id", msg.ChatID).Wrapf(err, "invalid chat id")
		}
		chatID = parsed
	}
	if chatID == 0 {
		return oops.In("telegram").Errorf("no telegram chat configured")
	}

	text := msg.Content
	contact := ""
	if msg.Event != nil {
		contact = msg.Event.Contact
		text = FormatEvent(*msg.Event)
	}

	content := toTelegramHTML(text)

	// Telegram has a 4096 char limit per message.
	const maxLen = 4000
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxLen {
			idx := strings.LastIndex(chunk[:maxLen], "\n")
			if idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:maxLen]
			}
		}
		content = content[len(chunk):]

		tgMsg := tgbotapi.NewMessage(chatID, chunk)
		tgMsg.ParseMode = tgbotapi.ModeHTML
		sent, err := t.bot.Send(tgMsg)
		if err != nil {
			// Retry the whole message as plain text.
			tgMsg.ParseMode = ""
			tgMsg.Text = text
			sent, err = t.bot.Send(tgMsg)
			if err != nil {
				return oops.In("telegram").Wrapf(err, "send telegram message")
			}
			t.remember(sent.MessageID, contact)
			return nil
		}
		t.remember(sent.MessageID, contact)
	}
	return nil
}

func (t *TelegramChannel) remember(messageID int, contact string) {
	if contact == "" || messageID == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forwarded[messageID] = contact
	t.order = append(t.order, messageID)
	for len(t.order) > maxForwardRefs {
		delete(t.forwarded, t.order[0])
		t.order = t.order[1:]
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if t.bot == nil {
		return
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.log.Warn("reply failed", "error", err)
	}
}

// FormatEvent renders a delivered message for a bridge chat.
func FormatEvent(ev bus.MessageEvent) string {
	return fmt.Sprintf("[%s] %s", ev.Contact, ev.Content)
}

// toTelegramHTML escapes HTML entities and converts basic markdown to
// Telegram HTML.
func toTelegramHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	// ```...``` -> <pre>...</pre>
	for {
		start := strings.Index(s, "```")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+3:], "```")
		if end == -1 {
			break
		}
		end += start + 3
		code := s[start+3 : end]
		if nl := strings.Index(code, "\n"); nl >= 0 {
			firstLine := strings.TrimSpace(code[:nl])
			if len(firstLine) > 0 && !strings.Contains(firstLine, " ") {
				code = code[nl+1:]
			}
		}
		s = s[:start] + "<pre>" + code + "</pre>" + s[end+3:]
	}

	s = wrapPairs(s, "`", "<code>", "</code>")
	s = wrapPairs(s, "**", "<b>", "</b>")
	s = wrapPairs(s, "*", "<i>", "</i>")
	return s
}

func wrapPairs(s, marker, open, close string) string {
	for {
		start := strings.Index(s, marker)
		if start == -1 {
			return s
		}
		end := strings.Index(s[start+len(marker):], marker)
		if end == -1 {
			return s
		}
		end += start + len(marker)
		s = s[:start] + open + s[start+len(marker):end] + close + s[end+len(marker):]
	}
}
