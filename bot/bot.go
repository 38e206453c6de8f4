// Package bot answers the Telegram commands users send to the alert bot.
package bot

import (
	"cents-notifier/pkg/availability"
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

const (
	// Long enough for a fetch that uses all of its retries.
	commandTimeout = 90 * time.Second

	// Telegram rejects messages above 4096 characters.
	messageLimit = 4000

	genericFailure = "❌ An error occurred. Please try again."
	checkFailure   = "❌ Failed to check spots. Try again later."
)

var errFetchFailed = errors.New("availability fetch failed")

// Fetcher retrieves the current sessions on demand.
type Fetcher interface {
	Fetch(ctx context.Context) ([]*availability.Record, bool)
}

// Subscribers is the subscriber store as seen by commands.
type Subscribers interface {
	Add(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Count(ctx context.Context) int
	Durable() bool
	BackendName() string
}

// Commands implements the bot's command handlers.
type Commands struct {
	fetcher     Fetcher
	subscribers Subscribers
	logger      *slog.Logger
	interval    time.Duration
}

// New creates the command handlers. interval is only used in help text.
func New(fetcher Fetcher, subscribers Subscribers, logger *slog.Logger, interval time.Duration) *Commands {
	return &Commands{
		fetcher:     fetcher,
		subscribers: subscribers,
		logger:      logger,
		interval:    interval,
	}
}

// Menu is the command list shown by Telegram clients.
func Menu() []tele.Command {
	return []tele.Command{
		{Text: "start", Description: "Subscribe & get your Chat ID"},
		{Text: "status", Description: "Check bot status & available spots"},
		{Text: "id", Description: "Show your Chat ID"},
		{Text: "check", Description: "Check for available spots NOW"},
		{Text: "stop", Description: "Unsubscribe from alerts"},
		{Text: "help", Description: "Show the help message"},
	}
}

// Register installs the handlers on b and publishes the command menu.
func (c *Commands) Register(b *tele.Bot) {
	b.Handle("/start", c.handleStart)
	b.Handle("/stop", c.handleStop)
	b.Handle("/status", c.handleStatus)
	b.Handle("/check", c.handleCheck)
	b.Handle("/id", c.handleID)
	b.Handle("/help", c.handleHelp)
	b.Handle(tele.OnText, c.handleText)

	if err := b.SetCommands(Menu()); err != nil {
		c.logger.Warn("Failed to register command menu", "error", err)
	}
}

func (c *Commands) handleStart(tc tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	name := ""
	if u := tc.Sender(); u != nil {
		name = u.FirstName
	}
	msg, err := c.Start(ctx, chatID(tc), name)
	if err != nil {
		return c.fail(tc, "start", err, genericFailure)
	}
	return reply(tc, msg)
}

func (c *Commands) handleStop(tc tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	msg, err := c.Stop(ctx, chatID(tc))
	if err != nil {
		return c.fail(tc, "stop", err, genericFailure)
	}
	return reply(tc, msg)
}

func (c *Commands) handleStatus(tc tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	return reply(tc, c.Status(ctx, chatID(tc)))
}

func (c *Commands) handleCheck(tc tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := tc.Send("🔍 Checking CISIA for available spots..."); err != nil {
		c.logger.Warn("Failed to acknowledge check", "chat_id", chatID(tc), "error", err)
	}

	chunks, err := c.Check(ctx)
	if err != nil {
		return c.fail(tc, "check", err, checkFailure)
	}
	for _, chunk := range chunks {
		if err := reply(tc, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *Commands) handleID(tc tele.Context) error {
	return reply(tc, IDMessage(chatID(tc)))
}

func (c *Commands) handleHelp(tc tele.Context) error {
	return reply(tc, c.Help())
}

func (c *Commands) handleText(tc tele.Context) error {
	if isCommand(tc.Text()) {
		c.logger.Debug("Ignoring unknown command", "chat_id", chatID(tc), "text", tc.Text())
		return nil
	}
	return reply(tc, EchoMessage(chatID(tc)))
}

// isCommand reports whether text is a slash command. Unknown commands get no reply.
func isCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}

// Start subscribes the chat and returns the welcome message.
func (c *Commands) Start(ctx context.Context, id int64, name string) (string, error) {
	if err := c.subscribers.Add(ctx, strconv.FormatInt(id, 10)); err != nil {
		return "", fmt.Errorf("subscribe %d: %w", id, err)
	}
	c.logger.Info("New subscriber", "chat_id", id)

	if strings.TrimSpace(name) == "" {
		name = "User"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "👋 <b>Welcome, %s!</b>\n\n", html.EscapeString(name))
	b.WriteString("🔔 <b>CENT@CASA/HOME Alerts Bot</b>\n\n")
	fmt.Fprintf(&b, "🔑 Your Chat ID:\n<code>%d</code>\n\n", id)
	b.WriteString("✅ You're now subscribed to CENT@CASA/HOME alerts!\n")
	b.WriteString("You'll get instant notifications when spots open.\n\n")
	b.WriteString("Send /help for more commands.")
	return b.String(), nil
}

// Stop unsubscribes the chat.
func (c *Commands) Stop(ctx context.Context, id int64) (string, error) {
	if err := c.subscribers.Remove(ctx, strconv.FormatInt(id, 10)); err != nil {
		return "", fmt.Errorf("unsubscribe %d: %w", id, err)
	}
	c.logger.Info("Subscriber removed", "chat_id", id)
	return "🔕 You've been unsubscribed from alerts.\nSend /start to re-subscribe anytime.", nil
}

// Status fetches the sessions live and reports counts and the storage in use.
func (c *Commands) Status(ctx context.Context, id int64) string {
	records, ok := c.fetcher.Fetch(ctx)
	available := availability.Available(records)

	storage := "📝 In-Memory"
	if c.subscribers.Durable() {
		storage = "✅ " + c.subscribers.BackendName()
	}

	var b strings.Builder
	b.WriteString("🤖 <b>Bot Status: ONLINE</b>\n\n")
	if !ok {
		b.WriteString("⚠️ CISIA could not be reached right now\n")
	}
	fmt.Fprintf(&b, "📊 CENT@CASA/HOME Sessions: %d\n", len(records))
	fmt.Fprintf(&b, "🟢 Available spots: %d\n", len(available))
	fmt.Fprintf(&b, "👥 Subscribers: %d\n", c.subscribers.Count(ctx))
	fmt.Fprintf(&b, "💾 Storage: %s\n\n", html.EscapeString(storage))
	fmt.Fprintf(&b, "Your ID: <code>%d</code>", id)
	return b.String()
}

// Check fetches the sessions live and lists the bookable ones. The listing is
// split into several messages when it does not fit into one.
func (c *Commands) Check(ctx context.Context) ([]string, error) {
	records, ok := c.fetcher.Fetch(ctx)
	if !ok {
		return nil, errFetchFailed
	}

	available := availability.Available(records)
	if len(available) == 0 {
		return []string{fmt.Sprintf("🔴 <b>No spots currently available</b>\n\nTotal CENT@CASA/HOME sessions: %d", len(records))}, nil
	}

	blocks := make([]string, 0, len(available)+2)
	blocks = append(blocks, "🟢 <b>SPOTS AVAILABLE!</b>\n\n")
	for _, r := range available {
		blocks = append(blocks, sessionBlock(r))
	}
	blocks = append(blocks, fmt.Sprintf("👉 <a href=%q><b>BOOK NOW</b></a>", availability.BookingURL))
	return pack(blocks, messageLimit), nil
}

// Help describes the commands.
func (c *Commands) Help() string {
	var b strings.Builder
	b.WriteString("🤖 <b>CENT@CASA/HOME Alert Bot</b>\n\n")
	b.WriteString("<b>Commands:</b>\n")
	for _, cmd := range Menu() {
		fmt.Fprintf(&b, "/%s - %s\n", cmd.Text, html.EscapeString(cmd.Description))
	}
	b.WriteString("\n<b>How it works:</b>\n")
	fmt.Fprintf(&b, "✅ Bot checks CISIA every %s\n", humanInterval(c.interval))
	b.WriteString("🔔 You'll get instant alerts when spots open\n")
	b.WriteString("⏰ No spam - only NEW spots trigger alerts")
	return b.String()
}

// IDMessage tells the user their chat id.
func IDMessage(id int64) string {
	return fmt.Sprintf("🔑 Your Chat ID:\n<code>%d</code>", id)
}

// EchoMessage answers any text that is not a command.
func EchoMessage(id int64) string {
	return fmt.Sprintf("💬 <b>Message received</b>\n\nYour Chat ID: <code>%d</code>\nSend /help for available commands.", id)
}

func sessionBlock(r *availability.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🏫 <b>%s</b>\n", html.EscapeString(r.University))
	fmt.Fprintf(&b, "📍 %s\n", html.EscapeString(r.City))
	fmt.Fprintf(&b, "📅 Test Date: %s\n", html.EscapeString(r.TestDate))
	fmt.Fprintf(&b, "⏰ Deadline: %s\n", html.EscapeString(r.Deadline))
	fmt.Fprintf(&b, "🎫 Spots: %s\n\n", html.EscapeString(r.Spots))
	return b.String()
}

// pack joins blocks into messages of at most limit bytes without splitting a
// block, so HTML tags are never cut in half. A single oversized block becomes
// its own message.
func pack(blocks []string, limit int) []string {
	var out []string
	var cur strings.Builder
	for _, block := range blocks {
		if cur.Len() > 0 && cur.Len()+len(block) > limit {
			out = append(out, strings.TrimRight(cur.String(), "\n"))
			cur.Reset()
		}
		cur.WriteString(block)
	}
	if cur.Len() > 0 {
		out = append(out, strings.TrimRight(cur.String(), "\n"))
	}
	return out
}

func humanInterval(d time.Duration) string {
	if d <= 0 {
		return "30 seconds"
	}
	if d%time.Minute == 0 {
		if m := int(d / time.Minute); m != 1 {
			return fmt.Sprintf("%d minutes", m)
		}
		return "minute"
	}
	if d%time.Second == 0 {
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	}
	return d.String()
}

func (c *Commands) fail(tc tele.Context, command string, err error, msg string) error {
	c.logger.Error("Command failed", "command", command, "chat_id", chatID(tc), "error", err)
	return tc.Send(msg)
}

func reply(tc tele.Context, msg string) error {
	return tc.Send(msg, tele.ModeHTML, tele.NoPreview)
}

func chatID(tc tele.Context) int64 {
	if chat := tc.Chat(); chat != nil {
		return chat.ID
	}
	if u := tc.Sender(); u != nil {
		return u.ID
	}
	return 0
}
