package telegram

import (
	"context"
	"fmt"
	"net/http"
	"polyinsider/clients/notifier"
	"polyinsider/config"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// TelegramClient sends alerts to Telegram.
// Implements notifier.Notifier interface.
type TelegramClient struct {
	logger *zap.Logger
	bot    *tgbotapi.BotAPI
	chatID string
	isProd bool
}

// NewTelegramClient returns nil, nil when no bot token is configured.
func NewTelegramClient(logger *zap.Logger, cfg *config.Config) (*TelegramClient, error) {
	return newTelegramClient(logger, cfg, tgbotapi.APIEndpoint, &http.Client{Timeout: 10 * time.Second})
}

func newTelegramClient(logger *zap.Logger, cfg *config.Config, endpoint string, httpClient *http.Client) (*TelegramClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	chatID := cfg.Telegram.BetaChatID
	if cfg.IsProd {
		chatID = cfg.Telegram.ProdChatID
	}

	token := cfg.Telegram.BotToken
	if token == "" {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, Telegram alerts disabled")
		return nil, nil
	}
	if chatID == "" {
		logger.Warn("telegram chat ID not set for stage, Telegram alerts disabled",
			zap.Bool("isProd", cfg.IsProd),
		)
		return nil, nil
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	logger.Info("telegram bot initialized",
		zap.Bool("isProd", cfg.IsProd),
		zap.String("chatID", chatID),
		zap.String("bot", bot.Self.UserName),
	)

	return &TelegramClient{
		logger: logger,
		bot:    bot,
		chatID: chatID,
		isProd: cfg.IsProd,
	}, nil
}

// SendAlert sends an insider alert notification.
// Implements notifier.Notifier interface.
func (tc *TelegramClient) SendAlert(ctx context.Context, alert notifier.InsiderAlert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := tc.newMessage(buildAlertMessage(alert))
	if err != nil {
		return err
	}
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true

	if _, err := tc.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}

	tc.logger.Info("sent telegram insider alert",
		zap.String("alertID", alert.ID),
		zap.String("wallet", shortAddress(alert.Wallet)),
		zap.String("tier", alert.Tier),
	)
	return nil
}

// newMessage addresses numeric chat IDs directly and @names as channels.
func (tc *TelegramClient) newMessage(text string) (tgbotapi.MessageConfig, error) {
	if strings.HasPrefix(tc.chatID, "@") {
		return tgbotapi.NewMessageToChannel(tc.chatID, text), nil
	}
	id, err := strconv.ParseInt(tc.chatID, 10, 64)
	if err != nil {
		return tgbotapi.MessageConfig{}, fmt.Errorf("invalid telegram chat ID %q: %w", tc.chatID, err)
	}
	return tgbotapi.NewMessage(id, text), nil
}

// Close cleans up resources. Implements notifier.Notifier interface.
func (tc *TelegramClient) Close() error {
	return nil
}

func buildAlertMessage(alert notifier.InsiderAlert) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s *%s*\n", tierEmoji(alert.Tier), escapeMarkdown(alert.Title())))
	sb.WriteString(field("Confidence", fmt.Sprintf("%.1f (%s)", alert.Confidence, alert.Tier)))
	sb.WriteString("\n")

	// Market info
	question := alert.MarketQuestion
	if question == "" {
		question = alert.MarketID
	}
	sb.WriteString("*Market:* " + link(question, alert.MarketURL) + "\n")
	if alert.HasExpiry && alert.HoursToExpiry > 0 {
		sb.WriteString(field("Resolves In", formatHours(alert.HoursToExpiry)))
	}
	if alert.Liquidity > 0 {
		sb.WriteString(field("Liquidity", fmt.Sprintf("$%.0f", alert.Liquidity)))
	}
	sb.WriteString("\n")

	// Trader info
	trader := link(shortAddress(alert.Wallet), alert.WalletURL)
	if alert.WalletIsNew {
		trader += " 🆕"
	}
	sb.WriteString("*Trader:* " + trader + "\n")
	sb.WriteString(field("Wallet Activity", fmt.Sprintf("%d records, %d markets, %.2f/h",
		alert.ActivityCount, alert.DistinctMarkets, alert.TradingFrequency)))

	// Trade details
	sideEmoji := "🟢"
	if strings.ToUpper(alert.Side) == "SELL" {
		sideEmoji = "🔴"
	}
	sb.WriteString(fmt.Sprintf("*Side:* %s %s\n", sideEmoji, escapeMarkdown(alert.Side)))
	sb.WriteString(field("Trade", fmt.Sprintf("%.2f shares @ $%.3f", alert.Shares, alert.Price)))
	sb.WriteString(field("Notional", fmt.Sprintf("$%.2f", alert.Notional)))

	// Patterns
	if len(alert.Patterns) > 0 {
		sb.WriteString("\n*Patterns:*\n")
		for _, p := range alert.Patterns {
			sb.WriteString(escapeMarkdown(fmt.Sprintf("• %s (%.0f, %s): %s", p.Type, p.Confidence, p.Severity, p.Description)))
			sb.WriteString("\n")
		}
	}

	ts := alert.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	sb.WriteString("\n_" + escapeMarkdown("polyinsider • "+ts.UTC().Format("2006-01-02 15:04:05 MST")) + "_")

	return sb.String()
}

func field(label, value string) string {
	return fmt.Sprintf("*%s:* %s\n", escapeMarkdown(label), escapeMarkdown(value))
}

func link(text, url string) string {
	if url == "" {
		return escapeMarkdown(text)
	}
	return fmt.Sprintf("[%s](%s)", escapeMarkdown(text), escapeURL(url))
}

func tierEmoji(tier string) string {
	switch tier {
	case notifier.TierCritical:
		return "🚨"
	case notifier.TierHigh:
		return "⚠️"
	case notifier.TierMedium:
		return "🔎"
	default:
		return "ℹ️"
	}
}

func formatHours(h float64) string {
	if h < 1 {
		return fmt.Sprintf("%.0fm", h*60)
	}
	if h < 48 {
		return fmt.Sprintf("%.1fh", h)
	}
	return fmt.Sprintf("%.1fd", h/24)
}

func shortAddress(addr string) string {
	if len(addr) <= 14 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-6:]
}

var markdownReplacer = strings.NewReplacer(
	"\\", "\\\\",
	"_", "\\_",
	"*", "\\*",
	"[", "\\[",
	"]", "\\]",
	"(", "\\(",
	")", "\\)",
	"~", "\\~",
	"`", "\\`",
	">", "\\>",
	"#", "\\#",
	"+", "\\+",
	"-", "\\-",
	"=", "\\=",
	"|", "\\|",
	"{", "\\{",
	"}", "\\}",
	".", "\\.",
	"!", "\\!",
)

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	return markdownReplacer.Replace(s)
}

// escapeURL escapes the characters MarkdownV2 reserves inside link targets.
func escapeURL(s string) string {
	return strings.NewReplacer("\\", "\\\\", ")", "\\)").Replace(s)
}
