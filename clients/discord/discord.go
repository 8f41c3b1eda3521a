package discord

import (
	"context"
	"fmt"
	"polyinsider/clients/notifier"
	"polyinsider/config"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Embed colours per risk tier.
const (
	colorCritical = 0x8E44AD
	colorHigh     = 0xE74C3C
	colorMedium   = 0xF39C12
	colorLow      = 0x95A5A6
)

// embedSender is the part of *discordgo.Session the client uses.
type embedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Close() error
}

// DiscordClient sends alerts to Discord.
// Implements notifier.Notifier interface.
type DiscordClient struct {
	logger    *zap.Logger
	session   embedSender
	channelID string
	isProd    bool
}

// NewDiscordClient returns nil, nil when no bot token is configured.
func NewDiscordClient(logger *zap.Logger, cfg *config.Config) (*DiscordClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	channelID := cfg.Discord.BetaChannelID
	if cfg.IsProd {
		channelID = cfg.Discord.ProdChannelID
	}

	token := cfg.Discord.BotToken
	if token == "" {
		logger.Warn("DISCORD_BOT_TOKEN not set, Discord alerts disabled")
		return nil, nil
	}
	if channelID == "" {
		logger.Warn("discord channel ID not set for stage, Discord alerts disabled",
			zap.Bool("isProd", cfg.IsProd),
		)
		return nil, nil
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	logger.Info("discord bot initialized",
		zap.Bool("isProd", cfg.IsProd),
		zap.String("channelID", channelID),
	)

	return &DiscordClient{
		logger:    logger,
		session:   session,
		channelID: channelID,
		isProd:    cfg.IsProd,
	}, nil
}

// SendAlert sends a rich embedded insider alert.
// Implements notifier.Notifier interface.
func (dc *DiscordClient) SendAlert(ctx context.Context, alert notifier.InsiderAlert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	embed := buildAlertEmbed(alert)

	if _, err := dc.session.ChannelMessageSendEmbed(dc.channelID, embed, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send discord embed: %w", err)
	}

	dc.logger.Info("sent discord insider alert",
		zap.String("alertID", alert.ID),
		zap.String("wallet", shortAddress(alert.Wallet)),
		zap.String("tier", alert.Tier),
	)
	return nil
}

func buildAlertEmbed(alert notifier.InsiderAlert) *discordgo.MessageEmbed {
	sideEmoji := "🟢"
	if strings.ToUpper(alert.Side) == "SELL" {
		sideEmoji = "🔴"
	}

	trader := shortAddress(alert.Wallet)
	if alert.WalletURL != "" {
		trader = fmt.Sprintf("[%s](%s)", trader, alert.WalletURL)
	}
	if alert.WalletIsNew {
		trader += " 🆕"
	}

	fields := []*discordgo.MessageEmbedField{
		{
			Name:   "Trader",
			Value:  trader,
			Inline: true,
		},
		{
			Name:   "Side",
			Value:  fmt.Sprintf("%s %s", sideEmoji, alert.Side),
			Inline: true,
		},
		{
			Name:   "Trade",
			Value:  fmt.Sprintf("%.2f shares @ $%.3f", alert.Shares, alert.Price),
			Inline: true,
		},
		{
			Name:   "Notional",
			Value:  fmt.Sprintf("$%.2f", alert.Notional),
			Inline: true,
		},
		{
			Name:   "Confidence",
			Value:  fmt.Sprintf("%.1f (%s)", alert.Confidence, alert.Tier),
			Inline: true,
		},
		{
			Name:   "Wallet Activity",
			Value:  fmt.Sprintf("%d records, %d markets", alert.ActivityCount, alert.DistinctMarkets),
			Inline: true,
		},
	}

	if alert.HasExpiry && alert.HoursToExpiry > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Resolves In",
			Value:  fmt.Sprintf("%.1fh", alert.HoursToExpiry),
			Inline: true,
		})
	}

	if len(alert.Patterns) > 0 {
		lines := make([]string, 0, len(alert.Patterns))
		for _, p := range alert.Patterns {
			lines = append(lines, fmt.Sprintf("**%s** (%.0f, %s)\n%s", p.Type, p.Confidence, p.Severity, p.Description))
		}
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Patterns",
			Value: truncate(strings.Join(lines, "\n"), 1024),
		})
	}

	question := alert.MarketQuestion
	if question == "" {
		question = alert.MarketID
	}
	description := fmt.Sprintf("**%s**", question)
	if alert.MarketURL != "" {
		description = fmt.Sprintf("**[%s](%s)**", question, alert.MarketURL)
	}

	ts := alert.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return &discordgo.MessageEmbed{
		Title:       alert.Title(),
		URL:         alert.WalletURL,
		Description: description,
		Color:       tierColor(alert.Tier),
		Fields:      fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("polyinsider * %s", ts.UTC().Format("2006-01-02 15:04:05 MST")),
		},
		Timestamp: ts.Format(time.RFC3339),
	}
}

func tierColor(tier string) int {
	switch tier {
	case notifier.TierCritical:
		return colorCritical
	case notifier.TierHigh:
		return colorHigh
	case notifier.TierMedium:
		return colorMedium
	default:
		return colorLow
	}
}

// truncate keeps s within Discord's field limit.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func shortAddress(addr string) string {
	if len(addr) <= 14 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-6:]
}

// Close closes the Discord session.
func (dc *DiscordClient) Close() error {
	if dc.session != nil {
		return dc.session.Close()
	}
	return nil
}
