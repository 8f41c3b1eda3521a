package clients

import (
	"polyinsider/clients/chain"
	"polyinsider/clients/discord"
	"polyinsider/clients/notifier"
	"polyinsider/clients/polymarketapi"
	"polyinsider/clients/polymarketevents"
	"polyinsider/clients/subgraph"
	"polyinsider/clients/telegram"
	"polyinsider/config"
	"polyinsider/internal/resilience"

	"go.uber.org/zap"
)

type Clients struct {
	Logger *zap.Logger

	Discord          *discord.DiscordClient
	Telegram         *telegram.TelegramClient
	Notifier         notifier.Notifier // Combined notifier for all channels
	Polymarket       *polymarketapi.PolymarketApiClient
	PolymarketEvents *polymarketevents.PolymarketEventsClient
	Subgraph         *subgraph.Client
	Chain            *chain.Client // nil without a Polygon RPC URL
}

func NewClients(logger *zap.Logger, cfg *config.Config) *Clients {
	log := logger
	if log == nil {
		log = zap.NewNop()
	}

	c := &Clients{
		Logger:     logger,
		Polymarket: polymarketapi.NewPolymarketApiClient(logger, cfg),
	}

	// Disabled or misconfigured channels stay nil; a typed nil must never
	// reach the MultiNotifier.
	var channels []notifier.Notifier

	discordClient, err := discord.NewDiscordClient(logger, cfg)
	if err != nil {
		log.Error("discord notifier unavailable", zap.Error(err))
	} else if discordClient != nil {
		c.Discord = discordClient
		channels = append(channels, discordClient)
	}

	telegramClient, err := telegram.NewTelegramClient(logger, cfg)
	if err != nil {
		log.Error("telegram notifier unavailable", zap.Error(err))
	} else if telegramClient != nil {
		c.Telegram = telegramClient
		channels = append(channels, telegramClient)
	}

	multi := notifier.NewMultiNotifier(channels...)
	if multi.Count() == 0 {
		log.Warn("no notification channels configured, alerts will only be logged")
	}
	c.Notifier = multi

	if cfg.Sources.UseWebSocket {
		c.PolymarketEvents = polymarketevents.NewPolymarketEventsClient(logger, cfg.Polymarket.WebSocketURL)
	}
	if cfg.Sources.UseSubgraph {
		c.Subgraph = subgraph.NewClient(logger, cfg)
	}

	chainClient, err := chain.NewClient(logger, cfg)
	if err != nil {
		log.Error("polygon funding lookups unavailable", zap.Error(err))
	} else if chainClient != nil {
		c.Chain = chainClient
	}

	return c
}

// Guards returns every upstream guard for health reporting.
func (c *Clients) Guards() []*resilience.Guard {
	guards := c.Polymarket.Guards()
	if c.Subgraph != nil {
		guards = append(guards, c.Subgraph.Guard())
	}
	if c.Chain != nil {
		guards = append(guards, c.Chain.Guard())
	}
	return guards
}
