package main

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stupiduntilnot/relaybot/internal/accumulate"
	"github.com/stupiduntilnot/relaybot/internal/assembler"
	"github.com/stupiduntilnot/relaybot/internal/backend"
	"github.com/stupiduntilnot/relaybot/internal/config"
	"github.com/stupiduntilnot/relaybot/internal/control"
	"github.com/stupiduntilnot/relaybot/internal/history"
	"github.com/stupiduntilnot/relaybot/internal/prompt"
	"github.com/stupiduntilnot/relaybot/internal/relay"
	"github.com/stupiduntilnot/relaybot/internal/telegram"
	"github.com/stupiduntilnot/relaybot/internal/tokenizer"
)

func newLogger() *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if os.Getenv("RELAY_DEBUG") != "" {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	// Unknown model names must stop the process here, never fail per call.
	counter, err := tokenizer.New(cfg.ModelName)
	if err != nil {
		logger.Fatal("tokenizer setup failed", zap.Error(err))
	}

	store, err := history.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to open history store", zap.Error(err))
	}
	defer store.Close()
	if err := store.Init(); err != nil {
		logger.Fatal("failed to init history schema", zap.Error(err))
	}

	var strategy prompt.Strategy
	switch cfg.PromptFormat {
	case config.FormatInstruct:
		strategy = prompt.NewInstruct(cfg.SystemPrompt)
	default:
		strategy = prompt.NewChatML(cfg.SystemPrompt)
	}

	asm := assembler.New(counter, store, strategy, assembler.Budget{
		Total:   cfg.MaxTokens,
		History: cfg.HistoryBudget(),
	})
	generator := backend.NewClient(cfg.OpenAIAPIKey, cfg.CompletionsURL, cfg.ModelName)
	service := relay.NewService(asm, generator, store, logger, cfg.MaxTokens,
		time.Duration(cfg.PartialIntervalSeconds)*time.Second)

	// Long-poll requests block up to cfg.Timeout server-side; give the HTTP
	// client headroom on top of that.
	tg := telegram.NewClient(cfg.TelegramAPIBase, time.Duration(cfg.Timeout+10)*time.Second)

	allowed := make(map[int64]struct{}, len(cfg.AllowedUsers))
	for _, id := range cfg.AllowedUsers {
		allowed[id] = struct{}{}
	}

	b := &bot{
		cfg:     cfg,
		tg:      tg,
		service: service,
		allowed: allowed,
		log:     logger,
	}

	logger.Info("relaybot running",
		zap.String("model", cfg.ModelName),
		zap.String("prompt_format", cfg.PromptFormat),
		zap.Int("max_tokens", cfg.MaxTokens),
		zap.Int("history_budget", cfg.HistoryBudget()),
		zap.Int("allowed_users", len(allowed)),
	)
	b.run()
}

type bot struct {
	cfg     config.Config
	tg      *telegram.Client
	service *relay.Service
	allowed map[int64]struct{}
	log     *zap.Logger
}

func (b *bot) run() {
	circuit := control.NewCircuitBreaker(5, 30*time.Second)
	var offset int64

	for {
		if !circuit.Allow(time.Now()) {
			time.Sleep(time.Duration(b.cfg.SleepSeconds) * time.Second)
			continue
		}

		updates, err := b.tg.GetUpdates(offset, b.cfg.Timeout)
		if err != nil {
			b.log.Warn("getUpdates failed", zap.Error(err))
			circuit.RecordFailure(time.Now())
			time.Sleep(time.Duration(b.cfg.SleepSeconds) * time.Second)
			continue
		}
		circuit.RecordSuccess()

		for _, update := range updates {
			offset = update.UpdateID + 1
			if update.Message == nil || update.Message.Text == nil {
				continue
			}
			text := *update.Message.Text
			if text == "" {
				continue
			}
			b.dispatch(update.Message, text)
		}
	}
}

func (b *bot) dispatch(msg *telegram.Message, text string) {
	chatID := msg.Chat.ID

	if msg.From == nil {
		return
	}
	if _, ok := b.allowed[msg.From.ID]; !ok {
		b.log.Info("rejected message from unlisted user",
			zap.Int64("user_id", msg.From.ID), zap.Int64("chat_id", chatID))
		b.send(chatID, "unauthorized")
		return
	}

	switch text {
	case "/start":
		b.send(chatID, "Hi! Send me a message and I'll answer, keeping our conversation in mind.")
	case "/help":
		b.send(chatID, "Help!")
	default:
		// Different chats run concurrently; the relay serializes requests
		// within a chat.
		go b.handleChat(chatID, text)
	}
}

func (b *bot) handleChat(chatID int64, text string) {
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(b.cfg.RequestTimeoutSeconds)*time.Second)
	defer cancel()

	// The first partial creates the reply message; later partials and the
	// final text edit it in place.
	var msgID int64
	notify := accumulate.Notify(func(partial string) {
		if msgID == 0 {
			id, err := b.tg.SendMessage(chatID, partial)
			if err != nil {
				b.log.Warn("failed to send partial", zap.Int64("chat_id", chatID), zap.Error(err))
				return
			}
			msgID = id
			return
		}
		if err := b.tg.EditMessageText(chatID, msgID, partial); err != nil {
			b.log.Warn("failed to edit partial", zap.Int64("chat_id", chatID), zap.Error(err))
		}
	})

	reply, err := b.service.HandleMessage(ctx, chatID, text, notify)
	if err != nil {
		// Error text is relayed verbatim; the process keeps running.
		b.send(chatID, "An error occurred: "+err.Error())
		return
	}

	if msgID != 0 {
		if err := b.tg.EditMessageText(chatID, msgID, reply); err != nil {
			b.log.Warn("failed to edit final reply", zap.Int64("chat_id", chatID), zap.Error(err))
		}
		return
	}
	b.send(chatID, reply)
}

func (b *bot) send(chatID int64, text string) {
	if _, err := b.tg.SendMessage(chatID, text); err != nil {
		b.log.Warn("failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}
