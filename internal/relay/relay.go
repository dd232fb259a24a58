// Package relay runs one user message through assembly, generation and
// persistence.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stupiduntilnot/relaybot/internal/accumulate"
	"github.com/stupiduntilnot/relaybot/internal/assembler"
	"github.com/stupiduntilnot/relaybot/internal/backend"
	"github.com/stupiduntilnot/relaybot/internal/history"
)

// Appender persists completed turns.
type Appender interface {
	Append(chatID int64, role, text string) error
}

// Service handles inbound messages end to end. Requests for different chats
// run concurrently; requests for the same chat are serialized so history
// reads and appends cannot interleave.
type Service struct {
	assembler       *assembler.Assembler
	generator       backend.Generator
	store           Appender
	log             *zap.Logger
	totalBudget     int
	partialInterval time.Duration

	mu    sync.Mutex
	chats map[int64]*sync.Mutex
}

func NewService(a *assembler.Assembler, g backend.Generator, store Appender, log *zap.Logger, totalBudget int, partialInterval time.Duration) *Service {
	return &Service{
		assembler:       a,
		generator:       g,
		store:           store,
		log:             log,
		totalBudget:     totalBudget,
		partialInterval: partialInterval,
		chats:           map[int64]*sync.Mutex{},
	}
}

func (s *Service) chatLock(chatID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.chats[chatID]
	if !ok {
		l = &sync.Mutex{}
		s.chats[chatID] = l
	}
	return l
}

// HandleMessage assembles the prompt for text, streams the completion, and
// persists both turns once the stream finishes cleanly. notify (may be nil)
// receives periodic partial response text while generation runs. The
// returned error text is meant to be relayed to the requester verbatim.
func (s *Service) HandleMessage(ctx context.Context, chatID int64, text string, notify accumulate.Notify) (string, error) {
	lock := s.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	reqID := uuid.NewString()
	log := s.log.With(zap.String("request_id", reqID), zap.Int64("chat_id", chatID))

	res, err := s.assembler.Assemble(chatID, text)
	if err != nil {
		log.Warn("context assembly failed", zap.Error(err))
		return "", err
	}
	log.Info("context assembled",
		zap.Int("used_tokens", res.UsedTokens),
		zap.Int("included_turns", res.IncludedTurns),
	)

	stream, err := s.generator.Generate(ctx, res.Prompt, s.totalBudget-res.UsedTokens)
	if err != nil {
		log.Warn("generation request failed", zap.Error(err))
		return "", fmt.Errorf("generation failed: %w", err)
	}
	defer stream.Close()

	started := time.Now()
	reply, err := accumulate.Run(ctx, stream, s.partialInterval, notify)
	if err != nil {
		// Partial text is gone; nothing gets persisted.
		log.Warn("generation stream failed", zap.Error(err))
		return "", fmt.Errorf("generation failed: %w", err)
	}
	log.Info("generation completed",
		zap.Duration("latency", time.Since(started)),
		zap.Int("reply_chars", len(reply)),
	)

	// Append both sides only after clean completion. A failure between the
	// two appends leaves a user turn without its answer; surfaced, not
	// retried (at-least-once write).
	if err := s.store.Append(chatID, history.RoleUser, text); err != nil {
		log.Error("failed to persist user turn", zap.Error(err))
		return "", fmt.Errorf("storage failed: %w", err)
	}
	if err := s.store.Append(chatID, history.RoleAssistant, reply); err != nil {
		log.Error("failed to persist assistant turn", zap.Error(err))
		return "", fmt.Errorf("storage failed: %w", err)
	}

	return reply, nil
}
