package service

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// ChatLimiter paces sends per destination chat and across the process.
type ChatLimiter struct {
	global  *rate.Limiter
	perChat rate.Limit
	burst   int

	mu    sync.Mutex
	chats map[string]*rate.Limiter
}

func NewChatLimiter(global, perChat rate.Limit, burst int) *ChatLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ChatLimiter{
		global:  rate.NewLimiter(global, burst),
		perChat: perChat,
		burst:   burst,
		chats:   make(map[string]*rate.Limiter),
	}
}

func (l *ChatLimiter) Wait(ctx context.Context, chatID string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	lim, ok := l.chats[chatID]
	if !ok {
		lim = rate.NewLimiter(l.perChat, l.burst)
		l.chats[chatID] = lim
	}
	l.mu.Unlock()

	if err := l.global.Wait(ctx); err != nil {
		return err
	}
	return lim.Wait(ctx)
}
