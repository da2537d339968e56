package messaging

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limited wraps a Client with a token-bucket limit on outbound calls. Poll
// is not limited.
type Limited struct {
	next    Client
	limiter *rate.Limiter
}

// NewLimited allows perSec sends per second with the given burst. A
// non-positive perSec disables limiting.
func NewLimited(next Client, perSec float64, burst int) *Limited {
	limit := rate.Inf
	if perSec > 0 {
		limit = rate.Limit(perSec)
	}
	if burst < 1 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limited) Poll(ctx context.Context, cursor int64, timeout time.Duration) ([]Update, error) {
	return l.next.Poll(ctx, cursor, timeout)
}

func (l *Limited) Send(ctx context.Context, channelID int64, text string) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	return l.next.Send(ctx, channelID, text)
}

func (l *Limited) SendPhoto(ctx context.Context, channelID int64, photo []byte, caption string) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	return l.next.SendPhoto(ctx, channelID, photo, caption)
}

// SendTyping drops the indicator instead of waiting when over the limit.
func (l *Limited) SendTyping(ctx context.Context, channelID int64) error {
	if !l.limiter.Allow() {
		return nil
	}
	return l.next.SendTyping(ctx, channelID)
}

func (l *Limited) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}
