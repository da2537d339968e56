// Package messaging adapts operator chat channels to the small contract the
// supervisor needs: poll for new updates past a cursor, and send text,
// photos, and typing indicators to a channel.
package messaging

import (
	"context"
	"time"
)

// MaxMessageRunes is the longest chunk sent in one message. Longer texts are
// split on line boundaries where possible.
const MaxMessageRunes = 3800

// Update is one inbound operator message.
type Update struct {
	ID        int64     `json:"update_id"`
	ChannelID int64     `json:"chat_id"`
	UserID    int64     `json:"user_id"`
	Text      string    `json:"text"`
	Date      time.Time `json:"date"`
}

// Client is an operator channel. Poll returns updates whose ID is >= cursor;
// callers advance the cursor to the last ID + 1.
type Client interface {
	Poll(ctx context.Context, cursor int64, timeout time.Duration) ([]Update, error)
	Send(ctx context.Context, channelID int64, text string) error
	SendPhoto(ctx context.Context, channelID int64, photo []byte, caption string) error
	SendTyping(ctx context.Context, channelID int64) error
}

// SplitMessage cuts text into chunks of at most limit runes, preferring to
// break after a newline in the second half of a chunk.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageRunes
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var out []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i >= limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}
