package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// sendAttempts is how many times an outbound call is tried.
const sendAttempts = 3

// Telegram talks to the Telegram Bot HTTP API.
type Telegram struct {
	base   string
	client *http.Client
	log    *slog.Logger

	// retryDelay returns the pause before retry n (0-based). Tests zero it.
	retryDelay func(n int) time.Duration
}

// NewTelegram creates a client for the bot identified by token. apiBase is
// normally https://api.telegram.org.
func NewTelegram(apiBase, token string, log *slog.Logger) *Telegram {
	return &Telegram{
		base:   fmt.Sprintf("%s/bot%s", apiBase, token),
		client: &http.Client{Timeout: 60 * time.Second},
		log:    log.With("component", "telegram"),
		retryDelay: func(n int) time.Duration {
			return time.Duration(float64(n+1) * 0.8 * float64(time.Second))
		},
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

type tgUpdate struct {
	UpdateID    int64      `json:"update_id"`
	Message     *tgMessage `json:"message"`
	ChannelPost *tgMessage `json:"channel_post"`
}

type tgMessage struct {
	Date int64  `json:"date"`
	Text string `json:"text"`
	From *struct {
		ID int64 `json:"id"`
	} `json:"from"`
	Chat struct {
		ID int64 `json:"id"`
	} `json:"chat"`
}

// Poll long-polls getUpdates. Updates without text are skipped but still
// returned with empty Text so the cursor advances past them.
func (t *Telegram) Poll(ctx context.Context, cursor int64, timeout time.Duration) ([]Update, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(cursor, 10))
	q.Set("timeout", strconv.Itoa(int(timeout/time.Second)))
	q.Set("allowed_updates", `["message","channel_post"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+"/getUpdates?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build getUpdates: %w", err)
	}
	raw, err := t.do(req)
	if err != nil {
		return nil, err
	}

	var updates []tgUpdate
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("decode getUpdates: %w", err)
	}
	out := make([]Update, 0, len(updates))
	for _, u := range updates {
		upd := Update{ID: u.UpdateID}
		m := u.Message
		if m == nil {
			m = u.ChannelPost
		}
		if m != nil {
			upd.ChannelID = m.Chat.ID
			upd.Text = m.Text
			upd.Date = time.Unix(m.Date, 0)
			if m.From != nil {
				upd.UserID = m.From.ID
			}
		}
		out = append(out, upd)
	}
	return out, nil
}

// Send delivers text, split into chunks the API accepts.
func (t *Telegram) Send(ctx context.Context, channelID int64, text string) error {
	for _, chunk := range SplitMessage(text, MaxMessageRunes) {
		body, _ := json.Marshal(map[string]any{"chat_id": channelID, "text": chunk})
		err := t.retry(ctx, "sendMessage", func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+"/sendMessage", bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SendPhoto uploads a PNG as multipart form data.
func (t *Telegram) SendPhoto(ctx context.Context, channelID int64, photo []byte, caption string) error {
	return t.retry(ctx, "sendPhoto", func() (*http.Request, error) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		_ = mw.WriteField("chat_id", strconv.FormatInt(channelID, 10))
		if caption != "" {
			_ = mw.WriteField("caption", caption)
		}
		fw, err := mw.CreateFormFile("photo", "image.png")
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(photo); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+"/sendPhoto", &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	})
}

// SendTyping shows the typing indicator. It is not retried.
func (t *Telegram) SendTyping(ctx context.Context, channelID int64) error {
	body, _ := json.Marshal(map[string]any{"chat_id": channelID, "action": "typing"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+"/sendChatAction", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sendChatAction: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = t.do(req)
	return err
}

// retry runs build+do up to sendAttempts times. build is called per attempt
// because request bodies are consumed.
func (t *Telegram) retry(ctx context.Context, method string, build func() (*http.Request, error)) error {
	var lastErr error
	for n := range sendAttempts {
		req, err := build()
		if err != nil {
			return fmt.Errorf("build %s: %w", method, err)
		}
		if _, err = t.do(req); err == nil {
			return nil
		}
		lastErr = err
		if n == sendAttempts-1 {
			break
		}
		t.log.Debug("retrying telegram call", "method", method, "attempt", n+1, "err", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.retryDelay(n)):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", method, sendAttempts, lastErr)
}

func (t *Telegram) do(req *http.Request) (json.RawMessage, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram %s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read telegram response: %w", err)
	}
	var ar apiResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return nil, fmt.Errorf("decode telegram response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !ar.OK {
		if ar.Description == "" {
			ar.Description = resp.Status
		}
		return nil, errors.New("telegram: " + ar.Description)
	}
	return ar.Result, nil
}
