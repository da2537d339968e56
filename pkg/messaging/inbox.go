package messaging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Inbox file names inside the inbox directory.
const (
	InboxFile  = "inbox.jsonl"
	OutboxFile = "outbox.jsonl"
)

// inboxFallbackPoll is the re-read interval when fsnotify is unavailable.
const inboxFallbackPoll = 250 * time.Millisecond

// Inbox is a local operator channel backed by two JSONL files. `ouro send`
// appends to inbox.jsonl; each line's zero-based index is its update ID.
// Outbound messages are appended to outbox.jsonl.
type Inbox struct {
	dir string
	log *slog.Logger

	mu      sync.Mutex // guards outbox appends
	watcher *fsnotify.Watcher
}

// OutboxEntry is one line of outbox.jsonl.
type OutboxEntry struct {
	Ts        time.Time `json:"ts"`
	ChannelID int64     `json:"chat_id"`
	Kind      string    `json:"kind"` // text | photo | typing
	Text      string    `json:"text,omitempty"`
	Bytes     int       `json:"bytes,omitempty"`
}

// NewInbox creates the directory if needed and starts watching it. If the
// watcher cannot be set up, Poll falls back to timed re-reads.
func NewInbox(dir string, log *slog.Logger) (*Inbox, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create inbox dir %s: %w", dir, err)
	}
	b := &Inbox{dir: dir, log: log.With("component", "inbox")}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		b.log.Warn("fsnotify unavailable, polling inbox", "err", err)
		return b, nil
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		b.log.Warn("cannot watch inbox, polling instead", "dir", dir, "err", err)
		return b, nil
	}
	b.watcher = watcher
	return b, nil
}

// Close stops the directory watcher.
func (b *Inbox) Close() error {
	if b.watcher == nil {
		return nil
	}
	return b.watcher.Close()
}

// Poll returns lines at index >= cursor. When none are available it waits up
// to timeout for the inbox file to change.
func (b *Inbox) Poll(ctx context.Context, cursor int64, timeout time.Duration) ([]Update, error) {
	ups, err := b.read(cursor)
	if err != nil || len(ups) > 0 || timeout <= 0 {
		return ups, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var tick <-chan time.Time
	var events <-chan fsnotify.Event
	if b.watcher != nil {
		events = b.watcher.Events
	} else {
		t := time.NewTicker(inboxFallbackPoll)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return b.read(cursor)
		case ev, ok := <-events:
			if !ok {
				return b.read(cursor)
			}
			if filepath.Base(ev.Name) != InboxFile {
				continue
			}
		case <-tick:
		}
		if ups, err := b.read(cursor); err != nil || len(ups) > 0 {
			return ups, err
		}
	}
}

func (b *Inbox) read(cursor int64) ([]Update, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, InboxFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}

	// A trailing line without its newline is still being written.
	lines := bytes.Split(data, []byte("\n"))
	lines = lines[:len(lines)-1]

	var out []Update
	for idx := cursor; idx < int64(len(lines)); idx++ {
		if idx < 0 {
			continue
		}
		var u Update
		if err := json.Unmarshal(lines[idx], &u); err != nil {
			b.log.Warn("skipping unreadable inbox line", "index", idx, "err", err)
			u = Update{}
		}
		u.ID = idx
		out = append(out, u)
	}
	return out, nil
}

// Send appends a text entry to the outbox.
func (b *Inbox) Send(_ context.Context, channelID int64, text string) error {
	return b.appendOutbox(OutboxEntry{ChannelID: channelID, Kind: "text", Text: text})
}

// SendPhoto records the photo's caption and size; the image is not stored.
func (b *Inbox) SendPhoto(_ context.Context, channelID int64, photo []byte, caption string) error {
	return b.appendOutbox(OutboxEntry{ChannelID: channelID, Kind: "photo", Text: caption, Bytes: len(photo)})
}

// SendTyping is a no-op for the inbox channel.
func (b *Inbox) SendTyping(context.Context, int64) error { return nil }

func (b *Inbox) appendOutbox(e OutboxEntry) error {
	e.Ts = time.Now().UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode outbox entry: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return appendLine(filepath.Join(b.dir, OutboxFile), data)
}

// AppendInbox adds one operator message to the inbox in dir. Used by
// `ouro send`.
func AppendInbox(dir string, u Update) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create inbox dir %s: %w", dir, err)
	}
	if u.Date.IsZero() {
		u.Date = time.Now().UTC()
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode inbox entry: %w", err)
	}
	return appendLine(filepath.Join(dir, InboxFile), data)
}

// ReadOutbox returns outbox entries from index start on.
func ReadOutbox(dir string, start int) ([]OutboxEntry, error) {
	f, err := os.Open(filepath.Join(dir, OutboxFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []OutboxEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for idx := 0; scanner.Scan(); idx++ {
		if idx < start {
			continue
		}
		var e OutboxEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}

// appendLine writes data plus a newline in a single O_APPEND write.
func appendLine(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path is under the ouro home
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	return f.Close()
}
