package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/messages"
	"github.com/ashureev/supportchat/internal/router"
	"github.com/ashureev/supportchat/internal/store"
	"github.com/ashureev/supportchat/internal/transport"
)

// openState opens the durable client state. When it cannot be opened the
// caller gets in-memory storage and the session id lives for this run only.
func openState(path string) store.KeyValue {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Warn("Client state unavailable, using memory", "path", path, "error", err)
		return store.NewMemoryKV()
	}
	kv, err := store.NewSQLite(path)
	if err != nil {
		slog.Warn("Client state unavailable, using memory", "path", path, "error", err)
		return store.NewMemoryKV()
	}
	return kv
}

func newDialer() *transport.WebSocketDialer {
	return &transport.WebSocketDialer{
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  cfg.Client.ReconnectMaxDelay,
		Logger:    slog.Default(),
	}
}

// lines forwards stdin lines until EOF. The reader goroutine is not tied to
// ctx since a blocked read cannot be interrupted.
func lines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}

// printer renders transcripts incrementally.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	store   *messages.Store
	printed map[string]int
	lastDay map[string]time.Time
}

func newPrinter(out io.Writer, s *messages.Store) *printer {
	return &printer{out: out, store: s, printed: make(map[string]int), lastDay: make(map[string]time.Time)}
}

// session prints messages of id not printed yet. A shrunk or replaced
// transcript is printed again in full.
func (p *printer) session(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := p.store.Len(id)
	if total < p.printed[id] {
		p.printed[id] = 0
	}
	skip := p.printed[id]
	if skip == 0 {
		delete(p.lastDay, id)
	}

	i := 0
	var marker *messages.Entry
	for e := range p.store.GroupedByDay(id) {
		if e.Kind == messages.EntryDateMarker {
			m := e
			marker = &m
			continue
		}
		i++
		if i <= skip {
			continue
		}
		if marker != nil && !marker.Day.Equal(p.lastDay[id]) {
			fmt.Fprintf(p.out, "──── %s ────\n", marker.Label)
			p.lastDay[id] = marker.Day
		}
		marker = nil
		printMessage(p.out, e.Message)
	}
	p.printed[id] = i
}

func printMessage(w io.Writer, m domain.Message) {
	who := m.Sender
	if who == "" {
		who = string(m.SenderType)
	}
	if m.IsAI {
		who += " (AI)"
	}
	ts := ""
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp.Local().Format("15:04") + " "
	}
	body := m.Body
	if m.HasAttachment() {
		body = strings.TrimSpace(body + " [" + m.AttachmentType + " " + m.AttachmentURL + "]")
	}
	fmt.Fprintf(w, "%s%s: %s\n", ts, who, body)
}

// changes buffers router notifications so OnChange never blocks.
func changes() (func(router.Change), <-chan router.Change) {
	ch := make(chan router.Change, 256)
	return func(c router.Change) {
		select {
		case ch <- c:
		default:
		}
	}, ch
}

func sendFile(ctx context.Context, path string, send func(context.Context, string, io.Reader) (bool, error)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()
	sent, err := send(ctx, filepath.Base(path), f)
	if err != nil {
		return err
	}
	if !sent {
		return fmt.Errorf("not connected")
	}
	return nil
}
