package memory

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// Bus implements domain.SignalBus in process. Subscribers that fall behind
// lose messages rather than blocking publishers. Streams keep the newest
// maxLen entries.
type Bus struct {
	maxLen int

	mu      sync.RWMutex
	subs    map[int]subscription
	nextSub int
	streams map[string][]domain.StreamMessage
	seq     uint64
}

type subscription struct {
	pattern string
	ch      chan []byte
}

// NewBus creates a Bus. maxLen <= 0 defaults to 10000.
func NewBus(maxLen int) *Bus {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &Bus{
		maxLen:  maxLen,
		subs:    make(map[int]subscription),
		streams: make(map[string][]domain.StreamMessage),
	}
}

func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !matches(s.pattern, channel) {
			continue
		}
		select {
		case s.ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

// Subscribe accepts glob patterns ("orders", "*"). The returned channel is
// closed when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if _, err := path.Match(channel, ""); err != nil {
		return nil, fmt.Errorf("memory: subscribe %s: %w", channel, err)
	}
	ch := make(chan []byte, 128)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = subscription{pattern: channel, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (b *Bus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msgs := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatUint(b.seq, 10) + "-0",
		Payload: append([]byte(nil), payload...),
	})
	if len(msgs) > b.maxLen {
		msgs = append([]domain.StreamMessage(nil), msgs[len(msgs)-b.maxLen:]...)
	}
	b.streams[stream] = msgs
	return nil
}

// StreamRead returns up to count entries after lastID. "0" and "0-0" read
// from the beginning; "$" reads nothing since the call never blocks.
func (b *Bus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	if lastID == "$" {
		return nil, nil
	}
	after, err := streamSeq(lastID)
	if err != nil {
		return nil, fmt.Errorf("memory: stream read %s: %w", stream, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		if count > 0 && len(out) == count {
			break
		}
		if seq, _ := streamSeq(m.ID); seq > after {
			out = append(out, m)
		}
	}
	return out, nil
}

func streamSeq(id string) (uint64, error) {
	head, _, _ := strings.Cut(id, "-")
	return strconv.ParseUint(head, 10, 64)
}

func matches(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	ok, _ := path.Match(pattern, channel)
	return ok
}

var _ domain.SignalBus = (*Bus)(nil)
