package alarm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/24AWP-FAVICON/alarm-server/internal/models"
	"github.com/pkg/errors"
)

const (
	replayKeySeparator = "_"
	replaySeqWidth     = 20
)

// ReplayCache keeps recently produced events so a reconnecting client can
// catch up from its last seen key.
type ReplayCache interface {
	// Append assigns the next replay key of the event's recipient, stores the
	// keyed event and returns it.
	Append(ctx context.Context, event models.AlarmEvent) (models.AlarmEvent, error)
	// Since returns the recipient's cached events with a sequence greater
	// than afterSeq, in sequence order.
	Since(ctx context.Context, recipientID string, afterSeq uint64) ([]models.AlarmEvent, error)
	// Prune drops entries that fell out of the recall window.
	Prune(ctx context.Context, now time.Time) error
}

// FormatReplayKey builds the continuation token for a recipient sequence.
// The sequence is zero padded so keys of one recipient sort the same way as
// strings and as numbers.
func FormatReplayKey(recipientID string, seq uint64) string {
	return fmt.Sprintf("%s%s%0*d", recipientID, replayKeySeparator, replaySeqWidth, seq)
}

// ParseReplayKey splits a continuation token into recipient and sequence.
func ParseReplayKey(key string) (string, uint64, error) {
	idx := strings.LastIndex(key, replayKeySeparator)
	if idx <= 0 || idx == len(key)-1 {
		return "", 0, errors.Wrapf(ErrInvalidReplayKey, "key %q", key)
	}
	recipientID, digits := key[:idx], key[idx+1:]
	if len(digits) != replaySeqWidth {
		return "", 0, errors.Wrapf(ErrInvalidReplayKey, "key %q", key)
	}
	seq, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return "", 0, errors.Wrapf(ErrInvalidReplayKey, "key %q", key)
	}
	return recipientID, seq, nil
}

type replayEntry struct {
	seq      uint64
	storedAt time.Time
	event    models.AlarmEvent
}

type recipientBuffer struct {
	lastSeq uint64
	entries []replayEntry
}

// MemoryReplayCache keeps a bounded buffer per recipient in process memory.
type MemoryReplayCache struct {
	mu       sync.Mutex
	buffers  map[string]*recipientBuffer
	capacity int
	window   time.Duration
	now      func() time.Time
}

func NewMemoryReplayCache(capacity int, window time.Duration) *MemoryReplayCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryReplayCache{
		buffers:  make(map[string]*recipientBuffer),
		capacity: capacity,
		window:   window,
		now:      time.Now,
	}
}

func (c *MemoryReplayCache) Append(_ context.Context, event models.AlarmEvent) (models.AlarmEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.buffers[event.ReceiveUserID]
	if !ok {
		buf = &recipientBuffer{entries: make([]replayEntry, 0, c.capacity)}
		c.buffers[event.ReceiveUserID] = buf
	}
	buf.lastSeq++
	keyed := event.WithReplayKey(FormatReplayKey(event.ReceiveUserID, buf.lastSeq))

	if len(buf.entries) == c.capacity {
		copy(buf.entries, buf.entries[1:])
		buf.entries = buf.entries[:len(buf.entries)-1]
	}
	buf.entries = append(buf.entries, replayEntry{
		seq:      buf.lastSeq,
		storedAt: c.now(),
		event:    keyed,
	})
	return keyed, nil
}

func (c *MemoryReplayCache) Since(_ context.Context, recipientID string, afterSeq uint64) ([]models.AlarmEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.buffers[recipientID]
	if !ok {
		return nil, nil
	}
	cutoff := c.now().Add(-c.window)
	var events []models.AlarmEvent
	for _, entry := range buf.entries {
		if entry.seq <= afterSeq || entry.storedAt.Before(cutoff) {
			continue
		}
		events = append(events, entry.event)
	}
	return events, nil
}

// Prune drops expired entries. The per-recipient sequence survives an empty
// buffer so keys handed out earlier stay comparable.
func (c *MemoryReplayCache) Prune(_ context.Context, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-c.window)
	for _, buf := range c.buffers {
		drop := 0
		for drop < len(buf.entries) && buf.entries[drop].storedAt.Before(cutoff) {
			drop++
		}
		if drop > 0 {
			buf.entries = append(buf.entries[:0], buf.entries[drop:]...)
		}
	}
	return nil
}

// Len reports how many entries are cached for the recipient.
func (c *MemoryReplayCache) Len(recipientID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if buf, ok := c.buffers[recipientID]; ok {
		return len(buf.entries)
	}
	return 0
}
