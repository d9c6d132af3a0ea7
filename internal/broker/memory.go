package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Broker with the same ordering and cursor
// semantics as the Redis implementation. It backs tests and the simulate
// command when no Redis is configured.
type Memory struct {
	mu      sync.Mutex
	streams map[string][]Entry
	seq     map[string]int64
	cursors map[string]string
	markers map[string]time.Time
	dead    map[string][]DeadLetter
}

// NewMemory constructs an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{
		streams: make(map[string][]Entry),
		seq:     make(map[string]int64),
		cursors: make(map[string]string),
		markers: make(map[string]time.Time),
		dead:    make(map[string][]DeadLetter),
	}
}

// Append assigns a monotonically increasing "<n>-0" id.
func (m *Memory) Append(_ context.Context, stream string, fields map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq[stream]++
	id := fmt.Sprintf("%d-0", m.seq[stream])

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	m.streams[stream] = append(m.streams[stream], Entry{ID: id, Fields: copied})
	return id, nil
}

// Read returns entries strictly after afterID in append order. Like the
// Redis exclusive range, afterID does not have to name a stored entry.
func (m *Memory) Read(_ context.Context, stream, afterID string, limit int64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.streams[stream]
	start := 0
	if afterID != "" && afterID != StartID {
		after := idSeq(afterID)
		start = len(entries)
		for i, e := range entries {
			if idSeq(e.ID) > after {
				start = i
				break
			}
		}
	}

	out := make([]Entry, 0, limit)
	for i := start; i < len(entries) && int64(len(out)) < limit; i++ {
		out = append(out, entries[i])
	}
	return out, nil
}

// idSeq parses the numeric prefix of an "<n>-0" id.
func idSeq(id string) int64 {
	head, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Cursor returns "" when no cursor has been stored.
func (m *Memory) Cursor(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[key], nil
}

// SetCursor stores the cursor.
func (m *Memory) SetCursor(_ context.Context, key, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[key] = id
	return nil
}

// HasMarker reports marker existence, expiring lazily.
func (m *Memory) HasMarker(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.markers[key]
	if !ok {
		return false, nil
	}
	if time.Now().After(exp) {
		delete(m.markers, key)
		return false, nil
	}
	return true, nil
}

// SetMarker stores a marker with the given TTL.
func (m *Memory) SetMarker(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers[key] = time.Now().Add(ttl)
	return nil
}

// PushDead appends to the stream's dead-letter list.
func (m *Memory) PushDead(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead[dl.Stream] = append(m.dead[dl.Stream], dl)
	return nil
}

// DeadLetters returns up to limit of the most recent dead letters.
func (m *Memory) DeadLetters(_ context.Context, stream string, limit int64) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.dead[stream]
	if int64(len(list)) > limit {
		list = list[int64(len(list))-limit:]
	}
	out := make([]DeadLetter, len(list))
	copy(out, list)
	return out, nil
}

// DeadLetterLen reports the list depth.
func (m *Memory) DeadLetterLen(_ context.Context, stream string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.dead[stream])), nil
}

var _ Broker = (*Memory)(nil)
