package redis

import (
	"context"
	"sort"
	"sync"
	"time"
)

const memoryPollInterval = 10 * time.Millisecond

// Memory is an in-process RedisInterface for local development and tests.
type Memory struct {
	mu      sync.Mutex
	kv      map[string]string
	lists   map[string][]string
	zsets   map[string]map[string]float64
	subs    map[string][]chan string
	closing chan struct{}
	once    sync.Once
}

func NewMemory() *Memory {
	return &Memory{
		kv:      make(map[string]string),
		lists:   make(map[string][]string),
		zsets:   make(map[string]map[string]float64),
		subs:    make(map[string][]chan string),
		closing: make(chan struct{}),
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kv[key], nil
}

// Set ignores ttl.
func (m *Memory) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.kv, k)
		delete(m.lists, k)
		delete(m.zsets, k)
	}
	return nil
}

func (m *Memory) RPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], values...)
	return nil
}

func (m *Memory) LPop(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.popLocked(key)
	return v, ok, nil
}

func (m *Memory) popLocked(key string) (string, bool) {
	l := m.lists[key]
	if len(l) == 0 {
		return "", false
	}
	v := l[0]
	if len(l) == 1 {
		delete(m.lists, key)
	} else {
		m.lists[key] = l[1:]
	}
	return v, true
}

func (m *Memory) BLPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(memoryPollInterval)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		v, ok := m.popLocked(key)
		m.mu.Unlock()
		if ok {
			return v, true, nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return "", false, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-m.closing:
			return "", false, nil
		case <-ticker.C:
		}
	}
}

func (m *Memory) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

// Publish delivers to current subscribers; slow subscribers drop messages.
func (m *Memory) Publish(_ context.Context, channel, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[channel] {
		select {
		case ch <- message:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string, handler func(message string)) error {
	ch := make(chan string, 256)
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], ch)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[channel]
		for i, c := range subs {
			if c == ch {
				m.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(m.subs[channel]) == 0 {
			delete(m.subs, channel)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.closing:
			return nil
		case msg := <-ch:
			handler(msg)
		}
	}
}

// Subscribers reports how many subscriptions are open on channel.
func (m *Memory) Subscribers(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[channel])
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *Memory) ZPeekMin(_ context.Context, key string) (ZEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zsets[key]
	if len(z) == 0 {
		return ZEntry{}, false, nil
	}
	entries := make([]ZEntry, 0, len(z))
	for member, score := range z {
		entries = append(entries, ZEntry{Member: member, Score: score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score == entries[j].Score {
			return entries[i].Member < entries[j].Member
		}
		return entries[i].Score < entries[j].Score
	})
	return entries[0], true, nil
}

func (m *Memory) ZRem(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zsets[key]
	if _, ok := z[member]; !ok {
		return false, nil
	}
	delete(z, member)
	return true, nil
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[key])), nil
}

func (m *Memory) Close() {
	m.once.Do(func() { close(m.closing) })
}
