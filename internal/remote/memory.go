package remote

import (
	"context"
	"encoding/json"
	"sync"
)

// memStore keeps everything in-process. Used when the remote store is disabled,
// and in tests.
type memStore struct {
	mu    sync.RWMutex
	kv    map[string][]byte
	lists map[string][][]byte
}

func NewMemory() Store {
	return &memStore{
		kv:    map[string][]byte{},
		lists: map[string][][]byte{},
	}
}

func (s *memStore) GetJSON(ctx context.Context, key string, dst any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	b, ok := s.kv[key]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(b, dst)
}

func (s *memStore) SetJSON(ctx context.Context, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.kv[key] = b
	s.mu.Unlock()
	return nil
}

func (s *memStore) PushJSON(ctx context.Context, key string, v any, maxLen int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	l := append(s.lists[key], b)
	if maxLen > 0 && int64(len(l)) > maxLen {
		l = l[int64(len(l))-maxLen:]
	}
	s.lists[key] = l
	s.mu.Unlock()
	return nil
}

func (s *memStore) ListJSON(ctx context.Context, key string, start, stop int64) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	l := s.lists[key]
	n := int64(len(l))

	// list-range semantics: negative indexes count from the tail, stop is inclusive.
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return nil, nil
	}

	out := make([]json.RawMessage, 0, stop-start+1)
	for _, b := range l[start : stop+1] {
		out = append(out, json.RawMessage(b))
	}
	return out, nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.kv, key)
	delete(s.lists, key)
	s.mu.Unlock()
	return nil
}

func (s *memStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *memStore) Close() error { return nil }
