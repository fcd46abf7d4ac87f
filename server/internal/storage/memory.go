package storage

import (
	"context"
	"sync"

	"pinboard/server/internal/model"
)

// MemoryStore 是一个基于内存的凭证存储实现。
// 重启即丢数据，用于测试与 --storage memory 的临时会话。
type MemoryStore struct {
	mu       sync.RWMutex
	creds    model.Credentials
	notifier *notifier
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{notifier: newNotifier()}
}

// Load 返回凭证副本，调用方修改不会影响内部状态。
func (s *MemoryStore) Load(_ context.Context) (model.Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyCredentials(s.creds), nil
}

func (s *MemoryStore) Save(_ context.Context, creds model.Credentials) error {
	s.mu.Lock()
	prev := s.creds
	s.creds = copyCredentials(creds)
	s.mu.Unlock()

	if keys := changedKeys(prev, creds); len(keys) > 0 {
		s.notifier.notify(Change{Keys: keys})
	}
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	return s.Save(ctx, model.Credentials{})
}

func (s *MemoryStore) Watch(ctx context.Context) (<-chan Change, error) {
	return s.notifier.subscribe(ctx)
}

func (s *MemoryStore) Close() error {
	s.notifier.close()
	return nil
}

func copyCredentials(c model.Credentials) model.Credentials {
	out := model.Credentials{Token: c.Token}
	if c.User != nil {
		u := *c.User
		out.User = &u
	}
	return out
}
