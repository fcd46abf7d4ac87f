package storage

import (
	"context"
	"errors"
	"sync"

	"pinboard/server/internal/model"
)

// 与前端 localStorage 保持同样的键名，便于共用一份存储。
const (
	UserKey  = "auth:user"
	TokenKey = "auth:token"
)

var ErrClosed = errors.New("credential store closed")

// Change 表示存储中的凭证被改写（可能来自本进程，也可能来自其他进程/标签页）。
// 不携带新值：订阅方应重新 Load，避免迟到的通知覆盖更新的状态。
type Change struct {
	Keys []string
}

// CredentialStore 持久化 user/token 对。
type CredentialStore interface {
	// Load 读取当前凭证；没有任何凭证时返回零值且 err 为 nil。
	Load(ctx context.Context) (model.Credentials, error)
	// Save 原子写入 user/token 对，空字段表示删除对应键。
	Save(ctx context.Context, creds model.Credentials) error
	// Clear 同时删除两个键。
	Clear(ctx context.Context) error
	// Watch 返回变更通知，ctx 结束时 channel 关闭。
	// 约定：本存储自身的写入也可能被通知，订阅方需幂等处理。
	Watch(ctx context.Context) (<-chan Change, error)
	Close() error
}

// notifier 把一次变更扇出给所有 watcher。
// 每个 watcher 只有 1 个缓冲：积压的通知合并为一次，订阅方反正会重新 Load。
type notifier struct {
	mu       sync.Mutex
	watchers map[chan Change]struct{}
	closed   bool
	done     chan struct{}
}

func newNotifier() *notifier {
	return &notifier{
		watchers: make(map[chan Change]struct{}),
		done:     make(chan struct{}),
	}
}

func (n *notifier) subscribe(ctx context.Context) (<-chan Change, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}

	ch := make(chan Change, 1)
	n.watchers[ch] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			n.unsubscribe(ch)
		case <-n.done:
		}
	}()
	return ch, nil
}

func (n *notifier) unsubscribe(ch chan Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.watchers[ch]; ok {
		delete(n.watchers, ch)
		close(ch)
	}
}

func (n *notifier) notify(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.watchers {
		select {
		case ch <- c:
		default:
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	close(n.done)
	for ch := range n.watchers {
		delete(n.watchers, ch)
		close(ch)
	}
}

// changedKeys 比较新旧凭证，返回被改写的键。
func changedKeys(prev, next model.Credentials) []string {
	var keys []string
	if !sameUser(prev.User, next.User) {
		keys = append(keys, UserKey)
	}
	if prev.Token != next.Token {
		keys = append(keys, TokenKey)
	}
	return keys
}

func sameUser(a, b *model.UserIdentity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
