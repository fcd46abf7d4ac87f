package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pinboard/server/internal/model"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileStore 把凭证保存为 JSON 文件，键名与浏览器 localStorage 一致：
//
//	{"auth:user": {...}, "auth:token": "..."}
//
// 写入走临时文件 + rename，保证 user/token 成对落盘。
// 其他进程改写文件时通过 fsnotify 通知（相当于浏览器的 storage 事件）。
type FileStore struct {
	path     string
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	closed  bool
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// NewFileStore 创建文件存储；文件不存在时视为空会话。
func NewFileStore(path string, debounce time.Duration, logger *zap.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		path:     path,
		debounce: debounce,
		logger:   logger.Named("filestore"),
	}, nil
}

type fileDocument map[string]json.RawMessage

func (s *FileStore) Load(_ context.Context) (model.Credentials, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return model.Credentials{}, nil
	}
	if err != nil {
		return model.Credentials{}, fmt.Errorf("read credentials: %w", err)
	}
	if len(data) == 0 {
		return model.Credentials{}, nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return model.Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}

	var creds model.Credentials
	if raw, ok := doc[UserKey]; ok && string(raw) != "null" {
		var u model.UserIdentity
		if err := json.Unmarshal(raw, &u); err != nil {
			return model.Credentials{}, fmt.Errorf("decode %s: %w", UserKey, err)
		}
		creds.User = &u
	}
	if raw, ok := doc[TokenKey]; ok {
		if err := json.Unmarshal(raw, &creds.Token); err != nil {
			return model.Credentials{}, fmt.Errorf("decode %s: %w", TokenKey, err)
		}
	}
	return creds, nil
}

func (s *FileStore) Save(_ context.Context, creds model.Credentials) error {
	doc := fileDocument{}
	if creds.User != nil {
		raw, err := json.Marshal(creds.User)
		if err != nil {
			return fmt.Errorf("encode %s: %w", UserKey, err)
		}
		doc[UserKey] = raw
	}
	if creds.Token != "" {
		raw, err := json.Marshal(creds.Token)
		if err != nil {
			return fmt.Errorf("encode %s: %w", TokenKey, err)
		}
		doc[TokenKey] = raw
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

func (s *FileStore) Clear(ctx context.Context) error {
	return s.Save(ctx, model.Credentials{})
}

// Watch 监听存储文件所在目录：rename 会替换 inode，直接 watch 文件会丢事件。
func (s *FileStore) Watch(ctx context.Context) (<-chan Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancels = append(s.cancels, cancel)

	out := make(chan Change, 1)
	s.wg.Add(1)
	go s.run(ctx, w, out)

	s.logger.Debug("watching credentials file", zap.String("path", s.path))
	return out, nil
}

func (s *FileStore) run(ctx context.Context, w *fsnotify.Watcher, out chan<- Change) {
	defer s.wg.Done()
	defer close(out)
	defer w.Close()

	name := filepath.Base(s.path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// 去抖：编辑器或其他进程可能连续触发多次写入
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				timer.Reset(s.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			select {
			case out <- Change{Keys: []string{UserKey, TokenKey}}:
			default:
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// Close 停止所有 watcher 并等待其退出。
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace credentials file: %w", err)
	}
	return nil
}
