package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pinboard/server/internal/model"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteStore 用一张 key/value 表保存凭证，适合多个进程共享同一份会话。
// 跨进程变更通过轮询 PRAGMA data_version 发现：其他连接提交写事务后该值会变化。
type SQLiteStore struct {
	db           *sql.DB
	pollInterval time.Duration
	logger       *zap.Logger
	notifier     *notifier

	mu      sync.Mutex
	closed  bool
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// NewSQLiteStore 打开（或创建）数据库并初始化表结构。
func NewSQLiteStore(path string, pollInterval time.Duration, logger *zap.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	s := &SQLiteStore{
		db:           db,
		pollInterval: pollInterval,
		logger:       logger.Named("sqlitestore"),
		notifier:     newNotifier(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);`)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context) (model.Credentials, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key IN (?, ?)`, UserKey, TokenKey)
	if err != nil {
		return model.Credentials{}, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var creds model.Credentials
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return model.Credentials{}, fmt.Errorf("scan credentials: %w", err)
		}
		switch key {
		case UserKey:
			var u model.UserIdentity
			if err := json.Unmarshal([]byte(value), &u); err != nil {
				return model.Credentials{}, fmt.Errorf("decode %s: %w", UserKey, err)
			}
			creds.User = &u
		case TokenKey:
			creds.Token = value
		}
	}
	if err := rows.Err(); err != nil {
		return model.Credentials{}, fmt.Errorf("iterate credentials: %w", err)
	}
	return creds, nil
}

// Save 在一个事务里写入两个键，不会出现只更新一半的情况。
func (s *SQLiteStore) Save(ctx context.Context, creds model.Credentials) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if creds.User != nil {
		raw, err := json.Marshal(creds.User)
		if err != nil {
			return fmt.Errorf("encode %s: %w", UserKey, err)
		}
		if err := upsert(ctx, tx, UserKey, string(raw), now); err != nil {
			return err
		}
	} else if err := remove(ctx, tx, UserKey); err != nil {
		return err
	}

	if creds.Token != "" {
		if err := upsert(ctx, tx, TokenKey, creds.Token, now); err != nil {
			return err
		}
	} else if err := remove(ctx, tx, TokenKey); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credentials: %w", err)
	}
	s.notifier.notify(Change{Keys: []string{UserKey, TokenKey}})
	return nil
}

func upsert(ctx context.Context, tx *sql.Tx, key, value string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func remove(ctx context.Context, tx *sql.Tx, key string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	return s.Save(ctx, model.Credentials{})
}

// Watch 同时返回本进程写入（notifier）与其他进程写入（data_version 轮询）的通知。
func (s *SQLiteStore) Watch(ctx context.Context) (<-chan Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	local, err := s.notifier.subscribe(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	// data_version 按连接计数，必须固定在同一个连接上轮询
	conn, err := s.db.Conn(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("acquire poll connection: %w", err)
	}
	s.cancels = append(s.cancels, cancel)

	out := make(chan Change, 1)
	s.wg.Add(1)
	go s.poll(ctx, conn, local, out)
	return out, nil
}

func (s *SQLiteStore) poll(ctx context.Context, conn *sql.Conn, local <-chan Change, out chan<- Change) {
	defer s.wg.Done()
	defer close(out)
	defer conn.Close()

	last, err := dataVersion(ctx, conn)
	if err != nil {
		s.logger.Warn("read data_version", zap.Error(err))
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	emit := func(c Change) {
		select {
		case out <- c:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-local:
			if !ok {
				return
			}
			emit(c)
		case <-ticker.C:
			v, err := dataVersion(ctx, conn)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Warn("read data_version", zap.Error(err))
				}
				continue
			}
			if v != last {
				last = v
				emit(Change{Keys: []string{UserKey, TokenKey}})
			}
		}
	}
}

func dataVersion(ctx context.Context, conn *sql.Conn) (int64, error) {
	var v int64
	err := conn.QueryRowContext(ctx, `PRAGMA data_version`).Scan(&v)
	return v, err
}

func (s *SQLiteStore) Close() error {
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
	s.notifier.close()
	return s.db.Close()
}
