package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pinboard/server/internal/config"
	"pinboard/server/internal/model"

	"github.com/google/go-cmp/cmp"
)

type storeFactory func(t *testing.T, path string) CredentialStore

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, _ string) CredentialStore {
			return NewMemoryStore()
		},
		"file": func(t *testing.T, path string) CredentialStore {
			s, err := NewFileStore(path+".json", 10*time.Millisecond, nil)
			if err != nil {
				t.Fatalf("new file store: %v", err)
			}
			return s
		},
		"sqlite": func(t *testing.T, path string) CredentialStore {
			s, err := NewSQLiteStore(path+".db", 10*time.Millisecond, nil)
			if err != nil {
				t.Fatalf("new sqlite store: %v", err)
			}
			return s
		},
	}
}

func sampleCredentials() model.Credentials {
	return model.Credentials{
		User:  &model.UserIdentity{ID: "u1", Email: "ana@example.com", Name: "Ana", Role: "admin"},
		Token: "jwt-token",
	}
}

// TestStoreRoundTrip 验证三种实现的 Save/Load/Clear 语义一致。
// 场景：空存储 -> 写入成对凭证 -> 读出相同值 -> 清除后两个键都消失。
func TestStoreRoundTrip(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t, filepath.Join(t.TempDir(), "auth"))
			t.Cleanup(func() { store.Close() })

			empty, err := store.Load(ctx)
			if err != nil {
				t.Fatalf("load empty: %v", err)
			}
			if !empty.Empty() {
				t.Fatalf("expected empty credentials, got %+v", empty)
			}

			want := sampleCredentials()
			if err := store.Save(ctx, want); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err := store.Load(ctx)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("credentials mismatch (-want +got):\n%s", diff)
			}

			if err := store.Clear(ctx); err != nil {
				t.Fatalf("clear: %v", err)
			}
			cleared, err := store.Load(ctx)
			if err != nil {
				t.Fatalf("load after clear: %v", err)
			}
			if !cleared.Empty() {
				t.Fatalf("expected empty after clear, got %+v", cleared)
			}
		})
	}
}

// TestStoreSavePartialRemovesMissingKey 验证只写 user（纯 cookie 会话）时旧 token 被删除。
func TestStoreSavePartialRemovesMissingKey(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t, filepath.Join(t.TempDir(), "auth"))
			t.Cleanup(func() { store.Close() })

			if err := store.Save(ctx, sampleCredentials()); err != nil {
				t.Fatalf("save: %v", err)
			}
			userOnly := model.Credentials{User: &model.UserIdentity{ID: "u2", Email: "bo@example.com"}}
			if err := store.Save(ctx, userOnly); err != nil {
				t.Fatalf("save user only: %v", err)
			}
			got, err := store.Load(ctx)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if got.Token != "" {
				t.Fatalf("expected token removed, got %q", got.Token)
			}
			if got.User == nil || got.User.ID != "u2" {
				t.Fatalf("expected user u2, got %+v", got.User)
			}
		})
	}
}

// TestMemoryStoreLoadReturnsCopy 验证 Load 返回副本，防止外部修改影响内部状态。
func TestMemoryStoreLoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	if err := store.Save(ctx, sampleCredentials()); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, _ := store.Load(ctx)
	got.User.Name = "mutated"

	again, _ := store.Load(ctx)
	if again.User.Name != "Ana" {
		t.Fatalf("expected internal data unchanged, got %q", again.User.Name)
	}
}

// TestStoreWatchSeesOtherWriter 模拟两个标签页：第二个实例写入后，第一个实例的 Watch 收到通知。
func TestStoreWatchSeesOtherWriter(t *testing.T) {
	for _, name := range []string{"file", "sqlite"} {
		factory := factories()[name]
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "auth")
			watcher := factory(t, path)
			writer := factory(t, path)
			t.Cleanup(func() {
				watcher.Close()
				writer.Close()
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// sqlite 需要先建好文件，file 需要先有目录；两者在构造时都已完成
			changes, err := watcher.Watch(ctx)
			if err != nil {
				t.Fatalf("watch: %v", err)
			}

			if err := writer.Save(context.Background(), sampleCredentials()); err != nil {
				t.Fatalf("save from other writer: %v", err)
			}

			select {
			case _, ok := <-changes:
				if !ok {
					t.Fatalf("changes channel closed unexpectedly")
				}
			case <-time.After(3 * time.Second):
				t.Fatalf("timeout waiting for change notification")
			}

			got, err := watcher.Load(context.Background())
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if got.Token != "jwt-token" {
				t.Fatalf("expected token visible to watcher, got %q", got.Token)
			}
		})
	}
}

// TestMemoryStoreWatchClosesOnCancel 验证 ctx 结束后 channel 被关闭。
func TestMemoryStoreWatchClosesOnCancel(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	changes, err := store.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := store.Save(context.Background(), sampleCredentials()); err != nil {
		t.Fatalf("save: %v", err)
	}
	c := <-changes
	if len(c.Keys) != 2 {
		t.Fatalf("expected both keys changed, got %v", c.Keys)
	}

	cancel()
	select {
	case _, ok := <-changes:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}

// TestFileStoreCorruptFile 验证损坏的文件返回错误而不是静默成功。
func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	store, err := NewFileStore(path, 0, nil)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	defer store.Close()

	creds, err := store.Load(context.Background())
	if err == nil {
		t.Fatalf("expected decode error")
	}
	if !creds.Empty() {
		t.Fatalf("expected empty credentials on error")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(config.StorageConfig{Driver: "nope"}, nil); err == nil {
		t.Fatalf("expected error")
	}
	s, err := Open(config.StorageConfig{Driver: "memory"}, nil)
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	s.Close()
}
