package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pinboard/server/internal/backend"
	"pinboard/server/internal/model"
	"pinboard/server/internal/storage"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeBackend struct {
	mu        sync.Mutex
	me        *model.UserIdentity
	meErr     error
	meBlock   bool
	meCalls   atomic.Int32
	loginResp *model.AuthResponse
	loginErr  error
	logins    atomic.Int32
	logoutErr error
	logouts   atomic.Int32

	// meEntered 在 Me 被调用时收到信号；meGate 关闭前 Me 不返回
	meEntered chan struct{}
	meGate    chan struct{}
	// meCancel 在 Me 返回前调用，模拟视图在响应到达后、提交前卸载
	meCancel context.CancelFunc
}

func (f *fakeBackend) Me(ctx context.Context) (*model.UserIdentity, error) {
	f.meCalls.Add(1)
	f.mu.Lock()
	block, entered, gate, cancel := f.meBlock, f.meEntered, f.meGate, f.meCancel
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if cancel != nil {
		cancel()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.me, f.meErr
}

func (f *fakeBackend) Login(ctx context.Context, in model.LoginInput) (*model.AuthResponse, error) {
	f.logins.Add(1)
	return f.loginResp, f.loginErr
}

func (f *fakeBackend) Register(ctx context.Context, in model.RegisterInput) (*model.AuthResponse, error) {
	return f.loginResp, f.loginErr
}

func (f *fakeBackend) Logout(ctx context.Context) error {
	f.logouts.Add(1)
	return f.logoutErr
}

func (f *fakeBackend) LogoutGoogle(ctx context.Context) error {
	f.logouts.Add(1)
	return f.logoutErr
}

var alice = &model.UserIdentity{ID: "u1", Name: "Alice", Email: "alice@example.com"}

// TestBootstrapHydratesOnce hydrated 只从 false 变为 true 一次，重复调用不再访问后端。
func TestBootstrapHydratesOnce(t *testing.T) {
	fb := &fakeBackend{me: alice}
	s := New(fb, storage.NewMemoryStore(), nil)

	updates, cancel := s.Subscribe()
	defer cancel()

	require.False(t, s.Snapshot().Hydrated)
	require.NoError(t, s.Bootstrap(context.Background()))
	require.NoError(t, s.Bootstrap(context.Background()))

	snap := s.Snapshot()
	require.True(t, snap.Hydrated)
	require.False(t, snap.Checking)
	require.True(t, snap.IsAuthenticated())
	require.Equal(t, int32(1), fb.meCalls.Load())

	// 订阅者只缓冲最新快照
	last := <-updates
	require.True(t, last.Hydrated)
}

// TestBootstrapAdoptsPersistedCredentials 存储里 user/token 齐全时不访问身份接口。
func TestBootstrapAdoptsPersistedCredentials(t *testing.T) {
	creds := storage.NewMemoryStore()
	require.NoError(t, creds.Save(context.Background(), model.Credentials{User: alice, Token: "t1"}))

	fb := &fakeBackend{}
	s := New(fb, creds, nil)
	require.NoError(t, s.Bootstrap(context.Background()))

	snap := s.Snapshot()
	require.Equal(t, "u1", snap.User.ID)
	require.Equal(t, "t1", snap.Token)
	require.Equal(t, int32(0), fb.meCalls.Load())
}

// TestBootstrapFailureLeavesEmptySession 身份接口失败时会话为空，但仍然 hydrated。
func TestBootstrapFailureLeavesEmptySession(t *testing.T) {
	fb := &fakeBackend{meErr: backend.ErrTransientFailure}
	s := New(fb, storage.NewMemoryStore(), nil)
	require.NoError(t, s.Bootstrap(context.Background()))

	snap := s.Snapshot()
	require.True(t, snap.Hydrated)
	require.False(t, snap.IsAuthenticated())
}

// TestBootstrapCancelledCommitsNothing 取消的 bootstrap 不提交任何状态，之后可以重试。
func TestBootstrapCancelledCommitsNothing(t *testing.T) {
	fb := &fakeBackend{me: alice, meBlock: true}
	s := New(fb, storage.NewMemoryStore(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Bootstrap(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	snap := s.Snapshot()
	require.False(t, snap.Hydrated)
	require.False(t, snap.Checking)
	require.Nil(t, snap.User)

	fb.mu.Lock()
	fb.meBlock = false
	fb.mu.Unlock()
	require.NoError(t, s.Bootstrap(context.Background()))
	require.True(t, s.Snapshot().Hydrated)
	require.Equal(t, "u1", s.Snapshot().User.ID)
}

// TestLoginValidationSkipsNetwork 本地校验失败不发请求。
func TestLoginValidationSkipsNetwork(t *testing.T) {
	fb := &fakeBackend{}
	s := New(fb, storage.NewMemoryStore(), nil)

	_, err := s.Login(context.Background(), model.LoginInput{Email: "", Password: "x"})
	require.ErrorIs(t, err, backend.ErrValidation)
	_, err = s.Login(context.Background(), model.LoginInput{Email: "a@b.c"})
	require.ErrorIs(t, err, backend.ErrValidation)
	require.Equal(t, int32(0), fb.logins.Load())
}

// TestLoginPersistsPairAtomically 登录成功后 user/token 同时写入存储与内存；失败时保持原状态。
func TestLoginPersistsPairAtomically(t *testing.T) {
	creds := storage.NewMemoryStore()
	fb := &fakeBackend{loginResp: &model.AuthResponse{User: alice, Token: "t1"}}
	s := New(fb, creds, nil)

	user, err := s.Login(context.Background(), model.LoginInput{Email: "alice@example.com", Password: "pw"})
	require.NoError(t, err)
	require.Equal(t, "u1", user.ID)

	stored, err := creds.Load(context.Background())
	require.NoError(t, err)
	require.True(t, stored.Complete())
	require.Equal(t, "t1", s.Snapshot().Token)

	fb.loginResp, fb.loginErr = nil, &backend.StatusError{Status: http.StatusBadRequest}
	_, err = s.Login(context.Background(), model.LoginInput{Email: "alice@example.com", Password: "wrong"})
	require.Error(t, err)
	require.Equal(t, "u1", s.Snapshot().User.ID)
}

func TestRegisterReportsUsableSession(t *testing.T) {
	fb := &fakeBackend{loginResp: &model.AuthResponse{}}
	s := New(fb, storage.NewMemoryStore(), nil)

	in := model.RegisterInput{Name: "Alice", Email: "alice@example.com", Password: "pw", ConfirmPassword: "pw"}
	ok, err := s.Register(context.Background(), in)
	require.NoError(t, err)
	require.False(t, ok)

	fb.loginResp = &model.AuthResponse{Token: "t2"}
	fb.me = alice
	ok, err = s.Register(context.Background(), in)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u1", s.Snapshot().User.ID)

	in.ConfirmPassword = "other"
	_, err = s.Register(context.Background(), in)
	require.ErrorIs(t, err, backend.ErrValidation)
}

// TestLogoutClearsEvenWhenRemoteFails 远端登出失败时本地仍然清空。
func TestLogoutClearsEvenWhenRemoteFails(t *testing.T) {
	creds := storage.NewMemoryStore()
	require.NoError(t, creds.Save(context.Background(), model.Credentials{User: alice, Token: "t1"}))
	fb := &fakeBackend{logoutErr: errors.New("boom")}
	s := New(fb, creds, nil)
	require.NoError(t, s.Bootstrap(context.Background()))
	require.True(t, s.Snapshot().IsAuthenticated())

	require.NoError(t, s.Logout(context.Background()))

	require.False(t, s.Snapshot().IsAuthenticated())
	require.Empty(t, s.Snapshot().Token)
	stored, err := creds.Load(context.Background())
	require.NoError(t, err)
	require.True(t, stored.Empty())
	require.Equal(t, int32(2), fb.logouts.Load())
}

// TestDecorateReadsTokenAtCallTime token 在请求时从存储读取，显式 Authorization 不被覆盖。
func TestDecorateReadsTokenAtCallTime(t *testing.T) {
	creds := storage.NewMemoryStore()
	s := New(&fakeBackend{}, creds, nil)

	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	require.NoError(t, s.Decorate(req))
	require.Empty(t, req.Header.Get("Authorization"))

	// 模拟另一个进程写入了新 token
	require.NoError(t, creds.Save(context.Background(), model.Credentials{Token: "fresh"}))
	req, _ = http.NewRequest(http.MethodGet, "http://example.com", nil)
	require.NoError(t, s.Decorate(req))
	require.Equal(t, "Bearer fresh", req.Header.Get("Authorization"))

	req, _ = http.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("Authorization", "Bearer explicit")
	require.NoError(t, s.Decorate(req))
	require.Equal(t, "Bearer explicit", req.Header.Get("Authorization"))

	req, _ = http.NewRequestWithContext(WithBearer(context.Background(), "override"), http.MethodGet, "http://example.com", nil)
	require.NoError(t, s.Decorate(req))
	require.Equal(t, "Bearer override", req.Header.Get("Authorization"))
}

func TestHandleSessionExpired(t *testing.T) {
	creds := storage.NewMemoryStore()
	s := New(&fakeBackend{}, creds, nil)
	require.NoError(t, s.SetAuth(context.Background(), alice, "t1"))
	require.True(t, s.Snapshot().IsAuthenticated())

	s.HandleSessionExpired()

	require.False(t, s.Snapshot().IsAuthenticated())
	stored, err := creds.Load(context.Background())
	require.NoError(t, err)
	require.True(t, stored.Empty())
}

// TestRunReconcilesExternalWrites 其他写入方修改存储后，内存会话跟随变化。
func TestRunReconcilesExternalWrites(t *testing.T) {
	creds := storage.NewMemoryStore()
	defer creds.Close()
	s := New(&fakeBackend{}, creds, nil)
	require.NoError(t, s.Bootstrap(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Watch 注册是异步的，反复写入直到被观察到；先清空保证每次 Save 都是一次变更
	require.Eventually(t, func() bool {
		_ = creds.Clear(context.Background())
		_ = creds.Save(context.Background(), model.Credentials{User: alice, Token: "other-tab"})
		time.Sleep(5 * time.Millisecond)
		return s.Snapshot().Token == "other-tab"
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "u1", s.Snapshot().User.ID)

	require.NoError(t, creds.Clear(context.Background()))
	require.Eventually(t, func() bool {
		return !s.Snapshot().IsAuthenticated()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

var bob = &model.UserIdentity{ID: "u2", Name: "Bob", Email: "bob@example.com"}

// TestBootstrapCancelledAfterResponse 身份接口已经返回但 ctx 在提交前结束，同样不提交。
func TestBootstrapCancelledAfterResponse(t *testing.T) {
	creds := storage.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fb := &fakeBackend{me: alice, meCancel: cancel}
	s := New(fb, creds, nil)

	err := s.Bootstrap(ctx)
	require.ErrorIs(t, err, context.Canceled)

	snap := s.Snapshot()
	require.False(t, snap.Hydrated)
	require.False(t, snap.Checking)
	require.Nil(t, snap.User)
	stored, err := creds.Load(context.Background())
	require.NoError(t, err)
	require.True(t, stored.Empty())
}

// TestBootstrapYieldsToConcurrentLogin 身份检查期间完成的登录不会被 bootstrap 的结果覆盖。
func TestBootstrapYieldsToConcurrentLogin(t *testing.T) {
	creds := storage.NewMemoryStore()
	fb := &fakeBackend{
		me:        alice,
		meEntered: make(chan struct{}, 1),
		meGate:    make(chan struct{}),
		loginResp: &model.AuthResponse{User: bob, Token: "t2"},
	}
	s := New(fb, creds, nil)

	done := make(chan error, 1)
	go func() { done <- s.Bootstrap(context.Background()) }()
	<-fb.meEntered

	_, err := s.Login(context.Background(), model.LoginInput{Email: "bob@example.com", Password: "pw"})
	require.NoError(t, err)
	close(fb.meGate)
	require.NoError(t, <-done)

	snap := s.Snapshot()
	require.True(t, snap.Hydrated)
	require.False(t, snap.Checking)
	require.Equal(t, "u2", snap.User.ID)
	require.Equal(t, "t2", snap.Token)
	stored, err := creds.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "u2", stored.User.ID)
	require.Equal(t, "t2", stored.Token)
}

// TestRecheckAdoptsIdentity 第三方登录回跳后重新检查身份，保留现有 token 并成对写入存储。
func TestRecheckAdoptsIdentity(t *testing.T) {
	creds := storage.NewMemoryStore()
	fb := &fakeBackend{}
	s := New(fb, creds, nil)
	require.NoError(t, s.SetAuth(context.Background(), bob, "t1"))

	fb.mu.Lock()
	fb.me = alice
	fb.mu.Unlock()
	user, err := s.Recheck(context.Background())
	require.NoError(t, err)
	require.Equal(t, "u1", user.ID)

	snap := s.Snapshot()
	require.Equal(t, "u1", snap.User.ID)
	require.Equal(t, "t1", snap.Token)
	require.False(t, snap.Checking)
	stored, err := creds.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "u1", stored.User.ID)
	require.Equal(t, "t1", stored.Token)
}

// TestRecheckClearsWhenAnonymous 身份接口返回空时清空会话与存储。
func TestRecheckClearsWhenAnonymous(t *testing.T) {
	creds := storage.NewMemoryStore()
	s := New(&fakeBackend{}, creds, nil)
	require.NoError(t, s.SetAuth(context.Background(), alice, "t1"))

	user, err := s.Recheck(context.Background())
	require.NoError(t, err)
	require.Nil(t, user)

	snap := s.Snapshot()
	require.False(t, snap.IsAuthenticated())
	require.Empty(t, snap.Token)
	stored, err := creds.Load(context.Background())
	require.NoError(t, err)
	require.True(t, stored.Empty())
}

// TestRecheckDroppedAfterConcurrentLogin 检查期间发生登录时，检查结果不写入。
func TestRecheckDroppedAfterConcurrentLogin(t *testing.T) {
	creds := storage.NewMemoryStore()
	fb := &fakeBackend{
		me:        alice,
		meEntered: make(chan struct{}, 1),
		meGate:    make(chan struct{}),
		loginResp: &model.AuthResponse{User: bob, Token: "t2"},
	}
	s := New(fb, creds, nil)

	type result struct {
		user *model.UserIdentity
		err  error
	}
	done := make(chan result, 1)
	go func() {
		u, err := s.Recheck(context.Background())
		done <- result{u, err}
	}()
	<-fb.meEntered
	require.True(t, s.Snapshot().Checking)

	_, err := s.Login(context.Background(), model.LoginInput{Email: "bob@example.com", Password: "pw"})
	require.NoError(t, err)
	close(fb.meGate)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, "u1", res.user.ID)

	snap := s.Snapshot()
	require.Equal(t, "u2", snap.User.ID)
	require.Equal(t, "t2", snap.Token)
	require.False(t, snap.Checking)
	stored, err := creds.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "u2", stored.User.ID)
}

// TestSetAuthPersistsAndPublishes OAuth 回调直接写入会话，订阅者收到新快照。
func TestSetAuthPersistsAndPublishes(t *testing.T) {
	creds := storage.NewMemoryStore()
	s := New(&fakeBackend{}, creds, nil)
	updates, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.SetAuth(context.Background(), alice, "t1"))

	last := <-updates
	require.Equal(t, "u1", last.User.ID)
	require.Equal(t, "t1", last.Token)
	stored, err := creds.Load(context.Background())
	require.NoError(t, err)
	require.True(t, stored.Complete())
	require.Equal(t, "t1", stored.Token)
}
