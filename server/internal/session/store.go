package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"pinboard/server/internal/backend"
	"pinboard/server/internal/logging"
	"pinboard/server/internal/model"
	"pinboard/server/internal/storage"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Backend 是 Store 用到的身份接口，*backend.Client 满足它。
type Backend interface {
	Me(ctx context.Context) (*model.UserIdentity, error)
	Login(ctx context.Context, in model.LoginInput) (*model.AuthResponse, error)
	Register(ctx context.Context, in model.RegisterInput) (*model.AuthResponse, error)
	Logout(ctx context.Context) error
	LogoutGoogle(ctx context.Context) error
}

// Store 维护当前登录会话，并与持久化存储保持一致。
//
// 锁的分工：
//   - bootMu 串行化 Bootstrap，保证 hydrated 只提交一次；
//   - writeMu 串行化“写存储 + 改内存”这一对操作，跨进程的 reconcile 也走它，
//     避免过期的 Load 结果覆盖刚刚完成的本地写入；
//   - mu 只保护 state，读路径不会被网络请求阻塞。
type Store struct {
	backend Backend
	creds   storage.CredentialStore
	logger  *zap.Logger

	bootMu       sync.Mutex
	bootstrapped bool

	writeMu sync.Mutex

	mu    sync.RWMutex
	state model.Session
	// gen 每次本地提交递增；网络请求返回时 gen 已变化说明期间有更新的写入。
	gen uint64

	subMu  sync.Mutex
	subs   map[int]chan model.Session
	nextID int
}

func New(b Backend, creds storage.CredentialStore, logger *zap.Logger) *Store {
	return &Store{
		backend: b,
		creds:   creds,
		logger:  logging.OrNop(logger).Named("session"),
		subs:    make(map[int]chan model.Session),
	}
}

// Snapshot 返回当前会话的副本。
func (s *Store) Snapshot() model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySession(s.state)
}

// Bootstrap 首次恢复会话：存储里 user/token 齐全时直接采用，否则询问 /auth/me。
// ctx 在结果提交前结束时不改任何状态（包括 hydrated），之后可以再次调用。
func (s *Store) Bootstrap(ctx context.Context) error {
	s.bootMu.Lock()
	defer s.bootMu.Unlock()
	if s.bootstrapped {
		return nil
	}

	gen := s.setChecking(true)

	creds, err := s.creds.Load(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.setChecking(false)
			return ctxErr
		}
		s.logger.Warn("load persisted credentials failed", zap.Error(err))
		creds = model.Credentials{}
	}

	var identity *model.UserIdentity
	if creds.Complete() {
		identity = creds.User
	} else {
		me, err := s.backend.Me(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("identity check failed", zap.Error(err))
		}
		identity = me
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// 等锁期间 ctx 也可能结束，检查放在锁内
	if ctxErr := ctx.Err(); ctxErr != nil {
		s.setChecking(false)
		return ctxErr
	}

	s.mu.RLock()
	fresh := s.gen == gen
	s.mu.RUnlock()

	// 期间有登录/登出等更新的写入时只标记 hydrated，不覆盖它们的结果
	if fresh && identity != nil && !creds.Complete() {
		if err := s.creds.Save(context.WithoutCancel(ctx), model.Credentials{User: identity, Token: creds.Token}); err != nil {
			s.logger.Warn("persist identity failed", zap.Error(err))
		}
	}

	s.mu.Lock()
	if fresh {
		s.state.User = copyUser(identity)
		if identity != nil {
			s.state.Token = creds.Token
		} else {
			s.state.Token = ""
		}
	}
	s.state.Hydrated = true
	s.state.Checking = false
	s.gen++
	snap := copySession(s.state)
	s.publish(snap)
	s.mu.Unlock()

	s.bootstrapped = true
	s.logger.Info("session hydrated", zap.Bool("authenticated", snap.IsAuthenticated()))
	return nil
}

// Recheck 重新询问身份接口，用于第三方登录回跳之后。
func (s *Store) Recheck(ctx context.Context) (*model.UserIdentity, error) {
	gen := s.setChecking(true)

	me, err := s.backend.Me(ctx)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if ctxErr := ctx.Err(); ctxErr != nil {
		s.setChecking(false)
		return nil, ctxErr
	}
	if err != nil {
		s.setChecking(false)
		s.logger.Warn("identity recheck failed", zap.Error(err))
		return nil, err
	}

	s.mu.RLock()
	stale := s.gen != gen
	token := s.state.Token
	s.mu.RUnlock()
	if stale {
		s.setChecking(false)
		return copyUser(me), nil
	}

	persistCtx := context.WithoutCancel(ctx)
	if me != nil {
		err = s.creds.Save(persistCtx, model.Credentials{User: me, Token: token})
	} else {
		token = ""
		err = s.creds.Clear(persistCtx)
	}
	if err != nil {
		s.logger.Warn("persist recheck result failed", zap.Error(err))
	}

	s.commit(func(st *model.Session) {
		st.User = copyUser(me)
		st.Token = token
		st.Checking = false
	})
	return copyUser(me), nil
}

// Login 本地校验后登录，成功时原子写入 user/token 并更新会话；失败不改变原状态。
func (s *Store) Login(ctx context.Context, in model.LoginInput) (*model.UserIdentity, error) {
	if err := in.Validate(); err != nil {
		return nil, backend.Validation(err)
	}
	resp, err := s.backend.Login(ctx, in)
	if err != nil {
		s.logger.Info("login failed", zap.String("kind", backend.Kind(err)), zap.Error(err))
		return nil, err
	}
	creds, err := s.completeAuth(ctx, resp)
	if err != nil {
		return nil, err
	}
	if creds.Empty() {
		return nil, fmt.Errorf("%w: login response carries no session", backend.ErrTransientFailure)
	}
	if err := s.adopt(ctx, creds); err != nil {
		return nil, err
	}
	s.logger.Info("logged in", zap.String("user_id", userID(creds.User)))
	return copyUser(creds.User), nil
}

// Register 注册，返回是否得到了可用的会话（user 或 token 任一存在）。
func (s *Store) Register(ctx context.Context, in model.RegisterInput) (bool, error) {
	if err := in.Validate(); err != nil {
		return false, backend.Validation(err)
	}
	resp, err := s.backend.Register(ctx, in)
	if err != nil {
		s.logger.Info("register failed", zap.String("kind", backend.Kind(err)), zap.Error(err))
		return false, err
	}
	creds, err := s.completeAuth(ctx, resp)
	if err != nil {
		return false, err
	}
	if creds.Empty() {
		return false, nil
	}
	if err := s.adopt(ctx, creds); err != nil {
		return false, err
	}
	return true, nil
}

// completeAuth 只拿到 token 时，用这个 token 补查一次身份。
func (s *Store) completeAuth(ctx context.Context, resp *model.AuthResponse) (model.Credentials, error) {
	if resp == nil {
		return model.Credentials{}, nil
	}
	creds := model.Credentials{User: resp.User, Token: resp.Token}
	if creds.User != nil || creds.Token == "" {
		return creds, nil
	}

	me, err := s.backend.Me(WithBearer(ctx, creds.Token))
	if err != nil {
		s.logger.Warn("identity lookup after auth failed", zap.Error(err))
		return creds, nil
	}
	creds.User = me
	return creds, nil
}

// SetAuth 直接设置会话，供 OAuth 回调使用。
func (s *Store) SetAuth(ctx context.Context, user *model.UserIdentity, token string) error {
	return s.adopt(ctx, model.Credentials{User: user, Token: token})
}

func (s *Store) adopt(ctx context.Context, creds model.Credentials) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.creds.Save(ctx, creds); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	s.commit(func(st *model.Session) {
		st.User = copyUser(creds.User)
		st.Token = creds.Token
	})
	return nil
}

// Logout 先清空内存与持久化状态，再尽力通知服务端。
// 远端失败只记日志，不会恢复已清空的会话。
func (s *Store) Logout(ctx context.Context) error {
	s.writeMu.Lock()
	s.commit(func(st *model.Session) {
		st.User = nil
		st.Token = ""
	})
	clearErr := s.creds.Clear(context.WithoutCancel(ctx))
	s.writeMu.Unlock()
	if clearErr != nil {
		s.logger.Error("clear persisted credentials failed", zap.Error(clearErr))
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := s.backend.Logout(ctx); err != nil {
			s.logger.Warn("remote logout failed", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		if err := s.backend.LogoutGoogle(ctx); err != nil {
			s.logger.Warn("third-party logout failed", zap.Error(err))
		}
		return nil
	})
	_ = g.Wait()

	s.logger.Info("logged out")
	return clearErr
}

// HandleSessionExpired 在任意带凭证请求收到 401 时清空会话。
func (s *Store) HandleSessionExpired() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	wasAuthenticated := s.state.User != nil || s.state.Token != ""
	s.mu.RUnlock()

	if err := s.creds.Clear(context.Background()); err != nil {
		s.logger.Error("clear expired credentials failed", zap.Error(err))
	}
	if !wasAuthenticated {
		return
	}
	s.commit(func(st *model.Session) {
		st.User = nil
		st.Token = ""
	})
	s.logger.Warn("session expired, cleared")
}

// Decorate 给请求补上 Bearer。token 在调用时从存储读取，
// 这样其他进程写入的新 token 立即生效；调用方显式设置的 Authorization 不覆盖。
func (s *Store) Decorate(req *http.Request) error {
	if req.Header.Get("Authorization") != "" {
		return nil
	}
	if token, ok := bearerFromContext(req.Context()); ok {
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
	creds, err := s.creds.Load(req.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		s.logger.Warn("read token for request failed", zap.Error(err))
		return nil
	}
	if creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	}
	return nil
}

// Run 监听持久化存储的变更，把其他写入方的改动同步到内存，直到 ctx 结束。
func (s *Store) Run(ctx context.Context) error {
	ch, err := s.creds.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch credentials: %w", err)
	}
	for change := range ch {
		s.logger.Debug("credential change", zap.Strings("keys", change.Keys))
		s.reconcile(ctx)
	}
	return nil
}

func (s *Store) reconcile(ctx context.Context) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	creds, err := s.creds.Load(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("reload credentials failed", zap.Error(err))
		}
		return
	}

	s.mu.RLock()
	same := sameUser(s.state.User, creds.User) && s.state.Token == creds.Token
	s.mu.RUnlock()
	if same {
		return
	}

	s.commit(func(st *model.Session) {
		st.User = copyUser(creds.User)
		st.Token = creds.Token
	})
	s.logger.Info("session reconciled from storage", zap.Bool("authenticated", creds.User != nil))
}

func (s *Store) setChecking(v bool) uint64 {
	s.mu.Lock()
	s.state.Checking = v
	gen := s.gen
	s.publish(copySession(s.state))
	s.mu.Unlock()
	return gen
}

// commit 在锁内修改 state 并广播新快照。广播也在锁内，保证订阅者看到的顺序与提交顺序一致。
func (s *Store) commit(fn func(*model.Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	s.gen++
	s.publish(copySession(s.state))
}

func userID(u *model.UserIdentity) string {
	if u == nil {
		return ""
	}
	return u.ID
}

func copyUser(u *model.UserIdentity) *model.UserIdentity {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

func copySession(s model.Session) model.Session {
	s.User = copyUser(s.User)
	return s
}

func sameUser(a, b *model.UserIdentity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
