package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pinboard/server/internal/backend"
	"pinboard/server/internal/config"
	"pinboard/server/internal/interaction"
	"pinboard/server/internal/model"
	"pinboard/server/internal/session"
	"pinboard/server/internal/storage"
	"pinboard/server/internal/stream"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeRemote 模拟外部 REST 后端。
type fakeRemote struct {
	likeStatus atomic.Int32
	likeCalls  atomic.Int32
	lastAuth   atomic.Value
	views      atomic.Int32

	mu sync.Mutex
	// meBody 非空时 /auth/me 返回它，否则 401
	meBody string
	// listEntered/listGate 用来让 /pins 停在响应之前
	listEntered chan struct{}
	listGate    chan struct{}
}

func (f *fakeRemote) set(fn func(*fakeRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeRemote) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/signin", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"user":{"id":"u1","email":"alice@example.com","role":"admin"},"token":"t1"}`)
	})
	mux.HandleFunc("GET /auth/me", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		body := f.meBody
		f.mu.Unlock()
		if body == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, body)
	})
	mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("POST /auth/google/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("POST /pins/like/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.likeCalls.Add(1)
		f.lastAuth.Store(r.Header.Get("Authorization"))
		if code := f.likeStatus.Load(); code != 0 {
			w.WriteHeader(int(code))
			return
		}
		_, _ = io.WriteString(w, `{}`)
	})
	mux.HandleFunc("GET /pins", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		entered, gate := f.listEntered, f.listGate
		f.mu.Unlock()
		if entered != nil {
			entered <- struct{}{}
		}
		if gate != nil {
			<-gate
		}
		_, _ = io.WriteString(w, `[{"id":"p1","likesCount":5,"liked":false,"user":"u2"},{"id":"p2","likesCount":1,"liked":true,"user":"u2"}]`)
	})
	mux.HandleFunc("POST /pins/comments/{id}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, `{"id":"c1","text":"`+body.Text+`","createdAt":"2025-01-01T00:00:00Z","user":{"id":"u1","name":"Alice"}}`)
	})
	mux.HandleFunc("POST /reports", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TargetID string `json:"targetId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.TargetID == "forbidden" {
			w.WriteHeader(http.StatusForbidden)
		}
	})
	mux.HandleFunc("POST /pins/view/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.views.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	return mux
}

type harness struct {
	remote  *fakeRemote
	session *session.Store
	coord   *interaction.Coordinator
	handler http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	remote := &fakeRemote{}
	ts := httptest.NewServer(remote.handler())
	t.Cleanup(ts.Close)

	client, err := backend.NewClient(config.APIConfig{BaseURL: ts.URL, Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	sess := session.New(client, storage.NewMemoryStore(), nil)
	client.Use(sess)
	client.OnUnauthorized(sess.HandleSessionExpired)
	coord := interaction.New(client, nil)
	hub := stream.NewHub(config.StreamConfig{}, nil)
	t.Cleanup(hub.Close)

	cfg := config.Default().Server
	srv := NewServer(cfg, sess, coord, client, hub, nil)
	return &harness{remote: remote, session: sess, coord: coord, handler: srv.Routes()}
}

func (h *harness) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec, body := h.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected healthz response: %d %v", rec.Code, body)
	}
}

// TestLoginThenLikeCarriesBearer 登录后点赞请求带上持久化的 token。
func TestLoginThenLikeCarriesBearer(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodPost, "/api/session/login", `{"email":"alice@example.com","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["isAuthenticated"])
	require.Equal(t, true, body["isAdmin"])

	rec, body = h.do(t, http.MethodPost, "/api/pins/p1/like", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["liked"])
	require.Equal(t, float64(1), body["likesCount"])
	require.Equal(t, "Bearer t1", h.remote.lastAuth.Load())
}

func TestLoginValidationIsBadRequest(t *testing.T) {
	h := newHarness(t)
	rec, body := h.do(t, http.MethodPost, "/api/session/login", `{"email":"","password":"pw"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "validation_failure", body["kind"])
}

// TestLikeRateLimitedRollsBack 403 映射为 429，状态回滚到列表预加载的值。
func TestLikeRateLimitedRollsBack(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.do(t, http.MethodGet, "/api/pins", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, model.InteractionState{LikesCount: 5}, h.coord.State("p1"))

	h.remote.likeStatus.Store(http.StatusForbidden)
	rec, body := h.do(t, http.MethodPost, "/api/pins/p1/like", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "rate_limit_exceeded", body["kind"])
	require.Equal(t, model.InteractionState{LikesCount: 5}, h.coord.State("p1"))
}

// TestLikeUnauthorizedClearsSession 401 清空会话，桥接层返回 401。
func TestLikeUnauthorizedClearsSession(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.do(t, http.MethodPost, "/api/session/login", `{"email":"alice@example.com","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	h.remote.likeStatus.Store(http.StatusUnauthorized)
	rec, body := h.do(t, http.MethodPost, "/api/pins/p2/like", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "session_expired", body["kind"])
	require.False(t, h.session.Snapshot().IsAuthenticated())
}

func TestCommentFlow(t *testing.T) {
	h := newHarness(t)

	rec, _ := h.do(t, http.MethodPut, "/api/pins/p1/draft", `{"text":"hello"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec, body := h.do(t, http.MethodPost, "/api/pins/p1/comments", `{"text":"   "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "validation_failure", body["kind"])

	rec, body = h.do(t, http.MethodPost, "/api/pins/p1/comments", `{"text":"hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "hello", body["text"])

	rec, body = h.do(t, http.MethodGet, "/api/pins/p1/comments", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["comments"], 1)
	require.Equal(t, "", body["draft"])
}

func TestReportValidation(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.do(t, http.MethodPost, "/api/reports", `{"targetType":"board","targetId":"p1","type":"spam"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/api/reports", `{"targetType":"pin","targetId":"p1","type":"spam","reason":"ads"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
}

// TestLogoutSucceedsDespiteRemoteFailure 第三方登出失败不影响本地清空。
func TestLogoutSucceedsDespiteRemoteFailure(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.do(t, http.MethodPost, "/api/session/login", `{"email":"alice@example.com","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := h.do(t, http.MethodPost, "/api/session/logout", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, body["isAuthenticated"])
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/pins/p1/like", nil)
	req.Header.Set("Origin", "http://localhost:3001")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "http://localhost:3001", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/pins/p1/like", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

// TestListFetchedBeforeToggleKeepsConfirmedLike 列表请求在途时完成的点赞不会被旧列表覆盖。
func TestListFetchedBeforeToggleKeepsConfirmedLike(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.do(t, http.MethodGet, "/api/pins", "")
	require.Equal(t, http.StatusOK, rec.Code)

	entered, gate := make(chan struct{}, 1), make(chan struct{})
	h.remote.set(func(f *fakeRemote) { f.listEntered, f.listGate = entered, gate })

	listed := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "/api/pins", nil)
		rr := httptest.NewRecorder()
		h.handler.ServeHTTP(rr, req)
		listed <- rr
	}()
	<-entered

	rec, body := h.do(t, http.MethodPost, "/api/pins/p1/like", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["liked"])
	require.Equal(t, float64(6), body["likesCount"])

	close(gate)
	rr := <-listed
	require.Equal(t, http.StatusOK, rr.Code)

	want := model.InteractionState{Liked: true, LikesCount: 6}
	require.Equal(t, want, h.coord.State("p1"))

	var pins []model.Pin
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pins))
	require.Equal(t, "p1", pins[0].ID)
	require.True(t, pins[0].Liked)
	require.Equal(t, uint(6), pins[0].LikesCount)
}

// TestRecheckAdoptsCookieSession 回跳后的重新检查采用 cookie 会话返回的身份。
func TestRecheckAdoptsCookieSession(t *testing.T) {
	h := newHarness(t)
	rec, body := h.do(t, http.MethodPost, "/api/session/recheck", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, body["isAuthenticated"])

	h.remote.set(func(f *fakeRemote) {
		f.meBody = `{"user":{"id":"u3","name":"Carol","email":"carol@example.com"}}`
	})
	rec, body = h.do(t, http.MethodPost, "/api/session/recheck", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["isAuthenticated"])
	require.Equal(t, false, body["checking"])
	require.Equal(t, "u3", h.session.Snapshot().User.ID)
}

// TestRecordViewFailureIsAccepted 浏览计数失败不影响调用方。
func TestRecordViewFailureIsAccepted(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.do(t, http.MethodPost, "/api/pins/p1/view", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, int32(1), h.remote.views.Load())
}

// TestForbiddenIsNotRateLimit 非点赞/评论接口的 403 映射为 403，而不是 429。
func TestForbiddenIsNotRateLimit(t *testing.T) {
	h := newHarness(t)
	rec, body := h.do(t, http.MethodPost, "/api/reports", `{"targetType":"pin","targetId":"forbidden","type":"spam","reason":"ads"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "forbidden", body["kind"])
}
