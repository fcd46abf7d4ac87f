package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"pinboard/server/internal/config"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
)

// maxErrorBody 错误响应只读取少量内容，不要把整段 body 透传给上层。
const maxErrorBody = 4096

// Decorator 在请求发出前补齐凭证（Bearer token 等）。
type Decorator interface {
	Decorate(req *http.Request) error
}

// Client 封装对外部 REST 后端的调用。
// 所有请求共享同一个 cookie jar，等价于浏览器的 credentials: "include"。
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	mu             sync.RWMutex
	decorator      Decorator
	onUnauthorized func()
}

// NewClient 创建后端客户端。
func NewClient(cfg config.APIConfig, logger *zap.Logger) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
		logger: logger.Named("backend"),
	}, nil
}

// Use 设置请求装饰器。SessionStore 依赖 Client，因此只能在构造后注入。
func (c *Client) Use(d Decorator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decorator = d
}

// OnUnauthorized 注册 401 回调（清空本地会话）。
func (c *Client) OnUnauthorized(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUnauthorized = fn
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	out    any
	// anonymous 表示 401 是预期结果（例如 /auth/me 未登录），不触发会话清理。
	anonymous bool
	// quota 表示 403 代表达到每日上限。
	quota bool
}

func (c *Client) do(ctx context.Context, r request) error {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)

	c.mu.RLock()
	decorator := c.decorator
	onUnauthorized := c.onUnauthorized
	c.mu.RUnlock()

	if decorator != nil {
		if err := decorator.Decorate(req); err != nil {
			return fmt.Errorf("decorate request: %w", err)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.Warn("request failed",
			zap.String("method", r.method), zap.String("path", r.path),
			zap.String("request_id", reqID), zap.Error(err))
		return fmt.Errorf("%w: %s %s: %w", ErrTransientFailure, r.method, r.path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("request",
		zap.String("method", r.method), zap.String("path", r.path),
		zap.Int("status", resp.StatusCode), zap.Duration("latency", time.Since(start)),
		zap.String("request_id", reqID))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		limited, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{Method: r.method, Path: r.path, Status: resp.StatusCode, Body: string(limited), Quota: r.quota}
		if resp.StatusCode == http.StatusUnauthorized && !r.anonymous && onUnauthorized != nil {
			c.logger.Warn("session expired", zap.String("path", r.path))
			onUnauthorized()
		}
		return se
	}

	if r.out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(r.out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: decode %s response: %w", ErrTransientFailure, r.path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, request{method: http.MethodGet, path: path, query: query, out: out})
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, request{method: http.MethodPost, path: path, body: body, out: out})
}

func (c *Client) patch(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, request{method: http.MethodPatch, path: path, body: body, out: out})
}

func (c *Client) put(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, request{method: http.MethodPut, path: path, body: body, out: out})
}

func (c *Client) delete(ctx context.Context, path string, out any) error {
	return c.do(ctx, request{method: http.MethodDelete, path: path, out: out})
}

func esc(id string) string {
	return url.PathEscape(id)
}
