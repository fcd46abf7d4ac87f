package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"pinboard/server/internal/model"
)

// Me 通过 cookie（或 Bearer）查询当前身份。
// 未登录（401 或空响应）返回 nil, nil，其余错误原样返回。
func (c *Client) Me(ctx context.Context) (*model.UserIdentity, error) {
	var raw json.RawMessage
	err := c.do(ctx, request{method: http.MethodGet, path: "/auth/me", out: &raw, anonymous: true})
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			return nil, nil
		}
		return nil, err
	}
	return decodeIdentity(raw)
}

// decodeIdentity 兼容 {"user": {...}} 与直接返回用户对象两种形态。
func decodeIdentity(raw json.RawMessage) (*model.UserIdentity, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var envelope struct {
		User *model.UserIdentity `json:"user"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.User != nil {
		return envelope.User, nil
	}

	var u model.UserIdentity
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, err
	}
	if u.ID == "" && u.Email == "" {
		return nil, nil
	}
	return &u, nil
}

// Login 调用登录接口。
func (c *Client) Login(ctx context.Context, in model.LoginInput) (*model.AuthResponse, error) {
	var out model.AuthResponse
	err := c.do(ctx, request{method: http.MethodPost, path: "/auth/signin", body: in, out: &out, anonymous: true})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Register 调用注册接口。
func (c *Client) Register(ctx context.Context, in model.RegisterInput) (*model.AuthResponse, error) {
	var out model.AuthResponse
	err := c.do(ctx, request{method: http.MethodPost, path: "/auth/signup", body: in, out: &out, anonymous: true})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout 让服务端失效 JWT 会话。
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/auth/logout", anonymous: true})
}

// LogoutGoogle 终止第三方（Google OAuth）会话。
func (c *Client) LogoutGoogle(ctx context.Context) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/auth/google/logout", anonymous: true})
}
