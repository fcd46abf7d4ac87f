package session

import "context"

type bearerKey struct{}

// WithBearer 让本次请求使用指定 token，而不是存储里的 token。
// 登录接口只返回 token 时，用它在持久化之前补查身份。
func WithBearer(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, bearerKey{}, token)
}

func bearerFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(bearerKey{}).(string)
	return token, ok && token != ""
}
