package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// 错误分类。调用方统一用 errors.Is 判断，不直接比较状态码。
var (
	// ErrRateLimitExceeded 点赞/评论接口用 403 表示达到每日上限。
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrTransientFailure 其余网络或服务端错误，由用户重新操作，不自动重试。
	ErrTransientFailure = errors.New("transient failure")
	// ErrValidation 本地校验失败，不会发出网络请求。
	ErrValidation = errors.New("validation failure")
	// ErrSessionExpired 任意带凭证请求返回 401。
	ErrSessionExpired = errors.New("session expired")
	// ErrForbidden 点赞/评论以外的接口返回 403（如非管理员访问 /admin）。
	ErrForbidden = errors.New("forbidden")
)

// StatusError 记录非 2xx 响应。Body 只保留前若干字节，便于本地排查。
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
	// Quota 表示该接口用 403 表达每日上限（点赞、评论）。
	Quota bool
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status=%d body=%s", e.Method, e.Path, e.Status, e.Body)
}

// Unwrap 把状态码映射到错误分类。
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return ErrSessionExpired
	case http.StatusTooManyRequests:
		return ErrRateLimitExceeded
	case http.StatusForbidden:
		if e.Quota {
			return ErrRateLimitExceeded
		}
		return ErrForbidden
	default:
		return ErrTransientFailure
	}
}

// Validation 包装本地校验错误。
func Validation(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrValidation, err)
}

// StatusCode 返回错误链上的 HTTP 状态码，没有时返回 0。
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// Kind 返回错误分类的短名，用于日志与推送给 UI 的通知。
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_failure"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrRateLimitExceeded):
		return "rate_limit_exceeded"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "transient_failure"
	}
}
