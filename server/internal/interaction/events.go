package interaction

import (
	"errors"
	"time"

	"pinboard/server/internal/backend"
	"pinboard/server/internal/model"
)

// EventKind 推送给订阅者的事件类型。
type EventKind string

const (
	EventState   EventKind = "interaction_state"
	EventComment EventKind = "comment_added"
	EventNotice  EventKind = "notice"
)

// NoticeLevel 通知级别。
type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

// Notice 是给用户看的提示，Kind 取自 backend.Kind。
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Kind    string      `json:"kind,omitempty"`
	Message string      `json:"message"`
}

// Event 是一次状态变化。PinID 为空表示与具体 pin 无关（如举报结果）。
type Event struct {
	ID      string                  `json:"id"`
	Kind    EventKind               `json:"type"`
	PinID   string                  `json:"pinId,omitempty"`
	State   *model.InteractionState `json:"state,omitempty"`
	Comment *model.CommentRecord    `json:"comment,omitempty"`
	Notice  *Notice                 `json:"notice,omitempty"`
	At      time.Time               `json:"at"`
}

// noticeFor 把失败归类成用户可读的提示。
func noticeFor(action string, err error) *Notice {
	n := &Notice{Level: NoticeError, Kind: backend.Kind(err)}
	switch {
	case errors.Is(err, backend.ErrValidation):
		n.Message = "Please check the " + action + " and try again."
	case errors.Is(err, backend.ErrSessionExpired):
		n.Message = "Your session has expired. Please sign in again."
	case errors.Is(err, backend.ErrRateLimitExceeded):
		n.Message = "You have reached today's " + action + " limit. Try again tomorrow."
	default:
		n.Message = "Could not save your " + action + ". Please try again."
	}
	return n
}
