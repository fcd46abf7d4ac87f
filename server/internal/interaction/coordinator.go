package interaction

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pinboard/server/internal/backend"
	"pinboard/server/internal/logging"
	"pinboard/server/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrInFlight 表示该 pin 已有一个点赞请求未完成，本次操作被丢弃（不排队）。
var ErrInFlight = errors.New("like already in flight")

// Backend 是协调器用到的远端接口，*backend.Client 满足它。
type Backend interface {
	ToggleLike(ctx context.Context, pinID string) error
	LikeStatus(ctx context.Context, pinID string) (model.LikeStatus, error)
	AddComment(ctx context.Context, pinID, text string) (model.CommentRecord, error)
	Report(ctx context.Context, r model.Report) error
	AddView(ctx context.Context, pinID string) error
}

// 订阅者队列容量：满了就丢弃事件（背压控制），订阅方可用 State 补齐。
const subscriberBuffer = 64

// Coordinator 负责点赞/评论/举报的乐观更新：本地立即生效，远端确认失败时回滚。
// 所有状态转换都在 mu 内完成，网络请求在锁外进行。
type Coordinator struct {
	backend Backend
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	pins    map[string]*pinEntry
	version uint64

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Int64
}

func New(b Backend, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		backend: b,
		logger:  logging.OrNop(logger).Named("interaction"),
		now:     time.Now,
		pins:    make(map[string]*pinEntry),
		subs:    make(map[int]chan Event),
	}
}

// entry 懒创建 pin 记录，调用方必须持有 mu。
func (c *Coordinator) entry(pinID string) *pinEntry {
	e, ok := c.pins[pinID]
	if !ok {
		e = &pinEntry{}
		c.pins[pinID] = e
	}
	return e
}

// touch 推进版本号并记到 pin 上，调用方必须持有 mu。
func (c *Coordinator) touch(e *pinEntry) {
	c.version++
	e.seq = c.version
}

// Mark 返回当前版本号。拉取列表之前取一次，再传给 Prime：
// 拉取期间发生过 toggle 的 pin 不会被旧数据覆盖。
func (c *Coordinator) Mark() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// State 返回 pin 的当前交互状态，未知 pin 返回零值。
func (c *Coordinator) State(pinID string) model.InteractionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.pins[pinID]; ok {
		return e.state
	}
	return model.InteractionState{}
}

// ToggleLike 乐观切换点赞。
//
// 已有请求在途时直接返回 ErrInFlight，不发请求。确认请求与调用方的 ctx 取消解耦：
// 交互状态的生命周期长于发起它的视图，中途放弃会让 pending 永远无法清除。
func (c *Coordinator) ToggleLike(ctx context.Context, pinID string) (model.InteractionState, error) {
	c.mu.Lock()
	e := c.entry(pinID)
	if e.state.Pending {
		st := e.state
		c.mu.Unlock()
		c.logger.Debug("toggle dropped, request in flight", zap.String("pin_id", pinID))
		return st, ErrInFlight
	}
	snapshot := e.state
	e.state = Toggled(e.state)
	c.touch(e)
	optimistic := e.state
	c.publishState(pinID, optimistic)
	c.mu.Unlock()

	err := c.backend.ToggleLike(context.WithoutCancel(ctx), pinID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch(e)
	if err != nil {
		e.state = RolledBack(snapshot)
		c.publishState(pinID, e.state)
		c.publish(Event{Kind: EventNotice, PinID: pinID, Notice: noticeFor("like", err)})
		c.logger.Warn("toggle like failed, rolled back",
			zap.String("pin_id", pinID), zap.String("kind", backend.Kind(err)), zap.Error(err))
		return e.state, err
	}
	e.state = Confirmed(e.state)
	c.publishState(pinID, e.state)
	return e.state, nil
}

// LoadInitialState 读取权威点赞状态。只有 pin 空闲且加载期间没有发生 toggle 时才覆盖本地状态；
// ctx 结束（视图已卸载）时丢弃结果。
func (c *Coordinator) LoadInitialState(ctx context.Context, pinID string) (model.InteractionState, error) {
	mark := c.Mark()

	st, err := c.backend.LikeStatus(ctx, pinID)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return c.State(pinID), ctxErr
	}
	if err != nil {
		c.logger.Warn("load like status failed", zap.String("pin_id", pinID), zap.Error(err))
		return c.State(pinID), err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(pinID)
	if !e.canLoad(mark) {
		c.logger.Debug("stale like status discarded", zap.String("pin_id", pinID))
		return e.state, nil
	}
	e.state = Loaded(st)
	c.publishState(pinID, e.state)
	return e.state, nil
}

// Prime 应用列表接口预加载的点赞状态，返回实际生效的数量。
// mark 是拉取列表前的 Mark()；在途的 pin 以及 mark 之后 toggle 过的 pin 保持不变。
func (c *Coordinator) Prime(mark uint64, states map[string]model.LikeStatus) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	applied := 0
	for pinID, st := range states {
		e := c.entry(pinID)
		if !e.canLoad(mark) {
			continue
		}
		next := Loaded(st)
		if next == e.state {
			continue
		}
		e.state = next
		c.publishState(pinID, e.state)
		applied++
	}
	return applied
}

// PrimePins 是 Prime 的便捷形式，直接接收列表接口的 pin。
func (c *Coordinator) PrimePins(mark uint64, pins []model.Pin) int {
	states := make(map[string]model.LikeStatus, len(pins))
	for _, p := range pins {
		states[p.ID] = p.LikeStatus()
	}
	return c.Prime(mark, states)
}

// SubmitComment 发表评论。空白内容不发请求；成功后追加服务端返回的记录并清空草稿，
// 失败保留草稿并推送提示。
func (c *Coordinator) SubmitComment(ctx context.Context, pinID, text string) (*model.CommentRecord, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, backend.Validation(errors.New("comment text is empty"))
	}

	rec, err := c.backend.AddComment(ctx, pinID, trimmed)
	if ctxErr := ctx.Err(); ctxErr != nil {
		if err == nil {
			c.logger.Info("comment created after view closed, not appended", zap.String("pin_id", pinID))
		}
		return nil, ctxErr
	}
	if err != nil {
		c.publish(Event{Kind: EventNotice, PinID: pinID, Notice: noticeFor("comment", err)})
		c.logger.Warn("submit comment failed",
			zap.String("pin_id", pinID), zap.String("kind", backend.Kind(err)), zap.Error(err))
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(pinID)
	e.comments = append(e.comments, rec)
	e.draft = ""
	c.publish(Event{Kind: EventComment, PinID: pinID, Comment: &rec})
	return &rec, nil
}

// SetDraft 保存未提交的评论草稿。
func (c *Coordinator) SetDraft(pinID, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(pinID).draft = text
}

func (c *Coordinator) Draft(pinID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.pins[pinID]; ok {
		return e.draft
	}
	return ""
}

// Comments 返回评论列表副本，按追加顺序。
func (c *Coordinator) Comments(pinID string) []model.CommentRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pins[pinID]
	if !ok {
		return []model.CommentRecord{}
	}
	out := make([]model.CommentRecord, len(e.comments))
	copy(out, e.comments)
	return out
}

// SeedComments 用详情接口返回的评论替换本地列表。
func (c *Coordinator) SeedComments(pinID string, comments []model.CommentRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(pinID)
	e.comments = append(make([]model.CommentRecord, 0, len(comments)), comments...)
}

// SubmitReport 提交举报，不改动任何交互状态。
func (c *Coordinator) SubmitReport(ctx context.Context, r model.Report) error {
	if err := r.Validate(); err != nil {
		return backend.Validation(err)
	}
	if err := c.backend.Report(ctx, r); err != nil {
		c.publish(Event{Kind: EventNotice, Notice: &Notice{
			Level:   NoticeError,
			Kind:    backend.Kind(err),
			Message: "Could not send your report. Please try again.",
		}})
		c.logger.Warn("submit report failed",
			zap.String("target_type", string(r.TargetType)), zap.String("target_id", r.TargetID), zap.Error(err))
		return err
	}
	c.publish(Event{Kind: EventNotice, Notice: &Notice{
		Level:   NoticeInfo,
		Message: "Thanks, your report has been sent.",
	}})
	c.logger.Info("report submitted",
		zap.String("target_type", string(r.TargetType)), zap.String("target_id", r.TargetID), zap.String("type", string(r.Kind)))
	return nil
}

// RecordView 尽力记录一次浏览，失败只记日志。
func (c *Coordinator) RecordView(ctx context.Context, pinID string) error {
	if err := c.backend.AddView(ctx, pinID); err != nil {
		c.logger.Debug("record view failed", zap.String("pin_id", pinID), zap.Error(err))
		return err
	}
	return nil
}

// Subscribe 订阅交互事件。队列满时新事件被丢弃并计数。
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if s, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(s)
		}
	}
}

// Dropped 返回因订阅者积压而丢弃的事件数。
func (c *Coordinator) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Coordinator) publishState(pinID string, st model.InteractionState) {
	c.publish(Event{Kind: EventState, PinID: pinID, State: &st})
}

func (c *Coordinator) publish(evt Event) {
	evt.ID = uuid.NewString()
	evt.At = c.now()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- evt:
		default:
			c.dropped.Add(1)
		}
	}
}
