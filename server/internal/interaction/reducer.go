package interaction

import "pinboard/server/internal/model"

// Toggled 只做状态归约，不触发外部调用：
// liked 取反，计数 ±1 且不低于 0，进入 pending。
func Toggled(s model.InteractionState) model.InteractionState {
	next := model.InteractionState{Liked: !s.Liked, LikesCount: s.LikesCount, Pending: true}
	if next.Liked {
		next.LikesCount++
	} else if next.LikesCount > 0 {
		next.LikesCount--
	}
	return next
}

// Confirmed 服务端确认后只清除 pending，计数保持乐观值。
func Confirmed(s model.InteractionState) model.InteractionState {
	s.Pending = false
	return s
}

// RolledBack 失败时回到切换前的快照。
func RolledBack(snapshot model.InteractionState) model.InteractionState {
	snapshot.Pending = false
	return snapshot
}

// Loaded 把权威状态转成空闲的交互状态。
func Loaded(st model.LikeStatus) model.InteractionState {
	return model.InteractionState{Liked: st.Liked, LikesCount: st.LikesCount}
}

// pinEntry 是单个 pin 的交互记录。
// seq 是该 pin 最近一次 toggle 开始或结束时协调器的版本号。
type pinEntry struct {
	state    model.InteractionState
	seq      uint64
	comments []model.CommentRecord
	draft    string
}

// canLoad 判断在版本 mark 时发起的加载结果能否写入：必须空闲，且 mark 之后没有 toggle。
func (e *pinEntry) canLoad(mark uint64) bool {
	return !e.state.Pending && e.seq <= mark
}
