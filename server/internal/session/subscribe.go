package session

import "pinboard/server/internal/model"

// Subscribe 订阅会话变更。每个订阅者只缓冲最新一份快照，
// 慢消费者会跳过中间状态，但总能拿到最后的状态。
// 返回的 cancel 可重复调用。
func (s *Store) Subscribe() (<-chan model.Session, func()) {
	ch := make(chan model.Session, 1)

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (s *Store) publish(snap model.Session) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		// 丢弃尚未被读取的旧快照，保证最新值能放进去
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- copySession(snap):
		default:
		}
	}
}
