package internal

// runDaemon 投递常驻任务，任务失败或退出后不会自动重启，需重新激活 source
func (s *Scheduler) runDaemon(name string) {
	h := s.pool.PostTaskFromSource("source:" + name)
	s.daemons[name] = h

	h.subscribe(func(_ any, err error) {
		if err != nil {
			LogWithError(err, -1)
		} else if h.State() == TaskPersistent {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.daemons[name] == h {
			delete(s.daemons, name)
		}
	})
}

// Daemons 返回正在运行的常驻任务名称及状态，已退出或失败的常驻任务在此被清理
func (s *Scheduler) Daemons() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make(map[string]string, len(s.daemons))
	for name, h := range s.daemons {
		state := h.State()
		if state.Ended() {
			delete(s.daemons, name)
			continue
		}
		states[name] = state.String()
	}
	return states
}
