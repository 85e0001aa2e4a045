package internal

import (
	"database/sql"
	"sync"

	"github.com/robfig/cron/v3"

	"taskpool/internal/model"
)

// Scheduler 按 source 表中的 cron 表达式定时投递任务，@daemon 的 source 作为常驻任务运行
type Scheduler struct {
	pool *Pool
	db   *sql.DB
	cron *cron.Cron

	mu       sync.Mutex
	crontabs map[string]cron.EntryID
	daemons  map[string]*TaskHandle
}

func NewScheduler(pool *Pool, db *sql.DB) *Scheduler {
	s := &Scheduler{
		pool:     pool,
		db:       db,
		cron:     cron.New(),
		crontabs: make(map[string]cron.EntryID),
		daemons:  make(map[string]*TaskHandle),
	}
	s.cron.Start()
	return s
}

// Reload 重新加载名称匹配 name 的 source（支持 like 通配符，空字符串表示全部）
func (s *Scheduler) Reload(name string) error {
	if name == "" {
		name = "%"
	}

	rows, err := s.db.Query("select name, active, cron from source where name like ?", name)
	if err != nil {
		return err
	}
	defer rows.Close()

	var sources []model.Source
	for rows.Next() {
		var source model.Source
		if err := rows.Scan(&source.Name, &source.Active, &source.Cron); err != nil {
			return err
		}
		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, source := range sources {
		if err := s.schedule(source); err != nil {
			LogWithError(err, -1)
		}
	}
	return nil
}

func (s *Scheduler) schedule(source model.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stop(source.Name)
	if !source.Active || source.Cron == "" {
		return nil
	}

	if source.Cron == model.Daemon {
		s.runDaemon(source.Name)
		return nil
	}

	name := source.Name
	id, err := s.cron.AddFunc(source.Cron, func() {
		s.pool.PostTaskFromSource("source:"+name).Catch(func(err error) {
			LogWithError(err, -1)
		})
	})
	if err != nil {
		return err
	}
	s.crontabs[name] = id
	return nil
}

// Remove 停止 source 对应的定时任务或常驻任务
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop(name)
}

func (s *Scheduler) stop(name string) {
	if id, ok := s.crontabs[name]; ok {
		s.cron.Remove(id)
		delete(s.crontabs, name)
	}
	if h, ok := s.daemons[name]; ok {
		h.Exit()
		delete(s.daemons, name)
	}
}

func (s *Scheduler) Crontabs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.crontabs)
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.daemons {
		s.stop(name)
	}
}
