package session

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"CapStatsServer/internal/logger"
)

// DefaultSweepSpec 默认清理周期
const DefaultSweepSpec = "@every 1m"

// Sweeper 定时清理超时会话
//
// TTL为0时不清理任何会话。
type Sweeper struct {
	table   *Table
	cron    *cron.Cron
	spec    string
	ttl     atomic.Int64
	onSweep func(removed int)
}

// NewSweeper 创建清理器
func NewSweeper(table *Table, spec string, ttl time.Duration) *Sweeper {
	if spec == "" {
		spec = DefaultSweepSpec
	}
	s := &Sweeper{
		table: table,
		cron:  cron.New(cron.WithLocation(time.UTC)),
		spec:  spec,
	}
	s.ttl.Store(int64(ttl))
	return s
}

// OnSweep 设置每次清理后的回调
func (s *Sweeper) OnSweep(fn func(removed int)) {
	s.onSweep = fn
}

// SetTTL 运行时调整TTL
func (s *Sweeper) SetTTL(ttl time.Duration) {
	s.ttl.Store(int64(ttl))
}

// TTL 当前TTL
func (s *Sweeper) TTL() time.Duration {
	return time.Duration(s.ttl.Load())
}

// RunOnce 立即执行一次清理
func (s *Sweeper) RunOnce() int {
	removed := s.table.Sweep(s.TTL())
	if removed > 0 {
		logger.LogWarning("session", fmt.Sprintf("清理超时会话 %d 个 (ttl=%s)", removed, s.TTL()))
	}
	if s.onSweep != nil {
		s.onSweep(removed)
	}
	return removed
}

// Start 启动定时任务
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce() }); err != nil {
		return fmt.Errorf("invalid sweep spec %q: %w", s.spec, err)
	}
	s.cron.Start()
	logger.LogInfo("session", fmt.Sprintf("会话清理器已启动 spec=%s ttl=%s", s.spec, s.TTL()))
	return nil
}

// Stop 停止定时任务并等待正在执行的清理结束
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
