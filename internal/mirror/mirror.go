package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"CapStatsServer/internal/stats"
)

// 各个sink共用的集合名
const (
	PlayerStatsCollection = "player_stats"
	CaseStatsCollection   = "case_stats"
	SessionLogsCollection = "session_logs"
)

// Nop 关闭镜像时使用
type Nop struct{}

// Name 名称
func (Nop) Name() string { return "nop" }

// Mirror 什么都不做
func (Nop) Mirror(context.Context, stats.MirrorRecord) error { return nil }

// Multi 依次写入所有sink，收集全部错误
type Multi []stats.Mirror

// NewMulti 过滤掉nil后组合；只有一个sink时直接返回它
func NewMulti(sinks ...stats.Mirror) stats.Mirror {
	var out Multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return Nop{}
	case 1:
		return out[0]
	}
	return out
}

// Name 所有sink名称
func (m Multi) Name() string {
	names := make([]string, 0, len(m))
	for _, s := range m {
		names = append(names, s.Name())
	}
	return strings.Join(names, "+")
}

// Mirror 一个sink失败不影响其他sink
func (m Multi) Mirror(ctx context.Context, rec stats.MirrorRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Mirror(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func playerStatFields(p stats.PlayerCaseStat) map[string]interface{} {
	return map[string]interface{}{
		"uid":            p.UID,
		"caseid":         p.CaseID,
		"startTime":      p.StartTime,
		"endTime":        p.EndTime,
		"judge":          p.Judge,
		"avgTimeSeconds": p.AvgTimeSeconds,
		"playCount":      p.PlayCount,
		"clearCount":     p.ClearCount,
	}
}

func caseStatFields(c stats.CaseStat) map[string]interface{} {
	return map[string]interface{}{
		"caseid":           c.CaseID,
		"playCount":        c.PlayCount,
		"totalTimeSeconds": c.TotalTimeSeconds,
		"avgTimeSeconds":   c.AvgTimeSeconds,
		"trueCount":        c.TrueCount,
		"falseCount":       c.FalseCount,
	}
}

func sessionLogFields(l stats.SessionLog) map[string]interface{} {
	return map[string]interface{}{
		"uid":       l.UID,
		"caseid":    l.CaseID,
		"judge":     l.Judge,
		"elapsed":   l.Elapsed,
		"startTime": l.StartTime,
		"endTime":   l.EndTime,
	}
}
