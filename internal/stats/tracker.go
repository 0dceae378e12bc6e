package stats

import (
	"context"
	"errors"
	"fmt"

	"CapStatsServer/internal/logger"
	"CapStatsServer/internal/metrics"
	"CapStatsServer/internal/session"
)

// Tracker 会话表 + 聚合器
type Tracker struct {
	table *session.Table
	agg   *Aggregator
}

// NewTracker 创建会话跟踪器
func NewTracker(table *session.Table, agg *Aggregator) *Tracker {
	return &Tracker{table: table, agg: agg}
}

// Table 会话表
func (t *Tracker) Table() *session.Table {
	return t.table
}

// Aggregator 聚合器
func (t *Tracker) Aggregator() *Aggregator {
	return t.agg
}

// StartSession 开始一局
func (t *Tracker) StartSession(userID, caseID string) (session.Session, error) {
	s, err := t.table.Start(userID, caseID)
	if err != nil {
		return session.Session{}, err
	}
	metrics.SessionsStarted.Inc()
	metrics.ActiveSessions.Set(float64(t.table.Len()))
	return s, nil
}

// EndSession 结束一局并记录结果
//
// 会话在聚合之前就被移除，聚合失败时会话也不会恢复。
func (t *Tracker) EndSession(ctx context.Context, sessionID, caseOverride string, judge bool) (Outcome, error) {
	sess, err := t.table.End(sessionID)
	metrics.ActiveSessions.Set(float64(t.table.Len()))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			metrics.SessionsEnded.WithLabelValues("not_found").Inc()
		}
		return Outcome{}, err
	}

	out, err := t.agg.RecordOutcome(ctx, sess, caseOverride, judge)
	if err != nil {
		metrics.SessionsEnded.WithLabelValues("error").Inc()
		logger.LogError("stats", fmt.Sprintf("会话 %s 统计写入失败（会话已丢弃）: %v", sessionID, err))
		return Outcome{}, err
	}

	metrics.SessionsEnded.WithLabelValues(fmt.Sprintf("%t", judge)).Inc()
	logger.LogSuccess("stats", fmt.Sprintf("uid=%s caseid=%s judge=%t elapsed=%ds playCount=%d",
		out.UserID, out.CaseID, judge, out.TimeSpentSeconds, out.PlayerStage.PlayCount))
	return out, nil
}
